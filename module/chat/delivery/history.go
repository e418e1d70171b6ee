package delivery

import (
	"context"

	"orgchat/module/chat/encryption"
	"orgchat/module/chat/model"
	"orgchat/module/chat/store"
	"orgchat/module/user"
	"orgchat/service/metrics"

	"go.uber.org/zap"
)

// FetchHistory returns one page in chronological order, decrypted for the
// requester. Unread messages in the page addressed to the requester turn
// read and their senders get a receipt. A message that fails to decrypt is
// returned with a placeholder instead of failing the page.
func (p *Pipeline) FetchHistory(ctx context.Context, requester user.Identity, chatID string, page, pageSize int) (*HistoryPage, error) {
	chat, err := p.participantChat(ctx, requester.UserID, chatID)
	if err != nil {
		return nil, err
	}
	page, pageSize = store.NormalizePage(page, pageSize)
	msgs, hasMore, err := p.store.FindMessages(ctx, chatID, page, pageSize)
	if err != nil {
		return nil, err
	}

	key, err := p.chatKey(chat, requester)
	if err != nil {
		p.log.Warn("chat key unavailable, bodies withheld", zap.String("chat", chatID), zap.String("user", requester.UserID), zap.Error(err))
		key = nil
	}

	views := make([]*MessageView, len(msgs))
	byID := make(map[string]*MessageView, len(msgs))
	var unread []string
	// store 返回新到旧，这里翻转成时间顺序
	for i, m := range msgs {
		v := p.decryptView(m, key)
		views[len(msgs)-1-i] = v
		byID[m.ID] = v
		if m.RecipientID == requester.UserID && m.Status < model.StatusRead {
			unread = append(unread, m.ID)
		}
	}

	if len(unread) > 0 {
		receipts := p.markRead(ctx, chatID, requester.UserID, unread)
		for _, r := range receipts {
			if v, ok := byID[r.MessageID]; ok {
				v.Status = model.StatusRead
				v.ReadBy = append(v.ReadBy, model.ReadReceiptEntry{UserID: r.ReaderID, ReadAt: r.ReadAt})
				v.UpdatedAt = r.ReadAt
			}
		}
	}

	return &HistoryPage{
		ChatID:   chatID,
		Page:     page,
		PageSize: pageSize,
		HasMore:  hasMore,
		Messages: views,
	}, nil
}

// MarkRead marks messages of chatID addressed to the requester as read. Empty
// messageIDs marks every unread one. Re-marking is a no-op and emits nothing.
func (p *Pipeline) MarkRead(ctx context.Context, requester user.Identity, chatID string, messageIDs []string) ([]model.ReadReceipt, error) {
	if _, err := p.participantChat(ctx, requester.UserID, chatID); err != nil {
		return nil, err
	}
	changed, err := p.store.MarkRead(ctx, chatID, requester.UserID, messageIDs, p.now())
	if err != nil {
		return nil, err
	}
	return p.emitReceipts(ctx, requester.UserID, changed), nil
}

// markRead is the history side effect: failures are logged, not returned.
func (p *Pipeline) markRead(ctx context.Context, chatID, readerID string, ids []string) []model.ReadReceipt {
	changed, err := p.store.MarkRead(ctx, chatID, readerID, ids, p.now())
	if err != nil {
		p.log.Warn("mark read during history failed", zap.String("chat", chatID), zap.String("reader", readerID), zap.Error(err))
		return nil
	}
	return p.emitReceipts(ctx, readerID, changed)
}

func (p *Pipeline) emitReceipts(ctx context.Context, readerID string, changed []*model.Message) []model.ReadReceipt {
	out := make([]model.ReadReceipt, 0, len(changed))
	for _, m := range changed {
		r := model.ReadReceipt{
			MessageID: m.ID,
			ChatID:    m.ChatID,
			SenderID:  m.SenderID,
			ReaderID:  readerID,
			ReadAt:    m.UpdatedAt,
		}
		for _, e := range m.ReadBy {
			if e.UserID == readerID {
				r.ReadAt = e.ReadAt
			}
		}
		out = append(out, r)
		metrics.StatusTransitions.WithLabelValues(model.StatusRead.String()).Inc()
		if p.relay != nil {
			p.relay.RelayReadReceipt(ctx, r)
		}
	}
	return out
}

func (p *Pipeline) decryptView(m *model.Message, key []byte) *MessageView {
	if key == nil {
		metrics.DecryptFailures.Inc()
		v := newView(m, UndecryptablePlaceholder)
		v.Undecryptable = true
		return v
	}
	plain, err := encryption.Decrypt(m.Nonce, m.Ciphertext, key)
	if err != nil {
		metrics.DecryptFailures.Inc()
		p.log.Warn("message decrypt failed", zap.String("msg", m.ID), zap.Error(err))
		v := newView(m, UndecryptablePlaceholder)
		v.Undecryptable = true
		return v
	}
	return newView(m, string(plain))
}
