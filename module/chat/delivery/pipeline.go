// Package delivery turns send requests into persisted, encrypted messages and
// drives their status from sent to delivered to read.
package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"orgchat/logger"
	"orgchat/module/chat/encryption"
	"orgchat/module/chat/model"
	"orgchat/module/chat/store"
	"orgchat/module/user"
	"orgchat/service/metrics"
	"orgchat/service/presence"
	"orgchat/tools/errs"
	"orgchat/tools/ids"
	"orgchat/tools/safe"

	"go.uber.org/zap"
)

const MaxTextLength = 4000

// Presence is the part of the presence registry the pipeline pushes through.
type Presence interface {
	Send(ctx context.Context, userID string, ev presence.Event) error
	Reachable(ctx context.Context, userID string) bool
}

// ReceiptRelay forwards read receipts to original senders.
type ReceiptRelay interface {
	RelayReadReceipt(ctx context.Context, r model.ReadReceipt)
}

type Pipeline struct {
	store    store.Store
	dir      user.Directory
	presence Presence
	relay    ReceiptRelay
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Pipeline)

func WithReceiptRelay(r ReceiptRelay) Option {
	return func(p *Pipeline) { p.relay = r }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(st store.Store, dir user.Directory, pr Presence, opts ...Option) *Pipeline {
	safe.MustNotNil(st, "store")
	safe.MustNotNil(dir, "directory")
	safe.MustNotNil(pr, "presence")
	p := &Pipeline{
		store:    st,
		dir:      dir,
		presence: pr,
		now:      time.Now,
		log:      logger.Named("delivery"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetReceiptRelay wires the relay after construction; the coordinator that
// relays receipts is itself built on top of the pipeline.
func (p *Pipeline) SetReceiptRelay(r ReceiptRelay) {
	p.relay = r
}

// Send persists the message as sent, then tries a live push to the recipient.
// An offline recipient is not an error: the message stays sent until the
// recipient fetches history. Push and confirmation failures never undo the
// persisted record.
func (p *Pipeline) Send(ctx context.Context, sender user.Identity, req SendRequest) (*MessageView, error) {
	// 只用 trim 判空，正文原样加密
	text := req.Text
	if strings.TrimSpace(text) == "" {
		return nil, errs.ErrArgs.WrapMsg("empty message")
	}
	if len(text) > MaxTextLength {
		return nil, errs.ErrArgs.WrapMsg("message too long", "len", len(text))
	}

	chat, err := p.resolveSendTarget(ctx, sender, req)
	if err != nil {
		return nil, err
	}
	recipientID := chat.Peer(sender.UserID)

	chatKey, err := p.chatKey(chat, sender)
	if err != nil {
		return nil, err
	}
	nonce, ct, err := encryption.Encrypt([]byte(text), chatKey)
	if err != nil {
		return nil, err
	}

	seq, err := p.store.NextSeq(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	now := p.now()
	msg := &model.Message{
		ID:          ids.GenerateString(),
		ChatID:      chat.ID,
		SenderID:    sender.UserID,
		RecipientID: recipientID,
		Seq:         seq,
		Type:        model.MessageTypeText,
		Nonce:       nonce,
		Ciphertext:  ct,
		Status:      model.StatusSent,
		ReadBy:      []model.ReadReceiptEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := p.store.UpdateChatLatest(ctx, chat.ID, msg.ID, seq, now); err != nil {
		return nil, err
	}
	metrics.MessagesSent.Inc()

	view := newView(msg, text)
	p.deliverLive(ctx, msg, view)

	confirmed := view.clone()
	confirmed.TempID = req.TempID
	if err := p.presence.Send(ctx, sender.UserID, presence.Event{Type: presence.EventSendConfirmed, Data: confirmed}); err != nil {
		p.log.Debug("send confirmation not pushed", zap.String("user", sender.UserID), zap.String("msg", msg.ID), zap.Error(err))
	}
	return confirmed, nil
}

// deliverLive pushes to the recipient and advances to delivered on success.
func (p *Pipeline) deliverLive(ctx context.Context, msg *model.Message, view *MessageView) {
	err := p.presence.Send(ctx, msg.RecipientID, presence.Event{Type: presence.EventMessageDelivered, Data: view.clone()})
	switch {
	case err == nil:
	case errors.Is(err, presence.ErrOffline):
		p.log.Debug("recipient offline, message left as sent", zap.String("msg", msg.ID), zap.String("recipient", msg.RecipientID))
		return
	default:
		p.log.Warn("live delivery failed", zap.String("msg", msg.ID), zap.String("recipient", msg.RecipientID), zap.Error(err))
		return
	}

	changed, err := p.store.AdvanceStatus(ctx, msg.ID, model.StatusDelivered, p.now())
	if err != nil {
		p.log.Warn("advance to delivered failed", zap.String("msg", msg.ID), zap.Error(err))
		return
	}
	if changed {
		metrics.StatusTransitions.WithLabelValues(model.StatusDelivered.String()).Inc()
		view.Status = model.StatusDelivered
	}
}

// resolveSendTarget validates the addressee and returns the chat, creating it
// on the first message between the pair.
func (p *Pipeline) resolveSendTarget(ctx context.Context, sender user.Identity, req SendRequest) (*model.Chat, error) {
	if req.ChatID != "" {
		chat, err := p.participantChat(ctx, sender.UserID, req.ChatID)
		if err != nil {
			return nil, err
		}
		if req.RecipientID != "" && chat.Peer(sender.UserID) != req.RecipientID {
			return nil, errs.ErrArgs.WrapMsg("recipient is not the chat peer", "chat", req.ChatID)
		}
		if err := p.checkPeer(ctx, sender, chat.Peer(sender.UserID)); err != nil {
			return nil, err
		}
		return chat, nil
	}
	if err := p.checkPeer(ctx, sender, req.RecipientID); err != nil {
		return nil, err
	}
	return p.ensureChat(ctx, sender, req.RecipientID)
}

func (p *Pipeline) checkPeer(ctx context.Context, sender user.Identity, peerID string) error {
	if strings.TrimSpace(peerID) == "" {
		return errs.ErrArgs.WrapMsg("recipient required")
	}
	if peerID == sender.UserID {
		return errs.ErrArgs.WrapMsg("cannot message yourself")
	}
	ok, err := p.dir.SameOrganization(ctx, sender.UserID, peerID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrCrossOrg.WrapMsg("recipient outside organization", "sender", sender.UserID, "recipient", peerID)
	}
	return nil
}
