package delivery

import (
	"context"

	"orgchat/module/chat/encryption"
	"orgchat/module/chat/model"
	"orgchat/module/user"
	usermodel "orgchat/module/user/model"
	"orgchat/tools/errs"
	"orgchat/tools/ids"

	"go.uber.org/zap"
)

const SearchLimit = 10

// OpenChat finds or creates the chat between requester and peerID.
func (p *Pipeline) OpenChat(ctx context.Context, requester user.Identity, peerID string) (*ChatSummary, error) {
	if err := p.checkPeer(ctx, requester, peerID); err != nil {
		return nil, err
	}
	chat, err := p.ensureChat(ctx, requester, peerID)
	if err != nil {
		return nil, err
	}
	return p.summarize(ctx, requester, chat), nil
}

// ParticipantChat returns the chat when userID takes part in it. A chat the
// user is not part of looks exactly like a missing one.
func (p *Pipeline) ParticipantChat(ctx context.Context, userID, chatID string) (*model.Chat, error) {
	return p.participantChat(ctx, userID, chatID)
}

func (p *Pipeline) participantChat(ctx context.Context, userID, chatID string) (*model.Chat, error) {
	if chatID == "" {
		return nil, errs.ErrArgs.WrapMsg("chat id required")
	}
	chat, err := p.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, errs.ErrChatNotFound.WrapMsg("not a participant", "chat", chatID, "user", userID)
	}
	return chat, nil
}

// ensureChat 先查后建；并发建同一对的会话时只有一个成功，其余拿到胜者
func (p *Pipeline) ensureChat(ctx context.Context, requester user.Identity, peerID string) (*model.Chat, error) {
	chat, err := p.store.FindChatByParticipants(ctx, requester.UserID, peerID)
	if err == nil {
		return chat, nil
	}
	if !errs.ErrChatNotFound.Is(err) {
		return nil, err
	}

	peer, err := p.dir.FindUser(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if len(peer.EncryptionKey) == 0 {
		return nil, errs.ErrArgs.WrapMsg("recipient has no encryption key", "user", peerID)
	}
	chatKey, err := encryption.NewChatKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := encryption.WrapForParticipants(chatKey, map[string][]byte{
		requester.UserID: requester.EncryptionKey,
		peerID:           peer.EncryptionKey,
	})
	if err != nil {
		return nil, err
	}
	now := p.now()
	winner, created, err := p.store.FindOrCreateChat(ctx, &model.Chat{
		ID:             ids.GenerateString(),
		OrganizationID: requester.OrganizationID,
		Participants:   model.SortedPair(requester.UserID, peerID),
		WrappedKeys:    wrapped,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	if created {
		p.log.Info("chat created", zap.String("chat", winner.ID), zap.Strings("participants", winner.Participants))
	}
	return winner, nil
}

// chatKey unwraps the chat key with the caller's own key.
func (p *Pipeline) chatKey(chat *model.Chat, who user.Identity) ([]byte, error) {
	wrapped, ok := chat.WrappedKeys[who.UserID]
	if !ok {
		return nil, errs.ErrDecryption.WrapMsg("no key for participant", "chat", chat.ID, "user", who.UserID)
	}
	return encryption.UnwrapChatKey(wrapped, who.EncryptionKey)
}

// ListChats returns the requester's chats, most recently active first.
func (p *Pipeline) ListChats(ctx context.Context, requester user.Identity) ([]*ChatSummary, error) {
	chats, err := p.store.ListChatsForUser(ctx, requester.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]*ChatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, p.summarize(ctx, requester, c))
	}
	return out, nil
}

// summarize never fails; missing pieces are left empty and logged.
func (p *Pipeline) summarize(ctx context.Context, requester user.Identity, chat *model.Chat) *ChatSummary {
	s := &ChatSummary{
		ID:           chat.ID,
		Participants: append([]string(nil), chat.Participants...),
		CreatedAt:    chat.CreatedAt,
		UpdatedAt:    chat.UpdatedAt,
	}
	peerID := chat.Peer(requester.UserID)
	s.Peer = usermodel.Contact{UserID: peerID}
	if u, err := p.dir.FindUser(ctx, peerID); err == nil {
		s.Peer = u.Contact()
	} else {
		p.log.Debug("peer lookup failed", zap.String("peer", peerID), zap.Error(err))
	}
	s.Peer.Online = p.presence.Reachable(ctx, peerID)

	if n, err := p.store.CountUnread(ctx, chat.ID, requester.UserID); err == nil {
		s.UnreadCount = n
	} else {
		p.log.Warn("count unread failed", zap.String("chat", chat.ID), zap.Error(err))
	}

	if chat.LatestMessageID != "" {
		m, err := p.store.GetMessage(ctx, chat.LatestMessageID)
		if err != nil {
			p.log.Warn("latest message lookup failed", zap.String("chat", chat.ID), zap.Error(err))
			return s
		}
		key, err := p.chatKey(chat, requester)
		if err != nil {
			key = nil
		}
		s.LatestMessage = p.decryptView(m, key)
	}
	return s
}

// SearchUsers looks up colleagues of the requester by name or email.
func (p *Pipeline) SearchUsers(ctx context.Context, requester user.Identity, query string) ([]usermodel.Contact, error) {
	users, err := p.dir.Search(ctx, requester.OrganizationID, requester.UserID, query, SearchLimit)
	if err != nil {
		return nil, err
	}
	out := make([]usermodel.Contact, 0, len(users))
	for _, u := range users {
		c := u.Contact()
		c.Online = p.presence.Reachable(ctx, u.UserID)
		out = append(out, c)
	}
	return out, nil
}
