package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"orgchat/module/chat/model"
	"orgchat/tools/errs"
)

// MemoryStore keeps everything in process. Used by tests and the memory backend.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]*model.Chat
	byPair   map[string]string // pair_key -> chat id
	messages map[string]*model.Message
	byChat   map[string][]string // chat id -> message ids in seq order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*model.Chat),
		byPair:   make(map[string]string),
		messages: make(map[string]*model.Message),
		byChat:   make(map[string][]string),
	}
}

func (s *MemoryStore) FindChatByParticipants(_ context.Context, a, b string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[model.PairKey(a, b)]
	if !ok {
		return nil, errs.ErrChatNotFound.WrapMsg("no chat for pair", "a", a, "b", b)
	}
	return s.chats[id].Clone(), nil
}

func (s *MemoryStore) FindOrCreateChat(_ context.Context, chat *model.Chat) (*model.Chat, bool, error) {
	if chat == nil || len(chat.Participants) != 2 {
		return nil, false, errs.ErrArgs.WrapMsg("chat needs exactly two participants")
	}
	key := model.PairKey(chat.Participants[0], chat.Participants[1])

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPair[key]; ok {
		return s.chats[id].Clone(), false, nil
	}
	c := chat.Clone()
	c.PairKey = key
	c.Participants = model.SortedPair(chat.Participants[0], chat.Participants[1])
	s.chats[c.ID] = c
	s.byPair[key] = c.ID
	return c.Clone(), true, nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, errs.ErrChatNotFound.WrapMsg("chat not found", "chat", chatID)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListChatsForUser(_ context.Context, userID string) ([]*model.Chat, error) {
	s.mu.RLock()
	out := make([]*model.Chat, 0)
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) NextSeq(_ context.Context, chatID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return 0, errs.ErrChatNotFound.WrapMsg("chat not found", "chat", chatID)
	}
	c.Seq++
	return c.Seq, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *model.Message) error {
	if m == nil || m.ID == "" {
		return errs.ErrArgs.WrapMsg("message id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[m.ChatID]; !ok {
		return errs.ErrChatNotFound.WrapMsg("chat not found", "chat", m.ChatID)
	}
	if _, dup := s.messages[m.ID]; dup {
		return errs.ErrArgs.WrapMsg("duplicate message id", "id", m.ID)
	}
	s.messages[m.ID] = m.Clone()

	ids := append(s.byChat[m.ChatID], m.ID)
	sort.SliceStable(ids, func(i, j int) bool {
		return s.messages[ids[i]].Seq < s.messages[ids[j]].Seq
	})
	s.byChat[m.ChatID] = ids
	return nil
}

func (s *MemoryStore) UpdateChatLatest(_ context.Context, chatID, messageID string, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return errs.ErrChatNotFound.WrapMsg("chat not found", "chat", chatID)
	}
	if seq > c.LatestSeq {
		c.LatestSeq = seq
		c.LatestMessageID = messageID
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) AdvanceStatus(_ context.Context, messageID string, to model.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, errs.ErrRecordNotFound.WrapMsg("message not found", "id", messageID)
	}
	if m.Status >= to {
		return false, nil
	}
	m.Status = to
	m.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, chatID, readerID string, messageIDs []string, at time.Time) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := messageIDs
	if len(ids) == 0 {
		ids = s.byChat[chatID]
	}
	var out []*model.Message
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.ChatID != chatID || m.RecipientID != readerID || m.SenderID == readerID {
			continue
		}
		if !m.ReadByUser(readerID) {
			m.ReadBy = append(m.ReadBy, model.ReadReceiptEntry{UserID: readerID, ReadAt: at})
			m.UpdatedAt = at
		}
		if m.Status < model.StatusRead {
			m.Status = model.StatusRead
			m.UpdatedAt = at
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) FindMessages(_ context.Context, chatID string, page, pageSize int) ([]*model.Message, bool, error) {
	page, pageSize = NormalizePage(page, pageSize)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byChat[chatID]
	// newest first
	end := len(ids) - (page-1)*pageSize
	if end <= 0 {
		return []*model.Message{}, false, nil
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	out := make([]*model.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, s.messages[ids[i]].Clone())
	}
	return out, start > 0, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, errs.ErrRecordNotFound.WrapMsg("message not found", "id", messageID)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) CountUnread(_ context.Context, chatID, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, id := range s.byChat[chatID] {
		m := s.messages[id]
		if m.RecipientID == userID && m.Status < model.StatusRead {
			n++
		}
	}
	return n, nil
}
