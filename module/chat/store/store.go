// Package store persists chats and messages. Every mutation that can race is
// expressed as a monotonic or set-like update so re-applying it is harmless.
package store

import (
	"context"
	"time"

	"orgchat/module/chat/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

type Store interface {
	// FindChatByParticipants returns ErrChatNotFound when the pair has no chat.
	FindChatByParticipants(ctx context.Context, a, b string) (*model.Chat, error)
	// FindOrCreateChat inserts chat unless a chat for the same pair exists.
	// Exactly one caller wins; everybody gets the winner's record back.
	FindOrCreateChat(ctx context.Context, chat *model.Chat) (winner *model.Chat, created bool, err error)
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	// ListChatsForUser is ordered by UpdatedAt, newest first.
	ListChatsForUser(ctx context.Context, userID string) ([]*model.Chat, error)

	// NextSeq atomically allocates the next message sequence in a chat.
	NextSeq(ctx context.Context, chatID string) (int64, error)
	CreateMessage(ctx context.Context, m *model.Message) error
	// UpdateChatLatest moves the latest-message reference forward only.
	UpdateChatLatest(ctx context.Context, chatID, messageID string, seq int64, at time.Time) error

	// AdvanceStatus raises the status to at least `to`. Reports whether it changed.
	AdvanceStatus(ctx context.Context, messageID string, to model.Status, at time.Time) (bool, error)
	// MarkRead marks messages addressed to reader as read and records the reader
	// once. Empty messageIDs means every unread message of the chat addressed
	// to reader. Returns only the messages whose status actually turned read.
	MarkRead(ctx context.Context, chatID, readerID string, messageIDs []string, at time.Time) ([]*model.Message, error)

	// FindMessages pages newest first: page 1 holds the latest pageSize messages.
	// hasMore reports whether older messages exist beyond this page.
	FindMessages(ctx context.Context, chatID string, page, pageSize int) (msgs []*model.Message, hasMore bool, err error)
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	// CountUnread counts messages addressed to userID that are not read yet.
	CountUnread(ctx context.Context, chatID, userID string) (int64, error)
}

// NormalizePage applies defaults and the upper bound on page size.
func NormalizePage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
