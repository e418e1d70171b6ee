package presence

import (
	"context"
	"time"
)

// Server to client event types.
const (
	EventOnline           = "online-status-changed"
	EventOffline          = "offline-status-changed"
	EventMessageDelivered = "message-delivered-to-me"
	EventSendConfirmed    = "message-send-confirmed"
	EventReadReceipt      = "message-read-receipt"
	EventTypingStarted    = "user-typing-started"
	EventTypingStopped    = "user-typing-stopped"
	EventAuthenticated    = "authenticated"
	EventError            = "error"
)

// Event is one server push. Data must be JSON encodable.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handle is a live transport connection.
// Send must not block: it enqueues and fails when the connection is gone or
// its queue is full.
type Handle interface {
	ID() string
	Send(ev Event) error
	Close() error
}

// StatusRecorder mirrors presence onto durable records (user document, redis).
// MarkOffline must be a no-op when connID is no longer the user's current one.
type StatusRecorder interface {
	MarkOnline(ctx context.Context, userID, connID string, at time.Time) error
	MarkOffline(ctx context.Context, userID, connID string, at time.Time) error
	Touch(ctx context.Context, userID string, at time.Time) error
}

// OrgPublisher forwards an organization broadcast to other nodes.
type OrgPublisher interface {
	PublishOrg(ctx context.Context, orgID string, ev Event, exclude []string) error
}

// UserRouter reaches users whose connection lives on another node.
// Push returns ErrOffline when the user is connected nowhere.
type UserRouter interface {
	Reachable(ctx context.Context, userID string) bool
	Push(ctx context.Context, userID string, ev Event) error
}

type UserStatus struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	LastActive time.Time `json:"lastActive"`
}

// MultiRecorder fans a status change out to several recorders.
// The first error is returned after all of them ran.
type MultiRecorder []StatusRecorder

func (m MultiRecorder) MarkOnline(ctx context.Context, userID, connID string, at time.Time) error {
	var first error
	for _, r := range m {
		if err := r.MarkOnline(ctx, userID, connID, at); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiRecorder) MarkOffline(ctx context.Context, userID, connID string, at time.Time) error {
	var first error
	for _, r := range m {
		if err := r.MarkOffline(ctx, userID, connID, at); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiRecorder) Touch(ctx context.Context, userID string, at time.Time) error {
	var first error
	for _, r := range m {
		if err := r.Touch(ctx, userID, at); err != nil && first == nil {
			first = err
		}
	}
	return first
}
