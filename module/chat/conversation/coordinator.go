// Package conversation relays the ephemeral signals of a two-party chat:
// typing indicators to the peers viewing the chat and read receipts to the
// original sender. Nothing here is persisted.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"orgchat/logger"
	"orgchat/module/chat/model"
	"orgchat/module/user"
	"orgchat/service/presence"

	"go.uber.org/zap"
)

// Presence is what the coordinator needs from the presence registry.
type Presence interface {
	Send(ctx context.Context, userID string, ev presence.Event) error
	OnUnregister(fn func(userID string, h presence.Handle))
}

// RoomPublisher forwards a room event to the other nodes.
type RoomPublisher interface {
	PublishRoom(ctx context.Context, from, chatID string, ev presence.Event) error
}

// Chats checks chat membership.
type Chats interface {
	ParticipantChat(ctx context.Context, userID, chatID string) (*model.Chat, error)
}

type TypingEvent struct {
	ChatID      string    `json:"chatId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	At          time.Time `json:"at"`
}

// Coordinator owns the room table: chat id -> users currently viewing it.
// A user joins with their single live connection, so rooms hold user ids.
type Coordinator struct {
	presence Presence
	chats    Chats
	now      func() time.Time
	log      *zap.Logger

	pmu       sync.RWMutex
	publisher RoomPublisher

	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // chatID -> userIDs
	joined map[string]map[string]struct{} // userID -> chatIDs
}

func NewCoordinator(p Presence, chats Chats) *Coordinator {
	c := &Coordinator{
		presence: p,
		chats:    chats,
		now:      time.Now,
		log:      logger.Named("conversation"),
		rooms:    make(map[string]map[string]struct{}),
		joined:   make(map[string]map[string]struct{}),
	}
	// 连接断开或被顶替时清掉其房间
	p.OnUnregister(func(userID string, _ presence.Handle) {
		c.LeaveAll(userID)
	})
	return c
}

// SetRoomPublisher makes typing events reach viewers on other nodes.
func (c *Coordinator) SetRoomPublisher(pub RoomPublisher) {
	c.pmu.Lock()
	c.publisher = pub
	c.pmu.Unlock()
}

// JoinRoom subscribes the caller to typing events of chatID. Only
// participants may join; anything else reads as a missing chat.
func (c *Coordinator) JoinRoom(ctx context.Context, who user.Identity, chatID string) error {
	if _, err := c.chats.ParticipantChat(ctx, who.UserID, chatID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.rooms[chatID]
	if !ok {
		members = make(map[string]struct{}, 2)
		c.rooms[chatID] = members
	}
	members[who.UserID] = struct{}{}
	chats, ok := c.joined[who.UserID]
	if !ok {
		chats = make(map[string]struct{})
		c.joined[who.UserID] = chats
	}
	chats[chatID] = struct{}{}
	return nil
}

func (c *Coordinator) LeaveRoom(who user.Identity, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveLocked(who.UserID, chatID)
}

// LeaveAll removes userID from every room.
func (c *Coordinator) LeaveAll(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chatID := range c.joined[userID] {
		c.leaveLocked(userID, chatID)
	}
	delete(c.joined, userID)
}

func (c *Coordinator) leaveLocked(userID, chatID string) {
	if members, ok := c.rooms[chatID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(c.rooms, chatID)
		}
	}
	if chats, ok := c.joined[userID]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(c.joined, userID)
		}
	}
}

// InRoom reports whether userID currently views chatID.
func (c *Coordinator) InRoom(userID, chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[chatID][userID]
	return ok
}

// others snapshots the room minus userID.
func (c *Coordinator) others(userID, chatID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := c.rooms[chatID]
	out := make([]string, 0, len(members))
	for m := range members {
		if m != userID {
			out = append(out, m)
		}
	}
	return out
}

// TypingStart tells the other room members that who is composing. A caller
// that has not joined the room is ignored. The server keeps no typing state;
// clients stop the indicator themselves.
func (c *Coordinator) TypingStart(ctx context.Context, who user.Identity, chatID, displayName string) {
	if displayName == "" {
		displayName = who.DisplayName
	}
	c.fanout(ctx, who.UserID, chatID, presence.Event{
		Type: presence.EventTypingStarted,
		Data: TypingEvent{ChatID: chatID, UserID: who.UserID, DisplayName: displayName, At: c.now()},
	})
}

// TypingStop is idempotent; stopping without a start is relayed all the same.
func (c *Coordinator) TypingStop(ctx context.Context, who user.Identity, chatID string) {
	c.fanout(ctx, who.UserID, chatID, presence.Event{
		Type: presence.EventTypingStopped,
		Data: TypingEvent{ChatID: chatID, UserID: who.UserID, At: c.now()},
	})
}

func (c *Coordinator) fanout(ctx context.Context, from, chatID string, ev presence.Event) {
	if !c.InRoom(from, chatID) {
		return
	}
	c.DeliverRoom(ctx, from, chatID, ev)

	c.pmu.RLock()
	pub := c.publisher
	c.pmu.RUnlock()
	if pub != nil {
		if err := pub.PublishRoom(ctx, from, chatID, ev); err != nil {
			c.log.Debug("room publish failed", zap.String("chat", chatID), zap.Error(err))
		}
	}
}

// DeliverRoom pushes ev to the viewers of chatID on this node except from.
// Room events of other nodes arrive here.
func (c *Coordinator) DeliverRoom(ctx context.Context, from, chatID string, ev presence.Event) {
	for _, to := range c.others(from, chatID) {
		if err := c.presence.Send(ctx, to, ev); err != nil && !errors.Is(err, presence.ErrOffline) {
			c.log.Debug("typing relay failed", zap.String("to", to), zap.String("chat", chatID), zap.Error(err))
		}
	}
}

// RelayReadReceipt pushes r to the original sender when connected and drops
// it otherwise; the sender sees the status on the next history fetch.
func (c *Coordinator) RelayReadReceipt(ctx context.Context, r model.ReadReceipt) {
	err := c.presence.Send(ctx, r.SenderID, presence.Event{Type: presence.EventReadReceipt, Data: r})
	if err != nil && !errors.Is(err, presence.ErrOffline) {
		c.log.Debug("read receipt relay failed", zap.String("sender", r.SenderID), zap.String("msg", r.MessageID), zap.Error(err))
	}
}

type RoomStats struct {
	Rooms   int `json:"rooms"`
	Viewers int `json:"viewers"`
}

func (c *Coordinator) Stats() RoomStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := RoomStats{Rooms: len(c.rooms)}
	for _, m := range c.rooms {
		s.Viewers += len(m)
	}
	return s
}
