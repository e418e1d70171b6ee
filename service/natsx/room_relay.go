package natsx

import (
	"context"
	"encoding/json"
	"time"

	"orgchat/service/presence"
	"orgchat/tools/errs"
)

const (
	roomSubjectPrefix = "orgchat.room."
	roomSubjectSuffix = ".typing"
)

// RoomDeliverer receives room events published by other nodes.
type RoomDeliverer interface {
	DeliverRoom(ctx context.Context, from, chatID string, ev presence.Event)
}

type roomEnvelope struct {
	Chat string          `json:"chat"`
	From string          `json:"from"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// RoomRelay carries typing events to viewers of a chat on other nodes.
// Best effort, like the events themselves.
type RoomRelay struct {
	bus    Bus
	origin string
	local  RoomDeliverer
}

func NewRoomRelay(bus Bus, origin string, local RoomDeliverer) *RoomRelay {
	return &RoomRelay{bus: bus, origin: origin, local: local}
}

func RoomSubject(chatID string) string {
	return roomSubjectPrefix + chatID + roomSubjectSuffix
}

func (r *RoomRelay) Start() error {
	return r.bus.Subscribe(roomSubjectPrefix+"*"+roomSubjectSuffix, r.handle, Recover(), WithTimeout(5*time.Second))
}

func (r *RoomRelay) PublishRoom(_ context.Context, from, chatID string, ev presence.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return errs.WrapMsg(err, "marshal room event", "type", ev.Type)
	}
	body, err := json.Marshal(roomEnvelope{Chat: chatID, From: from, Type: ev.Type, Data: data})
	if err != nil {
		return errs.Wrap(err)
	}
	return r.bus.Publish(RoomSubject(chatID), body, map[string]string{headerOrigin: r.origin})
}

func (r *RoomRelay) handle(ctx context.Context, msg NatsxMessage) error {
	if msg.Header[headerOrigin] == r.origin {
		return nil
	}
	var env roomEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Chat == "" {
		return errs.ErrArgs.WrapMsg("bad room envelope", "subject", msg.Subject)
	}
	r.local.DeliverRoom(ctx, env.From, env.Chat, presence.Event{Type: env.Type, Data: env.Data})
	return nil
}
