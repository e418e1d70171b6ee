// Package presencetest provides an in-memory presence.Handle for tests.
package presencetest

import (
	"errors"
	"sync"

	"orgchat/service/presence"
	"orgchat/tools/ids"
)

var ErrClosed = errors.New("handle closed")

type Handle struct {
	id string

	mu     sync.Mutex
	events []presence.Event
	closed bool
	fail   bool
}

func NewHandle() *Handle {
	return &Handle{id: ids.GenerateString()}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Send(ev presence.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.fail {
		return ErrClosed
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// FailWrites makes every later Send fail, like a dead socket.
func (h *Handle) FailWrites() {
	h.mu.Lock()
	h.fail = true
	h.mu.Unlock()
}

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) Events() []presence.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]presence.Event(nil), h.events...)
}

// OfType returns the received events with the given type, in order.
func (h *Handle) OfType(typ string) []presence.Event {
	var out []presence.Event
	for _, ev := range h.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Handle) Reset() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}
