package chat

import (
	"context"

	"orgchat/module/user"
	"orgchat/tools/errs"
)

// Session is an authenticated connection.
type Session struct {
	Identity user.Identity
	Conn     *Conn
}

type HandlerFunc func(ctx context.Context, s *Session, f *Frame) error

type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

func (d *Dispatcher) Register(typ string, h HandlerFunc) { d.handlers[typ] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, f *Frame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrArgs.WrapMsg("no handler for frame", "type", f.Type)
	}
	return h(ctx, s, f)
}

func (d *Dispatcher) GetHandler(typ string) HandlerFunc {
	return d.handlers[typ]
}
