package natsx

import (
	"context"
	"time"

	"orgchat/tools/errs"
)

var ErrNoReply = errs.New("message expects no reply")

// NatsxMessage 统一消息对象
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
	Reply   string

	respond func([]byte) error
}

// Respond answers a request. Plain publishes have nobody to answer.
func (m NatsxMessage) Respond(data []byte) error {
	if m.Reply == "" || m.respond == nil {
		return ErrNoReply.Wrap()
	}
	return m.respond(data)
}

// NatsxHandler 业务处理函数
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware 中间件（日志、指标、重试等）
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain 组合中间件
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func contextForMsg() context.Context {
	return context.Background()
}

// WithTimeout bounds every handler invocation.
func WithTimeout(d time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, msg)
		}
	}
}

// Recover turns a handler panic into an error.
func Recover() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errs.ErrPanic(r)
				}
			}()
			return next(ctx, msg)
		}
	}
}
