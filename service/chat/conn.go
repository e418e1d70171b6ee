package chat

import (
	"encoding/json"
	"sync"
	"time"

	"orgchat/logger"
	"orgchat/service/presence"
	"orgchat/tools/errs"
	"orgchat/tools/ids"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrConnClosed = errs.New("connection closed")
	ErrQueueFull  = errs.New("send queue full")
)

type connConfig struct {
	SendQueue    int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Conn 一条 websocket 连接：业务帧经 sendCh 交给唯一的写协程，
// gorilla/websocket 不允许并发写。实现 presence.Handle。
type Conn struct {
	SnowID    string
	UserID    string
	CreatedAt time.Time

	ws     *websocket.Conn
	sendCh chan []byte
	cfg    connConfig

	closeOnce sync.Once
	done      chan struct{} // Close 后关闭
	stopped   chan struct{} // 写协程退出后关闭
}

func newConn(ws *websocket.Conn, cfg connConfig) *Conn {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	return &Conn{
		SnowID:    ids.GenerateString(),
		CreatedAt: time.Now(),
		ws:        ws,
		sendCh:    make(chan []byte, cfg.SendQueue),
		cfg:       cfg,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.SnowID }

// Send enqueues ev without blocking.
func (c *Conn) Send(ev presence.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errs.WrapMsg(err, "marshal event", "type", ev.Type)
	}
	select {
	case <-c.done:
		return ErrConnClosed.Wrap()
	default:
	}
	select {
	case c.sendCh <- b:
		return nil
	case <-c.done:
		return ErrConnClosed.Wrap()
	default:
		return ErrQueueFull.Wrap()
	}
}

// Close is idempotent. The writer flushes what is queued, sends a close
// frame and closes the socket, which also ends the read loop.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump 唯一写协程：业务帧 + 定时 ping
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.ws.Close()
		close(c.stopped)
	}()

	for {
		select {
		case b := <-c.sendCh:
			if err := c.write(websocket.TextMessage, b); err != nil {
				logger.Debug("[WS] write failed", zap.String("conn", c.SnowID), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				logger.Debug("[WS] ping failed", zap.String("conn", c.SnowID), zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case b := <-c.sendCh:
			if err := c.write(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(mt int, b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(mt, b)
}
