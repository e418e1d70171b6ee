package chat

import (
	"context"
	"net"
	"time"

	midsec "orgchat/middleware/security"
	"orgchat/module/user"
	"orgchat/service/metrics"
	"orgchat/service/presence"
	"orgchat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const frameTimeout = 10 * time.Second

// HandleWS ===== WebSocket 处理 =====
// 认证 -> 注册在线 -> 读循环 -> 下线。写只经由 Conn 的写协程。
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，Upgrade 已经回写了错误
		s.log.Debug("[WS] upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.ws.MaxFrameSize)

	conn := newConn(ws, connConfig{
		SendQueue:    s.ws.SendQueue,
		PingInterval: s.ws.PingInterval,
		WriteTimeout: s.ws.WriteTimeout,
	})
	go conn.writePump()
	defer func() {
		conn.Close()
		<-conn.stopped // 等写协程真正关闭 ws
	}()

	id, err := s.authenticate(c, conn)
	if err != nil {
		s.log.Info("[WS] authentication failed", zap.String("conn", conn.SnowID), zap.Error(err))
		_ = conn.Send(errorEvent(FrameAuthenticate, err))
		return
	}
	conn.UserID = id.UserID
	log := s.log.With(zap.String("user", id.UserID), zap.String("conn", conn.SnowID))

	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.reg.Register(connCtx, id.UserID, id.OrganizationID, conn)
	log.Info("[WS] online")
	_ = conn.Send(presence.Event{Type: presence.EventAuthenticated, Data: AuthenticatedPayload{
		UserID:         id.UserID,
		OrganizationID: id.OrganizationID,
		ConnID:         conn.SnowID,
		ServerTime:     time.Now(),
	}})

	s.readLoop(connCtx, &Session{Identity: id, Conn: conn}, log)

	// ---- 退出阶段：下线（被顶替的连接这里是空操作） ----
	offCtx, offCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer offCancel()
	if s.reg.Unregister(offCtx, id.UserID, conn) {
		log.Info("[WS] offline")
	}
}

// authenticate uses the token on the upgrade request when there is one and
// otherwise waits AuthTimeout for an authenticate frame.
func (s *Server) authenticate(c *gin.Context, conn *Conn) (user.Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ws.AuthTimeout)
	defer cancel()

	if token := midsec.TokenFromRequest(c, nil); token != "" {
		return s.resolver.Resolve(ctx, token)
	}

	_ = conn.ws.SetReadDeadline(time.Now().Add(s.ws.AuthTimeout))
	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		return user.Identity{}, errs.ErrAuth.WrapMsg("no authenticate frame", "err", err.Error())
	}
	f, err := ParseFrameJSON(data)
	if err != nil {
		return user.Identity{}, err
	}
	if f.Type != FrameAuthenticate {
		return user.Identity{}, errs.ErrAuth.WrapMsg("authenticate first", "type", f.Type)
	}
	p, err := decodeData[AuthPayload](f)
	if err != nil {
		return user.Identity{}, err
	}
	if p.Token == "" {
		return user.Identity{}, errs.ErrAuth.WrapMsg("missing token")
	}
	return s.resolver.Resolve(ctx, p.Token)
}

// ---- 读循环：只读不写，出错即退出 ----
func (s *Server) readLoop(ctx context.Context, sess *Session, log *zap.Logger) {
	ws := sess.Conn.ws
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(s.ws.ReadTimeout)) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Debug("[WS] peer closed")
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Info("[WS] read timeout")
			} else {
				log.Debug("[WS] read error", zap.Error(err))
			}
			return
		}
		extend()
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, err := ParseFrameJSON(data)
		if err != nil {
			// 只打印简短样本
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			log.Debug("[WS] bad frame", zap.ByteString("sample", sample), zap.Int("len", len(data)))
			metrics.Frames.WithLabelValues("invalid", "error").Inc()
			_ = sess.Conn.Send(errorEvent("", err))
			continue
		}

		label := f.Type
		if s.disp.GetHandler(f.Type) == nil {
			label = "unknown"
		}
		if err := s.dispatch(ctx, sess, f); err != nil {
			metrics.Frames.WithLabelValues(label, "error").Inc()
			log.Debug("[WS] frame rejected", zap.String("type", f.Type), zap.Error(err))
			_ = sess.Conn.Send(errorEvent(f.Type, err))
			continue
		}
		metrics.Frames.WithLabelValues(label, "ok").Inc()
	}
}

func (s *Server) dispatch(ctx context.Context, sess *Session, f *Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
			s.log.Error("[WS] handler panic", zap.String("type", f.Type), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()
	return s.disp.Dispatch(fctx, sess, f)
}
