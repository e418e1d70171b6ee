// Package chat is the gateway: the websocket endpoint that carries live
// events and the HTTP API over the same chat core.
package chat

import (
	"context"
	"net/http"
	"time"

	"orgchat/global/config"
	"orgchat/logger"
	"orgchat/middleware"
	midsec "orgchat/middleware/security"
	"orgchat/module/chat/conversation"
	"orgchat/module/chat/delivery"
	"orgchat/module/user"
	"orgchat/service/metrics"
	"orgchat/service/presence"
	"orgchat/tools/safe"
	jwtlib "orgchat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	WS          config.WSConfig
	Resolver    midsec.IdentityResolver
	Registry    *presence.Registry
	Pipeline    *delivery.Pipeline
	Coordinator *conversation.Coordinator

	// Directory and JWT enable POST /api/login; leave Directory nil to
	// disable it when tokens are issued elsewhere.
	Directory user.Directory
	JWT       jwtlib.Options

	// HealthChecks are probed by /healthz, keyed by dependency name.
	HealthChecks map[string]func(context.Context) error
}

type Server struct {
	ws       config.WSConfig
	resolver midsec.IdentityResolver
	reg      *presence.Registry
	pipe     *delivery.Pipeline
	coord    *conversation.Coordinator
	dir      user.Directory
	jwt      jwtlib.Options
	checks   map[string]func(context.Context) error

	disp     *Dispatcher
	upgrader websocket.Upgrader
	engine   *gin.Engine
	log      *zap.Logger
}

func NewServer(opts Options) *Server {
	safe.MustNotNil(opts.Resolver, "resolver")
	safe.MustNotNil(opts.Registry, "registry")
	safe.MustNotNil(opts.Pipeline, "pipeline")
	safe.MustNotNil(opts.Coordinator, "coordinator")

	s := &Server{
		ws:       withWSDefaults(opts.WS),
		resolver: opts.Resolver,
		reg:      opts.Registry,
		pipe:     opts.Pipeline,
		coord:    opts.Coordinator,
		dir:      opts.Directory,
		jwt:      opts.JWT,
		checks:   opts.HealthChecks,
		disp:     NewDispatcher(),
		log:      logger.Named("gateway"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     middleware.OriginChecker(opts.WS.AllowedOrigins),
	}
	s.registerHandlers()
	s.engine = s.routes()
	return s
}

func withWSDefaults(c config.WSConfig) config.WSConfig {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	c.SendQueue = safe.DefaultInt(c.SendQueue, 256)
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReadTimeout <= c.PingInterval {
		c.ReadTimeout = c.PingInterval * 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	c.MaxFrameSize = int64(safe.DefaultInt(int(c.MaxFrameSize), 64*1024))
	return c
}

func (s *Server) Disp() *Dispatcher { return s.disp }

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	mids := middleware.NewManager()
	mids.Add(middleware.RequestID())
	r.Use(gin.Recovery(), mids.Use(), middleware.RequestLogger())

	rt := middleware.Routes{R: r, Auth: midsec.Middleware(s.resolver, nil)}
	rt.GET("/ws", s.HandleWS, middleware.RouteOpt{})
	rt.GET("/healthz", s.healthz, middleware.RouteOpt{})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := middleware.Routes{R: r.Group("/api"), Auth: rt.Auth}
	if s.dir != nil {
		api.POST("/login", s.login, middleware.RouteOpt{})
	}
	api.POST("/chats", s.openChat, middleware.RouteOpt{IsAuth: true})
	api.GET("/chats", s.listChats, middleware.RouteOpt{IsAuth: true})
	api.GET("/chats/:id/messages", s.fetchMessages, middleware.RouteOpt{IsAuth: true})
	api.POST("/chats/:id/read", s.markRead, middleware.RouteOpt{IsAuth: true})
	api.GET("/users/search", s.searchUsers, middleware.RouteOpt{IsAuth: true})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
