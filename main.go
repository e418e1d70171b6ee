package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"orgchat/data/database/mgo/mongoutil"
	"orgchat/global/config"
	"orgchat/logger"
	"orgchat/module/chat/conversation"
	"orgchat/module/chat/delivery"
	"orgchat/module/chat/store"
	"orgchat/module/user"
	usersvc "orgchat/module/user/service"
	"orgchat/service/chat"
	"orgchat/service/mgo"
	"orgchat/service/natsx"
	"orgchat/service/presence"
	"orgchat/service/storage"
	rediscli "orgchat/service/storage/redis"
	"orgchat/tools/errs"
	"orgchat/tools/ids"
	jwtlib "orgchat/tools/security"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config failed", zap.Error(err))
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	ids.SetNodeID(cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("orgchat exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("orgchat stopped")
	logger.Sync()
}

type backend struct {
	store    store.Store
	dir      user.Directory
	recorder presence.StatusRecorder
	checks   map[string]func(context.Context) error
}

func run(ctx context.Context, cfg config.AppConfig) error {
	nodeID := strconv.FormatInt(cfg.NodeID, 10)

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	if err := seedUsers(ctx, be.dir, cfg.SeedUsers); err != nil {
		return err
	}

	recorders := presence.MultiRecorder{be.recorder}
	var mirror *storage.RedisPresence
	if cfg.Redis.Addr != "" {
		if err := rediscli.InitRedis(rediscli.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}); err != nil {
			return err
		}
		defer func() { _ = rediscli.CloseRedis() }()
		rdb := rediscli.GetRedis()
		mirror = storage.NewRedisPresence(rdb, nodeID, cfg.Redis.PresenceTTL)
		recorders = append(recorders, mirror)
		be.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("presence mirrored to redis", zap.String("addr", cfg.Redis.Addr))
	}

	reg := presence.NewRegistry(presence.WithRecorder(recorders))
	pipe := delivery.NewPipeline(be.store, be.dir, reg)
	coord := conversation.NewCoordinator(reg, pipe)
	pipe.SetReceiptRelay(coord)

	if len(cfg.Nats.Servers) > 0 {
		nc, err := natsx.NewNatsxClient(natsx.NatsxConfig{Servers: cfg.Nats.Servers, Name: cfg.Nats.Name})
		if err != nil {
			return err
		}
		defer func() { _ = nc.Close() }()
		if err := startRelays(nc, nodeID, reg, coord, mirror); err != nil {
			return err
		}
		logger.Info("relaying over nats", zap.Strings("servers", cfg.Nats.Servers), zap.Bool("userRouting", mirror != nil))
	}

	jwtOpts := jwtlib.DefaultOptions([]byte(cfg.JWTSecret))
	jwtOpts.TTL = cfg.JWTTTL

	srv := chat.NewServer(chat.Options{
		WS:           cfg.WS,
		Resolver:     user.NewResolver(jwtOpts, be.dir),
		Registry:     reg,
		Pipeline:     pipe,
		Coordinator:  coord,
		Directory:    be.dir,
		JWT:          jwtOpts,
		HealthChecks: be.checks,
	})
	return srv.Run(ctx, cfg.HTTPAddr)
}

// startRelays links this node to its peers. Per user routing needs the
// redis mirror to find a user's node; without it only organization and
// room events cross nodes.
func startRelays(bus natsx.Bus, nodeID string, reg *presence.Registry, coord *conversation.Coordinator, mirror *storage.RedisPresence) error {
	org := natsx.NewOrgRelay(bus, nodeID, reg)
	if err := org.Start(); err != nil {
		return err
	}
	reg.SetPublisher(org)

	rooms := natsx.NewRoomRelay(bus, nodeID, coord)
	if err := rooms.Start(); err != nil {
		return err
	}
	coord.SetRoomPublisher(rooms)

	if mirror == nil {
		logger.Warn("redis not configured, direct pushes stay on this node")
		return nil
	}
	users := natsx.NewUserRelay(bus, nodeID, mirror, reg)
	if err := users.Start(); err != nil {
		return err
	}
	reg.SetRouter(users)
	return nil
}

func openBackend(ctx context.Context, cfg config.AppConfig) (*backend, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		dir := user.NewMemoryDirectory()
		logger.Warn("using in-memory store, data is lost on restart")
		return &backend{
			store:    store.NewMemoryStore(),
			dir:      dir,
			recorder: dir,
			checks:   map[string]func(context.Context) error{},
		}, nil
	default:
		mgo.StartAsync(ctx, &mongoutil.Config{
			Uri:         cfg.Mongo.Uri,
			Database:    cfg.Mongo.Database,
			MaxPoolSize: cfg.Mongo.MaxPoolSize,
			MaxRetry:    cfg.Mongo.MaxRetry,
		})
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := mgo.WaitReady(waitCtx, mgo.Manager()); err != nil {
			return nil, errs.WrapMsg(err, "mongo not ready", "last", mgo.Err())
		}
		db, ok := mgo.TryGetDB()
		if !ok {
			return nil, mgo.ErrNotStarted.Wrap()
		}
		st := store.NewMongoStore(db)
		if err := st.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		dir := user.NewMongoDirectory(db)
		if err := dir.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return &backend{
			store:    st,
			dir:      dir,
			recorder: dir,
			checks:   map[string]func(context.Context) error{"mongo": mgo.Check},
		}, nil
	}
}

// seedUsers provisions userId:orgId:displayName:password entries.
// Users that already exist keep their stored key.
func seedUsers(ctx context.Context, dir user.Directory, entries []string) error {
	for _, e := range entries {
		parts := strings.SplitN(e, ":", 4)
		if len(parts) != 4 {
			return errs.ErrArgs.WrapMsg("bad SEED_USERS entry", "entry", parts[0])
		}
		u, err := usersvc.Provision(ctx, dir, usersvc.ProvisionParams{
			UserID:         parts[0],
			OrganizationID: parts[1],
			DisplayName:    parts[2],
			Password:       parts[3],
		})
		if errors.Is(err, user.ErrUserExists) {
			logger.Debug("seed user exists, skipped", zap.String("user", parts[0]))
			continue
		}
		if err != nil {
			return err
		}
		logger.Info("seeded user", zap.String("user", u.UserID), zap.String("org", u.OrganizationID))
	}
	return nil
}
