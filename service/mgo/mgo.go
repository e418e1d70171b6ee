package mgo

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"orgchat/data/database/mgo/mongoutil"
	"orgchat/logger"
	"orgchat/tools/errs"
	"orgchat/tools/safe"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type MongoManager struct {
	mu        sync.RWMutex
	client    *mongoutil.Client
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once

	lastErr atomic.Value // error
	healthy atomic.Bool
}

var globalMgr = MongoManager{readyCh: make(chan struct{})}

var ErrNotStarted = errs.New("mongo manager not started")

const (
	baseBackoff = 200 * time.Millisecond
	maxBackoff  = 5 * time.Second
	healthEvery = 10 * time.Second
	failThresh  = 3 // 连续失败阈值
)

// StartAsync runs until ctx is done. The first successful connect releases
// WaitReady. The driver reconnects on its own afterwards; watch only tracks
// health so callers keep a stable *mongo.Database.
func StartAsync(ctx context.Context, cfg *mongoutil.Config) {
	globalMgr.run(ctx, cfg)
}

func (m *MongoManager) run(ctx context.Context, cfg *mongoutil.Config) {
	safe.SafeGo("mongo-manager", func() {
		if !m.connect(ctx, cfg) {
			return
		}
		m.watch(ctx)
	})
}

// connect 带退避重试，ctx 结束返回 false
func (m *MongoManager) connect(ctx context.Context, cfg *mongoutil.Config) bool {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return false
		}
		cli, err := mongoutil.NewMongoDB(ctx, cfg)
		if err == nil {
			m.mu.Lock()
			m.client = cli
			m.mu.Unlock()
			m.readyOnce.Do(func() { close(m.readyCh) })
			logger.Info("mongo connected", zap.String("database", cfg.Database))
			return true
		}
		m.lastErr.Store(err)
		logger.Warn("mongo connect failed", zap.Int("attempt", attempt), zap.Error(err))

		backoff := baseBackoff << attempt
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 5)))
		timer := time.NewTimer(backoff - jitter/2)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if attempt < 6 {
			attempt++
		}
	}
}

// watch pings periodically; failThresh misses in a row flag the store
// unhealthy until a ping succeeds again.
func (m *MongoManager) watch(ctx context.Context) {
	fail := 0
	m.healthy.Store(true)
	ticker := time.NewTicker(healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.drop()
			return
		case <-ticker.C:
			m.mu.RLock()
			c := m.client
			m.mu.RUnlock()
			if c == nil {
				return
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				fail++
				m.lastErr.Store(err)
				if fail == failThresh {
					logger.Warn("mongo health check failing", zap.Int("misses", fail), zap.Error(err))
					m.healthy.Store(false)
				}
				continue
			}
			if fail >= failThresh {
				logger.Info("mongo healthy again")
			}
			fail = 0
			m.healthy.Store(true)
		}
	}
}

func (m *MongoManager) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Close(context.Background())
		m.client = nil
	}
}

func Manager() *MongoManager {
	return &globalMgr
}

// Check reports the last health probe, nil when healthy.
func Check(context.Context) error {
	if globalMgr.healthy.Load() {
		return nil
	}
	if err := Err(); err != nil {
		return err
	}
	return ErrNotStarted.Wrap()
}

// Err: 最近一次错误
func Err() error {
	if v := globalMgr.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func TryGetDB() (*mongo.Database, bool) {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	if globalMgr.client == nil {
		return nil, false
	}
	return globalMgr.client.GetDB(), true
}

func WaitReady(ctx context.Context, m *MongoManager) error {
	m.mu.RLock()
	readyCh := m.readyCh
	clientNil := m.client == nil
	m.mu.RUnlock()

	if !clientNil {
		return nil
	}
	if readyCh == nil {
		return ErrNotStarted.Wrap()
	}
	select {
	case <-readyCh:
		return nil
	case <-ctx.Done():
		return errs.Wrap(ctx.Err())
	}
}
