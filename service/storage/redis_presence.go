package storage

import (
	"context"
	"strconv"
	"time"

	"orgchat/tools/errs"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: im:presence:<user>
// hash fields: conn, node, last_active. TTL bounds a node crash.
func presenceKey(user string) string { return "im:presence:" + user }

// 只有 conn 仍是自己时才删除，防止旧连接的下线把新连接踢掉
// KEYS[1] = presence key
// ARGV[1] = connID
const luaOfflineIfOwner = `
if redis.call("HGET", KEYS[1], "conn") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// 仅在 key 存在时续期
// KEYS[1] = presence key
// ARGV[1] = last_active unix ms
// ARGV[2] = ttl ms
const luaTouch = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "last_active", ARGV[1])
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`

var (
	offlineScript = redis.NewScript(luaOfflineIfOwner)
	touchScript   = redis.NewScript(luaTouch)
)

// RedisPresence mirrors live connections into redis so other nodes and
// tools can see who is online and on which node.
type RedisPresence struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewRedisPresence(rdb *redis.Client, nodeID string, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPresence{rdb: rdb, nodeID: nodeID, ttl: ttl}
}

func (p *RedisPresence) MarkOnline(ctx context.Context, userID, connID string, at time.Time) error {
	key := presenceKey(userID)
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "conn", connID, "node", p.nodeID, "last_active", at.UnixMilli())
	pipe.PExpire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.WrapMsg(err, "redis presence online", "user", userID)
	}
	return nil
}

func (p *RedisPresence) MarkOffline(ctx context.Context, userID, connID string, _ time.Time) error {
	if err := offlineScript.Run(ctx, p.rdb, []string{presenceKey(userID)}, connID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errs.WrapMsg(err, "redis presence offline", "user", userID)
	}
	return nil
}

func (p *RedisPresence) Touch(ctx context.Context, userID string, at time.Time) error {
	err := touchScript.Run(ctx, p.rdb, []string{presenceKey(userID)},
		at.UnixMilli(), p.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errs.WrapMsg(err, "redis presence touch", "user", userID)
	}
	return nil
}

type PresenceEntry struct {
	ConnID     string
	NodeID     string
	LastActive time.Time
}

// Lookup reports the node a user is connected to, if any.
func (p *RedisPresence) Lookup(ctx context.Context, userID string) (*PresenceEntry, bool, error) {
	m, err := p.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, false, errs.WrapMsg(err, "redis presence lookup", "user", userID)
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	ms, _ := strconv.ParseInt(m["last_active"], 10, 64)
	return &PresenceEntry{
		ConnID:     m["conn"],
		NodeID:     m["node"],
		LastActive: time.UnixMilli(ms),
	}, true, nil
}

// NodeOf is Lookup reduced to the node id, for routing.
func (p *RedisPresence) NodeOf(ctx context.Context, userID string) (string, bool, error) {
	e, ok, err := p.Lookup(ctx, userID)
	if err != nil || !ok {
		return "", false, err
	}
	return e.NodeID, e.NodeID != "", nil
}
