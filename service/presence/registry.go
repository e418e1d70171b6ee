package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"orgchat/logger"
	"orgchat/service/metrics"
	"orgchat/tools/errs"

	"go.uber.org/zap"
)

var ErrOffline = errs.New("user offline")

const stripeCount = 64

type entry struct {
	handle       Handle
	orgID        string
	registeredAt time.Time
	lastActive   time.Time
}

// Registry maps an authenticated user to its single live connection.
// All map operations are in memory; recorder and publisher calls happen
// outside the map lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry // userID -> entry

	// 同一用户的上下线落库串行化，避免旧连接的 offline 覆盖新连接的 online
	stripes [stripeCount]sync.Mutex

	recorder  StatusRecorder
	publisher OrgPublisher
	router    UserRouter
	now       func() time.Time
	log       *zap.Logger

	lmu       sync.RWMutex
	listeners []func(userID string, h Handle)
}

type Option func(*Registry)

func WithRecorder(r StatusRecorder) Option {
	return func(reg *Registry) { reg.recorder = r }
}

func WithPublisher(p OrgPublisher) Option {
	return func(reg *Registry) { reg.publisher = p }
}

func WithRouter(rt UserRouter) Option {
	return func(reg *Registry) { reg.router = rt }
}

func WithClock(now func() time.Time) Option {
	return func(reg *Registry) { reg.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
		log:     logger.Named("presence"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetPublisher attaches the cross node publisher after construction; the
// publisher usually needs the registry itself to deliver inbound events.
func (r *Registry) SetPublisher(p OrgPublisher) {
	r.mu.Lock()
	r.publisher = p
	r.mu.Unlock()
}

// SetRouter attaches the cross node user router after construction.
func (r *Registry) SetRouter(rt UserRouter) {
	r.mu.Lock()
	r.router = rt
	r.mu.Unlock()
}

// OnUnregister adds a callback run after a handle was removed, either by
// disconnect, write failure or a newer login superseding it.
func (r *Registry) OnUnregister(fn func(userID string, h Handle)) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

func (r *Registry) stripe(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.stripes[h.Sum32()%stripeCount]
}

// Register associates userID with h. A previous handle of the same user is
// superseded and closed. The organization is told only when the user was
// offline before.
func (r *Registry) Register(ctx context.Context, userID, orgID string, h Handle) {
	now := r.now()
	r.mu.Lock()
	old := r.entries[userID]
	r.entries[userID] = &entry{handle: h, orgID: orgID, registeredAt: now, lastActive: now}
	r.mu.Unlock()

	if old != nil && old.handle != h {
		r.log.Info("connection superseded", zap.String("user", userID),
			zap.String("old", old.handle.ID()), zap.String("new", h.ID()))
		_ = old.handle.Close()
		r.notify(userID, old.handle)
	} else if old == nil {
		metrics.OnlineConnections.Inc()
	}

	if r.recorder != nil {
		mu := r.stripe(userID)
		mu.Lock()
		if cur, ok := r.Lookup(userID); ok && cur == h {
			if err := r.recorder.MarkOnline(ctx, userID, h.ID(), now); err != nil {
				r.log.Warn("mark online failed", zap.String("user", userID), zap.Error(err))
			}
		}
		mu.Unlock()
	}

	if old == nil {
		r.BroadcastToOrganization(ctx, orgID, Event{
			Type: EventOnline,
			Data: UserStatus{UserID: userID, Online: true, LastActive: now},
		}, userID)
	}
}

// Lookup never blocks on anything but the map lock.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// IsOnline reports a connection on this node only.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Reachable reports whether userID is connected to this node or, through
// the router, to any other node.
func (r *Registry) Reachable(ctx context.Context, userID string) bool {
	if r.IsOnline(userID) {
		return true
	}
	if rt := r.getRouter(); rt != nil {
		return rt.Reachable(ctx, userID)
	}
	return false
}

func (r *Registry) getRouter() UserRouter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router
}

// Unregister removes the association only while it still points at h, so a
// late disconnect of a superseded connection cannot log out the newer one.
func (r *Registry) Unregister(ctx context.Context, userID string, h Handle) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok || e.handle != h {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, userID)
	r.mu.Unlock()

	metrics.OnlineConnections.Dec()
	_ = h.Close()
	now := r.now()

	if r.recorder != nil {
		mu := r.stripe(userID)
		mu.Lock()
		if err := r.recorder.MarkOffline(ctx, userID, h.ID(), now); err != nil {
			r.log.Warn("mark offline failed", zap.String("user", userID), zap.Error(err))
		}
		mu.Unlock()
	}

	// 期间又登录了就不广播下线
	if !r.IsOnline(userID) {
		r.BroadcastToOrganization(ctx, e.orgID, Event{
			Type: EventOffline,
			Data: UserStatus{UserID: userID, Online: false, LastActive: now},
		}, userID)
	}
	r.notify(userID, h)
	return true
}

func (r *Registry) notify(userID string, h Handle) {
	r.lmu.RLock()
	ls := append([]func(string, Handle){}, r.listeners...)
	r.lmu.RUnlock()
	for _, fn := range ls {
		fn(userID, h)
	}
}

// Send pushes ev to one user, on this node or through the router. Returns
// ErrOffline when the user has no live handle anywhere.
func (r *Registry) Send(ctx context.Context, userID string, ev Event) error {
	if _, ok := r.Lookup(userID); !ok {
		if rt := r.getRouter(); rt != nil {
			return rt.Push(ctx, userID, ev)
		}
	}
	return r.SendLocal(ctx, userID, ev)
}

// SendLocal never leaves this node. A failing handle is evicted and
// ErrTransientDelivery returned.
func (r *Registry) SendLocal(ctx context.Context, userID string, ev Event) error {
	h, ok := r.Lookup(userID)
	if !ok {
		return ErrOffline.Wrap()
	}
	if err := h.Send(ev); err != nil {
		metrics.PushFailures.WithLabelValues(ev.Type).Inc()
		r.log.Warn("push failed, evicting handle", zap.String("user", userID),
			zap.String("type", ev.Type), zap.Error(err))
		r.Unregister(ctx, userID, h)
		return errs.ErrTransientDelivery.WrapMsg(err.Error(), "user", userID)
	}
	return nil
}

// BroadcastToOrganization pushes ev to every local handle of orgID except the
// excluded users, then forwards it to other nodes. Best effort.
func (r *Registry) BroadcastToOrganization(ctx context.Context, orgID string, ev Event, exclude ...string) {
	metrics.Broadcasts.WithLabelValues(ev.Type).Inc()
	r.DeliverLocal(ctx, orgID, ev, exclude...)

	r.mu.RLock()
	pub := r.publisher
	r.mu.RUnlock()
	if pub != nil {
		if err := pub.PublishOrg(ctx, orgID, ev, exclude); err != nil {
			r.log.Warn("org publish failed", zap.String("org", orgID), zap.String("type", ev.Type), zap.Error(err))
		}
	}
}

// DeliverLocal is the node local half of a broadcast. Remote broadcasts
// arrive here.
func (r *Registry) DeliverLocal(ctx context.Context, orgID string, ev Event, exclude ...string) {
	type target struct {
		userID string
		h      Handle
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, u := range exclude {
		skip[u] = struct{}{}
	}

	// 快照后再写，不在锁内做 IO
	r.mu.RLock()
	targets := make([]target, 0, len(r.entries))
	for uid, e := range r.entries {
		if e.orgID != orgID {
			continue
		}
		if _, ok := skip[uid]; ok {
			continue
		}
		targets = append(targets, target{uid, e.handle})
	}
	r.mu.RUnlock()

	var dead []target
	for _, t := range targets {
		if err := t.h.Send(ev); err != nil {
			metrics.PushFailures.WithLabelValues(ev.Type).Inc()
			dead = append(dead, t)
		}
	}
	for _, t := range dead {
		r.log.Debug("broadcast write failed, evicting", zap.String("user", t.userID), zap.String("conn", t.h.ID()))
		r.Unregister(ctx, t.userID, t.h)
	}
}

// Touch stamps activity for a heartbeat.
func (r *Registry) Touch(ctx context.Context, userID string) {
	now := r.now()
	r.mu.Lock()
	e, ok := r.entries[userID]
	if ok {
		e.lastActive = now
	}
	r.mu.Unlock()
	if ok && r.recorder != nil {
		if err := r.recorder.Touch(ctx, userID, now); err != nil {
			r.log.Debug("touch failed", zap.String("user", userID), zap.Error(err))
		}
	}
}

type Stats struct {
	Online int            `json:"online"`
	ByOrg  map[string]int `json:"byOrg"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Online: len(r.entries), ByOrg: make(map[string]int)}
	for _, e := range r.entries {
		s.ByOrg[e.orgID]++
	}
	return s
}
