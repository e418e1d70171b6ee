package natsx

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"orgchat/module/chat/conversation"
	"orgchat/module/chat/delivery"
	"orgchat/module/chat/model"
	"orgchat/module/chat/store"
	"orgchat/module/user"
	usermodel "orgchat/module/user/model"
	"orgchat/service/presence"
	"orgchat/service/presence/presencetest"
	"orgchat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLocator stands in for the redis mirror: user -> node.
type memLocator struct {
	mu    sync.Mutex
	nodes map[string]string
}

func (l *memLocator) NodeOf(_ context.Context, userID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[userID]
	return n, ok, nil
}

func (l *memLocator) set(userID, node string) {
	l.mu.Lock()
	l.nodes[userID] = node
	l.mu.Unlock()
}

// nodeRecorder keeps the locator in step with one node's registry.
type nodeRecorder struct {
	loc  *memLocator
	node string
}

func (r nodeRecorder) MarkOnline(_ context.Context, userID, _ string, _ time.Time) error {
	r.loc.set(userID, r.node)
	return nil
}

func (r nodeRecorder) MarkOffline(_ context.Context, userID, _ string, _ time.Time) error {
	r.loc.mu.Lock()
	if r.loc.nodes[userID] == r.node {
		delete(r.loc.nodes, userID)
	}
	r.loc.mu.Unlock()
	return nil
}

func (nodeRecorder) Touch(context.Context, string, time.Time) error { return nil }

type gatewayNode struct {
	reg   *presence.Registry
	pipe  *delivery.Pipeline
	coord *conversation.Coordinator
}

// cluster builds gateway nodes that share one store, one directory and
// one bus, the way separate processes share mongo, redis and nats.
type cluster struct {
	bus   *memBus
	loc   *memLocator
	store *store.MemoryStore
	dir   *user.MemoryDirectory
	ids   map[string]user.Identity
}

func newCluster(t *testing.T) *cluster {
	c := &cluster{
		bus:   &memBus{},
		loc:   &memLocator{nodes: map[string]string{}},
		store: store.NewMemoryStore(),
		dir:   user.NewMemoryDirectory(),
		ids:   map[string]user.Identity{},
	}
	for _, id := range []string{"alice", "bob"} {
		k := make([]byte, 32)
		_, err := rand.Read(k)
		require.NoError(t, err)
		u := &usermodel.User{UserID: id, OrganizationID: "acme", DisplayName: id, EncryptionKey: k}
		require.NoError(t, c.dir.SaveUser(context.Background(), u))
		c.ids[id] = user.IdentityOf(u)
	}
	return c
}

func (c *cluster) node(t *testing.T, name string) *gatewayNode {
	reg := presence.NewRegistry(presence.WithRecorder(nodeRecorder{c.loc, name}))
	users := NewUserRelay(c.bus, name, c.loc, reg)
	require.NoError(t, users.Start())
	reg.SetRouter(users)

	pipe := delivery.NewPipeline(c.store, c.dir, reg)
	coord := conversation.NewCoordinator(reg, pipe)
	pipe.SetReceiptRelay(coord)
	rooms := NewRoomRelay(c.bus, name, coord)
	require.NoError(t, rooms.Start())
	coord.SetRoomPublisher(rooms)
	return &gatewayNode{reg: reg, pipe: pipe, coord: coord}
}

func (c *cluster) connect(n *gatewayNode, userID string) *presencetest.Handle {
	h := presencetest.NewHandle()
	n.reg.Register(context.Background(), userID, "acme", h)
	return h
}

func TestUserRelayDeliversAcrossNodes(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	n1, n2 := c.node(t, "n1"), c.node(t, "n2")
	ha, hb := c.connect(n1, "alice"), c.connect(n2, "bob")

	assert.False(t, n1.reg.IsOnline("bob"))
	assert.True(t, n1.reg.Reachable(ctx, "bob"))

	v, err := n1.pipe.Send(ctx, c.ids["alice"], delivery.SendRequest{RecipientID: "bob", Text: "hi", TempID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, v.Status)

	got := hb.OfType(presence.EventMessageDelivered)
	require.Len(t, got, 1)
	var pushed delivery.MessageView
	require.NoError(t, json.Unmarshal(got[0].Data.(json.RawMessage), &pushed))
	assert.Equal(t, "hi", pushed.Text)

	summary, err := n1.pipe.OpenChat(ctx, c.ids["alice"], "bob")
	require.NoError(t, err)
	assert.True(t, summary.Peer.Online)

	// bob reads on n2, the receipt reaches alice on n1
	receipts, err := n2.pipe.MarkRead(ctx, c.ids["bob"], v.ChatID, nil)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Len(t, ha.OfType(presence.EventReadReceipt), 1)
}

func TestUserRelayOfflineAndStaleNode(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	n1 := c.node(t, "n1")

	err := n1.reg.Send(ctx, "bob", presence.Event{Type: "x"})
	assert.True(t, errors.Is(err, presence.ErrOffline))

	// mirror still names a node that has died
	c.loc.set("bob", "n9")
	err = n1.reg.Send(ctx, "bob", presence.Event{Type: "x"})
	assert.True(t, errors.Is(err, presence.ErrOffline))

	v, err := n1.pipe.Send(ctx, c.ids["alice"], delivery.SendRequest{RecipientID: "bob", Text: "later"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, v.Status)
}

func TestUserRelayRemoteWriteFailure(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	n1, n2 := c.node(t, "n1"), c.node(t, "n2")
	hb := c.connect(n2, "bob")
	hb.FailWrites()

	err := n1.reg.Send(ctx, "bob", presence.Event{Type: "x"})
	assert.True(t, errs.ErrTransientDelivery.Is(err))
	assert.False(t, n2.reg.IsOnline("bob"), "remote node evicts the failing handle")
}

func TestRoomRelayTypingAcrossNodes(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	n1, n2 := c.node(t, "n1"), c.node(t, "n2")
	ha, hb := c.connect(n1, "alice"), c.connect(n2, "bob")

	chat, err := n1.pipe.OpenChat(ctx, c.ids["alice"], "bob")
	require.NoError(t, err)
	require.NoError(t, n1.coord.JoinRoom(ctx, c.ids["alice"], chat.ID))
	require.NoError(t, n2.coord.JoinRoom(ctx, c.ids["bob"], chat.ID))

	n1.coord.TypingStart(ctx, c.ids["alice"], chat.ID, "")
	got := hb.OfType(presence.EventTypingStarted)
	require.Len(t, got, 1)
	var ev conversation.TypingEvent
	require.NoError(t, json.Unmarshal(got[0].Data.(json.RawMessage), &ev))
	assert.Equal(t, "alice", ev.UserID)
	assert.Empty(t, ha.OfType(presence.EventTypingStarted))

	// not in the room: nothing leaves the node
	n2.coord.LeaveRoom(c.ids["bob"], chat.ID)
	n2.coord.TypingStop(ctx, c.ids["bob"], chat.ID)
	assert.Empty(t, ha.OfType(presence.EventTypingStopped))
}

func TestRoomRelayIgnoresBadEnvelope(t *testing.T) {
	r := NewRoomRelay(&memBus{}, "n1", conversation.NewCoordinator(presence.NewRegistry(), nil))
	err := r.handle(context.Background(), NatsxMessage{Subject: RoomSubject("c"), Data: []byte("{")})
	assert.Error(t, err)
}
