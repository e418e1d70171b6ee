package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"orgchat/service/presence"
	"orgchat/tools/errs"
)

const (
	nodeSubjectPrefix = "orgchat.node."
	nodeSubjectSuffix = ".push"

	pushOK      = "ok"
	pushOffline = "offline"
	pushFailed  = "failed"
)

// Locator tells which node holds a user's connection.
type Locator interface {
	NodeOf(ctx context.Context, userID string) (nodeID string, ok bool, err error)
}

// LocalPusher writes to a connection of this node without routing further.
type LocalPusher interface {
	SendLocal(ctx context.Context, userID string, ev presence.Event) error
}

type userEnvelope struct {
	User string          `json:"user"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type pushReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// UserRelay routes pushes for users connected to other nodes: the locator
// names the node, a request on that node's subject carries the event, and
// the reply says whether the write went through.
type UserRelay struct {
	bus     Bus
	node    string
	loc     Locator
	local   LocalPusher
	timeout time.Duration
}

func NewUserRelay(bus Bus, node string, loc Locator, local LocalPusher) *UserRelay {
	return &UserRelay{bus: bus, node: node, loc: loc, local: local, timeout: 2 * time.Second}
}

func NodeSubject(node string) string {
	return nodeSubjectPrefix + node + nodeSubjectSuffix
}

// Start serves pushes addressed to this node.
func (r *UserRelay) Start() error {
	return r.bus.Subscribe(NodeSubject(r.node), r.serve, Recover(), WithTimeout(5*time.Second))
}

// locate returns the remote node of userID; this node counts as not found,
// the local registry already missed.
func (r *UserRelay) locate(ctx context.Context, userID string) (string, bool, error) {
	node, ok, err := r.loc.NodeOf(ctx, userID)
	if err != nil || !ok || node == r.node {
		return "", false, err
	}
	return node, true, nil
}

func (r *UserRelay) Reachable(ctx context.Context, userID string) bool {
	_, ok, err := r.locate(ctx, userID)
	return err == nil && ok
}

func (r *UserRelay) Push(ctx context.Context, userID string, ev presence.Event) error {
	node, ok, err := r.locate(ctx, userID)
	if err != nil {
		return errs.ErrTransientDelivery.WrapMsg(err.Error(), "user", userID)
	}
	if !ok {
		return presence.ErrOffline.Wrap()
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return errs.WrapMsg(err, "marshal user event", "type", ev.Type)
	}
	body, err := json.Marshal(userEnvelope{User: userID, Type: ev.Type, Data: data})
	if err != nil {
		return errs.Wrap(err)
	}

	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.bus.Request(rctx, NodeSubject(node), body, map[string]string{headerOrigin: r.node})
	if err != nil {
		// 节点已经不在了，redis 里是残留
		if errors.Is(err, ErrNoResponders) {
			return presence.ErrOffline.WrapMsg("node gone", "user", userID, "node", node)
		}
		return errs.ErrTransientDelivery.WrapMsg(err.Error(), "user", userID, "node", node)
	}

	var rep pushReply
	if err := json.Unmarshal(resp, &rep); err != nil {
		return errs.ErrTransientDelivery.WrapMsg("bad push reply", "node", node)
	}
	switch rep.Status {
	case pushOK:
		return nil
	case pushOffline:
		return presence.ErrOffline.WrapMsg("gone on remote node", "user", userID, "node", node)
	default:
		return errs.ErrTransientDelivery.WrapMsg(rep.Error, "user", userID, "node", node)
	}
}

func (r *UserRelay) serve(ctx context.Context, msg NatsxMessage) error {
	var env userEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		_ = r.reply(msg, pushReply{Status: pushFailed, Error: "bad envelope"})
		return errs.ErrArgs.WrapMsg("bad user envelope", "subject", msg.Subject)
	}
	err := r.local.SendLocal(ctx, env.User, presence.Event{Type: env.Type, Data: env.Data})
	switch {
	case err == nil:
		return r.reply(msg, pushReply{Status: pushOK})
	case errors.Is(err, presence.ErrOffline):
		return r.reply(msg, pushReply{Status: pushOffline})
	default:
		return r.reply(msg, pushReply{Status: pushFailed, Error: err.Error()})
	}
}

func (r *UserRelay) reply(msg NatsxMessage, rep pushReply) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return errs.Wrap(err)
	}
	return msg.Respond(b)
}
