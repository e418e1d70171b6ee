package natsx

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"orgchat/service/presence"
	"orgchat/tools/errs"
)

const (
	orgSubjectPrefix = "orgchat.org."
	orgSubjectSuffix = ".presence"
	headerOrigin     = "Orgchat-Origin"
)

// Bus is the part of NatsxClient the relays need.
type Bus interface {
	Publish(subject string, data []byte, hdr map[string]string) error
	Request(ctx context.Context, subject string, data []byte, hdr map[string]string) ([]byte, error)
	Subscribe(subject string, h NatsxHandler, mws ...NatsxMiddleware) error
}

// LocalDeliverer receives broadcasts coming from other nodes.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, orgID string, ev presence.Event, exclude ...string)
}

type orgEnvelope struct {
	Org     string          `json:"org"`
	Exclude []string        `json:"exclude,omitempty"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// OrgRelay carries organization broadcasts between gateway nodes so that
// online/offline status reaches users connected elsewhere.
type OrgRelay struct {
	bus    Bus
	origin string
	local  LocalDeliverer
}

func NewOrgRelay(bus Bus, origin string, local LocalDeliverer) *OrgRelay {
	return &OrgRelay{bus: bus, origin: origin, local: local}
}

func OrgSubject(orgID string) string {
	return orgSubjectPrefix + orgID + orgSubjectSuffix
}

// Start subscribes to every organization subject.
func (r *OrgRelay) Start() error {
	return r.bus.Subscribe(orgSubjectPrefix+"*"+orgSubjectSuffix, r.handle, Recover(), WithTimeout(5*time.Second))
}

func (r *OrgRelay) PublishOrg(_ context.Context, orgID string, ev presence.Event, exclude []string) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return errs.WrapMsg(err, "marshal org event", "type", ev.Type)
	}
	body, err := json.Marshal(orgEnvelope{Org: orgID, Exclude: exclude, Type: ev.Type, Data: data})
	if err != nil {
		return errs.Wrap(err)
	}
	return r.bus.Publish(OrgSubject(orgID), body, map[string]string{headerOrigin: r.origin})
}

func (r *OrgRelay) handle(ctx context.Context, msg NatsxMessage) error {
	// 自己发出的已经在本地投递过
	if msg.Header[headerOrigin] == r.origin {
		return nil
	}
	var env orgEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return errs.ErrArgs.WrapMsg("bad org envelope", "subject", msg.Subject)
	}
	if env.Org == "" {
		env.Org = strings.TrimSuffix(strings.TrimPrefix(msg.Subject, orgSubjectPrefix), orgSubjectSuffix)
	}
	r.local.DeliverLocal(ctx, env.Org, presence.Event{Type: env.Type, Data: env.Data}, env.Exclude...)
	return nil
}
