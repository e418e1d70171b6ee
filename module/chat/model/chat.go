package model

import (
	"sort"
	"time"
)

const ChatTableName = "chat"

// Chat 两人私聊会话。参与者按字典序保存，PairKey 上有唯一索引，
// 同一对用户最多只有一个 Chat。
type Chat struct {
	ID             string   `bson:"_id" json:"id"`
	PairKey        string   `bson:"pair_key" json:"-"`
	OrganizationID string   `bson:"organization_id" json:"organizationId"`
	Participants   []string `bson:"participants" json:"participants"`

	// 每个参与者一份被其个人密钥封装的会话密钥
	WrappedKeys map[string][]byte `bson:"wrapped_keys" json:"-"`

	Seq             int64  `bson:"seq" json:"-"` // 会话内消息序号分配器
	LatestMessageID string `bson:"latest_message_id,omitempty" json:"latestMessageId,omitempty"`
	LatestSeq       int64  `bson:"latest_seq" json:"-"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

func (c *Chat) GetTableName() string {
	return ChatTableName
}

// PairKey is the order independent identity of a participant pair.
func PairKey(a, b string) string {
	p := SortedPair(a, b)
	return p[0] + ":" + p[1]
}

func SortedPair(a, b string) []string {
	p := []string{a, b}
	sort.Strings(p)
	return p
}

func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Peer returns the other participant, or "" when userID is not a member.
func (c *Chat) Peer(userID string) string {
	if !c.HasParticipant(userID) {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.WrappedKeys != nil {
		cp.WrappedKeys = make(map[string][]byte, len(c.WrappedKeys))
		for k, v := range c.WrappedKeys {
			cp.WrappedKeys[k] = append([]byte(nil), v...)
		}
	}
	return &cp
}
