package model

import "time"

const UserTableName = "user"

// User 用户主档中聊天核心关心的部分。
// Online 与 ConnectionID 只由在线注册表维护：online 为真当且仅当 connection_id 非空。
type User struct {
	UserID         string `bson:"user_id" json:"userId"`
	OrganizationID string `bson:"organization_id" json:"organizationId"`
	DisplayName    string `bson:"display_name" json:"displayName"`
	Email          string `bson:"email,omitempty" json:"email,omitempty"`

	Online       bool      `bson:"online" json:"online"`
	ConnectionID string    `bson:"connection_id,omitempty" json:"-"`
	LastActive   time.Time `bson:"last_active,omitempty" json:"lastActive"`

	// 由用户口令经 PBKDF2 派生，仅服务端使用
	EncryptionKey []byte `bson:"encryption_key" json:"-"`
	KeySalt       []byte `bson:"key_salt" json:"-"`

	CreateTime time.Time `bson:"create_time" json:"createTime"`
	UpdateTime time.Time `bson:"update_time" json:"updateTime"`
}

func (u *User) GetTableName() string {
	return UserTableName
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	cp := *u
	cp.EncryptionKey = append([]byte(nil), u.EncryptionKey...)
	cp.KeySalt = append([]byte(nil), u.KeySalt...)
	return &cp
}

// Contact is the public view returned by search and chat listings.
type Contact struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	Online      bool      `json:"online"`
	LastActive  time.Time `json:"lastActive"`
}

func (u *User) Contact() Contact {
	return Contact{
		UserID:      u.UserID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Online:      u.Online,
		LastActive:  u.LastActive,
	}
}
