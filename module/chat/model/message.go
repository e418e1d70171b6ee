package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	MessageTableName = "message"
	MessageTypeText  = "text"
)

// Status 消息状态，只能单调递增：sent < delivered < read。
// 库里存整数，更新一律用 $max，重复或乱序的更新不会让状态回退。
type Status int32

const (
	StatusSent      Status = 1
	StatusDelivered Status = 2
	StatusRead      Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	}
	return 0, fmt.Errorf("unknown message status %q", s)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ReadReceiptEntry 一条已读记录，只会由非发送方写入
type ReadReceiptEntry struct {
	UserID string    `bson:"user_id" json:"userId"`
	ReadAt time.Time `bson:"read_at" json:"readAt"`
}

// Message 持久化的消息。正文只以 nonce + 密文保存。
type Message struct {
	ID          string `bson:"_id" json:"id"`
	ChatID      string `bson:"chat_id" json:"chatId"`
	SenderID    string `bson:"sender_id" json:"senderId"`
	RecipientID string `bson:"recipient_id" json:"recipientId"`
	Seq         int64  `bson:"seq" json:"seq"`

	Type       string `bson:"type" json:"type"`
	Nonce      []byte `bson:"nonce" json:"nonce"`
	Ciphertext []byte `bson:"ciphertext" json:"ciphertext"`

	Status Status             `bson:"status" json:"status"`
	ReadBy []ReadReceiptEntry `bson:"read_by" json:"readBy"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

func (m *Message) GetTableName() string {
	return MessageTableName
}

func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Nonce = append([]byte(nil), m.Nonce...)
	cp.Ciphertext = append([]byte(nil), m.Ciphertext...)
	cp.ReadBy = append([]ReadReceiptEntry(nil), m.ReadBy...)
	return &cp
}

// ReadReceipt is relayed to the original sender once a message turns read.
type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	ReaderID  string    `json:"readerId"`
	ReadAt    time.Time `json:"readAt"`
}
