package delivery

import (
	"time"

	"orgchat/module/chat/model"
	usermodel "orgchat/module/user/model"
)

// UndecryptablePlaceholder replaces the body of a message that cannot be opened.
const UndecryptablePlaceholder = "[message could not be decrypted]"

// MessageView is a message as shown to one participant, body in clear text.
type MessageView struct {
	ID          string                   `json:"id"`
	ChatID      string                   `json:"chatId"`
	SenderID    string                   `json:"senderId"`
	RecipientID string                   `json:"recipientId"`
	Seq         int64                    `json:"seq"`
	Type        string                   `json:"type"`
	Text        string                   `json:"text"`
	Status      model.Status             `json:"status"`
	ReadBy      []model.ReadReceiptEntry `json:"readBy"`
	// TempID echoes the client's optimistic id, sender side only.
	TempID string `json:"tempId,omitempty"`
	// Undecryptable marks a placeholder body.
	Undecryptable bool      `json:"isEncrypted,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func newView(m *model.Message, text string) *MessageView {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []model.ReadReceiptEntry{}
	}
	return &MessageView{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Seq:         m.Seq,
		Type:        m.Type,
		Text:        text,
		Status:      m.Status,
		ReadBy:      append([]model.ReadReceiptEntry{}, readBy...),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (v *MessageView) clone() *MessageView {
	cp := *v
	cp.ReadBy = append([]model.ReadReceiptEntry{}, v.ReadBy...)
	return &cp
}

type ChatSummary struct {
	ID            string            `json:"id"`
	Participants  []string          `json:"participants"`
	Peer          usermodel.Contact `json:"peer"`
	UnreadCount   int64             `json:"unreadCount"`
	LatestMessage *MessageView      `json:"latestMessage,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

type HistoryPage struct {
	ChatID   string         `json:"chatId"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
	HasMore  bool           `json:"hasMore"`
	Messages []*MessageView `json:"messages"`
}

// SendRequest is a client send. ChatID is optional when RecipientID is set.
type SendRequest struct {
	RecipientID string `json:"recipientId"`
	ChatID      string `json:"chatId"`
	Text        string `json:"text"`
	TempID      string `json:"tempId"`
}
