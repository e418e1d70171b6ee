package chat

import (
	"encoding/json"
	"time"

	"orgchat/service/presence"
	"orgchat/tools/decode"
	"orgchat/tools/errs"
)

// Client to server frame types.
const (
	FrameAuthenticate      = "authenticate"
	FrameSendMessage       = "send-message"
	FrameMarkMessagesRead  = "mark-messages-read"
	FrameJoinConversation  = "join-conversation"
	FrameLeaveConversation = "leave-conversation"
	FrameTypingStart       = "typing-start"
	FrameTypingStop        = "typing-stop"
	FrameHeartbeat         = "heartbeat"
)

// Frame is the JSON envelope in both directions.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func ParseFrameJSON(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrArgs.WrapMsg("malformed frame")
	}
	if f.Type == "" {
		return nil, errs.ErrArgs.WrapMsg("frame type missing")
	}
	if f.Data == nil {
		f.Data = map[string]any{}
	}
	return &f, nil
}

// decodeData 按 json tag 把 data 解到具体结构
func decodeData[T any](f *Frame) (*T, error) {
	v, err := decode.DecodeMap[T](f.Data)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg(err.Error(), "type", f.Type)
	}
	return v, nil
}

type AuthPayload struct {
	Token string `json:"token"`
}

type ChatRef struct {
	ChatID string `json:"chatId"`
}

type MarkReadPayload struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

type TypingPayload struct {
	ChatID      string `json:"chatId"`
	DisplayName string `json:"displayName"`
}

type AuthenticatedPayload struct {
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId"`
	ConnID         string    `json:"connId"`
	ServerTime     time.Time `json:"serverTime"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Detail  string `json:"detail,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

func errorEvent(replyTo string, err error) presence.Event {
	ce := errs.Response(err)
	return presence.Event{Type: presence.EventError, Data: ErrorPayload{
		Code:    ce.Code,
		Msg:     ce.Msg,
		Detail:  ce.Detail,
		ReplyTo: replyTo,
	}}
}
