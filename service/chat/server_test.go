package chat_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"orgchat/global/config"
	"orgchat/module/chat/conversation"
	"orgchat/module/chat/delivery"
	"orgchat/module/chat/model"
	"orgchat/module/chat/store"
	"orgchat/module/user"
	usermodel "orgchat/module/user/model"
	"orgchat/service/chat"
	"orgchat/service/presence"
	"orgchat/tools/errs"
	jwtlib "orgchat/tools/security"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	srv  *httptest.Server
	reg  *presence.Registry
	jwt  jwtlib.Options
	base string
}

func newGateway(t *testing.T) *gateway {
	dir := user.NewMemoryDirectory()
	for _, u := range []struct{ id, org string }{
		{"alice", "acme"}, {"bob", "acme"}, {"eve", "evil"},
	} {
		k := make([]byte, 32)
		_, err := rand.Read(k)
		require.NoError(t, err)
		require.NoError(t, dir.SaveUser(context.Background(), &usermodel.User{
			UserID: u.id, OrganizationID: u.org, DisplayName: strings.ToUpper(u.id[:1]) + u.id[1:], EncryptionKey: k,
		}))
	}
	opts := jwtlib.DefaultOptions([]byte("test-secret"))
	reg := presence.NewRegistry(presence.WithRecorder(dir))
	pipe := delivery.NewPipeline(store.NewMemoryStore(), dir, reg)
	coord := conversation.NewCoordinator(reg, pipe)
	pipe.SetReceiptRelay(coord)

	s := chat.NewServer(chat.Options{
		WS:          config.WSConfig{AuthTimeout: time.Second},
		Resolver:    user.NewResolver(opts, dir),
		Registry:    reg,
		Pipeline:    pipe,
		Coordinator: coord,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &gateway{srv: srv, reg: reg, jwt: opts, base: srv.URL}
}

func (g *gateway) token(t *testing.T, userID string) string {
	tok, _, err := jwtlib.Generate(g.jwt, userID, nil)
	require.NoError(t, err)
	return tok
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (g *gateway) dial(t *testing.T, query string) *client {
	u := "ws" + strings.TrimPrefix(g.base, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

// connect dials with a query token and waits for the authenticated event.
func (g *gateway) connect(t *testing.T, userID string) *client {
	c := g.dial(t, "?token="+g.token(t, userID))
	c.await("authenticated")
	return c
}

func (c *client) send(typ string, data any) {
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{"type": typ, "data": data}))
}

// await skips events until one of typ arrives.
func (c *client) await(typ string) wireEvent {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev wireEvent
		require.NoError(c.t, c.ws.ReadJSON(&ev), "waiting for %s", typ)
		if ev.Type == typ {
			return ev
		}
	}
}

// barrier returns once every frame sent before it has been handled.
func (c *client) barrier() {
	c.t.Helper()
	c.send("barrier", nil)
	for {
		ev := c.await("error")
		var p chat.ErrorPayload
		require.NoError(c.t, json.Unmarshal(ev.Data, &p))
		if p.ReplyTo == "barrier" {
			return
		}
	}
}

func TestWSAuthenticateWithQueryToken(t *testing.T) {
	g := newGateway(t)
	c := g.dial(t, "?token="+g.token(t, "alice"))

	ev := c.await("authenticated")
	var p chat.AuthenticatedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "acme", p.OrganizationID)
	assert.NotEmpty(t, p.ConnID)
	assert.True(t, g.reg.IsOnline("alice"))
}

func TestWSAuthenticateFrame(t *testing.T) {
	g := newGateway(t)
	c := g.dial(t, "")
	c.send(chat.FrameAuthenticate, chat.AuthPayload{Token: g.token(t, "bob")})
	c.await("authenticated")
	assert.True(t, g.reg.IsOnline("bob"))
}

func TestWSBadTokenClosesConnection(t *testing.T) {
	g := newGateway(t)
	c := g.dial(t, "")
	c.send(chat.FrameAuthenticate, chat.AuthPayload{Token: "garbage"})

	ev := c.await("error")
	var p chat.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, errs.AuthError, p.Code)

	_, _, err := c.ws.ReadMessage()
	assert.Error(t, err)
	assert.False(t, g.reg.IsOnline("garbage"))
}

func TestWSFrameBeforeAuthRejected(t *testing.T) {
	g := newGateway(t)
	c := g.dial(t, "")
	c.send(chat.FrameSendMessage, map[string]any{"recipientId": "bob", "text": "hi"})

	ev := c.await("error")
	var p chat.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, errs.AuthError, p.Code)
}

func TestWSSendAndDeliver(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")

	alice.send(chat.FrameSendMessage, map[string]any{"recipientId": "bob", "text": "hello", "tempId": "t-1"})

	var got delivery.MessageView
	require.NoError(t, json.Unmarshal(bob.await("message-delivered-to-me").Data, &got))
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "alice", got.SenderID)
	assert.Empty(t, got.TempID)

	var confirmed delivery.MessageView
	require.NoError(t, json.Unmarshal(alice.await("message-send-confirmed").Data, &confirmed))
	assert.Equal(t, "t-1", confirmed.TempID)
	assert.Equal(t, got.ID, confirmed.ID)
	assert.Equal(t, model.StatusDelivered, confirmed.Status)

	// bob 读完，alice 收到回执
	bob.send(chat.FrameMarkMessagesRead, map[string]any{"chatId": got.ChatID, "messageIds": []string{got.ID}})
	var r model.ReadReceipt
	require.NoError(t, json.Unmarshal(alice.await("message-read-receipt").Data, &r))
	assert.Equal(t, got.ID, r.MessageID)
	assert.Equal(t, "bob", r.ReaderID)
}

func TestWSCrossOrgSendRejected(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	alice.send(chat.FrameSendMessage, map[string]any{"recipientId": "eve", "text": "psst"})

	var p chat.ErrorPayload
	require.NoError(t, json.Unmarshal(alice.await("error").Data, &p))
	assert.Equal(t, errs.CrossOrgError, p.Code)
	assert.Equal(t, chat.FrameSendMessage, p.ReplyTo)
}

func TestWSTypingInRoom(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")

	alice.send(chat.FrameSendMessage, map[string]any{"recipientId": "bob", "text": "ping"})
	var m delivery.MessageView
	require.NoError(t, json.Unmarshal(alice.await("message-send-confirmed").Data, &m))

	bob.send(chat.FrameJoinConversation, chat.ChatRef{ChatID: m.ChatID})
	bob.barrier()

	alice.send(chat.FrameTypingStart, chat.TypingPayload{ChatID: m.ChatID})
	var te conversation.TypingEvent
	require.NoError(t, json.Unmarshal(bob.await("user-typing-started").Data, &te))
	assert.Equal(t, "alice", te.UserID)
	assert.Equal(t, "Alice", te.DisplayName)

	alice.send(chat.FrameTypingStop, chat.ChatRef{ChatID: m.ChatID})
	bob.await("user-typing-stopped")
}

func TestWSJoinForeignChatRejected(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	alice.send(chat.FrameJoinConversation, chat.ChatRef{ChatID: "nope"})

	var p chat.ErrorPayload
	require.NoError(t, json.Unmarshal(alice.await("error").Data, &p))
	assert.Equal(t, errs.ChatNotFoundError, p.Code)
}

func TestWSMalformedFrame(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	require.NoError(t, alice.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var p chat.ErrorPayload
	require.NoError(t, json.Unmarshal(alice.await("error").Data, &p))
	assert.Equal(t, errs.ArgsError, p.Code)

	// 连接仍然可用
	alice.send(chat.FrameHeartbeat, nil)
	alice.barrier()
}

func TestWSSecondConnectionSupersedes(t *testing.T) {
	g := newGateway(t)
	first := g.connect(t, "alice")
	second := g.connect(t, "alice")

	_ = first.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ws.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, g.reg.IsOnline("alice"))
	second.barrier()
}

func TestWSPresenceBroadcast(t *testing.T) {
	g := newGateway(t)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")

	var st presence.UserStatus
	require.NoError(t, json.Unmarshal(alice.await("online-status-changed").Data, &st))
	assert.Equal(t, "bob", st.UserID)
	assert.True(t, st.Online)

	require.NoError(t, bob.ws.Close())
	require.NoError(t, json.Unmarshal(alice.await("offline-status-changed").Data, &st))
	assert.Equal(t, "bob", st.UserID)
	assert.False(t, st.Online)
}

func (g *gateway) do(t *testing.T, method, path, userID string, body any) (int, map[string]any) {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.base+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+g.token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHTTPRequiresToken(t *testing.T) {
	g := newGateway(t)
	status, body := g.do(t, http.MethodGet, "/api/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.EqualValues(t, errs.AuthError, body["code"])
}

func TestHTTPChatFlow(t *testing.T) {
	g := newGateway(t)

	status, body := g.do(t, http.MethodPost, "/api/chats", "alice", map[string]string{"participantId": "bob"})
	require.Equal(t, http.StatusOK, status)
	chatID := body["data"].(map[string]any)["id"].(string)
	require.NotEmpty(t, chatID)

	alice := g.connect(t, "alice")
	alice.send(chat.FrameSendMessage, map[string]any{"chatId": chatID, "text": "offline hello"})
	alice.await("message-send-confirmed")

	status, body = g.do(t, http.MethodGet, "/api/chats", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	items := body["data"].(map[string]any)["items"].([]any)
	require.Len(t, items, 1)
	assert.EqualValues(t, 1, items[0].(map[string]any)["unreadCount"])

	status, body = g.do(t, http.MethodGet, "/api/chats/"+chatID+"/messages?page=1&limit=20", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	msgs := body["data"].(map[string]any)["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "offline hello", msgs[0].(map[string]any)["text"])
	assert.Equal(t, "read", msgs[0].(map[string]any)["status"])

	// history 读取即发回执
	alice.await("message-read-receipt")

	status, _ = g.do(t, http.MethodGet, "/api/chats/"+chatID+"/messages", "eve", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = g.do(t, http.MethodPost, "/api/chats", "alice", map[string]string{"participantId": "eve"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestHTTPSearchAndHealth(t *testing.T) {
	g := newGateway(t)
	status, body := g.do(t, http.MethodGet, "/api/users/search?query=bo", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	items := body["data"].(map[string]any)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "bob", items[0].(map[string]any)["userId"])

	status, body = g.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["code"])
}
