package delivery_test

import (
	"context"
	"crypto/rand"
	"fmt"
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

type env struct {
	store *store.MemoryStore
	dir   *user.MemoryDirectory
	reg   *presence.Registry
	pipe  *delivery.Pipeline
	coord *conversation.Coordinator
	ids   map[string]user.Identity
}

func newKey(t *testing.T) []byte {
	k := make([]byte, 32)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func newEnv(t *testing.T) *env {
	e := &env{
		store: store.NewMemoryStore(),
		dir:   user.NewMemoryDirectory(),
		ids:   map[string]user.Identity{},
	}
	for _, u := range []struct{ id, org string }{
		{"alice", "acme"}, {"bob", "acme"}, {"carol", "acme"}, {"eve", "evil"},
	} {
		rec := &usermodel.User{UserID: u.id, OrganizationID: u.org, DisplayName: u.id, EncryptionKey: newKey(t)}
		require.NoError(t, e.dir.SaveUser(context.Background(), rec))
		e.ids[u.id] = user.IdentityOf(rec)
	}
	e.reg = presence.NewRegistry(presence.WithRecorder(e.dir))
	e.pipe = delivery.NewPipeline(e.store, e.dir, e.reg)
	e.coord = conversation.NewCoordinator(e.reg, e.pipe)
	e.pipe.SetReceiptRelay(e.coord)
	return e
}

func (e *env) connect(userID string) *presencetest.Handle {
	h := presencetest.NewHandle()
	id := e.ids[userID]
	e.reg.Register(context.Background(), id.UserID, id.OrganizationID, h)
	return h
}

func (e *env) send(t *testing.T, from, to, text string) *delivery.MessageView {
	v, err := e.pipe.Send(context.Background(), e.ids[from], delivery.SendRequest{RecipientID: to, Text: text})
	require.NoError(t, err)
	return v
}

func TestSendToOnlineRecipient(t *testing.T) {
	e := newEnv(t)
	ha, hb := e.connect("alice"), e.connect("bob")

	v, err := e.pipe.Send(context.Background(), e.ids["alice"], delivery.SendRequest{RecipientID: "bob", Text: "hi bob", TempID: "tmp-1"})
	require.NoError(t, err)
	assert.Equal(t, "hi bob", v.Text)
	assert.Equal(t, model.StatusDelivered, v.Status)
	assert.Equal(t, "tmp-1", v.TempID)

	got := hb.OfType(presence.EventMessageDelivered)
	require.Len(t, got, 1)
	pushed := got[0].Data.(*delivery.MessageView)
	assert.Equal(t, "hi bob", pushed.Text)
	assert.Empty(t, pushed.TempID)

	conf := ha.OfType(presence.EventSendConfirmed)
	require.Len(t, conf, 1)
	assert.Equal(t, "tmp-1", conf[0].Data.(*delivery.MessageView).TempID)

	stored, err := e.store.GetMessage(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, stored.Status)
	assert.NotContains(t, string(stored.Ciphertext), "hi bob")
}

func TestOfflineSendThenHistoryRead(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ha := e.connect("alice")

	v := e.send(t, "alice", "bob", "are you there")
	assert.Equal(t, model.StatusSent, v.Status)
	stored, _ := e.store.GetMessage(ctx, v.ID)
	assert.Equal(t, model.StatusSent, stored.Status)

	page, err := e.pipe.FetchHistory(ctx, e.ids["bob"], v.ChatID, 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "are you there", page.Messages[0].Text)
	assert.Equal(t, model.StatusRead, page.Messages[0].Status)

	stored, _ = e.store.GetMessage(ctx, v.ID)
	assert.Equal(t, model.StatusRead, stored.Status)
	require.Len(t, stored.ReadBy, 1)
	assert.Equal(t, "bob", stored.ReadBy[0].UserID)

	receipts := ha.OfType(presence.EventReadReceipt)
	require.Len(t, receipts, 1)
	r := receipts[0].Data.(model.ReadReceipt)
	assert.Equal(t, v.ID, r.MessageID)
	assert.Equal(t, "bob", r.ReaderID)
}

func TestHistoryReceiptDroppedWhenSenderOffline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := e.send(t, "alice", "bob", "later")

	page, err := e.pipe.FetchHistory(ctx, e.ids["bob"], v.ChatID, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, page.Messages[0].Status)

	// alice connects afterwards: no stale receipt, but history shows read
	ha := e.connect("alice")
	assert.Empty(t, ha.OfType(presence.EventReadReceipt))
	page, err = e.pipe.FetchHistory(ctx, e.ids["alice"], v.ChatID, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, page.Messages[0].Status)
}

func TestHistoryMarksOnlyRequesterMessages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m1 := e.send(t, "alice", "bob", "one")
	m2 := e.send(t, "bob", "alice", "two")

	_, err := e.pipe.FetchHistory(ctx, e.ids["bob"], m1.ChatID, 1, 50)
	require.NoError(t, err)

	s1, _ := e.store.GetMessage(ctx, m1.ID)
	s2, _ := e.store.GetMessage(ctx, m2.ID)
	assert.Equal(t, model.StatusRead, s1.Status)
	assert.Equal(t, model.StatusSent, s2.Status, "bob's own message is not read by bob")
	assert.False(t, s2.ReadByUser("bob"))
}

func TestMarkReadIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ha := e.connect("alice")
	v := e.send(t, "alice", "bob", "x")

	r1, err := e.pipe.MarkRead(ctx, e.ids["bob"], v.ChatID, []string{v.ID})
	require.NoError(t, err)
	assert.Len(t, r1, 1)

	r2, err := e.pipe.MarkRead(ctx, e.ids["bob"], v.ChatID, []string{v.ID})
	require.NoError(t, err)
	assert.Empty(t, r2)

	stored, _ := e.store.GetMessage(ctx, v.ID)
	assert.Len(t, stored.ReadBy, 1)
	assert.Len(t, ha.OfType(presence.EventReadReceipt), 1)

	// the sender cannot mark their own message read
	r3, err := e.pipe.MarkRead(ctx, e.ids["alice"], v.ChatID, nil)
	require.NoError(t, err)
	assert.Empty(t, r3)
}

func TestCrossOrgSendRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.pipe.Send(ctx, e.ids["alice"], delivery.SendRequest{RecipientID: "eve", Text: "psst"})
	assert.True(t, errs.ErrCrossOrg.Is(err))

	_, err = e.pipe.OpenChat(ctx, e.ids["alice"], "eve")
	assert.True(t, errs.ErrCrossOrg.Is(err))

	chats, err := e.store.ListChatsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, chats)
	_, err = e.store.FindChatByParticipants(ctx, "alice", "eve")
	assert.True(t, errs.ErrChatNotFound.Is(err))
}

func TestSendValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cases := []delivery.SendRequest{
		{RecipientID: "bob", Text: "   "},
		{RecipientID: "alice", Text: "me"},
		{Text: "nobody"},
	}
	for _, c := range cases {
		_, err := e.pipe.Send(ctx, e.ids["alice"], c)
		assert.True(t, errs.ErrArgs.Is(err), "%+v", c)
	}
	_, err := e.pipe.Send(ctx, e.ids["alice"], delivery.SendRequest{RecipientID: "ghost", Text: "x"})
	assert.True(t, errs.ErrUserNotFound.Is(err))
}

func TestSendByChatID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.send(t, "alice", "bob", "hi")

	v, err := e.pipe.Send(ctx, e.ids["bob"], delivery.SendRequest{ChatID: first.ChatID, Text: "hey"})
	require.NoError(t, err)
	assert.Equal(t, "alice", v.RecipientID)

	_, err = e.pipe.Send(ctx, e.ids["carol"], delivery.SendRequest{ChatID: first.ChatID, Text: "intrude"})
	assert.True(t, errs.ErrChatNotFound.Is(err))
}

func TestConcurrentOpenChatSingleWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "alice", "bob"
			if i%2 == 1 {
				from, to = to, from
			}
			s, err := e.pipe.OpenChat(ctx, e.ids[from], to)
			if !assert.NoError(t, err) {
				return
			}
			results[i] = s.ID
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
	chats, _ := e.store.ListChatsForUser(ctx, "alice")
	assert.Len(t, chats, 1)

	// both sides can use the winner's key
	v := e.send(t, "bob", "alice", "works")
	page, err := e.pipe.FetchHistory(ctx, e.ids["alice"], v.ChatID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "works", page.Messages[0].Text)
}

func TestHistoryOrderAndPaging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var chatID string
	for i := 0; i < 7; i++ {
		chatID = e.send(t, "alice", "bob", fmt.Sprintf("m%d", i)).ChatID
	}

	p1, err := e.pipe.FetchHistory(ctx, e.ids["alice"], chatID, 1, 3)
	require.NoError(t, err)
	assert.True(t, p1.HasMore)
	assert.Equal(t, []string{"m4", "m5", "m6"}, texts(p1))

	p3, err := e.pipe.FetchHistory(ctx, e.ids["alice"], chatID, 3, 3)
	require.NoError(t, err)
	assert.False(t, p3.HasMore)
	assert.Equal(t, []string{"m0"}, texts(p3))

	for i := 1; i < len(p1.Messages); i++ {
		assert.Greater(t, p1.Messages[i].Seq, p1.Messages[i-1].Seq)
	}
}

func TestSendKeepsBodyWhitespace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	body := "  indented\n\tcode\n"
	v := e.send(t, "alice", "bob", body)
	assert.Equal(t, body, v.Text)

	page, err := e.pipe.FetchHistory(ctx, e.ids["bob"], v.ChatID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, body, page.Messages[0].Text)
}

func TestHistoryLastFullPageHasNoMore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var chatID string
	for i := 0; i < 6; i++ {
		chatID = e.send(t, "alice", "bob", fmt.Sprintf("m%d", i)).ChatID
	}

	p1, err := e.pipe.FetchHistory(ctx, e.ids["alice"], chatID, 1, 3)
	require.NoError(t, err)
	assert.True(t, p1.HasMore)

	p2, err := e.pipe.FetchHistory(ctx, e.ids["alice"], chatID, 2, 3)
	require.NoError(t, err)
	assert.Len(t, p2.Messages, 3)
	assert.False(t, p2.HasMore)
}

func texts(p *delivery.HistoryPage) []string {
	out := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.Text)
	}
	return out
}

func TestUndecryptableMessageDoesNotAbortPage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	good := e.send(t, "alice", "bob", "readable")

	require.NoError(t, e.store.CreateMessage(ctx, &model.Message{
		ID: "broken", ChatID: good.ChatID, SenderID: "alice", RecipientID: "bob", Seq: 99,
		Type: model.MessageTypeText, Nonce: make([]byte, 12), Ciphertext: []byte("garbage"),
		Status: model.StatusSent, ReadBy: []model.ReadReceiptEntry{}, CreatedAt: time.Now(),
	}))

	page, err := e.pipe.FetchHistory(ctx, e.ids["bob"], good.ChatID, 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "readable", page.Messages[0].Text)
	assert.False(t, page.Messages[0].Undecryptable)
	assert.Equal(t, delivery.UndecryptablePlaceholder, page.Messages[1].Text)
	assert.True(t, page.Messages[1].Undecryptable)
}

func TestHistoryForNonParticipant(t *testing.T) {
	e := newEnv(t)
	v := e.send(t, "alice", "bob", "private")
	_, err := e.pipe.FetchHistory(context.Background(), e.ids["carol"], v.ChatID, 1, 50)
	assert.True(t, errs.ErrChatNotFound.Is(err))
}

func TestListChatsSummaries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.connect("bob")
	e.send(t, "alice", "carol", "c1")
	e.send(t, "carol", "alice", "c2")
	e.send(t, "bob", "alice", "b1")

	list, err := e.pipe.ListChats(ctx, e.ids["alice"])
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "bob", list[0].Peer.UserID, "most recent chat first")
	assert.True(t, list[0].Peer.Online)
	assert.Equal(t, int64(1), list[0].UnreadCount)
	require.NotNil(t, list[0].LatestMessage)
	assert.Equal(t, "b1", list[0].LatestMessage.Text)

	assert.Equal(t, "carol", list[1].Peer.UserID)
	assert.False(t, list[1].Peer.Online)
	assert.Equal(t, int64(1), list[1].UnreadCount)
	assert.Equal(t, "c2", list[1].LatestMessage.Text)
}

func TestSearchUsers(t *testing.T) {
	e := newEnv(t)
	e.connect("bob")
	got, err := e.pipe.SearchUsers(context.Background(), e.ids["alice"], "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].UserID)
	assert.True(t, got[0].Online)
	assert.Equal(t, "carol", got[1].UserID)
}

func TestSecondSessionPushFailureLeavesSent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	hb := e.connect("bob")
	hb.FailWrites()

	v := e.send(t, "alice", "bob", "lost push")
	assert.Equal(t, model.StatusSent, v.Status)
	assert.False(t, e.reg.IsOnline("bob"), "failing handle is evicted")

	stored, _ := e.store.GetMessage(ctx, v.ID)
	assert.Equal(t, model.StatusSent, stored.Status)
}
