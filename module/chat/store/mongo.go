package store

import (
	"context"
	"time"

	"orgchat/data/database"
	"orgchat/module/chat/model"
	"orgchat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ChatFieldID              = "_id"
	ChatFieldPairKey         = "pair_key"
	ChatFieldParticipants    = "participants"
	ChatFieldSeq             = "seq"
	ChatFieldLatestMessageID = "latest_message_id"
	ChatFieldLatestSeq       = "latest_seq"
	ChatFieldUpdatedAt       = "updated_at"

	MsgFieldID          = "_id"
	MsgFieldChatID      = "chat_id"
	MsgFieldSenderID    = "sender_id"
	MsgFieldRecipientID = "recipient_id"
	MsgFieldSeq         = "seq"
	MsgFieldStatus      = "status"
	MsgFieldReadBy      = "read_by"
	MsgFieldReadByUser  = "read_by.user_id"
	MsgFieldUpdatedAt   = "updated_at"
)

type MongoStore struct {
	ChatColl *mongo.Collection // chat
	MsgColl  *mongo.Collection // message
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		ChatColl: database.Collection(db, &model.Chat{}),
		MsgColl:  database.Collection(db, &model.Message{}),
	}
}

// EnsureIndexes creates the indexes the store relies on. The unique pair_key
// index is what makes chat creation single-winner.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.ChatColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: ChatFieldPairKey, Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_pair")},
		{Keys: bson.D{{Key: ChatFieldParticipants, Value: 1}, {Key: ChatFieldUpdatedAt, Value: -1}}, Options: options.Index().SetName("participant_activity")},
	})
	if err != nil {
		return errs.WrapMsg(err, "create chat indexes")
	}
	_, err = s.MsgColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: MsgFieldChatID, Value: 1}, {Key: MsgFieldSeq, Value: -1}}, Options: options.Index().SetUnique(true).SetName("chat_seq")},
		{Keys: bson.D{{Key: MsgFieldChatID, Value: 1}, {Key: MsgFieldRecipientID, Value: 1}, {Key: MsgFieldStatus, Value: 1}}, Options: options.Index().SetName("chat_unread")},
	})
	if err != nil {
		return errs.WrapMsg(err, "create message indexes")
	}
	return nil
}

func (s *MongoStore) FindChatByParticipants(ctx context.Context, a, b string) (*model.Chat, error) {
	var c model.Chat
	err := s.ChatColl.FindOne(ctx, bson.M{ChatFieldPairKey: model.PairKey(a, b)}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrChatNotFound.WrapMsg("no chat for pair", "a", a, "b", b)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find chat by pair")
	}
	return &c, nil
}

func (s *MongoStore) FindOrCreateChat(ctx context.Context, chat *model.Chat) (*model.Chat, bool, error) {
	if chat == nil || len(chat.Participants) != 2 {
		return nil, false, errs.ErrArgs.WrapMsg("chat needs exactly two participants")
	}
	key := model.PairKey(chat.Participants[0], chat.Participants[1])

	// pair_key comes from the filter on insert
	onInsert := bson.M{
		ChatFieldID:              chat.ID,
		"organization_id":        chat.OrganizationID,
		ChatFieldParticipants:    model.SortedPair(chat.Participants[0], chat.Participants[1]),
		"wrapped_keys":           chat.WrappedKeys,
		ChatFieldSeq:             int64(0),
		ChatFieldLatestSeq:       int64(0),
		ChatFieldLatestMessageID: "",
		"created_at":             chat.CreatedAt,
		ChatFieldUpdatedAt:       chat.UpdatedAt,
	}
	var out model.Chat
	err := s.ChatColl.FindOneAndUpdate(ctx,
		bson.M{ChatFieldPairKey: key},
		bson.M{"$setOnInsert": onInsert},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if mongo.IsDuplicateKeyError(err) {
		// lost the race against a concurrent insert: read the winner
		if err = s.ChatColl.FindOne(ctx, bson.M{ChatFieldPairKey: key}).Decode(&out); err != nil {
			return nil, false, errs.WrapMsg(err, "reload chat after duplicate key", "pair", key)
		}
		return &out, false, nil
	}
	if err != nil {
		return nil, false, errs.WrapMsg(err, "upsert chat", "pair", key)
	}
	return &out, out.ID == chat.ID, nil
}

func (s *MongoStore) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var c model.Chat
	err := s.ChatColl.FindOne(ctx, bson.M{ChatFieldID: chatID}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrChatNotFound.WrapMsg("chat not found", "chat", chatID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get chat", "chat", chatID)
	}
	return &c, nil
}

func (s *MongoStore) ListChatsForUser(ctx context.Context, userID string) ([]*model.Chat, error) {
	cur, err := s.ChatColl.Find(ctx,
		bson.M{ChatFieldParticipants: userID},
		options.Find().SetSort(bson.D{{Key: ChatFieldUpdatedAt, Value: -1}, {Key: ChatFieldID, Value: -1}}),
	)
	if err != nil {
		return nil, errs.WrapMsg(err, "list chats", "user", userID)
	}
	out := make([]*model.Chat, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode chats")
	}
	return out, nil
}

func (s *MongoStore) NextSeq(ctx context.Context, chatID string) (int64, error) {
	var c struct {
		Seq int64 `bson:"seq"`
	}
	err := s.ChatColl.FindOneAndUpdate(ctx,
		bson.M{ChatFieldID: chatID},
		bson.M{"$inc": bson.M{ChatFieldSeq: int64(1)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After).SetProjection(bson.M{ChatFieldSeq: 1}),
	).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return 0, errs.ErrChatNotFound.WrapMsg("chat not found", "chat", chatID)
	}
	if err != nil {
		return 0, errs.WrapMsg(err, "allocate seq", "chat", chatID)
	}
	return c.Seq, nil
}

func (s *MongoStore) CreateMessage(ctx context.Context, m *model.Message) error {
	if m == nil || m.ID == "" {
		return errs.ErrArgs.WrapMsg("message id required")
	}
	doc := m.Clone()
	if doc.ReadBy == nil {
		// $push needs an array, not null
		doc.ReadBy = []model.ReadReceiptEntry{}
	}
	if _, err := s.MsgColl.InsertOne(ctx, doc); err != nil {
		return errs.WrapMsg(err, "insert message", "chat", m.ChatID, "seq", m.Seq)
	}
	return nil
}

func (s *MongoStore) UpdateChatLatest(ctx context.Context, chatID, messageID string, seq int64, at time.Time) error {
	res, err := s.ChatColl.UpdateOne(ctx,
		bson.M{ChatFieldID: chatID, ChatFieldLatestSeq: bson.M{"$lt": seq}},
		bson.M{
			"$set": bson.M{ChatFieldLatestMessageID: messageID, ChatFieldLatestSeq: seq},
			"$max": bson.M{ChatFieldUpdatedAt: at},
		},
	)
	if err != nil {
		return errs.WrapMsg(err, "update chat latest", "chat", chatID)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	// a newer message already won; still bump activity
	res, err = s.ChatColl.UpdateOne(ctx,
		bson.M{ChatFieldID: chatID},
		bson.M{"$max": bson.M{ChatFieldUpdatedAt: at}},
	)
	if err != nil {
		return errs.WrapMsg(err, "touch chat", "chat", chatID)
	}
	if res.MatchedCount == 0 {
		return errs.ErrChatNotFound.WrapMsg("chat not found", "chat", chatID)
	}
	return nil
}

func (s *MongoStore) AdvanceStatus(ctx context.Context, messageID string, to model.Status, at time.Time) (bool, error) {
	res, err := s.MsgColl.UpdateOne(ctx,
		bson.M{MsgFieldID: messageID, MsgFieldStatus: bson.M{"$lt": to}},
		bson.M{
			"$max": bson.M{MsgFieldStatus: to},
			"$set": bson.M{MsgFieldUpdatedAt: at},
		},
	)
	if err != nil {
		return false, errs.WrapMsg(err, "advance status", "message", messageID, "to", to.String())
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, chatID, readerID string, messageIDs []string, at time.Time) ([]*model.Message, error) {
	filter := bson.M{
		MsgFieldChatID:      chatID,
		MsgFieldRecipientID: readerID,
		MsgFieldSenderID:    bson.M{"$ne": readerID},
		MsgFieldStatus:      bson.M{"$lt": model.StatusRead},
	}
	if len(messageIDs) > 0 {
		filter[MsgFieldID] = bson.M{"$in": messageIDs}
	}
	cur, err := s.MsgColl.Find(ctx, filter, options.Find().
		SetProjection(bson.M{MsgFieldID: 1}).
		SetSort(bson.D{{Key: MsgFieldSeq, Value: 1}}))
	if err != nil {
		return nil, errs.WrapMsg(err, "find unread", "chat", chatID)
	}
	var candidates []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &candidates); err != nil {
		return nil, errs.WrapMsg(err, "decode unread")
	}

	var out []*model.Message
	for _, c := range candidates {
		var m model.Message
		// status and reader entry move together, so the guard on both makes
		// the transition happen for exactly one caller
		err := s.MsgColl.FindOneAndUpdate(ctx,
			bson.M{
				MsgFieldID:         c.ID,
				MsgFieldStatus:     bson.M{"$lt": model.StatusRead},
				MsgFieldReadByUser: bson.M{"$ne": readerID},
			},
			bson.M{
				"$max":  bson.M{MsgFieldStatus: model.StatusRead},
				"$set":  bson.M{MsgFieldUpdatedAt: at},
				"$push": bson.M{MsgFieldReadBy: model.ReadReceiptEntry{UserID: readerID, ReadAt: at}},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&m)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			return out, errs.WrapMsg(err, "mark read", "message", c.ID)
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *MongoStore) FindMessages(ctx context.Context, chatID string, page, pageSize int) ([]*model.Message, bool, error) {
	page, pageSize = NormalizePage(page, pageSize)
	// 多取一条判断是否还有更早的
	cur, err := s.MsgColl.Find(ctx,
		bson.M{MsgFieldChatID: chatID},
		options.Find().
			SetSort(bson.D{{Key: MsgFieldSeq, Value: -1}}).
			SetSkip(int64((page-1)*pageSize)).
			SetLimit(int64(pageSize+1)),
	)
	if err != nil {
		return nil, false, errs.WrapMsg(err, "find messages", "chat", chatID)
	}
	out := make([]*model.Message, 0, pageSize+1)
	if err := cur.All(ctx, &out); err != nil {
		return nil, false, errs.WrapMsg(err, "decode messages")
	}
	if len(out) > pageSize {
		return out[:pageSize], true, nil
	}
	return out, false, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var m model.Message
	err := s.MsgColl.FindOne(ctx, bson.M{MsgFieldID: messageID}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrRecordNotFound.WrapMsg("message not found", "id", messageID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get message", "id", messageID)
	}
	return &m, nil
}

func (s *MongoStore) CountUnread(ctx context.Context, chatID, userID string) (int64, error) {
	n, err := s.MsgColl.CountDocuments(ctx, bson.M{
		MsgFieldChatID:      chatID,
		MsgFieldRecipientID: userID,
		MsgFieldStatus:      bson.M{"$lt": model.StatusRead},
	})
	if err != nil {
		return 0, errs.WrapMsg(err, "count unread", "chat", chatID)
	}
	return n, nil
}
