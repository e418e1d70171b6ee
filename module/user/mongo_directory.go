package user

import (
	"context"
	"regexp"
	"time"

	"orgchat/data/database"
	"orgchat/module/user/model"
	"orgchat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	UserFieldUserID       = "user_id"
	UserFieldOrgID        = "organization_id"
	UserFieldDisplayName  = "display_name"
	UserFieldEmail        = "email"
	UserFieldOnline       = "online"
	UserFieldConnectionID = "connection_id"
	UserFieldLastActive   = "last_active"
	UserFieldUpdateTime   = "update_time"
)

// MongoDirectory reads users from the user collection and keeps the
// online/connection_id pair in step with the presence registry.
type MongoDirectory struct {
	Coll *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{Coll: database.Collection(db, &model.User{})}
}

func (d *MongoDirectory) EnsureIndexes(ctx context.Context) error {
	_, err := d.Coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: UserFieldUserID, Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_user")},
		{Keys: bson.D{{Key: UserFieldOrgID, Value: 1}, {Key: UserFieldDisplayName, Value: 1}}, Options: options.Index().SetName("org_name")},
	})
	if err != nil {
		return errs.WrapMsg(err, "create user indexes")
	}
	return nil
}

func (d *MongoDirectory) FindUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := d.Coll.FindOne(ctx, bson.M{UserFieldUserID: userID}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrUserNotFound.WrapMsg("user not found", "user", userID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find user", "user", userID)
	}
	return &u, nil
}

func (d *MongoDirectory) SameOrganization(ctx context.Context, a, b string) (bool, error) {
	return sameOrg(ctx, d, a, b)
}

func (d *MongoDirectory) Search(ctx context.Context, orgID, excludeUserID, query string, limit int) ([]*model.User, error) {
	filter := bson.M{
		UserFieldOrgID:  orgID,
		UserFieldUserID: bson.M{"$ne": excludeUserID},
	}
	if query != "" {
		re := primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"}
		filter["$or"] = bson.A{
			bson.M{UserFieldDisplayName: re},
			bson.M{UserFieldEmail: re},
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: UserFieldDisplayName, Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := d.Coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "search users", "org", orgID)
	}
	var out []*model.User
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode users")
	}
	return out, nil
}

// CreateUser relies on the uniq_user index.
func (d *MongoDirectory) CreateUser(ctx context.Context, u *model.User) error {
	if u == nil || u.UserID == "" {
		return errs.ErrArgs.WrapMsg("user id required")
	}
	_, err := d.Coll.InsertOne(ctx, u)
	if mongo.IsDuplicateKeyError(err) {
		return ErrUserExists.WrapMsg("create user", "user", u.UserID)
	}
	if err != nil {
		return errs.WrapMsg(err, "create user", "user", u.UserID)
	}
	return nil
}

func (d *MongoDirectory) SaveUser(ctx context.Context, u *model.User) error {
	if u == nil || u.UserID == "" {
		return errs.ErrArgs.WrapMsg("user id required")
	}
	_, err := d.Coll.ReplaceOne(ctx, bson.M{UserFieldUserID: u.UserID}, u, options.Replace().SetUpsert(true))
	if err != nil {
		return errs.WrapMsg(err, "save user", "user", u.UserID)
	}
	return nil
}

func (d *MongoDirectory) MarkOnline(ctx context.Context, userID, connID string, at time.Time) error {
	_, err := d.Coll.UpdateOne(ctx, bson.M{UserFieldUserID: userID}, bson.M{"$set": bson.M{
		UserFieldOnline:       true,
		UserFieldConnectionID: connID,
		UserFieldLastActive:   at,
		UserFieldUpdateTime:   at,
	}})
	if err != nil {
		return errs.WrapMsg(err, "mark online", "user", userID)
	}
	return nil
}

// MarkOffline only clears the flag while connID is still the stored one.
func (d *MongoDirectory) MarkOffline(ctx context.Context, userID, connID string, at time.Time) error {
	_, err := d.Coll.UpdateOne(ctx,
		bson.M{UserFieldUserID: userID, UserFieldConnectionID: connID},
		bson.M{"$set": bson.M{
			UserFieldOnline:     false,
			UserFieldLastActive: at,
			UserFieldUpdateTime: at,
		}, "$unset": bson.M{UserFieldConnectionID: ""}},
	)
	if err != nil {
		return errs.WrapMsg(err, "mark offline", "user", userID)
	}
	return nil
}

func (d *MongoDirectory) Touch(ctx context.Context, userID string, at time.Time) error {
	_, err := d.Coll.UpdateOne(ctx, bson.M{UserFieldUserID: userID},
		bson.M{"$max": bson.M{UserFieldLastActive: at}})
	if err != nil {
		return errs.WrapMsg(err, "touch user", "user", userID)
	}
	return nil
}
