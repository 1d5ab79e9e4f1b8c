package member

import (
	"context"
	"errors"
	"time"

	"deskchat/tools/errs"

	pkgerrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollectionMember = "member"

	fieldEmail     = "email"
	fieldNickname  = "nickname"
	fieldIsDeleted = "is_deleted"
)

// Mongo reads the member collection owned by the account service.
type Mongo struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongo(db *mongo.Database, timeout time.Duration) *Mongo {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Mongo{coll: db.Collection(CollectionMember), timeout: timeout}
}

// EnsureIndexes creates the unique email index if it is missing.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: fieldEmail, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uk_member_email"),
	})
	return pkgerrors.Wrap(err, "ensure member indexes")
}

func (m *Mongo) FindByID(ctx context.Context, id string) (*Member, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var mb Member
	err := m.coll.FindOne(ctx,
		bson.M{fieldEmail: id, fieldIsDeleted: bson.M{"$ne": true}},
		options.FindOne().SetProjection(bson.M{fieldEmail: 1, fieldNickname: 1, fieldIsDeleted: 1}),
	).Decode(&mb)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrRecordNotFound.WrapMsg("member not found", "id", id)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "find member")
	}
	return &mb, nil
}

func (m *Mongo) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	n, err := m.coll.CountDocuments(ctx,
		bson.M{fieldEmail: id, fieldIsDeleted: bson.M{"$ne": true}},
		options.Count().SetLimit(1))
	if err != nil {
		return false, pkgerrors.Wrap(err, "count member")
	}
	return n > 0, nil
}
