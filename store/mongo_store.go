package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"go-where/models"
	"go-where/utils/errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection    = "users"
	requestsCollection = "friend_requests"
)

// MongoStore needs a replica set (or mongos) for transactions and change
// streams.
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	requests *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	log.Println("Connected to MongoDB")

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		users:    db.Collection(usersCollection),
		requests: db.Collection(requestsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "friends", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create users index: %w", err)
	}

	_, err = s.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "pair", Value: 1}},
			Options: options.Index().
				SetName("one_pending_per_pair").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": models.RequestPending}),
		},
		{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create friend request indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateUser(ctx context.Context, user *models.User) error {
	u := user.Clone()
	if u.Friends == nil {
		u.Friends = []string{}
	}
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.ErrUserExists
		}
		return errors.Transport(err)
	}
	return nil
}

func (s *MongoStore) User(ctx context.Context, key string) (*models.User, error) {
	return findUser(ctx, s.users, key)
}

func (s *MongoStore) UsersByKeys(ctx context.Context, keys []string) ([]*models.User, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cursor, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, errors.Transport(err)
	}
	defer cursor.Close(ctx)

	var found []*models.User
	if err := cursor.All(ctx, &found); err != nil {
		return nil, errors.Transport(err)
	}
	byKey := make(map[string]*models.User, len(found))
	for _, u := range found {
		byKey[u.Key] = u
	}
	users := make([]*models.User, 0, len(found))
	for _, k := range keys {
		if u, ok := byKey[k]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func (s *MongoStore) UpdateProfile(ctx context.Context, key string, update ProfileUpdate) error {
	set := bson.M{}
	if update.DisplayName != nil {
		set["display_name"] = *update.DisplayName
	}
	if update.ProfileImageURL != nil {
		set["profile_image_url"] = *update.ProfileImageURL
	}
	if len(set) == 0 {
		return nil
	}
	return updateUser(ctx, s.users, key, bson.M{"$set": set})
}

func (s *MongoStore) UpdateLocation(ctx context.Context, key string, c models.Coordinate) error {
	if !c.Valid() {
		return errors.ErrInvalidLocation
	}
	point := bson.D{{Key: "$literal", Value: models.NewGeoPoint(c)}}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "location", Value: point},
		{Key: "last_known_location", Value: point},
		// server clock, and never moves backwards
		{Key: "last_seen", Value: bson.D{{Key: "$max", Value: bson.A{"$last_seen", "$$NOW"}}}},
	}}}}
	return updateUser(ctx, s.users, key, update)
}

func (s *MongoStore) ClearLocation(ctx context.Context, key string) error {
	return updateUser(ctx, s.users, key, bson.M{"$unset": bson.M{"location": ""}})
}

func (s *MongoStore) Request(ctx context.Context, id string) (*models.FriendRequest, error) {
	return findRequest(ctx, s.requests, id)
}

func (s *MongoStore) RequestsFor(ctx context.Context, key string, dir Direction, status models.RequestStatus) ([]*models.FriendRequest, error) {
	field := "receiver"
	if dir == Outgoing {
		field = "sender"
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.requests.Find(ctx, bson.M{field: key, "status": status}, opts)
	if err != nil {
		return nil, errors.Transport(err)
	}
	defer cursor.Close(ctx)

	var reqs []*models.FriendRequest
	if err := cursor.All(ctx, &reqs); err != nil {
		return nil, errors.Transport(err)
	}
	return reqs, nil
}

// Batch runs fn in a multi-document transaction. The driver retries fn on
// transient transaction errors, so fn must not have side effects outside tx.
func (s *MongoStore) Batch(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return errors.Transport(err)
	}
	defer session.EndSession(ctx)

	tx := &mongoTx{users: s.users, requests: s.requests}
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, tx)
	})
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return errors.ErrDuplicateRequest
	}
	return errors.Transport(err)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type mongoTx struct {
	users    *mongo.Collection
	requests *mongo.Collection
}

func (tx *mongoTx) User(ctx context.Context, key string) (*models.User, error) {
	return findUser(ctx, tx.users, key)
}

func (tx *mongoTx) Request(ctx context.Context, id string) (*models.FriendRequest, error) {
	return findRequest(ctx, tx.requests, id)
}

func (tx *mongoTx) PendingRequest(ctx context.Context, a, b string) (*models.FriendRequest, error) {
	var req models.FriendRequest
	err := tx.requests.FindOne(ctx, bson.M{"pair": models.PairKey(a, b), "status": models.RequestPending}).Decode(&req)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Transport(err)
	}
	return &req, nil
}

func (tx *mongoTx) InsertRequest(ctx context.Context, req *models.FriendRequest) error {
	doc := *req
	doc.Pair = models.PairKey(req.Sender, req.Receiver)
	if _, err := tx.requests.InsertOne(ctx, &doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.ErrDuplicateRequest
		}
		return errors.Transport(err)
	}
	return nil
}

func (tx *mongoTx) SetRequestStatus(ctx context.Context, id string, status models.RequestStatus, at time.Time) error {
	res, err := tx.requests.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.RequestPending},
		bson.M{"$set": bson.M{"status": status, "resolved_at": at}},
	)
	if err != nil {
		return errors.Transport(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := tx.requests.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Transport(err)
	}
	if n == 0 {
		return errors.ErrRequestNotFound
	}
	return errors.ErrRequestResolved
}

func (tx *mongoTx) AddFriend(ctx context.Context, key, friend string) error {
	return updateUser(ctx, tx.users, key, bson.M{"$addToSet": bson.M{"friends": friend}})
}

func (tx *mongoTx) RemoveFriend(ctx context.Context, key, friend string) error {
	return updateUser(ctx, tx.users, key, bson.M{"$pull": bson.M{"friends": friend}})
}

func findUser(ctx context.Context, coll *mongo.Collection, key string) (*models.User, error) {
	var u models.User
	err := coll.FindOne(ctx, bson.M{"_id": key}).Decode(&u)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Transport(err)
	}
	return &u, nil
}

func findRequest(ctx context.Context, coll *mongo.Collection, id string) (*models.FriendRequest, error) {
	var req models.FriendRequest
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.ErrRequestNotFound
	}
	if err != nil {
		return nil, errors.Transport(err)
	}
	return &req, nil
}

func updateUser(ctx context.Context, coll *mongo.Collection, key string, update interface{}) error {
	res, err := coll.UpdateOne(ctx, bson.M{"_id": key}, update)
	if err != nil {
		return errors.Transport(err)
	}
	if res.MatchedCount == 0 {
		return errors.ErrUserNotFound
	}
	return nil
}
