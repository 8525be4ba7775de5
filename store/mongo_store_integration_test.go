package store

import (
	"context"
	"os"
	"testing"
	"time"

	"go-where/models"
	"go-where/utils/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMongoStore connects to MONGO_URI (a replica set) and uses a
// throwaway database.
func newTestMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	database := "go_where_test_" + uuid.NewString()[:8]
	s, err := NewMongoStore(ctx, uri, database)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.client.Database(database).Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func createUsers(t *testing.T, s Store, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, s.CreateUser(context.Background(), &models.User{Key: k, Email: k, DisplayName: k}))
	}
}

func TestMongoStore_AcceptIsSymmetric(t *testing.T) {
	s := newTestMongoStore(t)
	ctx := context.Background()
	createUsers(t, s, "a@x.com", "b@x.com")

	req := &models.FriendRequest{
		ID: uuid.NewString(), Sender: "a@x.com", Receiver: "b@x.com",
		Status: models.RequestPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertRequest(ctx, req)
	}))

	dup := *req
	dup.ID, dup.Sender, dup.Receiver = uuid.NewString(), "b@x.com", "a@x.com"
	err := s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertRequest(ctx, &dup)
	})
	assert.True(t, errors.Is(err, errors.ErrDuplicateRequest))

	accept := func(ctx context.Context, tx Tx) error {
		if err := tx.SetRequestStatus(ctx, req.ID, models.RequestAccepted, time.Now().UTC()); err != nil {
			return err
		}
		if err := tx.AddFriend(ctx, "a@x.com", "b@x.com"); err != nil {
			return err
		}
		return tx.AddFriend(ctx, "b@x.com", "a@x.com")
	}
	require.NoError(t, s.Batch(ctx, accept))
	assert.True(t, errors.Is(s.Batch(ctx, accept), errors.ErrRequestResolved))

	for _, pair := range [][2]string{{"a@x.com", "b@x.com"}, {"b@x.com", "a@x.com"}} {
		u, err := s.User(ctx, pair[0])
		require.NoError(t, err)
		assert.Equal(t, []string{pair[1]}, u.Friends)
	}

	// a failing step rolls back the whole batch
	err = s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.RemoveFriend(ctx, "a@x.com", "b@x.com"); err != nil {
			return err
		}
		return tx.RemoveFriend(ctx, "missing@x.com", "a@x.com")
	})
	assert.True(t, errors.Is(err, errors.ErrUserNotFound))
	u, err := s.User(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"b@x.com"}, u.Friends)

	err = s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetRequestStatus(ctx, "missing", models.RequestRejected, time.Now().UTC())
	})
	assert.True(t, errors.Is(err, errors.ErrRequestNotFound))
}

func TestMongoStore_SubscriptionPushesMoves(t *testing.T) {
	s := newTestMongoStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	createUsers(t, s, "a@x.com", "b@x.com", "c@x.com")
	require.NoError(t, s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.AddFriend(ctx, "a@x.com", "b@x.com"); err != nil {
			return err
		}
		return tx.AddFriend(ctx, "b@x.com", "a@x.com")
	}))
	require.NoError(t, s.UpdateLocation(ctx, "a@x.com", models.Coordinate{Lat: 1, Lon: 2}))

	sub, err := s.SubscribeFriendsOf(ctx, "b@x.com")
	require.NoError(t, err)
	defer sub.Close()

	next := func() ChangeEvent {
		t.Helper()
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription ended: %v", sub.Err())
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for change event")
		}
		return ChangeEvent{}
	}

	ev := next()
	assert.Equal(t, Added, ev.Kind)
	assert.Equal(t, "a@x.com", ev.Key)
	assert.Equal(t, Synced, next().Kind)

	// a stranger's write is filtered out; the moved location comes through
	require.NoError(t, s.UpdateLocation(ctx, "c@x.com", models.Coordinate{Lat: 5, Lon: 5}))
	require.NoError(t, s.UpdateLocation(ctx, "a@x.com", models.Coordinate{Lat: 11, Lon: 21}))

	ev = next()
	assert.Equal(t, Modified, ev.Kind)
	assert.Equal(t, "a@x.com", ev.Key)
	require.NotNil(t, ev.Update.Location)
	assert.Equal(t, models.Coordinate{Lat: 11, Lon: 21}, *ev.Update.Location)
	require.NotNil(t, ev.Update.LastKnownLocation)
	assert.Equal(t, models.Coordinate{Lat: 11, Lon: 21}, *ev.Update.LastKnownLocation)

	require.NoError(t, s.ClearLocation(ctx, "a@x.com"))
	ev = next()
	assert.True(t, ev.Update.ClearLocation)

	require.NoError(t, s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		return tx.RemoveFriend(ctx, "a@x.com", "b@x.com")
	}))
	ev = next()
	assert.Equal(t, Removed, ev.Kind)
	assert.Equal(t, "a@x.com", ev.Key)
}
