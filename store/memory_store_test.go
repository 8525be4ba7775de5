package store

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"go-where/models"
	"go-where/utils/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUsers(t *testing.T, s *MemoryStore, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, s.CreateUser(context.Background(), &models.User{Key: k, Email: k, DisplayName: k}))
	}
}

func befriend(t *testing.T, s *MemoryStore, a, b string) {
	t.Helper()
	require.NoError(t, s.Batch(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.AddFriend(ctx, a, b); err != nil {
			return err
		}
		return tx.AddFriend(ctx, b, a)
	}))
}

func next(t *testing.T, sub Subscription) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription ended: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}

func TestMemoryStore_CreateUserTwice(t *testing.T) {
	s := NewMemoryStore()
	seedUsers(t, s, "a@x.com")

	err := s.CreateUser(context.Background(), &models.User{Key: "a@x.com"})
	assert.True(t, errors.Is(err, errors.ErrUserExists))

	_, err = s.User(context.Background(), "missing@x.com")
	assert.True(t, errors.Is(err, errors.ErrUserNotFound))
}

func TestMemoryStore_BatchIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	seedUsers(t, s, "a@x.com", "b@x.com")
	ctx := context.Background()

	boom := stderrors.New("boom")
	err := s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.AddFriend(ctx, "a@x.com", "b@x.com"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	a, err := s.User(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Empty(t, a.Friends)
}

func TestMemoryStore_AddFriendIsSet(t *testing.T) {
	s := NewMemoryStore()
	seedUsers(t, s, "a@x.com", "b@x.com")
	befriend(t, s, "a@x.com", "b@x.com")
	befriend(t, s, "a@x.com", "b@x.com")

	a, err := s.User(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"b@x.com"}, a.Friends)
}

func TestMemoryStore_OnePendingRequestPerPair(t *testing.T) {
	s := NewMemoryStore()
	seedUsers(t, s, "a@x.com", "b@x.com")
	ctx := context.Background()

	insert := func(id, from, to string) error {
		return s.Batch(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertRequest(ctx, &models.FriendRequest{ID: id, Sender: from, Receiver: to, Status: models.RequestPending})
		})
	}
	require.NoError(t, insert("r1", "a@x.com", "b@x.com"))
	assert.True(t, errors.Is(insert("r2", "b@x.com", "a@x.com"), errors.ErrDuplicateRequest))

	require.NoError(t, s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetRequestStatus(ctx, "r1", models.RequestRejected, time.Now())
	}))
	require.NoError(t, insert("r3", "b@x.com", "a@x.com"))

	err := s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetRequestStatus(ctx, "r1", models.RequestAccepted, time.Now())
	})
	assert.True(t, errors.Is(err, errors.ErrRequestResolved))

	in, err := s.RequestsFor(ctx, "a@x.com", Incoming, models.RequestPending)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "r3", in[0].ID)
	assert.Equal(t, "a@x.com|b@x.com", in[0].Pair)

	out, err := s.RequestsFor(ctx, "a@x.com", Outgoing, models.RequestPending)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMemoryStore_LastSeenNeverDecreases(t *testing.T) {
	s := NewMemoryStore()
	seedUsers(t, s, "a@x.com")
	ctx := context.Background()

	t1 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return t1 })
	require.NoError(t, s.UpdateLocation(ctx, "a@x.com", models.Coordinate{Lat: 1, Lon: 1}))

	s.SetClock(func() time.Time { return t1.Add(-time.Minute) })
	require.NoError(t, s.UpdateLocation(ctx, "a@x.com", models.Coordinate{Lat: 2, Lon: 2}))

	a, err := s.User(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, t1, a.LastSeen)
	assert.Equal(t, models.Coordinate{Lat: 2, Lon: 2}, *a.LastKnownLocation.Coordinate())

	require.NoError(t, s.ClearLocation(ctx, "a@x.com"))
	a, err = s.User(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Nil(t, a.Location)
	assert.NotNil(t, a.LastKnownLocation)

	assert.True(t, errors.Is(s.UpdateLocation(ctx, "a@x.com", models.Coordinate{Lat: 100}), errors.ErrInvalidLocation))
}

func TestMemoryStore_SubscriptionSnapshotAndChanges(t *testing.T) {
	s := NewMemoryStore()
	seedUsers(t, s, "a@x.com", "b@x.com", "c@x.com")
	befriend(t, s, "a@x.com", "b@x.com")
	ctx := context.Background()

	sub, err := s.SubscribeFriendsOf(ctx, "a@x.com")
	require.NoError(t, err)
	defer sub.Close()

	ev := next(t, sub)
	assert.Equal(t, Added, ev.Kind)
	assert.Equal(t, "b@x.com", ev.Key)
	assert.Equal(t, "b@x.com", *ev.Update.DisplayName)
	assert.Equal(t, Synced, next(t, sub).Kind)

	require.NoError(t, s.UpdateLocation(ctx, "b@x.com", models.Coordinate{Lat: 10, Lon: 20}))
	ev = next(t, sub)
	assert.Equal(t, Modified, ev.Kind)
	assert.Nil(t, ev.Update.DisplayName)
	assert.Equal(t, models.Coordinate{Lat: 10, Lon: 20}, *ev.Update.Location)
	assert.NotNil(t, ev.Update.LastSeen)

	require.NoError(t, s.ClearLocation(ctx, "b@x.com"))
	ev = next(t, sub)
	assert.True(t, ev.Update.ClearLocation)
	assert.Nil(t, ev.Update.LastKnownLocation)

	// a's own changes and strangers are not pushed
	require.NoError(t, s.UpdateLocation(ctx, "c@x.com", models.Coordinate{Lat: 1, Lon: 1}))

	befriend(t, s, "a@x.com", "c@x.com")
	ev = next(t, sub)
	assert.Equal(t, Added, ev.Kind)
	assert.Equal(t, "c@x.com", ev.Key)

	require.NoError(t, s.Batch(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.RemoveFriend(ctx, "a@x.com", "b@x.com"); err != nil {
			return err
		}
		return tx.RemoveFriend(ctx, "b@x.com", "a@x.com")
	}))
	ev = next(t, sub)
	assert.Equal(t, Removed, ev.Kind)
	assert.Equal(t, "b@x.com", ev.Key)
}

func TestMemoryStore_FaultInjection(t *testing.T) {
	s := NewMemoryStore()
	seedUsers(t, s, "a@x.com")
	ctx := context.Background()

	sub, err := s.SubscribeFriendsOf(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 1, s.OpenSubscriptions())
	assert.Equal(t, Synced, next(t, sub).Kind)

	down := stderrors.New("connection reset")
	s.FailSubscriptions(down)
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.ErrorIs(t, sub.Err(), down)
	assert.Equal(t, 0, s.OpenSubscriptions())

	s.SetSubscribeError(down)
	_, err = s.SubscribeFriendsOf(ctx, "a@x.com")
	assert.True(t, errors.Is(err, errors.ErrTransport))

	s.SetWriteError(down)
	err = s.UpdateLocation(ctx, "a@x.com", models.Coordinate{Lat: 1, Lon: 1})
	assert.Equal(t, errors.KindTransport, errors.KindOf(err))
}

func TestMemoryStore_SubscriptionEndsWithContext(t *testing.T) {
	s := NewMemoryStore()
	seedUsers(t, s, "a@x.com")
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := s.SubscribeFriendsOf(ctx, "a@x.com")
	require.NoError(t, err)
	cancel()

	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), context.Canceled)
	assert.Eventually(t, func() bool { return s.OpenSubscriptions() == 0 }, time.Second, 10*time.Millisecond)
}
