package presence

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"go-where/models"
	"go-where/store"
	"go-where/utils/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBackoff = BackoffConfig{
	Initial:       5 * time.Millisecond,
	Max:           20 * time.Millisecond,
	Multiplier:    2,
	Randomization: 0,
}

func newStore(t *testing.T, keys ...string) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	for _, k := range keys {
		require.NoError(t, s.CreateUser(context.Background(), &models.User{Key: k, DisplayName: k}))
	}
	return s
}

func setFriends(t *testing.T, s *store.MemoryStore, a, b string, friends bool) {
	t.Helper()
	require.NoError(t, s.Batch(context.Background(), func(ctx context.Context, tx store.Tx) error {
		op := tx.AddFriend
		if !friends {
			op = tx.RemoveFriend
		}
		if err := op(ctx, a, b); err != nil {
			return err
		}
		return op(ctx, b, a)
	}))
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Health().State == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s, last health %+v", want, m.Health())
}

func TestManager_SnapshotAndUpdates(t *testing.T) {
	s := newStore(t, "a", "b", "c")
	setFriends(t, s, "a", "b", true)

	cache := NewCache()
	m := NewManager(s, cache, "a", fastBackoff)
	assert.Equal(t, StateIdle, m.Health().State)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	waitState(t, m, StateActive)
	require.Eventually(t, func() bool { return cache.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.UpdateLocation(context.Background(), "b", models.Coordinate{Lat: 10, Lon: 20}))
	require.Eventually(t, func() bool {
		e, ok := cache.Get("b")
		return ok && e.Location != nil && !e.LastSeen.IsZero()
	}, time.Second, 5*time.Millisecond)

	setFriends(t, s, "a", "c", true)
	require.Eventually(t, func() bool { return cache.Len() == 2 }, time.Second, 5*time.Millisecond)

	setFriends(t, s, "a", "b", false)
	require.Eventually(t, func() bool {
		_, ok := cache.Get("b")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_StartTwice(t *testing.T) {
	s := newStore(t, "a")
	m := NewManager(s, NewCache(), "a", fastBackoff)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	assert.True(t, errors.Is(m.Start(context.Background()), errors.ErrAlreadyStarted))
}

func TestManager_BackoffThenRecover(t *testing.T) {
	s := newStore(t, "a")
	down := stderrors.New("connection refused")
	s.SetSubscribeError(down)

	m := NewManager(s, NewCache(), "a", fastBackoff)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool { return m.Health().Attempts >= 2 }, 2*time.Second, 5*time.Millisecond)
	h := m.Health()
	assert.Contains(t, h.LastError, "connection refused")
	assert.Equal(t, 0, m.OpenHandles())

	s.SetSubscribeError(nil)
	waitState(t, m, StateActive)
	h = m.Health()
	assert.Equal(t, 0, h.Attempts)
	assert.Empty(t, h.LastError)
}

func TestManager_ReconnectEvictsStaleEntries(t *testing.T) {
	s := newStore(t, "a", "b", "c")
	setFriends(t, s, "a", "b", true)
	setFriends(t, s, "a", "c", true)

	cache := NewCache()
	m := NewManager(s, cache, "a", fastBackoff)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()
	waitState(t, m, StateActive)
	require.Eventually(t, func() bool { return cache.Len() == 2 }, time.Second, 5*time.Millisecond)

	// b is unfriended while the stream is down, so its Removed is never pushed
	s.SetSubscribeError(stderrors.New("network down"))
	s.FailSubscriptions(stderrors.New("network down"))
	waitState(t, m, StateBackoff)
	setFriends(t, s, "a", "b", false)
	_, stillCached := cache.Get("b")
	assert.True(t, stillCached)

	s.SetSubscribeError(nil)
	waitState(t, m, StateActive)
	require.Eventually(t, func() bool {
		_, ok := cache.Get("b")
		return !ok
	}, time.Second, 5*time.Millisecond)
	_, ok := cache.Get("c")
	assert.True(t, ok)

	assert.LessOrEqual(t, m.OpenHandles(), 1)
	assert.Equal(t, 1, s.OpenSubscriptions())
}

func TestManager_NeverHoldsTwoHandles(t *testing.T) {
	s := newStore(t, "a")
	m := NewManager(s, NewCache(), "a", fastBackoff)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	for i := 0; i < 10; i++ {
		waitState(t, m, StateActive)
		s.FailSubscriptions(stderrors.New("reset"))
		assert.LessOrEqual(t, s.OpenSubscriptions(), 1)
		assert.LessOrEqual(t, m.OpenHandles(), 1)
	}
}

func TestManager_CloseReleasesHandle(t *testing.T) {
	s := newStore(t, "a")
	m := NewManager(s, NewCache(), "a", fastBackoff)
	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateActive)
	assert.Equal(t, 1, s.OpenSubscriptions())

	m.Close()
	assert.Equal(t, StateClosed, m.Health().State)
	assert.Equal(t, 0, s.OpenSubscriptions())
	assert.Equal(t, 0, m.OpenHandles())

	// closed stays closed until an explicit Start
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateClosed, m.Health().State)

	require.NoError(t, m.Start(context.Background()))
	waitState(t, m, StateActive)
	m.Close()
}

func TestManager_ContextCancelCloses(t *testing.T) {
	s := newStore(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(s, NewCache(), "a", fastBackoff)
	require.NoError(t, m.Start(ctx))
	waitState(t, m, StateActive)

	cancel()
	waitState(t, m, StateClosed)
	assert.Eventually(t, func() bool { return s.OpenSubscriptions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStateText(t *testing.T) {
	for s := StateIdle; s <= StateClosed; s++ {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("sleeping")))
}
