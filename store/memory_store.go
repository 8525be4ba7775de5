package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-where/models"
	"go-where/utils/errors"
)

// MemoryStore keeps users and requests in process. Batches work on a
// copy of the maps and swap it in on success, so a failed batch leaves no
// trace. Subscribers get the same partial change events the Mongo change
// stream produces.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	requests map[string]*models.FriendRequest
	subs     map[*memorySubscription]struct{}

	now          func() time.Time
	subscribeErr error
	writeErr     error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*models.User),
		requests: make(map[string]*models.FriendRequest),
		subs:     make(map[*memorySubscription]struct{}),
		now:      time.Now,
	}
}

// SetClock replaces the server clock used for last_seen and resolved_at.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetSubscribeError makes every following SubscribeFriendsOf call fail
// with err until it is reset with nil.
func (s *MemoryStore) SetSubscribeError(err error) {
	s.mu.Lock()
	s.subscribeErr = err
	s.mu.Unlock()
}

// SetWriteError makes every following write fail with err until it is
// reset with nil.
func (s *MemoryStore) SetWriteError(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// FailSubscriptions ends every open subscription with err.
func (s *MemoryStore) FailSubscriptions(err error) {
	s.mu.Lock()
	subs := make([]*memorySubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.end(err)
	}
}

func (s *MemoryStore) OpenSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return errors.Transport(s.writeErr)
	}
	if _, ok := s.users[user.Key]; ok {
		return errors.ErrUserExists
	}
	u := user.Clone()
	if u.Friends == nil {
		u.Friends = []string{}
	}
	s.users[u.Key] = u
	s.publishLocked([]userChange{{after: u}})
	return nil
}

func (s *MemoryStore) User(ctx context.Context, key string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[key]
	if !ok {
		return nil, errors.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) UsersByKeys(ctx context.Context, keys []string) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]*models.User, 0, len(keys))
	for _, key := range keys {
		if u, ok := s.users[key]; ok {
			users = append(users, u.Clone())
		}
	}
	return users, nil
}

func (s *MemoryStore) UpdateProfile(ctx context.Context, key string, update ProfileUpdate) error {
	return s.mutateUser(key, func(u *models.User) {
		if update.DisplayName != nil {
			u.DisplayName = *update.DisplayName
		}
		if update.ProfileImageURL != nil {
			u.ProfileImageURL = *update.ProfileImageURL
		}
	})
}

func (s *MemoryStore) UpdateLocation(ctx context.Context, key string, c models.Coordinate) error {
	if !c.Valid() {
		return errors.ErrInvalidLocation
	}
	return s.mutateUser(key, func(u *models.User) {
		u.Location = models.NewGeoPoint(c)
		u.LastKnownLocation = models.NewGeoPoint(c)
		if now := s.now(); now.After(u.LastSeen) {
			u.LastSeen = now
		}
	})
}

func (s *MemoryStore) ClearLocation(ctx context.Context, key string) error {
	return s.mutateUser(key, func(u *models.User) {
		u.Location = nil
	})
}

func (s *MemoryStore) mutateUser(key string, fn func(u *models.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return errors.Transport(s.writeErr)
	}
	before, ok := s.users[key]
	if !ok {
		return errors.ErrUserNotFound
	}
	after := before.Clone()
	fn(after)
	s.users[key] = after
	s.publishLocked([]userChange{{before: before, after: after}})
	return nil
}

func (s *MemoryStore) Request(ctx context.Context, id string) (*models.FriendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, errors.ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryStore) RequestsFor(ctx context.Context, key string, dir Direction, status models.RequestStatus) ([]*models.FriendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.FriendRequest
	for _, req := range s.requests {
		if req.Status != status {
			continue
		}
		if (dir == Incoming && req.Receiver == key) || (dir == Outgoing && req.Sender == key) {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Batch holds the store lock for the whole of fn; fn must only use tx.
func (s *MemoryStore) Batch(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return errors.Transport(s.writeErr)
	}

	tx := &memoryTx{
		users:    make(map[string]*models.User, len(s.users)),
		requests: make(map[string]*models.FriendRequest, len(s.requests)),
		touched:  make(map[string]bool),
		now:      s.now,
	}
	for k, u := range s.users {
		tx.users[k] = u
	}
	for k, r := range s.requests {
		tx.requests[k] = r
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Transport(err)
	}

	changes := make([]userChange, 0, len(tx.touched))
	for key := range tx.touched {
		changes = append(changes, userChange{before: s.users[key], after: tx.users[key]})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].after.Key < changes[j].after.Key })

	s.users = tx.users
	s.requests = tx.requests
	s.publishLocked(changes)
	return nil
}

func (s *MemoryStore) SubscribeFriendsOf(ctx context.Context, key string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribeErr != nil {
		return nil, errors.Transport(s.subscribeErr)
	}

	sub := newMemorySubscription(s, key)
	var snapshot []*models.User
	for _, u := range s.users {
		if u.HasFriend(key) {
			snapshot = append(snapshot, u)
		}
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Key < snapshot[j].Key })
	for _, u := range snapshot {
		sub.push(ChangeEvent{Kind: Added, Key: u.Key, Update: models.UpdateFromUser(u)})
	}
	sub.push(ChangeEvent{Kind: Synced})
	s.subs[sub] = struct{}{}

	go sub.pump()
	go func() {
		select {
		case <-ctx.Done():
			sub.end(ctx.Err())
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	s.FailSubscriptions(nil)
	return nil
}

func (s *MemoryStore) removeSub(sub *memorySubscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

type userChange struct {
	before, after *models.User
}

func (s *MemoryStore) publishLocked(changes []userChange) {
	for sub := range s.subs {
		for _, c := range changes {
			if ev, ok := eventFor(sub.key, c.before, c.after); ok {
				sub.push(ev)
			}
		}
	}
}

// eventFor derives what a watcher of key sees when a user document goes
// from before to after. Either side may be nil.
func eventFor(key string, before, after *models.User) (ChangeEvent, bool) {
	wasMember := before != nil && before.HasFriend(key)
	isMember := after != nil && after.HasFriend(key)

	switch {
	case !wasMember && isMember:
		return ChangeEvent{Kind: Added, Key: after.Key, Update: models.UpdateFromUser(after)}, true
	case wasMember && !isMember:
		return ChangeEvent{Kind: Removed, Key: before.Key}, true
	case wasMember && isMember:
		up, changed := diffUser(before, after)
		if !changed {
			return ChangeEvent{}, false
		}
		return ChangeEvent{Kind: Modified, Key: after.Key, Update: up}, true
	}
	return ChangeEvent{}, false
}

func diffUser(before, after *models.User) (models.PresenceUpdate, bool) {
	up := models.PresenceUpdate{Key: after.Key}
	changed := false

	if before.DisplayName != after.DisplayName {
		name := after.DisplayName
		up.DisplayName = &name
		changed = true
	}
	if before.ProfileImageURL != after.ProfileImageURL {
		image := after.ProfileImageURL
		up.ProfileImageURL = &image
		changed = true
	}
	if !sameCoordinate(before.Location.Coordinate(), after.Location.Coordinate()) {
		if after.Location == nil {
			up.ClearLocation = true
		} else {
			up.Location = after.Location.Coordinate()
		}
		changed = true
	}
	if lk := after.LastKnownLocation.Coordinate(); lk != nil && !sameCoordinate(before.LastKnownLocation.Coordinate(), lk) {
		up.LastKnownLocation = lk
		changed = true
	}
	if !before.LastSeen.Equal(after.LastSeen) {
		seen := after.LastSeen
		up.LastSeen = &seen
		changed = true
	}
	return up, changed
}

func sameCoordinate(a, b *models.Coordinate) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type memoryTx struct {
	users    map[string]*models.User
	requests map[string]*models.FriendRequest
	touched  map[string]bool
	now      func() time.Time
}

func (tx *memoryTx) User(ctx context.Context, key string) (*models.User, error) {
	u, ok := tx.users[key]
	if !ok {
		return nil, errors.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (tx *memoryTx) Request(ctx context.Context, id string) (*models.FriendRequest, error) {
	req, ok := tx.requests[id]
	if !ok {
		return nil, errors.ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (tx *memoryTx) PendingRequest(ctx context.Context, a, b string) (*models.FriendRequest, error) {
	pair := models.PairKey(a, b)
	for _, req := range tx.requests {
		if req.Pair == pair && req.Status == models.RequestPending {
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) InsertRequest(ctx context.Context, req *models.FriendRequest) error {
	if _, ok := tx.requests[req.ID]; ok {
		return errors.ErrDuplicateRequest
	}
	if req.Status == models.RequestPending {
		if existing, _ := tx.PendingRequest(ctx, req.Sender, req.Receiver); existing != nil {
			return errors.ErrDuplicateRequest
		}
	}
	cp := *req
	cp.Pair = models.PairKey(req.Sender, req.Receiver)
	tx.requests[cp.ID] = &cp
	return nil
}

func (tx *memoryTx) SetRequestStatus(ctx context.Context, id string, status models.RequestStatus, at time.Time) error {
	req, ok := tx.requests[id]
	if !ok {
		return errors.ErrRequestNotFound
	}
	if req.Status != models.RequestPending {
		return errors.ErrRequestResolved
	}
	cp := *req
	cp.Status = status
	cp.ResolvedAt = &at
	tx.requests[id] = &cp
	return nil
}

func (tx *memoryTx) AddFriend(ctx context.Context, key, friend string) error {
	return tx.mutate(key, func(u *models.User) {
		if !u.HasFriend(friend) {
			u.Friends = append(u.Friends, friend)
		}
	})
}

func (tx *memoryTx) RemoveFriend(ctx context.Context, key, friend string) error {
	return tx.mutate(key, func(u *models.User) {
		kept := u.Friends[:0]
		for _, f := range u.Friends {
			if f != friend {
				kept = append(kept, f)
			}
		}
		u.Friends = kept
	})
}

func (tx *memoryTx) mutate(key string, fn func(u *models.User)) error {
	u, ok := tx.users[key]
	if !ok {
		return errors.ErrUserNotFound
	}
	cp := u.Clone()
	fn(cp)
	tx.users[key] = cp
	tx.touched[key] = true
	return nil
}

type memorySubscription struct {
	store *MemoryStore
	key   string
	out   chan ChangeEvent

	mu     sync.Mutex
	queue  []ChangeEvent
	ended  bool
	err    error
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMemorySubscription(s *MemoryStore, key string) *memorySubscription {
	return &memorySubscription{
		store:  s,
		key:    key,
		out:    make(chan ChangeEvent),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *memorySubscription) Events() <-chan ChangeEvent { return s.out }

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.end(nil)
	return nil
}

// push never blocks so publishers can hold the store lock.
func (s *memorySubscription) push(ev ChangeEvent) {
	s.mu.Lock()
	if !s.ended {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.err = err
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		s.store.removeSub(s)
	})
}

func (s *memorySubscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
