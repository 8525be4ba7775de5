package presence

import (
	"context"
	"sync"
	"time"

	"go-where/identity"
	"go-where/store"
	"go-where/utils/errors"
)

// Session binds a presence cache and manager to an identity. Signing in as
// someone else tears down the old subscription and clears the cache before
// subscribing for the new key.
type Session struct {
	identity *identity.Context
	store    store.Store
	cache    *Cache
	policy   Policy
	backoff  BackoffConfig

	mu          sync.Mutex
	ctx         context.Context
	manager     *Manager
	unsubscribe func()
}

func NewSession(id *identity.Context, st store.Store, policy Policy, cfg BackoffConfig) *Session {
	return &Session{
		identity: id,
		store:    st,
		cache:    NewCache(),
		policy:   policy,
		backoff:  cfg,
	}
}

func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	s.ctx = ctx
	s.unsubscribe = s.identity.OnIdentityChange(s.switchTo)
	s.mu.Unlock()

	if key, ok := s.identity.CurrentUserKey(); ok {
		s.switchTo(key)
	}
	return nil
}

func (s *Session) switchTo(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsubscribe == nil {
		return
	}
	if s.manager != nil {
		s.manager.Close()
		s.manager = nil
	}
	s.cache.Reset()
	if key == "" {
		return
	}
	s.manager = NewManager(s.store, s.cache, key, s.backoff)
	_ = s.manager.Start(s.ctx)
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.manager != nil {
		s.manager.Close()
		s.manager = nil
	}
}

func (s *Session) Cache() *Cache { return s.cache }

func (s *Session) Policy() Policy { return s.policy }

func (s *Session) View(now time.Time) []FriendView {
	return s.policy.View(s.cache.Snapshot(), now)
}

func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager == nil {
		return Health{State: StateIdle}
	}
	return s.manager.Health()
}

// OpenHandles is the number of store subscriptions this session holds.
func (s *Session) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager == nil {
		return 0
	}
	return s.manager.OpenHandles()
}
