package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go-where/metrics"
	"go-where/store"
	"go-where/utils/errors"

	"github.com/cenkalti/backoff/v5"
)

type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateIdle; candidate <= StateClosed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown presence state %q", text)
}

// Health is what the UI shows about the live connection. Attempts counts
// failures since the last successful subscribe.
type Health struct {
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

type BackoffConfig struct {
	Initial       time.Duration
	Max           time.Duration
	Multiplier    float64
	Randomization float64
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:       5 * time.Second,
		Max:           60 * time.Second,
		Multiplier:    2,
		Randomization: 0.5,
	}
}

func (c BackoffConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.MaxInterval = c.Max
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Randomization
	b.Reset()
	return b
}

var errStreamEnded = errors.New("presence stream ended")

// Manager keeps exactly one subscription to the friends of key open and
// feeds it into the cache, reconnecting with exponential backoff.
type Manager struct {
	store   store.Store
	cache   *Cache
	key     string
	backoff BackoffConfig

	handles atomic.Int32

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	since    time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewManager(st store.Store, cache *Cache, key string, cfg BackoffConfig) *Manager {
	return &Manager{
		store:   st,
		cache:   cache,
		key:     key,
		backoff: cfg,
		state:   StateIdle,
		since:   time.Now(),
	}
}

// Start begins subscribing. It is also the only way out of StateClosed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return errors.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateSubscribing)

	go m.run(runCtx, done)
	return nil
}

// Close stops the manager and waits until its subscription is released.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
}

func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{State: m.state, Attempts: m.attempts, Since: m.since}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
	}
	return h
}

// OpenHandles is the number of store subscriptions currently held.
func (m *Manager) OpenHandles() int { return int(m.handles.Load()) }

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.done == done {
			m.cancel = nil
			m.setStateLocked(StateClosed)
		}
		m.mu.Unlock()
		close(done)
	}()

	b := m.backoff.newBackOff()
	for {
		m.setState(StateSubscribing)
		sub, err := m.store.SubscribeFriendsOf(ctx, m.key)
		if err == nil {
			m.handles.Add(1)
			metrics.SubscriptionOpened()
			err = m.consume(ctx, sub, b)
			sub.Close()
			m.handles.Add(-1)
			metrics.SubscriptionClosed()
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		m.mu.Lock()
		m.attempts++
		m.lastErr = err
		m.setStateLocked(StateBackoff)
		m.mu.Unlock()
		metrics.IncSubscriptionReconnect()
		log.Printf("Presence subscription for %s failed, retrying in %s: %v", m.key, wait, err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// consume applies events until the subscription ends. Entries not replayed
// by the initial snapshot are evicted once Synced arrives.
func (m *Manager) consume(ctx context.Context, sub store.Subscription, b *backoff.ExponentialBackOff) error {
	seen := make(map[string]bool)
	synced := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errStreamEnded
			}
			switch ev.Kind {
			case store.Added, store.Modified:
				m.cache.Upsert(ev.Update)
				seen[ev.Key] = true
			case store.Removed:
				m.cache.Remove(ev.Key)
				delete(seen, ev.Key)
			case store.Synced:
				if synced {
					continue
				}
				synced = true
				m.cache.Retain(seen)
				b.Reset()
				m.mu.Lock()
				m.attempts = 0
				m.lastErr = nil
				m.setStateLocked(StateActive)
				m.mu.Unlock()
			}
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.since = time.Now()
}
