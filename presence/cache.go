// Package presence keeps the local view of friends' presence in sync with
// the remote store and derives online status from it.
package presence

import (
	"sort"
	"sync"
	"sync/atomic"

	"go-where/models"
)

// Cache holds the latest known entry per friend. Writers serialize on a
// mutex; readers load an immutable snapshot without locking.
type Cache struct {
	mu      sync.Mutex
	entries map[string]models.PresenceEntry

	snapshot atomic.Pointer[[]models.PresenceEntry]
	changes  chan struct{}
}

func NewCache() *Cache {
	c := &Cache{
		entries: make(map[string]models.PresenceEntry),
		changes: make(chan struct{}, 1),
	}
	c.snapshot.Store(&[]models.PresenceEntry{})
	return c
}

// Upsert merges a possibly partial update. Fields absent from the update
// keep their value; the live location is only removed by ClearLocation.
func (c *Cache) Upsert(up models.PresenceUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[up.Key]
	if !ok {
		e = models.PresenceEntry{Key: up.Key}
	}
	if up.DisplayName != nil {
		e.DisplayName = *up.DisplayName
	}
	if up.ProfileImageURL != nil {
		e.ProfileImageURL = *up.ProfileImageURL
	}
	if up.ClearLocation {
		e.Location = nil
	} else if up.Location != nil {
		loc := *up.Location
		e.Location = &loc
	}
	if up.LastKnownLocation != nil {
		loc := *up.LastKnownLocation
		e.LastKnownLocation = &loc
	}
	if up.LastSeen != nil && up.LastSeen.After(e.LastSeen) {
		e.LastSeen = *up.LastSeen
	}
	c.entries[up.Key] = e
	c.publishLocked()
}

func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	c.publishLocked()
}

// Retain removes every entry whose key is not in keep.
func (c *Cache) Retain(keep map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for key := range c.entries {
		if !keep[key] {
			delete(c.entries, key)
			removed = true
		}
	}
	if removed {
		c.publishLocked()
	}
}

func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]models.PresenceEntry)
	c.publishLocked()
}

// Snapshot returns the entries ordered by display name, then key. The
// returned slice is the caller's.
func (c *Cache) Snapshot() []models.PresenceEntry {
	snap := *c.snapshot.Load()
	out := make([]models.PresenceEntry, len(snap))
	copy(out, snap)
	return out
}

func (c *Cache) Get(key string) (models.PresenceEntry, bool) {
	for _, e := range *c.snapshot.Load() {
		if e.Key == key {
			return e, true
		}
	}
	return models.PresenceEntry{}, false
}

func (c *Cache) Len() int { return len(*c.snapshot.Load()) }

// Changes signals after every write. Signals coalesce; readers should take
// a fresh Snapshot on each receive.
func (c *Cache) Changes() <-chan struct{} { return c.changes }

func (c *Cache) publishLocked() {
	snap := make([]models.PresenceEntry, 0, len(c.entries))
	for _, e := range c.entries {
		snap = append(snap, e)
	}
	sort.Slice(snap, func(i, j int) bool {
		if snap[i].DisplayName != snap[j].DisplayName {
			return snap[i].DisplayName < snap[j].DisplayName
		}
		return snap[i].Key < snap[j].Key
	})
	c.snapshot.Store(&snap)

	select {
	case c.changes <- struct{}{}:
	default:
	}
}
