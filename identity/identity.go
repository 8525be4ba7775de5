// Package identity carries the signed-in user's key explicitly instead of
// through ambient lookups.
package identity

import (
	"context"
	"strings"
	"sync"
)

// NormalizeKey lowercases and trims an email-like user key.
func NormalizeKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Context is the identity of one client session. It is safe for
// concurrent use.
type Context struct {
	mu        sync.RWMutex
	key       string
	nextID    int
	listeners map[int]func(key string)
}

func NewContext(key string) *Context {
	return &Context{key: NormalizeKey(key), listeners: make(map[int]func(string))}
}

// CurrentUserKey returns the signed-in key, or false when signed out.
func (c *Context) CurrentUserKey() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key, c.key != ""
}

// OnIdentityChange registers fn for sign-in/sign-out notifications. The
// key passed to fn is empty on sign-out. The returned func unregisters.
func (c *Context) OnIdentityChange(fn func(key string)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Context) SignIn(key string) { c.set(NormalizeKey(key)) }

func (c *Context) SignOut() { c.set("") }

func (c *Context) set(key string) {
	c.mu.Lock()
	if c.key == key {
		c.mu.Unlock()
		return
	}
	c.key = key
	fns := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}

type ctxKey struct{}

// WithUserKey attaches an authenticated user key to a request context.
func WithUserKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxKey{}, NormalizeKey(key))
}

func UserKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(ctxKey{}).(string)
	return key, ok && key != ""
}
