// Package store is the boundary to the remote document store holding users
// and friend requests. MongoStore is the production driver; MemoryStore
// backs local development and tests.
package store

import (
	"context"
	"time"

	"go-where/models"
)

type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
	// Synced marks the end of the initial snapshot of a subscription.
	Synced
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// ChangeEvent is one pushed change to the watched friend set. Update is
// empty for Removed and Synced.
type ChangeEvent struct {
	Kind   ChangeKind
	Key    string
	Update models.PresenceUpdate
}

// Subscription is a live push channel. Events is closed when the
// subscription ends; Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

type ProfileUpdate struct {
	DisplayName     *string
	ProfileImageURL *string
}

// Tx is the view of the store inside a Batch. All writes made through a Tx
// commit together or not at all.
type Tx interface {
	User(ctx context.Context, key string) (*models.User, error)
	Request(ctx context.Context, id string) (*models.FriendRequest, error)
	// PendingRequest returns the pending request between a and b in either
	// direction, or nil when there is none.
	PendingRequest(ctx context.Context, a, b string) (*models.FriendRequest, error)
	InsertRequest(ctx context.Context, req *models.FriendRequest) error
	// SetRequestStatus resolves a pending request; it returns
	// ErrRequestResolved when the request is no longer pending.
	SetRequestStatus(ctx context.Context, id string, status models.RequestStatus, at time.Time) error
	AddFriend(ctx context.Context, key, friend string) error
	RemoveFriend(ctx context.Context, key, friend string) error
}

type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	User(ctx context.Context, key string) (*models.User, error)
	UsersByKeys(ctx context.Context, keys []string) ([]*models.User, error)
	UpdateProfile(ctx context.Context, key string, update ProfileUpdate) error
	Request(ctx context.Context, id string) (*models.FriendRequest, error)
	RequestsFor(ctx context.Context, key string, dir Direction, status models.RequestStatus) ([]*models.FriendRequest, error)

	// UpdateLocation writes the current location, copies it to the last
	// known location and bumps the server-assigned last_seen.
	UpdateLocation(ctx context.Context, key string, c models.Coordinate) error
	// ClearLocation removes the current location and keeps the last known one.
	ClearLocation(ctx context.Context, key string) error

	Batch(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// SubscribeFriendsOf watches every user whose friend set contains key.
	// The subscription first replays the current set as Added events
	// followed by Synced, then pushes changes.
	SubscribeFriendsOf(ctx context.Context, key string) (Subscription, error)

	Close(ctx context.Context) error
}
