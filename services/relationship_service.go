package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"go-where/identity"
	"go-where/metrics"
	"go-where/models"
	"go-where/rabbitmq"
	"go-where/store"
	"go-where/utils/errors"
)

// UserCache drops cached user documents after writes.
type UserCache interface {
	Invalidate(ctx context.Context, keys ...string)
}

// RequestEvent is the payload of friend.request.* events.
type RequestEvent struct {
	RequestID string               `json:"request_id"`
	Sender    string               `json:"sender"`
	Receiver  string               `json:"receiver"`
	Status    models.RequestStatus `json:"status"`
}

// FriendshipEvent is the payload of friendship.* events.
type FriendshipEvent struct {
	UserKey   string `json:"user_key"`
	FriendKey string `json:"friend_key"`
}

// RelationshipService manages the symmetric friend graph. Every mutation
// touching two documents runs in one store batch; events are published
// only after the batch committed.
type RelationshipService struct {
	store     store.Store
	publisher rabbitmq.Publisher
	cache     UserCache
	now       func() time.Time
}

func NewRelationshipService(st store.Store, publisher rabbitmq.Publisher, cache UserCache) *RelationshipService {
	if publisher == nil {
		publisher = rabbitmq.NewNoopPublisher()
	}
	return &RelationshipService{store: st, publisher: publisher, cache: cache, now: time.Now}
}

// SendRequest creates a pending request from sender to receiver.
func (s *RelationshipService) SendRequest(ctx context.Context, sender, receiver string) (*models.FriendRequest, error) {
	sender, receiver = identity.NormalizeKey(sender), identity.NormalizeKey(receiver)

	req, err := s.sendRequest(ctx, sender, receiver)
	metrics.IncFriendRequest(metrics.Status(err))
	if err != nil {
		return nil, err
	}

	log.Printf("Friend request %s sent from %s to %s", req.ID, sender, receiver)
	s.logPublish(ctx, rabbitmq.FriendRequestCreated, requestEvent(req))
	return req, nil
}

func (s *RelationshipService) sendRequest(ctx context.Context, sender, receiver string) (*models.FriendRequest, error) {
	if sender == "" || receiver == "" || sender == receiver {
		return nil, errors.ErrInvalidTarget
	}

	var req *models.FriendRequest
	err := s.store.Batch(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.User(ctx, sender); err != nil {
			return err
		}
		recipient, err := tx.User(ctx, receiver)
		if err != nil {
			return err
		}
		if recipient.HasFriend(sender) {
			return errors.ErrAlreadyFriends
		}
		existing, err := tx.PendingRequest(ctx, sender, receiver)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.ErrDuplicateRequest
		}

		req = &models.FriendRequest{
			ID:        uuid.NewString(),
			Sender:    sender,
			Receiver:  receiver,
			Pair:      models.PairKey(sender, receiver),
			Status:    models.RequestPending,
			CreatedAt: s.now().UTC(),
		}
		return tx.InsertRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// AcceptRequest marks the request accepted and befriends both sides in the
// same batch. An already answered request yields ErrRequestResolved and
// changes nothing.
func (s *RelationshipService) AcceptRequest(ctx context.Context, receiver, requestID string) (*models.FriendRequest, error) {
	receiver = identity.NormalizeKey(receiver)

	var req *models.FriendRequest
	err := s.store.Batch(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		req, err = answerable(ctx, tx, receiver, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			return errors.ErrRequestResolved
		}

		at := s.now().UTC()
		if err := tx.SetRequestStatus(ctx, req.ID, models.RequestAccepted, at); err != nil {
			return err
		}
		if err := tx.AddFriend(ctx, req.Receiver, req.Sender); err != nil {
			return err
		}
		if err := tx.AddFriend(ctx, req.Sender, req.Receiver); err != nil {
			return err
		}
		req.Status = models.RequestAccepted
		req.ResolvedAt = &at
		return nil
	})
	metrics.IncFriendAccept(metrics.Status(err))
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, req.Sender, req.Receiver)
	log.Printf("Friend request %s accepted, %s and %s are now friends", req.ID, req.Sender, req.Receiver)
	s.logPublish(ctx, rabbitmq.FriendRequestAccepted, requestEvent(req))
	return req, nil
}

// RejectRequest marks a pending request rejected. Rejecting an already
// answered request is a no-op.
func (s *RelationshipService) RejectRequest(ctx context.Context, receiver, requestID string) error {
	receiver = identity.NormalizeKey(receiver)

	var (
		req     *models.FriendRequest
		changed bool
	)
	err := s.store.Batch(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		changed = false
		req, err = answerable(ctx, tx, receiver, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestPending {
			return nil
		}
		at := s.now().UTC()
		if err := tx.SetRequestStatus(ctx, req.ID, models.RequestRejected, at); err != nil {
			return err
		}
		req.Status = models.RequestRejected
		req.ResolvedAt = &at
		changed = true
		return nil
	})
	metrics.IncFriendReject(metrics.Status(err))
	if err != nil || !changed {
		return err
	}

	log.Printf("Friend request %s rejected by %s", req.ID, receiver)
	s.logPublish(ctx, rabbitmq.FriendRequestRejected, requestEvent(req))
	return nil
}

func answerable(ctx context.Context, tx store.Tx, receiver, requestID string) (*models.FriendRequest, error) {
	if requestID == "" {
		return nil, errors.ErrRequestNotFound
	}
	req, err := tx.Request(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Receiver != receiver {
		return nil, errors.ErrRequestForbidden
	}
	return req, nil
}

// RemoveFriend removes each user from the other's friend set. It does not
// require the friendship to exist, so it also repairs one-sided links.
func (s *RelationshipService) RemoveFriend(ctx context.Context, userKey, friendKey string) error {
	userKey, friendKey = identity.NormalizeKey(userKey), identity.NormalizeKey(friendKey)

	err := s.removeFriend(ctx, userKey, friendKey)
	metrics.IncFriendRemoval(metrics.Status(err))
	if err != nil {
		return err
	}

	s.invalidate(ctx, userKey, friendKey)
	log.Printf("Friendship between %s and %s removed", userKey, friendKey)
	s.logPublish(ctx, rabbitmq.FriendshipRemoved, FriendshipEvent{UserKey: userKey, FriendKey: friendKey})
	return nil
}

func (s *RelationshipService) removeFriend(ctx context.Context, userKey, friendKey string) error {
	if userKey == "" || friendKey == "" || userKey == friendKey {
		return errors.ErrInvalidTarget
	}
	return s.store.Batch(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.RemoveFriend(ctx, userKey, friendKey); err != nil {
			return err
		}
		// a deleted counterpart leaves nothing to repair on its side
		if err := tx.RemoveFriend(ctx, friendKey, userKey); err != nil && !errors.Is(err, errors.ErrUserNotFound) {
			return err
		}
		return nil
	})
}

func (s *RelationshipService) IncomingRequests(ctx context.Context, key string) ([]*models.FriendRequest, error) {
	return s.store.RequestsFor(ctx, identity.NormalizeKey(key), store.Incoming, models.RequestPending)
}

func (s *RelationshipService) OutgoingRequests(ctx context.Context, key string) ([]*models.FriendRequest, error) {
	return s.store.RequestsFor(ctx, identity.NormalizeKey(key), store.Outgoing, models.RequestPending)
}

// Friends returns the user documents of key's friends.
func (s *RelationshipService) Friends(ctx context.Context, key string) ([]*models.User, error) {
	user, err := s.store.User(ctx, identity.NormalizeKey(key))
	if err != nil {
		return nil, err
	}
	return s.store.UsersByKeys(ctx, user.Friends)
}

func (s *RelationshipService) invalidate(ctx context.Context, keys ...string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, keys...)
	}
}

func (s *RelationshipService) logPublish(ctx context.Context, routingKey string, event any) {
	err := s.publisher.Publish(ctx, routingKey, event)
	metrics.IncEventPublished(routingKey, metrics.Status(err))
	if err != nil {
		log.Printf("Failed to publish %s: %v", routingKey, err)
	}
}

func requestEvent(req *models.FriendRequest) RequestEvent {
	return RequestEvent{RequestID: req.ID, Sender: req.Sender, Receiver: req.Receiver, Status: req.Status}
}
