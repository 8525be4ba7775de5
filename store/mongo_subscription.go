package store

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"go-where/models"
	"go-where/utils/errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// changeDoc is the subset of a change stream event we read.
type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument      *models.User       `bson:"fullDocument"`
	UpdateDescription *updateDescription `bson:"updateDescription"`
}

type updateDescription struct {
	UpdatedFields bson.Raw `bson:"updatedFields"`
	RemovedFields []string `bson:"removedFields"`
}

// presenceFields are the scalar user fields a watcher cares about. The two
// location fields are not decoded here: pipeline updates report them as
// dotted sub-paths, so they are read from the looked-up document instead.
type presenceFields struct {
	DisplayName     *string    `bson:"display_name"`
	ProfileImageURL *string    `bson:"profile_image_url"`
	LastSeen        *time.Time `bson:"last_seen"`
}

// SubscribeFriendsOf opens the change stream before reading the snapshot so
// no write between the two is lost. The server drops writes to users that
// never list key; membership itself is tracked client-side because deletes
// and unfriending no longer carry a matching document.
func (s *MongoStore) SubscribeFriendsOf(ctx context.Context, key string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	cs, err := s.users.Watch(subCtx, friendsOfPipeline(key), options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, errors.Transport(err)
	}

	cursor, err := s.users.Find(subCtx, bson.M{"friends": key}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		cancel()
		_ = cs.Close(context.Background())
		return nil, errors.Transport(err)
	}
	var snapshot []*models.User
	err = cursor.All(subCtx, &snapshot)
	if err != nil {
		cancel()
		_ = cs.Close(context.Background())
		return nil, errors.Transport(err)
	}

	sub := &mongoSubscription{
		key:     key,
		cs:      cs,
		out:     make(chan ChangeEvent),
		cancel:  cancel,
		done:    make(chan struct{}),
		members: make(map[string]bool, len(snapshot)),
	}
	go sub.run(subCtx, snapshot)
	return sub, nil
}

// friendsOfPipeline keeps events from users listing key, plus anything that
// can end a membership: deletes, replaces and friend-set updates. Every
// other write by a stranger is filtered out before the lookup reaches us.
func friendsOfPipeline(key string) mongo.Pipeline {
	return mongo.Pipeline{{{Key: "$match", Value: bson.M{
		"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}},
		"$or": bson.A{
			bson.M{"fullDocument.friends": key},
			bson.M{"operationType": bson.M{"$in": bson.A{"delete", "replace"}}},
			bson.M{"updateDescription.updatedFields.friends": bson.M{"$exists": true}},
		},
	}}}}
}

type mongoSubscription struct {
	key     string
	cs      *mongo.ChangeStream
	out     chan ChangeEvent
	cancel  context.CancelFunc
	done    chan struct{}
	members map[string]bool

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *mongoSubscription) Events() <-chan ChangeEvent { return s.out }

func (s *mongoSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *mongoSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}

func (s *mongoSubscription) run(ctx context.Context, snapshot []*models.User) {
	defer close(s.done)
	defer close(s.out)
	defer s.cs.Close(context.Background())

	for _, u := range snapshot {
		s.members[u.Key] = true
		if !s.send(ctx, ChangeEvent{Kind: Added, Key: u.Key, Update: models.UpdateFromUser(u)}) {
			s.finish(ctx.Err())
			return
		}
	}
	if !s.send(ctx, ChangeEvent{Kind: Synced}) {
		s.finish(ctx.Err())
		return
	}

	for s.cs.Next(ctx) {
		var doc changeDoc
		if err := s.cs.Decode(&doc); err != nil {
			log.Printf("Failed to decode change event for %s: %v", s.key, err)
			continue
		}
		for _, ev := range translateChange(s.key, s.members, &doc) {
			if !s.send(ctx, ev) {
				s.finish(ctx.Err())
				return
			}
		}
	}
	if err := s.cs.Err(); err != nil {
		s.finish(err)
		return
	}
	s.finish(ctx.Err())
}

func (s *mongoSubscription) send(ctx context.Context, ev ChangeEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *mongoSubscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err != nil {
		s.err = errors.Transport(err)
	}
}

// translateChange turns one change stream event into what a watcher of me
// sees. members is updated in place.
func translateChange(me string, members map[string]bool, doc *changeDoc) []ChangeEvent {
	key := doc.DocumentKey.ID
	wasMember := members[key]

	if doc.OperationType == "delete" {
		if !wasMember {
			return nil
		}
		delete(members, key)
		return []ChangeEvent{{Kind: Removed, Key: key}}
	}

	// an update whose lookup found nothing was deleted in the meantime; the
	// delete event follows
	if doc.FullDocument == nil {
		return nil
	}
	isMember := doc.FullDocument.HasFriend(me)

	switch {
	case !wasMember && isMember:
		members[key] = true
		return []ChangeEvent{{Kind: Added, Key: key, Update: models.UpdateFromUser(doc.FullDocument)}}
	case wasMember && !isMember:
		delete(members, key)
		return []ChangeEvent{{Kind: Removed, Key: key}}
	case !isMember:
		return nil
	}

	if doc.OperationType != "update" || doc.UpdateDescription == nil {
		return []ChangeEvent{{Kind: Modified, Key: key, Update: models.UpdateFromUser(doc.FullDocument)}}
	}
	up, ok := partialUpdate(key, doc.UpdateDescription, doc.FullDocument)
	if !ok {
		return nil
	}
	return []ChangeEvent{{Kind: Modified, Key: key, Update: up}}
}

// partialUpdate builds the update for the fields an event touched. Scalars
// come from updatedFields; a touched location field, at any depth, is taken
// from full.
func partialUpdate(key string, desc *updateDescription, full *models.User) (models.PresenceUpdate, bool) {
	var f presenceFields
	paths := append([]string(nil), desc.RemovedFields...)
	if len(desc.UpdatedFields) > 0 {
		if err := bson.Unmarshal(desc.UpdatedFields, &f); err != nil {
			log.Printf("Failed to decode updated fields for %s: %v", key, err)
			return models.PresenceUpdate{}, false
		}
		elems, err := desc.UpdatedFields.Elements()
		if err != nil {
			log.Printf("Failed to read updated fields for %s: %v", key, err)
			return models.PresenceUpdate{}, false
		}
		for _, e := range elems {
			paths = append(paths, e.Key())
		}
	}

	up := models.PresenceUpdate{
		Key:             key,
		DisplayName:     f.DisplayName,
		ProfileImageURL: f.ProfileImageURL,
		LastSeen:        f.LastSeen,
	}
	if touches(paths, "location") {
		if loc := full.Location.Coordinate(); loc != nil {
			up.Location = loc
		} else {
			up.ClearLocation = true
		}
	}
	if touches(paths, "last_known_location") {
		up.LastKnownLocation = full.LastKnownLocation.Coordinate()
	}

	relevant := up.DisplayName != nil || up.ProfileImageURL != nil || up.Location != nil ||
		up.LastKnownLocation != nil || up.LastSeen != nil || up.ClearLocation
	return up, relevant
}

// touches reports whether any path is field or lies under it.
func touches(paths []string, field string) bool {
	for _, p := range paths {
		if p == field || strings.HasPrefix(p, field+".") {
			return true
		}
	}
	return false
}
