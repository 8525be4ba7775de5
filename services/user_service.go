package services

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"go-where/identity"
	"go-where/models"
	"go-where/store"
	"go-where/utils/errors"
)

const userCacheTTL = 24 * time.Hour

type UserService struct {
	store       store.Store
	redisClient *redis.Client
	geo         *GeoService
	jwtSecret   string
	jwtTTL      time.Duration
}

type NearbyFriend struct {
	Key         string  `json:"key"`
	DisplayName string  `json:"display_name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Distance    float64 `json:"distance"` // km
}

// NewUserService works without Redis; redisClient may be nil, in which case
// nothing is cached and nearby queries scan the friend list.
func NewUserService(st store.Store, redisClient *redis.Client, jwtSecret string, jwtTTL time.Duration) *UserService {
	s := &UserService{
		store:       st,
		redisClient: redisClient,
		jwtSecret:   jwtSecret,
		jwtTTL:      jwtTTL,
	}
	if redisClient != nil {
		s.geo = NewGeoService(redisClient)
	}
	return s
}

// GetUser retrieves a user from Redis or the store
func (s *UserService) GetUser(ctx context.Context, key string) (*models.User, error) {
	key = identity.NormalizeKey(key)

	if s.redisClient != nil {
		userJSON, err := s.redisClient.Get(ctx, "user:"+key).Result()
		if err == nil {
			var user models.User
			if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
				log.Printf("Failed to unmarshal user %s: %v", key, err)
			} else {
				return &user, nil
			}
		}
	}

	user, err := s.store.User(ctx, key)
	if err != nil {
		return nil, err
	}

	if s.redisClient != nil {
		userJSON, err := json.Marshal(user)
		if err != nil {
			return user, nil
		}
		if err := s.redisClient.Set(ctx, "user:"+key, userJSON, userCacheTTL).Err(); err != nil {
			log.Printf("Failed to cache user %s: %v", key, err)
		}
	}
	return user, nil
}

func (s *UserService) Invalidate(ctx context.Context, keys ...string) {
	if s == nil || s.redisClient == nil || len(keys) == 0 {
		return
	}
	cacheKeys := make([]string, len(keys))
	for i, k := range keys {
		cacheKeys[i] = "user:" + k
	}
	if err := s.redisClient.Del(ctx, cacheKeys...).Err(); err != nil {
		log.Printf("Failed to invalidate cached users %v: %v", keys, err)
	}
}

// UpdateProfile writes the profile fields, drops the cached copy and reads
// the result back, each step awaited before the next.
func (s *UserService) UpdateProfile(ctx context.Context, key string, update store.ProfileUpdate) (*models.User, error) {
	key = identity.NormalizeKey(key)
	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		if name == "" {
			return nil, errors.NewAPIError("INVALID_DISPLAY_NAME", "Display name cannot be empty", errors.ErrInvalidInput.Status)
		}
		update.DisplayName = &name
	}

	if err := s.store.UpdateProfile(ctx, key, update); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, key)
	return s.GetUser(ctx, key)
}

// NearbyFriends returns friends currently sharing a location within
// radiusKm of c, closest first.
func (s *UserService) NearbyFriends(ctx context.Context, key string, c models.Coordinate, radiusKm float64) ([]NearbyFriend, error) {
	if !c.Valid() {
		return nil, errors.ErrInvalidLocation
	}
	if radiusKm <= 0 {
		return nil, errors.ErrInvalidInput
	}

	user, err := s.store.User(ctx, identity.NormalizeKey(key))
	if err != nil {
		return nil, err
	}
	if len(user.Friends) == 0 {
		return []NearbyFriend{}, nil
	}

	if s.geo != nil {
		return s.nearbyFromIndex(ctx, user, c, radiusKm)
	}
	return s.nearbyFromStore(ctx, user, c, radiusKm)
}

func (s *UserService) nearbyFromIndex(ctx context.Context, user *models.User, c models.Coordinate, radiusKm float64) ([]NearbyFriend, error) {
	hits, err := s.geo.Nearby(ctx, c, radiusKm)
	if err != nil {
		return nil, errors.Transport(err)
	}

	var keys []string
	for _, hit := range hits {
		if user.HasFriend(hit.Key) {
			keys = append(keys, hit.Key)
		}
	}
	friends, err := s.store.UsersByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(friends))
	for _, f := range friends {
		names[f.Key] = f.DisplayName
	}

	nearby := []NearbyFriend{}
	for _, hit := range hits {
		name, ok := names[hit.Key]
		if !ok {
			continue
		}
		nearby = append(nearby, NearbyFriend{
			Key:         hit.Key,
			DisplayName: name,
			Lat:         hit.Lat,
			Lon:         hit.Lon,
			Distance:    hit.Distance,
		})
	}
	return nearby, nil
}

func (s *UserService) nearbyFromStore(ctx context.Context, user *models.User, c models.Coordinate, radiusKm float64) ([]NearbyFriend, error) {
	friends, err := s.store.UsersByKeys(ctx, user.Friends)
	if err != nil {
		return nil, err
	}

	nearby := []NearbyFriend{}
	for _, f := range friends {
		loc := f.Location.Coordinate()
		if loc == nil {
			continue
		}
		dist := c.DistanceTo(*loc) / 1000
		if dist > radiusKm {
			continue
		}
		nearby = append(nearby, NearbyFriend{
			Key:         f.Key,
			DisplayName: f.DisplayName,
			Lat:         loc.Lat,
			Lon:         loc.Lon,
			Distance:    dist,
		})
	}
	sort.Slice(nearby, func(i, j int) bool { return nearby[i].Distance < nearby[j].Distance })
	return nearby, nil
}
