package services

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"go-where/models"
)

const usersGeoKey = "users:geo"

// GeoIndexer mirrors reported positions into a spatial index.
type GeoIndexer interface {
	Index(ctx context.Context, key string, c models.Coordinate) error
	Remove(ctx context.Context, key string) error
}

type GeoHit struct {
	Key      string
	Lat      float64
	Lon      float64
	Distance float64 // km
}

type GeoService struct {
	RedisClient *redis.Client
}

func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Println("Connected to Redis")
	return client, nil
}

func NewGeoService(client *redis.Client) *GeoService {
	return &GeoService{RedisClient: client}
}

func (s *GeoService) Index(ctx context.Context, key string, c models.Coordinate) error {
	return s.RedisClient.GeoAdd(ctx, usersGeoKey, &redis.GeoLocation{
		Name:      key,
		Longitude: c.Lon,
		Latitude:  c.Lat,
	}).Err()
}

func (s *GeoService) Remove(ctx context.Context, key string) error {
	return s.RedisClient.ZRem(ctx, usersGeoKey, key).Err()
}

// Nearby returns indexed users within radiusKm of c, closest first.
func (s *GeoService) Nearby(ctx context.Context, c models.Coordinate, radiusKm float64) ([]GeoHit, error) {
	geoResults, err := s.RedisClient.GeoRadius(ctx, usersGeoKey, c.Lon, c.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		log.Printf("Redis GeoRadius error: %v", err)
		return nil, err
	}

	hits := make([]GeoHit, 0, len(geoResults))
	for _, r := range geoResults {
		hits = append(hits, GeoHit{Key: r.Name, Lat: r.Latitude, Lon: r.Longitude, Distance: r.Dist})
	}
	return hits, nil
}
