package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go-where/config"
	"go-where/handlers"
	"go-where/metrics"
	"go-where/presence"
	"go-where/rabbitmq"
	"go-where/services"
	"go-where/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Driver, err)
	}

	// Redis
	var redisClient *redis.Client
	var geo services.GeoIndexer
	if cfg.Redis.Addr != "" {
		redisClient, err = services.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		geo = services.NewGeoService(redisClient)
	} else {
		log.Println("REDIS_ADDR not set, geo index and profile cache disabled")
	}

	publisher := rabbitmq.NewNoopPublisher()
	if cfg.AMQP.URL != "" {
		publisher, err = rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
	} else {
		log.Println("AMQP_URL not set, domain events disabled")
	}

	// Initialize services and handlers
	userService := services.NewUserService(st, redisClient, cfg.JWTSecret, cfg.JWTTTL)
	relationshipService := services.NewRelationshipService(st, publisher, userService)
	locationService := services.NewLocationService(st, geo, userService, services.ReporterOptions{
		MinDistance:       cfg.Presence.MinDistanceMeters,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
	})

	go locationService.RunSweeper(ctx)

	policy := presence.Policy{OnlineThreshold: cfg.Presence.OnlineThreshold}
	backoff := presence.DefaultBackoff()
	backoff.Initial = cfg.Presence.BackoffInitial
	backoff.Max = cfg.Presence.BackoffMax

	r := handlers.NewRouter(
		handlers.RouterConfig{JWTSecret: cfg.JWTSecret, AllowedOrigins: cfg.Server.AllowedOrigins},
		handlers.NewAuthHandler(userService),
		handlers.NewUserHandler(userService, locationService),
		handlers.NewFriendHandler(relationshipService, policy),
		handlers.NewPresenceHandler(st, locationService, policy, backoff, cfg.Presence.PushInterval, cfg.Server.AllowedOrigins),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Server starting on :%s (store: %s)", cfg.Server.Port, cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := publisher.Close(); err != nil {
		log.Printf("Failed to close publisher: %v", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("Failed to close Redis: %v", err)
		}
	}
	if err := st.Close(shutdownCtx); err != nil {
		log.Printf("Failed to close store: %v", err)
	}
	log.Println("Server exited")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == config.DriverMemory {
		log.Println("Using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := store.NewMongoStore(connectCtx, cfg.MongoDB.URI, cfg.MongoDB.Database)
	if err != nil {
		return nil, err
	}
	return st, nil
}
