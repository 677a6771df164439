package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/chatalot/internal/auth"
	"github.com/jaydenbeard/chatalot/internal/config"
	"github.com/jaydenbeard/chatalot/internal/hub"
	"github.com/jaydenbeard/chatalot/internal/metrics"
	"github.com/jaydenbeard/chatalot/internal/ratelimit"
	"github.com/jaydenbeard/chatalot/internal/store"
)

func main() {
	cfg := config.Load()
	log.Printf("[chatalotd] starting server %s", cfg.ServerID)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[chatalotd] failed to open store: %v", err)
	}
	defer closeStore()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("[chatalotd] failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	authService := auth.NewService(cfg.IdentityPrivateKey, cfg.IdentityPublicKey, st, auth.NewRedisBlacklist(redisClient))

	connManager := hub.NewConnectionManager()
	dispatcher := hub.NewDispatcher(st, connManager, cfg.ServerVersion)
	wsServer := hub.NewServer(dispatcher, authService, cfg.AllowedOrigins, cfg.ServerVersion)

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.Handle("/ws", wsServer).Methods(http.MethodGet)

	handler := limiter.Middleware(metrics.Middleware(router))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[chatalotd] listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[chatalotd] server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("[chatalotd] received signal %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[chatalotd] shutdown error: %v", err)
	}
	log.Println("[chatalotd] stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

// openStore wires the configured store.Store backend and returns its
// shutdown hook.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		pg, err := store.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	case config.StoreBackendMemory:
		return store.NewMemoryStore(), func() {}, nil
	default:
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() { lite.Close() }, nil
	}
}
