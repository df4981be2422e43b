package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"collab-relay/internal/api"
	"collab-relay/internal/config"
	"collab-relay/internal/db"
	"collab-relay/internal/repository"
	"collab-relay/internal/services/collaboration"
	"collab-relay/internal/telemetry"
)

const version = "0.1.0"

/*
STARTUP AND SHUTDOWN ORDER

  config → tracing → metrics → persistence → registry → HTTP server
  SIGINT/SIGTERM → stop accepting HTTP → close sessions and flush documents
                 → close persistence → flush spans
*/

// store is a persistence backend the registry and the snapshot API share
type store interface {
	collaboration.Persistence
	api.SnapshotCatalog
	io.Closer
}

// postgresStore closes the connection pool behind the snapshot repository
type postgresStore struct {
	*repository.SnapshotRepositoryImpl
	*db.GormDB
}

func main() {
	log.Println("🚀 Starting collaboration relay...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	jaegerShutdown, err := telemetry.InitJaeger("collab-relay", version, cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(promReg)

	persistence, err := openStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open %s persistence: %v", cfg.Persistence, err)
	}
	if persistence != nil {
		defer persistence.Close()
	}

	regCfg := collaboration.Config{
		PingInterval:       cfg.PingInterval,
		SendQueueSize:      cfg.SendQueueSize,
		PersistTimeout:     cfg.PersistTimeout,
		EvictRetryInterval: cfg.EvictRetryInterval,
		EvictRetryMax:      cfg.EvictRetryMax,
		Metrics:            metrics,
	}
	var catalog api.SnapshotCatalog
	if persistence != nil {
		regCfg.Persistence = persistence
		catalog = persistence
	}
	registry := collaboration.NewRegistry(regCfg)

	wsHandler := collaboration.NewWebSocketHandler(registry, cfg.WriteTimeout)
	handler := api.NewHandler(registry, wsHandler, catalog)
	router := api.SetupRoutes(handler, promReg)

	// no read/write timeouts: websocket connections are long-lived and
	// guarded by the keepalive supervisor instead
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Relay listening on ws://%s (persistence: %s)", cfg.Addr(), cfg.Persistence)
		log.Printf("📚 Endpoints:")
		log.Printf("   WS     /{name}                   - Attach to shared document")
		log.Printf("   GET    /api/documents            - Resident documents")
		log.Printf("   GET    /api/documents/{name}     - Document with awareness")
		log.Printf("   GET    /api/snapshots            - Persisted documents")
		log.Printf("   GET    /metrics                  - Prometheus metrics")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// hijacked websocket connections are not tracked by server.Shutdown
	if err := registry.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Some documents were not flushed: %v", err)
	}

	log.Println("✓ Server shutdown complete")
}

// openStore opens the configured persistence backend. It returns nil when
// persistence is disabled.
func openStore(cfg *config.Config) (store, error) {
	switch cfg.Persistence {
	case config.PersistenceBadger:
		return repository.OpenBadgerStore(cfg.PersistenceDir)

	case config.PersistencePostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			return nil, err
		}
		return postgresStore{repository.NewSnapshotRepository(database.DB), database}, nil

	case config.PersistenceRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return repository.NewRedisStore(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.RedisPrefix)

	default:
		log.Println("  Persistence disabled, documents live until the process exits")
		return nil, nil
	}
}
