package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notes-collab/internal/api"
	"notes-collab/internal/awareness"
	"notes-collab/internal/config"
	"notes-collab/internal/db"
	"notes-collab/internal/events"
	"notes-collab/internal/persistence"
	"notes-collab/internal/repository"
	"notes-collab/internal/services/collaboration"
	"notes-collab/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN OF A STATEFUL SERVER

Rooms hold edits in memory between debounced saves, so the order matters:
1. Stop accepting HTTP requests (websocket upgrades included)
2. Shut down the collaboration manager: every room closes its sessions
   with a shutting_down frame and flushes its state
3. Drain the event dispatcher so the last document.saved events go out
4. Close storage and Redis connections
*/

const version = "1.0.0"

func main() {
	log.Println("🚀 Starting notes collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(telemetry.Options{
		ServiceName:    "notes-collab",
		ServiceVersion: version,
		Endpoint:       cfg.JaegerEndpoint,
		SampleRatio:    cfg.JaegerSampleRatio,
	})
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

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	store, history, closeStore, err := openStore(startCtx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open %s storage: %v", cfg.StorageBackend, err)
	}
	defer closeStore()

	bridge := persistence.NewBridge(store, persistence.RetryPolicy{
		MaxAttempts: cfg.SaveAttempts,
		BaseBackoff: cfg.SaveBackoff,
		MaxBackoff:  cfg.SaveMaxBackoff,
	})

	manager := collaboration.NewManager(bridge, collaboration.Options{
		SaveDelay:        cfg.SaveDelay,
		SaveMaxWait:      cfg.SaveMaxWait,
		SendQueueSize:    cfg.SendQueueSize,
		AwarenessTimeout: cfg.AwarenessTimeout,
		AwarenessRate:    cfg.AwarenessRate,
	})

	// Document change events (optional)
	var dispatcher *events.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewSyncProducer(cfg.KafkaBrokers)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Kafka: %v", err)
		}
		dispatcher = events.NewDispatcher(producer, cfg.KafkaTopic, events.DispatcherOptions{
			QueueSize:   cfg.EventQueueSize,
			Workers:     cfg.EventWorkers,
			MaxRetry:    3,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
		})
		manager.SetPublisher(dispatcher)
		log.Printf("✓ Publishing document events to Kafka topic %s", cfg.KafkaTopic)
	}

	wsHandler := collaboration.NewWebSocketHandler(manager)
	handler := api.NewHandler(manager, wsHandler)
	if history != nil {
		handler.WithHistory(history)
	}

	// Presence across instances (optional)
	if cfg.RedisURL != "" {
		rdb, err := awareness.NewRedisClient(startCtx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()

		presence := awareness.NewRedisPresence(rdb, cfg.AwarenessTimeout)
		manager.SetPresenceMirror(presence)
		handler.WithPresence(presence)
		log.Println("✓ Mirroring presence to Redis")
	}

	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s (storage: %s)", addr, cfg.StorageBackend)
		log.Printf("📚 Endpoints:")
		log.Printf("   WS     /ws/document/:id              - Collaborative editing session")
		log.Printf("   GET    /api/documents/:id/snapshot   - Current document content")
		log.Printf("   GET    /api/documents/:id/presence   - Who is editing")
		log.Printf("   GET    /api/documents/:id/history    - Saved versions")
		log.Printf("   GET    /api/rooms                    - Live rooms on this instance")
		log.Printf("   GET    /api/presence                 - Documents with editors")
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

	// Learning: hijacked websocket connections are not closed by server.Shutdown
	if err := manager.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Some documents were not flushed: %v", err)
	}

	if dispatcher != nil {
		if err := dispatcher.Close(); err != nil {
			log.Printf("⚠️  Failed to close Kafka producer: %v", err)
		}
	}

	log.Println("✓ Server shutdown complete")
}

// openStore connects the configured storage backend. history is nil unless
// the backend keeps versioned snapshots.
func openStore(ctx context.Context, cfg *config.Config) (persistence.Store, api.SnapshotHistory, func(), error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := repository.NewSnapshotRepository(database.DB, cfg.KeepSnapshots)
		return repo, repo, func() { database.Close() }, nil

	case config.StorageMinio:
		store, err := persistence.NewObjectStore(ctx, persistence.ObjectStoreConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Prefix:    cfg.MinioPrefix,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		log.Printf("✓ Storing documents in bucket %s", cfg.MinioBucket)
		return store, nil, func() {}, nil

	default:
		log.Println("⚠️  Using in-memory storage: documents are lost on restart")
		return persistence.NewMemoryStore(), nil, func() {}, nil
	}
}
