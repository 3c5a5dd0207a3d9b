package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/tskv/tskv/pkg/api"
	"github.com/tskv/tskv/pkg/config"
	"github.com/tskv/tskv/pkg/series"
	"github.com/tskv/tskv/pkg/snapshot"
	"github.com/tskv/tskv/pkg/tsdb"
)

// getEnv gets a string from an environment variable or returns the default
func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from an environment variable or returns the default
func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		log.Printf("⚠️  Ignoring bad value for %s: %q", key, v)
	}
	return defaultValue
}

func main() {
	log.Println("🚀 Starting tskv server...")

	// TSKV_ADDR:             listen address (default :8080)
	// TSKV_DATA_DIR:         snapshot directory
	// TSKV_RETENTION_MILLIS: default retention for auto-created series
	addr := getEnv("TSKV_ADDR", config.DefaultAddr)
	dataDir := getEnv("TSKV_DATA_DIR", config.DefaultDataDir)
	retention := getEnvInt64("TSKV_RETENTION_MILLIS", config.DefaultRetentionMillis)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("❌ Failed to create data directory: %v", err)
	}
	log.Printf("📁 Data directory: %s", dataDir)

	db := tsdb.New(tsdb.Config{
		Defaults: series.Options{
			RetentionMillis: retention,
			ChunkSizeBytes:  config.DefaultChunkSizeBytes,
		},
	})

	store, err := snapshot.Open(snapshot.Config{Path: dataDir})
	if err != nil {
		log.Fatalf("❌ Failed to open snapshot store: %v", err)
	}
	defer store.Close()

	if err := store.Load(db); err != nil {
		log.Fatalf("❌ Failed to load snapshot: %v", err)
	}
	log.Printf("💾 Snapshot loaded: %d series", len(db.Keys()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSnapshots(ctx, store, db)
	}()
	log.Printf("⏰ Snapshot scheduler started (every %v)", config.SnapshotInterval)

	server := &http.Server{
		Addr:         addr,
		Handler:      api.NewServer(db).Router(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	go func() {
		log.Printf("🌐 Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}
	wg.Wait()

	log.Println("💾 Writing final snapshot...")
	if err := store.Save(db); err != nil {
		log.Printf("⚠️  Final snapshot failed: %v", err)
	}
	log.Println("👋 tskv exited cleanly")
}

// runSnapshots persists the database periodically until ctx is done.
func runSnapshots(ctx context.Context, store *snapshot.Store, db *tsdb.DB) {
	ticker := time.NewTicker(config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := store.Save(db); err != nil {
				log.Printf("❌ Snapshot failed: %v", err)
			} else {
				log.Printf("✅ Snapshot written in %v", time.Since(start).Round(time.Millisecond))
			}
		case <-ctx.Done():
			return
		}
	}
}
