// jobmate-catalog-service
//
// Owns the job-listing catalog:
//   - sync: reconciles provider snapshots (insert / update / expire)
//   - enrichment: drives listings through the extraction state machine,
//     batched and paced against the extractor's rate limits
//   - coordination: process locks + a sequential multi-company sweep with
//     cascading cancellation
//   - search: paginated, company-interleaved listing queries
//
// Publishes EVENT_LISTING_* to Redis for Gateway SSE forward.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobmate/catalog-service/internal/catalog"
	"jobmate/catalog-service/internal/config"
	"jobmate/catalog-service/internal/db"
	"jobmate/catalog-service/internal/enrich"
	"jobmate/catalog-service/internal/events"
	"jobmate/catalog-service/internal/extract"
	"jobmate/catalog-service/internal/lock"
	"jobmate/catalog-service/internal/orchestrator"
	"jobmate/catalog-service/internal/scheduler"
	"jobmate/catalog-service/internal/taskqueue"
)

const version = "1.0.0"

// fallbackWaveDelay paces enrichment waves when the extractor reports no
// quota telemetry.
const fallbackWaveDelay = 5 * time.Second

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[catalog-service] Config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "catalog-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	log.Println("[catalog-service] Connecting to PostgreSQL…")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[catalog-service] PostgreSQL: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("[catalog-service] Migrate: %v", err)
	}
	log.Println("[catalog-service] PostgreSQL connected ✓")

	// ── Redis ────────────────────────────────────────────────────────────────
	log.Println("[catalog-service] Connecting to Redis…")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("[catalog-service] Redis: %v", err)
	}
	defer rdb.Close()
	log.Println("[catalog-service] Redis connected ✓")

	// ── Wiring ───────────────────────────────────────────────────────────────
	listings := catalog.NewPGListingStore(pool)
	sources := catalog.NewPGSourceStore(pool)
	syncer := catalog.NewSyncer(listings, sources, logger)

	locks := lock.NewManager(lock.NewPGStore(pool), logger)
	queue := taskqueue.NewQueue(rdb)
	sink := events.NewPublisher(rdb, logger)

	extractor := extract.NewHTTPClient(cfg.ExtractorURL, cfg.ExtractorKey)
	worker := enrich.NewWorker(listings, sources, extractor, sink, logger)
	batch := enrich.NewBatchScheduler(worker, extractor, cfg.EnrichBatchSize, fallbackWaveDelay, logger)

	orch := orchestrator.New(locks, listings, syncer, batch, worker, queue, sink, logger,
		cfg.LockStaleAfter, cfg.RevalidateAfter)

	sched := scheduler.New(orch, cfg.SweepIntervalHours, logger)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("[catalog-service] Scheduler: %v", err)
	}
	defer sched.Stop()

	// ── HTTP server ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[catalog-service] v%s listening on :%s", version, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[catalog-service] HTTP server error: %v", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[catalog-service] Shutting down…")
	cancel() // stops any in-flight sweep between companies

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[catalog-service] Shutdown error: %v", err)
	}
	log.Println("[catalog-service] Stopped.")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "catalog-service",
		"version": version,
	})
}
