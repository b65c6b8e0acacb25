// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the catalog service.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	ExtractorURL string // base URL of the structured-extraction service
	ExtractorKey string

	SweepIntervalHours int           // how often the coordinator sweep fires
	EnrichBatchSize    int           // listings enriched concurrently per wave
	LockStaleAfter     time.Duration // processing locks older than this are reclaimed
	RevalidateAfter    time.Duration // enriched listings older than this are re-checked
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	extractorURL := os.Getenv("EXTRACTOR_URL")
	if extractorURL == "" {
		return nil, fmt.Errorf("EXTRACTOR_URL is required")
	}

	interval := 6
	if s := os.Getenv("SWEEP_INTERVAL_HOURS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("SWEEP_INTERVAL_HOURS must be a positive integer, got %q", s)
		}
		interval = v
	}

	batchSize := 10
	if s := os.Getenv("ENRICH_BATCH_SIZE"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("ENRICH_BATCH_SIZE must be a positive integer, got %q", s)
		}
		batchSize = v
	}

	staleMin := 30
	if s := os.Getenv("LOCK_STALE_MINUTES"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("LOCK_STALE_MINUTES must be a positive integer, got %q", s)
		}
		staleMin = v
	}

	revalidateDays := 7
	if s := os.Getenv("REVALIDATE_AFTER_DAYS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("REVALIDATE_AFTER_DAYS must be a positive integer, got %q", s)
		}
		revalidateDays = v
	}

	port := os.Getenv("CATALOG_PORT")
	if port == "" {
		port = "8083"
	}

	return &Config{
		Port:               port,
		DatabaseURL:        dbURL,
		RedisURL:           redisURL,
		ExtractorURL:       extractorURL,
		ExtractorKey:       os.Getenv("EXTRACTOR_API_KEY"),
		SweepIntervalHours: interval,
		EnrichBatchSize:    batchSize,
		LockStaleAfter:     time.Duration(staleMin) * time.Minute,
		RevalidateAfter:    time.Duration(revalidateDays) * 24 * time.Hour,
	}, nil
}
