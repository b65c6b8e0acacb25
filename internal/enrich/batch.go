package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jobmate/catalog-service/internal/extract"
)

// maxCollectedErrors bounds the per-batch error list; overflow is counted
// but not retained.
const maxCollectedErrors = 50

// Enricher is the per-listing call the scheduler dispatches. Satisfied by
// *Worker.
type Enricher interface {
	Enrich(ctx context.Context, listingID, batchID string) (Outcome, error)
}

// QuotaReader exposes the extraction service's ambient rate-limit
// telemetry. Satisfied by extract.Client.
type QuotaReader interface {
	Quota() extract.QuotaSnapshot
}

// BatchResult summarizes one scheduler run. Succeeded + Failed always
// equals the number of input ids.
type BatchResult struct {
	BatchID   string
	Succeeded int
	Failed    int
	Enriched  int
	Errors    []error
}

// BatchScheduler chunks an id list, runs each chunk concurrently, and
// paces between chunks per the extractor's reported quota.
type BatchScheduler struct {
	enricher  Enricher
	quota     QuotaReader
	batchSize int
	// pause between waves when the extractor reports no reset countdown
	fallbackDelay time.Duration
	logger        *slog.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewBatchScheduler returns a scheduler dispatching batchSize concurrent
// enrichments per wave.
func NewBatchScheduler(enricher Enricher, quota QuotaReader, batchSize int, fallbackDelay time.Duration, logger *slog.Logger) *BatchScheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchScheduler{
		enricher:      enricher,
		quota:         quota,
		batchSize:     batchSize,
		fallbackDelay: fallbackDelay,
		logger:        logger,
		sleep:         sleepCtx,
	}
}

// Run enriches ids in ⌈len(ids)/batchSize⌉ waves. Within a wave all calls
// run concurrently and one item's failure never aborts its siblings; a
// wave's failures never prevent later waves. Run stops early only when
// ctx is cancelled, returning the counts accumulated so far with ctx.Err().
func (s *BatchScheduler) Run(ctx context.Context, ids []string) (BatchResult, error) {
	res := BatchResult{BatchID: uuid.New().String()}
	if len(ids) == 0 {
		return res, nil
	}

	s.logger.Info("enrichment batch starting",
		"batch", res.BatchID,
		"listings", len(ids),
		"waveSize", s.batchSize,
	)

	var mu sync.Mutex
	overflow := 0

	for start := 0; start < len(ids); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			res.Failed += len(ids) - start // unprocessed items count as failed
			return res, err
		}

		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		wave := ids[start:end]

		var g errgroup.Group
		for _, id := range wave {
			id := id
			g.Go(func() error {
				outcome, err := s.enricher.Enrich(ctx, id, res.BatchID)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Failed++
					if len(res.Errors) < maxCollectedErrors {
						res.Errors = append(res.Errors, err)
					} else {
						overflow++
					}
					return nil // never cancel siblings
				}
				res.Succeeded++
				if outcome == OutcomeEnriched {
					res.Enriched++
				}
				return nil
			})
		}
		_ = g.Wait()

		if end < len(ids) {
			if err := s.pause(ctx); err != nil {
				res.Failed += len(ids) - end
				return res, err
			}
		}
	}

	if overflow > 0 {
		s.logger.Warn("batch error list truncated", "batch", res.BatchID, "dropped", overflow)
	}
	s.logger.Info("enrichment batch complete",
		"batch", res.BatchID,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"enriched", res.Enriched,
	)
	return res, nil
}

// pause waits out the extractor's reported reset countdown before the next
// wave, falling back to a fixed delay when telemetry is absent.
func (s *BatchScheduler) pause(ctx context.Context) error {
	delay := s.fallbackDelay

	if snap := s.quota.Quota(); snap.Valid && snap.ResetAfter > 0 {
		remaining := snap.ResetAfter - time.Since(snap.ObservedAt)
		if remaining > 0 {
			delay = remaining
		} else {
			delay = 0 // reset point already passed
		}
	}

	if delay <= 0 {
		return ctx.Err()
	}
	s.logger.Info("pacing before next wave", "delay", delay.String())
	return s.sleep(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
