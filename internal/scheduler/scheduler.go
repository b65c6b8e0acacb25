// Package scheduler wires up the cron job that periodically triggers the
// coordinator sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"jobmate/catalog-service/internal/orchestrator"
)

// Scheduler wraps robfig/cron and manages the sweep loop.
type Scheduler struct {
	cron   *cron.Cron
	orch   *orchestrator.Orchestrator
	spec   string // cron spec, e.g. "@every 6h"
	logger *slog.Logger
}

// New creates a Scheduler that fires every intervalHours hours.
func New(orch *orchestrator.Orchestrator, intervalHours int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		orch:   orch,
		spec:   fmt.Sprintf("@every %dh", intervalHours),
		logger: logger,
	}
}

// Start registers the job and starts the scheduler. Also runs one sweep
// immediately so a fresh deploy doesn't wait for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.runSweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.logger.Info("cron started", "spec", s.spec)

	go s.runSweep(ctx)

	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("cron stopped")
}

func (s *Scheduler) runSweep(ctx context.Context) {
	res, err := s.orch.RunSweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "instance", res.InstanceID, "error", err)
		return
	}
	if res.SkippedBusy {
		return // previous sweep still running; expected and already logged
	}
}
