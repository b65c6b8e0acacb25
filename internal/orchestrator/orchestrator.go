// Package orchestrator coordinates multi-company work: lock-guarded
// per-company sync and enrichment tasks, and the coordinator sweep that
// chains every company strictly one after another so the aggregate
// extraction-call rate stays bounded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"jobmate/catalog-service/internal/catalog"
	"jobmate/catalog-service/internal/enrich"
	"jobmate/catalog-service/internal/events"
	"jobmate/catalog-service/internal/lock"
	"jobmate/catalog-service/internal/model"
	"jobmate/catalog-service/internal/taskqueue"
)

// ErrTimedOut is returned when a caller-facing request exceeds its
// deadline. Distinct from generic failure: lock state stays clean and any
// dispatched background unit completes or is revoked separately.
var ErrTimedOut = errors.New("request timed out")

// sweepTaskName is the global lock serializing coordinator sweeps.
const sweepTaskName = "enrich-sweep"

func companyEnrichTask(companyID string) string { return "enrich-company:" + companyID }
func companySyncTask(companyID string) string   { return "sync-company:" + companyID }

// TaskQueue is the slice of the task submission interface the
// orchestrator drives. Satisfied by taskqueue.Queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, name string, args map[string]string, parentID string) (string, error)
	SetStatus(ctx context.Context, id, status, errMsg string) error
	IsCancelled(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id string) error
	CancelChildren(ctx context.Context, parentID string) (int, error)
}

// BatchRunner runs one enrichment batch. Satisfied by
// enrich.BatchScheduler.
type BatchRunner interface {
	Run(ctx context.Context, ids []string) (enrich.BatchResult, error)
}

// ProviderClient fetches a company's complete snapshot from an external
// provider. Implementations live outside this service.
type ProviderClient interface {
	Name() string
	FetchListings(ctx context.Context, companyID string) ([]model.ProviderListing, error)
}

// SingleEnricher enriches one listing. Satisfied by enrich.Worker.
type SingleEnricher interface {
	Enrich(ctx context.Context, listingID, batchID string) (enrich.Outcome, error)
}

// EventSink receives lifecycle events. Satisfied by events.Publisher.
type EventSink interface {
	Publish(ctx context.Context, channel string, fields map[string]string)
}

// CompanyOutcome is the result of one per-company enrichment task.
type CompanyOutcome struct {
	CompanyID string
	// SkippedBusy is true when another instance already holds the
	// company's lock, an expected signal, not a failure.
	SkippedBusy bool
	Batch       enrich.BatchResult
	Err         error
}

// SweepResult summarizes one coordinator run.
type SweepResult struct {
	InstanceID  string
	SkippedBusy bool
	Cancelled   bool
	Reclaimed   int // stale locks swept before the chain started
	Companies   []CompanyOutcome
}

// Orchestrator wires locks, stores, the batch scheduler and the task
// queue into the coordinated sync/enrichment flows.
type Orchestrator struct {
	locks    *lock.Manager
	listings catalog.ListingStore
	syncer   *catalog.Syncer
	batch    BatchRunner
	single   SingleEnricher
	queue    TaskQueue
	events   EventSink
	logger   *slog.Logger

	staleAfter      time.Duration
	revalidateAfter time.Duration
}

// New returns an Orchestrator. staleAfter bounds lock staleness;
// revalidateAfter selects enriched listings for re-checking.
func New(
	locks *lock.Manager,
	listings catalog.ListingStore,
	syncer *catalog.Syncer,
	batch BatchRunner,
	single SingleEnricher,
	queue TaskQueue,
	sink EventSink,
	logger *slog.Logger,
	staleAfter, revalidateAfter time.Duration,
) *Orchestrator {
	return &Orchestrator{
		locks:           locks,
		listings:        listings,
		syncer:          syncer,
		batch:           batch,
		single:          single,
		queue:           queue,
		events:          sink,
		logger:          logger,
		staleAfter:      staleAfter,
		revalidateAfter: revalidateAfter,
	}
}

// SyncCompany runs one lock-guarded sync cycle: fetch the company's
// complete snapshot from provider and reconcile it into the catalog.
func (o *Orchestrator) SyncCompany(ctx context.Context, companyID string, provider ProviderClient) (catalog.SyncResult, error) {
	taskName := companySyncTask(companyID)
	instanceID := uuid.New().String()

	acq, err := o.locks.Acquire(ctx, taskName, instanceID, "")
	if err != nil {
		return catalog.SyncResult{}, err
	}
	if !acq.Acquired {
		o.logger.Info("sync already in progress", "company", companyID)
		return catalog.SyncResult{}, nil
	}

	var runErr error
	defer func() {
		// Detached ctx: a cancellation that ended the run must not also
		// strand the lock until the stale sweep.
		if err := o.locks.Release(context.WithoutCancel(ctx), taskName, runErr); err != nil {
			o.logger.Warn("lock release failed", "task", taskName, "error", err)
		}
	}()

	snapshot, err := provider.FetchListings(ctx, companyID)
	if err != nil {
		runErr = fmt.Errorf("fetch snapshot for %s: %w", companyID, err)
		return catalog.SyncResult{}, runErr
	}

	res, err := o.syncer.Sync(ctx, companyID, provider.Name(), snapshot)
	if err != nil {
		runErr = err
		return catalog.SyncResult{}, err
	}

	o.events.Publish(ctx, events.ListingSynced, map[string]string{
		"companyId": companyID,
		"inserted":  fmt.Sprint(len(res.InsertedIDs)),
		"updated":   fmt.Sprint(len(res.UpdatedIDs)),
		"expired":   fmt.Sprint(res.Expired),
	})
	return res, nil
}

// EnrichCompany runs one per-company enrichment task under the company
// lock. instanceID identifies this execution; parentID carries the
// coordinator's correlation id ("" for standalone runs). Busy contention
// comes back as SkippedBusy, never as an error.
//
// The lock is released on every exit path; a failure is recorded on the
// lock row before release and still propagates so the queue's retry
// policy applies.
func (o *Orchestrator) EnrichCompany(ctx context.Context, companyID, instanceID, parentID string) CompanyOutcome {
	out := CompanyOutcome{CompanyID: companyID}
	taskName := companyEnrichTask(companyID)

	acq, err := o.locks.Acquire(ctx, taskName, instanceID, parentID)
	if err != nil {
		out.Err = err
		return out
	}
	if !acq.Acquired {
		o.logger.Info("enrichment already in progress", "company", companyID)
		out.SkippedBusy = true
		return out
	}

	defer func() {
		if err := o.locks.Release(context.WithoutCancel(ctx), taskName, out.Err); err != nil {
			o.logger.Warn("lock release failed", "task", taskName, "error", err)
		}
	}()

	ids, err := o.listings.SelectForEnrichment(ctx, companyID, time.Now().Add(-o.revalidateAfter))
	if err != nil {
		out.Err = fmt.Errorf("select listings for %s: %w", companyID, err)
		return out
	}
	if len(ids) == 0 {
		return out
	}

	out.Batch, out.Err = o.batch.Run(ctx, ids)
	return out
}

// RunSweep is the coordinator task: one global lock, a stale-lock sweep,
// then a strictly sequential chain of per-company enrichment tasks. Each
// chained task is registered with the queue under the sweep's instance id
// so cancellation can find and revoke it.
func (o *Orchestrator) RunSweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{InstanceID: uuid.New().String()}

	acq, err := o.locks.Acquire(ctx, sweepTaskName, res.InstanceID, "")
	if err != nil {
		return res, err
	}
	if !acq.Acquired {
		o.logger.Info("sweep already in progress", "holder", holderInstance(acq))
		res.SkippedBusy = true
		return res, nil
	}

	var runErr error
	defer func() {
		if err := o.locks.Release(context.WithoutCancel(ctx), sweepTaskName, runErr); err != nil {
			o.logger.Warn("lock release failed", "task", sweepTaskName, "error", err)
		}
	}()

	// Reclaim crashed runs before chaining new work on top of them.
	res.Reclaimed, err = o.locks.CleanupStale(ctx, o.staleAfter)
	if err != nil {
		runErr = err
		return res, err
	}

	companies, err := o.listings.CompaniesWithListings(ctx)
	if err != nil {
		runErr = fmt.Errorf("enumerate companies: %w", err)
		return res, runErr
	}

	o.logger.Info("sweep starting",
		"instance", res.InstanceID,
		"companies", len(companies),
		"reclaimed", res.Reclaimed,
	)

	for _, companyID := range companies {
		if err := ctx.Err(); err != nil {
			res.Cancelled = true
			break
		}
		cancelled, err := o.queue.IsCancelled(ctx, res.InstanceID)
		if err != nil {
			o.logger.Warn("cancellation check failed", "error", err)
		} else if cancelled {
			o.logger.Info("sweep cancelled, stopping chain", "instance", res.InstanceID)
			res.Cancelled = true
			break
		}

		childID, err := o.queue.Enqueue(ctx, companyEnrichTask(companyID),
			map[string]string{"companyId": companyID}, res.InstanceID)
		if err != nil {
			o.logger.Warn("child task registration failed", "company", companyID, "error", err)
			childID = uuid.New().String() // run anyway; only queue-side revocation is lost
		}

		if err := o.queue.SetStatus(ctx, childID, taskqueue.StatusRunning, ""); err != nil {
			o.logger.Warn("child status update failed", "task", childID, "error", err)
		}

		out := o.EnrichCompany(ctx, companyID, childID, res.InstanceID)
		res.Companies = append(res.Companies, out)

		status, errMsg := taskqueue.StatusSucceeded, ""
		if out.Err != nil {
			status, errMsg = taskqueue.StatusFailed, out.Err.Error()
			o.logger.Error("company enrichment failed", "company", companyID, "error", out.Err)
		}
		if err := o.queue.SetStatus(ctx, childID, status, errMsg); err != nil {
			o.logger.Warn("child status update failed", "task", childID, "error", err)
		}
	}

	o.logger.Info("sweep complete",
		"instance", res.InstanceID,
		"companies", len(res.Companies),
		"cancelled", res.Cancelled,
	)
	return res, nil
}

// CancelSweep revokes a coordinator instance: the sweep itself, every
// recorded child task, and every lock held under the sweep's correlation
// id, so a stuck chain can never permanently block future runs.
func (o *Orchestrator) CancelSweep(ctx context.Context, instanceID string) error {
	if err := o.queue.Cancel(ctx, instanceID); err != nil {
		return fmt.Errorf("cancel sweep %s: %w", instanceID, err)
	}

	revoked, err := o.queue.CancelChildren(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("cancel sweep children %s: %w", instanceID, err)
	}

	released, err := o.locks.ReleaseByParent(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("release sweep locks %s: %w", instanceID, err)
	}

	o.logger.Info("sweep cancelled", "instance", instanceID, "revoked", revoked, "locksReleased", released)
	o.events.Publish(ctx, events.SweepCancelled, map[string]string{
		"instanceId":    instanceID,
		"revoked":       fmt.Sprint(revoked),
		"locksReleased": fmt.Sprint(released),
	})
	return nil
}

// EnrichListingNow enriches a single listing with a caller-facing
// deadline. Exceeding it returns ErrTimedOut, distinct from generic
// failure, without touching any lock state.
func (o *Orchestrator) EnrichListingNow(ctx context.Context, listingID string, timeout time.Duration) (enrich.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := o.single.Enrich(ctx, listingID, "")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimedOut
		}
		return "", err
	}
	return outcome, nil
}

func holderInstance(acq lock.AcquireResult) string {
	if acq.Holder == nil {
		return "unknown"
	}
	return acq.Holder.InstanceID
}
