// Package enrich drives listings through their enrichment lifecycle: one
// worker per listing against the extraction service, batched and paced by
// the scheduler in batch.go.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jobmate/catalog-service/internal/catalog"
	"jobmate/catalog-service/internal/events"
	"jobmate/catalog-service/internal/extract"
	"jobmate/catalog-service/internal/model"
)

// Outcome is the result of one enrichment call.
type Outcome string

const (
	OutcomeEnriched    Outcome = "enriched"
	OutcomeDeactivated Outcome = "deactivated"
	OutcomeSkipped     Outcome = "skipped" // terminal listing, nothing to do
)

// EventSink receives lifecycle events. Satisfied by events.Publisher.
type EventSink interface {
	Publish(ctx context.Context, channel string, fields map[string]string)
}

// Worker enriches a single listing per call. Safe for concurrent use
// across different listings; re-running on the same listing is the
// revalidation path.
type Worker struct {
	listings  catalog.ListingStore
	sources   catalog.SourceStore
	extractor extract.Client
	events    EventSink
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorker returns a Worker wired with its dependencies.
func NewWorker(listings catalog.ListingStore, sources catalog.SourceStore, extractor extract.Client, sink EventSink, logger *slog.Logger) *Worker {
	return &Worker{
		listings:  listings,
		sources:   sources,
		extractor: extractor,
		events:    sink,
		logger:    logger,
		now:       time.Now,
	}
}

// Enrich runs one enrichment for listingID. batchID links the provider
// sub-record to the batch that produced it; "" for ad-hoc calls.
//
// State moves scrapped→enriched on success and scrapped→deactivated or
// enriched→deactivated on failure. Deactivated is terminal: a listing
// already there is skipped, never resurrected.
func (w *Worker) Enrich(ctx context.Context, listingID, batchID string) (Outcome, error) {
	listing, err := w.listings.Get(ctx, listingID)
	if err != nil {
		return "", fmt.Errorf("enrich %s: %w", listingID, err)
	}

	if !model.CanTransition(listing.SourceStatus, model.SourceEnriched) &&
		!model.CanTransition(listing.SourceStatus, model.SourceDeactivated) {
		w.logger.Info("listing in terminal state, skipping", "listing", listingID, "status", listing.SourceStatus)
		return OutcomeSkipped, nil
	}

	priorID := ""
	if listing.SourceStatus == model.SourceEnriched {
		priorID = listing.ID // revalidation carries the existing record id
	}

	res, err := w.extractor.Extract(ctx, listing.URL, priorID)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("enrich %s: %w", listingID, ctx.Err())
		}
		// Transient failure: deactivate with no diagnostic metadata. The
		// next scheduled sweep may pick the listing up again upstream.
		w.logger.Warn("extraction failed", "listing", listingID, "error", err)
		return w.deactivate(ctx, listing, nil)
	}
	if res == nil {
		return w.deactivate(ctx, listing, nil)
	}

	switch res.Status {
	case extract.StatusUnavailable, extract.StatusMalformed:
		return w.deactivate(ctx, listing, &model.ExtractionDiagnostics{
			Status:      res.Status,
			Reason:      res.Reason,
			ExtractedAt: w.now(),
		})
	case extract.StatusOK:
		return w.complete(ctx, listing, res, batchID)
	default:
		return "", fmt.Errorf("enrich %s: unexpected extraction status %q", listingID, res.Status)
	}
}

func (w *Worker) complete(ctx context.Context, listing *model.Listing, res *extract.Result, batchID string) (Outcome, error) {
	now := w.now()
	if err := w.listings.UpdateEnrichment(ctx, listing.ID, *res.Fields, now); err != nil {
		return "", fmt.Errorf("enrich %s: %w", listing.ID, err)
	}

	// Secondary writes are best-effort: the catalog row already moved.
	if err := w.sources.PatchDiagnostics(ctx, listing.ID, model.ExtractionDiagnostics{
		Status:      extract.StatusOK,
		ExtractedAt: now,
		Raw:         res.Raw,
	}); err != nil {
		w.logger.Warn("patch diagnostics failed", "listing", listing.ID, "error", err)
	}
	if batchID != "" && listing.Origin != "" {
		if err := w.sources.PatchProvider(ctx, listing.ID, listing.Origin, model.ProviderRecord{
			FirstSeen: now,
			LastSeen:  now,
			BatchID:   batchID,
		}); err != nil {
			w.logger.Warn("patch provider batch link failed", "listing", listing.ID, "error", err)
		}
	}

	w.events.Publish(ctx, events.ListingEnriched, map[string]string{
		"listingId": listing.ID,
		"companyId": listing.CompanyID,
	})
	return OutcomeEnriched, nil
}

func (w *Worker) deactivate(ctx context.Context, listing *model.Listing, diag *model.ExtractionDiagnostics) (Outcome, error) {
	if err := w.listings.Deactivate(ctx, listing.ID, w.now()); err != nil {
		return "", fmt.Errorf("deactivate %s: %w", listing.ID, err)
	}
	if diag != nil {
		if err := w.sources.PatchDiagnostics(ctx, listing.ID, *diag); err != nil {
			w.logger.Warn("patch diagnostics failed", "listing", listing.ID, "error", err)
		}
	}
	w.events.Publish(ctx, events.ListingDeactivated, map[string]string{
		"listingId": listing.ID,
		"companyId": listing.CompanyID,
	})
	return OutcomeDeactivated, nil
}
