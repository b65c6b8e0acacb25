package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jobmate/catalog-service/internal/model"
)

// SyncResult is the verified outcome of one sync cycle.
type SyncResult struct {
	InsertedIDs []string
	UpdatedIDs  []string
	Expired     int
	WriteErrors []error
}

// Syncer reconciles a provider snapshot against the stored catalog.
// Running the same snapshot twice yields zero additional inserts and zero
// additional expirations; only last_seen churns.
type Syncer struct {
	listings ListingStore
	sources  SourceStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewSyncer returns a Syncer over the given stores.
func NewSyncer(listings ListingStore, sources SourceStore, logger *slog.Logger) *Syncer {
	return &Syncer{listings: listings, sources: sources, logger: logger, now: time.Now}
}

// Sync reconciles one company's complete provider snapshot. incoming must
// be the full fetch for the company; expiry is computed against it, so a
// partial page would expire listings that are still live.
func (s *Syncer) Sync(ctx context.Context, companyID, provider string, incoming []model.ProviderListing) (SyncResult, error) {
	existing, err := s.listings.ListByCompany(ctx, companyID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync company %s: %w", companyID, err)
	}

	now := s.now()
	var (
		inserts []model.Listing
		updates []ListingUpdate
		seen    = make(map[string]bool, len(incoming))
	)
	// Non-nil even for an empty snapshot: a nil slice reaches Postgres as
	// NULL and ExpireMissing would then match nothing.
	seenURLs := make([]string, 0, len(incoming))

	for _, in := range incoming {
		in := in
		if in.URL == "" || seen[in.URL] {
			continue // providers occasionally repeat a posting within one snapshot
		}
		seen[in.URL] = true
		seenURLs = append(seenURLs, in.URL)

		cur, ok := existing[in.URL]
		if !ok {
			inserts = append(inserts, model.Listing{
				CompanyID:       companyID,
				URL:             in.URL,
				Title:           in.Title,
				LocationCity:    in.LocationCity,
				LocationRegion:  in.LocationRegion,
				LocationCountry: in.LocationCountry,
				Origin:          provider,
				SourceStatus:    model.SourceScrapped,
				LastSeenAt:      now,
			})
			continue
		}

		u := ListingUpdate{ID: cur.ID, LastSeenAt: now}
		if in.Title != "" && in.Title != cur.Title {
			u.Title = &in.Title
		}
		if in.LocationCity != "" && in.LocationCity != cur.LocationCity {
			u.LocationCity = &in.LocationCity
		}
		if in.LocationRegion != "" && in.LocationRegion != cur.LocationRegion {
			u.LocationRegion = &in.LocationRegion
		}
		if in.LocationCountry != "" && in.LocationCountry != cur.LocationCountry {
			u.LocationCountry = &in.LocationCountry
		}
		updates = append(updates, u)
	}

	wr, err := s.listings.BulkWrite(ctx, companyID, inserts, updates)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync company %s: bulk write: %w", companyID, err)
	}
	for _, werr := range wr.Errors {
		s.logger.Warn("sync write failed", "company", companyID, "error", werr)
	}

	expired, err := s.listings.ExpireMissing(ctx, companyID, seenURLs)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync company %s: expire: %w", companyID, err)
	}

	// Record provenance for everything the snapshot touched. Non-fatal:
	// the catalog write already landed.
	externalByURL := make(map[string]string, len(incoming))
	for _, in := range incoming {
		externalByURL[in.URL] = in.ExternalID
	}
	s.patchSources(ctx, provider, append(append([]string{}, wr.InsertedIDs...), wr.UpdatedIDs...), externalByURL, now)

	s.logger.Info("sync cycle complete",
		"company", companyID,
		"provider", provider,
		"inserted", len(wr.InsertedIDs),
		"updated", len(wr.UpdatedIDs),
		"expired", expired,
		"writeErrors", len(wr.Errors),
	)

	return SyncResult{
		InsertedIDs: wr.InsertedIDs,
		UpdatedIDs:  wr.UpdatedIDs,
		Expired:     expired,
		WriteErrors: wr.Errors,
	}, nil
}

func (s *Syncer) patchSources(ctx context.Context, provider string, ids []string, externalByURL map[string]string, now time.Time) {
	for _, id := range ids {
		l, err := s.listings.Get(ctx, id)
		if err != nil {
			s.logger.Warn("source patch lookup failed", "listing", id, "error", err)
			continue
		}
		rec := model.ProviderRecord{
			ExternalID: externalByURL[l.URL],
			FirstSeen:  now,
			LastSeen:   now,
		}
		if err := s.sources.PatchProvider(ctx, id, provider, rec); err != nil {
			s.logger.Warn("source patch failed", "listing", id, "provider", provider, "error", err)
		}
	}
}
