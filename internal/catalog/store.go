// Package catalog owns the listing collection: persistence, provider
// snapshot reconciliation, and source-record tracking.
package catalog

import (
	"context"
	"errors"
	"time"

	"jobmate/catalog-service/internal/model"
)

// ErrNotFound is returned when a listing does not exist.
var ErrNotFound = errors.New("listing not found")

// ListingUpdate stages a partial update for one listing. Nil field
// pointers mean "unchanged"; LastSeenAt always advances.
type ListingUpdate struct {
	ID              string
	Title           *string
	LocationCity    *string
	LocationRegion  *string
	LocationCountry *string
	LastSeenAt      time.Time
}

// BulkWriteResult carries the verified outcome of a bulk write. IDs are
// re-read from the store after the write, not taken from acknowledgements,
// because individual operations may fail without blocking the others.
type BulkWriteResult struct {
	InsertedIDs []string
	UpdatedIDs  []string
	Errors      []error
}

// ListingStore persists listings.
type ListingStore interface {
	// Get returns one listing by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Listing, error)
	// ListByCompany returns the company's listings keyed by url.
	ListByCompany(ctx context.Context, companyID string) (map[string]model.Listing, error)
	// BulkWrite applies staged inserts and updates as one unordered pass.
	// One operation's failure must not block the others; failures are
	// collected into the result and counts reflect verified state.
	BulkWrite(ctx context.Context, companyID string, inserts []model.Listing, updates []ListingUpdate) (BulkWriteResult, error)
	// ExpireMissing marks the company's enriched listings whose url is
	// absent from seenURLs as expired, returning the count. seenURLs must
	// be the complete latest snapshot, never a partial page.
	ExpireMissing(ctx context.Context, companyID string, seenURLs []string) (int, error)
	// SelectForEnrichment returns ids of listings needing (re-)enrichment:
	// scrapped ones, plus enriched ones last checked before revalidateBefore.
	SelectForEnrichment(ctx context.Context, companyID string, revalidateBefore time.Time) ([]string, error)
	// CompaniesWithListings enumerates company ids holding active listings.
	CompaniesWithListings(ctx context.Context) ([]string, error)
	// UpdateEnrichment merges extracted fields into a listing and marks it
	// enriched.
	UpdateEnrichment(ctx context.Context, id string, fields model.ExtractedFields, at time.Time) error
	// Deactivate marks a listing's source status deactivated.
	Deactivate(ctx context.Context, id string, at time.Time) error
}

// SourceStore persists per-listing source records. Both patch operations
// upsert: they create the record on first touch and patch sub-documents
// thereafter, never replacing the whole record.
type SourceStore interface {
	// Get returns the source record for listingID, or nil.
	Get(ctx context.Context, listingID string) (*model.SourceRecord, error)
	// PatchProvider merges one provider's sub-record, preserving sibling
	// providers and the original firstSeen.
	PatchProvider(ctx context.Context, listingID, provider string, rec model.ProviderRecord) error
	// PatchDiagnostics replaces the extraction-diagnostics sub-record.
	PatchDiagnostics(ctx context.Context, listingID string, diag model.ExtractionDiagnostics) error
}
