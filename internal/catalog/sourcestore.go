package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/catalog-service/internal/model"
)

// PGSourceStore is the PostgreSQL-backed SourceStore. Provider sub-records
// live in a JSONB map keyed by provider name so concurrent providers patch
// their own entry without touching siblings.
type PGSourceStore struct {
	pool *pgxpool.Pool
}

// NewPGSourceStore returns a SourceStore backed by pool.
func NewPGSourceStore(pool *pgxpool.Pool) *PGSourceStore {
	return &PGSourceStore{pool: pool}
}

func (s *PGSourceStore) Get(ctx context.Context, listingID string) (*model.SourceRecord, error) {
	var (
		rec       model.SourceRecord
		providers []byte
		diag      []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, listing_id, providers, diagnostics, created_at, updated_at
		 FROM listing_sources WHERE listing_id = $1`,
		listingID,
	).Scan(&rec.ID, &rec.ListingID, &providers, &diag, &rec.CreatedAt, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source record for %s: %w", listingID, err)
	}

	if err := json.Unmarshal(providers, &rec.Providers); err != nil {
		return nil, fmt.Errorf("decode providers for %s: %w", listingID, err)
	}
	if len(diag) > 0 {
		rec.Diagnostics = &model.ExtractionDiagnostics{}
		if err := json.Unmarshal(diag, rec.Diagnostics); err != nil {
			return nil, fmt.Errorf("decode diagnostics for %s: %w", listingID, err)
		}
	}
	return &rec, nil
}

// PatchProvider upserts one provider's sub-record. The merge happens in
// SQL so sibling providers are never rewritten; the stored firstSeen wins
// over the incoming one when the sub-record already exists.
func (s *PGSourceStore) PatchProvider(ctx context.Context, listingID, provider string, rec model.ProviderRecord) error {
	sub, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal provider record: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO listing_sources (listing_id, providers)
		 VALUES ($1, jsonb_build_object($2::text, $3::jsonb))
		 ON CONFLICT (listing_id) DO UPDATE
		 SET providers = jsonb_set(
		         listing_sources.providers,
		         ARRAY[$2::text],
		         $3::jsonb || jsonb_strip_nulls(jsonb_build_object(
		             'firstSeen', listing_sources.providers #> ARRAY[$2::text, 'firstSeen']))),
		     updated_at = NOW()`,
		listingID, provider, sub,
	)
	if err != nil {
		return fmt.Errorf("patch provider %s for %s: %w", provider, listingID, err)
	}
	return nil
}

// PatchDiagnostics replaces the extraction-diagnostics sub-record, which
// always reflects the latest extraction attempt.
func (s *PGSourceStore) PatchDiagnostics(ctx context.Context, listingID string, diag model.ExtractionDiagnostics) error {
	payload, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO listing_sources (listing_id, diagnostics)
		 VALUES ($1, $2::jsonb)
		 ON CONFLICT (listing_id) DO UPDATE
		 SET diagnostics = $2::jsonb, updated_at = NOW()`,
		listingID, payload,
	)
	if err != nil {
		return fmt.Errorf("patch diagnostics for %s: %w", listingID, err)
	}
	return nil
}
