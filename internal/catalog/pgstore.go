package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/catalog-service/internal/model"
)

const listingColumns = `id, company_id, url, title,
	location_city, location_region, location_country,
	categories, role_titles, employment_type, work_arrangement,
	salary_min, salary_max, salary_currency,
	origin, listing_status, source_status,
	created_at, updated_at, last_seen_at, enriched_at, deactivated_at`

// PGListingStore is the PostgreSQL-backed ListingStore.
type PGListingStore struct {
	pool *pgxpool.Pool
}

// NewPGListingStore returns a ListingStore backed by pool.
func NewPGListingStore(pool *pgxpool.Pool) *PGListingStore {
	return &PGListingStore{pool: pool}
}

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	err := row.Scan(
		&l.ID, &l.CompanyID, &l.URL, &l.Title,
		&l.LocationCity, &l.LocationRegion, &l.LocationCountry,
		&l.Categories, &l.RoleTitles, &l.EmploymentType, &l.WorkArrangement,
		&l.SalaryMin, &l.SalaryMax, &l.SalaryCurrency,
		&l.Origin, &l.ListingStatus, &l.SourceStatus,
		&l.CreatedAt, &l.UpdatedAt, &l.LastSeenAt, &l.EnrichedAt, &l.DeactivatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PGListingStore) Get(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

func (s *PGListingStore) ListByCompany(ctx context.Context, companyID string) (map[string]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE company_id = $1`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list listings for company %s: %w", companyID, err)
	}
	defer rows.Close()

	byURL := make(map[string]model.Listing)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		byURL[l.URL] = *l
	}
	return byURL, rows.Err()
}

// BulkWrite applies every staged operation independently so a single
// failure cannot block the rest of the snapshot. The returned ids come
// from RETURNING clauses, i.e. verified row state rather than a write
// acknowledgement.
func (s *PGListingStore) BulkWrite(ctx context.Context, companyID string, inserts []model.Listing, updates []ListingUpdate) (BulkWriteResult, error) {
	var res BulkWriteResult

	for _, l := range inserts {
		var id string
		err := s.pool.QueryRow(ctx,
			`INSERT INTO listings (company_id, url, title,
			        location_city, location_region, location_country,
			        origin, listing_status, source_status, last_seen_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', 'scrapped', $8)
			 ON CONFLICT (company_id, url) DO NOTHING
			 RETURNING id`,
			companyID, l.URL, l.Title,
			l.LocationCity, l.LocationRegion, l.LocationCountry,
			l.Origin, l.LastSeenAt,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			continue // raced with a concurrent insert, not ours to count
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("insert %s: %w", l.URL, err))
			continue
		}
		res.InsertedIDs = append(res.InsertedIDs, id)
	}

	for _, u := range updates {
		var id string
		err := s.pool.QueryRow(ctx,
			`UPDATE listings
			 SET title            = COALESCE($2, title),
			     location_city    = COALESCE($3, location_city),
			     location_region  = COALESCE($4, location_region),
			     location_country = COALESCE($5, location_country),
			     listing_status   = 'active',
			     last_seen_at     = $6,
			     updated_at       = NOW()
			 WHERE id = $1
			 RETURNING id`,
			u.ID, u.Title, u.LocationCity, u.LocationRegion, u.LocationCountry, u.LastSeenAt,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			res.Errors = append(res.Errors, fmt.Errorf("update %s: listing vanished", u.ID))
			continue
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("update %s: %w", u.ID, err))
			continue
		}
		res.UpdatedIDs = append(res.UpdatedIDs, id)
	}

	return res, nil
}

func (s *PGListingStore) ExpireMissing(ctx context.Context, companyID string, seenURLs []string) (int, error) {
	if seenURLs == nil {
		seenURLs = []string{} // nil encodes as NULL and ANY(NULL) matches nothing
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET listing_status = 'expired', updated_at = NOW()
		 WHERE company_id = $1
		   AND source_status = 'enriched'
		   AND listing_status <> 'expired'
		   AND NOT (url = ANY($2))`,
		companyID, seenURLs,
	)
	if err != nil {
		return 0, fmt.Errorf("expire missing listings for company %s: %w", companyID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGListingStore) SelectForEnrichment(ctx context.Context, companyID string, revalidateBefore time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM listings
		 WHERE company_id = $1
		   AND listing_status = 'active'
		   AND (source_status = 'scrapped'
		        OR (source_status = 'enriched' AND enriched_at < $2))
		 ORDER BY created_at`,
		companyID, revalidateBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("select listings for enrichment: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan listing id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGListingStore) CompaniesWithListings(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT company_id FROM listings WHERE listing_status = 'active' ORDER BY company_id`)
	if err != nil {
		return nil, fmt.Errorf("enumerate companies: %w", err)
	}
	defer rows.Close()

	var companies []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan company id: %w", err)
		}
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

func (s *PGListingStore) UpdateEnrichment(ctx context.Context, id string, f model.ExtractedFields, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET categories       = $2,
		     role_titles      = $3,
		     employment_type  = COALESCE(NULLIF($4, ''), employment_type),
		     work_arrangement = COALESCE(NULLIF($5, ''), work_arrangement),
		     salary_min       = COALESCE($6, salary_min),
		     salary_max       = COALESCE($7, salary_max),
		     salary_currency  = COALESCE(NULLIF($8, ''), salary_currency),
		     location_city    = COALESCE(NULLIF($9, ''), location_city),
		     location_region  = COALESCE(NULLIF($10, ''), location_region),
		     location_country = COALESCE(NULLIF($11, ''), location_country),
		     source_status    = 'enriched',
		     enriched_at      = $12,
		     updated_at       = NOW()
		 WHERE id = $1`,
		id, f.Categories, f.RoleTitles, f.EmploymentType, f.WorkArrangement,
		f.SalaryMin, f.SalaryMax, f.SalaryCurrency,
		f.LocationCity, f.LocationRegion, f.LocationCountry, at,
	)
	if err != nil {
		return fmt.Errorf("update enrichment for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGListingStore) Deactivate(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET source_status = 'deactivated', deactivated_at = $2, updated_at = NOW()
		 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("deactivate listing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
