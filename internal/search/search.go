// Package search serves paginated listing queries interleaved round-robin
// by company: every company's freshest posting ranks ahead of any
// company's second-freshest, so one prolific company cannot monopolize a
// page.
package search

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobmate/catalog-service/internal/model"
)

const defaultPerPage = 20
const maxPerPage = 100

// Query holds the supported filters plus pagination. Zero values mean
// "no filter"; Page is 1-based.
type Query struct {
	Country   string
	Origin    string
	Category  string
	Role      string
	CompanyID string
	Page      int
	PerPage   int
}

// Company is the display data joined for the paginated slice only.
type Company struct {
	ID      string
	Name    string
	LogoURL string
}

// Item is one result row.
type Item struct {
	Listing model.Listing
	Company Company
}

// Page is one result page with the accurate total matched count.
type Page struct {
	Items   []Item
	Total   int
	Page    int
	PerPage int
}

// Engine executes search queries against PostgreSQL.
type Engine struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

// NewEngine returns an Engine over pool.
func NewEngine(pool *pgxpool.Pool) *Engine {
	return &Engine{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// filtered applies q's filters to a builder selecting from listings.
// Only enriched, non-expired listings are searchable.
func (e *Engine) filtered(b sq.SelectBuilder, q Query) sq.SelectBuilder {
	b = b.Where(sq.Eq{"source_status": string(model.SourceEnriched)}).
		Where(sq.Eq{"listing_status": string(model.ListingActive)})
	if q.Country != "" {
		b = b.Where(sq.Eq{"location_country": q.Country})
	}
	if q.Origin != "" {
		b = b.Where(sq.Eq{"origin": q.Origin})
	}
	if q.CompanyID != "" {
		b = b.Where(sq.Eq{"company_id": q.CompanyID})
	}
	if q.Category != "" {
		b = b.Where(sq.Expr("? = ANY(categories)", q.Category))
	}
	if q.Role != "" {
		b = b.Where(sq.Expr("? = ANY(role_titles)", q.Role))
	}
	return b
}

// Search returns one page of enriched listings interleaved by company,
// plus the total matched count taken from the same pass as the page via
// a window count, so the two cannot drift apart under concurrent writes.
// Company display data is joined only for the returned slice, so join
// cost never scales with the number of matched companies.
func (e *Engine) Search(ctx context.Context, q Query) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = defaultPerPage
	}
	if q.PerPage > maxPerPage {
		q.PerPage = maxPerPage
	}

	inner := e.filtered(e.sb.Select(
		"id", "company_id", "url", "title",
		"location_city", "location_region", "location_country",
		"categories", "role_titles", "employment_type", "work_arrangement",
		"salary_min", "salary_max", "salary_currency",
		"origin", "created_at", "enriched_at",
		"ROW_NUMBER() OVER (PARTITION BY company_id ORDER BY created_at DESC) AS company_rank",
	).From("listings"), q)

	pageSQL, args, err := e.sb.Select("*", "COUNT(*) OVER () AS total").
		FromSelect(inner, "ranked").
		OrderBy("company_rank", "created_at DESC").
		Limit(uint64(q.PerPage)).
		Offset(uint64((q.Page - 1) * q.PerPage)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build search query: %w", err)
	}

	rows, err := e.pool.Query(ctx, pageSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("search listings: %w", err)
	}
	defer rows.Close()

	page := &Page{Page: q.Page, PerPage: q.PerPage}
	companyIDs := make([]string, 0, q.PerPage)
	seenCompany := make(map[string]bool)

	for rows.Next() {
		var (
			l     model.Listing
			rank  int64
			total int
		)
		if err := rows.Scan(
			&l.ID, &l.CompanyID, &l.URL, &l.Title,
			&l.LocationCity, &l.LocationRegion, &l.LocationCountry,
			&l.Categories, &l.RoleTitles, &l.EmploymentType, &l.WorkArrangement,
			&l.SalaryMin, &l.SalaryMax, &l.SalaryCurrency,
			&l.Origin, &l.CreatedAt, &l.EnrichedAt,
			&rank, &total,
		); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		page.Total = total
		page.Items = append(page.Items, Item{Listing: l})
		if !seenCompany[l.CompanyID] {
			seenCompany[l.CompanyID] = true
			companyIDs = append(companyIDs, l.CompanyID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}

	if len(page.Items) == 0 {
		// Past the last page the window count never reached us; count
		// separately so pagination metadata stays usable.
		countSQL, countArgs, err := e.filtered(e.sb.Select("COUNT(*)").From("listings"), q).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build count query: %w", err)
		}
		if err := e.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&page.Total); err != nil {
			return nil, fmt.Errorf("count listings: %w", err)
		}
	}

	if err := e.joinCompanies(ctx, page, companyIDs); err != nil {
		return nil, err
	}
	return page, nil
}

func (e *Engine) joinCompanies(ctx context.Context, page *Page, companyIDs []string) error {
	if len(companyIDs) == 0 {
		return nil
	}

	rows, err := e.pool.Query(ctx,
		`SELECT id, name, logo_url FROM companies WHERE id = ANY($1)`, companyIDs)
	if err != nil {
		return fmt.Errorf("join companies: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Company, len(companyIDs))
	for rows.Next() {
		var c Company
		if err := rows.Scan(&c.ID, &c.Name, &c.LogoURL); err != nil {
			return fmt.Errorf("scan company: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("company rows: %w", err)
	}

	for i := range page.Items {
		if c, ok := byID[page.Items[i].Listing.CompanyID]; ok {
			page.Items[i].Company = c
		} else {
			page.Items[i].Company = Company{ID: page.Items[i].Listing.CompanyID}
		}
	}
	return nil
}
