package catalog_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"jobmate/catalog-service/internal/catalog"
	"jobmate/catalog-service/internal/model"
)

// ── In-memory fakes ────────────────────────────────────────────────────────

type memListingStore struct {
	mu           sync.Mutex
	byID         map[string]*model.Listing
	seq          int
	lastSeenURLs []string // argument of the most recent ExpireMissing call
}

func newMemListingStore() *memListingStore {
	return &memListingStore{byID: make(map[string]*model.Listing)}
}

func (m *memListingStore) add(l model.Listing) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	l.ID = fmt.Sprintf("listing-%d", m.seq)
	m.byID[l.ID] = &l
	return l.ID
}

func (m *memListingStore) Get(_ context.Context, id string) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byID[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memListingStore) ListByCompany(_ context.Context, companyID string) (map[string]model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Listing)
	for _, l := range m.byID {
		if l.CompanyID == companyID {
			out[l.URL] = *l
		}
	}
	return out, nil
}

func (m *memListingStore) BulkWrite(_ context.Context, companyID string, inserts []model.Listing, updates []catalog.ListingUpdate) (catalog.BulkWriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res catalog.BulkWriteResult

	for _, l := range inserts {
		dup := false
		for _, cur := range m.byID {
			if cur.CompanyID == companyID && cur.URL == l.URL {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		m.seq++
		l.ID = fmt.Sprintf("listing-%d", m.seq)
		l.CompanyID = companyID
		l.ListingStatus = model.ListingActive
		l.SourceStatus = model.SourceScrapped
		cp := l
		m.byID[l.ID] = &cp
		res.InsertedIDs = append(res.InsertedIDs, l.ID)
	}

	for _, u := range updates {
		cur, ok := m.byID[u.ID]
		if !ok {
			res.Errors = append(res.Errors, fmt.Errorf("update %s: listing vanished", u.ID))
			continue
		}
		if u.Title != nil {
			cur.Title = *u.Title
		}
		if u.LocationCity != nil {
			cur.LocationCity = *u.LocationCity
		}
		if u.LocationRegion != nil {
			cur.LocationRegion = *u.LocationRegion
		}
		if u.LocationCountry != nil {
			cur.LocationCountry = *u.LocationCountry
		}
		cur.ListingStatus = model.ListingActive
		cur.LastSeenAt = u.LastSeenAt
		res.UpdatedIDs = append(res.UpdatedIDs, u.ID)
	}

	return res, nil
}

func (m *memListingStore) ExpireMissing(_ context.Context, companyID string, seenURLs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeenURLs = seenURLs
	seen := make(map[string]bool, len(seenURLs))
	for _, u := range seenURLs {
		seen[u] = true
	}
	n := 0
	for _, l := range m.byID {
		if l.CompanyID != companyID || seen[l.URL] {
			continue
		}
		if l.SourceStatus == model.SourceEnriched && l.ListingStatus != model.ListingExpired {
			l.ListingStatus = model.ListingExpired
			n++
		}
	}
	return n, nil
}

func (m *memListingStore) SelectForEnrichment(_ context.Context, companyID string, revalidateBefore time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, l := range m.byID {
		if l.CompanyID != companyID || l.ListingStatus != model.ListingActive {
			continue
		}
		if l.SourceStatus == model.SourceScrapped {
			ids = append(ids, id)
		} else if l.SourceStatus == model.SourceEnriched && l.EnrichedAt != nil && l.EnrichedAt.Before(revalidateBefore) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memListingStore) CompaniesWithListings(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, l := range m.byID {
		if l.ListingStatus == model.ListingActive && !seen[l.CompanyID] {
			seen[l.CompanyID] = true
			out = append(out, l.CompanyID)
		}
	}
	return out, nil
}

func (m *memListingStore) UpdateEnrichment(_ context.Context, id string, f model.ExtractedFields, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byID[id]
	if !ok {
		return catalog.ErrNotFound
	}
	l.Categories = f.Categories
	l.RoleTitles = f.RoleTitles
	l.SourceStatus = model.SourceEnriched
	l.EnrichedAt = &at
	return nil
}

func (m *memListingStore) Deactivate(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byID[id]
	if !ok {
		return catalog.ErrNotFound
	}
	l.SourceStatus = model.SourceDeactivated
	l.DeactivatedAt = &at
	return nil
}

type memSourceStore struct {
	mu   sync.Mutex
	recs map[string]*model.SourceRecord
}

func newMemSourceStore() *memSourceStore {
	return &memSourceStore{recs: make(map[string]*model.SourceRecord)}
}

func (m *memSourceStore) Get(_ context.Context, listingID string) (*model.SourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[listingID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memSourceStore) PatchProvider(_ context.Context, listingID, provider string, rec model.ProviderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[listingID]
	if !ok {
		r = &model.SourceRecord{ListingID: listingID, Providers: make(map[string]model.ProviderRecord)}
		m.recs[listingID] = r
	}
	if prev, ok := r.Providers[provider]; ok {
		rec.FirstSeen = prev.FirstSeen // stored firstSeen wins
	}
	r.Providers[provider] = rec
	return nil
}

func (m *memSourceStore) PatchDiagnostics(_ context.Context, listingID string, diag model.ExtractionDiagnostics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[listingID]
	if !ok {
		r = &model.SourceRecord{ListingID: listingID, Providers: make(map[string]model.ProviderRecord)}
		m.recs[listingID] = r
	}
	d := diag
	r.Diagnostics = &d
	return nil
}

// ── helpers ────────────────────────────────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(ioDiscard{}, nil))
}

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) { return len(p), nil }

func enrichedListing(company, url, title string) model.Listing {
	now := time.Now()
	return model.Listing{
		CompanyID:     company,
		URL:           url,
		Title:         title,
		ListingStatus: model.ListingActive,
		SourceStatus:  model.SourceEnriched,
		EnrichedAt:    &now,
		LastSeenAt:    now,
	}
}

// ── Sync ───────────────────────────────────────────────────────────────────

func TestSync_InsertUpdateExpire(t *testing.T) {
	store := newMemListingStore()
	sources := newMemSourceStore()
	store.add(enrichedListing("acme", "https://acme.example/jobs/1", "Engineer"))
	store.add(enrichedListing("acme", "https://acme.example/jobs/2", "Designer"))
	store.add(enrichedListing("acme", "https://acme.example/jobs/3", "Manager"))

	syncer := catalog.NewSyncer(store, sources, testLogger())
	res, err := syncer.Sync(context.Background(), "acme", "boardco", []model.ProviderListing{
		{URL: "https://acme.example/jobs/1", Title: "Senior Engineer", ExternalID: "b-1"},
		{URL: "https://acme.example/jobs/4", Title: "Analyst", ExternalID: "b-4"},
	})
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}

	if len(res.InsertedIDs) != 1 {
		t.Errorf("inserted = %d, want 1", len(res.InsertedIDs))
	}
	if len(res.UpdatedIDs) != 1 {
		t.Errorf("updated = %d, want 1", len(res.UpdatedIDs))
	}
	if res.Expired != 2 {
		t.Errorf("expired = %d, want 2", res.Expired)
	}

	byURL, _ := store.ListByCompany(context.Background(), "acme")
	if len(byURL) != 4 {
		t.Fatalf("total listings = %d, want 4", len(byURL))
	}
	if got := byURL["https://acme.example/jobs/1"]; got.Title != "Senior Engineer" {
		t.Errorf("u1 title = %q, want updated title", got.Title)
	}
	if got := byURL["https://acme.example/jobs/1"]; got.ListingStatus != model.ListingActive {
		t.Errorf("u1 status = %s, want active", got.ListingStatus)
	}
	if got := byURL["https://acme.example/jobs/4"]; got.SourceStatus != model.SourceScrapped {
		t.Errorf("u4 source status = %s, want scrapped", got.SourceStatus)
	}
	for _, url := range []string{"https://acme.example/jobs/2", "https://acme.example/jobs/3"} {
		if got := byURL[url]; got.ListingStatus != model.ListingExpired {
			t.Errorf("%s status = %s, want expired", url, got.ListingStatus)
		}
	}
}

func TestSync_Idempotent(t *testing.T) {
	store := newMemListingStore()
	sources := newMemSourceStore()
	store.add(enrichedListing("acme", "https://acme.example/jobs/1", "Engineer"))

	snapshot := []model.ProviderListing{
		{URL: "https://acme.example/jobs/1", Title: "Engineer"},
		{URL: "https://acme.example/jobs/2", Title: "Designer"},
	}

	syncer := catalog.NewSyncer(store, sources, testLogger())
	first, err := syncer.Sync(context.Background(), "acme", "boardco", snapshot)
	if err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if len(first.InsertedIDs) != 1 {
		t.Fatalf("first run inserted = %d, want 1", len(first.InsertedIDs))
	}

	second, err := syncer.Sync(context.Background(), "acme", "boardco", snapshot)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if len(second.InsertedIDs) != 0 {
		t.Errorf("second run inserted = %d, want 0", len(second.InsertedIDs))
	}
	if second.Expired != 0 {
		t.Errorf("second run expired = %d, want 0", second.Expired)
	}
}

func TestSync_SnapshotURLsNeverExpired(t *testing.T) {
	store := newMemListingStore()
	sources := newMemSourceStore()
	store.add(enrichedListing("acme", "https://acme.example/jobs/1", "Engineer"))

	syncer := catalog.NewSyncer(store, sources, testLogger())
	res, err := syncer.Sync(context.Background(), "acme", "boardco", []model.ProviderListing{
		{URL: "https://acme.example/jobs/1", Title: "Engineer"},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Expired != 0 {
		t.Errorf("expired = %d, want 0; snapshot urls must survive", res.Expired)
	}

	byURL, _ := store.ListByCompany(context.Background(), "acme")
	if byURL["https://acme.example/jobs/1"].ListingStatus == model.ListingExpired {
		t.Error("listing present in snapshot was expired")
	}
}

func TestSync_ScrappedAbsentListingsNotExpired(t *testing.T) {
	store := newMemListingStore()
	sources := newMemSourceStore()
	l := enrichedListing("acme", "https://acme.example/jobs/9", "Intern")
	l.SourceStatus = model.SourceScrapped
	l.EnrichedAt = nil
	store.add(l)

	syncer := catalog.NewSyncer(store, sources, testLogger())
	res, err := syncer.Sync(context.Background(), "acme", "boardco", nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Expired != 0 {
		t.Errorf("expired = %d, want 0; only enriched listings expire", res.Expired)
	}
}

func TestSync_EmptySnapshotExpiresEverything(t *testing.T) {
	store := newMemListingStore()
	sources := newMemSourceStore()
	store.add(enrichedListing("acme", "https://acme.example/jobs/1", "Engineer"))
	store.add(enrichedListing("acme", "https://acme.example/jobs/2", "Designer"))

	// A company that withdrew all postings sends a complete, empty
	// snapshot; its enriched listings must still expire.
	syncer := catalog.NewSyncer(store, sources, testLogger())
	res, err := syncer.Sync(context.Background(), "acme", "boardco", nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Expired != 2 {
		t.Errorf("expired = %d, want 2", res.Expired)
	}
	// The store must receive an empty slice, never nil: a nil []string
	// reaches Postgres as NULL and url = ANY(NULL) matches no rows.
	if store.lastSeenURLs == nil {
		t.Error("ExpireMissing received nil seenURLs")
	}
}

func TestSync_BlankURLsDoNotReachExpiry(t *testing.T) {
	store := newMemListingStore()
	sources := newMemSourceStore()
	store.add(enrichedListing("acme", "https://acme.example/jobs/1", "Engineer"))

	syncer := catalog.NewSyncer(store, sources, testLogger())
	res, err := syncer.Sync(context.Background(), "acme", "boardco", []model.ProviderListing{
		{URL: "", Title: "broken row"},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Expired != 1 {
		t.Errorf("expired = %d, want 1 after the blank url is dropped", res.Expired)
	}
	if store.lastSeenURLs == nil {
		t.Error("ExpireMissing received nil seenURLs")
	}
	if len(store.lastSeenURLs) != 0 {
		t.Errorf("seenURLs = %v, want empty", store.lastSeenURLs)
	}
}

func TestSync_DuplicateURLsInSnapshotCollapsed(t *testing.T) {
	store := newMemListingStore()
	sources := newMemSourceStore()

	syncer := catalog.NewSyncer(store, sources, testLogger())
	res, err := syncer.Sync(context.Background(), "acme", "boardco", []model.ProviderListing{
		{URL: "https://acme.example/jobs/1", Title: "Engineer"},
		{URL: "https://acme.example/jobs/1", Title: "Engineer (repost)"},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.InsertedIDs) != 1 {
		t.Errorf("inserted = %d, want 1; duplicate urls collapse", len(res.InsertedIDs))
	}
}

func TestSync_PatchesSourceRecords(t *testing.T) {
	store := newMemListingStore()
	sources := newMemSourceStore()

	syncer := catalog.NewSyncer(store, sources, testLogger())
	res, err := syncer.Sync(context.Background(), "acme", "boardco", []model.ProviderListing{
		{URL: "https://acme.example/jobs/1", Title: "Engineer", ExternalID: "ext-1"},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.InsertedIDs) != 1 {
		t.Fatalf("inserted = %d, want 1", len(res.InsertedIDs))
	}

	rec, _ := sources.Get(context.Background(), res.InsertedIDs[0])
	if rec == nil {
		t.Fatal("no source record created for inserted listing")
	}
	sub, ok := rec.Providers["boardco"]
	if !ok {
		t.Fatal("provider sub-record missing")
	}
	if sub.ExternalID != "ext-1" {
		t.Errorf("externalID = %q, want ext-1", sub.ExternalID)
	}
}
