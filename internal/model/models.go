package model

import (
	"encoding/json"
	"time"
)

// Listing is a job posting tracked by the catalog, identified by
// (company_id, url). The url is the natural key across sync cycles.
type Listing struct {
	ID        string
	CompanyID string
	URL       string
	Title     string

	LocationCity    string
	LocationRegion  string
	LocationCountry string

	Categories      []string
	RoleTitles      []string
	EmploymentType  string
	WorkArrangement string
	SalaryMin       *int
	SalaryMax       *int
	SalaryCurrency  string

	Origin        string // which provider first surfaced this listing
	ListingStatus ListingStatus
	SourceStatus  SourceStatus

	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastSeenAt    time.Time
	EnrichedAt    *time.Time
	DeactivatedAt *time.Time
}

// ProviderListing is a raw offer as fetched from a provider, before it is
// reconciled into the catalog.
type ProviderListing struct {
	ExternalID      string
	URL             string
	Title           string
	LocationCity    string
	LocationRegion  string
	LocationCountry string
	PostedAt        time.Time
}

// ExtractedFields holds the structured categorization returned by the
// extraction service for one listing. The service's full output schema is
// opaque; these are the fields the catalog understands.
type ExtractedFields struct {
	Categories      []string `json:"categories"`
	RoleTitles      []string `json:"roleTitles"`
	EmploymentType  string   `json:"employmentType"`
	WorkArrangement string   `json:"workArrangement"`
	SalaryMin       *int     `json:"salaryMin,omitempty"`
	SalaryMax       *int     `json:"salaryMax,omitempty"`
	SalaryCurrency  string   `json:"salaryCurrency,omitempty"`
	LocationCity    string   `json:"locationCity,omitempty"`
	LocationRegion  string   `json:"locationRegion,omitempty"`
	LocationCountry string   `json:"locationCountry,omitempty"`
}

// ProviderRecord is the per-provider sub-record inside a source record.
// Stored as JSONB keyed by provider name; patched, never replaced, so one
// provider's update cannot clobber a sibling's data.
type ProviderRecord struct {
	ExternalID string    `json:"externalId"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
	BatchID    string    `json:"batchId,omitempty"` // enrichment batch that produced it
}

// ExtractionDiagnostics records the outcome of the last structured
// extraction for a listing, including the failure reason when the service
// reported the posting unavailable or malformed.
type ExtractionDiagnostics struct {
	Status      string          `json:"status"` // ok | unavailable | malformed
	Reason      string          `json:"reason,omitempty"`
	ExtractedAt time.Time       `json:"extractedAt"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// SourceRecord tracks which provider(s) supplied a listing plus extraction
// diagnostics. 1:1 with a listing.
type SourceRecord struct {
	ID          string
	ListingID   string
	Providers   map[string]ProviderRecord
	Diagnostics *ExtractionDiagnostics
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LockStatus mirrors the process_locks status column.
type LockStatus string

const (
	LockProcessing LockStatus = "processing"
	LockReleased   LockStatus = "released"
)

// ProcessLock is a durable, uniquely-keyed record serializing a named
// long-running job across worker processes.
type ProcessLock struct {
	ID          string
	TaskName    string
	InstanceID  string
	ParentID    string // correlation id for chain cancellation
	Status      LockStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	RetryCount  int
}
