// Package model defines the catalog domain: listings, source records,
// process locks and their status machines.
//
// A listing carries two independent status axes:
//
//	listing_status:  active ──► expired            (owned by the sync engine)
//	source_status:   scrapped ──► enriched ──► deactivated
//	                     └────────────────────► deactivated
//
// DEACTIVATED is terminal: a listing never moves backward out of it.
package model

import "fmt"

// ListingStatus mirrors the listing_status column. Driven only by the sync
// engine: a listing expires when it vanishes from its company's snapshot.
type ListingStatus string

const (
	ListingActive  ListingStatus = "active"
	ListingExpired ListingStatus = "expired"
)

// SourceStatus mirrors the source_status column. Driven only by the
// enrichment worker.
type SourceStatus string

const (
	SourceScrapped    SourceStatus = "scrapped"
	SourceEnriched    SourceStatus = "enriched"
	SourceDeactivated SourceStatus = "deactivated"
)

// sourceTransitions lists every allowed (from → to) pair.
var sourceTransitions = map[SourceStatus][]SourceStatus{
	SourceScrapped: {SourceEnriched, SourceDeactivated},
	SourceEnriched: {SourceEnriched, SourceDeactivated}, // re-enrichment refreshes fields
	// DEACTIVATED is terminal, no outgoing transitions
}

// ParseSourceStatus converts a raw string to a SourceStatus, returning an
// error for unknown values.
func ParseSourceStatus(s string) (SourceStatus, error) {
	st := SourceStatus(s)
	switch st {
	case SourceScrapped, SourceEnriched, SourceDeactivated:
		return st, nil
	}
	return "", fmt.Errorf("unknown source status %q", s)
}

// CanTransition returns true when moving from → to is permitted by the
// source status machine.
func CanTransition(from, to SourceStatus) bool {
	allowed, ok := sourceTransitions[from]
	if !ok {
		return false // terminal state, no outgoing transitions
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsDeactivated returns true when status is DEACTIVATED (terminal).
func IsDeactivated(s SourceStatus) bool { return s == SourceDeactivated }
