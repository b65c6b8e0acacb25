// Package extract is the client boundary for the external
// structured-extraction service. The service takes a canonical listing url
// and returns structured categorization, an explicit unavailable/malformed
// signal, or nothing; its full output schema stays opaque to this service.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"jobmate/catalog-service/internal/model"
)

// Result statuses reported by the extraction service.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
	StatusMalformed   = "malformed"
)

// Result is one extraction outcome. Fields is nil unless Status is ok.
type Result struct {
	Status string
	Fields *model.ExtractedFields
	Reason string
	Raw    json.RawMessage
}

// QuotaSnapshot is the service's ambient rate-limit telemetry, read
// out-of-band from response headers after each call.
type QuotaSnapshot struct {
	RemainingRequests int
	RemainingTokens   int
	ResetAfter        time.Duration
	ObservedAt        time.Time
	Valid             bool
}

// Client calls the extraction service.
type Client interface {
	// Extract runs one extraction for url. priorID carries the existing
	// listing id on revalidation, "" otherwise. A nil Result with nil
	// error means the service produced nothing for this url.
	Extract(ctx context.Context, url, priorID string) (*Result, error)
	// Quota returns the telemetry observed on the most recent call.
	Quota() QuotaSnapshot
}

// HTTPClient is the production Client.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client

	mu    sync.Mutex
	quota QuotaSnapshot
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for the given endpoint.
func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// extractRequest mirrors the service's request envelope.
type extractRequest struct {
	URL     string `json:"url"`
	PriorID string `json:"priorId,omitempty"`
}

// extractResponse mirrors the service's response envelope. Fields is kept
// raw and decoded only for the keys this catalog understands.
type extractResponse struct {
	Status string          `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

func (c *HTTPClient) Extract(ctx context.Context, url, priorID string) (*Result, error) {
	body, err := json.Marshal(extractRequest{URL: url, PriorID: priorID})
	if err != nil {
		return nil, fmt.Errorf("marshal extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", url, err)
	}
	defer resp.Body.Close()

	c.recordQuota(resp.Header)

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil // no result for this url
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("extractor returned %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read extract response: %w", err)
	}

	var envelope extractResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode extract response: %w", err)
	}

	res := &Result{Status: envelope.Status, Reason: envelope.Reason, Raw: envelope.Fields}
	switch envelope.Status {
	case StatusOK:
		var fields model.ExtractedFields
		if err := json.Unmarshal(envelope.Fields, &fields); err != nil {
			return nil, fmt.Errorf("decode extracted fields: %w", err)
		}
		res.Fields = &fields
	case StatusUnavailable, StatusMalformed:
		// diagnostic statuses carry only a reason
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("extractor returned unknown status %q", envelope.Status)
	}
	return res, nil
}

// Quota returns the last observed rate-limit telemetry.
func (c *HTTPClient) Quota() QuotaSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quota
}

func (c *HTTPClient) recordQuota(h http.Header) {
	snap := QuotaSnapshot{ObservedAt: time.Now()}

	if v, err := strconv.Atoi(h.Get("X-Ratelimit-Remaining-Requests")); err == nil {
		snap.RemainingRequests = v
		snap.Valid = true
	}
	if v, err := strconv.Atoi(h.Get("X-Ratelimit-Remaining-Tokens")); err == nil {
		snap.RemainingTokens = v
		snap.Valid = true
	}
	if d, err := time.ParseDuration(h.Get("X-Ratelimit-Reset")); err == nil {
		snap.ResetAfter = d
	} else if secs, err := strconv.ParseFloat(h.Get("X-Ratelimit-Reset"), 64); err == nil {
		snap.ResetAfter = time.Duration(secs * float64(time.Second))
	}

	if !snap.Valid {
		return // provider omitted telemetry; keep the previous snapshot
	}

	c.mu.Lock()
	c.quota = snap
	c.mu.Unlock()
}
