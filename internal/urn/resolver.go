// Package urn implements the URN Resolver: translating a URN-shaped entity
// identifier into the platform's internal time-series identifier via a
// single GET against the platform's lookup endpoint.
package urn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
)

// Timeout is the URN resolution call budget.
const Timeout = 10 * time.Second

// Doer is the subset of *http.Client the Resolver needs; satisfied by
// client.Fetcher and by *http.Client directly, which keeps this package
// trivially testable with a fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver resolves platform-bound entity identifiers.
type Resolver struct {
	platformBaseURL string
	client          Doer
}

// New builds a Resolver against platformBaseURL (PLATFORM_API_URL).
func New(platformBaseURL string, client Doer) *Resolver {
	return &Resolver{platformBaseURL: strings.TrimSuffix(platformBaseURL, "/"), client: client}
}

// IsURN reports whether id is a URN requiring resolution (case-insensitive
// "urn:" prefix).
func IsURN(id string) bool {
	return len(id) >= 4 && strings.EqualFold(id[:4], "urn:")
}

type locationResponse struct {
	TimeseriesEntityID string `json:"timeseries_entity_id"`
}

// Resolved is the outcome of resolving a single identifier.
type Resolved struct {
	// ID is the canonical identifier to use, populated when Found is true
	// or when resolution fell back to returning the original URN.
	ID string
	// Found is true only when the platform returned a 200 with a
	// timeseries_entity_id. It is false both when the entity has no
	// time-series location (204/404) and when ID falls back to the raw
	// input URN on error.
	Found bool
	// NoLocation is true on 204/404: this entity has no time-series
	// location at all.
	NoLocation bool
}

// Resolve resolves entityID against the platform. Non-URN input is
// returned verbatim (Found=false, NoLocation=false) without any network
// call.
func (r *Resolver) Resolve(ctx context.Context, entityID string, tc tenant.Context) (Resolved, error) {
	if !IsURN(entityID) {
		return Resolved{ID: entityID}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	// QueryEscape, not PathEscape: the platform's lookup endpoint expects
	// the URN's colons percent-encoded ("urn:ngsi-ld:Parcel:abc" becomes
	// "urn%3Angsi-ld%3AParcel%3Aabc"), and PathEscape leaves ':' unescaped
	// since it is a legal path-segment character per RFC 3986.
	encoded := url.QueryEscape(entityID)
	endpoint := fmt.Sprintf("%s/api/entities/%s/timeseries-location", r.platformBaseURL, encoded)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Resolved{ID: entityID}, nil
	}
	tc.ApplyTo(req)

	resp, err := r.client.Do(req)
	if err != nil {
		// Best-effort: any transport error falls back to the raw URN.
		return Resolved{ID: entityID}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return Resolved{NoLocation: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var body locationResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.TimeseriesEntityID == "" {
			return Resolved{ID: entityID}, nil
		}
		return Resolved{ID: body.TimeseriesEntityID, Found: true}, nil

	default:
		return Resolved{ID: entityID}, nil
	}
}
