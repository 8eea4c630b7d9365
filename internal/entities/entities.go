// Package entities implements the Entity Indexer: listing NGSI-LD entities
// from a context broker, per configured type, and deriving their
// discoverable time-series-capable attributes with per-attribute source
// tagging.
package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
)

// Timeout is the entity-listing call budget.
const Timeout = 15 * time.Second

const defaultSource = "timescale"

// reservedAttributes are entity-level NGSI-LD keys that are never surfaced
// as discoverable time-series attributes.
var reservedAttributes = map[string]bool{
	"id": true, "type": true, "@context": true, "location": true, "name": true,
	"description": true, "address": true, "source": true, "provider": true,
	"dateCreated": true, "dateModified": true, "refAgriParcel": true,
	"refDevice": true, "refWeatherStation": true,
}

// Doer performs one outbound HTTP round trip.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Indexer lists and normalizes entities for a fixed set of NGSI-LD types.
type Indexer struct {
	brokerBaseURL string
	entityTypes   []string
	client        Doer
}

// New builds an Indexer against brokerBaseURL, iterating entityTypes.
func New(brokerBaseURL string, entityTypes []string, client Doer) *Indexer {
	return &Indexer{brokerBaseURL: strings.TrimSuffix(brokerBaseURL, "/"), entityTypes: entityTypes, client: client}
}

// Attribute is a discoverable time-series-capable entity attribute.
type Attribute struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Entity is one normalized, search-filterable index record.
type Entity struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Name       string      `json:"name"`
	Source     string      `json:"source"`
	Attributes []Attribute `json:"attributes"`
}

// List fetches and normalizes every entity of every configured type,
// filtering by a case-insensitive substring match against name or id when
// search is non-empty. Per-type failures are isolated: a broken type is
// skipped and the rest still return.
func (ix *Indexer) List(ctx context.Context, search string, tc tenant.Context) ([]Entity, error) {
	if ix.brokerBaseURL == "" {
		return []Entity{}, nil
	}

	needle := strings.ToLower(strings.TrimSpace(search))

	var out []Entity
	for _, etype := range ix.entityTypes {
		raw, err := ix.fetchType(ctx, etype, tc)
		if err != nil {
			continue // isolate this type's failure; others still run
		}
		for _, e := range raw {
			rec := normalize(e, etype)
			if needle != "" &&
				!strings.Contains(strings.ToLower(rec.Name), needle) &&
				!strings.Contains(strings.ToLower(rec.ID), needle) {
				continue
			}
			out = append(out, rec)
		}
	}

	if out == nil {
		out = []Entity{}
	}
	return out, nil
}

func (ix *Indexer) fetchType(ctx context.Context, etype string, tc tenant.Context) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/ngsi-ld/v1/entities?type=%s", ix.brokerBaseURL, etype)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/ld+json")
	tc.ApplyTo(req)

	resp, err := ix.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("broker returned status %d for type %s", resp.StatusCode, etype)
	}

	var raw []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// unwrapValue extracts the "value" field of an NGSI-LD {type, value, ...}
// wrapper, returning obj unchanged when it isn't wrapped. It does not
// unwrap recursively: deeper wrapping has no defined meaning upstream, so
// do not guess.
func unwrapValue(obj any) any {
	if obj == nil {
		return nil
	}
	if m, ok := obj.(map[string]any); ok {
		if v, ok := m["value"]; ok {
			return v
		}
	}
	return obj
}

func normalize(e map[string]any, etype string) Entity {
	id := ""
	if raw, ok := e["id"]; ok {
		if s, ok := unwrapValue(raw).(string); ok {
			id = s
		} else if raw != nil {
			id = fmt.Sprintf("%v", unwrapValue(raw))
		}
	}

	name := "Unknown"
	if raw, ok := e["name"]; ok {
		if v := unwrapValue(raw); v != nil {
			if s, ok := v.(string); ok {
				name = s
			} else {
				name = fmt.Sprintf("%v", v)
			}
		}
	}

	source := entitySource(e)

	var attrs []Attribute
	for key, raw := range e {
		if reservedAttributes[key] {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := obj["type"].(string); t == "Relationship" || t == "GeoProperty" {
			continue
		}
		if unwrapValue(obj) == nil {
			continue
		}
		attrs = append(attrs, Attribute{Name: key, Source: attributeSource(obj, source)})
	}

	if attrs == nil {
		attrs = []Attribute{}
	}

	return Entity{ID: id, Type: etype, Name: name, Source: source, Attributes: attrs}
}

func entitySource(e map[string]any) string {
	if s := stringSubProperty(e, "source"); s != "" {
		return strings.ToLower(s)
	}
	if s := stringSubProperty(e, "provider"); s != "" {
		return strings.ToLower(s)
	}
	return defaultSource
}

// attributeSource resolves the per-attribute source: a non-empty string
// "source" sub-property on attr, else the entity-level fallback.
func attributeSource(attr map[string]any, fallback string) string {
	if s := stringSubProperty(attr, "source"); s != "" {
		return strings.ToLower(s)
	}
	return fallback
}

func stringSubProperty(obj map[string]any, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	v := unwrapValue(raw)
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
