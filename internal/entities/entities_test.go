package entities

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
)

type stubDoer struct {
	byType map[string]string // type -> JSON body
	fail   map[string]bool
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	etype := req.URL.Query().Get("type")
	if s.fail[etype] {
		return &http.Response{StatusCode: 500, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	body := s.byType[etype]
	if body == "" {
		body = "[]"
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestListWithoutBrokerConfiguredReturnsEmpty(t *testing.T) {
	ix := New("", []string{"AgriParcel"}, &stubDoer{})
	out, err := ix.List(context.Background(), "", tenant.Context{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestListNormalizesEntityAndAttributes(t *testing.T) {
	body := `[{
		"id": "urn:ngsi-ld:AgriParcel:1",
		"type": "AgriParcel",
		"name": {"type": "Property", "value": "North Field"},
		"source": {"type": "Property", "value": "Weather"},
		"temperature": {"type": "Property", "value": 21.5, "source": {"type": "Property", "value": "SoilSense"}},
		"humidity": {"type": "Property", "value": 55},
		"refDevice": {"type": "Relationship", "object": "urn:ngsi-ld:Device:1"},
		"location": {"type": "GeoProperty", "value": {}}
	}]`
	doer := &stubDoer{byType: map[string]string{"AgriParcel": body}}
	ix := New("https://platform.example", []string{"AgriParcel"}, doer)

	out, err := ix.List(context.Background(), "", tenant.Context{})
	require.NoError(t, err)
	require.Len(t, out, 1)

	e := out[0]
	assert.Equal(t, "urn:ngsi-ld:AgriParcel:1", e.ID)
	assert.Equal(t, "North Field", e.Name)
	assert.Equal(t, "weather", e.Source)

	byName := map[string]string{}
	for _, a := range e.Attributes {
		byName[a.Name] = a.Source
	}
	assert.Equal(t, "soilsense", byName["temperature"])
	assert.Equal(t, "weather", byName["humidity"]) // inherits entity source
	_, hasRefDevice := byName["refDevice"]
	assert.False(t, hasRefDevice, "Relationship attributes must be excluded")
	_, hasLocation := byName["location"]
	assert.False(t, hasLocation, "location is a reserved key")
}

func TestListFiltersBySearchAcrossNameAndID(t *testing.T) {
	body := `[
		{"id": "urn:ngsi-ld:AgriParcel:north", "type": "AgriParcel", "name": "North Field"},
		{"id": "urn:ngsi-ld:AgriParcel:south", "type": "AgriParcel", "name": "South Field"}
	]`
	doer := &stubDoer{byType: map[string]string{"AgriParcel": body}}
	ix := New("https://platform.example", []string{"AgriParcel"}, doer)

	out, err := ix.List(context.Background(), "north", tenant.Context{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "urn:ngsi-ld:AgriParcel:north", out[0].ID)
}

func TestListIsolatesPerTypeFailures(t *testing.T) {
	doer := &stubDoer{
		byType: map[string]string{"Device": `[{"id":"d1","type":"Device","name":"Probe"}]`},
		fail:   map[string]bool{"AgriParcel": true},
	}
	ix := New("https://platform.example", []string{"AgriParcel", "Device"}, doer)

	out, err := ix.List(context.Background(), "", tenant.Context{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "d1", out[0].ID)
}

func TestUnwrapValueDoesNotRecurse(t *testing.T) {
	nested := map[string]any{"value": map[string]any{"value": "x"}}
	got := unwrapValue(nested)
	assert.Equal(t, map[string]any{"value": "x"}, got)
}
