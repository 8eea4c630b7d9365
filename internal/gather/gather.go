// Package gather implements the Scatter-Gather Coordinator: deciding
// between a transparent single-upstream proxy (Route A) and a fan-out
// scatter-gather across per-source groups (Route B), then feeding the
// collected Arrow buffers into the Alignment Engine. Each source group is
// fetched on its own goroutine under its own timeout drawn from the
// per-route timeout table, with results joined back over a channel.
package gather

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/k8-benetis/nkz-module-data-hub/internal/align"
	"github.com/k8-benetis/nkz-module-data-hub/internal/arrowcodec"
	"github.com/k8-benetis/nkz-module-data-hub/internal/model"
	"github.com/k8-benetis/nkz-module-data-hub/internal/registry"
	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
	"github.com/k8-benetis/nkz-module-data-hub/internal/urn"
)

// Per-route budgets for outbound fetches.
const (
	TimeoutAdapterPOST  = 30 * time.Second
	TimeoutPlatformCall = 60 * time.Second
)

// Doer performs one outbound HTTP round trip. client.Fetcher satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// UpstreamError reports a failed or non-2xx fetch for a named source; the
// Coordinator surfaces it as a 502 naming the offending source.
type UpstreamError struct {
	Source string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Error obteniendo datos de %s: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// UnresolvedEntityError reports that URN resolution returned none for a
// timescale descriptor, surfaced as a 404 on the export path.
type UnresolvedEntityError struct {
	EntityID string
}

func (e *UnresolvedEntityError) Error() string {
	return fmt.Sprintf("no time-series location for %s", e.EntityID)
}

// Coordinator routes requests and runs the per-source scatter-gather
// fan-out.
type Coordinator struct {
	registry *registry.Registry
	resolver *urn.Resolver
	doer     Doer
}

// New builds a Coordinator.
func New(reg *registry.Registry, resolver *urn.Resolver, doer Doer) *Coordinator {
	return &Coordinator{registry: reg, resolver: resolver, doer: doer}
}

// Route selects between proxying and fan-out.
type Route int

const (
	// RouteA proxies a single-source request directly to its upstream.
	RouteA Route = iota
	// RouteB fans out per source group and aligns the results.
	RouteB
)

// DecideRoute determines Route A vs B: Route A applies only when every
// descriptor's source is "timescale" and the platform base is configured.
func (c *Coordinator) DecideRoute(req model.SeriesRequest) Route {
	if _, ok := c.registry.BaseURLFor(registry.SourceTimescale); !ok {
		return RouteB
	}
	for _, d := range req.Series {
		if d.Source != registry.SourceTimescale {
			return RouteB
		}
	}
	return RouteA
}

// sourceGroup collects the descriptors sharing one source: the unit of
// one outbound fetch.
type sourceGroup struct {
	source      string
	descriptors []model.SeriesDescriptor
	indices     []int // original positions in the request, parallel to descriptors
}

// ResolveDescriptors pre-resolves every timescale descriptor's entity_id
// via the URN Resolver. failOnUnresolved controls the policy difference
// between align and export: export fails the whole request with 404,
// since a silently dropped series corrupts every later column's
// positional meaning; align substitutes the original URN and proceeds.
func (c *Coordinator) ResolveDescriptors(
	ctx context.Context,
	descriptors []model.SeriesDescriptor,
	tc tenant.Context,
	failOnUnresolved bool,
) ([]model.SeriesDescriptor, error) {
	out := make([]model.SeriesDescriptor, len(descriptors))
	copy(out, descriptors)

	for i, d := range out {
		if d.Source != registry.SourceTimescale || !d.IsURN() {
			continue
		}

		resolved, err := c.resolver.Resolve(ctx, d.EntityID, tc)
		if err != nil {
			continue
		}
		if resolved.NoLocation {
			if failOnUnresolved {
				return nil, &UnresolvedEntityError{EntityID: d.EntityID}
			}
			continue // keep the original URN
		}
		out[i].EntityID = resolved.ID
	}

	return out, nil
}

func groupBySource(descriptors []model.SeriesDescriptor) []sourceGroup {
	order := []string{}
	groups := map[string]*sourceGroup{}

	for i, d := range descriptors {
		g, ok := groups[d.Source]
		if !ok {
			g = &sourceGroup{source: d.Source}
			groups[d.Source] = g
			order = append(order, d.Source)
		}
		g.descriptors = append(g.descriptors, d)
		g.indices = append(g.indices, i)
	}

	out := make([]sourceGroup, 0, len(order))
	for _, source := range order {
		out = append(out, *groups[source])
	}
	return out
}

// fetchResult is what one source group's fetch produced, or the error it
// failed with.
type fetchResult struct {
	group sourceGroup
	buf   []byte
	err   error
}

// GatherResult is the reassembled output of one scatter-gather round.
type GatherResult struct {
	// PerDescriptor holds, for each descriptor in the original request
	// order, the Arrow IPC buffer covering it (shared across every
	// descriptor in the same source group).
	PerDescriptor [][]byte

	// PerDescriptorColumn holds, parallel to PerDescriptor, the name of
	// the value column within that buffer which carries this
	// descriptor's series: "value" when its source group held only one
	// descriptor (a single-series fetch), or "value_{i}" where i is the
	// descriptor's position within its group's request order, when the
	// group's fetch was a multi-series POST that returns one value
	// column per requested descriptor.
	PerDescriptorColumn []string
}

// Gather fans out one fetch per source group concurrently and awaits all of
// them. Any group failure aborts the whole request: partial results are
// never returned.
func (c *Coordinator) Gather(
	ctx context.Context,
	platformBaseURL string,
	descriptors []model.SeriesDescriptor,
	timeRange model.TimeRange,
	resolution int,
	tc tenant.Context,
) (GatherResult, error) {
	groups := groupBySource(descriptors)

	resultsCh := make(chan fetchResult, len(groups))
	for _, g := range groups {
		go func(g sourceGroup) {
			buf, err := c.fetchGroup(ctx, platformBaseURL, g, timeRange, resolution, tc)
			resultsCh <- fetchResult{group: g, buf: buf, err: err}
		}(g)
	}

	perGroupBuf := map[string][]byte{}
	for range groups {
		r := <-resultsCh
		if r.err != nil {
			return GatherResult{}, &UpstreamError{Source: r.group.source, Err: r.err}
		}
		perGroupBuf[r.group.source] = r.buf
	}

	perDescriptor := make([][]byte, len(descriptors))
	perDescriptorColumn := make([]string, len(descriptors))
	for _, g := range groups {
		buf := perGroupBuf[g.source]
		for pos, idx := range g.indices {
			perDescriptor[idx] = buf
			if len(g.indices) == 1 {
				perDescriptorColumn[idx] = "value"
			} else {
				perDescriptorColumn[idx] = model.ColumnName(pos)
			}
		}
	}

	return GatherResult{
		PerDescriptor:       perDescriptor,
		PerDescriptorColumn: perDescriptorColumn,
	}, nil
}

func (c *Coordinator) fetchGroup(
	ctx context.Context,
	platformBaseURL string,
	g sourceGroup,
	timeRange model.TimeRange,
	resolution int,
	tc tenant.Context,
) ([]byte, error) {
	if registry.IsPlatform(g.source) {
		return c.fetchTimescaleGroup(ctx, platformBaseURL, g, timeRange, resolution, tc)
	}

	base, ok := c.registry.BaseURLFor(g.source)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for source %q", g.source)
	}
	return c.fetchAdapterGroup(ctx, base, g, timeRange, resolution, tc)
}

func (c *Coordinator) fetchTimescaleGroup(
	ctx context.Context,
	platformBaseURL string,
	g sourceGroup,
	timeRange model.TimeRange,
	resolution int,
	tc tenant.Context,
) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutPlatformCall)
	defer cancel()

	if len(g.descriptors) == 1 {
		d := g.descriptors[0]
		q := url.Values{}
		q.Set("start_time", timeRange.Start.Format(time.RFC3339))
		q.Set("end_time", timeRange.End.Format(time.RFC3339))
		q.Set("resolution", strconv.Itoa(resolution))
		q.Set("attribute", d.Attribute)
		q.Set("format", "arrow")
		endpoint := fmt.Sprintf("%s/api/timeseries/entities/%s/data?%s", platformBaseURL, url.PathEscape(d.EntityID), q.Encode())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		tc.ApplyTo(req)
		return c.doRequest(ctx, req)
	}

	body, err := json.Marshal(alignRequestBody(g.descriptors, timeRange, resolution))
	if err != nil {
		return nil, err
	}
	endpoint := platformBaseURL + "/api/timeseries/align"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tc.ApplyTo(req)
	return c.doRequest(ctx, req)
}

func (c *Coordinator) fetchAdapterGroup(
	ctx context.Context,
	adapterBaseURL string,
	g sourceGroup,
	timeRange model.TimeRange,
	resolution int,
	tc tenant.Context,
) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, TimeoutAdapterPOST)
	defer cancel()

	payload := alignRequestBody(g.descriptors, timeRange, resolution)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := adapterBaseURL + "/api/internal/timeseries/export-arrow"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tc.ApplyTo(req)
	return c.doRequest(ctx, req)
}

func (c *Coordinator) doRequest(ctx context.Context, req *http.Request) ([]byte, error) {
	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	return buf.Bytes(), nil
}

type alignRequestSeries struct {
	EntityID  string `json:"entity_id"`
	Attribute string `json:"attribute"`
}

type alignRequestPayload struct {
	Series     []alignRequestSeries `json:"series"`
	StartTime  string               `json:"start_time"`
	EndTime    string               `json:"end_time"`
	Resolution int                  `json:"resolution"`
}

func alignRequestBody(descriptors []model.SeriesDescriptor, timeRange model.TimeRange, resolution int) alignRequestPayload {
	series := make([]alignRequestSeries, len(descriptors))
	for i, d := range descriptors {
		series[i] = alignRequestSeries{EntityID: d.EntityID, Attribute: d.Attribute}
	}
	return alignRequestPayload{
		Series:     series,
		StartTime:  timeRange.Start.Format(time.RFC3339),
		EndTime:    timeRange.End.Format(time.RFC3339),
		Resolution: resolution,
	}
}

// AlignForExport runs the per-descriptor grid/LOCF mode over
// GatherResult.PerDescriptor, in request order. columns, parallel to
// buffers, names which value column to pull out of each buffer before
// LOCF-aligning it: GatherResult.PerDescriptorColumn reports "value" for
// a descriptor whose source group was fetched alone, or "value_{i}" for
// one sharing a multi-descriptor group's buffer, since that buffer
// carries one column per descriptor rather than a bare "value" column.
// A buffer that fails to decode, or whose named column is missing,
// contributes an empty frame rather than aborting the request: GridLOCF
// turns an empty frame into an all-null column for that descriptor
// alone, leaving every other column unaffected.
func AlignForExport(buffers [][]byte, columns []string, grid []float64) (model.AlignedFrame, error) {
	frames := make([]model.Frame, len(buffers))
	for i, buf := range buffers {
		frame, err := arrowcodec.Decode(buf)
		if err != nil {
			frames[i] = model.Frame{}
			continue
		}
		frames[i] = selectValueColumn(frame, columns[i])
	}
	return align.GridLOCF(grid, frames), nil
}

// selectValueColumn extracts column from frame and renames it to "value",
// the name align.GridLOCF's single-series LOCF lookup expects, so the
// same alignment code serves both a single-series frame (already named
// "value") and one descriptor's slice of a multi-descriptor group's
// shared frame (named "value_{i}"). A frame missing column yields an
// empty frame.
func selectValueColumn(frame model.Frame, column string) model.Frame {
	col, ok := frame.Columns[column]
	if !ok {
		return model.Frame{}
	}
	return model.Frame{
		Timestamps:  frame.Timestamps,
		Columns:     map[string]model.Column{"value": col},
		ColumnOrder: []string{"value"},
	}
}

// AlignForAlignRoute runs the outer-join mode over
// GatherResult.PerDescriptor, used by POST /timeseries/align. columns is
// GatherResult.PerDescriptorColumn, naming each descriptor's value column
// within its group's shared buffer, so the output columns land in the
// original request's descriptor order even when the per-source grouping
// interleaved them.
func AlignForAlignRoute(buffers [][]byte, columns []string) (model.AlignedFrame, error) {
	return align.OuterJoinByDescriptor(buffers, columns)
}
