package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k8-benetis/nkz-module-data-hub/internal/arrowcodec"
	"github.com/k8-benetis/nkz-module-data-hub/internal/config"
	"github.com/k8-benetis/nkz-module-data-hub/internal/entities"
	"github.com/k8-benetis/nkz-module-data-hub/internal/export"
	"github.com/k8-benetis/nkz-module-data-hub/internal/gather"
	"github.com/k8-benetis/nkz-module-data-hub/internal/model"
	"github.com/k8-benetis/nkz-module-data-hub/internal/registry"
	"github.com/k8-benetis/nkz-module-data-hub/internal/urn"
	"github.com/k8-benetis/nkz-module-data-hub/metrics"
	"github.com/k8-benetis/nkz-module-data-hub/server/handler"
)

// upstreamResponse is one canned reply a fakeDoer hands back for a host.
type upstreamResponse struct {
	status      int
	contentType string
	body        []byte
}

// fakeDoer answers every outbound request with the response registered for
// its host, recording "host path" for every call it sees. URN location
// lookups can be forced to report no location regardless of host.
type fakeDoer struct {
	mu         sync.Mutex
	byHost     map[string]upstreamResponse
	fail       map[string]error
	noLocation bool
	calls      []string
}

func (f *fakeDoer) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL.Hostname()+" "+req.URL.Path)
	f.mu.Unlock()

	if f.noLocation && strings.HasSuffix(req.URL.Path, "/timeseries-location") {
		return &http.Response{StatusCode: 404, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	if err, ok := f.fail[req.URL.Hostname()]; ok {
		return nil, err
	}

	resp, ok := f.byHost[req.URL.Hostname()]
	if !ok {
		resp = upstreamResponse{status: 200}
	}
	header := http.Header{}
	if resp.contentType != "" {
		header.Set("Content-Type", resp.contentType)
	}
	return &http.Response{
		StatusCode: resp.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(resp.body)),
	}, nil
}

func (f *fakeDoer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// syncDoer adapts fakeDoer to the single-argument Do(req) shape urn.Doer
// and entities.Doer expect.
type syncDoer struct{ d *fakeDoer }

func (s syncDoer) Do(req *http.Request) (*http.Response, error) {
	return s.d.Do(req.Context(), req)
}

// fakeUploader records the one upload it receives and mints a deterministic
// presigned URL for it.
type fakeUploader struct {
	key         string
	contentType string
	bodyLen     int
}

func (f *fakeUploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	f.key = key
	f.contentType = contentType
	f.bodyLen = len(body)
	return nil
}

func (f *fakeUploader) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://minio.example/" + key + "?signed", nil
}

func newDeps(cfg *config.Config, doer *fakeDoer, up export.Uploader) *handler.Deps {
	reg := registry.New(cfg)
	resolver := urn.New(cfg.PlatformAPIURL, syncDoer{doer})
	return &handler.Deps{
		Config:        cfg,
		Registry:      reg,
		Resolver:      resolver,
		Coordinator:   gather.New(reg, resolver, doer),
		EntityIndexer: entities.New(cfg.BrokerURL(), cfg.EntityTypes, syncDoer{doer}),
		Uploader:      up,
		Doer:          doer,
		Stats:         metrics.NewMulti(),
	}
}

// singleSeriesBuffer encodes one Arrow IPC buffer shaped the way a
// single-series upstream answers: a "timestamp" column plus one value
// column named colName.
func singleSeriesBuffer(t *testing.T, colName string, ts, vals []float64) []byte {
	t.Helper()

	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "timestamp", Type: arrow.PrimitiveTypes.Float64},
		{Name: colName, Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)

	tsBuilder := array.NewFloat64Builder(pool)
	defer tsBuilder.Release()
	tsBuilder.AppendValues(ts, nil)
	tsArr := tsBuilder.NewFloat64Array()
	defer tsArr.Release()

	valBuilder := array.NewFloat64Builder(pool)
	defer valBuilder.Release()
	valBuilder.AppendValues(vals, nil)
	valArr := valBuilder.NewFloat64Array()
	defer valArr.Release()

	rec := array.NewRecord(schema, []arrow.Array{tsArr, valArr}, int64(len(ts)))
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

// multiSeriesBuffer encodes one Arrow IPC buffer shaped the way a grouped
// multi-series fetch answers: timestamp plus value_0..value_{n-1}.
func multiSeriesBuffer(t *testing.T, ts []float64, vals [][]float64) []byte {
	t.Helper()

	cols := make([]model.Column, len(vals))
	for i, v := range vals {
		valid := make([]bool, len(v))
		for j := range valid {
			valid[j] = true
		}
		cols[i] = model.Column{Values: v, Valid: valid}
	}
	buf, err := arrowcodec.Encode(model.AlignedFrame{Timestamps: ts, Values: cols})
	require.NoError(t, err)
	return buf
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body map[string]any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func alignBody(series []map[string]any) map[string]any {
	return map[string]any{
		"series":     series,
		"start_time": "2024-01-01T00:00:00Z",
		"end_time":   "2024-01-02T00:00:00Z",
	}
}

func TestAlignRejectsUndersizedSeries(t *testing.T) {
	d := newDeps(&config.Config{PlatformAPIURL: "https://platform.example"}, &fakeDoer{}, nil)

	w := postJSON(t, d.AlignHandler(), "/api/datahub/timeseries/align", alignBody([]map[string]any{
		{"entity_id": "p1", "attribute": "ndvi"},
	}), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorBody(t, w), "at least 2")
}

func TestAlignRejectsMissingTimes(t *testing.T) {
	d := newDeps(&config.Config{PlatformAPIURL: "https://platform.example"}, &fakeDoer{}, nil)

	w := postJSON(t, d.AlignHandler(), "/api/datahub/timeseries/align", map[string]any{
		"series": []map[string]any{
			{"entity_id": "p1", "attribute": "ndvi"},
			{"entity_id": "p2", "attribute": "ndvi"},
		},
	}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorBody(t, w), "start_time")
}

func TestAlignRejectsUnorderedTimes(t *testing.T) {
	d := newDeps(&config.Config{PlatformAPIURL: "https://platform.example"}, &fakeDoer{}, nil)

	w := postJSON(t, d.AlignHandler(), "/api/datahub/timeseries/align", map[string]any{
		"series": []map[string]any{
			{"entity_id": "p1", "attribute": "ndvi"},
			{"entity_id": "p2", "attribute": "ndvi"},
		},
		"start_time": "2024-01-02T00:00:00Z",
		"end_time":   "2024-01-01T00:00:00Z",
	}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorBody(t, w), "strictly before")
}

// TestAlignRouteAProxiesPlatformAlign: two default-source descriptors
// trigger exactly one outbound request (the platform align POST), whose
// body comes back verbatim. No URN resolution happens for non-URN ids.
func TestAlignRouteAProxiesPlatformAlign(t *testing.T) {
	doer := &fakeDoer{byHost: map[string]upstreamResponse{
		"platform.example": {status: 200, contentType: export.ContentTypeArrow, body: []byte("ARROWSTREAM")},
	}}
	d := newDeps(&config.Config{PlatformAPIURL: "https://platform.example"}, doer, nil)

	w := postJSON(t, d.AlignHandler(), "/api/datahub/timeseries/align", alignBody([]map[string]any{
		{"entity_id": "p1", "attribute": "ndvi"},
		{"entity_id": "p2", "attribute": "ndvi"},
	}), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.ContentTypeArrow, w.Header().Get("Content-Type"))
	assert.Equal(t, "ARROWSTREAM", w.Body.String())
	require.Equal(t, 1, doer.callCount())
	assert.Equal(t, "platform.example /api/timeseries/align", doer.calls[0])
}

// TestAlignRouteBMixedSources: one timescale and one adapter descriptor
// fan out to two fetches and come back as a single Arrow frame with
// value_0 from the first source and value_1 from the second, in request
// order.
func TestAlignRouteBMixedSources(t *testing.T) {
	doer := &fakeDoer{byHost: map[string]upstreamResponse{
		"platform.example": {status: 200, body: singleSeriesBuffer(t, "value", []float64{1, 2}, []float64{10, 20})},
		"weather-adapter":  {status: 200, body: singleSeriesBuffer(t, "value", []float64{2, 3}, []float64{100, 200})},
	}}
	cfg := &config.Config{
		PlatformAPIURL:  "https://platform.example",
		AdapterBaseURLs: map[string]string{"weather": "http://weather-adapter"},
	}
	d := newDeps(cfg, doer, nil)

	w := postJSON(t, d.AlignHandler(), "/api/datahub/timeseries/align", alignBody([]map[string]any{
		{"entity_id": "a", "attribute": "t", "source": "timescale"},
		{"entity_id": "b", "attribute": "t", "source": "weather"},
	}), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.ContentTypeArrow, w.Header().Get("Content-Type"))
	assert.Equal(t, 2, doer.callCount())

	frame, err := arrowcodec.Decode(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"value_0", "value_1"}, frame.ColumnOrder)
	assert.Equal(t, []float64{1, 2, 3}, frame.Timestamps)

	// value_0 comes from the timescale fetch, absent at t=3.
	v0 := frame.Columns["value_0"]
	assert.Equal(t, []bool{true, true, false}, v0.Valid)
	assert.Equal(t, 10.0, v0.Values[0])

	// value_1 comes from the adapter, absent at t=1.
	v1 := frame.Columns["value_1"]
	assert.Equal(t, []bool{false, true, true}, v1.Valid)
	assert.Equal(t, 100.0, v1.Values[1])
}

// TestAlignRouteBInterleavedSourcesKeepRequestOrder: descriptors 0 and 2
// share the weather group while descriptor 1 is timescale, so the
// per-source grouping interleaves them; the response columns must still
// follow the request's descriptor order, with descriptor 1's column
// between the two weather columns.
func TestAlignRouteBInterleavedSourcesKeepRequestOrder(t *testing.T) {
	doer := &fakeDoer{byHost: map[string]upstreamResponse{
		"platform.example": {status: 200, body: singleSeriesBuffer(t, "value", []float64{20, 30}, []float64{5, 6})},
		"weather-adapter":  {status: 200, body: multiSeriesBuffer(t, []float64{10, 20}, [][]float64{{1, 2}, {3, 4}})},
	}}
	cfg := &config.Config{
		PlatformAPIURL:  "https://platform.example",
		AdapterBaseURLs: map[string]string{"weather": "http://weather-adapter"},
	}
	d := newDeps(cfg, doer, nil)

	w := postJSON(t, d.AlignHandler(), "/api/datahub/timeseries/align", alignBody([]map[string]any{
		{"entity_id": "a", "attribute": "t", "source": "weather"},
		{"entity_id": "b", "attribute": "t", "source": "timescale"},
		{"entity_id": "c", "attribute": "t", "source": "weather"},
	}), nil)

	require.Equal(t, http.StatusOK, w.Code)

	frame, err := arrowcodec.Decode(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"value_0", "value_1", "value_2"}, frame.ColumnOrder)
	assert.Equal(t, []float64{10, 20, 30}, frame.Timestamps)

	// value_0 is descriptor a, the weather group's first column.
	assert.Equal(t, []bool{true, true, false}, frame.Columns["value_0"].Valid)
	assert.Equal(t, 1.0, frame.Columns["value_0"].Values[0])

	// value_1 is descriptor b from timescale, not the weather group's
	// second column.
	assert.Equal(t, []bool{false, true, true}, frame.Columns["value_1"].Valid)
	assert.Equal(t, 5.0, frame.Columns["value_1"].Values[1])

	// value_2 is descriptor c, the weather group's second column.
	assert.Equal(t, []bool{true, true, false}, frame.Columns["value_2"].Valid)
	assert.Equal(t, 4.0, frame.Columns["value_2"].Values[1])
}

// TestAlignRouteBAdapterFailureIs502: a failing source aborts the whole
// request with a 502 whose body names the source.
func TestAlignRouteBAdapterFailureIs502(t *testing.T) {
	doer := &fakeDoer{
		byHost: map[string]upstreamResponse{
			"adapter-x": {status: 200, body: singleSeriesBuffer(t, "value", []float64{1}, []float64{10})},
		},
		fail: map[string]error{"adapter-y": assert.AnError},
	}
	cfg := &config.Config{AdapterBaseURLs: map[string]string{
		"x": "http://adapter-x",
		"y": "http://adapter-y",
	}}
	d := newDeps(cfg, doer, nil)

	w := postJSON(t, d.AlignHandler(), "/api/datahub/timeseries/align", alignBody([]map[string]any{
		{"entity_id": "a", "attribute": "t", "source": "x"},
		{"entity_id": "b", "attribute": "t", "source": "y"},
	}), nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, errorBody(t, w), "Error obteniendo datos de y")
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	d := newDeps(&config.Config{}, &fakeDoer{}, nil)

	body := alignBody([]map[string]any{{"entity_id": "a", "attribute": "t", "source": "weather"}})
	body["format"] = "xlsx"
	w := postJSON(t, d.ExportHandler(), "/api/datahub/export", body, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorBody(t, w), "csv or parquet")
}

// TestExportDefaultsMissingFormatToCSV: an absent format field streams CSV
// rather than 400ing, and the grid row count follows the aggregation
// granularity, not the body's resolution: an absent aggregation means
// hourly, so a one-day range yields 24 rows plus the header.
func TestExportDefaultsMissingFormatToCSV(t *testing.T) {
	start, err := time.Parse(time.RFC3339, "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	base := float64(start.Unix())

	doer := &fakeDoer{byHost: map[string]upstreamResponse{
		"weather-adapter": {status: 200, body: singleSeriesBuffer(t, "value",
			[]float64{base, base + 3600}, []float64{1.5, 2.5})},
	}}
	cfg := &config.Config{AdapterBaseURLs: map[string]string{"weather": "http://weather-adapter"}}
	d := newDeps(cfg, doer, nil)

	body := alignBody([]map[string]any{{"entity_id": "a", "attribute": "t", "source": "weather"}})
	body["resolution"] = 100 // ignored by the output grid
	w := postJSON(t, d.ExportHandler(), "/api/datahub/export", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.ContentTypeCSV, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "hybrid_export.csv")

	lines := strings.Split(strings.TrimRight(w.Body.String(), "\n"), "\n")
	require.Equal(t, 25, len(lines))
	assert.Equal(t, "timestamp,value_0", lines[0])
	// The first grid point sits exactly on the first sample, so LOCF
	// carries 1.5 into it.
	assert.True(t, strings.HasSuffix(lines[1], ",1.5"))
}

// TestExportAggregationControlsGridDensity: a "1 day" export over ten days
// yields one output row per day, whatever resolution the body asked for.
func TestExportAggregationControlsGridDensity(t *testing.T) {
	start, err := time.Parse(time.RFC3339, "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	base := float64(start.Unix())

	doer := &fakeDoer{byHost: map[string]upstreamResponse{
		"weather-adapter": {status: 200, body: singleSeriesBuffer(t, "value",
			[]float64{base}, []float64{7})},
	}}
	cfg := &config.Config{AdapterBaseURLs: map[string]string{"weather": "http://weather-adapter"}}
	d := newDeps(cfg, doer, nil)

	body := map[string]any{
		"series":      []map[string]any{{"entity_id": "a", "attribute": "t", "source": "weather"}},
		"start_time":  "2024-01-01T00:00:00Z",
		"end_time":    "2024-01-11T00:00:00Z",
		"aggregation": "1 day",
		"resolution":  5000,
	}
	w := postJSON(t, d.ExportHandler(), "/api/datahub/export", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	lines := strings.Split(strings.TrimRight(w.Body.String(), "\n"), "\n")
	assert.Equal(t, 11, len(lines))
}

// TestExportParquetWithoutCredentialsIs503 pins the exact error message
// the frontend matches on, and that no upstream fetch is wasted first.
func TestExportParquetWithoutCredentialsIs503(t *testing.T) {
	doer := &fakeDoer{}
	cfg := &config.Config{AdapterBaseURLs: map[string]string{"weather": "http://weather-adapter"}}
	d := newDeps(cfg, doer, nil)

	body := alignBody([]map[string]any{{"entity_id": "a", "attribute": "t", "source": "weather"}})
	body["format"] = "parquet"
	w := postJSON(t, d.ExportHandler(), "/api/datahub/export", body, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "S3_ACCESS_KEY and S3_SECRET_KEY required for Parquet export", errorBody(t, w))
	assert.Equal(t, 0, doer.callCount())
}

func TestExportParquetUploadsAndReturnsPresignedURL(t *testing.T) {
	start, err := time.Parse(time.RFC3339, "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	base := float64(start.Unix())

	doer := &fakeDoer{byHost: map[string]upstreamResponse{
		"weather-adapter": {status: 200, body: singleSeriesBuffer(t, "value",
			[]float64{base}, []float64{7})},
	}}
	cfg := &config.Config{
		AdapterBaseURLs: map[string]string{"weather": "http://weather-adapter"},
		S3:              config.S3Config{AccessKey: "ak", SecretKey: "sk", Bucket: "b"},
	}
	up := &fakeUploader{}
	d := newDeps(cfg, doer, up)

	body := alignBody([]map[string]any{{"entity_id": "a", "attribute": "t", "source": "weather"}})
	body["format"] = "parquet"
	w := postJSON(t, d.ExportHandler(), "/api/datahub/export", body, map[string]string{
		"X-Tenant-ID": "tenant-a",
	})

	require.Equal(t, http.StatusOK, w.Code)

	var result export.ParquetResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "parquet", result.Format)
	assert.Equal(t, export.PresignExpirySeconds, result.ExpiresIn)
	assert.Contains(t, result.DownloadURL, "exports/tenant-a/")

	assert.True(t, strings.HasPrefix(up.key, "exports/tenant-a/"))
	assert.True(t, strings.HasSuffix(up.key, ".parquet"))
	assert.Equal(t, export.ContentTypeParquet, up.contentType)
	assert.Greater(t, up.bodyLen, 0)
}

// TestExportUnresolvedURNIs404: the export path fails the whole request
// when a timescale URN has no time-series location.
func TestExportUnresolvedURNIs404(t *testing.T) {
	doer := &fakeDoer{noLocation: true}
	cfg := &config.Config{
		PlatformAPIURL:  "https://platform.example",
		AdapterBaseURLs: map[string]string{"weather": "http://weather-adapter"},
	}
	d := newDeps(cfg, doer, nil)

	w := postJSON(t, d.ExportHandler(), "/api/datahub/export", alignBody([]map[string]any{
		{"entity_id": "urn:ngsi-ld:Parcel:abc", "attribute": "t", "source": "timescale"},
		{"entity_id": "b", "attribute": "t", "source": "weather"},
	}), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, errorBody(t, w), "urn:ngsi-ld:Parcel:abc")
}

func TestEntityDataWithoutPlatformIs503(t *testing.T) {
	d := newDeps(&config.Config{}, &fakeDoer{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/datahub/timeseries/entities/p1/data", nil)
	w := httptest.NewRecorder()
	d.EntityDataHandler()(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEntityDataUnresolvableURNIs204(t *testing.T) {
	doer := &fakeDoer{noLocation: true}
	d := newDeps(&config.Config{PlatformAPIURL: "https://platform.example"}, doer, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/datahub/timeseries/entities/urn:ngsi-ld:Parcel:abc/data", nil)
	w := httptest.NewRecorder()
	d.EntityDataHandler()(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestEntityDataProxiesUpstreamBody(t *testing.T) {
	doer := &fakeDoer{byHost: map[string]upstreamResponse{
		"platform.example": {status: 200, contentType: export.ContentTypeArrow, body: []byte("DATA")},
	}}
	d := newDeps(&config.Config{PlatformAPIURL: "https://platform.example"}, doer, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/datahub/timeseries/entities/p1/data?attribute=ndvi&format=arrow", nil)
	w := httptest.NewRecorder()
	d.EntityDataHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.ContentTypeArrow, w.Header().Get("Content-Type"))
	assert.Equal(t, "DATA", w.Body.String())
}

// TestEntityDataUpstreamErrorBecomesJSONError: a non-JSON upstream 5xx body
// is wrapped into this BFF's {error} envelope at the same status.
func TestEntityDataUpstreamErrorBecomesJSONError(t *testing.T) {
	doer := &fakeDoer{byHost: map[string]upstreamResponse{
		"platform.example": {status: 500, contentType: "text/plain", body: []byte("boom")},
	}}
	d := newDeps(&config.Config{PlatformAPIURL: "https://platform.example"}, doer, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/datahub/timeseries/entities/p1/data", nil)
	w := httptest.NewRecorder()
	d.EntityDataHandler()(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, errorBody(t, w), "boom")
}

func TestEntitiesWithoutBrokerReturnsEmptyList(t *testing.T) {
	d := newDeps(&config.Config{}, &fakeDoer{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/datahub/entities?search=farm", nil)
	w := httptest.NewRecorder()
	d.EntitiesHandler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entities": []}`, w.Body.String())
}

func TestWorkspacesWithoutBrokerIs503(t *testing.T) {
	d := newDeps(&config.Config{}, &fakeDoer{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/datahub/workspaces", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	d.WorkspacesHandler()(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWorkspacesForwardsToBroker(t *testing.T) {
	doer := &fakeDoer{byHost: map[string]upstreamResponse{
		"orion.example": {status: 201, contentType: "application/json", body: []byte(`{"id":"ws-1"}`)},
	}}
	d := newDeps(&config.Config{OrionURL: "https://orion.example"}, doer, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/datahub/workspaces", strings.NewReader(`{"type":"Workspace"}`))
	req.Header.Set("Fiware-Service", "tenant-a")
	w := httptest.NewRecorder()
	d.WorkspacesHandler()(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, `{"id":"ws-1"}`, w.Body.String())
	require.Equal(t, 1, doer.callCount())
	assert.Equal(t, "orion.example /ngsi-ld/v1/entities", doer.calls[0])
}
