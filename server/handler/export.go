package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/k8-benetis/nkz-module-data-hub/internal/export"
	"github.com/k8-benetis/nkz-module-data-hub/internal/gather"
	"github.com/k8-benetis/nkz-module-data-hub/internal/model"
	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
	"github.com/k8-benetis/nkz-module-data-hub/internal/timegrid"
	"github.com/k8-benetis/nkz-module-data-hub/metrics"
)

// TimeoutProxiedExport bounds a Route A export forwarded straight to the
// platform's own /api/timeseries/export.
const TimeoutProxiedExport = 120 * time.Second

// ExportHandler handles POST /api/datahub/export: validate, normalize,
// decide Route A vs B, and either forward to the platform or gather +
// LOCF-align + serialize to CSV or Parquet.
func (d *Deps) ExportHandler() http.HandlerFunc {
	return d.instrument("datahub.router.export", d.export)
}

func (d *Deps) export(w http.ResponseWriter, r *http.Request) error {
	req, apiErr := decodeSeriesRequest(r, 1)
	if apiErr != nil {
		return apiErr
	}
	if req.Format != model.FormatCSV && req.Format != model.FormatParquet {
		return badRequest("format must be csv or parquet")
	}
	req.ClampAlign()

	tc := tenant.FromRequest(r)

	if d.Coordinator.DecideRoute(req) == gather.RouteA {
		return d.proxyExport(w, r, req, tc)
	}
	return d.gatherExport(w, r, req, tc)
}

// proxyExport is Route A: the platform itself aligns and serializes, so
// this BFF forwards the request and streams the response back verbatim,
// whatever content type the platform chose.
func (d *Deps) proxyExport(w http.ResponseWriter, r *http.Request, req model.SeriesRequest, tc tenant.Context) error {
	if d.Config.PlatformAPIURL == "" {
		return unconfigured("PLATFORM_API_URL is not configured")
	}

	body, err := json.Marshal(toProxyPayload(req))
	if err != nil {
		return internalError(err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), TimeoutProxiedExport)
	defer cancel()

	resp, err := d.forward(ctx, http.MethodPost, d.Config.PlatformAPIURL+"/api/timeseries/export", body, "application/json", tc)
	if err != nil {
		return upstreamFailure(err)
	}
	return copyUpstream(w, resp)
}

// gatherExport is Route B: fan out per source group, pre-resolving every
// timescale URN and failing the whole request with 404 if any has no
// time-series location, then align with grid/LOCF and serialize. An
// unresolved series cannot be silently dropped here without corrupting
// every later column's positional meaning.
func (d *Deps) gatherExport(w http.ResponseWriter, r *http.Request, req model.SeriesRequest, tc tenant.Context) error {
	ctx := r.Context()

	// A Parquet export without object-storage credentials can never
	// succeed, so fail before any upstream fetch is issued.
	if req.Format == model.FormatParquet && !d.parquetConfigured() {
		return errParquetUnconfigured()
	}

	d.Stats.Gauge("datahub.export.series_count", float64(len(req.Series)))

	descriptors, err := d.Coordinator.ResolveDescriptors(ctx, req.Series, tc, true)
	if err != nil {
		return err
	}

	result, err := d.Coordinator.Gather(ctx, d.Config.PlatformAPIURL, descriptors, req.TimeRange, req.Resolution, tc)
	if err != nil {
		return err
	}

	// The export grid's density comes from the aggregation granularity
	// over the requested range, not from the body's resolution field: the
	// upstream fetches already use the clamped resolution, while the
	// output rows represent one point per aggregation bucket.
	resolution := model.ResolutionFromAggregation(req.Aggregation, req.TimeRange)
	grid := timegrid.Build(req.TimeRange.StartUnix(), req.TimeRange.EndUnix(), resolution)
	aligned, err := gather.AlignForExport(result.PerDescriptor, result.PerDescriptorColumn, grid)
	if err != nil {
		return upstreamFailure(err)
	}

	switch req.Format {
	case model.FormatParquet:
		return d.exportParquet(r.Context(), w, aligned, tc)
	default:
		return d.exportCSV(w, aligned)
	}
}

// exportCSV streams aligned in CSVChunkSize-row slices, the first chunk
// carrying the header row, flushing after each chunk so the client sees
// the data as it is produced.
func (d *Deps) exportCSV(w http.ResponseWriter, aligned model.AlignedFrame) error {
	w.Header().Set("Content-Type", export.ContentTypeCSV)
	w.Header().Set("Content-Disposition", `attachment; filename="hybrid_export.csv"`)
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	counted := &countingWriter{w: w}

	for _, chunk := range export.CSVChunks(aligned) {
		if err := export.WriteCSVChunk(counted, aligned, chunk); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
	}
	d.Stats.Histogram(metrics.ResponseBytesStat, float64(counted.n), metrics.NewKVTag("format", "csv"))
	return nil
}

// countingWriter tracks bytes written through it, used to report export
// response size without buffering the whole chunked CSV body in memory.
type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

// exportParquet serializes aligned to Parquet and uploads it to object
// storage, returning a presigned download URL. Absent S3 credentials fail
// with 503 before any upload is attempted.
func (d *Deps) exportParquet(ctx context.Context, w http.ResponseWriter, aligned model.AlignedFrame, tc tenant.Context) error {
	if !d.parquetConfigured() {
		return errParquetUnconfigured()
	}

	result, err := export.UploadParquet(ctx, d.Uploader, tc.TenantID, aligned)
	if err != nil {
		return internalError(err)
	}

	writeJSON(w, http.StatusOK, result)
	return nil
}

func (d *Deps) parquetConfigured() bool {
	return d.Uploader != nil && d.Config.S3.Configured()
}

func errParquetUnconfigured() *apiError {
	return unconfigured("S3_ACCESS_KEY and S3_SECRET_KEY required for Parquet export")
}
