package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/k8-benetis/nkz-module-data-hub/internal/export"
	"github.com/k8-benetis/nkz-module-data-hub/internal/gather"
	"github.com/k8-benetis/nkz-module-data-hub/internal/model"
	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
	"github.com/k8-benetis/nkz-module-data-hub/metrics"
)

// AlignHandler handles POST /api/datahub/timeseries/align: validate,
// normalize, decide Route A vs B, and return the aligned result as Arrow
// IPC.
func (d *Deps) AlignHandler() http.HandlerFunc {
	return d.instrument("datahub.router.align", d.align)
}

func (d *Deps) align(w http.ResponseWriter, r *http.Request) error {
	req, apiErr := decodeSeriesRequest(r, 2)
	if apiErr != nil {
		return apiErr
	}
	req.ClampAlign()

	tc := tenant.FromRequest(r)

	if d.Coordinator.DecideRoute(req) == gather.RouteA {
		return d.proxyAlign(w, r, req, tc)
	}
	return d.gatherAlign(w, r, req, tc)
}

// proxyAlign is Route A: a single provider serves every descriptor, so the
// platform itself performs the join and this BFF is a transparent proxy.
func (d *Deps) proxyAlign(w http.ResponseWriter, r *http.Request, req model.SeriesRequest, tc tenant.Context) error {
	if d.Config.PlatformAPIURL == "" {
		return unconfigured("PLATFORM_API_URL is not configured")
	}

	body, err := json.Marshal(toProxyPayload(req))
	if err != nil {
		return internalError(err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), gather.TimeoutPlatformCall)
	defer cancel()

	resp, err := d.forward(ctx, http.MethodPost, d.Config.PlatformAPIURL+"/api/timeseries/align", body, "application/json", tc)
	if err != nil {
		return upstreamFailure(err)
	}
	return copyUpstream(w, resp)
}

// gatherAlign is Route B: fan out per source group, then merge the
// collected Arrow buffers with the outer-join alignment mode.
func (d *Deps) gatherAlign(w http.ResponseWriter, r *http.Request, req model.SeriesRequest, tc tenant.Context) error {
	ctx := r.Context()

	d.Stats.Gauge("datahub.align.series_count", float64(len(req.Series)))

	descriptors, err := d.Coordinator.ResolveDescriptors(ctx, req.Series, tc, false)
	if err != nil {
		return err
	}

	result, err := d.Coordinator.Gather(ctx, d.Config.PlatformAPIURL, descriptors, req.TimeRange, req.Resolution, tc)
	if err != nil {
		return err
	}

	aligned, err := gather.AlignForAlignRoute(result.PerDescriptor, result.PerDescriptorColumn)
	if err != nil {
		return upstreamFailure(err)
	}

	body, err := export.Arrow(aligned)
	if err != nil {
		return internalError(err)
	}
	d.Stats.Histogram(metrics.ResponseBytesStat, float64(len(body)), metrics.NewKVTag("format", "arrow"))

	w.Header().Set("Content-Type", export.ContentTypeArrow)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(body)
	return err
}
