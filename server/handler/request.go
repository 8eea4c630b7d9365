package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/k8-benetis/nkz-module-data-hub/internal/model"
)

// seriesRequestBody is the wire shape of POST /timeseries/align and
// POST /export bodies.
type seriesRequestBody struct {
	Series      []model.SeriesDescriptor `json:"series"`
	StartTime   string                   `json:"start_time"`
	EndTime     string                   `json:"end_time"`
	Resolution  int                      `json:"resolution"`
	Aggregation string                   `json:"aggregation,omitempty"`
	Format      string                   `json:"format,omitempty"`
}

// decodeSeriesRequest decodes and validates r's JSON body into a normalized
// model.SeriesRequest: malformed JSON, missing or non-ordered times,
// undersized series, and invalid descriptors all yield 400 before any
// network I/O happens.
func decodeSeriesRequest(r *http.Request, minSeries int) (model.SeriesRequest, *apiError) {
	var body seriesRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return model.SeriesRequest{}, badRequest("malformed request body: %v", err)
	}

	if body.StartTime == "" || body.EndTime == "" {
		return model.SeriesRequest{}, badRequest("start_time and end_time are required")
	}
	start, err := time.Parse(time.RFC3339, body.StartTime)
	if err != nil {
		return model.SeriesRequest{}, badRequest("start_time is not valid ISO-8601: %v", err)
	}
	end, err := time.Parse(time.RFC3339, body.EndTime)
	if err != nil {
		return model.SeriesRequest{}, badRequest("end_time is not valid ISO-8601: %v", err)
	}
	if !start.Before(end) {
		return model.SeriesRequest{}, badRequest("start_time must be strictly before end_time")
	}

	if len(body.Series) < minSeries {
		return model.SeriesRequest{}, badRequest("series must contain at least %d entries", minSeries)
	}

	series := make([]model.SeriesDescriptor, len(body.Series))
	copy(series, body.Series)
	for i := range series {
		if err := series[i].Normalize(); err != nil {
			return model.SeriesRequest{}, badRequest("series[%d]: %v", i, err)
		}
	}

	resolution := body.Resolution
	if resolution == 0 {
		resolution = model.DefaultResolution
	}

	format := body.Format
	if format == "" {
		format = string(model.FormatCSV)
	}

	req := model.SeriesRequest{
		Series:      series,
		TimeRange:   model.TimeRange{Start: start, End: end},
		Resolution:  resolution,
		Aggregation: model.Aggregation(body.Aggregation),
		Format:      model.ExportFormat(format),
	}
	return req, nil
}

// proxySeries and proxyPayload mirror the platform's own align/export wire
// shape, used only by the Route A transparent-proxy path (the platform, not
// this BFF, performs the join for a single-provider request).
type proxySeries struct {
	EntityID  string `json:"entity_id"`
	Attribute string `json:"attribute"`
	Source    string `json:"source,omitempty"`
}

type proxyPayload struct {
	Series      []proxySeries `json:"series"`
	StartTime   string        `json:"start_time"`
	EndTime     string        `json:"end_time"`
	Resolution  int           `json:"resolution"`
	Aggregation string        `json:"aggregation,omitempty"`
	Format      string        `json:"format,omitempty"`
}

func toProxyPayload(req model.SeriesRequest) proxyPayload {
	series := make([]proxySeries, len(req.Series))
	for i, s := range req.Series {
		series[i] = proxySeries{EntityID: s.EntityID, Attribute: s.Attribute, Source: s.Source}
	}
	return proxyPayload{
		Series:      series,
		StartTime:   req.TimeRange.Start.Format(time.RFC3339),
		EndTime:     req.TimeRange.End.Format(time.RFC3339),
		Resolution:  req.Resolution,
		Aggregation: string(req.Aggregation),
		Format:      string(req.Format),
	}
}
