// Package model holds the request/response-shaped values that flow through
// the hybrid time-series orchestrator: SeriesDescriptor, SeriesRequest, and
// the column-oriented frames produced along the way. None of these types
// carry state beyond a single request.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSource is used whenever a SeriesDescriptor omits source.
const DefaultSource = "timescale"

const (
	// MinAlignResolution and MaxAlignResolution bound the resolution
	// exposed to callers of align/export.
	MinAlignResolution = 100
	MaxAlignResolution = 10000

	// MinGridResolution and MaxGridResolution bound the resolution used
	// internally to build a time grid.
	MinGridResolution = 2
	MaxGridResolution = 10000

	// DefaultResolution is used when a SeriesRequest omits resolution.
	DefaultResolution = 1000
)

// SeriesDescriptor is the unit of request: one requested time series.
type SeriesDescriptor struct {
	EntityID  string `json:"entity_id"`
	Attribute string `json:"attribute"`
	Source    string `json:"source,omitempty"`
}

// Normalize trims/lowercases Source (defaulting to DefaultSource) and
// validates that EntityID and Attribute are non-empty. Normalization is
// idempotent: calling it twice yields the same result.
func (d *SeriesDescriptor) Normalize() error {
	d.EntityID = strings.TrimSpace(d.EntityID)
	d.Attribute = strings.TrimSpace(d.Attribute)
	d.Source = strings.ToLower(strings.TrimSpace(d.Source))
	if d.Source == "" {
		d.Source = DefaultSource
	}

	if d.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if d.Attribute == "" {
		return fmt.Errorf("attribute is required")
	}
	return nil
}

// IsURN reports whether EntityID is a URN requiring resolution, matched
// case-insensitively against the "urn:" prefix.
func (d SeriesDescriptor) IsURN() bool {
	return len(d.EntityID) >= 4 && strings.EqualFold(d.EntityID[:4], "urn:")
}

// TimeRange is the [Start, End) time window of a request, always with
// Start strictly before End.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// StartUnix and EndUnix return the range bounds as float seconds since the
// epoch, the representation the Time-Grid Builder and Alignment Engine
// operate on.
func (r TimeRange) StartUnix() float64 { return float64(r.Start.UnixNano()) / 1e9 }
func (r TimeRange) EndUnix() float64   { return float64(r.End.UnixNano()) / 1e9 }

// Aggregation is the export-only aggregation granularity token.
type Aggregation string

const (
	AggregationRaw  Aggregation = "raw"
	AggregationHour Aggregation = "1 hour"
	AggregationDay  Aggregation = "1 day"
)

// ResolutionFromAggregation derives a grid point count from the export's
// aggregation granularity over tr: one point per minute for raw, one per
// day for "1 day", and one per hour for "1 hour" or any unrecognized
// token. The result is clamped to the grid resolution bounds.
func ResolutionFromAggregation(agg Aggregation, tr TimeRange) int {
	delta := tr.End.Sub(tr.Start).Seconds()

	var points float64
	switch agg {
	case AggregationRaw:
		points = delta / 60
	case AggregationDay:
		points = delta / 86400
	default:
		points = delta / 3600
	}

	return clamp(int(points), MinGridResolution, MaxGridResolution)
}

// ExportFormat is the export-only output format token.
type ExportFormat string

const (
	FormatCSV     ExportFormat = "csv"
	FormatParquet ExportFormat = "parquet"
)

// SeriesRequest is the normalized, validated request shared by the align
// and export routes.
type SeriesRequest struct {
	Series      []SeriesDescriptor
	TimeRange   TimeRange
	Resolution  int
	Aggregation Aggregation
	Format      ExportFormat
}

// ClampAlign clamps r.Resolution to [MinAlignResolution, MaxAlignResolution].
func (r *SeriesRequest) ClampAlign() {
	r.Resolution = clamp(r.Resolution, MinAlignResolution, MaxAlignResolution)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Frame is a conceptual column-oriented table carrying a "timestamp"
// column plus one or more value columns. It is the in-memory form an
// ArrowFrame is decoded into and the form an AlignedFrame is encoded from.
//
// Values are represented as float64 with an independent null mask so that
// missing samples (LOCF misses, empty upstream buffers) are distinguishable
// from a legitimate zero.
type Frame struct {
	// Timestamps holds one float-seconds timestamp per row, ascending
	// after Sort.
	Timestamps []float64

	// Columns maps a column name ("value", "value_0", ...) to its values,
	// parallel to Timestamps.
	Columns map[string]Column

	// ColumnOrder lists the value column names (excluding "timestamp") in
	// the order they appeared in the source Arrow schema. Go maps do not
	// preserve insertion order, so the outer-join Alignment Engine mode
	// relies on this field, not on Columns, to honor the "stable
	// per-buffer, in-buffer order" requirement.
	ColumnOrder []string
}

// Column is a nullable float64 vector.
type Column struct {
	Values []float64
	Valid  []bool
}

// NewColumn allocates a Column of n null values.
func NewColumn(n int) Column {
	return Column{Values: make([]float64, n), Valid: make([]bool, n)}
}

// Set assigns Values[i]/Valid[i] to a present value.
func (c Column) Set(i int, v float64) {
	c.Values[i] = v
	c.Valid[i] = true
}

// Len returns the frame's row count, 0 if it has no timestamp column.
func (f Frame) Len() int {
	return len(f.Timestamps)
}

// ValueColumnNames returns the frame's value column names (everything but
// "timestamp"), in the order they were inserted is NOT guaranteed by a Go
// map; callers that need input-order column names should track them
// separately (as the Alignment Engine does via explicit indices).
func (f Frame) ValueColumnNames() []string {
	names := make([]string, 0, len(f.Columns))
	for name := range f.Columns {
		names = append(names, name)
	}
	return names
}

// AlignedFrame is the output of the Alignment Engine: a timestamp column
// plus value_0..value_{n-1} in request order.
type AlignedFrame struct {
	Timestamps []float64
	// Values[i] is the column for value_i, parallel to Timestamps.
	Values []Column
}

// ColumnName returns the canonical name for the i'th value column.
func ColumnName(i int) string {
	return fmt.Sprintf("value_%d", i)
}

// NumRows reports the row count of the aligned frame.
func (a AlignedFrame) NumRows() int {
	return len(a.Timestamps)
}

// NumCols reports the number of value columns.
func (a AlignedFrame) NumCols() int {
	return len(a.Values)
}
