// Package arrowcodec decodes Arrow IPC byte streams into the columnar
// model.Frame used by the Alignment Engine, and encodes an aligned frame
// back to Arrow IPC bytes.
package arrowcodec

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/k8-benetis/nkz-module-data-hub/internal/model"
)

// InvalidArrowError marks a buffer that could not be decoded, or that was
// decoded but lacked the columns a caller required.
type InvalidArrowError struct {
	Reason string
}

func (e *InvalidArrowError) Error() string {
	return fmt.Sprintf("invalid arrow buffer: %s", e.Reason)
}

const timestampColumn = "timestamp"

// Decode reads one Arrow IPC stream from buf into a model.Frame. An empty
// buffer decodes to an empty, columnless Frame rather than an error: the
// Alignment Engine treats an empty frame as "no data for this series",
// not as a decode failure.
func Decode(buf []byte) (model.Frame, error) {
	if len(buf) == 0 {
		return model.Frame{Columns: map[string]model.Column{}}, nil
	}

	reader, err := ipc.NewReader(bytes.NewReader(buf), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return model.Frame{}, &InvalidArrowError{Reason: err.Error()}
	}
	defer reader.Release()

	frame := model.Frame{Columns: map[string]model.Column{}}
	schema := reader.Schema()
	colIndex := map[string]int{}
	for i, field := range schema.Fields() {
		colIndex[field.Name] = i
		if field.Name != timestampColumn {
			frame.ColumnOrder = append(frame.ColumnOrder, field.Name)
		}
	}

	for reader.Next() {
		rec := reader.Record()
		if err := appendRecord(&frame, rec, colIndex); err != nil {
			return model.Frame{}, err
		}
	}
	if err := reader.Err(); err != nil {
		return model.Frame{}, &InvalidArrowError{Reason: err.Error()}
	}

	return frame, nil
}

// appendRecord appends one Arrow record's rows onto frame, converting the
// timestamp column to float64 seconds and every other column to a nullable
// float64 value column.
func appendRecord(frame *model.Frame, rec arrow.Record, colIndex map[string]int) error {
	tsIdx, ok := colIndex[timestampColumn]
	if !ok {
		return &InvalidArrowError{Reason: "missing timestamp column"}
	}

	tsCol, err := columnAsNullableFloat64(rec.Column(tsIdx))
	if err != nil {
		return &InvalidArrowError{Reason: "timestamp: " + err.Error()}
	}

	n := int(rec.NumRows())
	frame.Timestamps = append(frame.Timestamps, tsCol.Values...)

	for name, idx := range colIndex {
		if name == timestampColumn {
			continue
		}
		col, err := columnAsNullableFloat64(rec.Column(idx))
		if err != nil {
			return &InvalidArrowError{Reason: name + ": " + err.Error()}
		}
		existing, ok := frame.Columns[name]
		if !ok {
			// Backfill any rows appended by earlier records before this
			// column first appeared.
			priorLen := len(frame.Timestamps) - n
			existing = model.NewColumn(priorLen)
		}
		existing.Values = append(existing.Values, col.Values...)
		existing.Valid = append(existing.Valid, col.Valid...)
		frame.Columns[name] = existing
	}

	return nil
}

// columnAsNullableFloat64 converts an Arrow array of a numeric or temporal
// type into a nullable float64 vector. Supported types: Float64, Float32,
// Int64, Int32, and Timestamp (converted to epoch seconds).
func columnAsNullableFloat64(col arrow.Array) (model.Column, error) {
	n := col.Len()
	out := model.NewColumn(n)

	switch typed := col.(type) {
	case *array.Float64:
		for i := 0; i < n; i++ {
			if typed.IsValid(i) {
				out.Set(i, typed.Value(i))
			}
		}
	case *array.Float32:
		for i := 0; i < n; i++ {
			if typed.IsValid(i) {
				out.Set(i, float64(typed.Value(i)))
			}
		}
	case *array.Int64:
		for i := 0; i < n; i++ {
			if typed.IsValid(i) {
				out.Set(i, float64(typed.Value(i)))
			}
		}
	case *array.Int32:
		for i := 0; i < n; i++ {
			if typed.IsValid(i) {
				out.Set(i, float64(typed.Value(i)))
			}
		}
	case *array.Timestamp:
		unit := typed.DataType().(*arrow.TimestampType).Unit
		for i := 0; i < n; i++ {
			if typed.IsValid(i) {
				out.Set(i, timestampToSeconds(int64(typed.Value(i)), unit))
			}
		}
	default:
		return model.Column{}, fmt.Errorf("unsupported arrow type %s", col.DataType().Name())
	}

	return out, nil
}

func timestampToSeconds(v int64, unit arrow.TimeUnit) float64 {
	switch unit {
	case arrow.Second:
		return float64(v)
	case arrow.Millisecond:
		return float64(v) / 1e3
	case arrow.Microsecond:
		return float64(v) / 1e6
	case arrow.Nanosecond:
		return float64(v) / 1e9
	default:
		return float64(v)
	}
}

// Encode writes an AlignedFrame to an Arrow IPC stream, preserving column
// order timestamp, value_0, value_1, ... and round-tripping row count and
// null semantics.
func Encode(frame model.AlignedFrame) ([]byte, error) {
	pool := memory.NewGoAllocator()

	fields := make([]arrow.Field, 0, frame.NumCols()+1)
	fields = append(fields, arrow.Field{Name: timestampColumn, Type: arrow.PrimitiveTypes.Float64})
	for i := range frame.Values {
		fields = append(fields, arrow.Field{
			Name:     model.ColumnName(i),
			Type:     arrow.PrimitiveTypes.Float64,
			Nullable: true,
		})
	}
	schema := arrow.NewSchema(fields, nil)

	tsBuilder := array.NewFloat64Builder(pool)
	defer tsBuilder.Release()
	tsBuilder.AppendValues(frame.Timestamps, nil)
	tsArr := tsBuilder.NewFloat64Array()
	defer tsArr.Release()

	cols := make([]arrow.Array, 0, frame.NumCols()+1)
	cols = append(cols, tsArr)

	for _, col := range frame.Values {
		b := array.NewFloat64Builder(pool)
		b.AppendValues(col.Values, col.Valid)
		arr := b.NewFloat64Array()
		b.Release()
		defer arr.Release()
		cols = append(cols, arr)
	}

	rec := array.NewRecord(schema, cols, int64(frame.NumRows()))
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	if err := writer.Write(rec); err != nil {
		return nil, fmt.Errorf("encode arrow ipc: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close arrow ipc writer: %w", err)
	}

	return buf.Bytes(), nil
}

// SortByTimestamp stable-sorts a Frame by its timestamp column ascending,
// carrying every value column along. Ties keep their relative order, so
// the last duplicate timestamp wins any subsequent as-of lookup.
func SortByTimestamp(f *model.Frame) {
	n := len(f.Timestamps)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return f.Timestamps[idx[a]] < f.Timestamps[idx[b]]
	})

	newTS := make([]float64, n)
	for i, j := range idx {
		newTS[i] = f.Timestamps[j]
	}

	for name, col := range f.Columns {
		newVals := make([]float64, n)
		newValid := make([]bool, n)
		for i, j := range idx {
			newVals[i] = col.Values[j]
			newValid[i] = col.Valid[j]
		}
		f.Columns[name] = model.Column{Values: newVals, Valid: newValid}
	}

	f.Timestamps = newTS
}
