// Package align implements the Alignment Engine: the grid/LOCF join used
// by align-route single-series fetches and by every export, and the
// outer-join merge that unions timestamps across per-source Arrow buffers
// while keeping one value column per requested series.
package align

import (
	"fmt"
	"sort"

	"github.com/k8-benetis/nkz-module-data-hub/internal/arrowcodec"
	"github.com/k8-benetis/nkz-module-data-hub/internal/model"
)

const valueColumn = "value"

// GridLOCF aligns one decoded Frame per requested series onto grid using a
// backward as-of join (last observation carried forward). frames must be
// in request order; the returned AlignedFrame has exactly len(frames) value
// columns, named value_0..value_{n-1} in that same order.
//
// A frame that is empty or lacks a "value" column contributes an
// all-null column.
func GridLOCF(grid []float64, frames []model.Frame) model.AlignedFrame {
	out := model.AlignedFrame{
		Timestamps: grid,
		Values:     make([]model.Column, len(frames)),
	}

	for i, frame := range frames {
		out.Values[i] = locfOne(grid, frame)
	}

	return out
}

func locfOne(grid []float64, frame model.Frame) model.Column {
	col := model.NewColumn(len(grid))

	if _, ok := frame.Columns[valueColumn]; !ok || frame.Len() == 0 {
		return col
	}

	sorted := frame
	arrowcodec.SortByTimestamp(&sorted)
	sortedValue := sorted.Columns[valueColumn]

	for i, t := range grid {
		idx := rightmostAtOrBefore(sorted.Timestamps, t)
		if idx < 0 {
			continue
		}
		if sortedValue.Valid[idx] {
			col.Set(i, sortedValue.Values[idx])
		}
	}

	return col
}

// rightmostAtOrBefore returns the largest index j such that ts[j] <= t, or
// -1 if no such index exists. ts must be ascending; when several entries
// share the same timestamp, the rightmost (last after a stable sort) wins.
func rightmostAtOrBefore(ts []float64, t float64) int {
	idx := sort.Search(len(ts), func(i int) bool { return ts[i] > t })
	return idx - 1
}

// OuterJoinByDescriptor merges per-descriptor Arrow IPC buffers into a
// single frame keyed on the union of every timestamp seen, with one value
// column per descriptor in request order. buffers[i] is the buffer
// covering descriptor i (shared by every descriptor in the same source
// group) and columns[i] names the value column within it that carries
// descriptor i's series, so the output columns follow the request's
// descriptor order no matter how the fetches were grouped. An empty
// buffer contributes an all-null column; a non-empty buffer lacking its
// named column is rejected as invalid Arrow.
func OuterJoinByDescriptor(buffers [][]byte, columns []string) (model.AlignedFrame, error) {
	frames := make([]model.Frame, len(buffers))
	for i, buf := range buffers {
		frame, err := arrowcodec.Decode(buf)
		if err != nil {
			return model.AlignedFrame{}, err
		}
		frames[i] = frame
	}

	out := model.AlignedFrame{Timestamps: unionTimestamps(frames)}
	for i, frame := range frames {
		if frame.Len() == 0 {
			out.Values = append(out.Values, model.NewColumn(len(out.Timestamps)))
			continue
		}

		src, ok := frame.Columns[columns[i]]
		if !ok {
			return model.AlignedFrame{}, &arrowcodec.InvalidArrowError{
				Reason: fmt.Sprintf("no %s column present", columns[i]),
			}
		}

		index := indexTimestamps(frame.Timestamps)
		dst := model.NewColumn(len(out.Timestamps))
		for j, t := range out.Timestamps {
			if rowIdx, ok := index[t]; ok && src.Valid[rowIdx] {
				dst.Set(j, src.Values[rowIdx])
			}
		}
		out.Values = append(out.Values, dst)
	}

	return out, nil
}

func indexTimestamps(ts []float64) map[float64]int {
	idx := make(map[float64]int, len(ts))
	for i, t := range ts {
		idx[t] = i
	}
	return idx
}

func unionTimestamps(frames []model.Frame) []float64 {
	seen := map[float64]struct{}{}
	for _, f := range frames {
		for _, t := range f.Timestamps {
			seen[t] = struct{}{}
		}
	}

	union := make([]float64, 0, len(seen))
	for t := range seen {
		union = append(union, t)
	}
	sort.Float64s(union)
	return union
}
