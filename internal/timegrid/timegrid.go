// Package timegrid builds the uniformly spaced timestamp vector that the
// Alignment Engine's grid/LOCF mode keys its output on.
package timegrid

import "github.com/k8-benetis/nkz-module-data-hub/internal/model"

// Build produces resolution timestamps spanning [startTS, endTS] inclusive,
// evenly spaced. resolution is clamped to [model.MinGridResolution,
// model.MaxGridResolution] before use.
//
// The result is strictly monotonic increasing and its first and last
// elements are exactly startTS and endTS.
func Build(startTS, endTS float64, resolution int) []float64 {
	resolution = clampGrid(resolution)

	grid := make([]float64, resolution)
	span := endTS - startTS
	last := resolution - 1
	for i := 0; i < resolution; i++ {
		grid[i] = startTS + span*float64(i)/float64(last)
	}
	// Guard against floating point drift: the boundary points must equal
	// startTS and endTS exactly.
	grid[0] = startTS
	grid[last] = endTS
	return grid
}

func clampGrid(resolution int) int {
	if resolution < model.MinGridResolution {
		return model.MinGridResolution
	}
	if resolution > model.MaxGridResolution {
		return model.MaxGridResolution
	}
	return resolution
}
