package tiler

import (
	"math"
	"sort"
)

// Percentile anchors of the display stretch. The 2-98 range is a common
// heuristic for imagery: robust to outlier bright and dark pixels while
// keeping the bulk of the distribution legible.
const (
	stretchLoPercentile = 2.0
	stretchHiPercentile = 98.0
)

// Stretch converts one band of raw samples into 8-bit display values using a
// robust percentile stretch: NaNs become 0, the 2nd and 98th percentiles map
// to the ends of the display range, everything is clipped in between.
//
// The stretch is computed per band and per tile, which can produce visible
// brightness seams between adjacent tiles. That trade-off is accepted: it
// needs no global statistics and keeps each render independent.
//
// An empty input returns an all-zero buffer sized width*height, so callers
// always receive a slice matching the requested output shape. The function
// is pure and safe to run in parallel per band.
func Stretch(samples []float64, width, height int) []uint8 {
	out := make([]uint8, width*height)
	if len(samples) == 0 {
		return out
	}

	vals := make([]float64, len(samples))
	for i, v := range samples {
		if math.IsNaN(v) {
			vals[i] = 0
		} else {
			vals[i] = v
		}
	}

	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	lo := percentile(sorted, stretchLoPercentile)
	hi := percentile(sorted, stretchHiPercentile)
	if hi <= lo {
		// Zero-width stretch (constant band): widen so the map is defined.
		hi = lo + 1.0
	}

	n := len(vals)
	if n > len(out) {
		n = len(out)
	}
	scale := 1.0 / (hi - lo)
	for i := 0; i < n; i++ {
		v := (vals[i] - lo) * scale
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out[i] = uint8(v * 255)
	}
	return out
}

// percentile returns the p-th percentile of pre-sorted values with linear
// interpolation between the neighboring order statistics.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
