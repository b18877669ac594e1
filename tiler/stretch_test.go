package tiler

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStretchConstantInput(t *testing.T) {
	// A constant band has a zero-width percentile range; hi is forced to
	// lo+1, so every value maps to (v-lo)/1 = 0 and the output is uniform.
	samples := make([]float64, 16*16)
	for i := range samples {
		samples[i] = 150
	}

	out := Stretch(samples, 16, 16)
	assert.Len(t, out, 16*16)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("pixel %d: got %d, want uniform 0", i, v)
		}
	}
}

func TestStretchEmptyInput(t *testing.T) {
	// An empty band returns an all-zero buffer sized to the requested
	// output, so downstream compositing always has a full slice.
	out := Stretch(nil, 32, 16)
	assert.Len(t, out, 32*16)
	for _, v := range out {
		assert.Zero(t, v)
	}
}

func TestStretchNaNReplacement(t *testing.T) {
	samples := []float64{math.NaN(), math.NaN(), math.NaN(), math.NaN()}
	out := Stretch(samples, 2, 2)
	for _, v := range out {
		assert.Zero(t, v)
	}
}

func TestStretchGradient(t *testing.T) {
	// Values 0..99. The 2nd percentile is 1.98 and the 98th is 97.02
	// (linear interpolation between order statistics), so 50 maps to
	// (50-1.98)/95.04 * 255 = 128.84, truncated to 128.
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i)
	}

	out := Stretch(samples, 10, 10)

	assert.EqualValues(t, 0, out[0], "values below the low anchor clip to 0")
	assert.EqualValues(t, 255, out[99], "values above the high anchor clip to 255")
	assert.EqualValues(t, 128, out[50])

	for i := 1; i < len(out); i++ {
		if out[i] < out[i-1] {
			t.Fatalf("stretch is not monotonic at %d: %d < %d", i, out[i], out[i-1])
		}
	}
}

func TestStretchClipsOutliers(t *testing.T) {
	// One absurd outlier must not blow out the rest of the range.
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i)
	}
	samples[99] = 1e12

	out := Stretch(samples, 10, 10)
	assert.EqualValues(t, 255, out[99])
	// The bulk of the distribution still spreads over the display range.
	assert.Greater(t, out[98], uint8(200))
}
