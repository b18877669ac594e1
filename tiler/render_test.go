package tiler

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestRenderConstantRGB(t *testing.T) {
	// A 3-band raster with constant values 50/150/200 in the global
	// projection, extending past the world tile so boundary pixels never
	// blend with boundless fill. Each band is constant, so its percentile
	// range is zero-width, hi is forced to lo+1 and the stretch maps every
	// sample to (v-lo)/1 = 0: the expected tile is flat black across all
	// pixels and channels.
	tt := testTIFF{
		width: 64, height: 64, bands: 3,
		fill:    constFill(50, 150, 200),
		originX: -1.2 * MaxExtent, originY: 1.2 * MaxExtent,
		scaleX: 2.4 * MaxExtent / 64, scaleY: 2.4 * MaxExtent / 64,
		epsg:   epsgWebMercator,
	}

	res, err := Render(tt.build(), 0, 0, 0, 256, ResamplingBilinear)
	require.NoError(t, err)
	assert.False(t, res.Degraded)

	img := decodePNG(t, res.PNG)
	require.Equal(t, 256, img.Bounds().Dx())
	require.Equal(t, 256, img.Bounds().Dy())

	for y := 0; y < 256; y += 16 {
		for x := 0; x < 256; x += 16 {
			r, g, b, a := img.At(x, y).RGBA()
			if r != 0 || g != 0 || b != 0 {
				t.Fatalf("pixel (%d,%d): got rgb (%d,%d,%d), want flat (0,0,0)", x, y, r>>8, g>>8, b>>8)
			}
			assert.EqualValues(t, 0xFFFF, a)
		}
	}
}

func TestRenderGradientGrayscale(t *testing.T) {
	// A single-band geographic raster with a west-to-east gradient. The
	// render path reprojects from EPSG:4326, stretches and replicates the
	// band across all three channels.
	tt := worldGeographic(64, 32, 1, func(b, x, y int) uint8 { return uint8(x * 4) })

	res, err := Render(tt.build(), 0, 0, 0, 64, ResamplingBilinear)
	require.NoError(t, err)
	require.False(t, res.Degraded)

	img := decodePNG(t, res.PNG)
	require.Equal(t, 64, img.Bounds().Dx())

	// Grayscale replication: all channels identical.
	mid := img.Bounds().Dy() / 2
	for x := 0; x < 64; x += 8 {
		r, g, b, _ := img.At(x, mid).RGBA()
		assert.Equal(t, r, g, "x=%d", x)
		assert.Equal(t, r, b, "x=%d", x)
	}

	// Brightness increases with longitude.
	left, _, _, _ := img.At(4, mid).RGBA()
	right, _, _, _ := img.At(60, mid).RGBA()
	assert.Less(t, left, right)
}

func TestRenderNearestMatchesConstant(t *testing.T) {
	// The raster extends past the world tile so boundary pixels never blend
	// with fill and the kernel choice cannot change the output.
	tt := testTIFF{
		width: 64, height: 64, bands: 1,
		fill:    constFill(77),
		originX: -1.2 * MaxExtent, originY: 1.2 * MaxExtent,
		scaleX: 2.4 * MaxExtent / 64, scaleY: 2.4 * MaxExtent / 64,
		epsg:   epsgWebMercator,
	}

	bilinear, err := Render(tt.build(), 0, 0, 0, 128, ResamplingBilinear)
	require.NoError(t, err)
	nearest, err := Render(tt.build(), 0, 0, 0, 128, ResamplingNearest)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(bilinear.PNG, nearest.PNG))
}

func TestRenderMalformedInput(t *testing.T) {
	// Bytes that are not a valid raster container still yield a valid,
	// fully black PNG of the requested size. Tile servers answer every
	// address; degradation is the documented contract, not an error.
	res, err := Render([]byte("definitely not a tiff"), 0, 0, 0, 128, ResamplingBilinear)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Reason)

	img := decodePNG(t, res.PNG)
	require.Equal(t, 128, img.Bounds().Dx())
	require.Equal(t, 128, img.Bounds().Dy())

	for y := 0; y < 128; y += 8 {
		for x := 0; x < 128; x += 8 {
			r, g, b, _ := img.At(x, y).RGBA()
			if r != 0 || g != 0 || b != 0 {
				t.Fatalf("pixel (%d,%d) not black", x, y)
			}
		}
	}
}

func TestRenderOversizedDirectory(t *testing.T) {
	// A structurally valid header claiming an absurd directory entry count
	// must come back as a degraded black tile like any other malformed
	// container, never as a panic out of Render.
	res, err := Render(bigTIFFWithEntryCount(1<<61), 0, 0, 0, 64, ResamplingBilinear)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Reason)

	img := decodePNG(t, res.PNG)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 64, img.Bounds().Dy())
}

func TestRenderPrecondition(t *testing.T) {
	tt := worldMercator(8, 8, 1, constFill(1))
	data := tt.build()

	testCases := []struct {
		name          string
		z, x, y, size int
	}{
		{"negative zoom", -1, 0, 0, 256},
		{"column out of range", 1, 2, 0, 256},
		{"row out of range", 1, 0, 2, 256},
		{"zero size", 0, 0, 0, 0},
		{"negative size", 0, 0, 0, -5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Render(data, tc.z, tc.x, tc.y, tc.size, ResamplingBilinear)
			assert.Error(t, err)
		})
	}
}

func TestRenderDeterministic(t *testing.T) {
	tt := worldGeographic(32, 16, 2, func(b, x, y int) uint8 { return uint8(x*(b+1) + y) })
	data := tt.build()

	first, err := Render(data, 1, 0, 0, 64, ResamplingBilinear)
	require.NoError(t, err)
	second, err := Render(data, 1, 0, 0, 64, ResamplingBilinear)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first.PNG, second.PNG), "same request must produce identical bytes")
}
