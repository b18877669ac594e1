package tiler

import (
	"fmt"
	"math"
)

// Resampling selects the interpolation kernel used during a windowed read.
type Resampling int

const (
	// ResamplingBilinear is the default for continuous raster data.
	ResamplingBilinear Resampling = iota
	// ResamplingNearest suits categorical data.
	ResamplingNearest
)

func (r Resampling) String() string {
	switch r {
	case ResamplingBilinear:
		return "bilinear"
	case ResamplingNearest:
		return "nearest"
	default:
		return fmt.Sprintf("resampling(%d)", int(r))
	}
}

// ParseResampling maps a caller-supplied mode name to a Resampling value.
func ParseResampling(s string) (Resampling, error) {
	switch s {
	case "", "bilinear":
		return ResamplingBilinear, nil
	case "nearest":
		return ResamplingNearest, nil
	default:
		return 0, fmt.Errorf("unknown resampling mode %q", s)
	}
}

// Window holds raw samples read from a raster, reprojected into Web Mercator
// and resampled to a fixed output size. Samples is band-major, each band
// row-major with Width*Height entries. A degraded window is entirely filled
// with the fill value 0 and carries the reason; it is never an error, tile
// generation always completes.
type Window struct {
	Bands  int
	Width  int
	Height int

	Samples [][]float64

	Degraded bool
	Reason   string
}

// newFillWindow allocates an all-zero window.
func newFillWindow(bands, width, height int) *Window {
	if bands < 1 {
		bands = 1
	}
	samples := make([][]float64, bands)
	for i := range samples {
		samples[i] = make([]float64, width*height)
	}
	return &Window{Bands: bands, Width: width, Height: height, Samples: samples}
}

func degradedWindow(bands, width, height int, reason string) *Window {
	w := newFillWindow(bands, width, height)
	w.Degraded = true
	w.Reason = reason
	return w
}

// ReadTile reads exactly width*height samples per band for the given Web
// Mercator bounding box, warping from the native CRS on the fly. At most the
// first 3 bands are read. The read is boundless: any part of the window
// outside the source extent yields the fill value 0. Internal read or
// reprojection failures never propagate; they produce a degraded window so a
// tile is always answered.
func (g *Raster) ReadTile(bbox BBox, width, height int, rs Resampling) (w *Window) {
	bands := g.Bands()
	if bands > 3 {
		bands = 3
	}

	// Last line of defense for corrupt inputs the decoder did not reject
	// cleanly: a render must answer with a blank tile, not a panic.
	defer func() {
		if p := recover(); p != nil {
			w = degradedWindow(bands, width, height, fmt.Sprintf("read panic: %v", p))
		}
	}()

	transform, err := transformerForEPSG(g.epsg)
	if err != nil {
		return degradedWindow(bands, width, height, err.Error())
	}

	// Output pixel centers in Web Mercator, mapped into the native CRS.
	xs := make([]float64, width*height)
	ys := make([]float64, width*height)
	stepX := (bbox.Right - bbox.Left) / float64(width)
	stepY := (bbox.Top - bbox.Bottom) / float64(height)
	for py := 0; py < height; py++ {
		my := bbox.Top - (float64(py)+0.5)*stepY
		for px := 0; px < width; px++ {
			i := py*width + px
			xs[i] = bbox.Left + (float64(px)+0.5)*stepX
			ys[i] = my
		}
	}
	transform(xs, ys)

	w = newFillWindow(bands, width, height)
	for b := 0; b < bands; b++ {
		dst := w.Samples[b]
		for i := range dst {
			// Fractional source pixel of the output pixel center.
			fx := (xs[i]-g.originX)/g.pixelScaleX - 0.5
			fy := (ys[i]-g.originY)/g.pixelScaleY - 0.5

			var v float64
			var sErr error
			switch rs {
			case ResamplingNearest:
				v, sErr = g.sample(b, int(math.Round(fx)), int(math.Round(fy)))
			default:
				v, sErr = g.sampleBilinear(b, fx, fy)
			}
			if sErr != nil {
				return degradedWindow(bands, width, height, sErr.Error())
			}
			dst[i] = v
		}
	}
	return w
}

// sampleBilinear interpolates between the four source pixels surrounding the
// fractional coordinate. Neighbors outside the extent contribute the fill
// value 0; a nodata neighbor poisons the result to NaN, which the normalizer
// later maps to 0.
func (g *Raster) sampleBilinear(band int, fx, fy float64) (float64, error) {
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	wx := fx - float64(x0)
	wy := fy - float64(y0)

	v00, err := g.sample(band, x0, y0)
	if err != nil {
		return 0, err
	}
	v10, err := g.sample(band, x0+1, y0)
	if err != nil {
		return 0, err
	}
	v01, err := g.sample(band, x0, y0+1)
	if err != nil {
		return 0, err
	}
	v11, err := g.sample(band, x0+1, y0+1)
	if err != nil {
		return 0, err
	}

	top := v00*(1-wx) + v10*wx
	bot := v01*(1-wx) + v11*wx
	return top*(1-wy) + bot*wy, nil
}
