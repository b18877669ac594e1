package tiler

import (
	"fmt"
	"math"
)

// MaxExtent is the maximum projected extent of spherical Web Mercator
// (EPSG:3857) in meters: half the circumference of the reference sphere.
// It must match this exact value for the bounds to line up with the common
// XYZ tiling scheme.
const MaxExtent = 20037508.342789244

// BBox is a bounding box in Web Mercator meters with Left < Right and
// Bottom < Top. A BBox is only ever derived from a tile address via Bounds.
type BBox struct {
	Left, Bottom, Right, Top float64
}

func (b BBox) String() string {
	return fmt.Sprintf("(%f, %f, %f, %f)", b.Left, b.Bottom, b.Right, b.Top)
}

// Bounds computes the EPSG:3857 bounding box of an XYZ tile. Row 0 is the
// northernmost row (top-left origin scheme). An out-of-range address is a
// caller error and fails loudly rather than being normalized.
func Bounds(z, x, y int) (BBox, error) {
	if z < 0 {
		return BBox{}, fmt.Errorf("invalid zoom level %d", z)
	}
	n := 1 << uint(z)
	if x < 0 || x >= n || y < 0 || y >= n {
		return BBox{}, fmt.Errorf("tile (%d, %d) out of range for zoom %d", x, y, z)
	}

	// Tile edges in geographic degrees, per the standard XYZ formulas.
	lon1 := float64(x)/float64(n)*360.0 - 180.0
	lon2 := float64(x+1)/float64(n)*360.0 - 180.0

	lat1 := math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/float64(n)))) * 180.0 / math.Pi
	lat2 := math.Atan(math.Sinh(math.Pi*(1-2*float64(y+1)/float64(n)))) * 180.0 / math.Pi

	x1, y1 := lonLatToMercator(lon1, lat1)
	x2, y2 := lonLatToMercator(lon2, lat2)

	// The north edge projects to the larger y, so order the corners here.
	return BBox{
		Left:   math.Min(x1, x2),
		Bottom: math.Min(y1, y2),
		Right:  math.Max(x1, x2),
		Top:    math.Max(y1, y2),
	}, nil
}

// lonLatToMercator applies the spherical Mercator forward formulas.
func lonLatToMercator(lon, lat float64) (float64, float64) {
	x := lon * MaxExtent / 180.0
	y := math.Log(math.Tan((90.0+lat)*math.Pi/360.0)) * MaxExtent / math.Pi
	return x, y
}

// mercatorToLonLat applies the spherical Mercator inverse formulas.
func mercatorToLonLat(x, y float64) (float64, float64) {
	lon := x / MaxExtent * 180.0
	lat := 180.0 / math.Pi * (2.0*math.Atan(math.Exp(y*math.Pi/MaxExtent)) - math.Pi/2.0)
	return lon, lat
}
