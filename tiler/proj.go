package tiler

import (
	"fmt"

	"github.com/terrascope/geometry"
	"github.com/terrascope/proj4go"
)

const (
	epsgWGS84       = 4326
	epsgWebMercator = 3857
)

// crsTransform maps Web Mercator planar coordinates, in place, into a
// raster's native CRS. xs and ys always have the same length.
type crsTransform func(xs, ys []float64)

// transformerForEPSG selects the transform for a source CRS. Geographic
// WGS84 and Web Mercator use the closed-form spherical formulas; WGS84 UTM
// zones go through proj4. Anything else is unsupported and the caller
// degrades the window.
func transformerForEPSG(epsg int) (crsTransform, error) {
	switch {
	case epsg == epsgWebMercator:
		return func(xs, ys []float64) {}, nil

	case epsg == epsgWGS84:
		return func(xs, ys []float64) {
			for i := range xs {
				xs[i], ys[i] = mercatorToLonLat(xs[i], ys[i])
			}
		}, nil

	case (epsg >= 32601 && epsg <= 32660) || (epsg >= 32701 && epsg <= 32760):
		proj := utmProj4(epsg)
		return func(xs, ys []float64) {
			pts := make([]geometry.Point, len(xs))
			for i := range xs {
				lon, lat := mercatorToLonLat(xs[i], ys[i])
				pts[i] = geometry.Point{X: lon, Y: lat}
			}
			proj4go.Forwards(proj, pts)
			for i := range pts {
				xs[i] = pts[i].X
				ys[i] = pts[i].Y
			}
		}, nil

	default:
		return nil, fmt.Errorf("unsupported CRS: EPSG:%d", epsg)
	}
}

// utmProj4 builds the proj4 string for a WGS84 UTM zone code.
func utmProj4(epsg int) string {
	south := ""
	zone := epsg - 32600
	if epsg > 32700 {
		zone = epsg - 32700
		south = "+south "
	}
	return fmt.Sprintf("+proj=utm +zone=%d %s+datum=WGS84 +units=m +no_defs", zone, south)
}
