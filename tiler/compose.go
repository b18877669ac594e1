package tiler

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// Composite assembles normalized bands into an RGB image. Fewer than three
// bands are completed by replicating the first band: one band renders as
// grayscale across all channels, two bands reuse the first band for the
// third channel. Each band slice must hold width*height values.
func Composite(bands [][]uint8, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))

	if len(bands) == 0 {
		bands = [][]uint8{make([]uint8, width*height)}
	}
	for len(bands) < 3 {
		bands = append(bands, bands[0])
	}

	for i := 0; i < width*height; i++ {
		o := i * 4
		img.Pix[o+0] = bands[0][i]
		img.Pix[o+1] = bands[1][i]
		img.Pix[o+2] = bands[2][i]
		img.Pix[o+3] = 0xFF
	}
	return img
}

// EncodePNG losslessly encodes an image. The encoding is deterministic:
// identical pixels always produce identical bytes. Fully opaque images, the
// only kind Composite produces, encode as 8-bit truecolor without an alpha
// channel.
func EncodePNG(img image.Image) ([]byte, error) {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderResult is the outcome of one tile render. PNG always holds a valid
// image of the requested size; Degraded marks renders that substituted fill
// values after an internal decode or reprojection failure, with the cause in
// Reason. A degraded tile is a documented contract of the engine, not an
// error: tile servers must answer every address.
type RenderResult struct {
	PNG      []byte
	Degraded bool
	Reason   string
}

// Render produces a PNG tile for the XYZ address from a complete raster file
// held in memory. Malformed addresses or a non-positive size are caller
// errors; everything after that degrades to a black tile instead of failing,
// including byte buffers that are not a valid raster container.
func Render(data []byte, z, x, y, size int, rs Resampling) (res *RenderResult, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid tile size %d", size)
	}
	bbox, err := Bounds(z, x, y)
	if err != nil {
		return nil, err
	}

	// The container is untrusted. Past the address checks every failure mode,
	// including a parser panic, must still answer with a tile.
	defer func() {
		if p := recover(); p != nil {
			res, err = blackTile(size, fmt.Sprintf("render panic: %v", p))
		}
	}()

	raster, err := OpenRaster(data)
	if err != nil {
		return blackTile(size, fmt.Sprintf("open raster: %v", err))
	}
	defer raster.Close()

	window := raster.ReadTile(bbox, size, size, rs)

	normalized := make([][]uint8, window.Bands)
	for b, samples := range window.Samples {
		normalized[b] = Stretch(samples, window.Width, window.Height)
	}

	pngBytes, err := EncodePNG(Composite(normalized, window.Width, window.Height))
	if err != nil {
		return nil, err
	}
	return &RenderResult{PNG: pngBytes, Degraded: window.Degraded, Reason: window.Reason}, nil
}

// blackTile renders the degraded fallback: a valid, fully black PNG of the
// requested size.
func blackTile(size int, reason string) (*RenderResult, error) {
	pngBytes, err := EncodePNG(Composite(nil, size, size))
	if err != nil {
		return nil, err
	}
	return &RenderResult{PNG: pngBytes, Degraded: true, Reason: reason}, nil
}
