package tiler

// In-memory construction of minimal georeferenced TIFFs for tests:
// little-endian classic TIFF, one strip, uncompressed, band-interleaved.

import (
	"encoding/binary"
	"math"
)

type testTIFF struct {
	width, height int
	bands         int

	// fill produces the raw uint8 value of band b at pixel (x, y).
	fill func(b, x, y int) uint8

	// Geotransform: upper-left corner and pixel scale in CRS units.
	originX, originY float64
	scaleX, scaleY   float64

	epsg int

	// noData, when non-empty, is written as the GDAL_NODATA ASCII tag.
	noData string

	// omitGeoTransform drops ModelPixelScale/ModelTiepoint to simulate a
	// raster without georeferencing.
	omitGeoTransform bool
}

// worldMercator configures a raster spanning the full Web Mercator extent.
func worldMercator(width, height, bands int, fill func(b, x, y int) uint8) testTIFF {
	return testTIFF{
		width: width, height: height, bands: bands, fill: fill,
		originX: -MaxExtent, originY: MaxExtent,
		scaleX: 2 * MaxExtent / float64(width),
		scaleY: 2 * MaxExtent / float64(height),
		epsg:   epsgWebMercator,
	}
}

// worldGeographic configures a raster spanning the full geographic extent.
func worldGeographic(width, height, bands int, fill func(b, x, y int) uint8) testTIFF {
	return testTIFF{
		width: width, height: height, bands: bands, fill: fill,
		originX: -180, originY: 90,
		scaleX: 360 / float64(width),
		scaleY: 180 / float64(height),
		epsg:   epsgWGS84,
	}
}

// bigTIFFWithEntryCount builds a structurally valid BigTIFF header whose one
// directory claims the given entry count and carries nothing else.
func bigTIFFWithEntryCount(numEntries uint64) []byte {
	b := make([]byte, 24)
	b[0], b[1] = 'I', 'I'
	binary.LittleEndian.PutUint16(b[2:], bigTiffIdentifier)
	binary.LittleEndian.PutUint16(b[4:], bigTiffBytesize)
	binary.LittleEndian.PutUint64(b[8:], 16) // IFD right after the header
	binary.LittleEndian.PutUint64(b[16:], numEntries)
	return b
}

// tiffWithOversizedTag builds a classic TIFF whose single directory entry
// claims far more DOUBLE values than the file could hold.
func tiffWithOversizedTag() []byte {
	b := make([]byte, 26)
	b[0], b[1] = 'I', 'I'
	binary.LittleEndian.PutUint16(b[2:], tiffIdentifier)
	binary.LittleEndian.PutUint32(b[4:], 8) // IFD right after the header
	binary.LittleEndian.PutUint16(b[8:], 1)
	binary.LittleEndian.PutUint16(b[10:], uint16(ModelPixelScale))
	binary.LittleEndian.PutUint16(b[12:], uint16(DOUBLE))
	binary.LittleEndian.PutUint32(b[14:], 1<<29) // 4 GiB worth of doubles
	binary.LittleEndian.PutUint32(b[18:], 8)
	return b
}

type ifdField struct {
	tag      Tag
	ftype    fieldType
	count    uint32
	inline   []byte // up to 4 bytes, value stored in the entry
	external []byte // longer values, appended after the IFD
}

func shortField(tag Tag, v uint16) ifdField {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b, v)
	return ifdField{tag: tag, ftype: SHORT, count: 1, inline: b}
}

func longField(tag Tag, v uint32) ifdField {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return ifdField{tag: tag, ftype: LONG, count: 1, inline: b}
}

func shortsField(tag Tag, vs []uint16) ifdField {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	if len(b) <= 4 {
		inline := make([]byte, 4)
		copy(inline, b)
		return ifdField{tag: tag, ftype: SHORT, count: uint32(len(vs)), inline: inline}
	}
	return ifdField{tag: tag, ftype: SHORT, count: uint32(len(vs)), external: b}
}

func doublesField(tag Tag, vs []float64) ifdField {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return ifdField{tag: tag, ftype: DOUBLE, count: uint32(len(vs)), external: b}
}

func asciiField(tag Tag, s string) ifdField {
	b := append([]byte(s), 0)
	if len(b) <= 4 {
		inline := make([]byte, 4)
		copy(inline, b)
		return ifdField{tag: tag, ftype: ASCII, count: uint32(len(b)), inline: inline}
	}
	return ifdField{tag: tag, ftype: ASCII, count: uint32(len(b)), external: b}
}

// build assembles the TIFF byte stream.
func (tt testTIFF) build() []byte {
	// Pixel data: one strip, chunky interleaving.
	strip := make([]byte, tt.width*tt.height*tt.bands)
	for y := 0; y < tt.height; y++ {
		for x := 0; x < tt.width; x++ {
			for b := 0; b < tt.bands; b++ {
				strip[(y*tt.width+x)*tt.bands+b] = tt.fill(b, x, y)
			}
		}
	}

	bps := make([]uint16, tt.bands)
	sf := make([]uint16, tt.bands)
	for i := range bps {
		bps[i] = 8
		sf[i] = SampleFormatUint
	}

	photometric := uint16(1) // BlackIsZero
	if tt.bands >= 3 {
		photometric = 2 // RGB
	}

	modelType := uint16(modelTypeGeographic)
	csKey := uint16(geoKeyGeographicCS)
	if tt.epsg != epsgWGS84 {
		modelType = modelTypeProjected
		csKey = geoKeyProjectedCS
	}
	geoKeys := []uint16{
		1, 1, 0, 2,
		geoKeyModelType, 0, 1, modelType,
		csKey, 0, 1, uint16(tt.epsg),
	}

	fields := []ifdField{
		longField(ImageWidth, uint32(tt.width)),
		longField(ImageLength, uint32(tt.height)),
		shortsField(BitsPerSample, bps),
		shortField(Compression, Uncompressed),
		shortField(PhotometricInterpretation, photometric),
		longField(StripOffsets, 0), // patched below
		shortField(SamplesPerPixel, uint16(tt.bands)),
		longField(RowsPerStrip, uint32(tt.height)),
		longField(StripByteCounts, uint32(len(strip))),
		shortField(PlanarConfiguration, PlanarChunky),
		shortsField(SampleFormat, sf),
	}
	if !tt.omitGeoTransform {
		fields = append(fields,
			doublesField(ModelPixelScale, []float64{tt.scaleX, tt.scaleY, 0}),
			doublesField(ModelTiepoint, []float64{0, 0, 0, tt.originX, tt.originY, 0}),
		)
	}
	if tt.epsg != 0 {
		fields = append(fields, shortsField(GeoKeyDirectory, geoKeys))
	}
	if tt.noData != "" {
		fields = append(fields, asciiField(GDALNoData, tt.noData))
	}

	// Layout: header, IFD, external tag values, strip data.
	const headerLen = 8
	ifdLen := 2 + len(fields)*12 + 4
	externalStart := headerLen + ifdLen
	offset := externalStart
	for i := range fields {
		if fields[i].external != nil {
			fields[i].inline = make([]byte, 4)
			binary.LittleEndian.PutUint32(fields[i].inline, uint32(offset))
			offset += len(fields[i].external)
			if offset%2 == 1 { // keep values word-aligned
				offset++
			}
		}
	}
	stripOffset := offset
	for i := range fields {
		if fields[i].tag == StripOffsets {
			binary.LittleEndian.PutUint32(fields[i].inline, uint32(stripOffset))
		}
	}

	out := make([]byte, stripOffset+len(strip))
	out[0], out[1] = 'I', 'I'
	binary.LittleEndian.PutUint16(out[2:], tiffIdentifier)
	binary.LittleEndian.PutUint32(out[4:], headerLen) // first IFD right after header

	binary.LittleEndian.PutUint16(out[headerLen:], uint16(len(fields)))
	for i, f := range fields {
		e := headerLen + 2 + i*12
		binary.LittleEndian.PutUint16(out[e:], uint16(f.tag))
		binary.LittleEndian.PutUint16(out[e+2:], uint16(f.ftype))
		binary.LittleEndian.PutUint32(out[e+4:], f.count)
		copy(out[e+8:e+12], f.inline)
	}
	// Next-IFD pointer stays zero.

	pos := externalStart
	for _, f := range fields {
		if f.external != nil {
			copy(out[pos:], f.external)
			pos += len(f.external)
			if pos%2 == 1 {
				pos++
			}
		}
	}
	copy(out[stripOffset:], strip)
	return out
}
