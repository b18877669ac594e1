package tiler

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	// Decoded-block cache sizing. A Raster lives for a single tile request,
	// so the cache only needs to cover the blocks one window read touches.
	blockCacheSize    = 256
	blockCacheToPrune = 32
	blockCacheTTL     = 10 * time.Minute
)

// Raster is a read-only handle to a decoded multi-band georeferenced TIFF
// held entirely in memory. It is exclusively owned by the tile request that
// opened it and must be released with Close.
type Raster struct {
	reader    *bytes.Reader
	byteOrder binary.ByteOrder
	isBigTIFF bool
	tags      Tags

	imageWidth  uint32
	imageLength uint32

	// bands is the SamplesPerPixel count of the source.
	bands uint16

	bitsPerSample uint16
	sampleFormat  uint16
	compression   uint16
	predictor     uint16
	planar        uint16

	// Block layout. A block is either a TIFF tile or a strip; strips are
	// modeled as full-width blocks so the read path is uniform.
	tiled            bool
	blockWidth       uint32
	blockLength      uint32
	blockOffsets     []uint64
	blockByteCounts  []uint64
	blocksAcross     int
	blocksDown       int

	// Geotransform: world coordinate of the upper-left corner plus the
	// per-pixel scale. PixelScaleY is negative for north-up images.
	originX     float64
	originY     float64
	pixelScaleX float64
	pixelScaleY float64

	// epsg is the native CRS code from the GeoKey directory, 0 if absent.
	epsg int

	noData    float64
	hasNoData bool

	// blockCache holds decoded blocks as []float64 sample slices so repeated
	// window reads over the same region skip decompression.
	blockCache *ccache.Cache[[]float64]

	// inflight dedups concurrent decodes of the same block.
	inflight singleflight.Group
}

// OpenRaster parses a georeferenced TIFF from an in-memory byte slice. The
// buffer is never mutated. An error here means the bytes are not a usable
// raster container; window-read failures after a successful open degrade to
// fill values instead (see ReadTile).
func OpenRaster(data []byte) (*Raster, error) {
	r := bytes.NewReader(data)
	gTags, header, err := readTags(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	g := &Raster{
		reader:     r,
		tags:       gTags,
		byteOrder:  header.byteOrder,
		isBigTIFF:  header.isBigTIFF,
		blockCache: ccache.New(ccache.Configure[[]float64]().MaxSize(blockCacheSize).ItemsToPrune(blockCacheToPrune)),
	}

	if width, ok := g.getUint(ImageWidth); ok {
		g.imageWidth = uint32(width)
	} else {
		g.Close()
		return nil, errors.New("missing or invalid tag: ImageWidth")
	}
	if length, ok := g.getUint(ImageLength); ok {
		g.imageLength = uint32(length)
	} else {
		g.Close()
		return nil, errors.New("missing or invalid tag: ImageLength")
	}
	if g.imageWidth == 0 || g.imageLength == 0 {
		g.Close()
		return nil, errors.New("zero-sized image")
	}

	if spp, ok := g.getUint(SamplesPerPixel); ok {
		g.bands = uint16(spp)
	} else {
		g.bands = 1
	}
	if g.bands == 0 {
		g.Close()
		return nil, errors.New("invalid SamplesPerPixel: 0")
	}

	if bps, ok := g.getUint(BitsPerSample); ok {
		g.bitsPerSample = uint16(bps)
	} else {
		g.bitsPerSample = 8
	}
	if sf, ok := g.getUint(SampleFormat); ok {
		g.sampleFormat = uint16(sf)
	} else {
		g.sampleFormat = SampleFormatUint
	}
	if comp, ok := g.getUint(Compression); ok {
		g.compression = uint16(comp)
	} else {
		g.compression = Uncompressed
	}
	if pred, ok := g.getUint(Predictor); ok {
		g.predictor = uint16(pred)
	} else {
		g.predictor = PredictorNone
	}
	if pc, ok := g.getUint(PlanarConfiguration); ok {
		g.planar = uint16(pc)
	} else {
		g.planar = PlanarChunky
	}

	if err := g.readBlockLayout(); err != nil {
		g.Close()
		return nil, err
	}
	if err := g.readGeoTransform(); err != nil {
		g.Close()
		return nil, err
	}
	g.epsg = g.readEPSG()
	g.noData, g.hasNoData = g.readNoData()

	return g, nil
}

// Close releases the decoded-block cache. The Raster must not be used after.
func (g *Raster) Close() {
	if g.blockCache != nil {
		g.blockCache.Stop()
		g.blockCache = nil
	}
}

// Bands returns the band count of the source.
func (g *Raster) Bands() int { return int(g.bands) }

// Width returns the image width in pixels.
func (g *Raster) Width() int { return int(g.imageWidth) }

// Height returns the image height in pixels.
func (g *Raster) Height() int { return int(g.imageLength) }

// EPSG returns the native CRS code, or 0 when the GeoKey directory does not
// carry one.
func (g *Raster) EPSG() int { return g.epsg }

// NoData returns the per-band nodata sentinel, if declared.
func (g *Raster) NoData() (float64, bool) { return g.noData, g.hasNoData }

// readBlockLayout extracts the tile or strip layout of the image.
func (g *Raster) readBlockLayout() error {
	if offsets, ok := g.get64bitSlice(TileOffsets); ok {
		// Tiled layout.
		g.tiled = true
		g.blockOffsets = offsets
		counts, ok := g.get64bitSlice(TileByteCounts)
		if !ok {
			return errors.New("missing or invalid tag: TileByteCounts")
		}
		g.blockByteCounts = counts

		tWidth, ok := g.getUint(TileWidth)
		if !ok {
			return errors.New("missing or invalid tag: TileWidth")
		}
		tLength, ok := g.getUint(TileLength)
		if !ok {
			return errors.New("missing or invalid tag: TileLength")
		}
		g.blockWidth = uint32(tWidth)
		g.blockLength = uint32(tLength)
	} else if offsets, ok := g.get64bitSlice(StripOffsets); ok {
		// Stripped layout, modeled as full-width blocks.
		g.blockOffsets = offsets
		counts, ok := g.get64bitSlice(StripByteCounts)
		if !ok {
			return errors.New("missing or invalid tag: StripByteCounts")
		}
		g.blockByteCounts = counts

		rows, ok := g.getUint(RowsPerStrip)
		if !ok || rows == 0 || rows > uint64(g.imageLength) {
			rows = uint64(g.imageLength)
		}
		g.blockWidth = g.imageWidth
		g.blockLength = uint32(rows)
	} else {
		return errors.New("image has neither tile nor strip offsets")
	}

	if g.blockWidth == 0 || g.blockLength == 0 {
		return errors.New("zero-sized blocks")
	}
	g.blocksAcross = int(g.imageWidth+g.blockWidth-1) / int(g.blockWidth)
	g.blocksDown = int(g.imageLength+g.blockLength-1) / int(g.blockLength)

	wantBlocks := g.blocksAcross * g.blocksDown
	if g.planar == PlanarSeparate {
		wantBlocks *= int(g.bands)
	}
	if len(g.blockOffsets) < wantBlocks || len(g.blockByteCounts) < wantBlocks {
		return fmt.Errorf("block offset table too short: have %d, want %d", len(g.blockOffsets), wantBlocks)
	}
	return nil
}

// readGeoTransform extracts the pixel-to-world mapping from the
// ModelPixelScale and ModelTiepoint tags.
func (g *Raster) readGeoTransform() error {
	pixelScale, ok := g.tags[ModelPixelScale]
	if !ok {
		return errors.New("missing tag: ModelPixelScale")
	}
	scaleValues, ok := pixelScale.doubleDataValue()
	if !ok || len(scaleValues) < 2 {
		return errors.New("invalid ModelPixelScale tag")
	}
	g.pixelScaleX = scaleValues[0]
	g.pixelScaleY = scaleValues[1]

	// Standard GeoTIFF convention for north-up images.
	if g.pixelScaleY > 0 {
		g.pixelScaleY = -g.pixelScaleY
	}
	if g.pixelScaleX == 0 || g.pixelScaleY == 0 {
		return errors.New("zero pixel scale")
	}

	tiePointTag, ok := g.tags[ModelTiepoint]
	if !ok {
		return errors.New("missing tag: ModelTiepoint")
	}
	tiePointValues, ok := tiePointTag.doubleDataValue()
	if !ok || len(tiePointValues) < 6 {
		return errors.New("invalid ModelTiepoint tag")
	}

	tieI, tieJ := tiePointValues[0], tiePointValues[1]
	tieX, tieY := tiePointValues[3], tiePointValues[4]

	// World coordinate of the upper-left corner of pixel (0,0).
	g.originX = tieX - tieI*g.pixelScaleX
	g.originY = tieY - tieJ*g.pixelScaleY
	return nil
}

// readEPSG walks the GeoKey directory for the CRS code. Projected images
// carry ProjectedCSTypeGeoKey, geographic ones GeographicTypeGeoKey.
func (g *Raster) readEPSG() int {
	dir, ok := g.tags[GeoKeyDirectory]
	if !ok {
		return 0
	}
	shorts, ok := dir.shortDataValue()
	if !ok || len(shorts) < 4 {
		return 0
	}

	var geographic, projected int
	numKeys := int(shorts[3])
	for i := 0; i < numKeys; i++ {
		base := 4 + i*4
		if base+3 >= len(shorts) {
			break
		}
		keyID := shorts[base]
		tagLoc := shorts[base+1]
		value := shorts[base+3]
		if tagLoc != 0 {
			// Value stored in another tag, only inline shorts matter here.
			continue
		}
		switch keyID {
		case geoKeyGeographicCS:
			geographic = int(value)
		case geoKeyProjectedCS:
			projected = int(value)
		}
	}
	if projected != 0 {
		return projected
	}
	return geographic
}

// readNoData parses the GDAL_NODATA ASCII tag.
func (g *Raster) readNoData() (float64, bool) {
	t, ok := g.tags[GDALNoData]
	if !ok || t.fType != ASCII {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(t.asciiData), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// sample returns the raw value of one band at pixel (x, y). Coordinates
// outside the image and pixels beyond a truncated final strip read as the
// fill value 0. Declared nodata samples read as NaN so downstream stages can
// exclude them. A non-nil error means the underlying block failed to decode.
func (g *Raster) sample(band, x, y int) (float64, error) {
	if band < 0 || band >= int(g.bands) {
		return 0, fmt.Errorf("band %d out of range", band)
	}
	if x < 0 || x >= int(g.imageWidth) || y < 0 || y >= int(g.imageLength) {
		return 0, nil
	}

	blockX := x / int(g.blockWidth)
	blockY := y / int(g.blockLength)
	blockNum := blockY*g.blocksAcross + blockX
	if g.planar == PlanarSeparate {
		blockNum += band * g.blocksAcross * g.blocksDown
	}

	data, err := g.blockData(blockNum)
	if err != nil {
		return 0, fmt.Errorf("failed to get data for block %d: %w", blockNum, err)
	}

	localX := x % int(g.blockWidth)
	localY := y % int(g.blockLength)

	var idx int
	if g.planar == PlanarSeparate {
		idx = localY*int(g.blockWidth) + localX
	} else {
		idx = (localY*int(g.blockWidth)+localX)*int(g.bands) + band
	}
	if idx >= len(data) {
		// Truncated final strip: rows past the data read as fill.
		return 0, nil
	}

	v := data[idx]
	if g.hasNoData && (v == g.noData || (math.IsNaN(g.noData) && math.IsNaN(v))) {
		return math.NaN(), nil
	}
	return v, nil
}

// blockData retrieves a block, decodes it into a sample slice, and caches
// the result. Concurrent requests for the same block share one decode.
func (g *Raster) blockData(blockNum int) ([]float64, error) {
	key := strconv.Itoa(blockNum)
	item := g.blockCache.Get(key)
	if item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := g.inflight.Do(key, func() (interface{}, error) {
		raw, fetchErr := g.fetchAndDecompressBlock(blockNum)
		if fetchErr != nil {
			return nil, fetchErr
		}

		samples, decodeErr := g.decodeSamples(raw)
		if decodeErr != nil {
			return nil, decodeErr
		}

		g.blockCache.Set(key, samples, blockCacheTTL)
		return samples, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

// fetchAndDecompressBlock reads and decompresses a single block.
func (g *Raster) fetchAndDecompressBlock(blockNum int) ([]byte, error) {
	if blockNum < 0 || blockNum >= len(g.blockOffsets) {
		return nil, fmt.Errorf("block index %d out of bounds", blockNum)
	}

	offset := g.blockOffsets[blockNum]
	byteCount := g.blockByteCounts[blockNum]
	if byteCount == 0 {
		// Sparse block: GDAL writes zero-length entries for all-fill blocks.
		return nil, nil
	}
	if offset+byteCount < offset || offset+byteCount > uint64(g.reader.Size()) {
		return nil, fmt.Errorf("block %d extends past end of file", blockNum)
	}

	blockBytes := make([]byte, byteCount)
	if _, err := g.reader.ReadAt(blockBytes, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read block %d from source: %w", blockNum, err)
	}

	switch g.compression {
	case Uncompressed:
		return blockBytes, nil
	case DEFLATE, DeflateLegacy:
		z, err := zlib.NewReader(bytes.NewReader(blockBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for block: %w", err)
		}
		defer z.Close()
		decompressed, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress block data: %w", err)
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", g.compression)
	}
}

// decodeSamples converts raw block bytes into a float64 sample slice in
// storage order, undoing the horizontal predictor where one applies.
func (g *Raster) decodeSamples(raw []byte) ([]float64, error) {
	if raw == nil {
		// Sparse block reads entirely as fill.
		return []float64{}, nil
	}

	// Sample stride of the predictor: differencing runs across a row with one
	// slot per interleaved sample.
	stride := 1
	if g.planar == PlanarChunky {
		stride = int(g.bands)
	}
	rowSamples := int(g.blockWidth) * stride

	order := g.byteOrder

	switch {
	case g.sampleFormat == SampleFormatUint && g.bitsPerSample == 8:
		out := make([]float64, len(raw))
		vals := make([]uint8, len(raw))
		copy(vals, raw)
		if g.predictor == PredictorHorizontal {
			undoHorizontalPrediction(vals, rowSamples, stride)
		}
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil

	case g.sampleFormat == SampleFormatInt && g.bitsPerSample == 8:
		out := make([]float64, len(raw))
		vals := make([]int8, len(raw))
		for i, b := range raw {
			vals[i] = int8(b)
		}
		if g.predictor == PredictorHorizontal {
			undoHorizontalPrediction(vals, rowSamples, stride)
		}
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil

	case g.sampleFormat == SampleFormatUint && g.bitsPerSample == 16:
		vals := make([]uint16, len(raw)/2)
		if err := binary.Read(bytes.NewReader(raw), order, &vals); err != nil {
			return nil, err
		}
		if g.predictor == PredictorHorizontal {
			undoHorizontalPrediction(vals, rowSamples, stride)
		}
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil

	case g.sampleFormat == SampleFormatInt && g.bitsPerSample == 16:
		vals := make([]int16, len(raw)/2)
		if err := binary.Read(bytes.NewReader(raw), order, &vals); err != nil {
			return nil, err
		}
		if g.predictor == PredictorHorizontal {
			undoHorizontalPrediction(vals, rowSamples, stride)
		}
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil

	case g.sampleFormat == SampleFormatUint && g.bitsPerSample == 32:
		vals := make([]uint32, len(raw)/4)
		if err := binary.Read(bytes.NewReader(raw), order, &vals); err != nil {
			return nil, err
		}
		if g.predictor == PredictorHorizontal {
			undoHorizontalPrediction(vals, rowSamples, stride)
		}
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil

	case g.sampleFormat == SampleFormatInt && g.bitsPerSample == 32:
		vals := make([]int32, len(raw)/4)
		if err := binary.Read(bytes.NewReader(raw), order, &vals); err != nil {
			return nil, err
		}
		if g.predictor == PredictorHorizontal {
			undoHorizontalPrediction(vals, rowSamples, stride)
		}
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil

	case g.sampleFormat == SampleFormatFloat && g.bitsPerSample == 32:
		if g.predictor != PredictorNone {
			return nil, fmt.Errorf("unsupported predictor %d for float samples", g.predictor)
		}
		vals := make([]float32, len(raw)/4)
		if err := binary.Read(bytes.NewReader(raw), order, &vals); err != nil {
			return nil, err
		}
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, nil

	case g.sampleFormat == SampleFormatFloat && g.bitsPerSample == 64:
		if g.predictor != PredictorNone {
			return nil, fmt.Errorf("unsupported predictor %d for float samples", g.predictor)
		}
		vals := make([]float64, len(raw)/8)
		if err := binary.Read(bytes.NewReader(raw), order, &vals); err != nil {
			return nil, err
		}
		return vals, nil

	default:
		return nil, fmt.Errorf("unsupported sample layout (SampleFormat: %d, BitsPerSample: %d)", g.sampleFormat, g.bitsPerSample)
	}
}

func (g *Raster) getUint(tag Tag) (uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return 0, false
	}
	if t.fType == SHORT && len(t.shortData) > 0 {
		return uint64(t.shortData[0]), true
	}
	if t.fType == LONG && len(t.longData) > 0 {
		return uint64(t.longData[0]), true
	}
	if (t.fType == LONG8 || t.fType == IFD8) && len(t.uint64Data) > 0 {
		return t.uint64Data[0], true
	}
	return 0, false
}

func (g *Raster) get64bitSlice(tag Tag) ([]uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return nil, false
	}
	if t.fType == LONG8 || t.fType == IFD8 {
		return t.uint64Data, true
	}
	if t.fType == LONG {
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	}
	if t.fType == SHORT {
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

// undoHorizontalPrediction reverses the horizontal differencing predictor in
// place. Differencing restarts on every row and runs per interleaved sample,
// so the accumulator looks back by the sample stride.
func undoHorizontalPrediction[T uint8 | int8 | uint16 | int16 | uint32 | int32](data []T, rowSamples, stride int) {
	if rowSamples <= 0 || stride <= 0 {
		return
	}
	for rowStart := 0; rowStart < len(data); rowStart += rowSamples {
		end := rowStart + rowSamples
		if end > len(data) {
			end = len(data)
		}
		for i := rowStart + stride; i < end; i++ {
			data[i] += data[i-stride]
		}
	}
}
