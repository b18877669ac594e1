package tiler

// TIFF 6.0 / BigTIFF structural constants and the subset of tags a
// georeferenced raster needs. Tag values follow the TIFF specification and
// the OGC GeoTIFF standard; the GDAL_NODATA tag is a de facto extension.

const (
	littleEndian = 0x4949 // "II"
	bigEndian    = 0x4D4D // "MM"

	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)

type fieldType uint16

const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

const (
	zeroByte  uint32 = 0
	oneByte   uint32 = 1
	twoByte   uint32 = 2
	fourByte  uint32 = 4
	eightByte uint32 = 8
)

// Tag identifies a TIFF directory entry.
type Tag uint16

const (
	ImageWidth                Tag = 256
	ImageLength               Tag = 257
	BitsPerSample             Tag = 258
	Compression               Tag = 259
	PhotometricInterpretation Tag = 262
	StripOffsets              Tag = 273
	SamplesPerPixel           Tag = 277
	RowsPerStrip              Tag = 278
	StripByteCounts           Tag = 279
	PlanarConfiguration       Tag = 284
	Predictor                 Tag = 317
	TileWidth                 Tag = 322
	TileLength                Tag = 323
	TileOffsets               Tag = 324
	TileByteCounts            Tag = 325
	SampleFormat              Tag = 339

	ModelPixelScale Tag = 33550
	ModelTiepoint   Tag = 33922
	GeoKeyDirectory Tag = 34735
	GeoDoubleParams Tag = 34736
	GeoASCIIParams  Tag = 34737
	GDALNoData      Tag = 42113
)

// Compression schemes.
const (
	Uncompressed  = 1
	DEFLATE       = 8     // Adobe-style zlib
	DeflateLegacy = 32946 // older code point for the same codec
)

// Predictor values.
const (
	PredictorNone       = 1
	PredictorHorizontal = 2
)

// SampleFormat values.
const (
	SampleFormatUint  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)

// PlanarConfiguration values.
const (
	PlanarChunky   = 1 // samples interleaved per pixel
	PlanarSeparate = 2 // one plane per band
)

// GeoKey identifiers carried inside the GeoKeyDirectory short array.
const (
	geoKeyModelType    = 1024
	geoKeyGeographicCS = 2048
	geoKeyProjectedCS  = 3072
)

// GeoKey model types.
const (
	modelTypeProjected  = 1
	modelTypeGeographic = 2
)

var tagToLabel = map[Tag]string{
	ImageWidth:                "ImageWidth",
	ImageLength:               "ImageLength",
	BitsPerSample:             "BitsPerSample",
	Compression:               "Compression",
	PhotometricInterpretation: "PhotometricInterpretation",
	StripOffsets:              "StripOffsets",
	SamplesPerPixel:           "SamplesPerPixel",
	RowsPerStrip:              "RowsPerStrip",
	StripByteCounts:           "StripByteCounts",
	PlanarConfiguration:       "PlanarConfiguration",
	Predictor:                 "Predictor",
	TileWidth:                 "TileWidth",
	TileLength:                "TileLength",
	TileOffsets:               "TileOffsets",
	TileByteCounts:            "TileByteCounts",
	SampleFormat:              "SampleFormat",
	ModelPixelScale:           "ModelPixelScale",
	ModelTiepoint:             "ModelTiepoint",
	GeoKeyDirectory:           "GeoKeyDirectory",
	GeoDoubleParams:           "GeoDoubleParams",
	GeoASCIIParams:            "GeoASCIIParams",
	GDALNoData:                "GDALNoData",
}
