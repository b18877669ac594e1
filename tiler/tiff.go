package tiler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData holds the parsed data for a TIFF tag in various typed formats
type tagData struct {
	fType      fieldType // The field type of this tag data
	length     uint32    // Number of elements in the data
	byteData   []uint8   // Raw byte data (BYTE type)
	asciiData  string    // String data (ASCII type)
	shortData  []uint16  // 16-bit unsigned integer data (SHORT type)
	longData   []uint32  // 32-bit unsigned integer data (LONG type)
	floatData  []float32 // 32-bit floating point data (FLOAT type)
	doubleData []float64 // 64-bit floating point data (DOUBLE type)
	uint64Data []uint64  // 64-bit unsigned integer data (LONG8/IFD8 types)
}

type Tags map[Tag]tagData

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0,   // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	// Read the first 2 bytes to determine byte order (little or big endian)
	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	// Set the byte order based on the magic bytes
	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	// Read the TIFF identifier to determine if this is standard TIFF or BigTIFF
	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	// Process based on TIFF format type
	switch identifier {
	case tiffIdentifier:
		// Standard TIFF format - uses 32-bit offsets
		h.isBigTIFF = false
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		// BigTIFF format - uses 64-bit offsets for large files
		h.isBigTIFF = true

		// Read and validate the bytesize field (should be 8 for BigTIFF)
		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}

		// Read the reserved field (should be 0)
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}

		// Read the 64-bit IFD offset
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

// readTags parses the first IFD of the container, which holds the
// full-resolution image. Subsequent IFDs (overviews, masks) are ignored.
func readTags(r io.ReadSeeker) (Tags, head, error) {
	tags := make(Tags)
	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}

	fileSize, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, h, err
	}

	ifdOffset := h.ifdOffset
	if ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}
	if ifdOffset >= uint64(fileSize) {
		return nil, h, errors.New("IFD offset past end of file")
	}

	// Seek to the one and only IFD we need to read
	if _, err := r.Seek(int64(ifdOffset), io.SeekStart); err != nil {
		return nil, h, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, h, err
		}
	} else {
		var numEntries16 uint16
		if err := binary.Read(r, h.byteOrder, &numEntries16); err != nil {
			return nil, h, err
		}
		numEntries = uint64(numEntries16)
	}

	entryLen := 12
	if h.isBigTIFF {
		entryLen = 20
	}
	// The directory count is untrusted: a directory must fit in the file
	// that carries it, or the multiplication below drives the allocator.
	if numEntries == 0 || numEntries > uint64(fileSize)/uint64(entryLen) {
		return nil, h, fmt.Errorf("implausible IFD entry count %d for %d-byte file", numEntries, fileSize)
	}
	ifdBlockSize := entryLen * int(numEntries)
	ifdBlock := make([]byte, ifdBlockSize)
	if _, err := io.ReadFull(r, ifdBlock); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}
	ifdReader := bytes.NewReader(ifdBlock)

	for i := uint64(0); i < numEntries; i++ {
		var entry iFDEntry
		var tag, ftype uint16
		if err := binary.Read(ifdReader, h.byteOrder, &tag); err != nil {
			return nil, h, err
		}
		if err := binary.Read(ifdReader, h.byteOrder, &ftype); err != nil {
			return nil, h, err
		}
		entry.Tag = Tag(tag)
		entry.FType = fieldType(ftype)
		if entry.FType.bytes() == 0 {
			// Unknown field type, skip the rest of the entry.
			ifdReader.Seek(int64(entryLen-4), io.SeekCurrent)
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			if err := binary.Read(ifdReader, h.byteOrder, &entry.Count); err != nil {
				return nil, h, err
			}
			if _, err := io.ReadFull(ifdReader, offsetBytes); err != nil {
				return nil, h, err
			}
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			if err := binary.Read(ifdReader, h.byteOrder, &count32); err != nil {
				return nil, h, err
			}
			if err := binary.Read(ifdReader, h.byteOrder, &offset32); err != nil {
				return nil, h, err
			}
			entry.Count = uint64(count32)
			entry.ValueOffset = uint64(offset32)
			// For inline data compatibility, put the 4-byte value/offset into the 8-byte slice
			h.byteOrder.PutUint32(offsetBytes, offset32)
		}

		inlineDataSize := uint64(4)
		if h.isBigTIFF {
			inlineDataSize = 8
		}

		if totalBytes := uint64(entry.FType.bytes()) * entry.Count; totalBytes <= inlineDataSize {
			entry.ValueBytes = offsetBytes[:totalBytes]
		}

		tagvalue, err := entry.value(r, h.byteOrder, fileSize)
		if err != nil {
			return nil, h, err
		}
		tags[entry.Tag] = *tagvalue
	}

	return tags, h, nil
}

func (ifd *iFDEntry) value(r io.ReadSeeker, byteOrder binary.ByteOrder, fileSize int64) (*tagData, error) {
	// Same rule as the directory itself: a value count the file cannot hold
	// is corrupt, not a multi-gigabyte allocation request.
	typeBytes := uint64(ifd.FType.bytes())
	if typeBytes == 0 || ifd.Count > uint64(fileSize)/typeBytes {
		return nil, fmt.Errorf("tag %s: %d values of type %s exceed file size", ifd.Tag, ifd.Count, ifd.FType)
	}

	t := tagData{fType: ifd.FType, length: uint32(ifd.Count)}
	var reader io.Reader
	if len(ifd.ValueBytes) > 0 {
		reader = bytes.NewReader(ifd.ValueBytes)
	} else {
		readerAt, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(readerAt, int64(ifd.ValueOffset), int64(ifd.FType.bytes())*int64(ifd.Count))
	}
	switch ifd.FType {
	case BYTE, UNDEFINED:
		t.byteData = make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.byteData); err != nil {
			return nil, err
		}
	case ASCII:
		p := make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
	case SHORT:
		t.shortData = make([]uint16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case LONG:
		t.longData = make([]uint32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case FLOAT:
		t.floatData = make([]float32, ifd.Count)
		if err := binary.Read(reader, byteOrder, t.floatData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported type for value reading: %d", ifd.FType)
	}
	return &t, nil
}

func (td tagData) doubleDataValue() ([]float64, bool) {
	if td.fType == DOUBLE {
		return td.doubleData, true
	}
	return nil, false
}

func (td tagData) shortDataValue() ([]uint16, bool) {
	if td.fType == SHORT {
		return td.shortData, true
	}
	return nil, false
}
