package btree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/ivfgo/internal/blockio"
	"github.com/hupe1980/ivfgo/scalar"
)

const (
	// Magic marks a scalar index artifact ("BTRI").
	Magic uint32 = 0x42545249

	// Version is the current artifact format revision.
	Version uint16 = 1

	// DefaultBlockSize is the number of entries per value block.
	DefaultBlockSize = 4096

	// fixedHeaderSize is the length of the fixed header at offset 0:
	// magic u32, version u16, compression u8, kind u8, rows u64,
	// numBlocks u32, blockSize u32, headerLen u32. Everything is
	// little-endian.
	fixedHeaderSize = 28
)

var (
	// ErrCorrupted is returned when an artifact fails structural or
	// checksum validation.
	ErrCorrupted = errors.New("btree: corrupted index")

	// ErrKindMismatch is returned when a predicate operates on a
	// different value kind than the indexed column holds.
	ErrKindMismatch = errors.New("btree: predicate kind does not match indexed column")
)

// header mirrors the fixed artifact header. The block header section
// follows it, then a CRC32-C over both, then the value blocks.
type header struct {
	compression blockio.Type
	kind        scalar.Kind
	rows        uint64
	numBlocks   uint32
	blockSize   uint32
	headerLen   uint32
}

func encodeHead(h header) []byte {
	buf := make([]byte, fixedHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint16(buf[4:], Version)
	buf[6] = byte(h.compression)
	buf[7] = byte(h.kind)
	binary.LittleEndian.PutUint64(buf[8:], h.rows)
	binary.LittleEndian.PutUint32(buf[16:], h.numBlocks)
	binary.LittleEndian.PutUint32(buf[20:], h.blockSize)
	binary.LittleEndian.PutUint32(buf[24:], h.headerLen)
	return buf
}

func decodeHead(buf []byte) (header, error) {
	var h header
	if len(buf) < fixedHeaderSize {
		return h, fmt.Errorf("%w: truncated header", ErrCorrupted)
	}
	if m := binary.LittleEndian.Uint32(buf[0:]); m != Magic {
		return h, fmt.Errorf("%w: bad magic 0x%08x", ErrCorrupted, m)
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != Version {
		return h, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, v)
	}
	h.compression = blockio.Type(buf[6])
	if !h.compression.Valid() {
		return h, fmt.Errorf("%w: unknown compression %d", ErrCorrupted, buf[6])
	}
	h.kind = scalar.Kind(buf[7])
	if h.kind > scalar.KindTimestamp {
		return h, fmt.Errorf("%w: unknown value kind %d", ErrCorrupted, buf[7])
	}
	h.rows = binary.LittleEndian.Uint64(buf[8:])
	h.numBlocks = binary.LittleEndian.Uint32(buf[16:])
	h.blockSize = binary.LittleEndian.Uint32(buf[20:])
	h.headerLen = binary.LittleEndian.Uint32(buf[24:])
	if h.rows > 0 && h.kind == scalar.KindInvalid {
		return h, fmt.Errorf("%w: populated index without value kind", ErrCorrupted)
	}
	if h.rows > 0 && h.blockSize == 0 {
		return h, fmt.Errorf("%w: zero block size", ErrCorrupted)
	}
	return h, nil
}

// blockHeader describes one value block. The headers live in a
// compressed section right after the fixed header, so queries can prune
// blocks without touching their payload.
type blockHeader struct {
	min    scalar.Value
	max    scalar.Value
	offset uint64 // byte offset within the data section
	length uint32 // framed block length
	count  uint32 // entries in the block
	crc    uint32 // CRC32-C over the framed block bytes
}

func appendBlockHeader(dst []byte, h blockHeader) []byte {
	dst = appendValue(dst, h.min)
	dst = appendValue(dst, h.max)
	dst = binary.AppendUvarint(dst, h.offset)
	dst = binary.AppendUvarint(dst, uint64(h.length))
	dst = binary.AppendUvarint(dst, uint64(h.count))
	return binary.LittleEndian.AppendUint32(dst, h.crc)
}

func decodeBlockHeader(data []byte, kind scalar.Kind) (blockHeader, int, error) {
	var h blockHeader
	pos := 0

	v, n, err := decodeValue(data, kind)
	if err != nil {
		return h, 0, err
	}
	h.min = v
	pos += n

	v, n, err = decodeValue(data[pos:], kind)
	if err != nil {
		return h, 0, err
	}
	h.max = v
	pos += n

	off, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return h, 0, fmt.Errorf("%w: short block header", ErrCorrupted)
	}
	h.offset = off
	pos += n

	length, n := binary.Uvarint(data[pos:])
	if n <= 0 || length > math.MaxUint32 {
		return h, 0, fmt.Errorf("%w: short block header", ErrCorrupted)
	}
	h.length = uint32(length)
	pos += n

	count, n := binary.Uvarint(data[pos:])
	if n <= 0 || count > math.MaxUint32 {
		return h, 0, fmt.Errorf("%w: short block header", ErrCorrupted)
	}
	h.count = uint32(count)
	pos += n

	if len(data[pos:]) < 4 {
		return h, 0, fmt.Errorf("%w: short block header", ErrCorrupted)
	}
	h.crc = binary.LittleEndian.Uint32(data[pos:])
	pos += 4

	return h, pos, nil
}

// appendValue appends the payload of v. The kind is stored once in the
// artifact header, so payloads carry no per-value tag.
func appendValue(dst []byte, v scalar.Value) []byte {
	switch v.Kind {
	case scalar.KindInt, scalar.KindTimestamp:
		return binary.AppendVarint(dst, v.I64)
	case scalar.KindFloat:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.F64))
	case scalar.KindString:
		dst = binary.AppendUvarint(dst, uint64(len(v.S)))
		return append(dst, v.S...)
	case scalar.KindBool:
		if v.B {
			return append(dst, 1)
		}
		return append(dst, 0)
	default:
		return dst
	}
}

func decodeValue(data []byte, kind scalar.Kind) (scalar.Value, int, error) {
	switch kind {
	case scalar.KindInt, scalar.KindTimestamp:
		v, n := binary.Varint(data)
		if n <= 0 {
			return scalar.Value{}, 0, fmt.Errorf("%w: short value", ErrCorrupted)
		}
		return scalar.Value{Kind: kind, I64: v}, n, nil
	case scalar.KindFloat:
		if len(data) < 8 {
			return scalar.Value{}, 0, fmt.Errorf("%w: short value", ErrCorrupted)
		}
		bits := binary.LittleEndian.Uint64(data)
		return scalar.Value{Kind: kind, F64: math.Float64frombits(bits)}, 8, nil
	case scalar.KindString:
		l, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < l {
			return scalar.Value{}, 0, fmt.Errorf("%w: short value", ErrCorrupted)
		}
		return scalar.Value{Kind: kind, S: string(data[n : n+int(l)])}, n + int(l), nil
	case scalar.KindBool:
		if len(data) < 1 {
			return scalar.Value{}, 0, fmt.Errorf("%w: short value", ErrCorrupted)
		}
		return scalar.Value{Kind: kind, B: data[0] != 0}, 1, nil
	default:
		return scalar.Value{}, 0, fmt.Errorf("%w: unsupported value kind %d", ErrCorrupted, kind)
	}
}

// encodeBlock serializes one block of aligned (value, rowID) pairs.
// Values are sorted ascending, so integer deltas stay non-negative and
// small; float bits and row ids use wrapping deltas that a uvarint
// round-trips in either direction.
func encodeBlock(values []scalar.Value, rowIDs []uint64, kind scalar.Kind) []byte {
	buf := make([]byte, 0, len(values)*10)

	switch kind {
	case scalar.KindInt, scalar.KindTimestamp:
		if len(values) > 0 {
			buf = binary.AppendVarint(buf, values[0].I64)
			prev := values[0].I64
			for _, v := range values[1:] {
				buf = binary.AppendUvarint(buf, uint64(v.I64-prev))
				prev = v.I64
			}
		}
	case scalar.KindFloat:
		var prev uint64
		for _, v := range values {
			bits := math.Float64bits(v.F64)
			buf = binary.AppendUvarint(buf, bits-prev)
			prev = bits
		}
	case scalar.KindString:
		for _, v := range values {
			buf = binary.AppendUvarint(buf, uint64(len(v.S)))
			buf = append(buf, v.S...)
		}
	case scalar.KindBool:
		for _, v := range values {
			if v.B {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	}

	var prev uint64
	for _, rid := range rowIDs {
		buf = binary.AppendUvarint(buf, rid-prev)
		prev = rid
	}
	return buf
}

// decodeBlock is the inverse of encodeBlock. count comes from the block
// header; the payload must be consumed exactly.
func decodeBlock(data []byte, kind scalar.Kind, count int) ([]scalar.Value, []uint64, error) {
	values := make([]scalar.Value, count)
	pos := 0

	switch kind {
	case scalar.KindInt, scalar.KindTimestamp:
		if count > 0 {
			v, n := binary.Varint(data)
			if n <= 0 {
				return nil, nil, fmt.Errorf("%w: short block", ErrCorrupted)
			}
			pos += n
			values[0] = scalar.Value{Kind: kind, I64: v}
			prev := v
			for i := 1; i < count; i++ {
				d, n := binary.Uvarint(data[pos:])
				if n <= 0 {
					return nil, nil, fmt.Errorf("%w: short block", ErrCorrupted)
				}
				pos += n
				prev += int64(d)
				values[i] = scalar.Value{Kind: kind, I64: prev}
			}
		}
	case scalar.KindFloat:
		var prev uint64
		for i := 0; i < count; i++ {
			d, n := binary.Uvarint(data[pos:])
			if n <= 0 {
				return nil, nil, fmt.Errorf("%w: short block", ErrCorrupted)
			}
			pos += n
			prev += d
			values[i] = scalar.Value{Kind: kind, F64: math.Float64frombits(prev)}
		}
	case scalar.KindString:
		for i := 0; i < count; i++ {
			l, n := binary.Uvarint(data[pos:])
			if n <= 0 || uint64(len(data)-pos-n) < l {
				return nil, nil, fmt.Errorf("%w: short block", ErrCorrupted)
			}
			pos += n
			values[i] = scalar.Value{Kind: kind, S: string(data[pos : pos+int(l)])}
			pos += int(l)
		}
	case scalar.KindBool:
		if len(data)-pos < count {
			return nil, nil, fmt.Errorf("%w: short block", ErrCorrupted)
		}
		for i := 0; i < count; i++ {
			values[i] = scalar.Value{Kind: kind, B: data[pos+i] != 0}
		}
		pos += count
	default:
		return nil, nil, fmt.Errorf("%w: unsupported value kind %d", ErrCorrupted, kind)
	}

	rowIDs := make([]uint64, count)
	var prev uint64
	for i := 0; i < count; i++ {
		d, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: short block", ErrCorrupted)
		}
		pos += n
		prev += d
		rowIDs[i] = prev
	}

	if pos != len(data) {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes in block", ErrCorrupted, len(data)-pos)
	}
	return values, rowIDs, nil
}
