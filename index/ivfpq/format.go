package ivfpq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/ivfgo/distance"
	"github.com/hupe1980/ivfgo/internal/blockio"
)

const (
	// Magic marks a vector index artifact ("IVFQ").
	Magic uint32 = 0x49564651

	// Version is the current artifact format revision.
	Version uint16 = 1

	// fixedHeaderSize is the length of the fixed header at offset 0:
	// magic u32, version u16, compression u8, metric u8, dim u32,
	// numPartitions u32, numSubVectors u32, numBits u32, rows u64,
	// centroidsLen u32, codebooksLen u32, tableLen u32. Everything is
	// little-endian.
	fixedHeaderSize = 44
)

// ErrCorrupted is returned when an artifact fails structural or
// checksum validation.
var ErrCorrupted = errors.New("ivfpq: corrupted index")

// DimensionMismatchError reports a vector whose dimension does not
// match the index.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("ivfpq: vector dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// header mirrors the fixed artifact header. Three framed sections
// follow it (centroids, codebooks, partition table), then a CRC32-C
// over the fixed header and the sections, then the partition blocks.
//
// Partition table offsets are relative to the start of the block area,
// so a search reads the head once and afterwards touches only the
// byte ranges of the partitions it probes.
type header struct {
	compression   blockio.Type
	metric        distance.Metric
	dim           uint32
	numPartitions uint32
	numSubVectors uint32
	numBits       uint32
	rows          uint64
	centroidsLen  uint32
	codebooksLen  uint32
	tableLen      uint32
}

func encodeHead(h header) []byte {
	buf := make([]byte, fixedHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint16(buf[4:], Version)
	buf[6] = byte(h.compression)
	buf[7] = byte(h.metric)
	binary.LittleEndian.PutUint32(buf[8:], h.dim)
	binary.LittleEndian.PutUint32(buf[12:], h.numPartitions)
	binary.LittleEndian.PutUint32(buf[16:], h.numSubVectors)
	binary.LittleEndian.PutUint32(buf[20:], h.numBits)
	binary.LittleEndian.PutUint64(buf[24:], h.rows)
	binary.LittleEndian.PutUint32(buf[32:], h.centroidsLen)
	binary.LittleEndian.PutUint32(buf[36:], h.codebooksLen)
	binary.LittleEndian.PutUint32(buf[40:], h.tableLen)
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
	h.metric = distance.Metric(buf[7])
	if h.metric > distance.MetricDot {
		return h, fmt.Errorf("%w: unknown metric %d", ErrCorrupted, buf[7])
	}
	h.dim = binary.LittleEndian.Uint32(buf[8:])
	h.numPartitions = binary.LittleEndian.Uint32(buf[12:])
	h.numSubVectors = binary.LittleEndian.Uint32(buf[16:])
	h.numBits = binary.LittleEndian.Uint32(buf[20:])
	h.rows = binary.LittleEndian.Uint64(buf[24:])
	h.centroidsLen = binary.LittleEndian.Uint32(buf[32:])
	h.codebooksLen = binary.LittleEndian.Uint32(buf[36:])
	h.tableLen = binary.LittleEndian.Uint32(buf[40:])

	if h.dim == 0 {
		return h, fmt.Errorf("%w: zero dimension", ErrCorrupted)
	}
	if h.numPartitions == 0 {
		return h, fmt.Errorf("%w: zero partition count", ErrCorrupted)
	}
	if h.numSubVectors == 0 || h.dim%h.numSubVectors != 0 {
		return h, fmt.Errorf("%w: %d sub-vectors do not divide dimension %d", ErrCorrupted, h.numSubVectors, h.dim)
	}
	if h.numBits < 1 || h.numBits > 8 {
		return h, fmt.Errorf("%w: code width %d outside 1..8", ErrCorrupted, h.numBits)
	}
	return h, nil
}

// partitionEntry locates one partition block inside the data area.
type partitionEntry struct {
	offset uint64 // byte offset within the data area
	length uint32 // framed block length
	count  uint32 // rows in the partition
	crc    uint32 // CRC32-C over the framed block bytes
}

func appendPartitionEntry(dst []byte, e partitionEntry) []byte {
	dst = binary.AppendUvarint(dst, e.offset)
	dst = binary.AppendUvarint(dst, uint64(e.length))
	dst = binary.AppendUvarint(dst, uint64(e.count))
	return binary.LittleEndian.AppendUint32(dst, e.crc)
}

func decodePartitionEntry(data []byte) (partitionEntry, int, error) {
	var e partitionEntry
	pos := 0

	off, n := binary.Uvarint(data)
	if n <= 0 {
		return e, 0, fmt.Errorf("%w: short partition table", ErrCorrupted)
	}
	e.offset = off
	pos += n

	length, n := binary.Uvarint(data[pos:])
	if n <= 0 || length > math.MaxUint32 {
		return e, 0, fmt.Errorf("%w: short partition table", ErrCorrupted)
	}
	e.length = uint32(length)
	pos += n

	count, n := binary.Uvarint(data[pos:])
	if n <= 0 || count > math.MaxUint32 {
		return e, 0, fmt.Errorf("%w: short partition table", ErrCorrupted)
	}
	e.count = uint32(count)
	pos += n

	if len(data[pos:]) < 4 {
		return e, 0, fmt.Errorf("%w: short partition table", ErrCorrupted)
	}
	e.crc = binary.LittleEndian.Uint32(data[pos:])
	pos += 4

	return e, pos, nil
}

// appendFloat32s appends vals as little-endian bit patterns. Used for
// the centroid and codebook sections.
func appendFloat32s(dst []byte, vals []float32) []byte {
	for _, v := range vals {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

func decodeFloat32s(data []byte, want int) ([]float32, error) {
	if len(data) != want*4 {
		return nil, fmt.Errorf("%w: float section holds %d bytes, want %d", ErrCorrupted, len(data), want*4)
	}
	out := make([]float32, want)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// encodePartition serializes one partition: the row ids as
// delta-encoded uvarints followed by their PQ codes as count*M raw
// bytes. Row ids keep insertion order, which is ascending when the
// builder is fed sorted ids.
func encodePartition(rowIDs []uint64, codes []byte) []byte {
	buf := make([]byte, 0, len(rowIDs)*4+len(codes))
	var prev uint64
	for _, rid := range rowIDs {
		buf = binary.AppendUvarint(buf, rid-prev)
		prev = rid
	}
	return append(buf, codes...)
}

// decodePartition is the inverse of encodePartition. count comes from
// the partition table; the payload must be consumed exactly. The
// returned codes alias data.
func decodePartition(data []byte, count, numSubVectors int) ([]uint64, []byte, error) {
	rowIDs := make([]uint64, count)
	pos := 0
	var prev uint64
	for i := 0; i < count; i++ {
		d, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: short partition block", ErrCorrupted)
		}
		pos += n
		prev += d
		rowIDs[i] = prev
	}

	if len(data)-pos != count*numSubVectors {
		return nil, nil, fmt.Errorf("%w: partition block holds %d code bytes, want %d", ErrCorrupted, len(data)-pos, count*numSubVectors)
	}
	return rowIDs, data[pos:], nil
}
