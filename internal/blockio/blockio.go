// Package blockio provides framed block compression for index artifact
// sections. Every block carries an 8-byte header, so a section can be
// decoded without out-of-band size information:
//
//	[UncompressedSize uint32][CompressedSize uint32][Data...]
//
// CompressedSize == 0 marks a block stored uncompressed, which also
// happens when compression would not pay for itself.
package blockio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type defines the compression algorithm used for a block.
type Type uint8

const (
	// TypeNone stores blocks uncompressed.
	TypeNone Type = 0
	// TypeLZ4 uses LZ4 block compression (fast, good for hot data).
	TypeLZ4 Type = 1
	// TypeZSTD uses ZSTD block compression (better ratio, good for cold data).
	TypeZSTD Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeLZ4:
		return "lz4"
	case TypeZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Valid reports whether t names a known algorithm.
func (t Type) Valid() bool { return t <= TypeZSTD }

// HeaderSize is the fixed per-block header length.
const HeaderSize = 8

var (
	// ErrTruncated is returned when a block is shorter than its header
	// claims.
	ErrTruncated = errors.New("blockio: truncated block")

	// ErrSizeMismatch is returned when decompression does not produce
	// the recorded uncompressed size.
	ErrSizeMismatch = errors.New("blockio: decompressed size mismatch")
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	// SpeedDefault balances ratio against build throughput.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) { zstdEncoderPool.Put(enc) }

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) { zstdDecoderPool.Put(dec) }

// Compress frames data as a single block. Incompressible input (ratio
// above 0.9) is stored raw so decode never pays for a useless round
// trip.
func Compress(data []byte, t Type) ([]byte, error) {
	var compressed []byte
	var err error

	switch t {
	case TypeNone:
		// Raw block.
	case TypeLZ4:
		compressed, err = compressLZ4(data)
	case TypeZSTD:
		compressed = compressZSTD(data)
	default:
		return nil, fmt.Errorf("blockio: unknown compression %s", t)
	}
	if err != nil {
		return nil, err
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		out := make([]byte, HeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(out[4:], 0)
		copy(out[HeaderSize:], data)
		return out, nil
	}

	out := make([]byte, HeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[HeaderSize:], compressed)
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, buf, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // incompressible
	}
	return buf[:n], nil
}

func compressZSTD(data []byte) []byte {
	enc := getZstdEncoder()
	defer putZstdEncoder(enc)
	return enc.EncodeAll(data, nil)
}

// BlockLen returns the total length (header included) of the block that
// starts at the beginning of data.
func BlockLen(data []byte) (int, error) {
	if len(data) < HeaderSize {
		return 0, ErrTruncated
	}
	uncompressed := binary.LittleEndian.Uint32(data[0:])
	compressed := binary.LittleEndian.Uint32(data[4:])
	if compressed == 0 {
		return HeaderSize + int(uncompressed), nil
	}
	return HeaderSize + int(compressed), nil
}

// Decompress decodes one block produced by Compress. data may extend
// past the block; only the framed prefix is consumed.
func Decompress(data []byte, t Type) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, ErrTruncated
	}

	uncompressedSize := binary.LittleEndian.Uint32(data[0:])
	compressedSize := binary.LittleEndian.Uint32(data[4:])

	if compressedSize == 0 {
		if len(data) < HeaderSize+int(uncompressedSize) {
			return nil, ErrTruncated
		}
		out := make([]byte, uncompressedSize)
		copy(out, data[HeaderSize:HeaderSize+int(uncompressedSize)])
		return out, nil
	}

	if len(data) < HeaderSize+int(compressedSize) {
		return nil, ErrTruncated
	}
	payload := data[HeaderSize : HeaderSize+int(compressedSize)]
	out := make([]byte, uncompressedSize)

	switch t {
	case TypeZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		decoded, err := dec.DecodeAll(payload, out[:0])
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, ErrSizeMismatch
		}
		return decoded, nil

	case TypeLZ4:
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != uncompressedSize {
			return nil, ErrSizeMismatch
		}
		return out, nil

	default:
		return nil, fmt.Errorf("blockio: block marked compressed but type is %s", t)
	}
}
