package btree

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/hupe1980/ivfgo/internal/blockio"
	"github.com/hupe1980/ivfgo/internal/hash"
	"github.com/hupe1980/ivfgo/scalar"
)

// Config controls index construction.
type Config struct {
	// BlockSize is the number of entries per value block. Zero applies
	// DefaultBlockSize.
	BlockSize int

	// Compression selects the block codec. The zero value stores
	// blocks raw; DefaultConfig selects ZSTD.
	Compression blockio.Type
}

// DefaultConfig returns the production defaults: 4096-entry blocks
// compressed with ZSTD.
func DefaultConfig() Config {
	return Config{
		BlockSize:   DefaultBlockSize,
		Compression: blockio.TypeZSTD,
	}
}

// Builder accumulates (value, row id) pairs and serializes them into a
// scalar index artifact. The zero entry case is valid: Finish emits an
// empty index every predicate evaluates to an empty result against.
type Builder struct {
	cfg    Config
	kind   scalar.Kind
	values []scalar.Value
	rowIDs []uint64
}

// NewBuilder creates a builder with the given configuration.
func NewBuilder(cfg Config) *Builder {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	return &Builder{cfg: cfg}
}

// Add appends one column entry. The first value fixes the column kind;
// every later value must match it.
func (b *Builder) Add(v scalar.Value, rowID uint64) error {
	if !v.Valid() {
		return fmt.Errorf("btree: cannot index an invalid value (row %d)", rowID)
	}
	if b.kind == scalar.KindInvalid {
		b.kind = v.Kind
	} else if v.Kind != b.kind {
		return fmt.Errorf("btree: value kind %s does not match column kind %s (row %d)", v.Kind, b.kind, rowID)
	}
	b.values = append(b.values, v)
	b.rowIDs = append(b.rowIDs, rowID)
	return nil
}

// Len returns the number of entries added so far.
func (b *Builder) Len() int { return len(b.values) }

// Kind returns the column kind, or KindInvalid before the first Add.
func (b *Builder) Kind() scalar.Kind { return b.kind }

// Finish sorts the accumulated entries and serializes the artifact.
// Entries order by value with ties broken by ascending row id, so a
// fixed entry set always produces identical bytes.
func (b *Builder) Finish(ctx context.Context) ([]byte, error) {
	if !b.cfg.Compression.Valid() {
		return nil, fmt.Errorf("btree: unknown compression %d", b.cfg.Compression)
	}
	b.sort()

	blockSize := b.cfg.BlockSize
	numBlocks := (len(b.values) + blockSize - 1) / blockSize

	headers := make([]blockHeader, 0, numBlocks)
	var data bytes.Buffer
	for start := 0; start < len(b.values); start += blockSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+blockSize, len(b.values))

		body := encodeBlock(b.values[start:end], b.rowIDs[start:end], b.kind)
		framed, err := blockio.Compress(body, b.cfg.Compression)
		if err != nil {
			return nil, err
		}
		headers = append(headers, blockHeader{
			min:    b.values[start],
			max:    b.values[end-1],
			offset: uint64(data.Len()),
			length: uint32(len(framed)),
			count:  uint32(end - start),
			crc:    hash.CRC32C(framed),
		})
		data.Write(framed)
	}

	var headerBody []byte
	for _, h := range headers {
		headerBody = appendBlockHeader(headerBody, h)
	}
	headerSection, err := blockio.Compress(headerBody, b.cfg.Compression)
	if err != nil {
		return nil, err
	}

	head := encodeHead(header{
		compression: b.cfg.Compression,
		kind:        b.kind,
		rows:        uint64(len(b.values)),
		numBlocks:   uint32(numBlocks),
		blockSize:   uint32(blockSize),
		headerLen:   uint32(len(headerSection)),
	})

	out := make([]byte, 0, len(head)+len(headerSection)+4+data.Len())
	out = append(out, head...)
	out = append(out, headerSection...)
	out = binary.LittleEndian.AppendUint32(out, hash.CRC32C(out))
	out = append(out, data.Bytes()...)
	return out, nil
}

// sort orders entries by (value, row id) using an indirect sort that
// keeps the two columns aligned.
func (b *Builder) sort() {
	if len(b.values) == 0 {
		return
	}
	indices := make([]int, len(b.values))
	for i := range indices {
		indices[i] = i
	}
	slices.SortFunc(indices, func(x, y int) int {
		if c := b.values[x].Compare(b.values[y]); c != 0 {
			return c
		}
		return cmp.Compare(b.rowIDs[x], b.rowIDs[y])
	})

	newValues := make([]scalar.Value, len(b.values))
	newRowIDs := make([]uint64, len(b.rowIDs))
	for i, idx := range indices {
		newValues[i] = b.values[idx]
		newRowIDs[i] = b.rowIDs[idx]
	}
	b.values = newValues
	b.rowIDs = newRowIDs
}
