// Package btree implements the exact scalar index: a sorted, blocked
// column of (value, row id) pairs with per-block min/max headers.
// Queries prune to the blocks whose bounds admit the predicate, binary
// search inside them, and return row id bitmaps.
//
// The artifact layout is a fixed header, a compressed block header
// section, a CRC32-C over both, then the value blocks. Each block
// header carries its own checksum, so a query validates exactly the
// bytes it reads.
package btree

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/hupe1980/ivfgo/internal/blockio"
	"github.com/hupe1980/ivfgo/internal/hash"
	"github.com/hupe1980/ivfgo/scalar"
)

// Index evaluates predicates against a scalar index artifact. Block
// payloads stay on the blob and are fetched per query, so a lookup
// touches only the byte ranges its headers admit.
//
// Index is safe for concurrent use. It owns the blob passed to Open
// and releases it on Close.
type Index struct {
	blob    blobstore.Blob
	comp    blockio.Type
	kind    scalar.Kind
	rows    uint64
	headers []blockHeader
	dataOff int64
}

// Open parses and validates the artifact head: magic, version, and the
// checksum over the fixed header and block header section.
func Open(ctx context.Context, blob blobstore.Blob) (*Index, error) {
	fixed := make([]byte, fixedHeaderSize)
	if err := readFull(ctx, blob, fixed, 0); err != nil {
		return nil, err
	}
	h, err := decodeHead(fixed)
	if err != nil {
		return nil, err
	}

	// headerLen is not covered by the checksum until the checksum
	// itself is located through it, so bound it first.
	if int64(fixedHeaderSize)+int64(h.headerLen)+4 > blob.Size() {
		return nil, fmt.Errorf("%w: truncated artifact", ErrCorrupted)
	}
	rest := make([]byte, int(h.headerLen)+4)
	if err := readFull(ctx, blob, rest, fixedHeaderSize); err != nil {
		return nil, err
	}
	section := rest[:h.headerLen]

	crc := hash.NewCRC32C()
	crc.Write(fixed)
	crc.Write(section)
	if crc.Sum32() != binary.LittleEndian.Uint32(rest[h.headerLen:]) {
		return nil, fmt.Errorf("%w: header checksum mismatch", ErrCorrupted)
	}

	headerBody, err := blockio.Decompress(section, h.compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	headers := make([]blockHeader, 0, h.numBlocks)
	pos := 0
	var total uint64
	for i := uint32(0); i < h.numBlocks; i++ {
		bh, n, err := decodeBlockHeader(headerBody[pos:], h.kind)
		if err != nil {
			return nil, err
		}
		pos += n
		total += uint64(bh.count)
		headers = append(headers, bh)
	}
	if pos != len(headerBody) {
		return nil, fmt.Errorf("%w: %d trailing bytes in header section", ErrCorrupted, len(headerBody)-pos)
	}
	if total != h.rows {
		return nil, fmt.Errorf("%w: block counts sum to %d, header says %d rows", ErrCorrupted, total, h.rows)
	}

	return &Index{
		blob:    blob,
		comp:    h.compression,
		kind:    h.kind,
		rows:    h.rows,
		headers: headers,
		dataOff: int64(fixedHeaderSize) + int64(h.headerLen) + 4,
	}, nil
}

// Kind returns the value kind of the indexed column. An empty index
// has no kind and returns KindInvalid.
func (ix *Index) Kind() scalar.Kind { return ix.kind }

// Rows returns the number of indexed entries.
func (ix *Index) Rows() uint64 { return ix.rows }

// NumBlocks returns the number of value blocks.
func (ix *Index) NumBlocks() int { return len(ix.headers) }

// Close releases the underlying blob.
func (ix *Index) Close() error { return ix.blob.Close() }

// Query evaluates p and returns the matching row ids. Every predicate
// against an empty index returns an empty bitmap.
func (ix *Index) Query(ctx context.Context, p scalar.Predicate) (*roaring64.Bitmap, error) {
	out := roaring64.New()
	if ix.rows == 0 {
		return out, nil
	}

	switch p.Op {
	case scalar.OpEq:
		if err := ix.checkKind(p.Value); err != nil {
			return nil, err
		}
		if err := ix.queryRange(ctx, p.Value, p.Value, true, true, out); err != nil {
			return nil, err
		}

	case scalar.OpRange:
		if err := ix.checkKind(p.Lower); err != nil {
			return nil, err
		}
		if err := ix.checkKind(p.Upper); err != nil {
			return nil, err
		}
		if err := ix.queryRange(ctx, p.Lower, p.Upper, p.IncludeLower, p.IncludeUpper, out); err != nil {
			return nil, err
		}

	case scalar.OpIn:
		members := slices.Clone(p.Set)
		for _, m := range members {
			if err := ix.checkKind(m); err != nil {
				return nil, err
			}
		}
		// Sorted and deduplicated members touch each candidate block
		// once and in file order.
		slices.SortFunc(members, scalar.Value.Compare)
		members = slices.CompactFunc(members, scalar.Value.Equal)
		for _, m := range members {
			if err := ix.queryRange(ctx, m, m, true, true, out); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("btree: unsupported predicate %s", p.Op)
	}

	return out, nil
}

// checkKind rejects predicate operands of a foreign kind. Invalid
// values pass; a range treats them as unbounded.
func (ix *Index) checkKind(v scalar.Value) error {
	if !v.Valid() || v.Kind == ix.kind {
		return nil
	}
	return fmt.Errorf("%w: index holds %s, predicate uses %s", ErrKindMismatch, ix.kind, v.Kind)
}

// queryRange adds every row id whose value lies between lower and
// upper to dst. An invalid bound is unbounded on that side. Candidate
// blocks are exactly those whose [min, max] overlaps the range.
func (ix *Index) queryRange(ctx context.Context, lower, upper scalar.Value, includeLower, includeUpper bool, dst *roaring64.Bitmap) error {
	if lower.Valid() && upper.Valid() {
		c := lower.Compare(upper)
		if c > 0 || (c == 0 && !(includeLower && includeUpper)) {
			return nil
		}
	}

	start := 0
	if lower.Valid() {
		start = sort.Search(len(ix.headers), func(i int) bool {
			c := ix.headers[i].max.Compare(lower)
			if includeLower {
				return c >= 0
			}
			return c > 0
		})
	}

	for bi := start; bi < len(ix.headers); bi++ {
		h := ix.headers[bi]
		if upper.Valid() {
			c := h.min.Compare(upper)
			if c > 0 || (c == 0 && !includeUpper) {
				break
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		values, rowIDs, err := ix.readBlock(ctx, bi)
		if err != nil {
			return err
		}

		lo := 0
		if lower.Valid() {
			lo = sort.Search(len(values), func(i int) bool {
				c := values[i].Compare(lower)
				if includeLower {
					return c >= 0
				}
				return c > 0
			})
		}
		hi := len(values)
		if upper.Valid() {
			hi = sort.Search(len(values), func(i int) bool {
				c := values[i].Compare(upper)
				if includeUpper {
					return c > 0
				}
				return c >= 0
			})
		}
		if hi > lo {
			dst.AddMany(rowIDs[lo:hi])
		}
	}
	return nil
}

// readBlock fetches, checks, and decodes one value block.
func (ix *Index) readBlock(ctx context.Context, i int) ([]scalar.Value, []uint64, error) {
	h := ix.headers[i]
	framed := make([]byte, h.length)
	if err := readFull(ctx, ix.blob, framed, ix.dataOff+int64(h.offset)); err != nil {
		return nil, nil, err
	}
	if hash.CRC32C(framed) != h.crc {
		return nil, nil, fmt.Errorf("%w: block %d checksum mismatch", ErrCorrupted, i)
	}
	body, err := blockio.Decompress(framed, ix.comp)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: block %d: %v", ErrCorrupted, i, err)
	}
	return decodeBlock(body, ix.kind, int(h.count))
}

// readFull reads len(p) bytes at off, mapping a short read to a
// corruption error. Other blob errors pass through untouched so a
// cancelled context stays recognizable.
func readFull(ctx context.Context, blob blobstore.Blob, p []byte, off int64) error {
	err := blobstore.ReadFull(ctx, blob, p, off)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated artifact", ErrCorrupted)
	}
	return err
}
