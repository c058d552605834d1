// Package ivfpq implements the approximate vector index: an
// inverted-file partitioning of the dataset whose rows are stored as
// product-quantized codes. A search ranks partitions by centroid
// distance, probes the closest nprobes of them, and scores their rows
// with a per-query distance table instead of decoding any vector.
//
// The artifact layout is a fixed header, compressed centroid, codebook
// and partition table sections, a CRC32-C over all of the above, then
// one compressed block per partition. Each partition block carries its
// own checksum, so a query validates exactly the bytes it reads.
package ivfpq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/hupe1980/ivfgo/distance"
	"github.com/hupe1980/ivfgo/internal/blockio"
	"github.com/hupe1980/ivfgo/internal/hash"
	"github.com/hupe1980/ivfgo/internal/searcher"
	"github.com/hupe1980/ivfgo/ivf"
	"github.com/hupe1980/ivfgo/quantization"
)

// DefaultNProbes is the partition probe count applied when a search
// does not set one.
const DefaultNProbes = 20

// VectorFetcher supplies exact vectors for re-ranking refined
// searches. Implementations must return one vector per requested row
// id, in request order.
type VectorFetcher interface {
	FetchVectors(ctx context.Context, rowIDs []uint64) ([][]float32, error)
}

// Result is one search hit. Distance follows the index metric:
// squared euclidean for L2, 1-cos for cosine, negated inner product
// for dot.
type Result struct {
	RowID    uint64
	Distance float32
}

// SearchOptions tune a single Search call. The zero value applies the
// defaults: DefaultNProbes partitions, no refinement, no prefilter.
type SearchOptions struct {
	// NProbes is the number of partitions to probe, ordered by
	// centroid distance. Zero applies DefaultNProbes; values above the
	// partition count clamp to it.
	NProbes int

	// RefineFactor widens the candidate set to RefineFactor*k rows and
	// re-ranks them against exact vectors before returning k. Values
	// below 2 leave refinement off; enabling it requires a Fetcher.
	RefineFactor int

	// Fetcher supplies exact vectors for refinement.
	Fetcher VectorFetcher

	// Prefilter restricts the search to the given row ids. Rows
	// outside the bitmap are skipped before they are scored.
	Prefilter *roaring64.Bitmap
}

// Index serves searches against a vector index artifact. Open reads
// and validates the header sections once; afterwards every search
// touches only the byte ranges of the partitions it probes.
//
// Index is safe for concurrent use. It owns the blob passed to Open
// and releases it on Close.
type Index struct {
	blob blobstore.Blob
	head header

	part *ivf.Partitioner
	pq   *quantization.ProductQuantizer

	entries []partitionEntry
	dataOff int64

	searchers sync.Pool
}

// Open parses and validates the artifact head: magic, version, the
// checksum over the header sections, and the restored centroids and
// codebooks.
func Open(ctx context.Context, blob blobstore.Blob) (*Index, error) {
	fixed := make([]byte, fixedHeaderSize)
	if err := readFull(ctx, blob, fixed, 0); err != nil {
		return nil, err
	}
	head, err := decodeHead(fixed)
	if err != nil {
		return nil, err
	}

	cLen := int(head.centroidsLen)
	bLen := int(head.codebooksLen)
	tLen := int(head.tableLen)
	// Section lengths are not covered by the checksum until the
	// checksum itself is located through them, so bound them first.
	if int64(fixedHeaderSize)+int64(cLen)+int64(bLen)+int64(tLen)+4 > blob.Size() {
		return nil, fmt.Errorf("%w: truncated artifact", ErrCorrupted)
	}
	rest := make([]byte, cLen+bLen+tLen+4)
	if err := readFull(ctx, blob, rest, fixedHeaderSize); err != nil {
		return nil, err
	}

	crc := hash.NewCRC32C()
	crc.Write(fixed)
	crc.Write(rest[:cLen+bLen+tLen])
	if crc.Sum32() != binary.LittleEndian.Uint32(rest[cLen+bLen+tLen:]) {
		return nil, fmt.Errorf("%w: header checksum mismatch", ErrCorrupted)
	}

	dim := int(head.dim)
	numPartitions := int(head.numPartitions)
	numSubVectors := int(head.numSubVectors)
	numCentroids := 1 << head.numBits

	centroidBody, err := blockio.Decompress(rest[:cLen], head.compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	centroids, err := decodeFloat32s(centroidBody, numPartitions*dim)
	if err != nil {
		return nil, err
	}

	codebookBody, err := blockio.Decompress(rest[cLen:cLen+bLen], head.compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	codebooks, err := decodeFloat32s(codebookBody, numSubVectors*numCentroids*(dim/numSubVectors))
	if err != nil {
		return nil, err
	}

	tableBody, err := blockio.Decompress(rest[cLen+bLen:cLen+bLen+tLen], head.compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	entries := make([]partitionEntry, 0, numPartitions)
	pos := 0
	var total uint64
	for p := 0; p < numPartitions; p++ {
		e, n, err := decodePartitionEntry(tableBody[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		total += uint64(e.count)
		entries = append(entries, e)
	}
	if pos != len(tableBody) {
		return nil, fmt.Errorf("%w: %d trailing bytes in partition table", ErrCorrupted, len(tableBody)-pos)
	}
	if total != head.rows {
		return nil, fmt.Errorf("%w: partition counts sum to %d, header says %d rows", ErrCorrupted, total, head.rows)
	}

	// Cosine artifacts hold normalized vectors, so centroid routing
	// and code distances both run in plain L2 space.
	codeMetric := head.metric
	if codeMetric == distance.MetricCosine {
		codeMetric = distance.MetricL2
	}
	part, err := ivf.Load(centroids, dim, codeMetric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	pq, err := quantization.NewProductQuantizer(quantization.Config{
		Dimension:     dim,
		NumSubVectors: numSubVectors,
		NumBits:       int(head.numBits),
		Metric:        codeMetric,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if err := pq.SetCodebooks(codebooks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	ix := &Index{
		blob:    blob,
		head:    head,
		part:    part,
		pq:      pq,
		entries: entries,
		dataOff: int64(fixedHeaderSize) + int64(cLen) + int64(bLen) + int64(tLen) + 4,
	}
	ix.searchers.New = func() any { return searcher.New() }
	return ix, nil
}

// Metric returns the distance metric of the index.
func (ix *Index) Metric() distance.Metric { return ix.head.metric }

// Dimension returns the indexed vector dimension.
func (ix *Index) Dimension() int { return int(ix.head.dim) }

// Rows returns the number of indexed vectors.
func (ix *Index) Rows() uint64 { return ix.head.rows }

// NumPartitions returns the inverted-list count.
func (ix *Index) NumPartitions() int { return int(ix.head.numPartitions) }

// NumSubVectors returns the PQ sub-vector count.
func (ix *Index) NumSubVectors() int { return int(ix.head.numSubVectors) }

// NumBits returns the PQ code width.
func (ix *Index) NumBits() int { return int(ix.head.numBits) }

// Close releases the underlying blob.
func (ix *Index) Close() error { return ix.blob.Close() }

// Search returns the k rows closest to query in ascending distance
// order, ties broken by row id. Fewer than k rows come back when the
// probed partitions or the prefilter do not hold enough candidates.
func (ix *Index) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]Result, error) {
	if len(query) != int(ix.head.dim) {
		return nil, &DimensionMismatchError{Expected: int(ix.head.dim), Actual: len(query)}
	}
	if k < 1 {
		return nil, fmt.Errorf("ivfpq: k must be at least 1, got %d", k)
	}
	if opts.NProbes < 0 {
		return nil, fmt.Errorf("ivfpq: nprobes must be positive, got %d", opts.NProbes)
	}
	refine := opts.RefineFactor > 1
	if refine && opts.Fetcher == nil {
		return nil, fmt.Errorf("ivfpq: refine factor %d requires a vector fetcher", opts.RefineFactor)
	}

	nprobes := opts.NProbes
	if nprobes == 0 {
		nprobes = DefaultNProbes
	}
	if n := int(ix.head.numPartitions); nprobes > n {
		nprobes = n
	}

	s := ix.searchers.Get().(*searcher.Searcher)
	defer ix.searchers.Put(s)

	q := query
	if ix.head.metric == distance.MetricCosine {
		buf := s.QueryBuf(len(query))
		copy(buf, query)
		if !distance.NormalizeL2InPlace(buf) {
			return nil, fmt.Errorf("ivfpq: query has zero norm, cosine distance is undefined")
		}
		q = buf
	}

	order, err := ix.part.RankPartitions(q, nprobes)
	if err != nil {
		return nil, err
	}

	table := s.TableBuf(ix.pq.NumSubVectors() * ix.pq.NumCentroids())
	if err := ix.pq.DistanceTableInto(q, table); err != nil {
		return nil, err
	}

	// Fetch and decode the probed partitions concurrently, then score
	// them sequentially in rank order.
	loaded := make([]partitionData, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(order), runtime.GOMAXPROCS(0)))
	for i, pid := range order {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var err error
			loaded[i], err = ix.loadPartition(gctx, pid)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	capacity := k
	if refine {
		capacity = k * opts.RefineFactor
	}
	s.Heap.Reset(capacity)

	numSubVectors := ix.pq.NumSubVectors()
	for _, pd := range loaded {
		for i, rid := range pd.rowIDs {
			if opts.Prefilter != nil && !opts.Prefilter.Contains(rid) {
				continue
			}
			d := ix.pq.ADCDistance(table, pd.codes[i*numSubVectors:(i+1)*numSubVectors])
			// Equal distances still go in so the heap can prefer the
			// lower row id.
			if worst, full := s.Heap.Threshold(); full && d > worst {
				continue
			}
			s.Heap.Push(searcher.Item{RowID: rid, Distance: d})
		}
	}

	s.Items = s.Heap.AppendSorted(s.Items[:0])
	if refine {
		return ix.refine(ctx, query, k, opts.Fetcher, s.Items)
	}
	return ix.materialize(s.Items, k), nil
}

// materialize converts drained heap items into results. For cosine the
// code distances are squared L2 over normalized vectors, which is
// twice the cosine distance, so they are halved here.
func (ix *Index) materialize(items []searcher.Item, k int) []Result {
	if len(items) > k {
		items = items[:k]
	}
	out := make([]Result, len(items))
	halve := ix.head.metric == distance.MetricCosine
	for i, it := range items {
		d := it.Distance
		if halve {
			d /= 2
		}
		out[i] = Result{RowID: it.RowID, Distance: d}
	}
	return out
}

// refine re-scores the quantized candidates against exact vectors and
// returns the best k under the true metric.
func (ix *Index) refine(ctx context.Context, query []float32, k int, fetcher VectorFetcher, candidates []searcher.Item) ([]Result, error) {
	if len(candidates) == 0 {
		return []Result{}, nil
	}

	rowIDs := make([]uint64, len(candidates))
	for i, c := range candidates {
		rowIDs[i] = c.RowID
	}
	vecs, err := fetcher.FetchVectors(ctx, rowIDs)
	if err != nil {
		return nil, fmt.Errorf("ivfpq: refine fetch: %w", err)
	}
	if len(vecs) != len(rowIDs) {
		return nil, fmt.Errorf("ivfpq: refine fetch returned %d vectors for %d rows", len(vecs), len(rowIDs))
	}

	distFunc, err := distance.Provider(ix.head.metric)
	if err != nil {
		return nil, err
	}

	best := searcher.NewTopK(k)
	for i, vec := range vecs {
		if len(vec) != int(ix.head.dim) {
			return nil, &DimensionMismatchError{Expected: int(ix.head.dim), Actual: len(vec)}
		}
		best.Push(searcher.Item{RowID: rowIDs[i], Distance: distFunc(query, vec)})
	}

	items := best.AppendSorted(nil)
	out := make([]Result, len(items))
	for i, it := range items {
		out[i] = Result{RowID: it.RowID, Distance: it.Distance}
	}
	return out, nil
}

// partitionData is one decoded partition: parallel row ids and codes.
type partitionData struct {
	rowIDs []uint64
	codes  []byte
}

func (ix *Index) loadPartition(ctx context.Context, pid uint32) (partitionData, error) {
	e := ix.entries[pid]
	if e.count == 0 {
		return partitionData{}, nil
	}

	framed := make([]byte, e.length)
	if err := readFull(ctx, ix.blob, framed, ix.dataOff+int64(e.offset)); err != nil {
		return partitionData{}, err
	}
	if hash.CRC32C(framed) != e.crc {
		return partitionData{}, fmt.Errorf("%w: partition %d checksum mismatch", ErrCorrupted, pid)
	}
	body, err := blockio.Decompress(framed, ix.head.compression)
	if err != nil {
		return partitionData{}, fmt.Errorf("%w: partition %d: %v", ErrCorrupted, pid, err)
	}
	rowIDs, codes, err := decodePartition(body, int(e.count), int(ix.head.numSubVectors))
	if err != nil {
		return partitionData{}, err
	}
	return partitionData{rowIDs: rowIDs, codes: codes}, nil
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
