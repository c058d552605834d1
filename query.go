package ivfgo

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/ivfgo/index"
	"github.com/hupe1980/ivfgo/index/ivfpq"
	"github.com/hupe1980/ivfgo/scalar"
)

// DefaultK is the result count applied when a search does not set one.
const DefaultK = 10

// SearchResult is one vector search hit. Distance is in the metric the
// index was built with; results come back in ascending distance order.
type SearchResult struct {
	RowID    uint64
	Distance float32
}

// VectorSearchBuilder assembles a nearest neighbor query.
type VectorSearchBuilder struct {
	ds *Dataset
	q  vectorQuery
}

type vectorQuery struct {
	query   []float32
	column  string
	index   string
	k       int
	nprobes int
	refine  int

	prefilter     *roaring64.Bitmap
	prefilterCol  string
	prefilterPred scalar.Predicate
	hasPredFilter bool
}

// VectorSearch starts a nearest neighbor query for the k rows closest
// to query:
//
//	results, err := ds.VectorSearch(query).
//		K(10).
//		NProbes(32).
//		Execute(ctx)
//
// Without Column or Index the query routes to the only vector index of
// the dataset.
func (ds *Dataset) VectorSearch(query []float32) *VectorSearchBuilder {
	return &VectorSearchBuilder{ds: ds, q: vectorQuery{query: query, k: DefaultK}}
}

// K sets how many results to return. The default is DefaultK.
func (b *VectorSearchBuilder) K(k int) *VectorSearchBuilder {
	b.q.k = k
	return b
}

// NProbes sets how many IVF partitions the search scans. More probes
// raise recall and cost. The default probes 20 partitions.
func (b *VectorSearchBuilder) NProbes(n int) *VectorSearchBuilder {
	b.q.nprobes = n
	return b
}

// RefineFactor re-ranks k*factor quantized candidates against exact
// vectors fetched from the source. Factors below 2 leave refinement
// off.
func (b *VectorSearchBuilder) RefineFactor(factor int) *VectorSearchBuilder {
	b.q.refine = factor
	return b
}

// Column routes the search to the vector index covering the column.
func (b *VectorSearchBuilder) Column(name string) *VectorSearchBuilder {
	b.q.column = name
	return b
}

// Index routes the search to the named index.
func (b *VectorSearchBuilder) Index(name string) *VectorSearchBuilder {
	b.q.index = name
	return b
}

// Prefilter restricts candidates to rows matching p on the given
// scalar column, evaluated through that column's scalar index before
// the vector scan.
func (b *VectorSearchBuilder) Prefilter(column string, p scalar.Predicate) *VectorSearchBuilder {
	b.q.prefilterCol = column
	b.q.prefilterPred = p
	b.q.hasPredFilter = true
	return b
}

// PrefilterBitmap restricts candidates to the given row id set. When
// combined with Prefilter, a row must pass both.
func (b *VectorSearchBuilder) PrefilterBitmap(rows *roaring64.Bitmap) *VectorSearchBuilder {
	b.q.prefilter = rows
	return b
}

// Execute runs the search.
func (b *VectorSearchBuilder) Execute(ctx context.Context) ([]SearchResult, error) {
	start := time.Now()

	results, err := b.ds.vectorSearch(ctx, &b.q)
	err = translateError(err)

	duration := time.Since(start)
	b.ds.metrics.RecordSearch(b.q.k, duration, err)
	b.ds.logger.LogSearch(ctx, b.q.k, len(results), duration, err)

	return results, err
}

func (ds *Dataset) vectorSearch(ctx context.Context, q *vectorQuery) ([]SearchResult, error) {
	if q.k < 1 {
		return nil, &InvalidParameterError{Param: "k", Value: q.k, Reason: "must be at least 1"}
	}
	if q.nprobes < 0 {
		return nil, &InvalidParameterError{Param: "nprobes", Value: q.nprobes, Reason: "must not be negative"}
	}
	if q.refine < 0 {
		return nil, &InvalidParameterError{Param: "refine_factor", Value: q.refine, Reason: "must not be negative"}
	}

	slot, err := ds.readySlot(q.index, q.column, index.KindVector)
	if err != nil {
		return nil, err
	}
	defer slot.release()

	prefilter := q.prefilter
	if q.hasPredFilter {
		matched, err := ds.scalarFilter(ctx, "", q.prefilterCol, q.prefilterPred)
		if err != nil {
			return nil, err
		}
		if prefilter != nil {
			matched.And(prefilter)
		}
		prefilter = matched
	}

	ix, err := slot.vectorIndex(ctx, ds.store)
	if err != nil {
		return nil, err
	}

	opts := ivfpq.SearchOptions{
		NProbes:      q.nprobes,
		RefineFactor: q.refine,
		Prefilter:    prefilter,
	}
	if q.refine > 1 {
		opts.Fetcher = &sourceFetcher{source: ds.source, column: slot.meta.Column}
	}

	hits, err := ix.Search(ctx, q.query, q.k, opts)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(hits))
	for i, h := range hits {
		results[i] = SearchResult{RowID: h.RowID, Distance: h.Distance}
	}
	return results, nil
}

// sourceFetcher feeds exact vectors from the Source into search
// refinement.
type sourceFetcher struct {
	source Source
	column string
}

func (f *sourceFetcher) FetchVectors(ctx context.Context, rowIDs []uint64) ([][]float32, error) {
	return f.source.FetchVectors(ctx, f.column, rowIDs)
}

// FilterBuilder assembles an exact scalar predicate query.
type FilterBuilder struct {
	ds     *Dataset
	pred   scalar.Predicate
	column string
	index  string
}

// Filter starts an exact predicate query against a scalar index:
//
//	rows, err := ds.Filter(scalar.Gte(scalar.Int(100))).
//		Column("price").
//		Execute(ctx)
//
// Without Column or Index the query routes to the only scalar index of
// the dataset.
func (ds *Dataset) Filter(p scalar.Predicate) *FilterBuilder {
	return &FilterBuilder{ds: ds, pred: p}
}

// Column routes the query to the scalar index covering the column.
func (b *FilterBuilder) Column(name string) *FilterBuilder {
	b.column = name
	return b
}

// Index routes the query to the named index.
func (b *FilterBuilder) Index(name string) *FilterBuilder {
	b.index = name
	return b
}

// Execute evaluates the predicate and returns the matching row ids.
func (b *FilterBuilder) Execute(ctx context.Context) (*roaring64.Bitmap, error) {
	start := time.Now()

	rows, err := b.ds.scalarFilter(ctx, b.index, b.column, b.pred)
	err = translateError(err)

	duration := time.Since(start)
	b.ds.metrics.RecordFilter(duration, err)

	var matches uint64
	if rows != nil {
		matches = rows.GetCardinality()
	}
	b.ds.logger.LogFilter(ctx, matches, duration, err)

	return rows, err
}

func (ds *Dataset) scalarFilter(ctx context.Context, name, column string, p scalar.Predicate) (*roaring64.Bitmap, error) {
	slot, err := ds.readySlot(name, column, index.KindBTree)
	if err != nil {
		return nil, err
	}
	defer slot.release()

	ix, err := slot.btreeIndex(ctx, ds.store)
	if err != nil {
		return nil, err
	}
	return ix.Query(ctx, p)
}
