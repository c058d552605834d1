// Package searcher provides the reusable per-query working state for
// index searches: a bounded top-k heap and scratch buffers. Searchers
// are pooled by the index that owns them so steady-state queries do
// not allocate.
package searcher

// Searcher owns the scratch memory one query needs. It is not safe
// for concurrent use; an index hands each query its own instance.
type Searcher struct {
	// Heap retains the best candidates seen so far.
	Heap *TopK

	// Table is the quantizer distance-table buffer.
	Table []float32

	// Query holds a working copy of the query vector, used when the
	// metric demands normalization.
	Query []float32

	// Items collects drained or re-ranked candidates.
	Items []Item
}

// New creates an empty searcher.
func New() *Searcher {
	return &Searcher{Heap: NewTopK(0)}
}

// Reset prepares the searcher for a query keeping up to k candidates.
// Buffers keep their capacity.
func (s *Searcher) Reset(k int) {
	s.Heap.Reset(k)
	s.Items = s.Items[:0]
}

// TableBuf returns the table buffer resized to n entries.
func (s *Searcher) TableBuf(n int) []float32 {
	if cap(s.Table) < n {
		s.Table = make([]float32, n)
	}
	s.Table = s.Table[:n]
	return s.Table
}

// QueryBuf returns the query buffer resized to n entries.
func (s *Searcher) QueryBuf(n int) []float32 {
	if cap(s.Query) < n {
		s.Query = make([]float32, n)
	}
	s.Query = s.Query[:n]
	return s.Query
}
