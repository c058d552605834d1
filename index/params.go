package index

import "github.com/hupe1980/ivfgo/distance"

// Params selects an index kind and carries its build parameters.
type Params interface {
	Kind() Kind
}

// Kind implements Params.
func (p *VectorParams) Kind() Kind { return KindVector }

// Kind implements Params.
func (p *BTreeParams) Kind() Kind { return KindBTree }

// IvfPqOption adjusts one IVF-PQ build parameter.
type IvfPqOption func(*VectorParams)

// IvfPq assembles the parameters of an IVF-PQ vector index. Fields
// left unset resolve to defaults when the index builds.
func IvfPq(opts ...IvfPqOption) *VectorParams {
	p := &VectorParams{}
	for _, fn := range opts {
		if fn != nil {
			fn(p)
		}
	}
	return p
}

// WithMetric sets the distance metric. The default is squared
// euclidean distance.
func WithMetric(m distance.Metric) IvfPqOption {
	return func(p *VectorParams) { p.Metric = m.String() }
}

// WithNumPartitions sets the IVF partition count. The default is the
// square root of the row count.
func WithNumPartitions(n int) IvfPqOption {
	return func(p *VectorParams) { p.NumPartitions = n }
}

// WithNumSubVectors sets how many sub-vectors each vector is split
// into for product quantization. Must divide the vector dimension.
func WithNumSubVectors(m int) IvfPqOption {
	return func(p *VectorParams) { p.NumSubVectors = m }
}

// WithNumBits sets the codebook size per sub-vector as a bit width,
// 1 through 8.
func WithNumBits(bits int) IvfPqOption {
	return func(p *VectorParams) { p.NumBits = bits }
}

// WithSampleRate sets how many training vectors are sampled per
// centroid.
func WithSampleRate(rate int) IvfPqOption {
	return func(p *VectorParams) { p.SampleRate = rate }
}

// WithMaxIterations bounds the k-means iterations per training run.
func WithMaxIterations(iters int) IvfPqOption {
	return func(p *VectorParams) { p.MaxIterations = iters }
}

// WithSeed fixes the training RNG seed for reproducible builds.
func WithSeed(seed int64) IvfPqOption {
	return func(p *VectorParams) { p.Seed = seed }
}

// BTreeOption adjusts one btree build parameter.
type BTreeOption func(*BTreeParams)

// BTree assembles the parameters of an exact scalar index.
func BTree(opts ...BTreeOption) *BTreeParams {
	p := &BTreeParams{}
	for _, fn := range opts {
		if fn != nil {
			fn(p)
		}
	}
	return p
}

// WithBlockSize sets the number of entries per value block.
func WithBlockSize(n int) BTreeOption {
	return func(p *BTreeParams) { p.BlockSize = n }
}
