package ivfpq

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/hupe1980/ivfgo/distance"
	"github.com/hupe1980/ivfgo/internal/blockio"
	"github.com/hupe1980/ivfgo/internal/hash"
	"github.com/hupe1980/ivfgo/internal/kmeans"
	"github.com/hupe1980/ivfgo/internal/worker"
	"github.com/hupe1980/ivfgo/ivf"
	"github.com/hupe1980/ivfgo/quantization"
)

// Config holds the build parameters of a vector index.
type Config struct {
	// Dimension of the indexed vectors. Required.
	Dimension int

	// Metric is the distance metric of the index. For MetricCosine the
	// builder L2-normalizes vectors on Add and trains in L2 space.
	Metric distance.Metric

	// NumPartitions is the inverted-list count. Zero derives the
	// square root of the row count at build time; values above the row
	// count clamp to it.
	NumPartitions int

	// NumSubVectors is the PQ sub-vector count M, which must divide
	// Dimension. Zero derives it from the dimension.
	NumSubVectors int

	// NumBits is the PQ code width; the per-subspace codebook holds
	// 2^NumBits centroids. Valid range is 1..8, zero applies 8.
	NumBits int

	// SampleRate caps the k-means training sets at SampleRate vectors
	// per centroid. Zero applies ivf.DefaultSampleRate.
	SampleRate int

	// MaxIterations bounds the k-means refinement loops. Zero applies
	// ivf.DefaultMaxIterations.
	MaxIterations int

	// Seed makes training, and with it the artifact bytes,
	// reproducible.
	Seed int64

	// Concurrency is the worker count for training, encoding and
	// compression. Zero uses GOMAXPROCS.
	Concurrency int

	// Compression selects the block codec for the artifact sections
	// and partitions. The zero value stores blocks raw.
	Compression blockio.Type
}

// DefaultConfig returns the build configuration for the given
// dimension and metric with zstd-compressed blocks.
func DefaultConfig(dim int, metric distance.Metric) Config {
	return Config{
		Dimension:   dim,
		Metric:      metric,
		Compression: blockio.TypeZSTD,
	}
}

// Report summarizes a finished build for logging and diagnostics.
type Report struct {
	Rows          int
	Dimension     int
	Metric        distance.Metric
	NumPartitions int
	NumSubVectors int
	NumBits       int

	// ArtifactBytes is the serialized artifact size.
	ArtifactBytes int

	// Partitions describes the inverted-list size distribution.
	Partitions PartitionStats

	// Warnings lists the non-fatal parameter adjustments made during
	// the build.
	Warnings []string

	TrainDuration     time.Duration
	EncodeDuration    time.Duration
	SerializeDuration time.Duration
	TotalDuration     time.Duration
}

// PartitionStats describes how evenly rows spread across the inverted
// lists.
type PartitionStats struct {
	Min    int
	Max    int
	Mean   float64
	StdDev float64
	Empty  int
}

func partitionStats(counts []int) PartitionStats {
	ps := PartitionStats{Min: math.MaxInt}
	sizes := make([]float64, len(counts))
	for i, c := range counts {
		sizes[i] = float64(c)
		if c < ps.Min {
			ps.Min = c
		}
		if c > ps.Max {
			ps.Max = c
		}
		if c == 0 {
			ps.Empty++
		}
	}
	ps.Mean = stat.Mean(sizes, nil)
	if len(sizes) > 1 {
		ps.StdDev = stat.StdDev(sizes, nil)
	}
	return ps
}

// BuildResult carries the serialized artifact and its build report.
type BuildResult struct {
	Artifact []byte
	Report   Report
}

// Builder accumulates vectors and produces an immutable vector index
// artifact. It is not safe for concurrent use.
type Builder struct {
	cfg     Config
	rowIDs  []uint64
	vectors []float32 // flattened rows * Dimension
}

// NewBuilder validates cfg and returns an empty builder.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("ivfpq: invalid dimension %d", cfg.Dimension)
	}
	if cfg.Metric < distance.MetricL2 || cfg.Metric > distance.MetricDot {
		return nil, fmt.Errorf("ivfpq: unsupported metric %v", cfg.Metric)
	}
	if cfg.NumSubVectors > 0 && cfg.Dimension%cfg.NumSubVectors != 0 {
		return nil, fmt.Errorf("ivfpq: dimension %d not divisible by %d sub-vectors", cfg.Dimension, cfg.NumSubVectors)
	}
	if cfg.NumBits < 0 || cfg.NumBits > 8 {
		return nil, fmt.Errorf("ivfpq: num bits %d outside 1..8", cfg.NumBits)
	}
	if !cfg.Compression.Valid() {
		return nil, fmt.Errorf("ivfpq: unknown compression %d", cfg.Compression)
	}

	if cfg.NumBits == 0 {
		cfg.NumBits = 8
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = ivf.DefaultSampleRate
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = ivf.DefaultMaxIterations
	}
	return &Builder{cfg: cfg}, nil
}

// Add appends one vector. Components must be finite; for MetricCosine
// the vector is L2-normalized here and a zero-norm vector is rejected.
func (b *Builder) Add(rowID uint64, vec []float32) error {
	if len(vec) != b.cfg.Dimension {
		return &DimensionMismatchError{Expected: b.cfg.Dimension, Actual: len(vec)}
	}
	for _, v := range vec {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("ivfpq: row %d holds a non-finite component", rowID)
		}
	}

	start := len(b.vectors)
	b.vectors = append(b.vectors, vec...)
	if b.cfg.Metric == distance.MetricCosine {
		if !distance.NormalizeL2InPlace(b.vectors[start:]) {
			b.vectors = b.vectors[:start]
			return fmt.Errorf("ivfpq: row %d has zero norm, cosine distance is undefined", rowID)
		}
	}
	b.rowIDs = append(b.rowIDs, rowID)
	return nil
}

// Len returns the number of vectors added so far.
func (b *Builder) Len() int { return len(b.rowIDs) }

// Build trains the partitioner and the quantizer, encodes the added
// vectors and serializes the artifact. Identical input, configuration
// and seed produce identical bytes.
func (b *Builder) Build(ctx context.Context) (*BuildResult, error) {
	start := time.Now()
	cfg := b.cfg
	rows := len(b.rowIDs)
	numCentroids := 1 << cfg.NumBits
	if rows < numCentroids {
		return nil, &quantization.InsufficientDataError{Required: numCentroids, Actual: rows}
	}

	report := Report{
		Rows:      rows,
		Dimension: cfg.Dimension,
		Metric:    cfg.Metric,
		NumBits:   cfg.NumBits,
	}

	numPartitions := cfg.NumPartitions
	if numPartitions <= 0 {
		numPartitions = ivf.DefaultNumPartitions(rows)
	}
	if numPartitions > rows {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("partition count %d clamped to %d rows", numPartitions, rows))
		numPartitions = rows
	}
	report.NumPartitions = numPartitions

	numSubVectors := cfg.NumSubVectors
	if numSubVectors <= 0 {
		numSubVectors = quantization.DefaultNumSubVectors(cfg.Dimension)
		if cfg.Dimension > 1 && cfg.Dimension%16 != 0 && cfg.Dimension%8 != 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("dimension %d is divisible by neither 16 nor 8, falling back to a single sub-vector", cfg.Dimension))
		}
	}
	report.NumSubVectors = numSubVectors

	// Cosine vectors were normalized on Add, so both training stages
	// run in plain L2 space.
	codeMetric := cfg.Metric
	if codeMetric == distance.MetricCosine {
		codeMetric = distance.MetricL2
	}

	trainStart := time.Now()
	part, err := ivf.New(ivf.Config{
		NumPartitions: numPartitions,
		Dim:           cfg.Dimension,
		Metric:        codeMetric,
		SampleRate:    cfg.SampleRate,
		MaxIterations: cfg.MaxIterations,
		Seed:          cfg.Seed,
		Concurrency:   cfg.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	if err := part.Train(ctx, b.vectors); err != nil {
		return nil, err
	}

	pq, err := quantization.NewProductQuantizer(quantization.Config{
		Dimension:     cfg.Dimension,
		NumSubVectors: numSubVectors,
		NumBits:       cfg.NumBits,
		Metric:        codeMetric,
		MaxIterations: cfg.MaxIterations,
		Seed:          cfg.Seed + 1,
		Concurrency:   cfg.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed + 1))
	sample := kmeans.Sample(rng, b.vectors, cfg.Dimension, cfg.SampleRate*numCentroids)
	if err := pq.Train(ctx, sample); err != nil {
		return nil, err
	}
	report.TrainDuration = time.Since(trainStart)

	encodeStart := time.Now()
	partitions, codes, err := b.assignAndEncode(ctx, part, pq, numSubVectors)
	if err != nil {
		return nil, err
	}
	report.EncodeDuration = time.Since(encodeStart)

	groupedIDs, groupedCodes, offsets := groupByPartition(b.rowIDs, codes, partitions, numPartitions, numSubVectors)

	counts := make([]int, numPartitions)
	for p := range counts {
		counts[p] = offsets[p+1] - offsets[p]
	}
	report.Partitions = partitionStats(counts)
	if report.Partitions.Empty > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d of %d partitions are empty", report.Partitions.Empty, numPartitions))
	}

	serializeStart := time.Now()
	artifact, err := serialize(ctx, header{
		compression:   cfg.Compression,
		metric:        cfg.Metric,
		dim:           uint32(cfg.Dimension),
		numPartitions: uint32(numPartitions),
		numSubVectors: uint32(numSubVectors),
		numBits:       uint32(cfg.NumBits),
		rows:          uint64(rows),
	}, part.Centroids(), pq.Codebooks(), groupedIDs, groupedCodes, offsets)
	if err != nil {
		return nil, err
	}
	report.SerializeDuration = time.Since(serializeStart)
	report.ArtifactBytes = len(artifact)
	report.TotalDuration = time.Since(start)

	return &BuildResult{Artifact: artifact, Report: report}, nil
}

// assignAndEncode runs one pass over the rows on a worker pool: each
// batch routes its vectors to partitions and quantizes them.
func (b *Builder) assignAndEncode(ctx context.Context, part *ivf.Partitioner, pq *quantization.ProductQuantizer, numSubVectors int) ([]uint32, []byte, error) {
	rows := len(b.rowIDs)
	dim := b.cfg.Dimension
	partitions := make([]uint32, rows)
	codes := make([]byte, rows*numSubVectors)

	pool := worker.NewPool(b.cfg.Concurrency)
	defer pool.Close()

	const batchSize = 1024
	numBatches := (rows + batchSize - 1) / batchSize
	errs := make([]error, numBatches)
	err := pool.Run(ctx, numBatches, func(batch int) {
		lo := batch * batchSize
		hi := min(lo+batchSize, rows)
		for i := lo; i < hi; i++ {
			vec := b.vectors[i*dim : (i+1)*dim]
			pid, err := part.AssignOne(vec)
			if err != nil {
				errs[batch] = err
				return
			}
			partitions[i] = pid
			if err := pq.EncodeOneInto(vec, codes[i*numSubVectors:(i+1)*numSubVectors]); err != nil {
				errs[batch] = err
				return
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	for _, e := range errs {
		if e != nil {
			return nil, nil, e
		}
	}
	return partitions, codes, nil
}

// groupByPartition reorders row ids and codes into per-partition runs
// with a counting layout. Input order is preserved inside every
// partition, so the result does not depend on how the assignment pass
// was batched.
func groupByPartition(rowIDs []uint64, codes []byte, partitions []uint32, numPartitions, numSubVectors int) ([]uint64, []byte, []int) {
	counts := make([]int, numPartitions)
	for _, pid := range partitions {
		counts[pid]++
	}
	offsets := make([]int, numPartitions+1)
	for p := 0; p < numPartitions; p++ {
		offsets[p+1] = offsets[p] + counts[p]
	}

	groupedIDs := make([]uint64, len(rowIDs))
	groupedCodes := make([]byte, len(codes))
	cursors := make([]int, numPartitions)
	copy(cursors, offsets[:numPartitions])
	for i, pid := range partitions {
		at := cursors[pid]
		cursors[pid]++
		groupedIDs[at] = rowIDs[i]
		copy(groupedCodes[at*numSubVectors:(at+1)*numSubVectors], codes[i*numSubVectors:(i+1)*numSubVectors])
	}
	return groupedIDs, groupedCodes, offsets
}

// serialize assembles the artifact: fixed header, framed centroid,
// codebook and partition table sections, a CRC32-C over all of the
// above, then the framed partition blocks.
func serialize(ctx context.Context, h header, centroids, codebooks []float32, groupedIDs []uint64, groupedCodes []byte, offsets []int) ([]byte, error) {
	numPartitions := int(h.numPartitions)
	numSubVectors := int(h.numSubVectors)

	// Partitions compress concurrently; their order in the artifact is
	// fixed by the offsets, so the output bytes stay deterministic.
	framed := make([][]byte, numPartitions)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for p := 0; p < numPartitions; p++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			body := encodePartition(
				groupedIDs[offsets[p]:offsets[p+1]],
				groupedCodes[offsets[p]*numSubVectors:offsets[p+1]*numSubVectors])
			var err error
			framed[p], err = blockio.Compress(body, h.compression)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	centroidSection, err := blockio.Compress(appendFloat32s(nil, centroids), h.compression)
	if err != nil {
		return nil, err
	}
	codebookSection, err := blockio.Compress(appendFloat32s(nil, codebooks), h.compression)
	if err != nil {
		return nil, err
	}

	table := make([]byte, 0, numPartitions*16)
	var dataLen uint64
	for p := 0; p < numPartitions; p++ {
		table = appendPartitionEntry(table, partitionEntry{
			offset: dataLen,
			length: uint32(len(framed[p])),
			count:  uint32(offsets[p+1] - offsets[p]),
			crc:    hash.CRC32C(framed[p]),
		})
		dataLen += uint64(len(framed[p]))
	}
	tableSection, err := blockio.Compress(table, h.compression)
	if err != nil {
		return nil, err
	}

	h.centroidsLen = uint32(len(centroidSection))
	h.codebooksLen = uint32(len(codebookSection))
	h.tableLen = uint32(len(tableSection))

	out := make([]byte, 0, fixedHeaderSize+len(centroidSection)+len(codebookSection)+len(tableSection)+4+int(dataLen))
	out = append(out, encodeHead(h)...)
	out = append(out, centroidSection...)
	out = append(out, codebookSection...)
	out = append(out, tableSection...)
	out = binary.LittleEndian.AppendUint32(out, hash.CRC32C(out))
	for p := 0; p < numPartitions; p++ {
		out = append(out, framed[p]...)
	}
	return out, nil
}
