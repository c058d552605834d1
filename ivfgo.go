package ivfgo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/hupe1980/ivfgo/distance"
	"github.com/hupe1980/ivfgo/index"
	"github.com/hupe1980/ivfgo/index/btree"
	"github.com/hupe1980/ivfgo/index/ivfpq"
	"github.com/hupe1980/ivfgo/internal/cache"
	"github.com/hupe1980/ivfgo/internal/resource"
	"github.com/hupe1980/ivfgo/ivf"
	"github.com/hupe1980/ivfgo/manifest"
)

// Dataset connects a Source of column data with the indexes built over
// it. It owns the index registry: builds, atomic publication, drops,
// and the manifest that makes the registry durable.
//
// All methods are safe for concurrent use. Searches run against the
// set of indexes that was published when they started; replacing or
// dropping an index never disturbs a search already in flight.
//
// Registry changes made by other processes on a shared store become
// visible when the dataset is reopened.
type Dataset struct {
	source  Source
	store   blobstore.Store
	man     *manifest.Store
	res     *resource.Controller
	logger  *Logger
	metrics MetricsCollector

	keepManifests int

	// publishMu serializes manifest publication with the registry
	// mutation that commits it.
	publishMu sync.Mutex

	mu       sync.RWMutex
	indices  map[string]*indexSlot
	building map[string]buildingIndex
	closed   bool
}

type buildingIndex struct {
	column  string
	kind    index.Kind
	started time.Time
}

// Open connects source and store and restores the index registry from
// the manifest. Index artifacts open lazily on first use.
func Open(ctx context.Context, source Source, store blobstore.Store, optFns ...Option) (*Dataset, error) {
	if source == nil {
		return nil, &InvalidParameterError{Param: "source", Reason: "must not be nil"}
	}
	if store == nil {
		return nil, &InvalidParameterError{Param: "store", Reason: "must not be nil"}
	}

	opts := applyOptions(optFns)

	var res *resource.Controller
	if opts.resourceSet {
		res = resource.NewController(opts.resourceCfg)
	}

	if opts.cacheBytes > 0 {
		blockCache, err := cache.NewLRUBlockCache(opts.cacheBytes, res)
		if err != nil {
			return nil, err
		}
		store = blobstore.NewCachingStore(store, blockCache, 0)
	}

	ds := &Dataset{
		source:        source,
		store:         store,
		man:           manifest.NewStore(store, opts.pointer),
		res:           res,
		logger:        opts.logger,
		metrics:       opts.metricsCollector,
		keepManifests: opts.manifestHistory,
		indices:       make(map[string]*indexSlot),
		building:      make(map[string]buildingIndex),
	}

	m, err := ds.man.Load(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	for i := range m.Indices {
		meta := m.Indices[i]
		ds.indices[meta.Name] = &indexSlot{meta: meta}
	}
	ds.metrics.SetReadyIndexes(len(ds.indices))
	ds.logger.DebugContext(ctx, "dataset opened",
		slog.Uint64("manifest_revision", m.Revision),
		slog.Int("indices", len(ds.indices)),
	)

	return ds, nil
}

// Close releases the dataset. Searches already in flight finish
// against the index snapshots they hold; every later operation fails
// with ErrClosed. Close is idempotent.
func (ds *Dataset) Close() error {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return nil
	}
	ds.closed = true
	slots := make([]*indexSlot, 0, len(ds.indices))
	for _, slot := range ds.indices {
		slots = append(slots, slot)
	}
	ds.indices = make(map[string]*indexSlot)
	ds.mu.Unlock()

	for _, slot := range slots {
		slot.retire(nil)
	}
	return nil
}

// CreateOption adjusts a single CreateIndex call.
type CreateOption func(*createOptions)

type createOptions struct {
	column  string
	name    string
	replace bool
}

// WithIndexColumn names the column to index. Vector index creation can
// leave it unset when the schema has exactly one vector column; scalar
// index creation always requires it.
func WithIndexColumn(column string) CreateOption {
	return func(o *createOptions) { o.column = column }
}

// WithIndexName overrides the default "<column>_idx" index name.
func WithIndexName(name string) CreateOption {
	return func(o *createOptions) { o.name = name }
}

// WithReplace controls whether an existing index under the same name
// is rebuilt and swapped. Replacement is on by default; disabling it
// turns the name collision into an IndexExistsError.
func WithReplace(replace bool) CreateOption {
	return func(o *createOptions) { o.replace = replace }
}

// CreateIndex builds an index over a source column and publishes it
// atomically: the index appears in the registry complete or not at
// all. While a replacement builds, the previous version keeps serving
// searches; the swap happens only after the new artifact is durable.
//
// A second CreateIndex under the same name fails fast with
// BuildInProgressError instead of queueing. Cancelling ctx aborts the
// build, removes any partial artifact, and leaves the registry as it
// was.
func (ds *Dataset) CreateIndex(ctx context.Context, params index.Params, optFns ...CreateOption) (*BuildReport, error) {
	start := time.Now()

	opts := createOptions{replace: true}
	for _, fn := range optFns {
		if fn != nil {
			fn(&opts)
		}
	}

	var kind index.Kind
	if params != nil {
		kind = params.Kind()
	}

	report, err := ds.createIndex(ctx, params, opts)
	err = translateError(err)

	duration := time.Since(start)
	ds.metrics.RecordBuild(kind, duration, err)

	name, column := opts.name, opts.column
	var rows uint64
	if report != nil {
		name, column, rows = report.Name, report.Column, uint64(report.Rows)
	}
	ds.logger.LogBuild(ctx, name, column, kind, rows, duration, err)
	if report != nil {
		ds.logger.LogBuildWarnings(ctx, report.Name, report.Warnings)
	}

	return report, err
}

func (ds *Dataset) createIndex(ctx context.Context, params index.Params, opts createOptions) (*BuildReport, error) {
	if params == nil {
		return nil, &InvalidParameterError{Param: "params", Reason: "must not be nil"}
	}

	schema, err := ds.source.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("ivfgo: read schema: %w", err)
	}

	var column string
	switch p := params.(type) {
	case *index.VectorParams:
		if p == nil {
			return nil, &InvalidParameterError{Param: "params", Reason: "must not be nil"}
		}
		column, err = resolveVectorColumn(schema, opts.column)
	case *index.BTreeParams:
		if p == nil {
			return nil, &InvalidParameterError{Param: "params", Reason: "must not be nil"}
		}
		column, err = resolveScalarColumn(schema, opts.column)
	default:
		return nil, &InvalidParameterError{Param: "params", Value: fmt.Sprintf("%T", params), Reason: "unsupported params type"}
	}
	if err != nil {
		return nil, err
	}

	name := opts.name
	if name == "" {
		name = column + "_idx"
	}

	if err := ds.admitBuild(name, column, params.Kind(), opts.replace); err != nil {
		return nil, err
	}
	defer ds.endBuild(name)

	return ds.buildAndPublish(ctx, params, name, column)
}

// admitBuild claims the build slot for name. One build per name runs
// at a time; a second caller fails fast instead of queueing.
func (ds *Dataset) admitBuild(name, column string, kind index.Kind, replace bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return ErrClosed
	}
	if _, busy := ds.building[name]; busy {
		return &BuildInProgressError{Name: name}
	}
	if _, exists := ds.indices[name]; exists && !replace {
		return &IndexExistsError{Name: name}
	}
	ds.building[name] = buildingIndex{column: column, kind: kind, started: time.Now()}
	return nil
}

func (ds *Dataset) endBuild(name string) {
	ds.mu.Lock()
	delete(ds.building, name)
	ds.mu.Unlock()
}

func (ds *Dataset) buildAndPublish(ctx context.Context, params index.Params, name, column string) (*BuildReport, error) {
	if err := ds.res.AcquireBuild(ctx); err != nil {
		return nil, err
	}
	defer ds.res.ReleaseBuild()

	meta := index.Metadata{
		ID:        uuid.New(),
		Name:      name,
		Column:    column,
		CreatedAt: time.Now().UTC(),
	}

	var (
		artifact []byte
		report   *BuildReport
		err      error
	)
	switch p := params.(type) {
	case *index.VectorParams:
		artifact, report, err = ds.buildVector(ctx, column, p, &meta)
	case *index.BTreeParams:
		artifact, report, err = ds.buildScalar(ctx, column, p, &meta)
	}
	if err != nil {
		return nil, err
	}
	report.Name = name
	report.Column = column

	meta.Artifact = artifactName(name, meta.ID, meta.Kind)
	if err := ds.putArtifact(ctx, meta.Artifact, artifact); err != nil {
		return nil, fmt.Errorf("ivfgo: write artifact %s: %w", meta.Artifact, err)
	}

	if err := ds.publish(ctx, name, &meta); err != nil {
		_ = ds.store.Delete(ctx, meta.Artifact)
		return nil, err
	}
	return report, nil
}

func (ds *Dataset) buildVector(ctx context.Context, column string, p *index.VectorParams, meta *index.Metadata) ([]byte, *BuildReport, error) {
	if err := validateVectorParams(p); err != nil {
		return nil, nil, err
	}

	metric := distance.MetricL2
	if p.Metric != "" {
		var err error
		metric, err = distance.ParseMetric(p.Metric)
		if err != nil {
			return nil, nil, &InvalidParameterError{Param: "metric", Value: p.Metric, Reason: "unknown metric"}
		}
	}

	col, err := ds.source.ReadVectorColumn(ctx, column)
	if err != nil {
		return nil, nil, fmt.Errorf("ivfgo: read vector column %q: %w", column, err)
	}
	if col.Dim <= 0 {
		return nil, nil, fmt.Errorf("ivfgo: vector column %q reports dimension %d", column, col.Dim)
	}
	if len(col.Data) != col.Dim*len(col.RowIDs) {
		return nil, nil, fmt.Errorf("ivfgo: vector column %q: %d values do not fit %d rows of dimension %d",
			column, len(col.Data), len(col.RowIDs), col.Dim)
	}

	// Training samples and encode buffers scale with the column, so
	// charge the column size against the memory budget.
	reserve := int64(len(col.Data)) * 4
	if err := ds.res.AcquireMemory(reserve); err != nil {
		return nil, nil, err
	}
	defer ds.res.ReleaseMemory(reserve)

	cfg := ivfpq.DefaultConfig(col.Dim, metric)
	cfg.NumPartitions = p.NumPartitions
	cfg.NumSubVectors = p.NumSubVectors
	cfg.NumBits = p.NumBits
	cfg.SampleRate = p.SampleRate
	cfg.MaxIterations = p.MaxIterations
	cfg.Seed = p.Seed

	b, err := ivfpq.NewBuilder(cfg)
	if err != nil {
		return nil, nil, err
	}
	for i, id := range col.RowIDs {
		if err := b.Add(id, col.Vector(i)); err != nil {
			return nil, nil, err
		}
	}

	res, err := b.Build(ctx)
	if err != nil {
		return nil, nil, err
	}

	meta.Kind = index.KindVector
	meta.Rows = uint64(res.Report.Rows)
	meta.Vector = resolvedVectorParams(p, res.Report)

	return res.Artifact, vectorBuildReport(res.Report), nil
}

func (ds *Dataset) buildScalar(ctx context.Context, column string, p *index.BTreeParams, meta *index.Metadata) ([]byte, *BuildReport, error) {
	if p.BlockSize < 0 {
		return nil, nil, &InvalidParameterError{Param: "block_size", Value: p.BlockSize, Reason: "must not be negative"}
	}

	start := time.Now()

	col, err := ds.source.ReadScalarColumn(ctx, column)
	if err != nil {
		return nil, nil, fmt.Errorf("ivfgo: read scalar column %q: %w", column, err)
	}
	if len(col.Values) != len(col.RowIDs) {
		return nil, nil, fmt.Errorf("ivfgo: scalar column %q: %d values for %d row ids", column, len(col.Values), len(col.RowIDs))
	}

	cfg := btree.DefaultConfig()
	if p.BlockSize > 0 {
		cfg.BlockSize = p.BlockSize
	}

	b := btree.NewBuilder(cfg)
	for i, v := range col.Values {
		if err := b.Add(v, col.RowIDs[i]); err != nil {
			return nil, nil, err
		}
	}
	artifact, err := b.Finish(ctx)
	if err != nil {
		return nil, nil, err
	}

	meta.Kind = index.KindBTree
	meta.Rows = uint64(len(col.RowIDs))
	meta.BTree = &index.BTreeParams{BlockSize: cfg.BlockSize}

	return artifact, scalarBuildReport(len(col.RowIDs), len(artifact), time.Since(start)), nil
}

func validateVectorParams(p *index.VectorParams) error {
	if p.NumPartitions < 0 {
		return &InvalidParameterError{Param: "num_partitions", Value: p.NumPartitions, Reason: "must not be negative"}
	}
	if p.NumSubVectors < 0 {
		return &InvalidParameterError{Param: "num_sub_vectors", Value: p.NumSubVectors, Reason: "must not be negative"}
	}
	if p.NumBits < 0 || p.NumBits > 8 {
		return &InvalidParameterError{Param: "num_bits", Value: p.NumBits, Reason: "must be between 1 and 8"}
	}
	if p.SampleRate < 0 {
		return &InvalidParameterError{Param: "sample_rate", Value: p.SampleRate, Reason: "must not be negative"}
	}
	if p.MaxIterations < 0 {
		return &InvalidParameterError{Param: "max_iterations", Value: p.MaxIterations, Reason: "must not be negative"}
	}
	return nil
}

// resolvedVectorParams records the concrete layout the build settled
// on, so the manifest describes the artifact rather than the request.
func resolvedVectorParams(p *index.VectorParams, r ivfpq.Report) *index.VectorParams {
	sampleRate := p.SampleRate
	if sampleRate <= 0 {
		sampleRate = ivf.DefaultSampleRate
	}
	iters := p.MaxIterations
	if iters <= 0 {
		iters = ivf.DefaultMaxIterations
	}
	return &index.VectorParams{
		Metric:        r.Metric.String(),
		Dimension:     r.Dimension,
		NumPartitions: r.NumPartitions,
		NumSubVectors: r.NumSubVectors,
		NumBits:       r.NumBits,
		SampleRate:    sampleRate,
		MaxIterations: iters,
		Seed:          p.Seed,
	}
}

// artifactName derives a blob name unique per build, so replacing an
// index never overwrites the artifact an in-flight search still reads.
func artifactName(name string, id uuid.UUID, kind index.Kind) string {
	ext := ".ivfq"
	if kind == index.KindBTree {
		ext = ".btri"
	}
	return fmt.Sprintf("%s-%s%s", name, id.String()[:8], ext)
}

// putArtifact writes the artifact in chunks so the write rate limiter,
// when configured, can pace the upload.
func (ds *Dataset) putArtifact(ctx context.Context, name string, data []byte) error {
	const chunk = 256 << 10
	for off := 0; off < len(data); off += chunk {
		n := min(chunk, len(data)-off)
		if err := ds.res.AcquireWrite(ctx, n); err != nil {
			return err
		}
	}
	return ds.store.Put(ctx, name, data)
}

// publish makes meta the Ready index under name, or unpublishes the
// name when meta is nil. The manifest commits before the in-memory
// registry swaps, so a crash between the two leaves a manifest that is
// ahead of, never behind, what searches can observe. The replaced
// version retires: searches holding it finish, then its handles close
// and its artifact is deleted.
func (ds *Dataset) publish(ctx context.Context, name string, meta *index.Metadata) error {
	ds.publishMu.Lock()
	defer ds.publishMu.Unlock()

	ds.mu.RLock()
	if ds.closed {
		ds.mu.RUnlock()
		return ErrClosed
	}
	if meta == nil {
		if _, busy := ds.building[name]; busy {
			ds.mu.RUnlock()
			return &BuildInProgressError{Name: name}
		}
		if _, ok := ds.indices[name]; !ok {
			ds.mu.RUnlock()
			return &IndexNotFoundError{Name: name}
		}
	}
	ds.mu.RUnlock()

	_, err := ds.man.Update(ctx, func(m *manifest.Manifest) error {
		if meta == nil {
			m.Remove(name)
		} else {
			m.Upsert(*meta)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if ds.keepManifests > 0 {
		if _, err := ds.man.Prune(ctx, ds.keepManifests); err != nil {
			ds.logger.WarnContext(ctx, "manifest prune failed", slog.Any("error", err))
		}
	}

	ds.mu.Lock()
	old := ds.indices[name]
	if meta != nil {
		ds.indices[name] = &indexSlot{meta: *meta}
	} else {
		delete(ds.indices, name)
	}
	delete(ds.building, name)
	ready := len(ds.indices)
	ds.mu.Unlock()

	ds.metrics.SetReadyIndexes(ready)

	if old != nil {
		artifact := old.meta.Artifact
		cleanupCtx := context.WithoutCancel(ctx)
		old.retire(func() {
			_ = ds.store.Delete(cleanupCtx, artifact)
		})
	}
	return nil
}

// DropIndex unpublishes the named index. Its artifact is deleted once
// in-flight searches drain.
func (ds *Dataset) DropIndex(ctx context.Context, name string) error {
	err := translateError(ds.dropIndex(ctx, name))
	ds.metrics.RecordDrop(err)
	ds.logger.LogDrop(ctx, name, err)
	return err
}

func (ds *Dataset) dropIndex(ctx context.Context, name string) error {
	ds.mu.RLock()
	if ds.closed {
		ds.mu.RUnlock()
		return ErrClosed
	}
	ds.mu.RUnlock()

	return ds.publish(ctx, name, nil)
}

// IndexInfo describes one registered index.
type IndexInfo struct {
	Name      string
	Column    string
	Kind      index.Kind
	State     index.State
	ID        uuid.UUID
	Rows      uint64
	CreatedAt time.Time

	Vector *index.VectorParams
	BTree  *index.BTreeParams
}

// ListIndices returns a snapshot of every registered index sorted by
// name. While a replacement builds, its name appears twice: the Ready
// version that keeps serving and the Building one.
func (ds *Dataset) ListIndices() []IndexInfo {
	ds.mu.RLock()
	infos := make([]IndexInfo, 0, len(ds.indices)+len(ds.building))
	for _, slot := range ds.indices {
		m := slot.meta
		infos = append(infos, IndexInfo{
			Name:      m.Name,
			Column:    m.Column,
			Kind:      m.Kind,
			State:     index.StateReady,
			ID:        m.ID,
			Rows:      m.Rows,
			CreatedAt: m.CreatedAt,
			Vector:    m.Vector,
			BTree:     m.BTree,
		})
	}
	for name, b := range ds.building {
		infos = append(infos, IndexInfo{
			Name:      name,
			Column:    b.column,
			Kind:      b.kind,
			State:     index.StateBuilding,
			CreatedAt: b.started,
		})
	}
	ds.mu.RUnlock()

	slices.SortFunc(infos, func(a, b IndexInfo) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return int(a.State) - int(b.State)
	})
	return infos
}

func resolveVectorColumn(schema *Schema, explicit string) (string, error) {
	if explicit != "" {
		f, ok := schema.Field(explicit)
		if !ok {
			return "", &ColumnResolutionError{Column: explicit, Reason: "column does not exist"}
		}
		if f.Type != TypeVector {
			return "", &ColumnResolutionError{Column: explicit, Reason: "column is not a vector column"}
		}
		return explicit, nil
	}

	vectors := schema.VectorFields()
	switch len(vectors) {
	case 0:
		return "", &ColumnResolutionError{Reason: "no vector column found to create index"}
	case 1:
		return vectors[0].Name, nil
	default:
		return "", &ColumnResolutionError{Reason: "several vector columns exist, please specify the column to index"}
	}
}

func resolveScalarColumn(schema *Schema, explicit string) (string, error) {
	if explicit == "" {
		return "", &ColumnResolutionError{Reason: "scalar index creation requires an explicit column"}
	}
	f, ok := schema.Field(explicit)
	if !ok {
		return "", &ColumnResolutionError{Column: explicit, Reason: "column does not exist"}
	}
	if !f.Type.Scalar() {
		return "", &ColumnResolutionError{Column: explicit, Reason: "column is not a scalar column"}
	}
	return explicit, nil
}

// readySlot finds a Ready index by name, column, or as the sole index
// of its kind, and takes a reference on it. The caller must release
// the slot when done.
func (ds *Dataset) readySlot(name, column string, kind index.Kind) (*indexSlot, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.closed {
		return nil, ErrClosed
	}

	if name != "" {
		slot, ok := ds.indices[name]
		if !ok || slot.meta.Kind != kind {
			return nil, &IndexNotFoundError{Name: name}
		}
		slot.acquire()
		return slot, nil
	}

	var found *indexSlot
	matches := 0
	for _, slot := range ds.indices {
		if slot.meta.Kind != kind {
			continue
		}
		if column != "" && slot.meta.Column != column {
			continue
		}
		found = slot
		matches++
	}
	switch {
	case matches == 0:
		return nil, &IndexNotFoundError{Column: column}
	case matches > 1 && column != "":
		return nil, &ColumnResolutionError{Column: column, Reason: "several indexes cover the column, specify the index name"}
	case matches > 1:
		return nil, &ColumnResolutionError{Reason: fmt.Sprintf("several %s indexes exist, specify the column or index name", kind)}
	}
	found.acquire()
	return found, nil
}

// indexSlot is one published index version. Artifact handles open
// lazily on first use and close once the slot is retired and the last
// reference drains.
type indexSlot struct {
	meta index.Metadata

	refMu   sync.Mutex
	refs    int
	retired bool
	cleanup func()

	openMu sync.Mutex
	vec    *ivfpq.Index
	bt     *btree.Index
}

func (s *indexSlot) acquire() {
	s.refMu.Lock()
	s.refs++
	s.refMu.Unlock()
}

func (s *indexSlot) release() {
	s.refMu.Lock()
	s.refs--
	drained := s.retired && s.refs == 0
	s.refMu.Unlock()
	if drained {
		s.drain()
	}
}

// retire unpublishes the slot. cleanup, if any, runs once after the
// handles close. References taken before retirement stay valid.
func (s *indexSlot) retire(cleanup func()) {
	s.refMu.Lock()
	s.retired = true
	s.cleanup = cleanup
	drained := s.refs == 0
	s.refMu.Unlock()
	if drained {
		s.drain()
	}
}

func (s *indexSlot) drain() {
	s.openMu.Lock()
	vec, bt := s.vec, s.bt
	s.vec, s.bt = nil, nil
	s.openMu.Unlock()

	if vec != nil {
		_ = vec.Close()
	}
	if bt != nil {
		_ = bt.Close()
	}

	s.refMu.Lock()
	cleanup := s.cleanup
	s.cleanup = nil
	s.refMu.Unlock()
	if cleanup != nil {
		cleanup()
	}
}

func (s *indexSlot) vectorIndex(ctx context.Context, store blobstore.Store) (*ivfpq.Index, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.vec != nil {
		return s.vec, nil
	}

	blob, err := store.Open(ctx, s.meta.Artifact)
	if err != nil {
		return nil, fmt.Errorf("ivfgo: open artifact %s: %w", s.meta.Artifact, err)
	}
	ix, err := ivfpq.Open(ctx, blob)
	if err != nil {
		_ = blob.Close()
		return nil, err
	}
	s.vec = ix
	return ix, nil
}

func (s *indexSlot) btreeIndex(ctx context.Context, store blobstore.Store) (*btree.Index, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.bt != nil {
		return s.bt, nil
	}

	blob, err := store.Open(ctx, s.meta.Artifact)
	if err != nil {
		return nil, fmt.Errorf("ivfgo: open artifact %s: %w", s.meta.Artifact, err)
	}
	ix, err := btree.Open(ctx, blob)
	if err != nil {
		_ = blob.Close()
		return nil, err
	}
	s.bt = ix
	return ix, nil
}
