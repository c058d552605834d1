// Package ivfgo provides an embedded secondary index layer for
// columnar datasets: IVF-PQ approximate nearest neighbor indexes over
// vector columns and exact block-range indexes over scalar columns.
//
// # Quick Start
//
//	ctx := context.Background()
//
//	store, _ := blobstore.NewLocalStore("./data")
//	ds, _ := ivfgo.Open(ctx, source, store)
//	defer ds.Close()
//
//	// Build an ANN index over the only vector column.
//	report, _ := ds.CreateIndex(ctx, index.IvfPq())
//	fmt.Println(report.NumPartitions, report.ArtifactBytes)
//
//	// Search it.
//	results, _ := ds.VectorSearch(query).K(10).Execute(ctx)
//	for _, r := range results {
//	    fmt.Println(r.RowID, r.Distance)
//	}
//
// # Index Lifecycle
//
// Indexes build from a snapshot of the source column and publish
// atomically: searches observe the index complete or not at all. While
// a replacement builds, the previous version keeps serving; dropped or
// replaced versions linger until in-flight searches drain.
//
//	// Rebuild with explicit parameters under the same name.
//	ds.CreateIndex(ctx, index.IvfPq(
//	    index.WithMetric(distance.MetricCosine),
//	    index.WithNumPartitions(256),
//	))
//
//	// Exact scalar index for prefilters.
//	ds.CreateIndex(ctx, index.BTree(), ivfgo.WithIndexColumn("price"))
//
//	rows, _ := ds.Filter(scalar.Lt(scalar.Int(100))).Column("price").Execute(ctx)
//	results, _ := ds.VectorSearch(query).PrefilterBitmap(rows).Execute(ctx)
//
// # Durability Model
//
// The registry of published indexes lives in a versioned manifest on
// the blob store. Every publication writes a fresh manifest blob and
// swings a CURRENT pointer to it, so a crash at any point leaves the
// previous revision serving. Reopening a dataset restores the registry
// from the manifest; artifacts open lazily on first search.
//
// # Key Features
//
//   - IVF-PQ vector indexes with tunable partitions, sub-vectors and
//     code width
//   - Exact scalar indexes answering =, range and IN predicates as row
//     id bitmaps
//   - Prefiltered search: scalar predicates restrict the vector scan
//   - Refined search: exact re-ranking through the source columns
//   - Blob store backends for local disk, memory, S3, MinIO and Badger
//   - Copy-on-write manifests with optimistic concurrency
package ivfgo
