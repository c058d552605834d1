package ivfgo_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/ivfgo"
	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/hupe1980/ivfgo/index"
	"github.com/hupe1980/ivfgo/scalar"
)

func Example() {
	ctx := context.Background()

	source := ivfgo.NewMemorySource()
	rowIDs := []uint64{1, 2, 3, 4, 5, 6, 7, 8}
	vectors := []float32{
		0, 0, 0, 0,
		1, 0, 0, 0,
		0, 5, 0, 0,
		5, 5, 0, 0,
		9, 0, 0, 3,
		3, 0, 0, 0,
		0, 0, 7, 0,
		4, 4, 4, 4,
	}
	if err := source.AddVectorColumn("embedding", 4, vectors, rowIDs); err != nil {
		log.Fatal(err)
	}
	prices := []scalar.Value{
		scalar.Int(10), scalar.Int(20), scalar.Int(25), scalar.Int(40),
		scalar.Int(55), scalar.Int(60), scalar.Int(70), scalar.Int(80),
	}
	if err := source.AddScalarColumn("price", scalar.KindInt, prices, rowIDs); err != nil {
		log.Fatal(err)
	}

	ds, err := ivfgo.Open(ctx, source, blobstore.NewMemoryStore())
	if err != nil {
		log.Fatal(err)
	}
	defer ds.Close()

	// Tiny datasets need small codebooks; production builds can rely on
	// the defaults.
	if _, err := ds.CreateIndex(ctx, index.IvfPq(
		index.WithNumPartitions(2),
		index.WithNumBits(2),
		index.WithSeed(1),
	)); err != nil {
		log.Fatal(err)
	}
	if _, err := ds.CreateIndex(ctx, index.BTree(), ivfgo.WithIndexColumn("price")); err != nil {
		log.Fatal(err)
	}

	for _, info := range ds.ListIndices() {
		fmt.Printf("%s (%s, %s)\n", info.Name, info.Kind, info.State)
	}

	// Probing both partitions and refining against the exact vectors
	// makes this small search exact.
	results, err := ds.VectorSearch([]float32{1, 0, 0, 0}).
		K(2).
		NProbes(2).
		RefineFactor(4).
		Execute(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range results {
		fmt.Printf("row %d\n", r.RowID)
	}

	rows, err := ds.Filter(scalar.Lt(scalar.Int(30))).Column("price").Execute(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%d rows under 30\n", rows.GetCardinality())

	// Output:
	// embedding_idx (vector, ready)
	// price_idx (btree, ready)
	// row 2
	// row 1
	// 3 rows under 30
}
