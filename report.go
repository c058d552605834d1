package ivfgo

import (
	"time"

	"github.com/hupe1980/ivfgo/index"
	"github.com/hupe1980/ivfgo/index/ivfpq"
)

// BuildReport summarizes a finished index build.
type BuildReport struct {
	Name   string
	Column string
	Kind   index.Kind

	// Rows is the number of indexed rows.
	Rows int

	// ArtifactBytes is the serialized artifact size.
	ArtifactBytes int

	// NumPartitions, NumSubVectors and NumBits are the resolved vector
	// index layout; zero for scalar indexes.
	NumPartitions int
	NumSubVectors int
	NumBits       int

	// Partitions describes the inverted-list size distribution of a
	// vector index.
	Partitions ivfpq.PartitionStats

	// Warnings lists the non-fatal parameter adjustments made during
	// the build.
	Warnings []string

	TrainDuration     time.Duration
	EncodeDuration    time.Duration
	SerializeDuration time.Duration
	TotalDuration     time.Duration
}

func vectorBuildReport(r ivfpq.Report) *BuildReport {
	return &BuildReport{
		Kind:          index.KindVector,
		Rows:          r.Rows,
		ArtifactBytes: r.ArtifactBytes,
		NumPartitions: r.NumPartitions,
		NumSubVectors: r.NumSubVectors,
		NumBits:       r.NumBits,
		Partitions:    r.Partitions,
		Warnings:      r.Warnings,

		TrainDuration:     r.TrainDuration,
		EncodeDuration:    r.EncodeDuration,
		SerializeDuration: r.SerializeDuration,
		TotalDuration:     r.TotalDuration,
	}
}

func scalarBuildReport(rows, artifactBytes int, total time.Duration) *BuildReport {
	return &BuildReport{
		Kind:          index.KindBTree,
		Rows:          rows,
		ArtifactBytes: artifactBytes,
		TotalDuration: total,
	}
}
