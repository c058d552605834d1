package index

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the index implementation.
type Kind uint8

const (
	// KindVector is the IVF-PQ approximate nearest neighbor index.
	KindVector Kind = iota + 1
	// KindBTree is the exact block-range index over scalar columns.
	KindBTree
)

func (k Kind) String() string {
	switch k {
	case KindVector:
		return "vector"
	case KindBTree:
		return "btree"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "vector":
		return KindVector, nil
	case "btree":
		return KindBTree, nil
	default:
		return 0, fmt.Errorf("index: unknown kind %q", s)
	}
}

// MarshalJSON stores kinds by name so manifests stay readable.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// State is the lifecycle state of a named index slot.
//
// Transitions: Absent -> Building -> Ready, Building -> Absent (failed
// build), Ready -> Building (replace), Ready -> Dropped. Searches only
// ever observe Ready indexes.
type State uint8

const (
	// StateAbsent means no index exists under the name.
	StateAbsent State = iota
	// StateBuilding means a build is running; the previous Ready
	// version, if any, keeps serving.
	StateBuilding
	// StateReady means the index is published and searchable.
	StateReady
	// StateDropped means the index was removed; the name is free.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateDropped:
		return "dropped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Metadata describes one published index version. It is persisted in
// the manifest; everything needed to open the artifact is here.
type Metadata struct {
	// ID is unique per build, so replacing an index never reuses an
	// artifact name.
	ID uuid.UUID `json:"id"`
	// Name is the user-chosen index name, unique within a dataset.
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	// Column is the indexed source column.
	Column string `json:"column"`
	// Artifact is the blob name of the serialized index.
	Artifact  string    `json:"artifact"`
	CreatedAt time.Time `json:"created_at"`
	// Rows is the number of source rows the build saw.
	Rows uint64 `json:"rows"`

	Vector *VectorParams `json:"vector,omitempty"`
	BTree  *BTreeParams  `json:"btree,omitempty"`
}

// Validate checks that exactly the parameter block matching Kind is
// present.
func (m *Metadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("index: metadata has empty name")
	}
	switch m.Kind {
	case KindVector:
		if m.Vector == nil {
			return fmt.Errorf("index %q: vector kind without vector params", m.Name)
		}
	case KindBTree:
		if m.BTree == nil {
			return fmt.Errorf("index %q: btree kind without btree params", m.Name)
		}
	default:
		return fmt.Errorf("index %q: unknown kind %d", m.Name, uint8(m.Kind))
	}
	return nil
}

// VectorParams are the build parameters of an IVF-PQ index. In a
// build request zero fields mean "use the default"; metadata persisted
// in the manifest always carries the resolved values.
type VectorParams struct {
	Metric        string `json:"metric"`
	Dimension     int    `json:"dimension"`
	NumPartitions int    `json:"num_partitions"`
	NumSubVectors int    `json:"num_sub_vectors"`
	NumBits       int    `json:"num_bits"`
	SampleRate    int    `json:"sample_rate"`
	MaxIterations int    `json:"max_iterations"`
	Seed          int64  `json:"seed"`
}

// BTreeParams are the resolved build parameters of a BTree index.
type BTreeParams struct {
	BlockSize int `json:"block_size"`
}
