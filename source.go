package ivfgo

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/ivfgo/scalar"
)

// DataType classifies a source column.
type DataType uint8

const (
	TypeInvalid DataType = iota
	// TypeVector is a fixed-dimension float32 list column.
	TypeVector
	TypeInt
	TypeFloat
	TypeString
	TypeBool
	TypeTimestamp
)

// String returns the type name.
func (t DataType) String() string {
	switch t {
	case TypeVector:
		return "vector"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "invalid"
	}
}

// Scalar reports whether the type can back a scalar index.
func (t DataType) Scalar() bool {
	switch t {
	case TypeInt, TypeFloat, TypeString, TypeBool, TypeTimestamp:
		return true
	default:
		return false
	}
}

// scalarDataType maps a scalar value kind to its column type.
func scalarDataType(k scalar.Kind) DataType {
	switch k {
	case scalar.KindInt:
		return TypeInt
	case scalar.KindFloat:
		return TypeFloat
	case scalar.KindString:
		return TypeString
	case scalar.KindBool:
		return TypeBool
	case scalar.KindTimestamp:
		return TypeTimestamp
	default:
		return TypeInvalid
	}
}

// Field describes one source column.
type Field struct {
	Name string
	Type DataType

	// Dim is the vector dimension; zero for scalar columns.
	Dim int
}

// Schema describes the columns of a dataset.
type Schema struct {
	Fields []Field
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// VectorFields returns every vector column in schema order.
func (s *Schema) VectorFields() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Type == TypeVector {
			out = append(out, f)
		}
	}
	return out
}

// VectorColumnData is one vector column read out of a Source. Row i
// occupies Data[i*Dim:(i+1)*Dim] and belongs to RowIDs[i]. Rows with
// null vectors are omitted.
type VectorColumnData struct {
	Dim    int
	Data   []float32
	RowIDs []uint64
}

// Vector returns the i-th vector without copying.
func (c *VectorColumnData) Vector(i int) []float32 {
	return c.Data[i*c.Dim : (i+1)*c.Dim]
}

// ScalarColumnData is one scalar column read out of a Source, null
// rows already dropped.
type ScalarColumnData struct {
	Values []scalar.Value
	RowIDs []uint64
}

// Source supplies column data for index builds and exact vectors for
// refined searches. Implementations must be safe for concurrent use;
// several builds and searches may read at once.
type Source interface {
	// Schema returns the column layout of the dataset.
	Schema(ctx context.Context) (*Schema, error)

	// ReadVectorColumn returns the full vector column with the row id
	// of every non-null entry.
	ReadVectorColumn(ctx context.Context, name string) (*VectorColumnData, error)

	// ReadScalarColumn returns the full scalar column with the row id
	// of every non-null entry.
	ReadScalarColumn(ctx context.Context, name string) (*ScalarColumnData, error)

	// FetchVectors returns the exact vectors of the given rows in
	// request order. Searches with a refine factor call this to
	// re-rank quantized candidates.
	FetchVectors(ctx context.Context, name string, rowIDs []uint64) ([][]float32, error)
}

// MemorySource is an in-memory Source. It serves small datasets and
// tests; production deployments implement Source over their own
// storage.
type MemorySource struct {
	mu      sync.RWMutex
	fields  []Field
	vectors map[string]*VectorColumnData
	scalars map[string]*ScalarColumnData
	rowPos  map[string]map[uint64]int
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		vectors: make(map[string]*VectorColumnData),
		scalars: make(map[string]*ScalarColumnData),
		rowPos:  make(map[string]map[uint64]int),
	}
}

// AddVectorColumn registers a vector column. data holds the vectors
// back to back, dim values per row.
func (s *MemorySource) AddVectorColumn(name string, dim int, data []float32, rowIDs []uint64) error {
	if dim <= 0 {
		return fmt.Errorf("ivfgo: vector column %q: dimension must be positive, got %d", name, dim)
	}
	if len(data) != dim*len(rowIDs) {
		return fmt.Errorf("ivfgo: vector column %q: %d values do not fit %d rows of dimension %d", name, len(data), len(rowIDs), dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vectors[name]; exists {
		return fmt.Errorf("ivfgo: column %q already exists", name)
	}
	if _, exists := s.scalars[name]; exists {
		return fmt.Errorf("ivfgo: column %q already exists", name)
	}

	pos := make(map[uint64]int, len(rowIDs))
	for i, id := range rowIDs {
		pos[id] = i
	}

	s.fields = append(s.fields, Field{Name: name, Type: TypeVector, Dim: dim})
	s.vectors[name] = &VectorColumnData{Dim: dim, Data: data, RowIDs: rowIDs}
	s.rowPos[name] = pos
	return nil
}

// AddScalarColumn registers a scalar column of the given kind. Every
// value must match kind.
func (s *MemorySource) AddScalarColumn(name string, kind scalar.Kind, values []scalar.Value, rowIDs []uint64) error {
	if len(values) != len(rowIDs) {
		return fmt.Errorf("ivfgo: scalar column %q: %d values for %d row ids", name, len(values), len(rowIDs))
	}
	dt := scalarDataType(kind)
	if dt == TypeInvalid {
		return fmt.Errorf("ivfgo: scalar column %q: invalid kind", name)
	}
	for i, v := range values {
		if v.Kind != kind {
			return fmt.Errorf("ivfgo: scalar column %q: value %d is %s, want %s", name, i, v.Kind, kind)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vectors[name]; exists {
		return fmt.Errorf("ivfgo: column %q already exists", name)
	}
	if _, exists := s.scalars[name]; exists {
		return fmt.Errorf("ivfgo: column %q already exists", name)
	}

	s.fields = append(s.fields, Field{Name: name, Type: dt})
	s.scalars[name] = &ScalarColumnData{Values: values, RowIDs: rowIDs}
	return nil
}

// Schema implements Source.
func (s *MemorySource) Schema(_ context.Context) (*Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := make([]Field, len(s.fields))
	copy(fields, s.fields)
	return &Schema{Fields: fields}, nil
}

// ReadVectorColumn implements Source.
func (s *MemorySource) ReadVectorColumn(_ context.Context, name string) (*VectorColumnData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.vectors[name]
	if !ok {
		return nil, fmt.Errorf("ivfgo: unknown vector column %q", name)
	}
	return col, nil
}

// ReadScalarColumn implements Source.
func (s *MemorySource) ReadScalarColumn(_ context.Context, name string) (*ScalarColumnData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.scalars[name]
	if !ok {
		return nil, fmt.Errorf("ivfgo: unknown scalar column %q", name)
	}
	return col, nil
}

// FetchVectors implements Source.
func (s *MemorySource) FetchVectors(_ context.Context, name string, rowIDs []uint64) ([][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.vectors[name]
	if !ok {
		return nil, fmt.Errorf("ivfgo: unknown vector column %q", name)
	}
	pos := s.rowPos[name]

	out := make([][]float32, len(rowIDs))
	for i, id := range rowIDs {
		p, ok := pos[id]
		if !ok {
			return nil, fmt.Errorf("ivfgo: vector column %q: unknown row id %d", name, id)
		}
		out[i] = col.Vector(p)
	}
	return out, nil
}
