// Package scalar defines the typed value model and the predicates served
// by the BTree scalar index.
package scalar

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an absent or invalid value. Range bounds
	// use it to express "unbounded".
	KindInvalid Kind = iota
	// KindInt represents an int64 value.
	KindInt
	// KindFloat represents a float64 value.
	KindFloat
	// KindString represents a string value.
	KindString
	// KindBool represents a boolean value.
	KindBool
	// KindTimestamp represents a timestamp with microsecond precision.
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	default:
		return "invalid"
	}
}

// Value is a small typed value with a total order per kind.
//
// The representation avoids reflection and fmt-based stringification so
// sort and search stay fast. It is also persisted inside index blocks;
// keep it stable.
type Value struct {
	Kind Kind    `json:"k"`
	I64  int64   `json:"i,omitempty"`
	F64  float64 `json:"f,omitempty"`
	S    string  `json:"s,omitempty"`
	B    bool    `json:"b,omitempty"`
}

// Int returns an int64 value.
func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }

// Float returns a float64 value.
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }

// Str returns a string value.
func Str(s string) Value { return Value{Kind: KindString, S: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, B: b} }

// Timestamp returns a timestamp value with microsecond precision.
func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, I64: t.UnixMicro()} }

// Valid reports whether the value holds a concrete kind.
func (v Value) Valid() bool { return v.Kind != KindInvalid }

// Time converts a timestamp value back to time.Time (UTC).
func (v Value) Time() time.Time { return time.UnixMicro(v.I64).UTC() }

// Compare orders v against o: -1 when v < o, 0 when equal, 1 when
// v > o. Values of different kinds order by kind, but an index only
// ever holds a single kind. Float NaN sorts after every other float.
func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		if v.Kind < o.Kind {
			return -1
		}
		return 1
	}

	switch v.Kind {
	case KindInt, KindTimestamp:
		return cmpOrdered(v.I64, o.I64)
	case KindFloat:
		return cmpFloat(v.F64, o.F64)
	case KindString:
		return strings.Compare(v.S, o.S)
	case KindBool:
		if v.B == o.B {
			return 0
		}
		if !v.B {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Equal reports whether v and o hold the same kind and payload.
func (v Value) Equal(o Value) bool { return v.Compare(o) == 0 }

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.S)
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindTimestamp:
		return v.Time().Format(time.RFC3339Nano)
	default:
		return "invalid"
	}
}

func cmpOrdered(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Op identifies the predicate operator.
type Op uint8

const (
	// OpEq matches rows equal to Value.
	OpEq Op = iota
	// OpRange matches rows between Lower and Upper. An invalid bound
	// is unbounded on that side.
	OpRange
	// OpIn matches rows equal to any member of Set.
	OpIn
)

func (op Op) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpRange:
		return "range"
	case OpIn:
		return "in"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Predicate describes a condition over one scalar column. Construct
// predicates with Eq, Range, In and the comparison helpers.
type Predicate struct {
	Op Op

	// Value carries the operand for OpEq.
	Value Value

	// Lower and Upper carry the bounds for OpRange.
	Lower        Value
	Upper        Value
	IncludeLower bool
	IncludeUpper bool

	// Set carries the members for OpIn.
	Set []Value
}

// Eq matches rows whose value equals v.
func Eq(v Value) Predicate { return Predicate{Op: OpEq, Value: v} }

// Range matches rows between lower and upper. Pass an invalid Value
// (zero Value) to leave a side unbounded.
func Range(lower, upper Value, includeLower, includeUpper bool) Predicate {
	return Predicate{Op: OpRange, Lower: lower, Upper: upper, IncludeLower: includeLower, IncludeUpper: includeUpper}
}

// Gt matches rows strictly greater than v.
func Gt(v Value) Predicate { return Range(v, Value{}, false, false) }

// Gte matches rows greater than or equal to v.
func Gte(v Value) Predicate { return Range(v, Value{}, true, false) }

// Lt matches rows strictly less than v.
func Lt(v Value) Predicate { return Range(Value{}, v, false, false) }

// Lte matches rows less than or equal to v.
func Lte(v Value) Predicate { return Range(Value{}, v, false, true) }

// In matches rows whose value equals any of vals.
func In(vals ...Value) Predicate { return Predicate{Op: OpIn, Set: vals} }

// ValueKind returns the kind the predicate operates on, or KindInvalid
// for an unbounded range / empty set.
func (p Predicate) ValueKind() Kind {
	switch p.Op {
	case OpEq:
		return p.Value.Kind
	case OpRange:
		if p.Lower.Valid() {
			return p.Lower.Kind
		}
		return p.Upper.Kind
	case OpIn:
		if len(p.Set) > 0 {
			return p.Set[0].Kind
		}
	}
	return KindInvalid
}

// Matches evaluates the predicate against a single value.
func (p Predicate) Matches(v Value) bool {
	switch p.Op {
	case OpEq:
		return v.Equal(p.Value)
	case OpRange:
		if p.Lower.Valid() {
			c := v.Compare(p.Lower)
			if c < 0 || (c == 0 && !p.IncludeLower) {
				return false
			}
		}
		if p.Upper.Valid() {
			c := v.Compare(p.Upper)
			if c > 0 || (c == 0 && !p.IncludeUpper) {
				return false
			}
		}
		return true
	case OpIn:
		for _, m := range p.Set {
			if v.Equal(m) {
				return true
			}
		}
	}
	return false
}

func (p Predicate) String() string {
	switch p.Op {
	case OpEq:
		return fmt.Sprintf("= %s", p.Value)
	case OpRange:
		lo, hi := "(-inf", "+inf)"
		if p.Lower.Valid() {
			bracket := "("
			if p.IncludeLower {
				bracket = "["
			}
			lo = bracket + p.Lower.String()
		}
		if p.Upper.Valid() {
			bracket := ")"
			if p.IncludeUpper {
				bracket = "]"
			}
			hi = p.Upper.String() + bracket
		}
		return lo + ", " + hi
	case OpIn:
		parts := make([]string, len(p.Set))
		for i, v := range p.Set {
			parts[i] = v.String()
		}
		return "in {" + strings.Join(parts, ", ") + "}"
	default:
		return p.Op.String()
	}
}
