package ivfgo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/ivfgo/index/btree"
	"github.com/hupe1980/ivfgo/index/ivfpq"
	"github.com/hupe1980/ivfgo/quantization"
)

var (
	// ErrClosed is returned by every operation on a closed Dataset.
	ErrClosed = errors.New("ivfgo: dataset is closed")

	// ErrCorruptedIndex is returned when an index artifact fails
	// structural or checksum validation.
	ErrCorruptedIndex = errors.New("ivfgo: corrupted index artifact")
)

// DimensionMismatchError is returned when a vector does not match the
// dimension an index or column was declared with.
type DimensionMismatchError struct {
	Expected int
	Actual   int

	cause error
}

// Error implements the error interface.
func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("ivfgo: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Unwrap returns the underlying cause, if any.
func (e *DimensionMismatchError) Unwrap() error { return e.cause }

// InsufficientDataError is returned when a column holds fewer rows
// than the requested index layout needs for training.
type InsufficientDataError struct {
	Required int
	Actual   int

	cause error
}

// Error implements the error interface.
func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("ivfgo: insufficient data: need at least %d rows, got %d", e.Required, e.Actual)
}

// Unwrap returns the underlying cause, if any.
func (e *InsufficientDataError) Unwrap() error { return e.cause }

// ColumnResolutionError is returned when no usable column can be
// determined for an index build.
type ColumnResolutionError struct {
	// Column is the explicitly requested column; empty when the
	// failure happened during automatic resolution.
	Column string
	Reason string
}

// Error implements the error interface.
func (e *ColumnResolutionError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("ivfgo: %s", e.Reason)
	}
	return fmt.Sprintf("ivfgo: column %q: %s", e.Column, e.Reason)
}

// IndexExistsError is returned by CreateIndex when the name is taken
// and replacement was disabled.
type IndexExistsError struct {
	Name string
}

// Error implements the error interface.
func (e *IndexExistsError) Error() string {
	return fmt.Sprintf("ivfgo: index %q already exists", e.Name)
}

// BuildInProgressError is returned when an operation collides with a
// build already running under the same index name.
type BuildInProgressError struct {
	Name string
}

// Error implements the error interface.
func (e *BuildInProgressError) Error() string {
	return fmt.Sprintf("ivfgo: index %q is being built", e.Name)
}

// IndexNotFoundError is returned when a lookup by name or column
// matches no ready index.
type IndexNotFoundError struct {
	Name   string
	Column string
}

// Error implements the error interface.
func (e *IndexNotFoundError) Error() string {
	switch {
	case e.Name != "":
		return fmt.Sprintf("ivfgo: index %q not found", e.Name)
	case e.Column != "":
		return fmt.Sprintf("ivfgo: no index found for column %q", e.Column)
	default:
		return "ivfgo: no index found"
	}
}

// InvalidParameterError is returned when an option or query parameter
// is out of its valid range.
type InvalidParameterError struct {
	Param  string
	Value  any
	Reason string
}

// Error implements the error interface.
func (e *InvalidParameterError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("ivfgo: invalid parameter %s: %s", e.Param, e.Reason)
	}
	return fmt.Sprintf("ivfgo: invalid parameter %s=%v: %s", e.Param, e.Value, e.Reason)
}

// translateError maps internal index errors to the public taxonomy.
// Errors already in the taxonomy and context errors pass through.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dimErr *ivfpq.DimensionMismatchError
	if errors.As(err, &dimErr) {
		return &DimensionMismatchError{Expected: dimErr.Expected, Actual: dimErr.Actual, cause: err}
	}

	var dataErr *quantization.InsufficientDataError
	if errors.As(err, &dataErr) {
		return &InsufficientDataError{Required: dataErr.Required, Actual: dataErr.Actual, cause: err}
	}

	if errors.Is(err, ivfpq.ErrCorrupted) || errors.Is(err, btree.ErrCorrupted) {
		return fmt.Errorf("%w: %w", ErrCorruptedIndex, err)
	}

	if errors.Is(err, btree.ErrKindMismatch) {
		return &InvalidParameterError{Param: "predicate", Reason: err.Error()}
	}

	return err
}
