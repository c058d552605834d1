package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
// The default maps to os.ErrNotExist so local stores need no wrapping.
var ErrNotFound = os.ErrNotExist

// Store is the storage abstraction for index artifacts and manifests.
// Implementations must be safe for concurrent use. Put is all or
// nothing: readers never observe a partially written blob.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Put writes a blob atomically, replacing any existing blob of the
	// same name.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored artifact.
type Blob interface {
	// ReadAt reads len(p) bytes starting at off. Reads that cross the
	// end of the blob return io.EOF with the bytes that were available.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// Size returns the blob length in bytes.
	Size() int64

	// Close releases the handle.
	Close() error
}

// Mappable is an optional Blob capability for zero-copy access. The
// returned slice stays valid until the blob is closed.
type Mappable interface {
	Bytes() ([]byte, error)
}

// ReadAll returns the full contents of a blob. Mappable blobs are
// copied out so the result outlives the handle.
func ReadAll(ctx context.Context, b Blob) ([]byte, error) {
	if m, ok := b.(Mappable); ok {
		data, err := m.Bytes()
		if err == nil {
			out := make([]byte, len(data))
			copy(out, data)
			return out, nil
		}
	}

	size := b.Size()
	if size == 0 {
		return nil, nil
	}
	out := make([]byte, size)
	n, err := b.ReadAt(ctx, out, 0)
	if errors.Is(err, io.EOF) && int64(n) == size {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadFull reads exactly len(p) bytes from b at off. A read that comes
// up short returns io.ErrUnexpectedEOF so callers can distinguish a
// truncated blob from an I/O failure.
func ReadFull(ctx context.Context, b Blob, p []byte, off int64) error {
	n, err := b.ReadAt(ctx, p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Fetch opens, fully reads and closes the named blob.
func Fetch(ctx context.Context, s Store, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return ReadAll(ctx, b)
}
