package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/ivfgo/blobstore"
)

// CurrentName is the pointer blob naming the live manifest.
const CurrentName = "CURRENT"

// ErrRevisionConflict is returned by PointerStore.Swap when the
// pointer moved past the expected revision. Callers re-read the
// current revision and retry.
var ErrRevisionConflict = errors.New("manifest: revision conflict")

// PointerStore publishes which manifest blob is current.
type PointerStore interface {
	// Current returns the live manifest blob name and its revision. A
	// pointer that was never written returns ("", 0, nil).
	Current(ctx context.Context) (string, uint64, error)

	// Swap points the store at name, moving the revision from expected
	// to expected+1. It returns ErrRevisionConflict when the stored
	// revision is not expected.
	Swap(ctx context.Context, name string, expected uint64) error
}

// currentRecord is the serialized form of the CURRENT blob.
type currentRecord struct {
	Name     string `json:"name"`
	Revision uint64 `json:"revision"`
}

// BlobPointer keeps CURRENT in a blob beside the manifests.
//
// Reading and replacing the blob are two operations, so the
// compare-and-swap only holds within one process. Deployments with
// several publishers want a pointer with true conditional writes, such
// as ddb.Pointer.
type BlobPointer struct {
	mu    sync.Mutex
	blobs blobstore.Store
}

var _ PointerStore = (*BlobPointer)(nil)

// NewBlobPointer creates a pointer stored as a blob named CURRENT.
func NewBlobPointer(blobs blobstore.Store) *BlobPointer {
	return &BlobPointer{blobs: blobs}
}

// Current implements PointerStore.
func (p *BlobPointer) Current(ctx context.Context) (string, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read(ctx)
}

// Swap implements PointerStore.
func (p *BlobPointer) Swap(ctx context.Context, name string, expected uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, rev, err := p.read(ctx)
	if err != nil {
		return err
	}
	if rev != expected {
		return ErrRevisionConflict
	}

	data, err := json.Marshal(currentRecord{Name: name, Revision: expected + 1})
	if err != nil {
		return err
	}
	return p.blobs.Put(ctx, CurrentName, data)
}

func (p *BlobPointer) read(ctx context.Context) (string, uint64, error) {
	data, err := blobstore.Fetch(ctx, p.blobs, CurrentName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}

	var c currentRecord
	if err := json.Unmarshal(data, &c); err != nil {
		return "", 0, fmt.Errorf("manifest: malformed %s: %w", CurrentName, err)
	}
	return c.Name, c.Revision, nil
}
