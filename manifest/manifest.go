// Package manifest persists the index registry of a dataset: a JSON
// record of every published index plus a CURRENT pointer naming the
// live revision.
//
// Publishing is copy-on-write. Update writes a fresh numbered
// manifest blob and only then swings CURRENT to it, so readers always
// observe a complete manifest and a crashed publisher leaves the
// previous revision intact. The pointer swap is a compare-and-swap on
// the revision; when another publisher wins, Update reloads the live
// records, reapplies its mutation, and retries with exponential
// backoff.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/hupe1980/ivfgo/index"
)

const (
	// Version is the manifest schema version.
	Version = 1

	// Prefix names manifest blobs; the revision number follows it.
	Prefix = "MANIFEST"
)

// Manifest is the persisted index registry of a dataset.
type Manifest struct {
	Version   int              `json:"version"`
	Revision  uint64           `json:"revision"`
	UpdatedAt time.Time        `json:"updated_at"`
	Indices   []index.Metadata `json:"indices"`
}

// Find returns the record of the named index.
func (m *Manifest) Find(name string) (*index.Metadata, bool) {
	for i := range m.Indices {
		if m.Indices[i].Name == name {
			return &m.Indices[i], true
		}
	}
	return nil, false
}

// Upsert replaces the record named meta.Name, or appends it.
func (m *Manifest) Upsert(meta index.Metadata) {
	for i := range m.Indices {
		if m.Indices[i].Name == meta.Name {
			m.Indices[i] = meta
			return
		}
	}
	m.Indices = append(m.Indices, meta)
}

// Remove deletes the named record and reports whether it existed.
func (m *Manifest) Remove(name string) bool {
	for i := range m.Indices {
		if m.Indices[i].Name == name {
			m.Indices = append(m.Indices[:i], m.Indices[i+1:]...)
			return true
		}
	}
	return false
}

// Store reads and publishes manifests on a blob store.
//
// A Store serializes its own callers. Distinct processes publishing to
// the same blob store are only safe when the PointerStore provides a
// true conditional write, such as the dynamodb-backed one in the ddb
// subpackage.
type Store struct {
	mu      sync.Mutex
	blobs   blobstore.Store
	pointer PointerStore
}

// NewStore creates a manifest store. A nil pointer falls back to a
// CURRENT blob beside the manifests, which is sufficient for a single
// publishing process.
func NewStore(blobs blobstore.Store, pointer PointerStore) *Store {
	if pointer == nil {
		pointer = NewBlobPointer(blobs)
	}
	return &Store{blobs: blobs, pointer: pointer}
}

// Load returns the manifest CURRENT points at. A store that was never
// published to yields an empty manifest at revision zero.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) (*Manifest, error) {
	name, rev, err := s.pointer.Current(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return &Manifest{Version: Version}, nil
	}

	data, err := blobstore.Fetch(ctx, s.blobs, name)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", name, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode %s: %w", name, err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("manifest: %s has unsupported version %d", name, m.Version)
	}
	if m.Revision != rev {
		return nil, fmt.Errorf("manifest: %s records revision %d, pointer says %d", name, m.Revision, rev)
	}
	for i := range m.Indices {
		if err := m.Indices[i].Validate(); err != nil {
			return nil, fmt.Errorf("manifest: %s: %w", name, err)
		}
	}
	return &m, nil
}

// Save publishes indices wholesale as the next revision and returns
// the manifest it wrote.
func (s *Store) Save(ctx context.Context, indices []index.Metadata) (*Manifest, error) {
	return s.Update(ctx, func(m *Manifest) error {
		m.Indices = indices
		return nil
	})
}

// Update publishes the next revision through mutate and returns the
// manifest it wrote. Every attempt reloads the live manifest, applies
// mutate to a copy, and publishes the result, so publishers racing on
// the pointer merge record-by-record instead of clobbering each
// other's records. The blob is written before the pointer moves; a
// failure at any point leaves the previous revision serving.
func (s *Store) Update(ctx context.Context, mutate func(*Manifest) error) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var published *Manifest
	publish := func() error {
		cur, err := s.loadLocked(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		next := &Manifest{
			Version:   Version,
			UpdatedAt: time.Now().UTC(),
			Indices:   append([]index.Metadata(nil), cur.Indices...),
		}
		if err := mutate(next); err != nil {
			return backoff.Permanent(err)
		}
		next.Version = Version
		next.Revision = cur.Revision + 1
		for i := range next.Indices {
			if err := next.Indices[i].Validate(); err != nil {
				return backoff.Permanent(err)
			}
		}

		data, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return backoff.Permanent(err)
		}

		name := newBlobName(next.Revision)
		if err := s.blobs.Put(ctx, name, data); err != nil {
			return backoff.Permanent(fmt.Errorf("manifest: write %s: %w", name, err))
		}
		if err := s.pointer.Swap(ctx, name, cur.Revision); err != nil {
			// Without the pointer the blob is unreachable; drop it so
			// lost races do not accumulate garbage.
			_ = s.blobs.Delete(ctx, name)
			if errors.Is(err, ErrRevisionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		published = next
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(publish, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return published, nil
}

// Prune removes manifest blobs older than the keep most recent
// revisions and returns how many it deleted. The blob CURRENT names
// always survives.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 1 {
		keep = 1
	}
	current, rev, err := s.pointer.Current(ctx)
	if err != nil {
		return 0, err
	}
	if current == "" {
		return 0, nil
	}

	names, err := s.blobs.List(ctx, Prefix+"-")
	if err != nil {
		return 0, err
	}

	var cutoff uint64
	if rev > uint64(keep) {
		cutoff = rev - uint64(keep)
	}

	removed := 0
	for _, name := range names {
		if name == current {
			continue
		}
		r, ok := parseRevision(name)
		if !ok || r > cutoff {
			continue
		}
		if err := s.blobs.Delete(ctx, name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// newBlobName names the blob for a revision. The random suffix keeps
// publishers racing toward the same revision from overwriting each
// other's blob; the pointer swap decides the winner.
func newBlobName(revision uint64) string {
	return fmt.Sprintf("%s-%06d-%s.json", Prefix, revision, uuid.NewString()[:8])
}

func parseRevision(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, Prefix+"-")
	if !ok {
		return 0, false
	}
	digits, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	rev, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return rev, true
}
