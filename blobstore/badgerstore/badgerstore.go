// Package badgerstore stores index artifacts in an embedded Badger
// database. It suits deployments that already run Badger and want
// artifacts and application data in one store, and it gives tests a
// real transactional backend without external services.
package badgerstore

import (
	"context"
	"errors"
	"io"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/ivfgo/blobstore"
)

// Options configures the store.
type Options struct {
	// Dir is the Badger data directory. Required unless InMemory.
	Dir string
	// InMemory runs Badger without disk persistence.
	InMemory bool
	// Logger overrides Badger's logger. Nil installs a silent one.
	Logger badger.Logger
}

// Store implements blobstore.Store on Badger. Each blob is one value;
// writes are transactional, so Put is atomic.
type Store struct {
	db    *badger.DB
	owned bool
}

// Open opens (or creates) a Badger-backed store.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badgerstore: Dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(opts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(nopLogger{})
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, owned: true}, nil
}

// Wrap builds a store over an existing Badger handle. Close then does
// not close the handle.
func Wrap(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database if this store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// Open reads the whole blob inside a view transaction.
func (s *Store) Open(_ context.Context, name string) (blobstore.Blob, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &badgerBlob{data: data}, nil
}

// Put writes the blob in one update transaction.
func (s *Store) Put(_ context.Context, name string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), data)
	})
}

// Delete removes the blob. Missing blobs are not an error.
func (s *Store) Delete(_ context.Context, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(name))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// List iterates keys with the prefix. Values are not loaded.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	p := []byte(prefix)

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = p

		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			names = append(names, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

type badgerBlob struct {
	data []byte
}

func (b *badgerBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *badgerBlob) Size() int64 { return int64(len(b.data)) }

func (b *badgerBlob) Close() error { return nil }

func (b *badgerBlob) Bytes() ([]byte, error) { return b.data, nil }

// nopLogger silences Badger's chatty default logger.
type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{})   {}
func (nopLogger) Warningf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})    {}
func (nopLogger) Debugf(string, ...interface{})   {}
