// Package blobstore abstracts where index artifacts live.
//
// A Store reads and writes named immutable blobs. Artifacts are
// written once with Put and never modified, which keeps every backend
// trivially consistent: replacement happens by writing a new name and
// swapping the manifest pointer.
//
// # Built-in implementations
//
//   - MemoryStore: in-process map, used by tests and ephemeral datasets
//   - LocalStore: local filesystem, mmap-backed reads, atomic renames
//   - CachingStore: block-level read cache over any other Store
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - minio.Store: MinIO and other S3-compatible object stores
//   - badgerstore.Store: embedded Badger key-value storage
//
// Backends that can hand out stable memory (mmap, in-process buffers)
// additionally implement Mappable, letting searchers decode artifacts
// without copying.
package blobstore
