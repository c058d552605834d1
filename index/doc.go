// Package index defines the shared vocabulary of the index subsystem:
// index kinds, lifecycle states, persisted metadata and build
// parameters. The concrete builders and searchers live in the ivfpq
// and btree subpackages.
package index
