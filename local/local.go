// Package local holds the in-process copy of a remote collection.
//
// A Store is the merge target for every synchronization path of a mirror: bootstrap,
// local writes, fetches and change feed replay. It is a projection of the remote
// store, not a bounded cache: there is no capacity limit, eviction, or expiry.
package local

import (
	"errors"

	"github.com/unkn0wn-root/docmirror/internal/docpath"
	"github.com/unkn0wn-root/docmirror/store"
)

var (
	// ErrNoBase is returned by Merge when the key has no cached document to diff against.
	ErrNoBase = errors.New("local: no cached document to merge into")
	// ErrPathConflict is returned by Merge when a field path crosses a scalar value.
	ErrPathConflict = docpath.ErrConflict
)

// Store is the local key -> document mapping.
// Implementations must be safe for concurrent use: mutations are serialized against
// each other; reads may run concurrently with each other.
type Store interface {
	// Get is a pure local lookup.
	Get(key string) (store.Document, bool)
	// Put inserts or replaces.
	Put(key string, doc store.Document)
	// Remove deletes key; no-op if absent.
	Remove(key string)
	// Merge applies a field-path diff to the cached document for key.
	// Returns ErrNoBase when key is absent and ErrPathConflict when the diff does not
	// fit the document; in both cases the entry is left unchanged.
	Merge(key string, updated map[string]any, removed []string) error
	// Len reports the number of entries.
	Len() int
	// Range calls fn for each entry until fn returns false. Iteration order is
	// unspecified. fn must not call mutating methods of the same Store.
	Range(fn func(key string, doc store.Document) bool)
}
