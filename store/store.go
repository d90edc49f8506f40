// Package store defines the remote document store abstraction a mirror keeps its
// local copy coherent with.
//
// A Collection is an authoritative set of records addressable by key. Records are
// stored remotely as {key, value, expireAt?}; adapters own the physical layout.
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// Document is the value half of a record: a mapping from field name to field value.
// Nested documents are map[string]any and arrays are []any.
type Document = map[string]any

// Record is a document as held by the remote store.
type Record struct {
	Key   string
	Value Document
	// ExpireAt is the absolute time after which the store may delete the record.
	// Zero means no expiry.
	ExpireAt time.Time
}

// ResumeToken is an opaque change feed position. Nil means "from now".
type ResumeToken []byte

// ExpireAtField is the record field TTL indexes are registered on.
const ExpireAtField = "expireAt"

var (
	// ErrStreamClosed is returned by ChangeStream.Next after Close.
	ErrStreamClosed = errors.New("store: change stream closed")
	// ErrStreamInvalidated is returned when the store ends the stream on its own,
	// e.g. because the collection was dropped.
	ErrStreamInvalidated = errors.New("store: change stream invalidated")
	// ErrResumeTokenExpired is returned by Collection.Watch when the store can no
	// longer resume from the given token. Adapters wrap their own error with it.
	ErrResumeTokenExpired = errors.New("store: resume token no longer valid")
	// ErrUnsupported is returned by adapters that cannot provide an operation.
	ErrUnsupported = errors.New("store: operation not supported")
)

// Conn is an established connection to a remote store.
type Conn interface {
	// Collection returns a handle to the named collection. It does not perform I/O.
	Collection(database, name string) Collection
	// Ping verifies the connection is usable.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close(ctx context.Context) error
}

// Collection is the set of operations a mirror needs from the remote store.
type Collection interface {
	// Get returns (rec, true, nil) on hit and (Record{}, false, nil) on miss.
	Get(ctx context.Context, key string) (Record, bool, error)
	// GetMany returns the records that exist for keys, in no particular order.
	GetMany(ctx context.Context, keys []string) ([]Record, error)
	// Scan returns every record in the collection.
	Scan(ctx context.Context) ([]Record, error)
	// Upsert replaces the record stored under rec.Key, creating it if needed.
	Upsert(ctx context.Context, rec Record) error
	// Delete removes the record stored under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// EnsureTTLIndex asks the store to delete records once their ExpireAt passes.
	EnsureTTLIndex(ctx context.Context) error
	// Watch subscribes to mutations from any writer, starting after resume
	// (or from now when resume is nil).
	Watch(ctx context.Context, resume ResumeToken) (ChangeStream, error)
}

// ChangeStream is an ordered feed of mutations. Events for one key are delivered in
// commit order.
type ChangeStream interface {
	// Next blocks until the next event, ctx is done, or the stream fails.
	Next(ctx context.Context) (Event, error)
	// Close stops the stream. Next returns ErrStreamClosed afterwards.
	Close(ctx context.Context) error
}
