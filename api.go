package docmirror

import (
	"context"
	"iter"
	"time"

	"github.com/unkn0wn-root/docmirror/local"
	"github.com/unkn0wn-root/docmirror/store"
)

// Document is the value type held by a mirror.
type Document = store.Document

// Durability selects when Set and Delete return.
type Durability uint8

const (
	// DurabilityEventual queues the remote write and returns once the local copy is
	// updated. Remote failures surface through Hooks and the Logger only.
	DurabilityEventual Durability = iota
	// DurabilityAwaited waits for the remote store to acknowledge. On failure the
	// local mutation is reverted and a *WriteError is returned.
	DurabilityAwaited
)

func (d Durability) String() string {
	switch d {
	case DurabilityEventual:
		return "eventual"
	case DurabilityAwaited:
		return "awaited"
	default:
		return "unknown"
	}
}

// FeedState is the change feed reader's lifecycle state.
type FeedState uint32

const (
	FeedStopped FeedState = iota
	FeedSubscribing
	FeedStreaming
)

func (s FeedState) String() string {
	switch s {
	case FeedStopped:
		return "stopped"
	case FeedSubscribing:
		return "subscribing"
	case FeedStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Mirror is a local copy of one remote collection, kept coherent with it.
//
// Reads (Get, Has, Len, Keys, Range, All) are served locally and never block on I/O.
// Writes go to both sides. Remote mutations made by any writer reach the local copy
// through the change feed when MonitorChanges is set.
type Mirror interface {
	// Writes. Per-key ordering is preserved: the last Set of a key wins locally and remotely.
	Set(ctx context.Context, key string, value Document) error
	SetWithExpiry(ctx context.Context, key string, value Document, expireAt time.Time) error
	Delete(ctx context.Context, key string) error

	// Remote lookups; found records are stored locally. Missing keys are not cached.
	Fetch(ctx context.Context, keys ...string) error
	FetchOne(ctx context.Context, key string) (Document, bool, error)
	FetchEverything(ctx context.Context) error

	// Local reads. Returned documents are shared; treat them as read-only.
	Get(key string) (Document, bool)
	Has(key string) bool
	Len() int
	Keys() []string
	Range(fn func(key string, doc Document) bool)
	All() iter.Seq2[string, Document]

	// Ready is closed once initialization succeeds. It is never closed on failure.
	Ready() <-chan struct{}
	// Wait blocks until initialization finishes and returns its error, if any.
	Wait(ctx context.Context) error

	Collection() string
	FeedState() FeedState
	// Resubscribe restarts a stopped change feed after the last applied event.
	Resubscribe(ctx context.Context) error

	// Close stops the change feed and waits for it to exit. Queued remote writes
	// are abandoned. A Close that returns ctx.Err() can be called again to finish.
	Close(ctx context.Context) error
}

// Options configure a Mirror. Collection and one of Conn or URL are required.
type Options struct {
	Database   string // default "docmirror"
	Collection string

	// Conn is a pre-established connection. It is not closed by Close.
	Conn store.Conn
	// URL is dialed through the store scheme registry when Conn is nil
	// (e.g. "mongodb://...", "redis://...", "mem://name").
	URL string

	DocumentTTL    bool // register the remote TTL index on expireAt
	FetchAll       bool // bootstrap with a full scan before readiness
	MonitorChanges bool // run the change feed reader

	Durability Durability
	Local      local.Store // nil => local.NewMap()
	Logger     Logger      // nil => NopLogger
	Hooks      Hooks       // nil => NopHooks

	// RehydrateOnUpdate point-fetches the full document when an update event cannot be
	// merged (no cached base, or the paths do not fit the cached document).
	RehydrateOnUpdate bool
	// Resubscribe restarts a failed change feed with exponential backoff.
	Resubscribe bool
	// ResubscribeMaxInterval caps the backoff between attempts. 0 => 30s.
	ResubscribeMaxInterval time.Duration
	// ResubscribeMaxElapsed gives up after this long. 0 => retry until Close.
	ResubscribeMaxElapsed time.Duration

	WriteWorkers int           // remote write shards; 0 => 4
	WriteQueue   int           // per-shard queue length; 0 => 1024
	WriteTimeout time.Duration // per remote write; 0 => 10s
	InitTimeout  time.Duration // bound on initialization; 0 => none
}

// New validates opts and starts initialization in the background. Use Ready or Wait
// to learn its outcome; operations that need the remote store wait for it.
func New(opts Options) (Mirror, error) {
	return newMirror(opts)
}
