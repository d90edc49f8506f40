package docmirror

import (
	"context"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/docmirror/local"
	"github.com/unkn0wn-root/docmirror/store"
)

type mirror struct {
	db   string
	coll string
	url  string

	log   Logger
	hooks Hooks
	local local.Store

	durability  Durability
	ttlIndex    bool
	fetchAll    bool
	monitor     bool
	rehydrate   bool
	initTimeout time.Duration

	// set before done closes; read-only afterwards
	conn     store.Conn
	ownsConn bool
	remote   store.Collection
	initErr  error

	w    *writer
	feed *feed

	ready chan struct{} // closed on success only
	done  chan struct{} // closed when init returns, either way

	// lifetime of background work; canceled by Close
	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeMu   sync.Mutex
	tornDown  bool
	closeErr  error
}

var _ Mirror = (*mirror)(nil)

func newMirror(opts Options) (*mirror, error) {
	if opts.Collection == "" {
		return nil, ErrCollectionRequired
	}
	if opts.Conn == nil && opts.URL == "" {
		return nil, ErrNoConnection
	}

	m := &mirror{
		db:          coalesce(opts.Database, defaultDatabase),
		coll:        opts.Collection,
		url:         opts.URL,
		conn:        opts.Conn,
		hooks:       opts.Hooks,
		local:       opts.Local,
		durability:  opts.Durability,
		ttlIndex:    opts.DocumentTTL,
		fetchAll:    opts.FetchAll,
		monitor:     opts.MonitorChanges,
		rehydrate:   opts.RehydrateOnUpdate,
		initTimeout: opts.InitTimeout,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	if m.local == nil {
		m.local = local.NewMap()
	}
	// Hooks and Logger may hold uncomparable values, which coalesce cannot compare
	if m.hooks == nil {
		m.hooks = NopHooks{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = NopLogger{}
	}
	m.log = withFields(logger, Fields{
		"database":   m.db,
		"collection": m.coll,
	})
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.w = newWriter(m, writerConfig{
		shards:  coalesce(opts.WriteWorkers, defaultWriteWorkers),
		queue:   coalesce(opts.WriteQueue, defaultWriteQueue),
		timeout: coalesce(opts.WriteTimeout, defaultWriteTimeout),
	})
	m.feed = newFeed(m, feedConfig{
		resubscribe: opts.Resubscribe,
		maxInterval: coalesce(opts.ResubscribeMaxInterval, defaultResubscribeMaxInterval),
		maxElapsed:  opts.ResubscribeMaxElapsed,
	})

	go m.init()
	return m, nil
}

func (m *mirror) init() {
	defer close(m.done)

	ctx := m.ctx
	if m.initTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.initTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := m.initialize(ctx); err != nil {
		m.initErr = err
		m.log.Error("initialization failed", Fields{"err": err})
		return
	}
	close(m.ready)
	m.log.Info("ready", Fields{
		"entries":  m.local.Len(),
		"feed":     m.feed.State().String(),
		"duration": time.Since(start).String(),
	})
}

// initialize runs connect -> TTL index -> subscribe -> bootstrap -> start feed.
// The feed subscribes before the bootstrap scan so no mutation between the two is
// lost; events queued meanwhile are applied on top of the scanned state.
func (m *mirror) initialize(ctx context.Context) error {
	if m.conn == nil {
		conn, err := store.Dial(ctx, m.url)
		if err != nil {
			return &ConnectionError{Stage: "dial", Err: err}
		}
		m.conn, m.ownsConn = conn, true
	}
	m.remote = m.conn.Collection(m.db, m.coll)
	m.w.start()

	if m.ttlIndex {
		if err := m.remote.EnsureTTLIndex(ctx); err != nil {
			return &ConnectionError{Stage: "ttl_index", Err: err}
		}
	}

	var stream store.ChangeStream
	if m.monitor {
		s, err := m.feed.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return &ConnectionError{Stage: "subscribe", Err: err}
			}
			m.feed.failed(err)
		}
		stream = s
	}

	if m.fetchAll {
		if err := m.loadAll(ctx); err != nil {
			if stream != nil {
				m.feed.closeStream(stream)
			}
			return &ConnectionError{Stage: "bootstrap", Err: err}
		}
	}

	if stream != nil {
		m.feed.start(stream)
	} else if m.monitor {
		m.feed.startRetry()
	}
	return nil
}

// awaitInit blocks operations that need the remote store until initialization ends.
func (m *mirror) awaitInit(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.initErr != nil {
		return ErrNotReady
	}
	return nil
}

func (m *mirror) Ready() <-chan struct{} { return m.ready }

func (m *mirror) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mirror) Collection() string { return m.coll }

func (m *mirror) FeedState() FeedState { return m.feed.State() }

func (m *mirror) Resubscribe(ctx context.Context) error {
	if err := m.awaitInit(ctx); err != nil {
		return err
	}
	return m.feed.resubscribe(ctx)
}

func (m *mirror) Get(key string) (Document, bool) { return m.local.Get(key) }

func (m *mirror) Has(key string) bool {
	_, ok := m.local.Get(key)
	return ok
}

func (m *mirror) Len() int { return m.local.Len() }

// Keys returns the cached keys in sorted order.
func (m *mirror) Keys() []string {
	keys := make([]string, 0, m.local.Len())
	m.local.Range(func(k string, _ Document) bool {
		keys = append(keys, k)
		return true
	})
	slices.Sort(keys)
	return keys
}

func (m *mirror) Range(fn func(key string, doc Document) bool) { m.local.Range(fn) }

func (m *mirror) All() iter.Seq2[string, Document] {
	return func(yield func(string, Document) bool) {
		m.local.Range(yield)
	}
}

// Close is idempotent once it has completed. If ctx ends while initialization is
// still unwinding, Close returns ctx.Err() and a later call finishes the teardown.
func (m *mirror) Close(ctx context.Context) error {
	m.closed.Store(true)
	m.cancel()

	// init observes the canceled context and returns promptly
	select {
	case <-m.done:
	default:
		select {
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.tornDown {
		return m.closeErr
	}
	m.tornDown = true

	m.feed.stop()
	m.w.stop()

	if m.ownsConn && m.conn != nil {
		if err := m.conn.Close(ctx); err != nil {
			m.closeErr = err
		}
	}
	m.log.Debug("closed", nil)
	return m.closeErr
}
