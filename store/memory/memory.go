// Package memory is an in-process store.Conn.
//
// It behaves like a document store with a change feed: every Upsert, Delete, Update
// and TTL expiry is published to watchers in commit order, each event carrying a
// resume token. It backs tests and single-process setups, and registers the "mem"
// URL scheme: mem://<name> resolves to a process-wide connection shared by name.
package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/unkn0wn-root/docmirror/internal/docpath"
	"github.com/unkn0wn-root/docmirror/store"
)

// Fault names an operation that can be made to fail or block.
type Fault string

const (
	FaultGet      Fault = "get"
	FaultGetMany  Fault = "get_many"
	FaultScan     Fault = "scan"
	FaultUpsert   Fault = "upsert"
	FaultDelete   Fault = "delete"
	FaultWatch    Fault = "watch"
	FaultTTLIndex Fault = "ttl_index"
	FaultPing     Fault = "ping"
)

// DefaultHistory is the number of events kept for resuming watchers.
const DefaultHistory = 1024

var (
	ErrClosed       = errors.New("memory: connection closed")
	ErrTokenExpired = fmt.Errorf("memory: resume token is older than retained history: %w", store.ErrResumeTokenExpired)
	ErrBadToken     = fmt.Errorf("memory: malformed resume token: %w", store.ErrResumeTokenExpired)
)

func init() {
	store.Register("mem", dialShared)
}

// Conn is a set of in-memory collections.
type Conn struct {
	mu      sync.Mutex
	colls   map[string]*Collection
	closed  bool
	history int
	now     func() time.Time

	stopSweep chan struct{}
	sweepWg   sync.WaitGroup
}

var _ store.Conn = (*Conn)(nil)

// Option tunes a Conn.
type Option func(*Conn)

// WithHistory sets how many events each collection keeps for resuming watchers.
func WithHistory(n int) Option { return func(c *Conn) { c.history = n } }

// WithClock replaces time.Now for TTL sweeps.
func WithClock(now func() time.Time) Option { return func(c *Conn) { c.now = now } }

// WithSweepInterval starts a background sweeper that expires TTL records, the way a
// store's TTL monitor does.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Conn) {
		if d <= 0 {
			return
		}
		c.stopSweep = make(chan struct{})
		c.sweepWg.Add(1)
		go c.sweepLoop(d)
	}
}

func New(opts ...Option) *Conn {
	c := &Conn{
		colls:   make(map[string]*Collection),
		history: DefaultHistory,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Collection returns the collection for (database, name), creating it on first use.
func (c *Conn) Collection(database, name string) store.Collection {
	return c.Coll(database, name)
}

// Coll is Collection with the concrete type, for tests that drive the store directly.
func (c *Conn) Coll(database, name string) *Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := database + "." + name
	if coll, ok := c.colls[id]; ok {
		return coll
	}
	coll := &Collection{
		conn:    c,
		recs:    make(map[string]store.Record),
		subs:    make(map[*stream]struct{}),
		faults:  make(map[Fault]error),
		holds:   make(map[Fault]chan struct{}),
		history: c.history,
	}
	c.colls[id] = coll
	return coll
}

func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Close ends every open stream. Records are kept.
func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	colls := make([]*Collection, 0, len(c.colls))
	for _, coll := range c.colls {
		colls = append(colls, coll)
	}
	stop := c.stopSweep
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		c.sweepWg.Wait()
	}
	for _, coll := range colls {
		coll.endStreams(ErrStreamClosedByConn)
	}
	return nil
}

// ErrStreamClosedByConn ends streams whose connection was closed.
var ErrStreamClosedByConn = fmt.Errorf("%w: connection closed", store.ErrStreamClosed)

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sweep expires TTL records in every TTL-indexed collection and returns how many
// were removed.
func (c *Conn) Sweep() int {
	c.mu.Lock()
	colls := make([]*Collection, 0, len(c.colls))
	for _, coll := range c.colls {
		colls = append(colls, coll)
	}
	now := c.now()
	c.mu.Unlock()

	n := 0
	for _, coll := range colls {
		n += coll.Sweep(now)
	}
	return n
}

func (c *Conn) sweepLoop(d time.Duration) {
	defer c.sweepWg.Done()
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Sweep()
		case <-c.stopSweep:
			return
		}
	}
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*sharedConn{}
)

type sharedConn struct {
	*Conn
	refs int
}

// Shared returns the process-wide Conn registered under name, creating it on first use.
// mem://<name> URLs dial the same Conn. A Conn created by Shared stays registered
// until ForgetShared, however many dialed handles are closed.
func Shared(name string) *Conn {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sc, ok := shared[name]
	if !ok {
		sc = &sharedConn{Conn: New(), refs: 1}
		shared[name] = sc
	}
	return sc.Conn
}

// ForgetShared drops the shared Conn registered under name without closing it.
func ForgetShared(name string) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	delete(shared, name)
}

// dialed is what a mem:// Dial hands out: closing it releases one reference, and
// the shared Conn is closed when the last reference goes.
type dialed struct {
	*Conn
	name string
	once sync.Once
}

func (d *dialed) Close(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		sharedMu.Lock()
		sc, ok := shared[d.name]
		last := false
		if ok && sc.Conn == d.Conn {
			sc.refs--
			last = sc.refs <= 0
			if last {
				delete(shared, d.name)
			}
		}
		sharedMu.Unlock()
		if last {
			err = d.Conn.Close(ctx)
		}
	})
	return err
}

func dialShared(_ context.Context, rawURL string) (store.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	name := u.Host + u.Path
	if name == "" {
		name = "default"
	}
	sharedMu.Lock()
	sc, ok := shared[name]
	if !ok {
		sc = &sharedConn{Conn: New()}
		shared[name] = sc
	}
	if sc.isClosed() {
		sharedMu.Unlock()
		return nil, ErrClosed
	}
	sc.refs++
	sharedMu.Unlock()
	return &dialed{Conn: sc.Conn, name: name}, nil
}

func encodeToken(seq uint64) store.ResumeToken {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func decodeToken(t store.ResumeToken) (uint64, error) {
	if len(t) != 8 {
		return 0, ErrBadToken
	}
	return binary.BigEndian.Uint64(t), nil
}

// keep stored documents independent of caller-owned maps
func cloneRecord(r store.Record) store.Record {
	r.Value = docpath.Clone(r.Value)
	return r
}
