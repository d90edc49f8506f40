package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/docmirror/internal/docpath"
	"github.com/unkn0wn-root/docmirror/store"
)

// Collection is one in-memory record set with a change feed.
type Collection struct {
	conn *Conn

	mu         sync.Mutex
	recs       map[string]store.Record
	ttlIndexed bool
	seq        uint64
	log        []store.Event // last `history` events, for resume
	history    int
	subs       map[*stream]struct{}
	faults     map[Fault]error
	holds      map[Fault]chan struct{}
}

var _ store.Collection = (*Collection)(nil)

// SetFault makes every subsequent op of kind f fail with err. A nil err clears it.
func (c *Collection) SetFault(f Fault, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.faults, f)
		return
	}
	c.faults[f] = err
}

// Hold blocks ops of kind f before they take effect until the returned release
// func is called (or the op's ctx is done).
func (c *Collection) Hold(f Fault) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.holds[f] = ch
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.holds[f] == ch {
				delete(c.holds, f)
			}
			c.mu.Unlock()
			close(ch)
		})
	}
}

// enter runs fault injection for f.
func (c *Collection) enter(ctx context.Context, f Fault) error {
	if c.conn.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	hold := c.holds[f]
	c.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	err := c.faults[f]
	c.mu.Unlock()
	return err
}

func (c *Collection) Get(ctx context.Context, key string) (store.Record, bool, error) {
	if err := c.enter(ctx, FaultGet); err != nil {
		return store.Record{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recs[key]
	if !ok {
		return store.Record{}, false, nil
	}
	return cloneRecord(r), true, nil
}

func (c *Collection) GetMany(ctx context.Context, keys []string) ([]store.Record, error) {
	if err := c.enter(ctx, FaultGetMany); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Record, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if r, ok := c.recs[k]; ok {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (c *Collection) Scan(ctx context.Context) ([]store.Record, error) {
	if err := c.enter(ctx, FaultScan); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Record, 0, len(c.recs))
	for _, r := range c.recs {
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

func (c *Collection) Upsert(ctx context.Context, rec store.Record) error {
	if err := c.enter(ctx, FaultUpsert); err != nil {
		return err
	}
	rec = cloneRecord(rec)
	c.mu.Lock()
	defer c.mu.Unlock()
	op := store.OpReplace
	if _, ok := c.recs[rec.Key]; !ok {
		op = store.OpInsert
	}
	c.recs[rec.Key] = rec
	c.publishLocked(store.Event{Op: op, Key: rec.Key, Value: rec.Value})
	return nil
}

func (c *Collection) Delete(ctx context.Context, key string) error {
	if err := c.enter(ctx, FaultDelete); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
	return nil
}

func (c *Collection) deleteLocked(key string) bool {
	if _, ok := c.recs[key]; !ok {
		return false
	}
	delete(c.recs, key)
	c.publishLocked(store.Event{Op: store.OpDelete, Key: key})
	return true
}

// Update applies a partial update the way another writer's field-level update would,
// publishing an OpUpdate event. It reports whether the key existed.
func (c *Collection) Update(ctx context.Context, key string, set map[string]any, unset []string) (bool, error) {
	if err := c.enter(ctx, FaultUpsert); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recs[key]
	if !ok {
		return false, nil
	}
	next, err := docpath.Apply(r.Value, set, unset)
	if err != nil {
		return true, fmt.Errorf("memory: update %q: %w", key, err)
	}
	r.Value = next
	c.recs[key] = r

	upd := make(map[string]any, len(set))
	for k, v := range set {
		upd[k] = v
	}
	c.publishLocked(store.Event{
		Op:      store.OpUpdate,
		Key:     key,
		Updated: docpath.Clone(upd),
		Removed: append([]string(nil), unset...),
	})
	return true, nil
}

func (c *Collection) EnsureTTLIndex(ctx context.Context) error {
	if err := c.enter(ctx, FaultTTLIndex); err != nil {
		return err
	}
	c.mu.Lock()
	c.ttlIndexed = true
	c.mu.Unlock()
	return nil
}

// TTLIndexed reports whether EnsureTTLIndex has run.
func (c *Collection) TTLIndexed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttlIndexed
}

// Sweep deletes records whose ExpireAt is not after now, publishing a delete event
// for each. Collections without a TTL index keep their records.
func (c *Collection) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ttlIndexed {
		return 0
	}
	n := 0
	for k, r := range c.recs {
		if !r.ExpireAt.IsZero() && !r.ExpireAt.After(now) {
			if c.deleteLocked(k) {
				n++
			}
		}
	}
	return n
}

// Len reports the number of records.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

// Invalidate ends every open stream with store.ErrStreamInvalidated, as a dropped
// collection would.
func (c *Collection) Invalidate() {
	c.endStreams(store.ErrStreamInvalidated)
}

func (c *Collection) publishLocked(ev store.Event) {
	c.seq++
	ev.Token = encodeToken(c.seq)
	if c.history > 0 {
		c.log = append(c.log, ev)
		if over := len(c.log) - c.history; over > 0 {
			c.log = append(c.log[:0:0], c.log[over:]...)
		}
	}
	for s := range c.subs {
		s.push(cloneEvent(ev))
	}
}

func cloneEvent(ev store.Event) store.Event {
	ev.Value = docpath.Clone(ev.Value)
	ev.Updated = docpath.Clone(ev.Updated)
	return ev
}

func (c *Collection) Watch(ctx context.Context, resume store.ResumeToken) (store.ChangeStream, error) {
	if err := c.enter(ctx, FaultWatch); err != nil {
		return nil, err
	}
	s := newStream(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if resume != nil {
		after, err := decodeToken(resume)
		if err != nil {
			return nil, err
		}
		if after < c.seq {
			// oldest retained event must directly follow the token
			if len(c.log) == 0 || tokenSeq(c.log[0]) > after+1 {
				return nil, ErrTokenExpired
			}
			for _, ev := range c.log {
				if tokenSeq(ev) > after {
					s.push(cloneEvent(ev))
				}
			}
		}
	}
	c.subs[s] = struct{}{}
	return s, nil
}

func tokenSeq(ev store.Event) uint64 {
	seq, _ := decodeToken(ev.Token)
	return seq
}

func (c *Collection) endStreams(reason error) {
	c.mu.Lock()
	subs := make([]*stream, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[*stream]struct{})
	c.mu.Unlock()
	for _, s := range subs {
		s.end(reason)
	}
}

func (c *Collection) unsubscribe(s *stream) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

// stream buffers events without bound so publishers never block on slow readers.
type stream struct {
	coll *Collection

	mu     sync.Mutex
	queue  []store.Event
	err    error
	notify chan struct{}
}

func newStream(c *Collection) *stream {
	return &stream{coll: c, notify: make(chan struct{}, 1)}
}

func (s *stream) push(ev store.Event) {
	s.mu.Lock()
	if s.err == nil {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *stream) end(reason error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = reason
	}
	s.mu.Unlock()
	s.wake()
}

func (s *stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *stream) Next(ctx context.Context) (store.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = store.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return store.Event{}, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return store.Event{}, ctx.Err()
		}
	}
}

func (s *stream) Close(context.Context) error {
	s.coll.unsubscribe(s)
	s.mu.Lock()
	s.err = store.ErrStreamClosed
	s.queue = nil
	s.mu.Unlock()
	s.wake()
	return nil
}
