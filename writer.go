package docmirror

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/docmirror/store"
)

type writeOp uint8

const (
	opSet writeOp = iota
	opDelete
)

func (o writeOp) String() string {
	if o == opDelete {
		return "delete"
	}
	return "set"
}

type writeReq struct {
	op   writeOp
	rec  store.Record
	done chan error // awaited mode only; buffered 1
}

type writerConfig struct {
	shards  int
	queue   int
	timeout time.Duration
}

// writer owns the remote side of Set and Delete. Keys hash onto shards; each shard
// has one FIFO queue drained by one worker, so writes to a key reach the remote store
// in the order they were issued.
type writer struct {
	m      *mirror
	cfg    writerConfig
	shards []*shard
	wg     sync.WaitGroup
}

type shard struct {
	// held across enqueue + local mutation, so local order == queue order
	mu sync.Mutex
	q  chan writeReq

	// generation per key with an awaited write in flight. Every local mutation of
	// such a key bumps it; a failed write reverts only if its generation is current.
	gens map[string]uint64

	// bk guards the write bookkeeping below. The worker takes it without mu, so it
	// is never held while acquiring mu.
	bk      sync.Mutex
	seq     uint64            // bumped per enqueued write
	pending map[string]int    // queued or in-flight writes per key
	last    map[string]uint64 // seq of the key's latest enqueued write
	readers int               // remote reads holding a seq snapshot
}

func newWriter(m *mirror, cfg writerConfig) *writer {
	w := &writer{m: m, cfg: cfg, shards: make([]*shard, cfg.shards)}
	for i := range w.shards {
		w.shards[i] = &shard{
			q:       make(chan writeReq, cfg.queue),
			gens:    make(map[string]uint64),
			pending: make(map[string]int),
			last:    make(map[string]uint64),
		}
	}
	return w
}

func (w *writer) start() {
	w.wg.Add(len(w.shards))
	for _, sh := range w.shards {
		go w.run(sh)
	}
}

// stop waits for the workers; they exit once the mirror context is canceled.
// Queued requests are dropped.
func (w *writer) stop() { w.wg.Wait() }

func (w *writer) shardFor(key string) *shard {
	return w.shards[w.shardIndex(key)]
}

func (w *writer) shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(w.shards)))
}

func (w *writer) run(sh *shard) {
	defer w.wg.Done()
	for {
		select {
		case <-w.m.ctx.Done():
			return
		case req := <-sh.q:
			err := w.exec(req)
			sh.settled(req.rec.Key)
			if req.done != nil {
				req.done <- err
			}
		}
	}
}

func (w *writer) exec(req writeReq) error {
	ctx, cancel := context.WithTimeout(w.m.ctx, w.cfg.timeout)
	defer cancel()

	var err error
	switch req.op {
	case opSet:
		err = w.m.remote.Upsert(ctx, req.rec)
	case opDelete:
		err = w.m.remote.Delete(ctx, req.rec.Key)
	}
	if err == nil || w.m.ctx.Err() != nil {
		return err
	}

	w.m.hooks.RemoteWriteFailed(w.m.coll, req.op.String(), req.rec.Key, err)
	f := Fields{"op": req.op.String(), "key": req.rec.Key, "err": err}
	if req.done == nil {
		// nobody else will hear about it
		w.m.log.Error("remote write failed", f)
	} else {
		w.m.log.Debug("remote write failed", f)
	}
	return err
}

// touchLocked records a local mutation of key made outside an awaited write.
func (sh *shard) touchLocked(key string) {
	if g, ok := sh.gens[key]; ok {
		sh.gens[key] = g + 1
	}
}

func (sh *shard) releaseLocked(key string, gen uint64) {
	if sh.gens[key] == gen {
		delete(sh.gens, key)
	}
}

func (sh *shard) enqueued(key string) {
	sh.bk.Lock()
	sh.seq++
	sh.pending[key]++
	sh.last[key] = sh.seq
	sh.bk.Unlock()
}

func (sh *shard) settled(key string) {
	sh.bk.Lock()
	if n := sh.pending[key] - 1; n > 0 {
		sh.pending[key] = n
	} else {
		delete(sh.pending, key)
		if sh.readers == 0 {
			delete(sh.last, key)
		}
	}
	sh.bk.Unlock()
}

// readSnap is the per-shard write seq observed before a remote read was issued.
type readSnap []uint64

// beginRead snapshots every shard. Until endRead, write bookkeeping is retained so
// fetched records can be checked against writes issued after the read started.
func (w *writer) beginRead() readSnap {
	snap := make(readSnap, len(w.shards))
	for i, sh := range w.shards {
		sh.bk.Lock()
		sh.readers++
		snap[i] = sh.seq
		sh.bk.Unlock()
	}
	return snap
}

func (w *writer) endRead() {
	for _, sh := range w.shards {
		sh.bk.Lock()
		if sh.readers--; sh.readers == 0 {
			for k := range sh.last {
				if sh.pending[k] == 0 {
					delete(sh.last, k)
				}
			}
		}
		sh.bk.Unlock()
	}
}

// supersededLocked reports whether a local write of key is unsettled or was issued
// after the read that observed since. Callers hold mu.
func (sh *shard) supersededLocked(key string, since uint64) bool {
	sh.bk.Lock()
	defer sh.bk.Unlock()
	return sh.pending[key] > 0 || sh.last[key] > since
}

func (m *mirror) Set(ctx context.Context, key string, value Document) error {
	return m.write(ctx, opSet, store.Record{Key: key, Value: value})
}

// SetWithExpiry is Set with a remote expiry. The local entry has no timer: it goes
// away when the store's TTL deletion arrives on the change feed.
func (m *mirror) SetWithExpiry(ctx context.Context, key string, value Document, expireAt time.Time) error {
	return m.write(ctx, opSet, store.Record{Key: key, Value: value, ExpireAt: expireAt})
}

func (m *mirror) Delete(ctx context.Context, key string) error {
	return m.write(ctx, opDelete, store.Record{Key: key})
}

func (m *mirror) write(ctx context.Context, op writeOp, rec store.Record) error {
	if err := m.awaitInit(ctx); err != nil {
		return err
	}
	if op == opSet && rec.Value == nil {
		rec.Value = Document{}
	}

	awaited := m.durability == DurabilityAwaited
	req := writeReq{op: op, rec: rec}
	if awaited {
		req.done = make(chan error, 1)
	}

	sh := m.w.shardFor(rec.Key)
	sh.mu.Lock()
	sh.enqueued(rec.Key)
	select {
	case sh.q <- req:
	case <-ctx.Done():
		sh.settled(rec.Key)
		sh.mu.Unlock()
		return ctx.Err()
	case <-m.ctx.Done():
		sh.settled(rec.Key)
		sh.mu.Unlock()
		return ErrClosed
	}
	prev, hadPrev := m.local.Get(rec.Key)
	switch op {
	case opSet:
		m.local.Put(rec.Key, rec.Value)
	case opDelete:
		m.local.Remove(rec.Key)
	}
	var gen uint64
	if awaited {
		gen = sh.gens[rec.Key] + 1
		sh.gens[rec.Key] = gen
	} else {
		sh.touchLocked(rec.Key)
	}
	sh.mu.Unlock()

	if !awaited {
		return nil
	}

	finish := func(err error) error {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		if err != nil && sh.gens[rec.Key] == gen {
			if hadPrev {
				m.local.Put(rec.Key, prev)
			} else {
				m.local.Remove(rec.Key)
			}
		}
		sh.releaseLocked(rec.Key, gen)
		if err != nil {
			return &WriteError{Op: op.String(), Key: rec.Key, Err: err}
		}
		return nil
	}

	select {
	case err := <-req.done:
		return finish(err)
	case <-ctx.Done():
		// the write is still queued; settle it when it completes
		go func() {
			select {
			case err := <-req.done:
				_ = finish(err)
			case <-m.ctx.Done():
			}
		}()
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
}
