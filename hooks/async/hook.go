// Package asynchook moves hook delivery off the feed and write paths.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    AppliedEvery: 100, // sample logs: ~every 100th applied event
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	m, _ := docmirror.New(docmirror.Options{
//	    URL:        "mongodb://localhost:27017",
//	    Collection: "sessions",
//	    Hooks:      hooks, // or `raw` if you don't want async
//	})
//
// Events are dropped when the queue is full; Dropped reports how many.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/docmirror"
)

type Hooks struct {
	inner   docmirror.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64

	mu     sync.RWMutex // guards closed against sends on a closed q
	closed bool
}

var _ docmirror.Hooks = (*Hooks)(nil)

func New(inner docmirror.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports events lost to a full queue or a closed Hooks.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) EventApplied(c, op string) { h.try(func() { h.inner.EventApplied(c, op) }) }
func (h *Hooks) FeedStopped(c string, err error) {
	h.try(func() { h.inner.FeedStopped(c, err) })
}
func (h *Hooks) FeedResubscribed(c string, n int) {
	h.try(func() { h.inner.FeedResubscribed(c, n) })
}
func (h *Hooks) MergeDropped(c, k, r string) {
	h.try(func() { h.inner.MergeDropped(c, k, r) })
}
func (h *Hooks) RemoteWriteFailed(c, op, k string, err error) {
	h.try(func() { h.inner.RemoteWriteFailed(c, op, k, err) })
}
