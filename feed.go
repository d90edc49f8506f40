package docmirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/unkn0wn-root/docmirror/local"
	"github.com/unkn0wn-root/docmirror/store"
)

const streamCloseTimeout = 5 * time.Second

type feedConfig struct {
	resubscribe bool
	maxInterval time.Duration
	maxElapsed  time.Duration
}

// feed is the change stream reader. One goroutine at most consumes the stream and
// applies events, so events of a key are applied in commit order.
type feed struct {
	m     *mirror
	cfg   feedConfig
	state atomic.Uint32

	// startMu serializes starting the reader against stop
	startMu sync.Mutex
	stopped bool

	mu     sync.Mutex
	token  store.ResumeToken // position after the last applied event
	cancel context.CancelFunc
	done   chan struct{} // closed when the reader goroutine exits
}

func newFeed(m *mirror, cfg feedConfig) *feed {
	return &feed{m: m, cfg: cfg}
}

func (f *feed) State() FeedState { return FeedState(f.state.Load()) }

func (f *feed) setState(s FeedState) { f.state.Store(uint32(s)) }

// open subscribes after the last applied event.
func (f *feed) open(ctx context.Context) (store.ChangeStream, error) {
	f.setState(FeedSubscribing)
	s, err := f.watch(ctx)
	if err != nil {
		f.setState(FeedStopped)
		return nil, err
	}
	return s, nil
}

// watch resumes from the stored token. A token the store reports as expired is
// dropped: the feed restarts from now and, with FetchAll, rescans to catch up.
// Deletes that happened in the gap are not recovered by the rescan. Any other
// error keeps the token for the next attempt.
func (f *feed) watch(ctx context.Context) (store.ChangeStream, error) {
	f.mu.Lock()
	tok := f.token
	f.mu.Unlock()

	s, err := f.m.remote.Watch(ctx, tok)
	if err == nil || tok == nil || ctx.Err() != nil || !errors.Is(err, store.ErrResumeTokenExpired) {
		return s, err
	}
	f.m.log.Warn("resume token rejected, subscribing from now", Fields{"err": err})
	s, err = f.m.remote.Watch(ctx, nil)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.token = nil
	f.mu.Unlock()
	if f.m.fetchAll {
		if err := f.m.loadAll(ctx); err != nil {
			f.closeStream(s)
			return nil, err
		}
	}
	return s, nil
}

func (f *feed) failed(err error) {
	f.m.log.Error("change feed stopped", Fields{"err": err})
	f.m.hooks.FeedStopped(f.m.coll, err)
}

// start runs the reader on an opened stream.
func (f *feed) start(s store.ChangeStream) {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.stopped {
		f.closeStream(s)
		return
	}
	f.launchLocked(func(ctx context.Context) { f.loop(ctx, s) })
}

// startRetry runs the reader after a failed first subscription, if resubscribing
// is enabled.
func (f *feed) startRetry() {
	if !f.cfg.resubscribe {
		return
	}
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.stopped {
		return
	}
	f.launchLocked(func(ctx context.Context) {
		if s, ok := f.retry(ctx); ok {
			f.loop(ctx, s)
		}
	})
}

func (f *feed) launchLocked(run func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(f.m.ctx)
	done := make(chan struct{})
	f.mu.Lock()
	f.cancel, f.done = cancel, done
	f.mu.Unlock()
	go func() {
		defer close(done)
		defer cancel()
		run(ctx)
	}()
}

func (f *feed) running() bool {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (f *feed) resubscribe(ctx context.Context) error {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.stopped {
		return ErrClosed
	}
	if f.running() {
		return ErrFeedRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(f.m.ctx, cancel)
	defer unhook()

	s, err := f.open(ctx)
	if err != nil {
		return err
	}
	f.launchLocked(func(ctx context.Context) { f.loop(ctx, s) })
	f.m.log.Info("change feed resubscribed", nil)
	return nil
}

// stop cancels the reader and waits for it to exit. No event is applied afterwards.
func (f *feed) stop() {
	f.startMu.Lock()
	f.stopped = true
	f.startMu.Unlock()

	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	f.setState(FeedStopped)
}

func (f *feed) loop(ctx context.Context, s store.ChangeStream) {
	for {
		f.setState(FeedStreaming)
		err := f.consume(ctx, s)
		f.setState(FeedStopped)
		if ctx.Err() != nil {
			return
		}
		f.failed(err)
		if !f.cfg.resubscribe {
			return
		}
		var ok bool
		if s, ok = f.retry(ctx); !ok {
			return
		}
	}
}

func (f *feed) consume(ctx context.Context, s store.ChangeStream) error {
	defer f.closeStream(s)
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		f.apply(ctx, ev)
	}
}

func (f *feed) retry(ctx context.Context) (store.ChangeStream, bool) {
	f.setState(FeedSubscribing)

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = f.cfg.maxInterval

	attempts := 0
	s, err := backoff.Retry(ctx,
		func() (store.ChangeStream, error) {
			attempts++
			return f.watch(ctx)
		},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(f.cfg.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.m.log.Warn("resubscribe failed", Fields{
				"attempt":  attempts,
				"retry_in": next.String(),
				"err":      err,
			})
		}),
	)
	if err != nil {
		f.setState(FeedStopped)
		if ctx.Err() == nil {
			f.m.log.Error("giving up on change feed", Fields{"attempts": attempts, "err": err})
			f.m.hooks.FeedStopped(f.m.coll, err)
		}
		return nil, false
	}
	f.m.hooks.FeedResubscribed(f.m.coll, attempts)
	f.m.log.Info("change feed resubscribed", Fields{"attempts": attempts})
	return s, true
}

func (f *feed) closeStream(s store.ChangeStream) {
	ctx, cancel := context.WithTimeout(context.Background(), streamCloseTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		f.m.log.Debug("closing change stream", Fields{"err": err})
	}
}

func (f *feed) apply(ctx context.Context, ev store.Event) {
	m := f.m
	switch ev.Op {
	case store.OpInsert, store.OpReplace:
		m.put(ev.Key, ev.Value)
	case store.OpDelete:
		m.remove(ev.Key)
	case store.OpUpdate:
		f.merge(ctx, ev)
	default:
		m.log.Debug("ignoring change event", Fields{"op": ev.Op.String(), "key": ev.Key})
	}
	if ev.Token != nil {
		f.mu.Lock()
		f.token = ev.Token
		f.mu.Unlock()
	}
	m.hooks.EventApplied(m.coll, ev.Op.String())
}

func (f *feed) merge(ctx context.Context, ev store.Event) {
	m := f.m
	sh := m.w.shardFor(ev.Key)
	sh.mu.Lock()
	err := m.local.Merge(ev.Key, ev.Updated, ev.Removed)
	if err == nil {
		sh.touchLocked(ev.Key)
	}
	sh.mu.Unlock()
	if err == nil {
		return
	}

	reason := "path_conflict"
	if errors.Is(err, local.ErrNoBase) {
		reason = "no_base"
	}
	if m.rehydrate {
		rec, ok, gerr := m.remote.Get(ctx, ev.Key)
		switch {
		case gerr != nil:
			m.log.Warn("rehydrate failed", Fields{"key": ev.Key, "err": gerr})
		case ok:
			m.put(rec.Key, rec.Value)
			return
		default:
			// deleted since; its delete event follows
			m.remove(ev.Key)
			return
		}
	}
	m.hooks.MergeDropped(m.coll, ev.Key, reason)
	m.log.Debug("update dropped", Fields{"key": ev.Key, "reason": reason, "err": err})
}
