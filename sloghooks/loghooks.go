package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/docmirror"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	AppliedEvery uint64
	DroppedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	appliedCtr atomic.Uint64
	droppedCtr atomic.Uint64
}

var _ docmirror.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) EventApplied(collection, op string) {
	if h.l == nil || !sample(h.opts.AppliedEvery, &h.appliedCtr) {
		return
	}
	h.l.Debug("docmirror.event_applied",
		"collection", collection,
		"op", op)
}

func (h *Hooks) MergeDropped(collection, key, reason string) {
	if h.l == nil || !sample(h.opts.DroppedEvery, &h.droppedCtr) {
		return
	}
	h.l.Info("docmirror.merge_dropped",
		"collection", collection,
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) RemoteWriteFailed(collection, op, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("docmirror.remote_write_failed",
		"collection", collection,
		"op", op,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) FeedStopped(collection string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("docmirror.feed_stopped",
		"collection", collection,
		"err", err)
}

func (h *Hooks) FeedResubscribed(collection string, attempts int) {
	if h.l == nil {
		return
	}
	h.l.Info("docmirror.feed_resubscribed",
		"collection", collection,
		"attempts", attempts)
}
