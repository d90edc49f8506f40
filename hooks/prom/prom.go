// Package promhooks counts mirror events as Prometheus metrics.
package promhooks

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/docmirror"
)

type Hooks struct {
	applied      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	writeFailed  *prometheus.CounterVec
	feedStopped  *prometheus.CounterVec
	resubscribed *prometheus.CounterVec
}

var _ docmirror.Hooks = (*Hooks)(nil)

// New registers the counters on reg (prometheus.DefaultRegisterer when nil). Counters
// already registered by an earlier New on the same registry are reused, so several
// mirrors in one process can each call New.
func New(reg prometheus.Registerer, namespace string) (*Hooks, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "docmirror"
	}
	counter := func(name, help string, labels ...string) (*prometheus.CounterVec, error) {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			return existing, nil
		}
		return c, nil
	}

	var (
		h   Hooks
		err error
	)
	if h.applied, err = counter("events_applied_total",
		"Change feed events applied to the local copy", "collection", "op"); err != nil {
		return nil, err
	}
	if h.dropped, err = counter("merges_dropped_total",
		"Update events that could not be merged", "collection", "reason"); err != nil {
		return nil, err
	}
	if h.writeFailed, err = counter("remote_write_failures_total",
		"Remote writes the store rejected", "collection", "op"); err != nil {
		return nil, err
	}
	if h.feedStopped, err = counter("feed_stops_total",
		"Change feed stops on error", "collection"); err != nil {
		return nil, err
	}
	if h.resubscribed, err = counter("feed_resubscribes_total",
		"Successful change feed resubscriptions", "collection"); err != nil {
		return nil, err
	}
	return &h, nil
}

func (h *Hooks) EventApplied(collection, op string) {
	h.applied.WithLabelValues(collection, op).Inc()
}

func (h *Hooks) MergeDropped(collection, _ string, reason string) {
	h.dropped.WithLabelValues(collection, reason).Inc()
}

func (h *Hooks) RemoteWriteFailed(collection, op, _ string, _ error) {
	h.writeFailed.WithLabelValues(collection, op).Inc()
}

func (h *Hooks) FeedStopped(collection string, _ error) {
	h.feedStopped.WithLabelValues(collection).Inc()
}

func (h *Hooks) FeedResubscribed(collection string, _ int) {
	h.resubscribed.WithLabelValues(collection).Inc()
}
