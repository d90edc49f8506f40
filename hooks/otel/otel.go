// Package otelhooks records mirror events as OpenTelemetry counters.
package otelhooks

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/docmirror"
)

type Hooks struct {
	applied      metric.Int64Counter
	dropped      metric.Int64Counter
	writeFailed  metric.Int64Counter
	feedStopped  metric.Int64Counter
	resubscribed metric.Int64Counter
}

var _ docmirror.Hooks = (*Hooks)(nil)

func New(meter metric.Meter) (*Hooks, error) {
	var (
		h   Hooks
		err error
	)
	if h.applied, err = meter.Int64Counter("docmirror.events.applied",
		metric.WithDescription("Change feed events applied to the local copy"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if h.dropped, err = meter.Int64Counter("docmirror.merges.dropped",
		metric.WithDescription("Update events that could not be merged"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if h.writeFailed, err = meter.Int64Counter("docmirror.remote_writes.failed",
		metric.WithDescription("Remote writes the store rejected"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}
	if h.feedStopped, err = meter.Int64Counter("docmirror.feed.stops",
		metric.WithDescription("Change feed stops on error"),
		metric.WithUnit("{stop}"),
	); err != nil {
		return nil, err
	}
	if h.resubscribed, err = meter.Int64Counter("docmirror.feed.resubscribes",
		metric.WithDescription("Successful change feed resubscriptions"),
		metric.WithUnit("{resubscribe}"),
	); err != nil {
		return nil, err
	}
	return &h, nil
}

func coll(c string) attribute.KeyValue { return attribute.String("docmirror.collection", c) }

func (h *Hooks) EventApplied(collection, op string) {
	h.applied.Add(context.Background(), 1, metric.WithAttributes(
		coll(collection), attribute.String("docmirror.op", op)))
}

func (h *Hooks) MergeDropped(collection, _ string, reason string) {
	h.dropped.Add(context.Background(), 1, metric.WithAttributes(
		coll(collection), attribute.String("docmirror.reason", reason)))
}

func (h *Hooks) RemoteWriteFailed(collection, op, _ string, _ error) {
	h.writeFailed.Add(context.Background(), 1, metric.WithAttributes(
		coll(collection), attribute.String("docmirror.op", op)))
}

func (h *Hooks) FeedStopped(collection string, _ error) {
	h.feedStopped.Add(context.Background(), 1, metric.WithAttributes(coll(collection)))
}

func (h *Hooks) FeedResubscribed(collection string, _ int) {
	h.resubscribed.Add(context.Background(), 1, metric.WithAttributes(coll(collection)))
}
