package promhooks

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// counterValue sums every series of the named family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := New(reg, "")
	require.NoError(t, err)

	h.EventApplied("users", "insert")
	h.EventApplied("users", "delete")
	h.MergeDropped("users", "k", "no_base")
	h.RemoteWriteFailed("users", "set", "k", errors.New("x"))
	h.FeedStopped("users", errors.New("x"))
	h.FeedResubscribed("users", 3)

	require.Equal(t, 2.0, counterValue(t, reg, "docmirror_events_applied_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "docmirror_merges_dropped_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "docmirror_remote_write_failures_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "docmirror_feed_stops_total"))
	require.Equal(t, 1.0, counterValue(t, reg, "docmirror_feed_resubscribes_total"))
}

func TestNewReusesRegisteredCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg, "app")
	require.NoError(t, err)
	b, err := New(reg, "app")
	require.NoError(t, err)

	a.EventApplied("c1", "insert")
	b.EventApplied("c2", "insert")
	require.Equal(t, 2.0, counterValue(t, reg, "app_events_applied_total"))
}
