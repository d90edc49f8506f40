package sloghooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newBuf() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &buf, l
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			t.Fatalf("bad json line %q: %v", ln, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRedactsKeys(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{})
	h.MergeDropped("users", "alice@example.com", "no_base")
	h.RemoteWriteFailed("users", "set", "alice@example.com", errors.New("boom"))

	got := lines(t, buf)
	if len(got) != 2 {
		t.Fatalf("want 2 lines, got %d", len(got))
	}
	for _, m := range got {
		if m["key"] == "alice@example.com" {
			t.Fatalf("key not redacted: %v", m)
		}
		if k, _ := m["key"].(string); len(k) != 16 {
			t.Fatalf("unexpected redacted key %q", k)
		}
	}
	if got[0]["msg"] != "docmirror.merge_dropped" || got[0]["reason"] != "no_base" {
		t.Fatalf("unexpected record %v", got[0])
	}
}

func TestCustomRedact(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{Redact: func(string) string { return "***" }})
	h.MergeDropped("users", "k", "path_conflict")
	if got := lines(t, buf); got[0]["key"] != "***" {
		t.Fatalf("got %v", got[0]["key"])
	}
}

func TestSampling(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{AppliedEvery: 3})
	for i := 0; i < 9; i++ {
		h.EventApplied("users", "insert")
	}
	if n := len(lines(t, buf)); n != 3 {
		t.Fatalf("want 3 sampled lines, got %d", n)
	}
}

func TestNilLogger(t *testing.T) {
	h := New(nil, Options{})
	h.EventApplied("c", "insert")
	h.FeedStopped("c", errors.New("x"))
	h.FeedResubscribed("c", 1)
}
