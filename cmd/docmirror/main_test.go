package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/docmirror/store"
	"github.com/unkn0wn-root/docmirror/store/memory"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&app{})
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", "", "--config", "", "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSetGetDelete(t *testing.T) {
	conn := memory.Shared("cli-set-get")
	t.Cleanup(func() {
		memory.ForgetShared("cli-set-get")
		_ = conn.Close(context.Background())
	})
	coll := conn.Coll("docmirror", "users")
	base := []string{"--url", "mem://cli-set-get", "-c", "users"}

	out, err := run(t, append(base, "set", "alice", `{"name":"Alice","age":30}`)...)
	require.NoError(t, err)
	require.Equal(t, "alice\n", out)

	rec, ok, err := coll.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", rec.Value["name"])

	out, err = run(t, append(base, "get", "alice")...)
	require.NoError(t, err)
	var line struct {
		Key   string         `json:"key"`
		Value map[string]any `json:"value"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &line))
	require.Equal(t, "alice", line.Key)
	require.Equal(t, "Alice", line.Value["name"])

	_, err = run(t, append(base, "delete", "alice")...)
	require.NoError(t, err)
	require.Zero(t, coll.Len())

	_, err = run(t, append(base, "get", "alice")...)
	require.ErrorContains(t, err, "not found: alice")
}

func TestSetGeneratesKey(t *testing.T) {
	conn := memory.Shared("cli-uuid")
	t.Cleanup(func() {
		memory.ForgetShared("cli-uuid")
		_ = conn.Close(context.Background())
	})

	out, err := run(t, "--url", "mem://cli-uuid", "-c", "users", "set", "-", `{"x":1}`)
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	require.Len(t, key, 36)
	require.Equal(t, 1, conn.Coll("docmirror", "users").Len())
}

func TestDumpSeveralCollections(t *testing.T) {
	conn := memory.Shared("cli-dump")
	t.Cleanup(func() {
		memory.ForgetShared("cli-dump")
		_ = conn.Close(context.Background())
	})
	ctx := context.Background()
	require.NoError(t, conn.Coll("docmirror", "a").Upsert(ctx, store.Record{Key: "k2", Value: store.Document{"n": 2.0}}))
	require.NoError(t, conn.Coll("docmirror", "a").Upsert(ctx, store.Record{Key: "k1", Value: store.Document{"n": 1.0}}))
	require.NoError(t, conn.Coll("docmirror", "b").Upsert(ctx, store.Record{Key: "k3", Value: store.Document{"n": 3.0}}))

	out, err := run(t, "--url", "mem://cli-dump", "-c", "a", "dump", "a", "b")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, []string{
		`{"key":"a/k1","value":{"n":1}}`,
		`{"key":"a/k2","value":{"n":2}}`,
		`{"key":"b/k3","value":{"n":3}}`,
	}, lines)
}

func TestValidationFails(t *testing.T) {
	_, err := run(t, "--url", "mem://x", "get", "k")
	require.ErrorContains(t, err, "collection is required")
}

func TestWatchRejectsNonPositiveInterval(t *testing.T) {
	for _, every := range []string{"0s", "-1s"} {
		_, err := run(t, "--url", "mem://cli-watch", "-c", "users", "watch", "--every="+every)
		require.ErrorContains(t, err, "--every must be positive", every)
	}
}

func TestParseDoc(t *testing.T) {
	doc, err := parseDoc(`{"a":{"b":[1,2]}}`)
	require.NoError(t, err)
	require.Contains(t, doc, "a")

	_, err = parseDoc(`[1,2]`)
	require.Error(t, err)
	_, err = parseDoc(`null`)
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	require.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	require.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	require.Equal(t, zapcore.InfoLevel, parseLevel(""))
}
