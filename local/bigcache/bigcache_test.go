package bigcache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/docmirror/codec"
	"github.com/unkn0wn-root/docmirror/local"
	"github.com/unkn0wn-root/docmirror/store"
)

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRemove(t *testing.T) {
	s := newStore(t, Config{})

	_, ok := s.Get("a")
	require.False(t, ok)

	s.Put("a", store.Document{"name": "ada", "tags": []any{"x", "y"}})
	doc, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, store.Document{"name": "ada", "tags": []any{"x", "y"}}, doc)
	require.Equal(t, 1, s.Len())

	s.Remove("a")
	s.Remove("a")
	_, ok = s.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	s := newStore(t, Config{})
	s.Put("a", store.Document{"n": "1"})

	doc, _ := s.Get("a")
	doc["n"] = "changed"

	again, _ := s.Get("a")
	require.Equal(t, "1", again["n"])
}

func TestMerge(t *testing.T) {
	s := newStore(t, Config{Codec: codec.JSON[store.Document]{}})

	require.ErrorIs(t, s.Merge("ghost", map[string]any{"a": "b"}, nil), local.ErrNoBase)

	s.Put("u", store.Document{"profile": map[string]any{"city": "Oslo"}, "nick": "x"})
	require.NoError(t, s.Merge("u", map[string]any{"profile.city": "Bergen"}, []string{"nick"}))
	doc, _ := s.Get("u")
	require.Equal(t, store.Document{"profile": map[string]any{"city": "Bergen"}}, doc)

	err := s.Merge("u", map[string]any{"profile.city.zip": "5003"}, nil)
	require.ErrorIs(t, err, local.ErrPathConflict)
	doc, _ = s.Get("u")
	require.Equal(t, store.Document{"profile": map[string]any{"city": "Bergen"}}, doc, "conflict leaves the entry intact")
}

func TestRange(t *testing.T) {
	s := newStore(t, Config{})
	s.Put("a", store.Document{"v": "a"})
	s.Put("b", store.Document{"v": "b"})

	seen := map[string]string{}
	s.Range(func(k string, d store.Document) bool {
		seen[k] = d["v"].(string)
		return true
	})
	require.Equal(t, map[string]string{"a": "a", "b": "b"}, seen)

	n := 0
	s.Range(func(string, store.Document) bool { n++; return false })
	require.Equal(t, 1, n)
}

type failingCodec struct{ codec.Codec[store.Document] }

func (failingCodec) Encode(store.Document) ([]byte, error) { return nil, errors.New("nope") }

func TestPutEncodeErrorReported(t *testing.T) {
	var gotKey string
	s := newStore(t, Config{
		Codec:   failingCodec{codec.JSON[store.Document]{}},
		OnError: func(key string, _ error) { gotKey = key },
	})
	s.Put("k", store.Document{"a": "b"})
	require.Equal(t, "k", gotKey)
	_, ok := s.Get("k")
	require.False(t, ok)
}
