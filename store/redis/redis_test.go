package redis

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/docmirror/codec"
	"github.com/unkn0wn-root/docmirror/internal/wire"
	"github.com/unkn0wn-root/docmirror/store"
)

// newTestConn builds a Conn around a client that is never dialed; only code
// paths that stay off the network are exercised here.
func newTestConn(t *testing.T) *Conn {
	t.Helper()
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })
	c, err := New(Config{Client: rdb, DB: 3})
	require.NoError(t, err)
	return c
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilClient)
}

func TestNewDefaults(t *testing.T) {
	c := newTestConn(t)
	require.IsType(t, codec.JSON[store.Document]{}, c.cfg.Codec)
	require.EqualValues(t, defaultScanCount, c.cfg.ScanCount)
	require.Equal(t, defaultBatch, c.cfg.BatchSize)
}

func TestCollectionKeyLayout(t *testing.T) {
	c := newTestConn(t)
	coll := c.Collection("app", "users").(*Collection)
	require.Equal(t, "app:users:doc:42", coll.key("42"))
}

func TestSplitURLStripsStoreOptions(t *testing.T) {
	clean, cd, notify, err := splitURL("redis://localhost:6379/2?codec=msgpack&notify=true&dial_timeout=3s")
	require.NoError(t, err)
	require.Equal(t, "redis://localhost:6379/2?dial_timeout=3s", clean)
	require.IsType(t, codec.Msgpack[store.Document]{}, cd)
	require.True(t, notify)

	_, _, _, err = splitURL("redis://localhost?codec=xml")
	require.Error(t, err)
	_, _, _, err = splitURL("redis://localhost?notify=maybe")
	require.Error(t, err)
}

func TestDecodeEnvelope(t *testing.T) {
	c := newTestConn(t)
	coll := c.Collection("app", "users").(*Collection)

	payload, err := c.cfg.Codec.Encode(store.Document{"name": "ada"})
	require.NoError(t, err)
	rec, err := coll.decode("u1", wire.EncodeRecord(time.Time{}, payload))
	require.NoError(t, err)
	require.Equal(t, "u1", rec.Key)
	require.Equal(t, store.Document{"name": "ada"}, rec.Value)
	require.True(t, rec.ExpireAt.IsZero())

	_, err = coll.decode("u1", []byte("plain"))
	require.ErrorIs(t, err, wire.ErrCorrupt)
}

func TestMaxValueSizeRejectsLargePayloads(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })
	c, err := New(Config{Client: rdb, MaxValueSize: 16})
	require.NoError(t, err)
	coll := c.Collection("app", "users").(*Collection)

	small, err := c.cfg.Codec.Encode(store.Document{"a": 1.0})
	require.NoError(t, err)
	_, err = coll.decode("k", wire.EncodeRecord(time.Time{}, small))
	require.NoError(t, err)

	big, err := c.cfg.Codec.Encode(store.Document{"name": "a value well past sixteen bytes"})
	require.NoError(t, err)
	_, err = coll.decode("k", wire.EncodeRecord(time.Time{}, big))
	require.ErrorIs(t, err, codec.ErrTooLarge)
}

func TestTranslateKeyspaceNotifications(t *testing.T) {
	c := newTestConn(t)
	coll := c.Collection("app", "users").(*Collection)
	s := &stream{coll: coll, trimmed: "__keyspace@3__:" + coll.prefix}
	ctx := context.Background()

	for _, payload := range []string{"del", "expired", "evicted"} {
		ev, ok, err := s.translate(ctx, &goredis.Message{
			Channel: "__keyspace@3__:app:users:doc:u7",
			Payload: payload,
		})
		require.NoError(t, err)
		require.True(t, ok, payload)
		require.Equal(t, store.OpDelete, ev.Op)
		require.Equal(t, "u7", ev.Key)
	}

	_, ok, err := s.translate(ctx, &goredis.Message{
		Channel: "__keyspace@3__:app:users:doc:u7",
		Payload: "expire",
	})
	require.NoError(t, err)
	require.False(t, ok, "setting a TTL is not a document change")

	_, ok, err = s.translate(ctx, &goredis.Message{
		Channel: "__keyspace@3__:app:orders:doc:u7",
		Payload: "del",
	})
	require.NoError(t, err)
	require.False(t, ok, "other collections are ignored")
}

// cannedRedis answers GET, MGET and SCAN from a map without touching the network.
type cannedRedis struct {
	vals map[string]string
}

func (h cannedRedis) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("cannedRedis: no network")
	}
}

func (h cannedRedis) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		args := cmd.Args()
		switch c := cmd.(type) {
		case *goredis.StringCmd:
			v, ok := h.vals[args[1].(string)]
			if !ok {
				c.SetErr(goredis.Nil)
				return goredis.Nil
			}
			c.SetVal(v)
		case *goredis.SliceCmd:
			out := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				if v, ok := h.vals[a.(string)]; ok {
					out = append(out, v)
				} else {
					out = append(out, nil)
				}
			}
			c.SetVal(out)
		case *goredis.ScanCmd:
			keys := make([]string, 0, len(h.vals))
			for k := range h.vals {
				keys = append(keys, k)
			}
			c.SetVal(keys, 0)
		default:
			return errors.New("cannedRedis: unsupported " + cmd.Name())
		}
		return nil
	}
}

func (h cannedRedis) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return next
}

type decodeFailures struct {
	mu   sync.Mutex
	keys []string
}

func (d *decodeFailures) record(key string, _ error) {
	d.mu.Lock()
	d.keys = append(d.keys, key)
	d.mu.Unlock()
}

func (d *decodeFailures) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.keys...)
}

func TestUndecodableValuesAreSkippedAndReported(t *testing.T) {
	ctx := context.Background()
	payload, err := codec.JSON[store.Document]{}.Encode(store.Document{"name": "ada"})
	require.NoError(t, err)
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })
	rdb.AddHook(cannedRedis{vals: map[string]string{
		"app:users:doc:good": string(wire.EncodeRecord(time.Time{}, payload)),
		"app:users:doc:bad":  "plain",
	}})

	var failed decodeFailures
	c, err := New(Config{Client: rdb, DB: 3, OnDecodeError: failed.record})
	require.NoError(t, err)
	coll := c.Collection("app", "users").(*Collection)

	recs, err := coll.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "good", recs[0].Key)
	require.Equal(t, []string{"bad"}, failed.list())

	recs, err = coll.GetMany(ctx, []string{"bad", "good", "missing"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "good", recs[0].Key)

	_, ok, err := coll.Get(ctx, "bad")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"bad", "bad", "bad"}, failed.list())

	// the feed turns an undecodable set into a delete instead of failing
	s := &stream{coll: coll, trimmed: "__keyspace@3__:" + coll.prefix}
	ev, ok, err := s.translate(ctx, &goredis.Message{
		Channel: "__keyspace@3__:app:users:doc:bad",
		Payload: "set",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.Event{Op: store.OpDelete, Key: "bad"}, ev)

	ev, ok, err = s.translate(ctx, &goredis.Message{
		Channel: "__keyspace@3__:app:users:doc:good",
		Payload: "set",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.OpReplace, ev.Op)
	require.Equal(t, store.Document{"name": "ada"}, ev.Value)
}

func TestDecodeValuesSkipsUnexpectedTypes(t *testing.T) {
	var failed decodeFailures
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })
	c, err := New(Config{Client: rdb, OnDecodeError: failed.record})
	require.NoError(t, err)
	coll := c.Collection("app", "users").(*Collection)

	out := coll.decodeValues(nil,
		[]string{"app:users:doc:a", "app:users:doc:b", "app:users:doc:c"},
		[]any{nil, int64(7), []byte("junk")})
	require.Empty(t, out)
	require.Equal(t, []string{"b", "c"}, failed.list())
}
