// Package redis stores mirrored collections in Redis.
//
// Each record lives in a string key "<database>:<collection>:doc:<key>" holding a
// wire-framed envelope (expiry + codec payload). Expiry is native: records get
// PEXPIREAT, so Redis deletes them on its own. The change feed is built on keyspace
// notifications: "set" becomes a Replace event carrying the freshly read document,
// "del", "expired" and "evicted" become Delete events. Notifications require
// notify-keyspace-events to include at least "Kg$xe"; Config.ConfigureNotifications
// sets it on Watch.
//
// Keyspace notifications are fire-and-forget on the server side: events published
// while no subscriber is connected are lost and resume tokens are not supported.
//
// A stored value that cannot be decoded (written by another client, another codec,
// or truncated) is treated as absent and reported through Config.OnDecodeError. It
// never fails a batch read or stops the change feed.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/docmirror/codec"
	"github.com/unkn0wn-root/docmirror/internal/wire"
	"github.com/unkn0wn-root/docmirror/store"
)

var ErrNilClient = errors.New("redis store: nil client")

// NotifyFlags is the notify-keyspace-events value the feed needs.
const NotifyFlags = "Kg$xe"

const (
	defaultScanCount = 512
	defaultBatch     = 256
)

func init() {
	store.Register("redis", Dial)
	store.Register("rediss", Dial)
}

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this store exclusively owns the client

	// DB is the logical database the client talks to; it selects the keyspace
	// notification channel.
	DB int
	// Codec encodes documents. Default: JSON.
	Codec codec.Codec[store.Document]
	// ConfigureNotifications issues CONFIG SET notify-keyspace-events on Watch.
	// Managed Redis offerings often forbid CONFIG; leave it off there and configure
	// the server instead.
	ConfigureNotifications bool
	// ScanCount is the COUNT hint for SCAN. Default 512.
	ScanCount int64
	// BatchSize bounds the keys per MGET. Default 256.
	BatchSize int
	// MaxValueSize rejects stored payloads larger than this many bytes on read,
	// guarding against oversized records written by other clients. 0 disables.
	MaxValueSize int
	// OnDecodeError is called with the user key of each stored value that failed
	// to decode. The record is skipped.
	OnDecodeError func(key string, err error)
}

// Conn is a store.Conn backed by a go-redis client.
type Conn struct {
	rdb goredis.UniversalClient
	cfg Config
}

var _ store.Conn = (*Conn)(nil)

func New(cfg Config) (*Conn, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON[store.Document]{}
	}
	if cfg.MaxValueSize > 0 {
		cfg.Codec = codec.LimitCodec[store.Document]{Inner: cfg.Codec, MaxDecode: cfg.MaxValueSize}
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = defaultScanCount
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatch
	}
	if cfg.OnDecodeError == nil {
		cfg.OnDecodeError = func(string, error) {}
	}
	return &Conn{rdb: cfg.Client, cfg: cfg}, nil
}

// Dial parses a redis:// or rediss:// URL. Besides the go-redis URL options it
// accepts "codec" (json|cbor|msgpack|protobuf) and "notify" (bool, see
// Config.ConfigureNotifications). The returned Conn owns its client.
func Dial(ctx context.Context, rawURL string) (store.Conn, error) {
	clean, cd, notify, err := splitURL(rawURL)
	if err != nil {
		return nil, err
	}
	opt, err := goredis.ParseURL(clean)
	if err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return New(Config{
		Client:                 rdb,
		CloseClient:            true,
		DB:                     opt.DB,
		Codec:                  cd,
		ConfigureNotifications: notify,
	})
}

// splitURL removes the store's own query options, which go-redis would reject.
func splitURL(rawURL string) (string, codec.Codec[store.Document], bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, false, err
	}
	q := u.Query()
	cd, err := codec.ByName(q.Get("codec"))
	if err != nil {
		return "", nil, false, err
	}
	notify := false
	if s := q.Get("notify"); s != "" {
		if notify, err = strconv.ParseBool(s); err != nil {
			return "", nil, false, fmt.Errorf("redis store: notify: %w", err)
		}
	}
	q.Del("codec")
	q.Del("notify")
	u.RawQuery = q.Encode()
	return u.String(), cd, notify, nil
}

func (c *Conn) Collection(database, name string) store.Collection {
	return &Collection{conn: c, prefix: database + ":" + name + ":doc:"}
}

func (c *Conn) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Close releases the underlying redis client only when this store owns it.
func (c *Conn) Close(context.Context) error {
	if c.cfg.CloseClient {
		if err := c.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

// Collection maps one mirrored collection onto a key prefix.
type Collection struct {
	conn   *Conn
	prefix string
}

var _ store.Collection = (*Collection)(nil)

func (c *Collection) key(k string) string { return c.prefix + k }

func (c *Collection) decode(key string, raw []byte) (store.Record, error) {
	exp, payload, err := wire.DecodeRecord(raw)
	if err != nil {
		return store.Record{}, fmt.Errorf("redis store: %s: %w", key, err)
	}
	doc, err := c.conn.cfg.Codec.Decode(payload)
	if err != nil {
		return store.Record{}, fmt.Errorf("redis store: %s: decode: %w", key, err)
	}
	return store.Record{Key: key, Value: doc, ExpireAt: exp}, nil
}

func (c *Collection) Get(ctx context.Context, key string) (store.Record, bool, error) {
	b, err := c.conn.rdb.Get(ctx, c.key(key)).Bytes()
	if err == goredis.Nil {
		return store.Record{}, false, nil
	}
	if err != nil {
		return store.Record{}, false, err
	}
	rec, err := c.decode(key, b)
	if err != nil {
		c.conn.cfg.OnDecodeError(key, err)
		return store.Record{}, false, nil
	}
	return rec, true, nil
}

func (c *Collection) GetMany(ctx context.Context, keys []string) ([]store.Record, error) {
	seen := make(map[string]struct{}, len(keys))
	uniq := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			uniq = append(uniq, k)
		}
	}
	return c.mget(ctx, uniq, false)
}

// mget reads keys in batches. Keys are user keys unless prefixed is set.
func (c *Collection) mget(ctx context.Context, keys []string, prefixed bool) ([]store.Record, error) {
	out := make([]store.Record, 0, len(keys))
	batch := c.conn.cfg.BatchSize
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		part := keys[start:end]
		storage := make([]string, len(part))
		for i, k := range part {
			if prefixed {
				storage[i] = k
			} else {
				storage[i] = c.key(k)
			}
		}
		vals, err := c.conn.rdb.MGet(ctx, storage...).Result()
		if err != nil {
			return nil, err
		}
		out = c.decodeValues(out, storage, vals)
	}
	return out, nil
}

// decodeValues appends the records of one MGET reply to out. Nil values are
// missing keys; values that fail to decode are reported and skipped.
func (c *Collection) decodeValues(out []store.Record, storage []string, vals []any) []store.Record {
	for i, v := range vals {
		key := strings.TrimPrefix(storage[i], c.prefix)
		var raw []byte
		switch vv := v.(type) {
		case nil:
			continue
		case string:
			raw = []byte(vv)
		case []byte:
			raw = vv
		default:
			c.conn.cfg.OnDecodeError(key, fmt.Errorf("redis store: unexpected MGET value %T", v))
			continue
		}
		rec, err := c.decode(key, raw)
		if err != nil {
			c.conn.cfg.OnDecodeError(key, err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (c *Collection) Scan(ctx context.Context) ([]store.Record, error) {
	var (
		cursor uint64
		keys   []string
	)
	seen := map[string]struct{}{}
	for {
		page, next, err := c.conn.rdb.Scan(ctx, cursor, c.prefix+"*", c.conn.cfg.ScanCount).Result()
		if err != nil {
			return nil, err
		}
		// SCAN may return a key more than once
		for _, k := range page {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return c.mget(ctx, keys, true)
}

func (c *Collection) Upsert(ctx context.Context, rec store.Record) error {
	payload, err := c.conn.cfg.Codec.Encode(rec.Value)
	if err != nil {
		return fmt.Errorf("redis store: %s: encode: %w", rec.Key, err)
	}
	k := c.key(rec.Key)
	b := wire.EncodeRecord(rec.ExpireAt, payload)
	_, err = c.conn.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, k, b, 0)
		if !rec.ExpireAt.IsZero() {
			p.PExpireAt(ctx, k, rec.ExpireAt)
		}
		return nil
	})
	return err
}

func (c *Collection) Delete(ctx context.Context, key string) error {
	return c.conn.rdb.Del(ctx, c.key(key)).Err()
}

// EnsureTTLIndex is a no-op: Redis expires keys natively once PEXPIREAT is set.
func (c *Collection) EnsureTTLIndex(context.Context) error { return nil }

// Watch subscribes to keyspace notifications for this collection's prefix.
// resume is ignored; see the package comment.
func (c *Collection) Watch(ctx context.Context, _ store.ResumeToken) (store.ChangeStream, error) {
	if c.conn.cfg.ConfigureNotifications {
		if err := c.conn.rdb.ConfigSet(ctx, "notify-keyspace-events", NotifyFlags).Err(); err != nil {
			return nil, fmt.Errorf("redis store: enable keyspace notifications: %w", err)
		}
	}
	channelPrefix := fmt.Sprintf("__keyspace@%d__:", c.conn.cfg.DB)
	ps := c.conn.rdb.PSubscribe(ctx, channelPrefix+c.prefix+"*")
	// wait for the subscription confirmation so no event after Watch returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &stream{
		coll:    c,
		ps:      ps,
		ch:      ps.Channel(),
		trimmed: channelPrefix + c.prefix,
	}, nil
}

type stream struct {
	coll    *Collection
	ps      *goredis.PubSub
	ch      <-chan *goredis.Message
	trimmed string
}

func (s *stream) Next(ctx context.Context) (store.Event, error) {
	for {
		var msg *goredis.Message
		select {
		case m, ok := <-s.ch:
			if !ok {
				return store.Event{}, store.ErrStreamClosed
			}
			msg = m
		case <-ctx.Done():
			return store.Event{}, ctx.Err()
		}
		ev, ok, err := s.translate(ctx, msg)
		if err != nil {
			return store.Event{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

// translate maps a keyspace notification to an event. ok is false for
// notifications the feed does not care about (expire, rename, ...).
func (s *stream) translate(ctx context.Context, msg *goredis.Message) (store.Event, bool, error) {
	key, found := strings.CutPrefix(msg.Channel, s.trimmed)
	if !found {
		return store.Event{}, false, nil
	}
	switch msg.Payload {
	case "set":
		rec, ok, err := s.coll.Get(ctx, key)
		if err != nil {
			return store.Event{}, false, err
		}
		if !ok {
			// deleted before we read it, or undecodable: either way not mirrored
			return store.Event{Op: store.OpDelete, Key: key}, true, nil
		}
		return store.Event{Op: store.OpReplace, Key: key, Value: rec.Value}, true, nil
	case "del", "expired", "evicted":
		return store.Event{Op: store.OpDelete, Key: key}, true, nil
	default:
		return store.Event{}, false, nil
	}
}

func (s *stream) Close(context.Context) error {
	return s.ps.Close()
}
