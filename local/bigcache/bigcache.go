// Package bigcache keeps the local copy off the Go heap in an allegro/bigcache
// instance. Documents are stored codec-encoded, so every Get decodes a fresh copy;
// it trades read cost for GC pressure on very large collections.
package bigcache

import (
	"context"
	"errors"
	"math"
	"sync"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/docmirror/codec"
	"github.com/unkn0wn-root/docmirror/internal/docpath"
	"github.com/unkn0wn-root/docmirror/local"
	"github.com/unkn0wn-root/docmirror/store"
)

// entries must never age out: the local copy is a projection, not a cache
const forever = math.MaxInt64

type Config struct {
	Shards             int
	MaxEntriesInWindow int
	MaxEntrySize       int
	// Codec encodes documents. Default: msgpack.
	Codec codec.Codec[store.Document]
	// OnError observes entries that could not be encoded or stored. Put has no error
	// return; the key is left absent when this fires.
	OnError func(key string, err error)
}

type Store struct {
	c     *bc.BigCache
	codec codec.Codec[store.Document]
	onErr func(string, error)

	mu sync.Mutex // serializes mutations so Merge is read-modify-write atomic
}

var _ local.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	conf := bc.DefaultConfig(forever)
	conf.CleanWindow = 0
	conf.HardMaxCacheSize = 0
	conf.Verbose = false
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	s := &Store{c: c, codec: cfg.Codec, onErr: cfg.OnError}
	if s.codec == nil {
		s.codec = codec.Msgpack[store.Document]{}
	}
	if s.onErr == nil {
		s.onErr = func(string, error) {}
	}
	return s, nil
}

func (s *Store) Get(key string) (store.Document, bool) {
	b, err := s.c.Get(key)
	if err != nil {
		return nil, false
	}
	doc, err := s.codec.Decode(b)
	if err != nil {
		s.onErr(key, err)
		return nil, false
	}
	return doc, true
}

func (s *Store) Put(key string, doc store.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, doc)
}

func (s *Store) putLocked(key string, doc store.Document) {
	b, err := s.codec.Encode(doc)
	if err == nil {
		err = s.c.Set(key, b)
	}
	if err != nil {
		_ = s.c.Delete(key)
		s.onErr(key, err)
	}
}

func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		s.onErr(key, err)
	}
}

func (s *Store) Merge(key string, updated map[string]any, removed []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.Get(key)
	if !ok {
		return local.ErrNoBase
	}
	next, err := docpath.Apply(cur, updated, removed)
	if err != nil {
		return err
	}
	s.putLocked(key, next)
	return nil
}

func (s *Store) Len() int { return s.c.Len() }

func (s *Store) Range(fn func(key string, doc store.Document) bool) {
	it := s.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		doc, err := s.codec.Decode(e.Value())
		if err != nil {
			s.onErr(e.Key(), err)
			continue
		}
		if !fn(e.Key(), doc) {
			return
		}
	}
}

// Close releases the bigcache instance.
func (s *Store) Close() error { return s.c.Close() }
