package local

import (
	"sync"

	"github.com/unkn0wn-root/docmirror/internal/docpath"
	"github.com/unkn0wn-root/docmirror/store"
)

// Map is the default Store: a Go map behind a single RWMutex.
//
// Documents handed to Put are owned by the Map afterwards; documents returned by Get
// are shared and must be treated as read-only. Merge is copy-on-write, so a document
// obtained before a merge never changes underneath the caller.
type Map struct {
	mu   sync.RWMutex
	docs map[string]store.Document
}

var _ Store = (*Map)(nil)

func NewMap() *Map {
	return &Map{docs: make(map[string]store.Document)}
}

func (m *Map) Get(key string) (store.Document, bool) {
	m.mu.RLock()
	d, ok := m.docs[key]
	m.mu.RUnlock()
	return d, ok
}

func (m *Map) Put(key string, doc store.Document) {
	m.mu.Lock()
	m.docs[key] = doc
	m.mu.Unlock()
}

func (m *Map) Remove(key string) {
	m.mu.Lock()
	delete(m.docs, key)
	m.mu.Unlock()
}

func (m *Map) Merge(key string, updated map[string]any, removed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[key]
	if !ok {
		return ErrNoBase
	}
	next, err := docpath.Apply(cur, updated, removed)
	if err != nil {
		return err
	}
	m.docs[key] = next
	return nil
}

func (m *Map) Len() int {
	m.mu.RLock()
	n := len(m.docs)
	m.mu.RUnlock()
	return n
}

func (m *Map) Range(fn func(key string, doc store.Document) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, d := range m.docs {
		if !fn(k, d) {
			return
		}
	}
}
