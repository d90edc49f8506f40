package docmirror

import (
	"context"

	"github.com/unkn0wn-root/docmirror/store"
)

// FetchEverything loads every remote record into the local copy. On error the local
// copy is left as it was.
func (m *mirror) FetchEverything(ctx context.Context) error {
	if err := m.awaitInit(ctx); err != nil {
		return err
	}
	return m.loadAll(ctx)
}

func (m *mirror) loadAll(ctx context.Context) error {
	snap := m.w.beginRead()
	defer m.w.endRead()
	recs, err := m.remote.Scan(ctx)
	if err != nil {
		return &FetchError{Op: "fetch_everything", Err: err}
	}
	skipped := m.putFetched(recs, snap)
	m.log.Debug("loaded collection", Fields{"records": len(recs), "skipped": skipped})
	return nil
}

// FetchOne reads key from the remote store. A found document is stored locally and
// returned. While a local write of key is still unsettled the local copy wins and
// its value is returned instead.
func (m *mirror) FetchOne(ctx context.Context, key string) (Document, bool, error) {
	if err := m.awaitInit(ctx); err != nil {
		return nil, false, err
	}
	snap := m.w.beginRead()
	defer m.w.endRead()
	rec, ok, err := m.remote.Get(ctx, key)
	if err != nil {
		return nil, false, &FetchError{Op: "fetch_one", Keys: []string{key}, Err: err}
	}

	i := m.w.shardIndex(key)
	sh := m.w.shards[i]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.supersededLocked(key, snap[i]) {
		doc, found := m.local.Get(key)
		return doc, found, nil
	}
	if !ok {
		return nil, false, nil
	}
	if rec.Value == nil {
		rec.Value = Document{}
	}
	m.local.Put(key, rec.Value)
	sh.touchLocked(key)
	return rec.Value, true, nil
}

// Fetch reads keys from the remote store in one round trip and stores what it finds.
// Duplicate keys are collapsed; missing keys stay absent locally.
func (m *mirror) Fetch(ctx context.Context, keys ...string) error {
	if err := m.awaitInit(ctx); err != nil {
		return err
	}
	keys = dedupe(keys)
	if len(keys) == 0 {
		return nil
	}
	snap := m.w.beginRead()
	defer m.w.endRead()
	recs, err := m.remote.GetMany(ctx, keys)
	if err != nil {
		return &FetchError{Op: "fetch", Keys: keys, Err: err}
	}
	m.putFetched(recs, snap)
	return nil
}

// putFetched stores records read from the remote store, skipping keys with a local
// write the read may not reflect. It returns how many were skipped.
func (m *mirror) putFetched(recs []store.Record, snap readSnap) int {
	skipped := 0
	for _, r := range recs {
		doc := r.Value
		if doc == nil {
			doc = Document{}
		}
		i := m.w.shardIndex(r.Key)
		sh := m.w.shards[i]
		sh.mu.Lock()
		if sh.supersededLocked(r.Key, snap[i]) {
			skipped++
		} else {
			m.local.Put(r.Key, doc)
			sh.touchLocked(r.Key)
		}
		sh.mu.Unlock()
	}
	return skipped
}

// put stores doc from the change feed under the key's shard lock so it orders
// against local writes.
func (m *mirror) put(key string, doc Document) {
	if doc == nil {
		doc = Document{}
	}
	sh := m.w.shardFor(key)
	sh.mu.Lock()
	m.local.Put(key, doc)
	sh.touchLocked(key)
	sh.mu.Unlock()
}

func (m *mirror) remove(key string) {
	sh := m.w.shardFor(key)
	sh.mu.Lock()
	m.local.Remove(key)
	sh.touchLocked(key)
	sh.mu.Unlock()
}

func dedupe(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
