// Package docmirror keeps a local in-memory copy of a remote document collection
// coherent with the store that owns it.
//
// Reads are served from the local copy without a round trip. Writes go to both the
// remote store and the local copy; remote mutations from any writer come back through
// the store's change feed and are merged locally (inserts and replaces overwrite,
// partial updates are applied field path by field path, deletes remove).
//
// Components:
//   - store.Collection: the remote side (MongoDB, Redis or in-process memory adapters).
//   - local.Store: the local copy (a Go map by default, bigcache for large sets).
//   - writer: sharded remote write queue. Writes to one key keep their order.
//   - feed: change stream reader with resume tokens and optional backoff resubscribe.
//
// Lifecycle:
//
//	m, _ := docmirror.New(docmirror.Options{
//	    URL:            "mongodb://localhost:27017/?replicaSet=rs0",
//	    Collection:     "sessions",
//	    FetchAll:       true,
//	    MonitorChanges: true,
//	    DocumentTTL:    true,
//	})
//	if err := m.Wait(ctx); err != nil { ... } // or <-m.Ready()
//	_ = m.SetWithExpiry(ctx, "s:1", docmirror.Document{"user": "ada"}, time.Now().Add(time.Hour))
//	doc, ok := m.Get("s:1") // local; the remote TTL delete removes it later
package docmirror
