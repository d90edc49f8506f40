// Package mongo stores mirrored collections in MongoDB.
//
// Records are documents {_id: key, value: {...}, expireAt?: date}. Keys are string
// _ids; documents with any other _id type are skipped on reads and on the change
// feed and reported through Config.OnSkippedID. The change feed
// is a MongoDB change stream; update descriptions are rebased from "value.<path>"
// to "<path>" so they apply directly to the cached document. Change streams need a
// replica set or sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/unkn0wn-root/docmirror/store"
)

var ErrNilClient = errors.New("mongo store: nil client")

const (
	fieldID    = "_id"
	fieldValue = "value"

	codeInvalidResumeToken      = 260
	codeChangeStreamHistoryLost = 286
)

func init() {
	store.Register("mongodb", Dial)
	store.Register("mongodb+srv", Dial)
}

type Config struct {
	Client      *mongodriver.Client
	CloseClient bool // set true only if this store exclusively owns the client

	// FullDocumentOnUpdate asks the server to attach the current document to update
	// events, turning them into replaces. Costs a lookup per update on the server.
	FullDocumentOnUpdate bool

	// OnSkippedID is called for each document whose _id is not a string. Such
	// documents cannot be addressed by key and are left out of the mirror.
	OnSkippedID func(collection string, id any)
}

type Conn struct {
	client *mongodriver.Client
	cfg    Config
}

var _ store.Conn = (*Conn)(nil)

func New(cfg Config) (*Conn, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Conn{client: cfg.Client, cfg: cfg}, nil
}

// Dial connects with a standard MongoDB connection string. The returned Conn owns
// its client.
func Dial(ctx context.Context, rawURL string) (store.Conn, error) {
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(rawURL))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return New(Config{Client: client, CloseClient: true})
}

func (c *Conn) Collection(database, name string) store.Collection {
	onSkip := c.cfg.OnSkippedID
	if onSkip == nil {
		onSkip = func(string, any) {}
	}
	return &Collection{
		coll:       c.client.Database(database).Collection(name),
		fullOnUpdt: c.cfg.FullDocumentOnUpdate,
		skipped:    func(id any) { onSkip(name, id) },
	}
}

func (c *Conn) Ping(ctx context.Context) error { return c.client.Ping(ctx, nil) }

func (c *Conn) Close(ctx context.Context) error {
	if !c.cfg.CloseClient {
		return nil
	}
	err := c.client.Disconnect(ctx)
	if errors.Is(err, mongodriver.ErrClientDisconnected) {
		return nil
	}
	return err
}

type Collection struct {
	coll       *mongodriver.Collection
	fullOnUpdt bool
	skipped    func(id any)
}

var _ store.Collection = (*Collection)(nil)

type recordDoc struct {
	ID       any        `bson:"_id"`
	Value    bson.M     `bson:"value"`
	ExpireAt *time.Time `bson:"expireAt,omitempty"`
}

func (d recordDoc) record() (store.Record, bool) {
	key, ok := keyString(d.ID)
	if !ok {
		return store.Record{}, false
	}
	rec := store.Record{Key: key, Value: normalizeDoc(d.Value)}
	if d.ExpireAt != nil {
		rec.ExpireAt = *d.ExpireAt
	}
	return rec, true
}

func (c *Collection) Get(ctx context.Context, key string) (store.Record, bool, error) {
	var d recordDoc
	err := c.coll.FindOne(ctx, bson.M{fieldID: key}).Decode(&d)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.Record{}, false, nil
	}
	if err != nil {
		return store.Record{}, false, err
	}
	rec, ok := d.record()
	return rec, ok, nil
}

func (c *Collection) GetMany(ctx context.Context, keys []string) ([]store.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return c.find(ctx, bson.M{fieldID: bson.M{"$in": keys}})
}

func (c *Collection) Scan(ctx context.Context) ([]store.Record, error) {
	return c.find(ctx, bson.M{})
}

func (c *Collection) find(ctx context.Context, filter bson.M) ([]store.Record, error) {
	cur, err := c.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []store.Record
	for cur.Next(ctx) {
		var d recordDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		rec, ok := d.record()
		if !ok {
			c.skipped(d.ID)
			continue
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

func (c *Collection) Upsert(ctx context.Context, rec store.Record) error {
	_, err := c.coll.ReplaceOne(ctx,
		bson.M{fieldID: rec.Key},
		toRecordDoc(rec),
		options.Replace().SetUpsert(true),
	)
	return err
}

func toRecordDoc(rec store.Record) bson.M {
	value := rec.Value
	if value == nil {
		value = store.Document{}
	}
	doc := bson.M{fieldID: rec.Key, fieldValue: value}
	if !rec.ExpireAt.IsZero() {
		doc[store.ExpireAtField] = rec.ExpireAt
	}
	return doc
}

func (c *Collection) Delete(ctx context.Context, key string) error {
	_, err := c.coll.DeleteOne(ctx, bson.M{fieldID: key})
	return err
}

// EnsureTTLIndex creates a TTL index on expireAt with expireAfterSeconds 0, so each
// record expires at its own timestamp. Existing identical indexes are left alone.
func (c *Collection) EnsureTTLIndex(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: store.ExpireAtField, Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return err
}

func (c *Collection) Watch(ctx context.Context, resume store.ResumeToken) (store.ChangeStream, error) {
	opts := options.ChangeStream()
	if c.fullOnUpdt {
		opts.SetFullDocument(options.UpdateLookup)
	}
	if resume != nil {
		opts.SetResumeAfter(bson.Raw(resume))
	}
	cs, err := c.coll.Watch(ctx, mongodriver.Pipeline{}, opts)
	if err != nil {
		return nil, resumeErr(err)
	}
	return &stream{cs: cs, skipped: c.skipped}, nil
}

// resumeErr marks server errors meaning the resume token can no longer be used.
func resumeErr(err error) error {
	var se mongodriver.ServerError
	if errors.As(err, &se) &&
		(se.HasErrorCode(codeChangeStreamHistoryLost) || se.HasErrorCode(codeInvalidResumeToken)) {
		return fmt.Errorf("mongo store: %w: %w", store.ErrResumeTokenExpired, err)
	}
	return err
}

type stream struct {
	cs      *mongodriver.ChangeStream
	skipped func(id any)
}

// changeDoc is the subset of a change event the feed reads.
type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument      *recordDoc `bson:"fullDocument,omitempty"`
	UpdateDescription struct {
		UpdatedFields bson.M   `bson:"updatedFields"`
		RemovedFields []string `bson:"removedFields"`
	} `bson:"updateDescription"`
}

func (s *stream) Next(ctx context.Context) (store.Event, error) {
	for {
		if !s.cs.Next(ctx) {
			if err := s.cs.Err(); err != nil {
				return store.Event{}, resumeErr(err)
			}
			if err := ctx.Err(); err != nil {
				return store.Event{}, err
			}
			return store.Event{}, store.ErrStreamClosed
		}
		var cd changeDoc
		if err := s.cs.Decode(&cd); err != nil {
			return store.Event{}, fmt.Errorf("mongo store: decode change event: %w", err)
		}
		ev, ok, err := translate(cd)
		if errors.Is(err, errNonStringID) {
			s.skipped(cd.DocumentKey.ID)
			continue
		}
		if err != nil {
			return store.Event{}, err
		}
		if !ok {
			continue
		}
		if tok := s.cs.ResumeToken(); tok != nil {
			ev.Token = append(store.ResumeToken(nil), tok...)
		}
		return ev, nil
	}
}

func (s *stream) Close(ctx context.Context) error { return s.cs.Close(ctx) }

var errNonStringID = errors.New("mongo store: non-string _id")

// translate maps a change event onto store.Event. ok is false for events that do not
// touch the mirrored value (e.g. an update of expireAt alone).
func translate(cd changeDoc) (store.Event, bool, error) {
	switch cd.OperationType {
	case "drop", "rename", "dropDatabase", "invalidate":
		return store.Event{}, false, store.ErrStreamInvalidated
	case "insert", "replace", "update", "delete":
	default:
		return store.Event{}, false, nil
	}
	key, ok := keyString(cd.DocumentKey.ID)
	if !ok {
		return store.Event{}, false, errNonStringID
	}
	switch cd.OperationType {
	case "insert", "replace":
		op := store.OpInsert
		if cd.OperationType == "replace" {
			op = store.OpReplace
		}
		var value store.Document
		if cd.FullDocument != nil {
			value = normalizeDoc(cd.FullDocument.Value)
		}
		if value == nil {
			value = store.Document{}
		}
		return store.Event{Op: op, Key: key, Value: value}, true, nil
	case "update":
		if cd.FullDocument != nil {
			return store.Event{Op: store.OpReplace, Key: key, Value: nonNil(normalizeDoc(cd.FullDocument.Value))}, true, nil
		}
		return rebaseUpdate(key, cd.UpdateDescription.UpdatedFields, cd.UpdateDescription.RemovedFields)
	default:
		return store.Event{Op: store.OpDelete, Key: key}, true, nil
	}
}

// rebaseUpdate strips the "value." prefix from an update description. A write to
// "value" itself carries the whole document and becomes a replace.
func rebaseUpdate(key string, updated bson.M, removed []string) (store.Event, bool, error) {
	if v, ok := updated[fieldValue]; ok {
		doc, _ := normalize(v).(map[string]any)
		return store.Event{Op: store.OpReplace, Key: key, Value: nonNil(doc)}, true, nil
	}
	for _, p := range removed {
		if p == fieldValue {
			return store.Event{Op: store.OpReplace, Key: key, Value: store.Document{}}, true, nil
		}
	}

	const prefix = fieldValue + "."
	ev := store.Event{Op: store.OpUpdate, Key: key}
	for p, v := range updated {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			if ev.Updated == nil {
				ev.Updated = make(map[string]any, len(updated))
			}
			ev.Updated[p[len(prefix):]] = normalize(v)
		}
	}
	for _, p := range removed {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			ev.Removed = append(ev.Removed, p[len(prefix):])
		}
	}
	if len(ev.Updated) == 0 && len(ev.Removed) == 0 {
		return store.Event{}, false, nil
	}
	return ev, true, nil
}

func nonNil(d store.Document) store.Document {
	if d == nil {
		return store.Document{}
	}
	return d
}

// keyString returns a string _id as a mirror key. Other _id types have no key
// that Get, Upsert and Delete could filter on, so they are rejected.
func keyString(id any) (string, bool) {
	v, ok := id.(string)
	return v, ok
}

func normalizeDoc(m bson.M) store.Document {
	if m == nil {
		return nil
	}
	doc, _ := normalize(m).(map[string]any)
	return doc
}

// normalize converts driver types into plain Go values: documents become
// map[string]any, arrays []any, ObjectIDs hex strings and datetimes time.Time.
func normalize(v any) any {
	switch x := v.(type) {
	case bson.M:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalize(vv)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalize(vv)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalize(vv)
		}
		return out
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	default:
		return v
	}
}
