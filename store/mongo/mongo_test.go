package mongo

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/unkn0wn-root/docmirror/store"
)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilClient)
}

func TestKeyString(t *testing.T) {
	k, ok := keyString("k")
	require.True(t, ok)
	require.Equal(t, "k", k)

	for _, id := range []any{primitive.NewObjectID(), int32(42), nil} {
		_, ok := keyString(id)
		require.False(t, ok, "%T", id)
	}
}

func TestRecordRejectsNonStringID(t *testing.T) {
	rec, ok := recordDoc{ID: "k", Value: bson.M{"a": "b"}}.record()
	require.True(t, ok)
	require.Equal(t, store.Record{Key: "k", Value: store.Document{"a": "b"}}, rec)

	_, ok = recordDoc{ID: primitive.NewObjectID(), Value: bson.M{}}.record()
	require.False(t, ok)
}

func TestResumeErrMarksExpiredTokens(t *testing.T) {
	for _, code := range []int32{codeChangeStreamHistoryLost, codeInvalidResumeToken} {
		err := resumeErr(mongodriver.CommandError{Code: code, Message: "gone"})
		require.ErrorIs(t, err, store.ErrResumeTokenExpired)
	}

	other := mongodriver.CommandError{Code: 6, Message: "host unreachable"}
	require.NotErrorIs(t, resumeErr(other), store.ErrResumeTokenExpired)
	plain := errors.New("io")
	require.Equal(t, plain, resumeErr(plain))
}

func TestNormalizeDriverTypes(t *testing.T) {
	oid := primitive.NewObjectID()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := bson.M{
		"owner": oid,
		"when":  primitive.NewDateTimeFromTime(at),
		"tags":  bson.A{"a", bson.D{{Key: "n", Value: int32(1)}}},
		"meta":  bson.M{"deep": bson.M{"x": "y"}},
	}
	got := normalizeDoc(in)
	require.Equal(t, store.Document{
		"owner": oid.Hex(),
		"when":  at,
		"tags":  []any{"a", map[string]any{"n": int32(1)}},
		"meta":  map[string]any{"deep": map[string]any{"x": "y"}},
	}, got)
}

func TestToRecordDoc(t *testing.T) {
	exp := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	doc := toRecordDoc(store.Record{Key: "k", Value: store.Document{"a": 1}, ExpireAt: exp})
	require.Equal(t, bson.M{"_id": "k", "value": store.Document{"a": 1}, "expireAt": exp}, doc)

	doc = toRecordDoc(store.Record{Key: "k"})
	require.Equal(t, bson.M{"_id": "k", "value": store.Document{}}, doc)
}

func TestTranslateInsertAndReplace(t *testing.T) {
	var cd changeDoc
	cd.OperationType = "insert"
	cd.DocumentKey.ID = "k"
	cd.FullDocument = &recordDoc{ID: "k", Value: bson.M{"a": int32(1)}}

	ev, ok, err := translate(cd)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.OpInsert, ev.Op)
	require.Equal(t, store.Document{"a": int32(1)}, ev.Value)

	cd.OperationType = "replace"
	ev, _, _ = translate(cd)
	require.Equal(t, store.OpReplace, ev.Op)
}

func TestTranslateUpdateRebasesPaths(t *testing.T) {
	var cd changeDoc
	cd.OperationType = "update"
	cd.DocumentKey.ID = "k"
	cd.UpdateDescription.UpdatedFields = bson.M{
		"value.profile.age": int32(31),
		"expireAt":          time.Now(),
	}
	cd.UpdateDescription.RemovedFields = []string{"value.nick"}

	ev, ok, err := translate(cd)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.OpUpdate, ev.Op)
	require.Equal(t, map[string]any{"profile.age": int32(31)}, ev.Updated)
	require.Equal(t, []string{"nick"}, ev.Removed)
}

func TestTranslateUpdateOfExpiryOnlyIsSkipped(t *testing.T) {
	var cd changeDoc
	cd.OperationType = "update"
	cd.DocumentKey.ID = "k"
	cd.UpdateDescription.UpdatedFields = bson.M{"expireAt": time.Now()}

	_, ok, err := translate(cd)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTranslateWholeValueUpdateBecomesReplace(t *testing.T) {
	var cd changeDoc
	cd.OperationType = "update"
	cd.DocumentKey.ID = "k"
	cd.UpdateDescription.UpdatedFields = bson.M{"value": bson.M{"b": "x"}}

	ev, ok, err := translate(cd)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.OpReplace, ev.Op)
	require.Equal(t, store.Document{"b": "x"}, ev.Value)
}

func TestTranslateUpdateWithFullDocument(t *testing.T) {
	var cd changeDoc
	cd.OperationType = "update"
	cd.DocumentKey.ID = "k"
	cd.FullDocument = &recordDoc{ID: "k", Value: bson.M{"c": true}}
	cd.UpdateDescription.UpdatedFields = bson.M{"value.c": true}

	ev, _, err := translate(cd)
	require.NoError(t, err)
	require.Equal(t, store.OpReplace, ev.Op)
	require.Equal(t, store.Document{"c": true}, ev.Value)
}

func TestTranslateDeleteAndInvalidate(t *testing.T) {
	var cd changeDoc
	cd.OperationType = "delete"
	cd.DocumentKey.ID = "k"

	ev, ok, err := translate(cd)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.OpDelete, ev.Op)
	require.Equal(t, "k", ev.Key)

	for _, op := range []string{"drop", "rename", "dropDatabase", "invalidate"} {
		cd.OperationType = op
		_, _, err = translate(cd)
		require.ErrorIs(t, err, store.ErrStreamInvalidated, op)
	}
}

func TestTranslateSkipsNonStringID(t *testing.T) {
	for _, op := range []string{"insert", "replace", "update", "delete"} {
		var cd changeDoc
		cd.OperationType = op
		cd.DocumentKey.ID = primitive.NewObjectID()
		cd.FullDocument = &recordDoc{ID: cd.DocumentKey.ID, Value: bson.M{}}

		_, ok, err := translate(cd)
		require.ErrorIs(t, err, errNonStringID, op)
		require.False(t, ok)
	}
}
