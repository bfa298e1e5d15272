package reconciler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/oplogmirror/tailer/internal/entry"
	"github.com/oplogmirror/tailer/internal/oplogts"
	"github.com/oplogmirror/tailer/internal/sink"
	"github.com/oplogmirror/tailer/internal/source"
)

type fakeOplog struct {
	lessThan bson.Raw
	err      error
}

func (f fakeOplog) Tail(_ context.Context, _ oplogts.Timestamp) (source.Cursor, error) {
	return nil, nil
}

func (f fakeOplog) FindEqual(_ context.Context, _ oplogts.Timestamp) (bson.Raw, error) {
	return nil, mongo.ErrNoDocuments
}

func (f fakeOplog) FindLessThan(_ context.Context, _ oplogts.Timestamp) (bson.Raw, error) {
	return f.lessThan, f.err
}

type fakeRouter struct {
	byNS map[string]map[string]bson.M // ns -> id-string -> doc
}

func (f fakeRouter) FindMany(_ context.Context, ns string, ids []interface{}) (map[string]bson.M, error) {
	out := make(map[string]bson.M)
	avail := f.byNS[ns]
	for _, id := range ids {
		key := toKey(id)
		if d, ok := avail[key]; ok {
			out[key] = d
		}
	}
	return out, nil
}

func toKey(id interface{}) string {
	return fmt.Sprintf("%v", id)
}

func marshalOplogEntry(t *testing.T, ts oplogts.Timestamp) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(bson.M{"ts": oplogts.ToPrimitive(ts), "op": "i", "ns": "app.users", "o": bson.M{"_id": "anchor"}})
	require.NoError(t, err)
	return raw
}

func TestReconcileSplitsPresentAndAbsent(t *testing.T) {
	cutoffTS := oplogts.Timestamp{Seconds: 450, Ordinal: 1}
	backendTS := oplogts.Encode(oplogts.Timestamp{Seconds: 500, Ordinal: 3})

	store := sink.NewMock()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, entry.MirroredDoc{Fields: bson.M{"_id": "survivor"}, Ns: "app.users", Ts: backendTS}))
	require.NoError(t, store.Upsert(ctx, entry.MirroredDoc{Fields: bson.M{"_id": "casualty"}, Ns: "app.users", Ts: backendTS - 1}))

	router := fakeRouter{byNS: map[string]map[string]bson.M{
		"app.users": {
			"survivor": {"_id": "survivor", "name": "still here"},
		},
	}}

	r := Reconciler{
		Sink:   store,
		Oplog:  fakeOplog{lessThan: marshalOplogEntry(t, cutoffTS)},
		Router: router,
	}

	newTS, ok, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cutoffTS, newTS)

	survivor, found := store.Get("app.users", "survivor")
	require.True(t, found)
	assert.Equal(t, oplogts.Encode(cutoffTS), survivor.Ts)
	assert.Equal(t, "still here", survivor.Fields["name"])

	_, found = store.Get("app.users", "casualty")
	assert.False(t, found)
}

func TestReconcileEmptyStoreIsImpossible(t *testing.T) {
	store := sink.NewMock()
	r := Reconciler{Sink: store, Oplog: fakeOplog{}}

	_, ok, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconcileNoSurvivingEntryIsImpossible(t *testing.T) {
	store := sink.NewMock()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, entry.MirroredDoc{Fields: bson.M{"_id": "x"}, Ns: "app.users", Ts: 100}))

	r := Reconciler{Sink: store, Oplog: fakeOplog{err: mongo.ErrNoDocuments}}

	_, ok, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
