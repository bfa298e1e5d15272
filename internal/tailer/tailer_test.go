package tailer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/oplogmirror/tailer/internal/checkpoint"
	"github.com/oplogmirror/tailer/internal/entry"
	"github.com/oplogmirror/tailer/internal/oplogts"
	"github.com/oplogmirror/tailer/internal/sink"
	"github.com/oplogmirror/tailer/internal/source"
)

func marshalOplogDoc(t *testing.T, op string, ns string, ts oplogts.Timestamp, o, o2 bson.M) bson.Raw {
	t.Helper()
	doc := bson.M{"ts": oplogts.ToPrimitive(ts), "op": op, "ns": ns, "o": o}
	if o2 != nil {
		doc["o2"] = o2
	}
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

type fakeCursor struct {
	entries []bson.Raw
	i       int
}

func (c *fakeCursor) Next(_ context.Context) bool {
	if c.i >= len(c.entries) {
		return false
	}
	c.i++
	return true
}

func (c *fakeCursor) Decode(v interface{}) error {
	return bson.Unmarshal(c.entries[c.i-1], v)
}

func (c *fakeCursor) Err() error                     { return nil }
func (c *fakeCursor) Close(_ context.Context) error { return nil }

type fakeOplog struct {
	tail bson.Raw
}

func (f fakeOplog) Tail(_ context.Context, _ oplogts.Timestamp) (source.Cursor, error) {
	return nil, nil
}
func (f fakeOplog) FindEqual(_ context.Context, _ oplogts.Timestamp) (bson.Raw, error) {
	return nil, mongo.ErrNoDocuments
}
func (f fakeOplog) FindLessThan(_ context.Context, _ oplogts.Timestamp) (bson.Raw, error) {
	return f.tail, nil
}

type fakeResolver struct {
	docs map[string]bson.M // keyed by string id; non-string ids never resolve
}

// failingResolver makes the stream fail if the Tailer Loop ever consults it.
type failingResolver struct{}

func (failingResolver) Resolve(_ context.Context, _ entry.LogEntry) (bson.M, bool, error) {
	return nil, false, errors.New("resolver must not be called")
}

func (r fakeResolver) Resolve(_ context.Context, e entry.LogEntry) (bson.M, bool, error) {
	id, err := e.DocID()
	if err != nil {
		return nil, false, err
	}
	key := sprint(id)
	doc, ok := r.docs[key]
	return doc, ok, nil
}

func sprint(v interface{}) string {
	s, _ := v.(string)
	return s
}

func TestInitColdStartsFromTailAndPersists(t *testing.T) {
	tailTS := oplogts.Timestamp{Seconds: 101, Ordinal: 1}
	tailRaw := marshalOplogDoc(t, "i", "a.b", tailTS, bson.M{"_id": "x"}, nil)

	path := filepath.Join(t.TempDir(), "oplog.checkpoint")
	store := sink.NewMock()
	tl := New(Config{
		ConnKey:        "rs0",
		CheckpointPath: path,
		IsSharded:      true,
		Oplog:          fakeOplog{tail: tailRaw},
		Dumper: source.Dumper{
			Collections: map[string]source.FullScanCollection{},
			Sink:        store,
		},
		Sink: store,
	})

	ts, err := tl.init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tailTS, ts)

	persisted, ok := checkpoint.Read(path, "rs0")
	require.True(t, ok)
	assert.Equal(t, tailTS, persisted)
}

func TestStreamDeletePropagatesWithoutResolverCall(t *testing.T) {
	store := sink.NewMock()
	require.NoError(t, store.Upsert(context.Background(), entry.MirroredDoc{Fields: bson.M{"_id": "X"}, Ns: "a.b", Ts: 1}))

	cur := &fakeCursor{entries: []bson.Raw{
		marshalOplogDoc(t, "d", "a.b", oplogts.Timestamp{Seconds: 200, Ordinal: 1}, bson.M{"_id": "X"}, nil),
	}}

	tl := New(Config{IsSharded: true, Sink: store, DocResolver: failingResolver{}})
	lastTS, advanced, err := tl.stream(context.Background(), cur)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, oplogts.Timestamp{Seconds: 200, Ordinal: 1}, lastTS)

	_, found := store.Get("a.b", "X")
	assert.False(t, found)
}

func TestStreamUpdateRedirectsThroughResolver(t *testing.T) {
	store := sink.NewMock()
	resolver := fakeResolver{docs: map[string]bson.M{"Y": {"_id": "Y", "f": int32(42)}}}

	cur := &fakeCursor{entries: []bson.Raw{
		marshalOplogDoc(t, "u", "a.b", oplogts.Timestamp{Seconds: 300, Ordinal: 1}, bson.M{"$set": bson.M{"f": 42}}, bson.M{"_id": "Y"}),
	}}

	tl := New(Config{IsSharded: true, Sink: store, DocResolver: resolver})
	_, advanced, err := tl.stream(context.Background(), cur)
	require.NoError(t, err)
	assert.True(t, advanced)

	doc, found := store.Get("a.b", "Y")
	require.True(t, found)
	assert.EqualValues(t, 42, doc.Fields["f"])
	assert.Equal(t, oplogts.Encode(oplogts.Timestamp{Seconds: 300, Ordinal: 1}), doc.Ts)
}

func TestStreamResolverMissStillAdvancesWithoutUpsert(t *testing.T) {
	store := sink.NewMock()
	resolver := fakeResolver{docs: map[string]bson.M{}} // nothing resolves

	cur := &fakeCursor{entries: []bson.Raw{
		marshalOplogDoc(t, "u", "a.b", oplogts.Timestamp{Seconds: 300, Ordinal: 1}, bson.M{"$set": bson.M{"f": 42}}, bson.M{"_id": "Y"}),
	}}

	tl := New(Config{IsSharded: true, Sink: store, DocResolver: resolver})
	lastTS, advanced, err := tl.stream(context.Background(), cur)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, oplogts.Timestamp{Seconds: 300, Ordinal: 1}, lastTS)
	assert.Equal(t, 0, store.Len())
}

func TestRunRejectsUnshardedSource(t *testing.T) {
	tl := New(Config{IsSharded: false})
	err := tl.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedTopology)
}
