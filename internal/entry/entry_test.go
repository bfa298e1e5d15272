package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func mustMarshal(t *testing.T, v any) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestParseRawInsert(t *testing.T) {
	doc := mustMarshal(t, bson.M{"_id": "X", "a": 1})
	raw := mustMarshal(t, bson.M{
		"ts": primitive.Timestamp{T: 100, I: 1},
		"op": "i",
		"ns": "a.b",
		"o":  doc,
	})

	e, err := ParseRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, OpInsert, e.Op)
	assert.Equal(t, "a.b", e.Ns)
	assert.Equal(t, uint32(100), e.Ts.Seconds)

	id, err := e.DocID()
	require.NoError(t, err)
	assert.Equal(t, "X", id)
}

func TestParseRawUpdateUsesO2(t *testing.T) {
	update := mustMarshal(t, bson.M{"$set": bson.M{"f": 42}})
	o2 := mustMarshal(t, bson.M{"_id": "Y"})
	raw := mustMarshal(t, bson.M{
		"ts": primitive.Timestamp{T: 300, I: 1},
		"op": "u",
		"ns": "a.b",
		"o":  update,
		"o2": o2,
	})

	e, err := ParseRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, e.Op)

	id, err := e.DocID()
	require.NoError(t, err)
	assert.Equal(t, "Y", id)
}

func TestParseRawDeleteUsesO(t *testing.T) {
	stub := mustMarshal(t, bson.M{"_id": "X"})
	raw := mustMarshal(t, bson.M{
		"ts": primitive.Timestamp{T: 200, I: 1},
		"op": "d",
		"ns": "a.b",
		"o":  stub,
	})

	e, err := ParseRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, OpDelete, e.Op)

	id, err := e.DocID()
	require.NoError(t, err)
	assert.Equal(t, "X", id)
}

func TestParseRawUnknownOpIsOther(t *testing.T) {
	raw := mustMarshal(t, bson.M{
		"ts": primitive.Timestamp{T: 1, I: 1},
		"op": "n",
		"ns": "a.b",
	})

	e, err := ParseRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, OpOther, e.Op)
}

func TestMirroredDocID(t *testing.T) {
	d := NewMirroredDoc(bson.M{"_id": "Y", "f": 42}, "a.b", 12345)
	assert.Equal(t, "Y", d.ID())
	assert.Equal(t, "a.b", d.Ns)
	assert.Equal(t, uint64(12345), d.Ts)
}
