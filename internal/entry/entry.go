// Package entry models a single source-log mutation and the document image
// that the tailer mirrors into the secondary store.
package entry

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/oplogmirror/tailer/internal/oplogts"
)

// Op discriminates the kind of mutation a LogEntry carries.
type Op string

const (
	OpInsert Op = "i"
	OpUpdate Op = "u"
	OpDelete Op = "d"
	OpOther  Op = "other"
)

// raw mirrors the wire shape of one oplog document, tagged the way
// other_examples/7dafa85a_vlasky-oplogtoredis__lib-oplog-tail.go.go's
// rawOplogEntry is: ts/op/ns/o/o2.
type raw struct {
	Ts primitive.Timestamp `bson:"ts"`
	Op string              `bson:"op"`
	Ns string              `bson:"ns"`
	O  bson.Raw            `bson:"o"`
	O2 bson.Raw            `bson:"o2"`
}

// idStub captures just the _id field, enough to resolve a delete or locate
// the o2 identifier of an update.
type idStub struct {
	ID interface{} `bson:"_id"`
}

// LogEntry is the record produced by the source database for one mutation.
type LogEntry struct {
	Ts oplogts.Timestamp
	Op Op
	Ns string
	O  bson.Raw // full document (insert), update spec (update), or key stub (delete)
	O2 bson.Raw // present only on update: carries the document identifier
}

// ParseRaw decodes a raw oplog document into a LogEntry, classifying its Op.
// Unrecognized op codes are mapped to OpOther rather than rejected, so the
// Tailer Loop can ignore them and advance per spec.
func ParseRaw(data bson.Raw) (LogEntry, error) {
	var r raw
	if err := bson.Unmarshal(data, &r); err != nil {
		return LogEntry{}, err
	}

	e := LogEntry{
		Ts: oplogts.FromPrimitive(r.Ts),
		Ns: r.Ns,
		O:  r.O,
		O2: r.O2,
	}
	switch r.Op {
	case "i":
		e.Op = OpInsert
	case "u":
		e.Op = OpUpdate
	case "d":
		e.Op = OpDelete
	default:
		e.Op = OpOther
	}
	return e, nil
}

// DocID returns the identifier this entry refers to: o2._id for updates
// (the log stores the update instruction, not the identifier, under o),
// otherwise o._id.
func (e LogEntry) DocID() (interface{}, error) {
	var stub idStub
	src := e.O
	if e.Op == OpUpdate && len(e.O2) > 0 {
		src = e.O2
	}
	if err := bson.Unmarshal(src, &stub); err != nil {
		return nil, err
	}
	return stub.ID, nil
}

// MirroredDoc is the representation written into the secondary store: the
// resolved source document's user fields plus the bookkeeping fields _id,
// ns, and _ts (the encoded oplogts.Timestamp at which this image was
// captured).
type MirroredDoc struct {
	Fields bson.M // all fields of the source document, including _id
	Ns     string
	Ts     uint64
}

// ID returns the document identifier carried in Fields["_id"].
func (d MirroredDoc) ID() interface{} {
	return d.Fields["_id"]
}

// NewMirroredDoc stamps a resolved source document with its namespace and
// encoded capture timestamp.
func NewMirroredDoc(doc bson.M, ns string, ts uint64) MirroredDoc {
	return MirroredDoc{Fields: doc, Ns: ns, Ts: ts}
}

// DocStub identifies a MirroredDoc for deletion without carrying its body.
type DocStub struct {
	ID interface{}
	Ns string
}
