package source

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/mongodb/mongo-tools/common/progress"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/oplogmirror/tailer/internal/entry"
	"github.com/oplogmirror/tailer/internal/log"
)

// FullScanCollection is the subset of *mongo.Collection a cold dump needs:
// an unfiltered, unsorted read of every document plus a cheap count for
// progress reporting.
type FullScanCollection interface {
	EstimatedDocumentCount(ctx context.Context) (int64, error)
	FindAll(ctx context.Context) (Cursor, error)
}

type mongoFullScanCollection struct {
	coll *mongo.Collection
}

// NewFullScanCollection wraps a collection handle on the routing front-end
// for the cold dump's full scan.
func NewFullScanCollection(coll *mongo.Collection) FullScanCollection {
	return mongoFullScanCollection{coll: coll}
}

func (c mongoFullScanCollection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	return c.coll.EstimatedDocumentCount(ctx)
}

func (c mongoFullScanCollection) FindAll(ctx context.Context) (Cursor, error) {
	cur, err := c.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// Sink is the subset of sink.Adapter the cold dump writes through (declared
// here, not imported from package sink, to keep internal/source free of a
// dependency on internal/sink).
type Sink interface {
	Upsert(ctx context.Context, doc entry.MirroredDoc) error
}

// Dumper implements spec.md §4.2 / oplog_manager.py's dump_collection: a
// full-collection scan of every configured namespace, stamping each document
// with the oplog timestamp observed just before the scan began, run once at
// cold start before tailing resumes from that same timestamp.
type Dumper struct {
	Collections map[string]FullScanCollection // keyed by namespace ("db.coll")
	Sink        Sink
	Log         *log.Event
	// ProgressOutput receives the mongo-tools progress bar's rendered
	// lines; nil disables progress reporting.
	ProgressOutput io.Writer
}

// Dump scans every configured namespace and upserts each document into Sink,
// stamped with atTS. Progress is reported per namespace via
// github.com/mongodb/mongo-tools/common/progress, the same bar the teacher's
// upstream tooling uses for long-running collection scans.
func (d Dumper) Dump(ctx context.Context, atTS uint64) error {
	for ns, coll := range d.Collections {
		if err := d.dumpNamespace(ctx, ns, coll, atTS); err != nil {
			return errors.Wrapf(err, "dump namespace %s", ns)
		}
	}
	return nil
}

type docCounter struct {
	n     int64
	total int64
}

func (c *docCounter) Progress() (int64, int64) {
	return atomic.LoadInt64(&c.n), c.total
}

func (d Dumper) dumpNamespace(ctx context.Context, ns string, coll FullScanCollection, atTS uint64) error {
	total, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return errors.Wrap(err, "estimate document count")
	}

	counter := &docCounter{total: total}
	var bar *progress.Bar
	if d.ProgressOutput != nil {
		bar = &progress.Bar{
			Name:      ns,
			Watching:  counter,
			Writer:    d.ProgressOutput,
			BarLength: 24,
		}
		bar.Start(time.Second)
		defer bar.Stop()
	}

	cur, err := coll.FindAll(ctx)
	if err != nil {
		return errors.Wrap(err, "open full scan cursor")
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return errors.Wrap(err, "decode scanned document")
		}
		if err := d.Sink.Upsert(ctx, entry.NewMirroredDoc(doc, ns, atTS)); err != nil {
			return errors.Wrap(err, "upsert scanned document")
		}
		atomic.AddInt64(&counter.n, 1)
	}
	if err := cur.Err(); err != nil {
		return errors.Wrap(err, "iterate full scan cursor")
	}

	if d.Log != nil {
		d.Log.Info("dumped namespace %s: %d documents", ns, atomic.LoadInt64(&counter.n))
	}
	return nil
}
