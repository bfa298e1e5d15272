// Package reconciler implements the Rollback Reconciler (spec.md §4.5):
// repairing secondary-store divergence after the source log rewinds.
package reconciler

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/oplogmirror/tailer/internal/entry"
	"github.com/oplogmirror/tailer/internal/log"
	"github.com/oplogmirror/tailer/internal/oplogts"
	"github.com/oplogmirror/tailer/internal/source"
)

// Sink is the subset of sink.Adapter the reconciler needs (declared locally
// to avoid internal/reconciler depending on internal/sink).
type Sink interface {
	Commit(ctx context.Context) error
	GetLastDoc(ctx context.Context, nsFilter []string) (entry.MirroredDoc, bool, error)
	Search(ctx context.Context, startTS, endTS uint64) ([]entry.MirroredDoc, error)
	Upsert(ctx context.Context, doc entry.MirroredDoc) error
	Remove(ctx context.Context, stub entry.DocStub) error
}

// Router resolves the current images of a batch of ids in one namespace via
// the routing front-end's multi-key query, mirroring spec.md §4.5 step 4's
// "single multi-key query" per divergent namespace group.
type Router interface {
	FindMany(ctx context.Context, ns string, ids []interface{}) (map[string]bson.M, error)
}

// mongoRouter adapts a source.Router (narrowed to FindOne) is not enough for
// a multi-key query, so this implementation talks to mongo directly.
type mongoRouter struct {
	client MongoDatabaseClient
}

// MongoDatabaseClient is the subset of *mongo.Client needed for a multi-key
// find against an arbitrary namespace.
type MongoDatabaseClient interface {
	FindMany(ctx context.Context, dbName, collName string, ids []interface{}) ([]bson.M, error)
}

// NewRouter wraps a MongoDatabaseClient (see internal/source for the
// concrete mongo-driver adapter) as a reconciler Router.
func NewRouter(client MongoDatabaseClient) Router {
	return mongoRouter{client: client}
}

func (r mongoRouter) FindMany(ctx context.Context, ns string, ids []interface{}) (map[string]bson.M, error) {
	dbName, collName, err := splitNamespace(ns)
	if err != nil {
		return nil, err
	}
	docs, err := r.client.FindMany(ctx, dbName, collName, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bson.M, len(docs))
	for _, d := range docs {
		out[fmt.Sprintf("%v", d["_id"])] = d
	}
	return out, nil
}

func splitNamespace(ns string) (db, coll string, err error) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:], nil
		}
	}
	return "", "", errors.Errorf("malformed namespace %q", ns)
}

// Reconciler implements source.Reconciler: it is invoked by the Cursor
// Manager when the tailing resume point has fallen off an otherwise-intact
// oplog.
type Reconciler struct {
	Sink   Sink
	Oplog  source.OplogCollection
	Router Router
	// NamespaceFilter restricts GetLastDoc's anchor search to these
	// namespaces when non-empty, per SPEC_FULL.md §10.6 point 4.
	NamespaceFilter []string
	Log             *log.Event
}

var _ source.Reconciler = Reconciler{}

// Reconcile implements spec.md §4.5's five-step algorithm. ok=false means
// reconciliation was impossible (empty secondary store, or no surviving
// oplog entry before backend_ts): the caller must cold-start.
func (r Reconciler) Reconcile(ctx context.Context) (oplogts.Timestamp, bool, error) {
	if err := r.Sink.Commit(ctx); err != nil {
		return oplogts.Timestamp{}, false, errors.Wrap(err, "flush secondary store before reconciliation")
	}

	last, ok, err := r.Sink.GetLastDoc(ctx, r.NamespaceFilter)
	if err != nil {
		return oplogts.Timestamp{}, false, errors.Wrap(err, "read most recent mirrored document")
	}
	if !ok {
		if r.Log != nil {
			r.Log.Warn("reconciliation impossible: secondary store is empty")
		}
		return oplogts.Timestamp{}, false, nil
	}
	backendTS := last.Ts

	cutoffRaw, err := r.Oplog.FindLessThan(ctx, oplogts.Decode(backendTS))
	if err == mongo.ErrNoDocuments {
		if r.Log != nil {
			r.Log.Warn("reconciliation impossible: no surviving oplog entry before %v", backendTS)
		}
		return oplogts.Timestamp{}, false, nil
	}
	if err != nil {
		return oplogts.Timestamp{}, false, errors.Wrap(err, "find rollback cutoff")
	}
	cutoffEntry, err := entry.ParseRaw(cutoffRaw)
	if err != nil {
		return oplogts.Timestamp{}, false, errors.Wrap(err, "parse rollback cutoff entry")
	}
	cutoff := cutoffEntry.Ts
	cutoffEncoded := oplogts.Encode(cutoff)

	candidates, err := r.Sink.Search(ctx, cutoffEncoded+1, backendTS)
	if err != nil {
		return oplogts.Timestamp{}, false, errors.Wrap(err, "search divergent range")
	}

	byNS := make(map[string][]entry.MirroredDoc)
	for _, d := range candidates {
		byNS[d.Ns] = append(byNS[d.Ns], d)
	}

	g, gctx := errgroup.WithContext(ctx)
	for ns, docs := range byNS {
		ns, docs := ns, docs
		g.Go(func() error {
			return r.reconcileNamespace(gctx, ns, docs, cutoffEncoded)
		})
	}
	if err := g.Wait(); err != nil {
		return oplogts.Timestamp{}, false, errors.Wrap(err, "reconcile divergent namespace group")
	}

	return cutoff, true, nil
}

// reconcileNamespace implements step 4 for one namespace group: a single
// multi-key lookup against the routing front-end, then partition into
// present (re-stamp at cutoff) and absent (delete).
func (r Reconciler) reconcileNamespace(ctx context.Context, ns string, docs []entry.MirroredDoc, cutoffEncoded uint64) error {
	ids := make([]interface{}, len(docs))
	for i, d := range docs {
		ids[i] = d.ID()
	}

	current, err := r.Router.FindMany(ctx, ns, ids)
	if err != nil {
		return errors.Wrapf(err, "lookup current images for namespace %s", ns)
	}

	for _, d := range docs {
		key := fmt.Sprintf("%v", d.ID())
		if fields, present := current[key]; present {
			if err := r.Sink.Upsert(ctx, entry.NewMirroredDoc(fields, ns, cutoffEncoded)); err != nil {
				return errors.Wrapf(err, "re-stamp surviving document %v", d.ID())
			}
			continue
		}
		if err := r.Sink.Remove(ctx, entry.DocStub{ID: d.ID(), Ns: ns}); err != nil {
			return errors.Wrapf(err, "remove divergent document %v", d.ID())
		}
	}
	return nil
}
