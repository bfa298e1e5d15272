// Package source wraps the source cluster's query surfaces: the oplog
// collection (Cursor Manager), the routing front-end (Document Resolver),
// and per-namespace full scans (cold dump).
package source

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/oplogmirror/tailer/internal/entry"
	"github.com/oplogmirror/tailer/internal/log"
	"github.com/oplogmirror/tailer/internal/retry"
)

// Router is what the Document Resolver needs from the routing front-end:
// resolving a database and collection name to a collection handle.
// NewRouter adapts a *mongo.Client to it.
type Router interface {
	Collection(dbName, collName string) Collection
}

// Collection is the subset of *mongo.Collection used here, narrowed so
// fakes can satisfy it in tests without a live server.
type Collection interface {
	FindOne(ctx context.Context, filter interface{}) SingleResult
}

// SingleResult is the subset of *mongo.SingleResult used here.
type SingleResult interface {
	Decode(v interface{}) error
	Err() error
}

// mongoRouter adapts a *mongo.Client to Router.
type mongoRouter struct {
	client *mongo.Client
}

// NewRouter wraps a mongo-driver client pointed at the sharded cluster's
// routing front-end (mongos).
func NewRouter(client *mongo.Client) Router {
	return mongoRouter{client: client}
}

func (r mongoRouter) Collection(dbName, collName string) Collection {
	return mongoCollection{coll: r.client.Database(dbName).Collection(collName)}
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter interface{}) SingleResult {
	return c.coll.FindOne(ctx, filter)
}

// Resolver implements spec.md §4.3: given a LogEntry, fetch the current
// image of the referenced document from the routing front-end, or report
// "not found" if it has since been deleted.
type Resolver struct {
	Router  Router
	Backoff time.Duration
	Log     *log.Event
}

// Resolve returns the current document image for e, or ok=false if the
// document is absent. Transport errors retry indefinitely with Resolver's
// fixed backoff; only a clean "no document" response yields ok=false.
func (r Resolver) Resolve(ctx context.Context, e entry.LogEntry) (doc bson.M, ok bool, err error) {
	id, err := e.DocID()
	if err != nil {
		return nil, false, errors.Wrap(err, "extract document id from log entry")
	}

	dbName, collName, err := splitNamespace(e.Ns)
	if err != nil {
		return nil, false, err
	}
	coll := r.Router.Collection(dbName, collName)

	type result struct {
		doc bson.M
		ok  bool
	}

	res, err := retry.DoValue(ctx, r.Backoff, isTransport(r.Log), func() (result, error) {
		var out bson.M
		sr := coll.FindOne(ctx, bson.M{"_id": id})
		derr := sr.Decode(&out)
		if derr == mongo.ErrNoDocuments {
			return result{}, nil
		}
		if derr != nil {
			return result{}, derr
		}
		return result{doc: out, ok: true}, nil
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "resolve document %v in %s", id, e.Ns)
	}
	return res.doc, res.ok, nil
}

// isTransport classifies every error as transient except context
// cancellation, matching spec.md §4.3's "retries indefinitely on transport
// errors ... returns not found only on a clean no-document response" (the
// clean case never reaches classify, since it's not an error at all).
func isTransport(l *log.Event) retry.Classify {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		if l != nil {
			l.Warn("transient error resolving document, retrying: %v", err)
		}
		return true
	}
}

// MultiKeyClient wraps a *mongo.Client for the Rollback Reconciler's
// multi-key lookups (internal/reconciler.MongoDatabaseClient is satisfied
// structurally; it is declared there, not imported here, to avoid a cycle).
type MultiKeyClient struct {
	client *mongo.Client
}

// NewMultiKeyClient wraps a mongo-driver client pointed at the routing
// front-end for the reconciler's "_id ∈ {...}" queries.
func NewMultiKeyClient(client *mongo.Client) MultiKeyClient {
	return MultiKeyClient{client: client}
}

func (m MultiKeyClient) FindMany(ctx context.Context, dbName, collName string, ids []interface{}) ([]bson.M, error) {
	coll := m.client.Database(dbName).Collection(collName)
	cur, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, errors.Wrap(err, "multi-key find")
	}
	defer cur.Close(ctx)

	var out []bson.M
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode multi-key find result")
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate multi-key find result")
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
