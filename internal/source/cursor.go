package source

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/oplogmirror/tailer/internal/log"
	"github.com/oplogmirror/tailer/internal/oplogts"
)

// Cursor is the subset of *mongo.Cursor the Cursor Manager and Tailer Loop
// need, narrowed so tests can supply a fake.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// OplogCollection is the subset of *mongo.Collection the Cursor Manager
// needs: a tailable-await find, and the two point queries spec.md §4.4
// requires for divergence detection.
type OplogCollection interface {
	// Tail opens a tailable, await-data cursor filtered by ts >= from,
	// sorted ascending by natural order.
	Tail(ctx context.Context, from oplogts.Timestamp) (Cursor, error)
	// FindEqual returns the first entry with ts == at, or mongo.ErrNoDocuments.
	FindEqual(ctx context.Context, at oplogts.Timestamp) (bson.Raw, error)
	// FindLessThan returns the greatest entry with ts < before, sorted by
	// natural order descending, or mongo.ErrNoDocuments.
	FindLessThan(ctx context.Context, before oplogts.Timestamp) (bson.Raw, error)
}

// Reconciler is the collaborator invoked when the cursor's resume point has
// fallen off the log but the log itself is intact (spec.md §4.4, §4.5).
type Reconciler interface {
	Reconcile(ctx context.Context) (safeResumeTS oplogts.Timestamp, ok bool, err error)
}

// CursorManager implements spec.md §4.4's cursor lifecycle state machine:
// NONE -> OPENED_UNVALIDATED -> OPEN | LOST, with LOST transitioning via
// reconciliation or cold-start back to NONE.
type CursorManager struct {
	Oplog      OplogCollection
	Reconciler Reconciler
	Log        *log.Event
}

// GetCursor opens and validates a tailing cursor positioned at ts. Without
// an error, it returns ok=false when the log has been wiped entirely (no
// entry precedes ts either) or when the Reconciler reports reconciliation
// impossible; the caller must then cold-start.
func (m CursorManager) GetCursor(ctx context.Context, ts oplogts.Timestamp) (cur Cursor, ok bool, err error) {
	cur, openErr := m.Oplog.Tail(ctx, ts)
	if openErr == nil {
		valid, verr := m.validate(ctx, cur, ts)
		if verr != nil {
			_ = cur.Close(ctx)
			return nil, false, verr
		}
		if valid {
			return cur, true, nil
		}
		_ = cur.Close(ctx)
	}
	// Either the open itself failed, or the first entry read back was not
	// exactly ts: the resume point is not where we left it. Run the
	// divergence probe.
	return m.recoverFromLostCursor(ctx, ts)
}

// validate reads one entry and confirms it matches ts exactly, per
// spec.md §4.4: "if its timestamp equals the requested ts, the resume point
// is still in the log".
func (m CursorManager) validate(ctx context.Context, cur Cursor, ts oplogts.Timestamp) (bool, error) {
	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return false, nil // immediate read failed: treat as lost, not fatal
		}
		return false, nil
	}

	var raw bson.Raw
	if err := cur.Decode(&raw); err != nil {
		return false, errors.Wrap(err, "decode first cursor entry")
	}

	entryTS, err := tsOf(raw)
	if err != nil {
		return false, err
	}
	return oplogts.Compare(entryTS, ts) == 0, nil
}

// recoverFromLostCursor mirrors oplog_manager.py's get_oplog_cursor fallback:
// when the tailable cursor itself came back invalid, first re-check the exact
// resume point with a point query (FindEqual) before concluding the log has
// diverged. If ts is still present, the failure was transient (a hiccup
// opening or reading the tailable socket, not data loss), so the cursor is
// simply reopened. Only a genuine absence of ts falls through to the
// divergence probe: if an entry older than ts exists, the log is intact but
// rolled back, so the Rollback Reconciler is invoked and GetCursor recurses
// on its new safe resume timestamp. If no older entry exists either, the log
// has been wiped.
func (m CursorManager) recoverFromLostCursor(ctx context.Context, ts oplogts.Timestamp) (Cursor, bool, error) {
	_, eqErr := m.Oplog.FindEqual(ctx, ts)
	if eqErr == nil {
		if m.Log != nil {
			m.Log.Warn("resume point %v still present after cursor failure, reopening", ts)
		}
		cur, err := m.Oplog.Tail(ctx, ts)
		if err != nil {
			return nil, false, errors.Wrap(err, "reopen tailing cursor at confirmed resume point")
		}
		return cur, true, nil
	}
	if eqErr != mongo.ErrNoDocuments {
		return nil, false, errors.Wrap(eqErr, "probe for entry at lost resume point")
	}

	_, probeErr := m.Oplog.FindLessThan(ctx, ts)
	if probeErr == mongo.ErrNoDocuments {
		if m.Log != nil {
			m.Log.Warn("oplog wiped: no entry before %v, cold start required", ts)
		}
		return nil, false, nil
	}
	if probeErr != nil {
		return nil, false, errors.Wrap(probeErr, "probe for entry before lost resume point")
	}

	if m.Log != nil {
		m.Log.Warn("resume point %v lost, log intact: invoking reconciler", ts)
	}
	if m.Reconciler == nil {
		return nil, false, errors.New("cursor lost and no reconciler configured")
	}

	safeTS, ok, err := m.Reconciler.Reconcile(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "reconcile after lost cursor")
	}
	if !ok {
		return nil, false, nil
	}
	return m.GetCursor(ctx, safeTS)
}

func tsOf(raw bson.Raw) (oplogts.Timestamp, error) {
	var wrapper struct {
		Ts struct {
			T uint32 `bson:"t"`
			I uint32 `bson:"i"`
		} `bson:"ts"`
	}
	// bson.Raw of a primitive.Timestamp field decodes cleanly into a struct
	// with T/I uint32 fields via the driver's bsoncodec for Timestamp.
	if err := bson.Unmarshal(raw, &wrapper); err != nil {
		return oplogts.Timestamp{}, errors.Wrap(err, "read ts from oplog entry")
	}
	return oplogts.Timestamp{Seconds: wrapper.Ts.T, Ordinal: wrapper.Ts.I}, nil
}

// mongoOplogCollection adapts a *mongo.Collection to OplogCollection.
type mongoOplogCollection struct {
	coll *mongo.Collection
}

// NewOplogCollection wraps the oplog collection handle on the shard's
// primary connection.
func NewOplogCollection(coll *mongo.Collection) OplogCollection {
	return mongoOplogCollection{coll: coll}
}

func (o mongoOplogCollection) Tail(ctx context.Context, from oplogts.Timestamp) (Cursor, error) {
	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetSort(bson.D{{Key: "$natural", Value: 1}})

	cur, err := o.coll.Find(ctx, bson.M{
		"ts": bson.M{"$gte": oplogts.ToPrimitive(from)},
	}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open tailing cursor")
	}
	return cur, nil
}

func (o mongoOplogCollection) FindEqual(ctx context.Context, at oplogts.Timestamp) (bson.Raw, error) {
	var raw bson.Raw
	err := o.coll.FindOne(ctx, bson.M{"ts": oplogts.ToPrimitive(at)}).Decode(&raw)
	return raw, err
}

func (o mongoOplogCollection) FindLessThan(ctx context.Context, before oplogts.Timestamp) (bson.Raw, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}})
	var raw bson.Raw
	err := o.coll.FindOne(ctx, bson.M{
		"ts": bson.M{"$lt": oplogts.ToPrimitive(before)},
	}, opts).Decode(&raw)
	return raw, err
}
