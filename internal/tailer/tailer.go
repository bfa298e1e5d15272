// Package tailer implements the Tailer Loop (spec.md §4.6): the top-level
// state machine that composes the Checkpoint Store, Cursor Manager, Document
// Resolver, and secondary-store adapter into one long-running CDC worker.
package tailer

import (
	"bytes"
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/oplogmirror/tailer/internal/checkpoint"
	"github.com/oplogmirror/tailer/internal/compress"
	"github.com/oplogmirror/tailer/internal/entry"
	"github.com/oplogmirror/tailer/internal/log"
	"github.com/oplogmirror/tailer/internal/oplogts"
	"github.com/oplogmirror/tailer/internal/source"
	"github.com/oplogmirror/tailer/internal/storage"
)

// ErrUnsupportedTopology is returned by Run when IsSharded is false.
// Standalone (unreplicated) source support is unimplemented, per
// SPEC_FULL.md §10.6 point 2: the caller should log and skip this shard
// rather than treat it as fatal.
var ErrUnsupportedTopology = errors.New("tailer: standalone (non-sharded) source is not supported")

// Sink is the subset of sink.Adapter the Tailer Loop drives directly
// (declared locally to avoid internal/tailer depending on internal/sink).
type Sink interface {
	Upsert(ctx context.Context, doc entry.MirroredDoc) error
	Remove(ctx context.Context, stub entry.DocStub) error
}

// Resolver matches source.Resolver's signature exactly, so a *source.Resolver
// satisfies it without any adaptation.
type Resolver interface {
	Resolve(ctx context.Context, e entry.LogEntry) (doc bson.M, ok bool, err error)
}

// Config wires every collaborator and setting the Tailer Loop needs. Oplog
// is used both for the last-oplog-timestamp lookup at cold start and,
// through Cursor, for tailing.
type Config struct {
	ConnKey        string // checkpoint file key: string form of the primary connection
	CheckpointPath string // empty disables persistence
	IsSharded      bool
	Oplog          source.OplogCollection
	Cursor         source.CursorManager
	DocResolver    Resolver
	Dumper         source.Dumper
	Sink           Sink
	CommitInterval time.Duration // spec.md §4.6 COMMIT sleep, default 2s
	RetryInterval  time.Duration // spec.md §4.6 ERROR sleep, default 2s
	Log            *log.Event

	// Archive, when non-nil, receives a gzip-compressed copy of the
	// checkpoint file after every cold start, for disaster recovery when
	// CheckpointPath alone is judged insufficient durability.
	Archive storage.Storage
}

// Tailer is the Tailer Loop: one instance per source shard.
type Tailer struct {
	id      string
	cfg     Config
	log     *log.Event
	running int32
}

// New constructs a Tailer. Each instance is stamped with a uuid for log
// correlation, mirroring google/uuid's other use in internal/checkpoint for
// temp-file naming.
func New(cfg Config) *Tailer {
	l := cfg.Log
	if l == nil {
		l = log.New(nil, log.LevelInfo)
	}
	id := uuid.New().String()
	if cfg.CommitInterval == 0 {
		cfg.CommitInterval = 2 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	return &Tailer{id: id, cfg: cfg, log: l.With("tailer").With(id[:8])}
}

// Stop requests the loop to exit at the next iteration boundary (spec.md
// §4.6 "Termination").
func (t *Tailer) Stop() {
	atomic.StoreInt32(&t.running, 0)
}

// Run executes the INIT/PREPARE/STREAM/COMMIT/ERROR state machine until Stop
// is called or ctx is cancelled.
func (t *Tailer) Run(ctx context.Context) error {
	if !t.cfg.IsSharded {
		return ErrUnsupportedTopology
	}
	atomic.StoreInt32(&t.running, 1)

	commitTS, haveCheckpoint := t.loadCheckpoint()
	coldStarted := false

	for atomic.LoadInt32(&t.running) == 1 {
		if ctx.Err() != nil {
			return nil
		}

		// prepare_for_sync's nil-checkpoint check: a never-seen checkpoint
		// unconditionally cold-starts, exactly once (SPEC_FULL.md §10.4 point 2).
		if !haveCheckpoint && !coldStarted {
			ts, err := t.init(ctx)
			if err != nil {
				t.log.Error("cold start failed: %v", err)
				t.sleep(ctx, t.cfg.RetryInterval)
				continue
			}
			commitTS = ts
			haveCheckpoint = true
			coldStarted = true
		}

		cur, ok, err := t.cfg.Cursor.GetCursor(ctx, commitTS)
		if err != nil {
			t.log.Error("prepare cursor failed: %v", err)
			t.sleep(ctx, t.cfg.RetryInterval)
			continue
		}
		if !ok {
			// A known checkpoint whose cursor came back nil falls back to a
			// full INIT, distinct from the first-iteration case above
			// (SPEC_FULL.md §10.4 point 2).
			ts, err := t.init(ctx)
			if err != nil {
				t.log.Error("cold start after lost cursor failed: %v", err)
				t.sleep(ctx, t.cfg.RetryInterval)
				continue
			}
			commitTS = ts
			continue
		}

		lastTS, advanced, streamErr := t.stream(ctx, cur)
		_ = cur.Close(ctx)

		if streamErr != nil {
			t.log.Error("stream aborted: %v", streamErr)
			t.sleep(ctx, t.cfg.RetryInterval)
			continue
		}
		if advanced {
			commitTS = lastTS
			if err := t.persistCheckpoint(commitTS); err != nil {
				t.log.Error("checkpoint write failed: %v", err)
			}
		}
		t.sleep(ctx, t.cfg.CommitInterval)
	}
	return nil
}

// init implements the INIT state: read the current tail timestamp, cold-dump
// every configured namespace stamped at that timestamp, and persist it as
// commit_ts.
func (t *Tailer) init(ctx context.Context) (oplogts.Timestamp, error) {
	tailRaw, err := t.cfg.Oplog.FindLessThan(ctx, oplogts.Timestamp{Seconds: ^uint32(0), Ordinal: ^uint32(0)})
	if err != nil {
		return oplogts.Timestamp{}, errors.Wrap(err, "read current oplog tail")
	}
	tailEntry, err := entry.ParseRaw(tailRaw)
	if err != nil {
		return oplogts.Timestamp{}, errors.Wrap(err, "parse oplog tail entry")
	}
	now := tailEntry.Ts

	if err := t.cfg.Dumper.Dump(ctx, oplogts.Encode(now)); err != nil {
		return oplogts.Timestamp{}, errors.Wrap(err, "dump configured namespaces")
	}
	if err := t.persistCheckpoint(now); err != nil {
		return oplogts.Timestamp{}, errors.Wrap(err, "persist checkpoint after cold start")
	}
	if err := t.archiveCheckpoint(); err != nil {
		// Archival failure never blocks progress: the local checkpoint file
		// written just above is already durable for this process's own
		// restarts; only disaster-recovery redundancy is degraded.
		t.log.Warn("checkpoint archival failed: %v", err)
	}
	return now, nil
}

// stream implements the STREAM state: apply every entry from cur, tracking
// the last timestamp processed. An error aborts without the partial lastTS
// counting as advanced, per spec.md §4.6 ERROR semantics: the unwritten
// checkpoint guarantees the next cycle restarts at or before the failed
// entry.
func (t *Tailer) stream(ctx context.Context, cur source.Cursor) (lastTS oplogts.Timestamp, advanced bool, err error) {
	for cur.Next(ctx) {
		var raw bson.Raw
		if derr := cur.Decode(&raw); derr != nil {
			return lastTS, advanced, errors.Wrap(derr, "decode oplog entry")
		}

		e, perr := entry.ParseRaw(raw)
		if perr != nil {
			return lastTS, advanced, errors.Wrap(perr, "parse oplog entry")
		}

		if err := t.apply(ctx, e); err != nil {
			return lastTS, advanced, errors.Wrapf(err, "apply entry at %v", e.Ts)
		}

		lastTS = e.Ts
		advanced = true

		if atomic.LoadInt32(&t.running) == 0 || ctx.Err() != nil {
			break
		}
	}
	if cerr := cur.Err(); cerr != nil {
		return lastTS, advanced, errors.Wrap(cerr, "cursor error during stream")
	}
	return lastTS, advanced, nil
}

// apply implements one STREAM iteration's dispatch: delete is a direct
// remove; insert/update resolve the current image and upsert; any other op
// is ignored (spec.md §4.6, §7 "unknown entry op").
func (t *Tailer) apply(ctx context.Context, e entry.LogEntry) error {
	switch e.Op {
	case entry.OpDelete:
		id, err := e.DocID()
		if err != nil {
			return errors.Wrap(err, "extract delete id")
		}
		return t.cfg.Sink.Remove(ctx, entry.DocStub{ID: id, Ns: e.Ns})
	case entry.OpInsert, entry.OpUpdate:
		doc, ok, err := t.cfg.DocResolver.Resolve(ctx, e)
		if err != nil {
			return err
		}
		if !ok {
			return nil // resolver miss: source already deleted it, checkpoint still advances
		}
		return t.cfg.Sink.Upsert(ctx, entry.NewMirroredDoc(doc, e.Ns, oplogts.Encode(e.Ts)))
	default:
		return nil
	}
}

func (t *Tailer) loadCheckpoint() (oplogts.Timestamp, bool) {
	if t.cfg.CheckpointPath == "" {
		return oplogts.Timestamp{}, false
	}
	return checkpoint.Read(t.cfg.CheckpointPath, t.cfg.ConnKey)
}

func (t *Tailer) persistCheckpoint(ts oplogts.Timestamp) error {
	if t.cfg.CheckpointPath == "" {
		return nil
	}
	return checkpoint.Write(t.cfg.CheckpointPath, t.cfg.ConnKey, ts)
}

// archiveCheckpoint uploads a gzip-compressed copy of the local checkpoint
// file to Archive, keyed by this tailer's connection identity.
func (t *Tailer) archiveCheckpoint() error {
	if t.cfg.Archive == nil || t.cfg.CheckpointPath == "" {
		return nil
	}
	raw, err := os.ReadFile(t.cfg.CheckpointPath)
	if err != nil {
		return errors.Wrap(err, "read checkpoint file for archival")
	}
	gz, err := compress.CompressBytes(raw, compress.CompressionGzip)
	if err != nil {
		return errors.Wrap(err, "compress checkpoint file")
	}
	name := "checkpoints/" + t.cfg.ConnKey + ".json.gz"
	return t.cfg.Archive.Save(name, bytes.NewReader(gz), int64(len(gz)))
}

func (t *Tailer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
