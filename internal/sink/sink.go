// Package sink defines the secondary-store adapter contract (spec.md §6)
// and provides one concrete implementation plus a shared in-memory mock.
package sink

import (
	"context"

	"github.com/oplogmirror/tailer/internal/entry"
)

// Adapter is the contract every secondary-store adapter must satisfy: it is
// the only required collaborator the Tailer Loop, Rollback Reconciler, and
// cold dump have with the secondary store.
type Adapter interface {
	// Upsert inserts or replaces doc by its _id.
	Upsert(ctx context.Context, doc entry.MirroredDoc) error
	// Remove deletes the document identified by stub.
	Remove(ctx context.Context, stub entry.DocStub) error
	// Commit forces durability of prior operations; required before
	// GetLastDoc and Search observe them.
	Commit(ctx context.Context) error
	// GetLastDoc returns the MirroredDoc with the greatest _ts, optionally
	// restricted to namespaces in nsFilter (empty means unrestricted), or
	// ok=false if no matching document exists.
	GetLastDoc(ctx context.Context, nsFilter []string) (doc entry.MirroredDoc, ok bool, err error)
	// Search returns every MirroredDoc with _ts in [startTS, endTS]
	// (inclusive of both bounds).
	Search(ctx context.Context, startTS, endTS uint64) ([]entry.MirroredDoc, error)
}
