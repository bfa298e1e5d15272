package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oplogmirror/tailer/internal/entry"
)

// Mock is an in-memory Adapter, exported (not a _test.go file) so both
// internal/tailer and internal/reconciler tests can inject the same fake,
// mirroring block-spirit/pkg/table/chunker_mock.go's pattern of a shared,
// package-level mock reused across a repo's test suites.
type Mock struct {
	mu   sync.Mutex
	docs map[string]entry.MirroredDoc // keyed by ns + "\x00" + fmt.Sprint(id)

	// UpsertCalls and RemoveCalls record every call for assertions on call
	// count / arguments beyond final state (e.g. "no resolver call was made").
	UpsertCalls []entry.MirroredDoc
	RemoveCalls []entry.DocStub
}

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{docs: make(map[string]entry.MirroredDoc)}
}

func mockKey(ns string, id interface{}) string {
	return ns + "\x00" + fmt.Sprintf("%v", id)
}

func (m *Mock) Upsert(_ context.Context, doc entry.MirroredDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[mockKey(doc.Ns, doc.ID())] = doc
	m.UpsertCalls = append(m.UpsertCalls, doc)
	return nil
}

func (m *Mock) Remove(_ context.Context, stub entry.DocStub) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, mockKey(stub.Ns, stub.ID))
	m.RemoveCalls = append(m.RemoveCalls, stub)
	return nil
}

func (m *Mock) Commit(_ context.Context) error {
	return nil
}

func (m *Mock) GetLastDoc(_ context.Context, nsFilter []string) (entry.MirroredDoc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := toSet(nsFilter)
	var best entry.MirroredDoc
	found := false
	for _, d := range m.docs {
		if len(allowed) > 0 && !allowed[d.Ns] {
			continue
		}
		if !found || d.Ts > best.Ts {
			best = d
			found = true
		}
	}
	return best, found, nil
}

func (m *Mock) Search(_ context.Context, startTS, endTS uint64) ([]entry.MirroredDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []entry.MirroredDoc
	for _, d := range m.docs {
		if d.Ts >= startTS && d.Ts <= endTS {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out, nil
}

// Len returns the number of documents currently held, for test assertions.
func (m *Mock) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Get returns the stored document for (ns, id), for test assertions.
func (m *Mock) Get(ns string, id interface{}) (entry.MirroredDoc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[mockKey(ns, id)]
	return d, ok
}

func toSet(ss []string) map[string]bool {
	if len(ss) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
