package pinnedstore

import (
	"context"

	"github.com/workflowd/engine/internal/cas"
	"github.com/workflowd/engine/pkg/hashref"
)

// Store is the content-addressed pinned-workflow store. Put is idempotent:
// pinning identical content twice returns the same hash. Get's absence is a
// success return, not an error (spec §4.2).
type Store struct {
	backend cas.Store
}

// New wraps a cas.Store (filesystem- or SQL-backed) as a pinned-workflow
// store.
func New(backend cas.Store) *Store {
	return &Store{backend: backend}
}

// Put stores the pinned form of w and returns its workflowHash.
func (s *Store) Put(ctx context.Context, w CompiledWorkflow) (string, error) {
	snap := w.ToPinned()
	ref, err := hashref.OfCanonicalJSON(snap)
	if err != nil {
		return "", err
	}
	b, err := canonicalBytes(snap)
	if err != nil {
		return "", err
	}
	if err := s.backend.Put(ctx, ref, b); err != nil {
		return "", err
	}
	return ref, nil
}

// Get retrieves the pinned snapshot for workflowHash. found=false means
// absent, not an error.
func (s *Store) Get(ctx context.Context, workflowHash string) (Snapshot, bool, error) {
	b, found, err := s.backend.Get(ctx, workflowHash)
	if err != nil || !found {
		return Snapshot{}, found, err
	}
	snap, err := decodeSnapshot(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}
