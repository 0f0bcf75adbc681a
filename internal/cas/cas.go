// Package cas is the shared content-addressed-storage backend used by both
// pkg/pinnedstore and pkg/snapshot. Both stores have identical put/get/
// idempotency semantics (spec §4.2); only the Go type they marshal differs,
// so the byte-level storage concern is factored out once here — grounded on
// the teacher's pkg/checkpoint/storage.go Save/Load/Clear shape, generalized
// from a single session-scoped key to a global content address.
package cas

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/workflowd/engine/pkg/apierror"
	"github.com/workflowd/engine/pkg/hashref"
)

// Store is a content-addressed byte store: Put is idempotent, Get returns
// (nil, false, nil) for an absent ref (absence is success, not error), and a
// hash mismatch on read is reported as ErrCorruption.
type Store interface {
	Put(ctx context.Context, ref string, b []byte) error
	Get(ctx context.Context, ref string) ([]byte, bool, error)
}

// ErrCorruption is returned when stored bytes don't hash to the ref they
// were retrieved under.
type ErrCorruption struct {
	Ref string
	Err error
}

func (e *ErrCorruption) Error() string {
	return fmt.Sprintf("cas: corruption detected for %s: %v", e.Ref, e.Err)
}
func (e *ErrCorruption) Unwrap() error { return e.Err }
func (e *ErrCorruption) Code() string  { return "CORRUPTION_DETECTED" }

// ClassifyError maps this package's typed error to the closed §7 taxonomy.
func ClassifyError(err error) (code apierror.Code, details map[string]any, ok bool) {
	var ce *ErrCorruption
	if errors.As(err, &ce) {
		return apierror.CodeStorageCorruptionDetected, map[string]any{"ref": ce.Ref}, true
	}
	return "", nil, false
}

// FileStore is the on-disk CAS backend, laid out per spec §6.3:
// <root>/<first-2-hex>/<remaining-62-hex>.json
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore rooted at root, creating the directory if
// needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cas: mkdir %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) pathFor(ref string) (string, error) {
	if !hashref.Valid(ref) {
		return "", fmt.Errorf("cas: invalid ref %q", ref)
	}
	hexPart := ref[len(hashref.Prefix):]
	return filepath.Join(s.root, hexPart[:2], hexPart[2:]+".json"), nil
}

// Put stores b under ref. Put-then-put of identical content is a no-op.
func (s *FileStore) Put(_ context.Context, ref string, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(ref)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil // idempotent
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cas: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("cas: write: %w", err)
	}
	return os.Rename(tmp, path)
}

// Get retrieves the bytes stored under ref, verifying their hash.
func (s *FileStore) Get(_ context.Context, ref string) ([]byte, bool, error) {
	path, err := s.pathFor(ref)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cas: read: %w", err)
	}
	if verr := hashref.Verify(ref, b); verr != nil {
		return nil, false, &ErrCorruption{Ref: ref, Err: verr}
	}
	return b, true, nil
}
