// Package sessionlock provides the OS-level exclusive per-session lock
// (spec §4.4). Acquisition never blocks: a busy lock fails fast with
// ErrBusy so the caller can report SESSION_LOCKED and let the client retry.
package sessionlock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/workflowd/engine/internal/id"
)

// ErrBusy is returned by Acquire when another holder already owns the
// session's lock.
type ErrBusy struct {
	SessionID    string
	RetryAfterMs int
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("sessionlock: session %s is locked", e.SessionID)
}
func (e *ErrBusy) Code() string { return "SESSION_LOCKED" }

// DefaultRetryAfterMs is advisory guidance returned to a caller who hit a
// busy lock; it is not a guarantee the lock will be free by then.
const DefaultRetryAfterMs = 250

// Handle is an unforgeable proof of a held lock. The zero value is not a
// valid handle; only Acquire produces one.
type Handle struct {
	sessionID string
	id        string
	file      *os.File
}

// SessionID returns the session this handle holds the lock for.
func (h Handle) SessionID() string { return h.sessionID }

// ID returns a process-local handle identity, useful for diagnostics and
// for tying a Handle to the witness it mints.
func (h Handle) ID() string { return h.id }

// Locker manages per-session OS-level lock files under root.
type Locker struct {
	root string

	// mu guards inProcess, protecting against a reentrant Acquire from the
	// same process racing the O_EXCL-equivalent flock call below (flock is
	// per-file-descriptor; two goroutines in one process can each open their
	// own fd and both succeed at LOCK_EX, which would defeat the exclusivity
	// this package exists to provide).
	mu        sync.Mutex
	inProcess map[string]bool
}

// New creates a Locker rooted at root (normally the same root the event log
// and CAS stores use).
func New(root string) *Locker {
	return &Locker{root: root, inProcess: make(map[string]bool)}
}

func (l *Locker) lockPath(sessionID string) string {
	return filepath.Join(l.root, "sessions", sessionID, "session.lock")
}

// ErrReentrant is returned when the calling process already holds this
// session's lock. The gate package surfaces this as SESSION_LOCK_REENTRANT.
type ErrReentrant struct{ SessionID string }

func (e *ErrReentrant) Error() string {
	return fmt.Sprintf("sessionlock: session %s already locked in this process", e.SessionID)
}
func (e *ErrReentrant) Code() string { return "SESSION_LOCK_REENTRANT" }

// Acquire takes the exclusive lock for sessionID, failing fast (never
// blocking) if it is held by another process or reentrantly within this
// one. Every successful Acquire must be paired with Release.
func (l *Locker) Acquire(sessionID string) (Handle, error) {
	l.mu.Lock()
	if l.inProcess[sessionID] {
		l.mu.Unlock()
		return Handle{}, &ErrReentrant{SessionID: sessionID}
	}
	l.inProcess[sessionID] = true
	l.mu.Unlock()

	path := l.lockPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		l.clearInProcess(sessionID)
		return Handle{}, fmt.Errorf("sessionlock: mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.clearInProcess(sessionID)
		return Handle{}, fmt.Errorf("sessionlock: open: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		l.clearInProcess(sessionID)
		if err == syscall.EWOULDBLOCK {
			return Handle{}, &ErrBusy{SessionID: sessionID, RetryAfterMs: DefaultRetryAfterMs}
		}
		return Handle{}, fmt.Errorf("sessionlock: flock: %w", err)
	}

	return Handle{sessionID: sessionID, id: id.New(), file: f}, nil
}

func (l *Locker) clearInProcess(sessionID string) {
	l.mu.Lock()
	delete(l.inProcess, sessionID)
	l.mu.Unlock()
}

// Release gives up the lock held by h. It is infallible except for
// underlying I/O errors, and safe to defer immediately after a successful
// Acquire.
func (l *Locker) Release(h Handle) error {
	defer l.clearInProcess(h.sessionID)
	if h.file == nil {
		return nil
	}
	if err := syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN); err != nil {
		h.file.Close()
		return fmt.Errorf("sessionlock: unlock: %w", err)
	}
	return h.file.Close()
}
