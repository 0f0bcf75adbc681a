package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/workflowd/engine/internal/witness"
	"github.com/workflowd/engine/pkg/apierror"
)

// Location identifies where in the log corruption was detected.
type Location string

const (
	LocationHead Location = "head"
	LocationTail Location = "tail"
)

// CorruptionError is returned by the strict Load when an invariant in
// spec §3.4 does not hold.
type CorruptionError struct {
	Location Location
	Reason   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("eventlog: corruption detected (%s): %s", e.Location, e.Reason)
}
func (e *CorruptionError) Code() string { return "STORAGE_CORRUPTION_DETECTED" }

// ClassifyError maps this package's typed errors to the closed §7 taxonomy.
func ClassifyError(err error) (code apierror.Code, details map[string]any, ok bool) {
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return apierror.CodeStorageCorruptionDetected, map[string]any{"location": string(ce.Location), "reason": ce.Reason}, true
	}
	return "", nil, false
}

// Store is the append-only per-session event log store, laid out on disk
// per spec §6.3:
//
//	sessions/<sessionId>/events.log     line-delimited canonical-JSON events
//	sessions/<sessionId>/manifest.json  snapshot pins
type Store struct {
	root string
	mu   sync.Mutex // serializes file writes for a single process; cross-process exclusivity is pkg/sessionlock's job
}

// NewStore creates a Store rooted at root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, "sessions", sessionID)
}

func (s *Store) eventsPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "events.log")
}

func (s *Store) manifestPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "manifest.json")
}

// readRawLines reads every line of the session's events.log, returning the
// raw bytes per line (decoding happens in the caller so strict vs.
// permissive loaders can diverge on how they handle a bad line).
func (s *Store) readRawLines(sessionID string) ([][]byte, error) {
	f, err := os.Open(s.eventsPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan: %w", err)
	}
	return lines, nil
}

func (s *Store) readManifest(sessionID string) (Manifest, error) {
	b, err := os.ReadFile(s.manifestPath(sessionID))
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("eventlog: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("eventlog: parse manifest: %w", err)
	}
	return m, nil
}

// Load performs the strict load: any invariant violation fails the whole
// call with CorruptionError.
func (s *Store) Load(sessionID string) (Truth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(sessionID)
}

func (s *Store) loadLocked(sessionID string) (Truth, error) {
	lines, err := s.readRawLines(sessionID)
	if err != nil {
		return Truth{}, err
	}
	if len(lines) == 0 {
		return Truth{}, &CorruptionError{Location: LocationHead, Reason: "session_created missing"}
	}

	events := make([]Event, 0, len(lines))
	seenDedupe := make(map[string]bool, len(lines))
	for i, line := range lines {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			loc := LocationHead
			if i > 0 {
				loc = LocationTail
			}
			return Truth{}, &CorruptionError{Location: loc, Reason: "malformed event json"}
		}
		if ev.EventIndex != i {
			loc := LocationHead
			if i > 0 {
				loc = LocationTail
			}
			return Truth{}, &CorruptionError{Location: loc, Reason: "eventIndex gap"}
		}
		if seenDedupe[ev.DedupeKey] {
			return Truth{}, &CorruptionError{Location: LocationTail, Reason: "duplicate dedupeKey in log"}
		}
		seenDedupe[ev.DedupeKey] = true
		events = append(events, ev)
	}
	if events[0].Kind != KindSessionCreated {
		return Truth{}, &CorruptionError{Location: LocationHead, Reason: "first event is not session_created"}
	}

	manifest, err := s.readManifest(sessionID)
	if err != nil {
		return Truth{}, &CorruptionError{Location: LocationHead, Reason: err.Error()}
	}

	if err := validateManifestCoverage(events, manifest); err != nil {
		return Truth{}, err
	}

	return Truth{Events: events, Manifest: manifest}, nil
}

// validateManifestCoverage enforces invariant 3: every snapshotRef
// referenced by an event appears in a pin with eventIndex <= the
// referencing event's index and a valid createdByEventId.
func validateManifestCoverage(events []Event, manifest Manifest) error {
	pinnedBefore := func(ref string, atIndex int) bool {
		for _, p := range manifest.Pins {
			if p.SnapshotRef == ref && p.EventIndex <= atIndex {
				return true
			}
		}
		return false
	}
	eventByID := make(map[string]Event, len(events))
	for _, e := range events {
		eventByID[e.EventID] = e
	}
	for _, p := range manifest.Pins {
		if _, ok := eventByID[p.CreatedByEvent]; !ok {
			return &CorruptionError{Location: LocationHead, Reason: "manifest pin has unknown createdByEventId"}
		}
	}
	for _, e := range events {
		ref, ok := snapshotRefOf(e)
		if !ok {
			continue
		}
		if !pinnedBefore(ref, e.EventIndex) {
			return &CorruptionError{Location: LocationHead, Reason: "event references unpinned snapshotRef"}
		}
	}
	return nil
}

func snapshotRefOf(e Event) (string, bool) {
	if e.Data == nil {
		return "", false
	}
	v, ok := e.Data["snapshotRef"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// LoadValidatedPrefix performs the permissive load: it returns the longest
// valid prefix of the log, plus a tail-failure reason if a break was found
// after at least one valid event. Head corruption still fails closed.
func (s *Store) LoadValidatedPrefix(sessionID string) (truth Truth, isComplete bool, tailReason string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readRawLines(sessionID)
	if err != nil {
		return Truth{}, false, "", err
	}
	if len(lines) == 0 {
		return Truth{}, false, "", &CorruptionError{Location: LocationHead, Reason: "session_created missing"}
	}

	events := make([]Event, 0, len(lines))
	seenDedupe := make(map[string]bool, len(lines))
	for i, line := range lines {
		var ev Event
		if jsonErr := json.Unmarshal(line, &ev); jsonErr != nil {
			if i == 0 {
				return Truth{}, false, "", &CorruptionError{Location: LocationHead, Reason: "malformed event json"}
			}
			return Truth{Events: events}, false, "malformed event json", nil
		}
		if ev.EventIndex != i {
			if i == 0 {
				return Truth{}, false, "", &CorruptionError{Location: LocationHead, Reason: "eventIndex gap"}
			}
			return Truth{Events: events}, false, "eventIndex gap", nil
		}
		if seenDedupe[ev.DedupeKey] {
			return Truth{Events: events}, false, "duplicate dedupeKey in log", nil
		}
		seenDedupe[ev.DedupeKey] = true
		events = append(events, ev)
	}
	if events[0].Kind != KindSessionCreated {
		return Truth{}, false, "", &CorruptionError{Location: LocationHead, Reason: "first event is not session_created"}
	}

	manifest, mErr := s.readManifest(sessionID)
	if mErr != nil {
		return Truth{}, false, "", &CorruptionError{Location: LocationHead, Reason: mErr.Error()}
	}
	if covErr := validateManifestCoverage(events, manifest); covErr != nil {
		var ce *CorruptionError
		if ok := asCorruption(covErr, &ce); ok && ce.Location == LocationHead {
			return Truth{}, false, "", covErr
		}
		return Truth{Events: events, Manifest: manifest}, false, "manifest coverage broken", nil
	}

	return Truth{Events: events, Manifest: manifest}, true, "", nil
}

func asCorruption(err error, target **CorruptionError) bool {
	ce, ok := err.(*CorruptionError)
	if ok {
		*target = ce
	}
	return ok
}

// Batch is one atomically-appended unit of work.
type Batch struct {
	Events       []Event
	SnapshotPins []SnapshotPin
}

// Append durably persists batch under witness's proof of a held, healthy
// lock. Events already present by DedupeKey are silently dropped (the
// idempotent-replay invariant); the rest are assigned successive
// eventIndex values starting at the log's current length.
func (s *Store) Append(w witness.Witness, sessionID string, batch Batch) error {
	if w.SessionID() != sessionID {
		return fmt.Errorf("eventlog: witness session mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	truth, err := s.loadLockedOrEmpty(sessionID)
	if err != nil {
		return err
	}

	nextIndex := len(truth.Events)
	eventIndexByID := make(map[string]int, len(truth.Events))
	for _, e := range truth.Events {
		eventIndexByID[e.EventID] = e.EventIndex
	}

	var toWrite []Event
	for _, e := range batch.Events {
		if _, dup := truth.HasDedupeKey(e.DedupeKey); dup {
			continue
		}
		dupWithinBatch := false
		for _, w := range toWrite {
			if w.DedupeKey == e.DedupeKey {
				dupWithinBatch = true
				break
			}
		}
		if dupWithinBatch {
			continue
		}
		e.EventIndex = nextIndex
		eventIndexByID[e.EventID] = nextIndex
		nextIndex++
		toWrite = append(toWrite, e)
	}

	if err := s.appendEventsAtomic(sessionID, toWrite); err != nil {
		return err
	}

	if len(batch.SnapshotPins) > 0 {
		manifest := truth.Manifest
		for _, p := range batch.SnapshotPins {
			idx, ok := eventIndexByID[p.CreatedByEvent]
			if !ok {
				return fmt.Errorf("eventlog: snapshot pin references unknown event %q", p.CreatedByEvent)
			}
			p.EventIndex = idx
			manifest.Pins = append(manifest.Pins, p)
		}
		if err := s.writeManifestAtomic(sessionID, manifest); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadLockedOrEmpty(sessionID string) (Truth, error) {
	if _, statErr := os.Stat(s.eventsPath(sessionID)); os.IsNotExist(statErr) {
		return Truth{}, nil
	}
	return s.loadLocked(sessionID)
}

func (s *Store) appendEventsAtomic(sessionID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return fmt.Errorf("eventlog: mkdir: %w", err)
	}
	f, err := os.OpenFile(s.eventsPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open for append: %w", err)
	}
	defer f.Close()

	var buf []byte
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("eventlog: marshal event: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	return f.Sync()
}

func (s *Store) writeManifestAtomic(sessionID string, m Manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("eventlog: marshal manifest: %w", err)
	}
	path := s.manifestPath(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("eventlog: write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}
