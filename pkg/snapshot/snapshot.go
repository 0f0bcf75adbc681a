// Package snapshot defines the execution-snapshot data model (spec §3.3)
// and its content-addressed store.
package snapshot

import (
	"context"
	"encoding/json"

	"github.com/workflowd/engine/internal/cas"
	"github.com/workflowd/engine/pkg/canonjson"
	"github.com/workflowd/engine/pkg/hashref"
)

// Phase is the tag of the EngineState union.
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseBlocked  Phase = "blocked"
	PhaseComplete Phase = "complete"
)

// LoopFrame records one level of loop nesting.
type LoopFrame struct {
	LoopID    string `json:"loopId"`
	Iteration int    `json:"iteration"`
}

// Pending names the next step to run and its loop path.
type Pending struct {
	StepID   string   `json:"stepId"`
	LoopPath []string `json:"loopPath,omitempty"`
}

// BlockKind distinguishes a blocked state the agent can retry from one that
// requires operator intervention.
type BlockKind string

const (
	BlockRetryable BlockKind = "retryable_block"
	BlockTerminal  BlockKind = "terminal_block"
)

// Blocked captures why a run is blocked.
type Blocked struct {
	Kind          BlockKind `json:"kind"`
	Blockers      []string  `json:"blockers"`
	ValidationRef string    `json:"validationRef,omitempty"`
	RetryAttempt  string    `json:"retryAttemptId,omitempty"`
}

// EngineState is the tagged union of running/blocked/complete.
type EngineState struct {
	Phase     Phase       `json:"phase"`
	Completed []string    `json:"completed"`
	LoopStack []LoopFrame `json:"loopStack,omitempty"`
	Pending   *Pending    `json:"pending,omitempty"` // running only
	Blocked   *Blocked    `json:"blocked,omitempty"` // blocked only
}

// IsComplete reports whether the engine state is the terminal "complete"
// phase.
func (e EngineState) IsComplete() bool { return e.Phase == PhaseComplete }

// HasCompleted reports whether stepID is in the completed set.
func (e EngineState) HasCompleted(stepID string) bool {
	for _, s := range e.Completed {
		if s == stepID {
			return true
		}
	}
	return false
}

// EnginePayload wraps EngineState with its own version tag (spec §3.3).
type EnginePayload struct {
	V           int         `json:"v"`
	EngineState EngineState `json:"engineState"`
}

// Snapshot is the content-addressed execution snapshot value.
type Snapshot struct {
	V       int           `json:"v"`
	Kind    string        `json:"kind"`
	Payload EnginePayload `json:"enginePayload"`
}

// New wraps an EngineState as a Snapshot, ready to be content-addressed.
func New(state EngineState) Snapshot {
	return Snapshot{V: 1, Kind: "execution_snapshot", Payload: EnginePayload{V: 1, EngineState: state}}
}

// Store is the content-addressed execution-snapshot store.
type Store struct {
	backend cas.Store
}

// NewStore wraps a cas.Store as a snapshot store.
func NewStore(backend cas.Store) *Store {
	return &Store{backend: backend}
}

// Put stores snap and returns its snapshotRef.
func (s *Store) Put(ctx context.Context, snap Snapshot) (string, error) {
	ref, err := hashref.OfCanonicalJSON(snap)
	if err != nil {
		return "", err
	}
	b, err := canonjson.Marshal(snap)
	if err != nil {
		return "", err
	}
	if err := s.backend.Put(ctx, ref, b); err != nil {
		return "", err
	}
	return ref, nil
}

// Get retrieves the snapshot stored under ref. found=false means absent.
func (s *Store) Get(ctx context.Context, ref string) (Snapshot, bool, error) {
	b, found, err := s.backend.Get(ctx, ref)
	if err != nil || !found {
		return Snapshot{}, found, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}
