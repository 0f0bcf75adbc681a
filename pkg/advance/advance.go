// Package advance implements the advance state machine (spec §4.10): the
// single critical-section operation that parses tokens, replays
// idempotently when possible, validates the agent's submission, detects
// blockers, and otherwise commits the next execution snapshot — all under
// one gate-held lock.
package advance

import (
	"context"
	"errors"
	"fmt"

	"github.com/workflowd/engine/internal/id"
	"github.com/workflowd/engine/internal/obs"
	"github.com/workflowd/engine/internal/witness"
	"github.com/workflowd/engine/pkg/blocker"
	"github.com/workflowd/engine/pkg/contextcheck"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/gate"
	"github.com/workflowd/engine/pkg/keyring"
	"github.com/workflowd/engine/pkg/pinnedstore"
	"github.com/workflowd/engine/pkg/prompt"
	"github.com/workflowd/engine/pkg/apierror"
	"github.com/workflowd/engine/pkg/snapshot"
	"github.com/workflowd/engine/pkg/token"
)

// Deps wires the stores and codecs the machine needs. One Deps is shared
// across requests; it holds no per-request state.
type Deps struct {
	Keyring            *keyring.Keyring
	Gate               *gate.Gate
	Log                *eventlog.Store
	Workflows          *pinnedstore.Store
	Snapshots          *snapshot.Store
	ContextLimits      contextcheck.Limits
	RiskPolicy         blocker.RiskPolicy
	RecoveryBytes      int
	CapabilityStatuses map[string]blocker.CapabilityStatus
	Obs                *obs.Observability
}

// Submission is the agent's output for the pending step.
type Submission struct {
	NotesMarkdown string
	ContractValue any
	HasContract   bool
}

// Request is one continue_workflow(advance) call.
type Request struct {
	StateToken string
	AckToken   string
	Output     Submission
	Context    map[string]any
}

// InvariantError marks a shouldn't-happen state: surfaced as
// INTERNAL_ERROR, never retryable, logged but without sensitive payload.
type InvariantError struct{ Reason string }

func (e *InvariantError) Error() string { return "advance: invariant violation: " + e.Reason }
func (e *InvariantError) Code() string  { return "INTERNAL_ERROR" }

// ClassifyError maps this package's typed error to the closed §7 taxonomy.
func ClassifyError(err error) (code apierror.Code, details map[string]any, ok bool) {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return apierror.CodeInternalError, map[string]any{"reason": ie.Reason}, true
	}
	return "", nil, false
}

// Response is the outcome of one advance: either the run moved to a new
// pending step (or completed), or it is blocked.
type Response struct {
	Kind            string // "ok" | "blocked"
	StateToken      string
	AckToken        string
	CheckpointToken string
	IsComplete      bool
	Pending         *prompt.Rendered
	Blockers        []blocker.Blocker
	Retryable       bool
	RetryAckToken   string
}

// Advance runs one continue_workflow(advance) call to completion.
// ParseTokens happens before the gate is acquired, per spec §4.10 — token
// errors never touch the lock.
func Advance(ctx context.Context, deps Deps, req Request) (Response, error) {
	var state token.StatePayload
	if err := token.VerifyText(req.StateToken, token.KindState, deps.Keyring, &state); err != nil {
		return Response{}, err
	}
	var ack token.AckPayload
	if err := token.VerifyText(req.AckToken, token.KindAck, deps.Keyring, &ack); err != nil {
		return Response{}, err
	}
	if err := token.AssertScopeMatches(state, ack); err != nil {
		return Response{}, err
	}

	var resp Response
	gateErr := deps.Gate.WithHealthySessionLock(state.SessionID, func(w witness.Witness, truth eventlog.Truth) error {
		r, err := runMachine(ctx, deps, w, truth, state, ack, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if gateErr != nil {
		deps.Obs.RecordAdvance(ctx, obs.OutcomeError)
		return Response{}, gateErr
	}
	if resp.Kind == "blocked" {
		deps.Obs.RecordAdvance(ctx, obs.OutcomeBlocked)
	} else {
		deps.Obs.RecordAdvance(ctx, obs.OutcomeAdvanced)
	}
	return resp, nil
}

func dedupeKeyFor(state token.StatePayload, ack token.AckPayload) string {
	return id.DedupeKey("advance", state.SessionID, state.RunID, state.NodeID, ack.AttemptID)
}

func fmtInvariant(format string, args ...any) *InvariantError {
	return &InvariantError{Reason: fmt.Sprintf(format, args...)}
}
