// Package engine wires pkg/gate, pkg/advance, pkg/prompt, pkg/token and
// pkg/pinnedstore into the three MCP-facing operations spec §6.1 describes:
// start_workflow, continue_workflow, and checkpoint_workflow. It is the
// outermost layer: the only place that resolves a workflowId to a compiled
// workflow, bootstraps a brand-new session, and translates every internal
// error into the closed §7 taxonomy.
package engine

import (
	"context"
	"errors"

	"github.com/workflowd/engine/internal/cas"
	"github.com/workflowd/engine/internal/obs"
	"github.com/workflowd/engine/pkg/advance"
	"github.com/workflowd/engine/pkg/apierror"
	"github.com/workflowd/engine/pkg/blocker"
	"github.com/workflowd/engine/pkg/contextcheck"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/gate"
	"github.com/workflowd/engine/pkg/keyring"
	"github.com/workflowd/engine/pkg/pinnedstore"
	"github.com/workflowd/engine/pkg/snapshot"
	"github.com/workflowd/engine/pkg/token"
)

// Autonomy is the configured default echoed back to the agent in
// Preferences; the engine itself never branches on its value (spec.md
// mentions autonomy only as a preference to surface, not a control input).
type Autonomy string

const (
	AutonomySupervised Autonomy = "supervised"
	AutonomyAutonomous Autonomy = "autonomous"
)

// WorkflowSource resolves a workflowId to its compiled definition. It is a
// thin, non-validating adapter supplied by cmd/workflowd — workflow file
// loading, parsing, and validation from disk are out of scope for this
// package (spec.md §1).
type WorkflowSource interface {
	Resolve(ctx context.Context, workflowID string) (pinnedstore.CompiledWorkflow, bool, error)
}

// ObservationResolver best-effort-resolves anchors (e.g. a git commit) for a
// workspace path at start_workflow time (spec §6.4). A nil Deps.Observer, or
// a resolution that reports ok=false, simply omits the observation_recorded
// event — resolution never blocks or fails the call.
type ObservationResolver interface {
	Resolve(ctx context.Context, workspacePath string) (anchors map[string]string, ok bool)
}

// Deps wires every store and policy the three operations need. One Deps is
// shared across requests; it holds no per-request state.
type Deps struct {
	Keyring            *keyring.Keyring
	Gate               *gate.Gate
	Log                *eventlog.Store
	Workflows          *pinnedstore.Store
	Snapshots          *snapshot.Store
	Source             WorkflowSource
	Observer           ObservationResolver
	ContextLimits      contextcheck.Limits
	RiskPolicy         blocker.RiskPolicy
	RecoveryBytes      int
	CapabilityStatuses map[string]blocker.CapabilityStatus
	DefaultAutonomy    Autonomy
	Obs                *obs.Observability
}

// advanceDeps narrows Deps down to what pkg/advance needs.
func (d Deps) advanceDeps() advance.Deps {
	return advance.Deps{
		Keyring:            d.Keyring,
		Gate:               d.Gate,
		Log:                d.Log,
		Workflows:          d.Workflows,
		Snapshots:          d.Snapshots,
		ContextLimits:      d.ContextLimits,
		RiskPolicy:         d.RiskPolicy,
		RecoveryBytes:      d.RecoveryBytes,
		CapabilityStatuses: d.CapabilityStatuses,
		Obs:                d.Obs,
	}
}

// Preferences echoes the session's configured autonomy and risk policy back
// to the agent; spec.md names "autonomy" once with no further definition,
// so the engine treats it as a pass-through preference, not a decision
// input.
type Preferences struct {
	Autonomy   string `json:"autonomy"`
	RiskPolicy string `json:"riskPolicy"`
}

func (d Deps) preferences() Preferences {
	autonomy := d.DefaultAutonomy
	if autonomy == "" {
		autonomy = AutonomySupervised
	}
	return Preferences{Autonomy: string(autonomy), RiskPolicy: string(d.RiskPolicy)}
}

// NextCall is the machine-readable template telling the agent what to call
// next; nil when the run is complete or irrecoverably blocked.
type NextCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func advanceNextCall(stateToken, ackToken string) *NextCall {
	return &NextCall{
		Tool: "continue_workflow",
		Arguments: map[string]any{
			"intent":     "advance",
			"stateToken": stateToken,
			"ackToken":   ackToken,
		},
	}
}

// checkpointNextCall omits ackToken: checkpoint_workflow never re-issues
// one, so the agent supplies the ackToken it already holds for this node.
func checkpointNextCall(stateToken string) *NextCall {
	return &NextCall{
		Tool: "continue_workflow",
		Arguments: map[string]any{
			"intent":     "advance",
			"stateToken": stateToken,
		},
	}
}

// ValidationSummary reports output-contract validation results; present
// only on a blocked ContinueResponse (spec.md's continue_workflow wire
// contract scopes "validation?" to the blocked branch).
type ValidationSummary struct {
	ContractName string   `json:"contractName"`
	Passed       bool     `json:"passed"`
	Errors       []string `json:"errors,omitempty"`
}

// validationSummaryFromBlockers extracts the output-contract validation
// outcome from a blocked advance's blockers, or nil if none of them concern
// the output contract.
func validationSummaryFromBlockers(blockers []blocker.Blocker) *ValidationSummary {
	var contractName string
	var errs []string
	for _, b := range blockers {
		if b.Pointer.Kind != blocker.PointerOutputContract {
			continue
		}
		if contractName == "" {
			contractName = b.Pointer.Payload
		}
		errs = append(errs, b.Message)
	}
	if contractName == "" && len(errs) == 0 {
		return nil
	}
	return &ValidationSummary{ContractName: contractName, Passed: false, Errors: errs}
}

// ValidationError marks a malformed request (missing required field, bad
// intent tag); always VALIDATION_ERROR, never retryable.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "engine: validation: " + e.Reason }
func (e *ValidationError) Code() string  { return "VALIDATION_ERROR" }

// NotFoundError marks a reference to a workflowId (or other lookup) that
// WorkflowSource could not resolve.
type NotFoundError struct{ Reason string }

func (e *NotFoundError) Error() string { return "engine: not found: " + e.Reason }
func (e *NotFoundError) Code() string  { return "NOT_FOUND" }

// InternalError marks a shouldn't-happen invariant violation local to this
// package (as opposed to pkg/advance.InvariantError, which is classified by
// advance.ClassifyError).
type InternalError struct{ Reason string }

func (e *InternalError) Error() string { return "engine: invariant violation: " + e.Reason }
func (e *InternalError) Code() string  { return "INTERNAL_ERROR" }

// ClassifyError translates any error raised by this package or one of its
// collaborators into the closed §7 apierror.Envelope. It is the single
// dispatcher mentioned by SPEC_FULL.md §1.2: it tries each collaborator's
// ClassifyError helper in turn and falls back to INTERNAL_ERROR.
func ClassifyError(err error) apierror.Envelope {
	if code, details, ok := token.ClassifyError(err); ok {
		return apierror.NewEnvelope(code, err, 0, details)
	}
	if code, details, retryAfterMs, ok := gate.ClassifyError(err); ok {
		return apierror.NewEnvelope(code, err, retryAfterMs, details)
	}
	if code, details, ok := eventlog.ClassifyError(err); ok {
		return apierror.NewEnvelope(code, err, 0, details)
	}
	if code, details, ok := contextcheck.ClassifyError(err); ok {
		return apierror.NewEnvelope(code, err, 0, details)
	}
	if code, details, ok := advance.ClassifyError(err); ok {
		return apierror.NewEnvelope(code, err, 0, details)
	}
	if code, details, ok := cas.ClassifyError(err); ok {
		return apierror.NewEnvelope(code, err, 0, details)
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return apierror.NewEnvelope(apierror.CodeValidationError, err, 0, nil)
	}
	var nfe *NotFoundError
	if errors.As(err, &nfe) {
		return apierror.NewEnvelope(apierror.CodeNotFound, err, 0, nil)
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return apierror.NewEnvelope(apierror.CodeInternalError, err, 0, nil)
	}

	return apierror.NewEnvelope(apierror.CodeInternalError, err, 0, nil)
}

// workflowHashRefForRun finds the workflowHashRef a run_started event
// recorded for runID.
func workflowHashRefForRun(events []eventlog.Event, runID string) (string, bool) {
	for _, e := range events {
		if e.Kind != eventlog.KindRunStarted {
			continue
		}
		data := e.Data
		if data == nil {
			continue
		}
		if rid, _ := data["runId"].(string); rid != runID {
			continue
		}
		ref, _ := data["workflowHashRef"].(string)
		return ref, ref != ""
	}
	return "", false
}
