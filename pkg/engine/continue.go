package engine

import (
	"context"

	"github.com/workflowd/engine/internal/id"
	"github.com/workflowd/engine/pkg/advance"
	"github.com/workflowd/engine/pkg/blocker"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/gate"
	"github.com/workflowd/engine/pkg/projection"
	"github.com/workflowd/engine/pkg/prompt"
	"github.com/workflowd/engine/pkg/token"
)

// ContinueRequest is one continue_workflow call; Intent is "rehydrate" or
// "advance" (spec §6.1).
type ContinueRequest struct {
	Intent     string
	StateToken string
	AckToken   string
	Output     advance.Submission
	Context    map[string]any
}

// ContinueResponse is continue_workflow's tagged-union result: Kind is "ok"
// or "blocked". Blockers/Retryable/RetryAckToken/Validation are populated
// only when Kind is "blocked".
type ContinueResponse struct {
	Kind            string
	StateToken      string
	AckToken        string
	CheckpointToken string
	IsComplete      bool
	Pending         *prompt.Rendered
	Preferences     Preferences
	NextIntent      string
	NextCall        *NextCall

	Blockers      []blocker.Blocker
	Retryable     bool
	RetryAckToken string
	Validation    *ValidationSummary
}

// ContinueWorkflow dispatches on req.Intent: "advance" delegates to
// pkg/advance's critical-section state machine; "rehydrate" re-derives the
// current prompt from the log without writing anything.
func ContinueWorkflow(ctx context.Context, deps Deps, req ContinueRequest) (ContinueResponse, error) {
	switch req.Intent {
	case "advance":
		return continueAdvance(ctx, deps, req)
	case "rehydrate":
		return continueRehydrate(ctx, deps, req)
	default:
		return ContinueResponse{}, &ValidationError{Reason: "intent must be \"advance\" or \"rehydrate\", got " + req.Intent}
	}
}

func continueAdvance(ctx context.Context, deps Deps, req ContinueRequest) (ContinueResponse, error) {
	if req.AckToken == "" {
		return ContinueResponse{}, &ValidationError{Reason: "ackToken is required for intent=advance"}
	}

	reqContext := req.Context
	if reqContext == nil {
		reqContext = map[string]any{}
	}

	advResp, err := advance.Advance(ctx, deps.advanceDeps(), advance.Request{
		StateToken: req.StateToken,
		AckToken:   req.AckToken,
		Output:     req.Output,
		Context:    reqContext,
	})
	if err != nil {
		return ContinueResponse{}, err
	}

	if advResp.Kind == "blocked" {
		resp := ContinueResponse{
			Kind:          "blocked",
			StateToken:    advResp.StateToken,
			Pending:       advResp.Pending,
			Preferences:   deps.preferences(),
			Blockers:      advResp.Blockers,
			Retryable:     advResp.Retryable,
			RetryAckToken: advResp.RetryAckToken,
			Validation:    validationSummaryFromBlockers(advResp.Blockers),
		}
		if advResp.Retryable {
			resp.NextIntent = "advance"
			resp.NextCall = advanceNextCall(advResp.StateToken, advResp.RetryAckToken)
		}
		return resp, nil
	}

	resp := ContinueResponse{
		Kind:            "ok",
		StateToken:      advResp.StateToken,
		AckToken:        advResp.AckToken,
		CheckpointToken: advResp.CheckpointToken,
		IsComplete:      advResp.IsComplete,
		Pending:         advResp.Pending,
		Preferences:     deps.preferences(),
	}
	if advResp.Pending != nil {
		resp.NextIntent = "advance"
		resp.NextCall = advanceNextCall(advResp.StateToken, advResp.AckToken)
	}
	return resp, nil
}

// continueRehydrate re-derives the current node's prompt without mutating
// the log. It deliberately bypasses the gate: spec §5 distinguishes readers
// (which may proceed concurrently with writers) from the gate's exclusive
// lock, which only writers need. A strict Load still gives rehydrate the
// same health guarantees the gate's precheck would.
func continueRehydrate(ctx context.Context, deps Deps, req ContinueRequest) (ContinueResponse, error) {
	var state token.StatePayload
	if err := token.VerifyText(req.StateToken, token.KindState, deps.Keyring, &state); err != nil {
		return ContinueResponse{}, err
	}

	truth, err := deps.Log.Load(state.SessionID)
	if err != nil {
		health := projection.FromLoadError(err)
		return ContinueResponse{}, &gate.ErrNotHealthy{SessionID: state.SessionID, Health: health}
	}

	recordedHashRef, ok := workflowHashRefForRun(truth.Events, state.RunID)
	if !ok {
		return ContinueResponse{}, &InternalError{Reason: "run " + state.RunID + " has no recorded run_started"}
	}
	if recordedHashRef != state.WorkflowHashRef {
		return ContinueResponse{}, &token.WorkflowHashMismatchError{Expected: recordedHashRef, Got: state.WorkflowHashRef}
	}

	dag := projection.ProjectRunDAG(truth.Events, state.RunID)
	node, ok := dag.Nodes[state.NodeID]
	if !ok {
		return ContinueResponse{}, &token.UnknownNodeError{NodeID: state.NodeID}
	}

	workflowSnap, found, err := deps.Workflows.Get(ctx, state.WorkflowHashRef)
	if err != nil {
		return ContinueResponse{}, err
	}
	if !found {
		return ContinueResponse{}, &InternalError{Reason: "pinned workflow " + state.WorkflowHashRef + " not found"}
	}
	step, ok := workflowSnap.StepByID(node.StepID)
	if !ok {
		return ContinueResponse{}, &InternalError{Reason: "step " + node.StepID + " not found in pinned workflow"}
	}

	snapshotRef, ok := projection.FindNodeSnapshotRef(truth.Events, state.NodeID)
	if !ok {
		return ContinueResponse{}, &InternalError{Reason: "node " + state.NodeID + " has no recorded snapshotRef"}
	}
	snap, found, err := deps.Snapshots.Get(ctx, snapshotRef)
	if err != nil {
		return ContinueResponse{}, err
	}
	if !found {
		return ContinueResponse{}, &InternalError{Reason: "execution snapshot " + snapshotRef + " not found"}
	}
	engineState := snap.Payload.EngineState

	resp := ContinueResponse{
		Kind:        "ok",
		StateToken:  req.StateToken,
		IsComplete:  engineState.IsComplete(),
		Preferences: deps.preferences(),
	}
	if resp.IsComplete {
		return resp, nil
	}

	attempt := currentOutstandingAttempt(truth.Events, state.NodeID)
	ackText, err := token.SignText(token.KindAck, token.AckPayload{
		SessionID: state.SessionID, RunID: state.RunID, NodeID: state.NodeID, AttemptID: attempt,
	}, deps.Keyring)
	if err != nil {
		return ContinueResponse{}, err
	}
	checkpointText, err := token.SignText(token.KindCheckpoint, token.CheckpointPayload{
		SessionID: state.SessionID, RunID: state.RunID, NodeID: state.NodeID, AttemptID: attempt,
	}, deps.Keyring)
	if err != nil {
		return ContinueResponse{}, err
	}

	outputs := projection.ProjectNodeOutputs(truth.Events)
	rendered := prompt.Render(prompt.Input{
		Workflow: workflowSnap, Step: step, LoopStack: engineState.LoopStack,
		Intent: prompt.IntentRehydrate, DAG: dag, CurrentNodeID: state.NodeID,
		Outputs: outputs, Events: truth.Events, RecoveryBudgetBytes: deps.RecoveryBytes,
	})

	resp.AckToken = ackText
	resp.CheckpointToken = checkpointText
	resp.Pending = &rendered
	resp.NextIntent = "advance"
	resp.NextCall = advanceNextCall(req.StateToken, ackText)
	return resp, nil
}

// currentOutstandingAttempt recovers the attempt id the agent should submit
// against: the latest retryAttemptId recorded for a blocked attempt on
// nodeID, or the node's root attempt if it has never been blocked.
func currentOutstandingAttempt(events []eventlog.Event, nodeID string) string {
	attempt := ""
	latestIndex := -1
	for _, e := range events {
		if e.Kind != eventlog.KindAdvanceRecorded || eventlog.AdvanceScope(e.Scope) != eventlog.AdvanceBlocked {
			continue
		}
		if nid, _ := e.Data["nodeId"].(string); nid != nodeID {
			continue
		}
		if e.EventIndex > latestIndex {
			latestIndex = e.EventIndex
			attempt, _ = e.Data["retryAttemptId"].(string)
		}
	}
	if attempt != "" {
		return attempt
	}
	return id.RootAttempt(nodeID)
}
