package advance

import (
	"context"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/workflowd/engine/internal/id"
	"github.com/workflowd/engine/internal/witness"
	"github.com/workflowd/engine/pkg/blocker"
	"github.com/workflowd/engine/pkg/contextcheck"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/pinnedstore"
	"github.com/workflowd/engine/pkg/projection"
	"github.com/workflowd/engine/pkg/prompt"
	"github.com/workflowd/engine/pkg/snapshot"
	"github.com/workflowd/engine/pkg/token"
)

// runMachine executes one advance under the gate's held lock: CheckReplay,
// then (on a miss) ValidateContext, DetectBlockers, and the blocked/advanced
// write paths, all within the single batch the witness authorizes.
func runMachine(ctx context.Context, deps Deps, w witness.Witness, truth eventlog.Truth, state token.StatePayload, ack token.AckPayload, req Request) (Response, error) {
	dedupeKey := dedupeKeyFor(state, ack)
	if recorded, ok := truth.HasDedupeKey(dedupeKey); ok {
		return replayFromFacts(ctx, deps, truth, state, recorded)
	}

	dag := projection.ProjectRunDAG(truth.Events, state.RunID)
	node, ok := dag.Nodes[state.NodeID]
	if !ok {
		return Response{}, &token.ScopeError{Reason: "nodeId"}
	}
	if node.Scope != eventlog.NodeStep {
		return Response{}, fmtInvariant("advance target node %s is not a step node", state.NodeID)
	}

	workflowSnap, found, err := deps.Workflows.Get(ctx, state.WorkflowHashRef)
	if err != nil {
		return Response{}, err
	}
	if !found {
		return Response{}, fmtInvariant("pinned workflow %s not found", state.WorkflowHashRef)
	}
	step, ok := workflowSnap.StepByID(node.StepID)
	if !ok {
		return Response{}, fmtInvariant("step %s not found in pinned workflow %s", node.StepID, state.WorkflowHashRef)
	}

	if err := contextcheck.Validate(req.Context, deps.ContextLimits); err != nil {
		return Response{}, err
	}

	detection := detectionInputFor(deps, step, req)
	blockers := blocker.DetectBlockers(detection)
	blocking, _ := blocker.ApplyGuardrail(deps.RiskPolicy, blockers)
	blocking = blocker.Sort(blocking)

	if len(blocking) > 0 {
		return writeBlocked(ctx, deps, w, state, ack, dedupeKey, step, blocking)
	}
	return writeAdvanced(ctx, deps, w, truth, state, ack, dedupeKey, dag, workflowSnap, step, req)
}

func detectionInputFor(deps Deps, step pinnedstore.Step, req Request) blocker.DetectionInput {
	caps := make(map[string]blocker.CapabilityStatus, len(step.RequiredCapabilities))
	for _, name := range step.RequiredCapabilities {
		status, ok := deps.CapabilityStatuses[name]
		if !ok {
			status = blocker.CapabilityUnknown
		}
		caps[name] = status
	}

	in := blocker.DetectionInput{
		RequiredContextKeys:  step.RequiredContextKeys,
		Context:              req.Context,
		ContextLimits:        deps.ContextLimits,
		RequiresNotes:        !step.SkipNotes,
		HasOutputContract:    step.OutputContract != nil,
		NotesMarkdown:        req.Output.NotesMarkdown,
		RequiredCapabilities: caps,
	}
	if step.OutputContract != nil {
		in.OutputContractName = step.OutputContract.Name
		in.OutputSchema = step.OutputContract.Schema
		in.OutputValue = req.Output.ContractValue
		in.HasOutputValue = req.Output.HasContract
	}
	return in
}

// writeBlocked records a blocked attempt and mints a retry ack token bound
// to a freshly chained attempt id, leaving the pending step unchanged.
func writeBlocked(ctx context.Context, deps Deps, w witness.Witness, state token.StatePayload, ack token.AckPayload, dedupeKey string, step pinnedstore.Step, blocking []blocker.Blocker) (Response, error) {
	blockedNodeID := id.New()
	retryAttemptID := id.ChainAttempt(ack.AttemptID)

	nodeCreatedID := id.New()
	advanceID := id.New()

	batch := eventlog.Batch{
		Events: []eventlog.Event{
			{
				V: 1, EventID: nodeCreatedID, SessionID: state.SessionID,
				Kind: eventlog.KindNodeCreated, Scope: string(eventlog.NodeBlockedAttempt),
				Data: map[string]any{
					"runId": state.RunID, "nodeId": blockedNodeID, "stepId": step.ID,
					"blockers": blocking,
				},
				DedupeKey: id.DedupeKey("node", state.SessionID, blockedNodeID),
			},
			{
				V: 1, EventID: advanceID, SessionID: state.SessionID,
				Kind: eventlog.KindAdvanceRecorded, Scope: string(eventlog.AdvanceBlocked),
				Data: map[string]any{
					"runId": state.RunID, "nodeId": state.NodeID, "blockedNodeId": blockedNodeID,
					"blockers": blocking, "retryAttemptId": retryAttemptID,
				},
				DedupeKey: dedupeKey,
			},
		},
	}
	if err := deps.Log.Append(w, state.SessionID, batch); err != nil {
		return Response{}, err
	}

	retryAck := token.AckPayload{SessionID: state.SessionID, RunID: state.RunID, NodeID: state.NodeID, AttemptID: retryAttemptID}
	retryAckText, err := token.SignText(token.KindAck, retryAck, deps.Keyring)
	if err != nil {
		return Response{}, err
	}
	stateText, err := token.SignText(token.KindState, state, deps.Keyring)
	if err != nil {
		return Response{}, err
	}

	rendered := prompt.Render(prompt.Input{
		Step: step, Intent: prompt.IntentAdvance, RecoveryBudgetBytes: deps.RecoveryBytes,
	})

	return Response{
		Kind:          "blocked",
		StateToken:    stateText,
		Pending:       &rendered,
		Blockers:      blocking,
		Retryable:     true,
		RetryAckToken: retryAckText,
	}, nil
}

// writeAdvanced commits the next execution snapshot and, when one exists,
// the step node and acked_step edge that make it current.
func writeAdvanced(ctx context.Context, deps Deps, w witness.Witness, truth eventlog.Truth, state token.StatePayload, ack token.AckPayload, dedupeKey string, dag projection.RunDAG, workflowSnap pinnedstore.Snapshot, step pinnedstore.Step, req Request) (Response, error) {
	prevRef, ok := projection.FindNodeSnapshotRef(truth.Events, state.NodeID)
	if !ok {
		return Response{}, fmtInvariant("node %s has no recorded snapshotRef", state.NodeID)
	}
	prevSnap, found, err := deps.Snapshots.Get(ctx, prevRef)
	if err != nil {
		return Response{}, err
	}
	if !found {
		return Response{}, fmtInvariant("execution snapshot %s not found", prevRef)
	}
	prevState := prevSnap.Payload.EngineState

	completed := prevState.Completed
	if !prevState.HasCompleted(step.ID) {
		completed = append(append([]string{}, completed...), step.ID)
	}

	nextStep, hasNext := workflowSnap.NextStep(step.ID)

	var newState snapshot.EngineState
	var newNodeID string
	if hasNext {
		newNodeID = id.New()
		loopStack := nextLoopStack(prevState.LoopStack, nextStep)
		newState = snapshot.EngineState{
			Phase:     snapshot.PhaseRunning,
			Completed: completed,
			LoopStack: loopStack,
			Pending:   &snapshot.Pending{StepID: nextStep.ID, LoopPath: loopPathOf(loopStack)},
		}
	} else {
		newNodeID = state.NodeID
		newState = snapshot.EngineState{Phase: snapshot.PhaseComplete, Completed: completed, LoopStack: prevState.LoopStack}
	}

	advanceID := id.New()
	newRef, err := deps.Snapshots.Put(ctx, snapshot.New(newState))
	if err != nil {
		return Response{}, err
	}

	var events []eventlog.Event
	var pins []eventlog.SnapshotPin

	if hasNext {
		nodeCreatedID := id.New()
		edgeID := id.New()
		events = append(events,
			eventlog.Event{
				V: 1, EventID: nodeCreatedID, SessionID: state.SessionID,
				Kind: eventlog.KindNodeCreated, Scope: string(eventlog.NodeStep),
				Data: map[string]any{
					"runId": state.RunID, "nodeId": newNodeID, "stepId": nextStep.ID, "snapshotRef": newRef,
				},
				DedupeKey: id.DedupeKey("node", state.SessionID, newNodeID),
			},
			eventlog.Event{
				V: 1, EventID: edgeID, SessionID: state.SessionID,
				Kind: eventlog.KindEdgeCreated, Scope: string(eventlog.EdgeAckedStep),
				Data: map[string]any{
					"runId": state.RunID, "fromNodeId": state.NodeID, "toNodeId": newNodeID,
				},
				DedupeKey: id.DedupeKey("edge", state.SessionID, state.NodeID, newNodeID),
			},
		)
		pins = append(pins, eventlog.SnapshotPin{SnapshotRef: newRef, CreatedByEvent: nodeCreatedID})
	} else {
		pins = append(pins, eventlog.SnapshotPin{SnapshotRef: newRef, CreatedByEvent: advanceID})
	}

	if notes := strings.TrimSpace(req.Output.NotesMarkdown); notes != "" {
		outputID := id.New()
		events = append(events, eventlog.Event{
			V: 1, EventID: outputID, SessionID: state.SessionID,
			Kind: eventlog.KindNodeOutputAppended, Scope: string(eventlog.OutputRecap),
			Data:      map[string]any{"nodeId": state.NodeID, "value": notes},
			DedupeKey: id.DedupeKey("output", state.SessionID, state.NodeID, "recap"),
		})
	}
	if req.Output.HasContract {
		outputID := id.New()
		events = append(events, eventlog.Event{
			V: 1, EventID: outputID, SessionID: state.SessionID,
			Kind: eventlog.KindNodeOutputAppended, Scope: string(eventlog.OutputArtifact),
			Data:      map[string]any{"nodeId": state.NodeID, "value": req.Output.ContractValue},
			DedupeKey: id.DedupeKey("output", state.SessionID, state.NodeID, "artifact"),
		})
	}
	if step.OutputContract != nil || len(step.ValidationCriteria) > 0 {
		validationID := id.New()
		events = append(events, eventlog.Event{
			V: 1, EventID: validationID, SessionID: state.SessionID,
			Kind:      eventlog.KindValidationPerformed,
			Data:      map[string]any{"runId": state.RunID, "nodeId": state.NodeID, "passed": true},
			DedupeKey: id.DedupeKey("validation", state.SessionID, state.NodeID),
		})
	}

	events = append(events, eventlog.Event{
		V: 1, EventID: advanceID, SessionID: state.SessionID,
		Kind: eventlog.KindAdvanceRecorded, Scope: string(eventlog.AdvanceAdvanced),
		Data: map[string]any{
			"runId": state.RunID, "fromNodeId": state.NodeID, "toNodeId": newNodeID,
			"nextStepId": nextStepIDOf(hasNext, nextStep), "isComplete": !hasNext,
		},
		DedupeKey: dedupeKey,
	})

	if err := deps.Log.Append(w, state.SessionID, eventlog.Batch{Events: events, SnapshotPins: pins}); err != nil {
		return Response{}, err
	}

	return responseForAdvance(deps, workflowSnap, state, hasNext, nextStep, newNodeID)
}

func nextStepIDOf(hasNext bool, nextStep pinnedstore.Step) string {
	if !hasNext {
		return ""
	}
	return nextStep.ID
}

func loopPathOf(stack []snapshot.LoopFrame) []string {
	if len(stack) == 0 {
		return nil
	}
	out := make([]string, len(stack))
	for i, f := range stack {
		out[i] = f.LoopID
	}
	return out
}

// nextLoopStack adjusts the loop stack for entry into nextStep: pushing a
// new frame on first entry, incrementing on re-entry, and popping on exit.
func nextLoopStack(current []snapshot.LoopFrame, nextStep pinnedstore.Step) []snapshot.LoopFrame {
	if nextStep.Loop == nil {
		return current
	}
	if nextStep.Loop.IsExit {
		out := make([]snapshot.LoopFrame, 0, len(current))
		popped := false
		for _, f := range current {
			if !popped && f.LoopID == nextStep.Loop.LoopID {
				popped = true
				continue
			}
			out = append(out, f)
		}
		return out
	}
	for i, f := range current {
		if f.LoopID == nextStep.Loop.LoopID {
			updated := make([]snapshot.LoopFrame, len(current))
			copy(updated, current)
			updated[i].Iteration++
			return updated
		}
	}
	return append(append([]snapshot.LoopFrame{}, current...), snapshot.LoopFrame{LoopID: nextStep.Loop.LoopID, Iteration: 1})
}

func responseForAdvance(deps Deps, workflowSnap pinnedstore.Snapshot, state token.StatePayload, hasNext bool, nextStep pinnedstore.Step, newNodeID string) (Response, error) {
	if !hasNext {
		stateText, err := token.SignText(token.KindState, state, deps.Keyring)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: "ok", StateToken: stateText, IsComplete: true}, nil
	}

	newState := token.StatePayload{SessionID: state.SessionID, RunID: state.RunID, NodeID: newNodeID, WorkflowHashRef: state.WorkflowHashRef}
	stateText, err := token.SignText(token.KindState, newState, deps.Keyring)
	if err != nil {
		return Response{}, err
	}
	nextAttempt := id.RootAttempt(newNodeID)
	ackText, err := token.SignText(token.KindAck, token.AckPayload{SessionID: state.SessionID, RunID: state.RunID, NodeID: newNodeID, AttemptID: nextAttempt}, deps.Keyring)
	if err != nil {
		return Response{}, err
	}
	checkpointText, err := token.SignText(token.KindCheckpoint, token.CheckpointPayload{SessionID: state.SessionID, RunID: state.RunID, NodeID: newNodeID, AttemptID: nextAttempt}, deps.Keyring)
	if err != nil {
		return Response{}, err
	}

	rendered := prompt.Render(prompt.Input{
		Workflow: workflowSnap, Step: nextStep, Intent: prompt.IntentAdvance, RecoveryBudgetBytes: deps.RecoveryBytes,
	})

	return Response{
		Kind: "ok", StateToken: stateText, AckToken: ackText, CheckpointToken: checkpointText,
		IsComplete: false, Pending: &rendered,
	}, nil
}

// replayFromFacts reconstructs a byte-identical response from the
// previously recorded advance_recorded event, without re-validating or
// re-writing. Token minting and prompt rendering are pure functions of the
// (immutable) log, so recomputing them yields the same output.
func replayFromFacts(ctx context.Context, deps Deps, truth eventlog.Truth, state token.StatePayload, recorded eventlog.Event) (Response, error) {
	if eventlog.AdvanceScope(recorded.Scope) == eventlog.AdvanceBlocked {
		return replayBlocked(ctx, deps, truth, state, recorded)
	}
	return replayAdvanced(ctx, deps, truth, state, recorded)
}

func replayBlocked(ctx context.Context, deps Deps, truth eventlog.Truth, state token.StatePayload, recorded eventlog.Event) (Response, error) {
	var blockers []blocker.Blocker
	if err := mapstructure.Decode(recorded.Data["blockers"], &blockers); err != nil {
		return Response{}, fmtInvariant("decode recorded blockers: %v", err)
	}
	retryAttemptID, _ := recorded.Data["retryAttemptId"].(string)

	dag := projection.ProjectRunDAG(truth.Events, state.RunID)
	node, ok := dag.Nodes[state.NodeID]
	if !ok {
		return Response{}, fmtInvariant("replay: node %s missing from projected dag", state.NodeID)
	}
	workflowSnap, found, err := deps.Workflows.Get(ctx, state.WorkflowHashRef)
	if err != nil {
		return Response{}, err
	}
	if !found {
		return Response{}, fmtInvariant("replay: pinned workflow %s not found", state.WorkflowHashRef)
	}
	step, ok := workflowSnap.StepByID(node.StepID)
	if !ok {
		return Response{}, fmtInvariant("replay: step %s not found", node.StepID)
	}

	stateText, err := token.SignText(token.KindState, state, deps.Keyring)
	if err != nil {
		return Response{}, err
	}
	retryAckText, err := token.SignText(token.KindAck, token.AckPayload{SessionID: state.SessionID, RunID: state.RunID, NodeID: state.NodeID, AttemptID: retryAttemptID}, deps.Keyring)
	if err != nil {
		return Response{}, err
	}

	rendered := prompt.Render(prompt.Input{Step: step, Intent: prompt.IntentAdvance, RecoveryBudgetBytes: deps.RecoveryBytes})

	return Response{
		Kind: "blocked", StateToken: stateText, Pending: &rendered,
		Blockers: blockers, Retryable: true, RetryAckToken: retryAckText,
	}, nil
}

func replayAdvanced(ctx context.Context, deps Deps, truth eventlog.Truth, state token.StatePayload, recorded eventlog.Event) (Response, error) {
	isComplete, _ := recorded.Data["isComplete"].(bool)
	newNodeID, _ := recorded.Data["toNodeId"].(string)

	workflowSnap, found, err := deps.Workflows.Get(ctx, state.WorkflowHashRef)
	if err != nil {
		return Response{}, err
	}
	if !found {
		return Response{}, fmtInvariant("replay: pinned workflow %s not found", state.WorkflowHashRef)
	}

	if isComplete {
		stateText, err := token.SignText(token.KindState, state, deps.Keyring)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: "ok", StateToken: stateText, IsComplete: true}, nil
	}

	dag := projection.ProjectRunDAG(truth.Events, state.RunID)
	nextNode, ok := dag.Nodes[newNodeID]
	if !ok {
		return Response{}, fmtInvariant("replay: node %s missing from projected dag", newNodeID)
	}
	nextStep, ok := workflowSnap.StepByID(nextNode.StepID)
	if !ok {
		return Response{}, fmtInvariant("replay: step %s not found", nextNode.StepID)
	}
	return responseForAdvance(deps, workflowSnap, state, true, nextStep, newNodeID)
}
