package engine

import (
	"context"

	"github.com/workflowd/engine/internal/id"
	"github.com/workflowd/engine/internal/witness"
	"github.com/workflowd/engine/pkg/contextcheck"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/prompt"
	"github.com/workflowd/engine/pkg/snapshot"
	"github.com/workflowd/engine/pkg/token"
)

// StartRequest is one start_workflow call.
type StartRequest struct {
	WorkflowID    string
	Context       map[string]any
	WorkspacePath string
}

// StartResponse is start_workflow's wire-contract result (spec §6.1).
type StartResponse struct {
	StateToken      string
	AckToken        string
	CheckpointToken string
	IsComplete      bool
	Pending         *prompt.Rendered
	Preferences     Preferences
	NextIntent      string
	NextCall        *NextCall
}

// StartWorkflow resolves workflowId, mints a brand-new session and run, and
// commits its first step (spec §6.1). The session's very first event
// (session_created) is written via a raw witness — the documented bootstrap
// exception (internal/witness doc comment, mirrored by gate_test.go): a
// brand-new session has no log yet, so the gate's health precheck would
// reject it as corrupt before fn ever ran. Everything after that first
// event goes through the gate like any other write.
func StartWorkflow(ctx context.Context, deps Deps, req StartRequest) (StartResponse, error) {
	if req.WorkflowID == "" {
		return StartResponse{}, &ValidationError{Reason: "workflowId is required"}
	}
	workflow, found, err := deps.Source.Resolve(ctx, req.WorkflowID)
	if err != nil {
		return StartResponse{}, err
	}
	if !found {
		return StartResponse{}, &NotFoundError{Reason: "workflowId " + req.WorkflowID}
	}

	workflowSnap := workflow.ToPinned()
	first, ok := workflowSnap.FirstStep()
	if !ok {
		return StartResponse{}, &ValidationError{Reason: "workflow " + req.WorkflowID + " has no steps"}
	}

	reqContext := req.Context
	if reqContext == nil {
		reqContext = map[string]any{}
	}
	if err := contextcheck.Validate(reqContext, deps.ContextLimits); err != nil {
		return StartResponse{}, err
	}

	workflowHashRef, err := deps.Workflows.Put(ctx, workflow)
	if err != nil {
		return StartResponse{}, err
	}

	sessionID := id.New()
	runID := id.New()
	nodeID := id.New()

	var loopStack []snapshot.LoopFrame
	if first.Loop != nil && !first.Loop.IsExit {
		loopStack = []snapshot.LoopFrame{{LoopID: first.Loop.LoopID, Iteration: 1}}
	}
	engineState := snapshot.EngineState{
		Phase:     snapshot.PhaseRunning,
		LoopStack: loopStack,
		Pending:   &snapshot.Pending{StepID: first.ID, LoopPath: loopPathOf(loopStack)},
	}
	snapshotRef, err := deps.Snapshots.Put(ctx, snapshot.New(engineState))
	if err != nil {
		return StartResponse{}, err
	}

	bootstrapEventID := id.New()
	bootstrapWitness := witness.Mint(sessionID, "bootstrap")
	if err := deps.Log.Append(bootstrapWitness, sessionID, eventlog.Batch{
		Events: []eventlog.Event{{
			V: 1, EventID: bootstrapEventID, SessionID: sessionID,
			Kind:      eventlog.KindSessionCreated,
			DedupeKey: id.DedupeKey("session", sessionID),
		}},
	}); err != nil {
		return StartResponse{}, err
	}

	var resp StartResponse
	gateErr := deps.Gate.WithHealthySessionLock(sessionID, func(w witness.Witness, truth eventlog.Truth) error {
		nodeCreatedID := id.New()
		events := []eventlog.Event{
			{
				V: 1, EventID: id.New(), SessionID: sessionID,
				Kind: eventlog.KindRunStarted,
				Data: map[string]any{
					"runId": runID, "workflowId": req.WorkflowID,
					"workflowHashRef": workflowHashRef, "workspacePath": req.WorkspacePath,
				},
				DedupeKey: id.DedupeKey("run", sessionID, runID),
			},
			{
				V: 1, EventID: nodeCreatedID, SessionID: sessionID,
				Kind: eventlog.KindNodeCreated, Scope: string(eventlog.NodeStep),
				Data: map[string]any{
					"runId": runID, "nodeId": nodeID, "stepId": first.ID, "snapshotRef": snapshotRef,
				},
				DedupeKey: id.DedupeKey("node", sessionID, nodeID),
			},
		}
		events = append(events, eventlog.Event{
			V: 1, EventID: id.New(), SessionID: sessionID,
			Kind: eventlog.KindPreferencesChanged,
			Data: map[string]any{
				"runId": runID, "autonomy": deps.preferences().Autonomy,
				"riskPolicy": string(deps.RiskPolicy),
			},
			DedupeKey: id.DedupeKey("preferences", sessionID, runID),
		})
		if len(req.Context) > 0 {
			events = append(events, eventlog.Event{
				V: 1, EventID: id.New(), SessionID: sessionID,
				Kind:      eventlog.KindContextSet,
				Data:      map[string]any{"runId": runID, "context": reqContext},
				DedupeKey: id.DedupeKey("context", sessionID, runID),
			})
		}
		if deps.Observer != nil && req.WorkspacePath != "" {
			if anchors, ok := deps.Observer.Resolve(ctx, req.WorkspacePath); ok {
				events = append(events, eventlog.Event{
					V: 1, EventID: id.New(), SessionID: sessionID,
					Kind:      eventlog.KindObservationRecorded,
					Data:      map[string]any{"runId": runID, "workspacePath": req.WorkspacePath, "anchors": anchors},
					DedupeKey: id.DedupeKey("observation", sessionID, runID),
				})
			}
		}

		if err := deps.Log.Append(w, sessionID, eventlog.Batch{
			Events:       events,
			SnapshotPins: []eventlog.SnapshotPin{{SnapshotRef: snapshotRef, CreatedByEvent: nodeCreatedID}},
		}); err != nil {
			return err
		}

		state := token.StatePayload{SessionID: sessionID, RunID: runID, NodeID: nodeID, WorkflowHashRef: workflowHashRef}
		stateText, err := token.SignText(token.KindState, state, deps.Keyring)
		if err != nil {
			return err
		}
		attempt := id.RootAttempt(nodeID)
		ackText, err := token.SignText(token.KindAck, token.AckPayload{SessionID: sessionID, RunID: runID, NodeID: nodeID, AttemptID: attempt}, deps.Keyring)
		if err != nil {
			return err
		}
		checkpointText, err := token.SignText(token.KindCheckpoint, token.CheckpointPayload{SessionID: sessionID, RunID: runID, NodeID: nodeID, AttemptID: attempt}, deps.Keyring)
		if err != nil {
			return err
		}

		rendered := prompt.Render(prompt.Input{
			Workflow: workflowSnap, Step: first, LoopStack: loopStack,
			Intent: prompt.IntentStart, RecoveryBudgetBytes: deps.RecoveryBytes,
		})

		resp = StartResponse{
			StateToken:      stateText,
			AckToken:        ackText,
			CheckpointToken: checkpointText,
			IsComplete:      false,
			Pending:         &rendered,
			Preferences:     deps.preferences(),
			NextIntent:      "advance",
			NextCall:        advanceNextCall(stateText, ackText),
		}
		return nil
	})
	if gateErr != nil {
		return StartResponse{}, gateErr
	}
	return resp, nil
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
