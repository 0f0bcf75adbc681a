package engine

import (
	"context"

	"github.com/workflowd/engine/internal/id"
	"github.com/workflowd/engine/internal/witness"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/projection"
	"github.com/workflowd/engine/pkg/token"
)

// CheckpointRequest is one checkpoint_workflow call.
type CheckpointRequest struct {
	CheckpointToken string
}

// CheckpointResponse is checkpoint_workflow's wire-contract result (spec
// §6.1, §4.12).
type CheckpointResponse struct {
	CheckpointNodeID string
	StateToken       string
	NextCall         *NextCall
}

// CheckpointWorkflow implements spec §4.12: verify the checkpoint token,
// re-check the referenced node_created(step) still exists, and either
// replay a previously recorded checkpoint or mint a new one. The operation
// never advances the run — the minted stateToken still points at the
// original node.
func CheckpointWorkflow(ctx context.Context, deps Deps, req CheckpointRequest) (CheckpointResponse, error) {
	var cp token.CheckpointPayload
	if err := token.VerifyText(req.CheckpointToken, token.KindCheckpoint, deps.Keyring, &cp); err != nil {
		return CheckpointResponse{}, err
	}

	dedupeKey := id.DedupeKey("checkpoint", cp.SessionID, cp.RunID, cp.NodeID, cp.AttemptID)

	var resp CheckpointResponse
	gateErr := deps.Gate.WithHealthySessionLock(cp.SessionID, func(w witness.Witness, truth eventlog.Truth) error {
		if recorded, ok := truth.HasDedupeKey(dedupeKey); ok {
			checkpointNodeID, _ := recorded.Data["nodeId"].(string)
			stateText, err := mintOriginalStateToken(truth, cp, deps)
			if err != nil {
				return err
			}
			resp = CheckpointResponse{
				CheckpointNodeID: checkpointNodeID,
				StateToken:       stateText,
				NextCall:         checkpointNextCall(stateText),
			}
			return nil
		}

		dag := projection.ProjectRunDAG(truth.Events, cp.RunID)
		node, ok := dag.Nodes[cp.NodeID]
		if !ok {
			return &token.UnknownNodeError{NodeID: cp.NodeID}
		}
		if node.Scope != eventlog.NodeStep {
			return &InternalError{Reason: "checkpoint target node " + cp.NodeID + " is not a step node"}
		}

		prevRef, ok := projection.FindNodeSnapshotRef(truth.Events, cp.NodeID)
		if !ok {
			return &InternalError{Reason: "node " + cp.NodeID + " has no recorded snapshotRef"}
		}

		checkpointNodeID := id.New()
		nodeCreatedID := id.New()
		edgeID := id.New()

		batch := eventlog.Batch{
			Events: []eventlog.Event{
				{
					V: 1, EventID: nodeCreatedID, SessionID: cp.SessionID,
					Kind: eventlog.KindNodeCreated, Scope: string(eventlog.NodeCheckpoint),
					Data: map[string]any{
						"runId": cp.RunID, "nodeId": checkpointNodeID, "stepId": node.StepID, "snapshotRef": prevRef,
					},
					DedupeKey: dedupeKey,
				},
				{
					V: 1, EventID: edgeID, SessionID: cp.SessionID,
					Kind: eventlog.KindEdgeCreated, Scope: string(eventlog.EdgeCheckpoint),
					Data: map[string]any{
						"runId": cp.RunID, "fromNodeId": cp.NodeID, "toNodeId": checkpointNodeID,
					},
					DedupeKey: id.DedupeKey("edge", cp.SessionID, cp.NodeID, checkpointNodeID),
				},
			},
			SnapshotPins: []eventlog.SnapshotPin{{SnapshotRef: prevRef, CreatedByEvent: nodeCreatedID}},
		}
		if err := deps.Log.Append(w, cp.SessionID, batch); err != nil {
			return err
		}

		stateText, err := mintOriginalStateToken(truth, cp, deps)
		if err != nil {
			return err
		}
		resp = CheckpointResponse{
			CheckpointNodeID: checkpointNodeID,
			StateToken:       stateText,
			NextCall:         checkpointNextCall(stateText),
		}
		return nil
	})
	if gateErr != nil {
		return CheckpointResponse{}, gateErr
	}
	return resp, nil
}

// mintOriginalStateToken re-signs a state token for the node the checkpoint
// was taken against (never the checkpoint node itself — checkpointing does
// not move the run's pending step).
func mintOriginalStateToken(truth eventlog.Truth, cp token.CheckpointPayload, deps Deps) (string, error) {
	workflowHashRef, ok := workflowHashRefForRun(truth.Events, cp.RunID)
	if !ok {
		return "", &InternalError{Reason: "run " + cp.RunID + " has no recorded run_started"}
	}
	return token.SignText(token.KindState, token.StatePayload{
		SessionID: cp.SessionID, RunID: cp.RunID, NodeID: cp.NodeID, WorkflowHashRef: workflowHashRef,
	}, deps.Keyring)
}
