package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/workflowd/engine/pkg/eventlog"
)

func TestFromValidatedPrefix_Healthy(t *testing.T) {
	h := FromValidatedPrefix(true, "", nil)
	assert.Equal(t, HealthHealthy, h.Status)
}

func TestFromValidatedPrefix_TailCorrupt(t *testing.T) {
	h := FromValidatedPrefix(false, "eventIndex gap", nil)
	assert.Equal(t, HealthCorruptTail, h.Status)
	assert.Equal(t, "eventIndex gap", h.Reason)
}

func TestFromLoadError_HeadCorrupt(t *testing.T) {
	err := &eventlog.CorruptionError{Location: eventlog.LocationHead, Reason: "session_created missing"}
	h := FromLoadError(err)
	assert.Equal(t, HealthCorruptHead, h.Status)
}

func nodeCreatedEvent(idx int, runID, nodeID, stepID string, scope eventlog.NodeScope) eventlog.Event {
	return eventlog.Event{
		EventIndex: idx,
		Kind:       eventlog.KindNodeCreated,
		Scope:      string(scope),
		Data:       map[string]any{"runId": runID, "nodeId": nodeID, "stepId": stepID},
		DedupeKey:  "node:" + nodeID,
	}
}

func edgeCreatedEvent(idx int, runID, from, to string, scope eventlog.EdgeScope) eventlog.Event {
	return eventlog.Event{
		EventIndex: idx,
		Kind:       eventlog.KindEdgeCreated,
		Scope:      string(scope),
		Data:       map[string]any{"runId": runID, "fromNodeId": from, "toNodeId": to},
		DedupeKey:  "edge:" + from + ":" + to,
	}
}

func TestProjectRunDAG_PreferredTipFollowsAckedStepEdges(t *testing.T) {
	events := []eventlog.Event{
		nodeCreatedEvent(0, "run-1", "node-1", "step1", eventlog.NodeStep),
		nodeCreatedEvent(1, "run-1", "node-2", "step2", eventlog.NodeStep),
		edgeCreatedEvent(2, "run-1", "node-1", "node-2", eventlog.EdgeAckedStep),
	}
	dag := ProjectRunDAG(events, "run-1")
	assert.Equal(t, "node-2", dag.PreferredTipNodeID)
	assert.ElementsMatch(t, []string{"node-2"}, dag.TipNodeIDs)
}

func TestProjectRunDAG_CheckpointNodeNeverBecomesPreferredTip(t *testing.T) {
	events := []eventlog.Event{
		nodeCreatedEvent(0, "run-1", "node-1", "step1", eventlog.NodeStep),
		nodeCreatedEvent(1, "run-1", "node-2", "checkpoint-for-step1", eventlog.NodeCheckpoint),
		edgeCreatedEvent(2, "run-1", "node-1", "node-2", eventlog.EdgeCheckpoint),
	}
	dag := ProjectRunDAG(events, "run-1")
	assert.Equal(t, "node-1", dag.PreferredTipNodeID)
}

func TestProjectRunDAG_NoEdgesFallsBackToFirstStepNode(t *testing.T) {
	events := []eventlog.Event{
		nodeCreatedEvent(0, "run-1", "node-1", "step1", eventlog.NodeStep),
	}
	dag := ProjectRunDAG(events, "run-1")
	assert.Equal(t, "node-1", dag.PreferredTipNodeID)
}

func TestProjectNodeOutputs_LaterSupersedesEarlier(t *testing.T) {
	events := []eventlog.Event{
		{EventIndex: 0, Kind: eventlog.KindNodeOutputAppended, Scope: string(eventlog.OutputRecap),
			Data: map[string]any{"nodeId": "node-1", "value": "first"}},
		{EventIndex: 1, Kind: eventlog.KindNodeOutputAppended, Scope: string(eventlog.OutputRecap),
			Data: map[string]any{"nodeId": "node-1", "value": "second"}},
	}
	out := ProjectNodeOutputs(events)
	assert.Equal(t, "second", out["node-1"][eventlog.OutputRecap].Value)
}

func TestRankResumeCandidates_PrefersGitHeadShaThenBranchThenRecency(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	sessions := []SessionSummary{
		{
			SessionID: "sess-branch-match",
			Events: []eventlog.Event{
				{Kind: eventlog.KindObservationRecorded, Data: map[string]any{"git_branch": "main"}},
			},
			Health:       Health{Status: HealthHealthy},
			LastModified: newer,
		},
		{
			SessionID: "sess-sha-match",
			Events: []eventlog.Event{
				{Kind: eventlog.KindObservationRecorded, Data: map[string]any{"git_head_sha": "abc123"}},
			},
			Health:       Health{Status: HealthHealthy},
			LastModified: older,
		},
		{
			SessionID:    "sess-unhealthy",
			Events:       nil,
			Health:       Health{Status: HealthCorruptHead},
			LastModified: newer,
		},
	}

	ranked := RankResumeCandidates(sessions, Anchors{GitHeadSHA: "abc123", GitBranch: "main"})
	if assert.Len(t, ranked, 2) {
		assert.Equal(t, "sess-sha-match", ranked[0].SessionID)
		assert.Equal(t, "sess-branch-match", ranked[1].SessionID)
	}
}
