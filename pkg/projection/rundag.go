package projection

import "github.com/workflowd/engine/pkg/eventlog"

// Node is one vertex in a run's DAG, reconstructed from a node_created
// event.
type Node struct {
	NodeID              string
	RunID               string
	Scope               eventlog.NodeScope
	StepID              string
	CreatedAtEventIndex int
}

// Edge is one arc in a run's DAG, reconstructed from an edge_created event.
type Edge struct {
	FromNodeID          string
	ToNodeID            string
	Scope               eventlog.EdgeScope
	CreatedAtEventIndex int
}

// RunDAG is the reconstructed node/edge graph for one run.
type RunDAG struct {
	RunID              string
	Nodes              map[string]Node
	NodeOrder          []string // creation order, for deterministic iteration
	Edges              []Edge
	TipNodeIDs         []string
	PreferredTipNodeID string
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	v, ok := data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ProjectRunDAG reconstructs runID's DAG from a session's event prefix.
func ProjectRunDAG(events []eventlog.Event, runID string) RunDAG {
	dag := RunDAG{
		RunID: runID,
		Nodes: make(map[string]Node),
	}

	hasOutgoing := make(map[string]bool)

	for _, e := range events {
		switch e.Kind {
		case eventlog.KindNodeCreated:
			if stringField(e.Data, "runId") != runID {
				continue
			}
			nodeID := stringField(e.Data, "nodeId")
			dag.Nodes[nodeID] = Node{
				NodeID:              nodeID,
				RunID:               runID,
				Scope:               eventlog.NodeScope(e.Scope),
				StepID:              stringField(e.Data, "stepId"),
				CreatedAtEventIndex: e.EventIndex,
			}
			dag.NodeOrder = append(dag.NodeOrder, nodeID)
		case eventlog.KindEdgeCreated:
			if stringField(e.Data, "runId") != runID {
				continue
			}
			edge := Edge{
				FromNodeID:          stringField(e.Data, "fromNodeId"),
				ToNodeID:            stringField(e.Data, "toNodeId"),
				Scope:               eventlog.EdgeScope(e.Scope),
				CreatedAtEventIndex: e.EventIndex,
			}
			dag.Edges = append(dag.Edges, edge)
			hasOutgoing[edge.FromNodeID] = true
		}
	}

	for _, nodeID := range dag.NodeOrder {
		if !hasOutgoing[nodeID] {
			dag.TipNodeIDs = append(dag.TipNodeIDs, nodeID)
		}
	}

	dag.PreferredTipNodeID = preferredTip(dag)
	return dag
}

// FindNodeSnapshotRef scans for the node_created event (step or checkpoint
// scope) that minted nodeID, returning the snapshotRef it pinned. Both
// pkg/advance (committing the next step) and pkg/engine's checkpoint
// handler (pinning a checkpoint to its originating node's snapshot) need
// this same lookup.
func FindNodeSnapshotRef(events []eventlog.Event, nodeID string) (string, bool) {
	for _, e := range events {
		if e.Kind != eventlog.KindNodeCreated {
			continue
		}
		switch eventlog.NodeScope(e.Scope) {
		case eventlog.NodeStep, eventlog.NodeCheckpoint:
		default:
			continue
		}
		if stringField(e.Data, "nodeId") != nodeID {
			continue
		}
		ref := stringField(e.Data, "snapshotRef")
		return ref, ref != ""
	}
	return "", false
}

// preferredTip implements the tie-break rule: the latest acked_step edge's
// target wins; checkpoint and blocked_attempt nodes are never edge targets
// of an acked_step edge, so they can never become the preferred tip.
func preferredTip(dag RunDAG) string {
	var best *Edge
	for i := range dag.Edges {
		e := &dag.Edges[i]
		if e.Scope != eventlog.EdgeAckedStep {
			continue
		}
		if best == nil || e.CreatedAtEventIndex > best.CreatedAtEventIndex {
			best = e
		}
	}
	if best != nil {
		return best.ToNodeID
	}
	for _, nodeID := range dag.NodeOrder {
		if dag.Nodes[nodeID].Scope == eventlog.NodeStep {
			return nodeID
		}
	}
	return ""
}
