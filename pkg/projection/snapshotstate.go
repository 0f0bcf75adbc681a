package projection

import "github.com/workflowd/engine/pkg/snapshot"

// SnapshotState is the derived view of an execution snapshot's engine
// state: what (if anything) is pending, and whether the run is done.
type SnapshotState struct {
	IsComplete bool
	Pending    *snapshot.Pending
	Blocked    *snapshot.Blocked
}

// ProjectSnapshotState derives pending/complete state from an engine
// state value referenced by a snapshotRef.
func ProjectSnapshotState(state snapshot.EngineState) SnapshotState {
	return SnapshotState{
		IsComplete: state.IsComplete(),
		Pending:    state.Pending,
		Blocked:    state.Blocked,
	}
}
