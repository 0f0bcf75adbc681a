// Package eventlog implements the append-only per-session event log store
// (spec §3.4, §4.3): contiguous event indices, globally unique dedupe keys,
// manifest-pinned snapshot references, and strict vs. permissive loaders
// for a log whose tail may be corrupt.
package eventlog

// Kind is the closed set of event kinds (spec §3.4).
type Kind string

const (
	KindSessionCreated      Kind = "session_created"
	KindRunStarted          Kind = "run_started"
	KindNodeCreated         Kind = "node_created"
	KindEdgeCreated         Kind = "edge_created"
	KindNodeOutputAppended  Kind = "node_output_appended"
	KindPreferencesChanged  Kind = "preferences_changed"
	KindContextSet          Kind = "context_set"
	KindObservationRecorded Kind = "observation_recorded"
	KindValidationPerformed Kind = "validation_performed"
	KindAdvanceRecorded     Kind = "advance_recorded"
)

// NodeScope sub-tags node_created events.
type NodeScope string

const (
	NodeStep           NodeScope = "step"
	NodeCheckpoint     NodeScope = "checkpoint"
	NodeBlockedAttempt NodeScope = "blocked_attempt"
)

// EdgeScope sub-tags edge_created events.
type EdgeScope string

const (
	EdgeAckedStep  EdgeScope = "acked_step"
	EdgeCheckpoint EdgeScope = "checkpoint"
)

// OutputChannel sub-tags node_output_appended events.
type OutputChannel string

const (
	OutputRecap    OutputChannel = "recap"
	OutputArtifact OutputChannel = "artifact"
)

// AdvanceScope sub-tags advance_recorded events.
type AdvanceScope string

const (
	AdvanceAdvanced AdvanceScope = "advanced"
	AdvanceBlocked  AdvanceScope = "blocked"
)

// Event is one entry in a session's ordered log.
type Event struct {
	V          int            `json:"v"`
	EventID    string         `json:"eventId"`
	EventIndex int            `json:"eventIndex"`
	SessionID  string         `json:"sessionId"`
	Kind       Kind           `json:"kind"`
	Scope      string         `json:"scope,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	DedupeKey  string         `json:"dedupeKey"`
}

// SnapshotPin attests that a snapshotRef was referenced by createdByEventId
// at or before eventIndex.
type SnapshotPin struct {
	SnapshotRef    string `json:"snapshotRef"`
	EventIndex     int    `json:"eventIndex"`
	CreatedByEvent string `json:"createdByEventId"`
}

// Manifest is a session's list of snapshot pins.
type Manifest struct {
	Pins []SnapshotPin `json:"pins"`
}

// Truth is the validated state of a session: its events plus manifest.
type Truth struct {
	Events   []Event
	Manifest Manifest
}

// PinsFor returns every pin whose SnapshotRef equals ref.
func (t Truth) PinsFor(ref string) []SnapshotPin {
	var out []SnapshotPin
	for _, p := range t.Manifest.Pins {
		if p.SnapshotRef == ref {
			out = append(out, p)
		}
	}
	return out
}

// HasDedupeKey reports whether any event in the truth already carries key.
func (t Truth) HasDedupeKey(key string) (Event, bool) {
	for _, e := range t.Events {
		if e.DedupeKey == key {
			return e, true
		}
	}
	return Event{}, false
}
