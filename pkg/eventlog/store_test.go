package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowd/engine/internal/witness"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "eventlog"))
	require.NoError(t, err)
	return s
}

func sessionCreatedEvent(sessionID string) Event {
	return Event{
		V:         1,
		EventID:   "evt-0",
		SessionID: sessionID,
		Kind:      KindSessionCreated,
		DedupeKey: "session_created:" + sessionID,
	}
}

func TestAppend_AssignsContiguousEventIndex(t *testing.T) {
	s := newTestStore(t)
	w := witness.Mint("sess-1", "handle-1")

	err := s.Append(w, "sess-1", Batch{Events: []Event{
		sessionCreatedEvent("sess-1"),
		{V: 1, EventID: "evt-1", SessionID: "sess-1", Kind: KindRunStarted, DedupeKey: "run:sess-1:run-1"},
	}})
	require.NoError(t, err)

	truth, err := s.Load("sess-1")
	require.NoError(t, err)
	require.Len(t, truth.Events, 2)
	assert.Equal(t, 0, truth.Events[0].EventIndex)
	assert.Equal(t, 1, truth.Events[1].EventIndex)
}

func TestAppend_IdempotentOnRepeatedDedupeKey(t *testing.T) {
	s := newTestStore(t)
	w := witness.Mint("sess-1", "handle-1")

	batch := Batch{Events: []Event{sessionCreatedEvent("sess-1")}}
	require.NoError(t, s.Append(w, "sess-1", batch))
	require.NoError(t, s.Append(w, "sess-1", batch))

	truth, err := s.Load("sess-1")
	require.NoError(t, err)
	assert.Len(t, truth.Events, 1)
}

func TestAppend_RejectsWitnessSessionMismatch(t *testing.T) {
	s := newTestStore(t)
	w := witness.Mint("other-session", "handle-1")

	err := s.Append(w, "sess-1", Batch{Events: []Event{sessionCreatedEvent("sess-1")}})
	require.Error(t, err)
}

func TestLoad_MissingSessionCreatedIsHeadCorruption(t *testing.T) {
	s := newTestStore(t)
	w := witness.Mint("sess-1", "handle-1")

	require.NoError(t, s.Append(w, "sess-1", Batch{Events: []Event{
		{V: 1, EventID: "evt-0", SessionID: "sess-1", Kind: KindRunStarted, DedupeKey: "run:sess-1:run-1"},
	}}))

	_, err := s.Load("sess-1")
	require.Error(t, err)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, LocationHead, ce.Location)
}

func TestLoad_NoSessionIsHeadCorruption(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("never-existed")
	require.Error(t, err)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, LocationHead, ce.Location)
}

func TestAppend_ManifestPinsAreRecorded(t *testing.T) {
	s := newTestStore(t)
	w := witness.Mint("sess-1", "handle-1")

	ev := sessionCreatedEvent("sess-1")
	require.NoError(t, s.Append(w, "sess-1", Batch{
		Events: []Event{ev},
		SnapshotPins: []SnapshotPin{
			{SnapshotRef: "sha256:" + fortyByteHex(), EventIndex: 0, CreatedByEvent: ev.EventID},
		},
	}))

	truth, err := s.Load("sess-1")
	require.NoError(t, err)
	assert.Len(t, truth.Manifest.Pins, 1)
}

func TestLoadValidatedPrefix_TailCorruptionReturnsValidPrefix(t *testing.T) {
	s := newTestStore(t)
	w := witness.Mint("sess-1", "handle-1")

	require.NoError(t, s.Append(w, "sess-1", Batch{Events: []Event{sessionCreatedEvent("sess-1")}}))

	// Corrupt the tail by appending a malformed raw line directly.
	f, err := os.OpenFile(s.eventsPath("sess-1"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	truth, isComplete, tailReason, err := s.LoadValidatedPrefix("sess-1")
	require.NoError(t, err)
	assert.False(t, isComplete)
	assert.NotEmpty(t, tailReason)
	assert.Len(t, truth.Events, 1)
}

func fortyByteHex() string {
	return "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"
}

func TestHasDedupeKey(t *testing.T) {
	truth := Truth{Events: []Event{{DedupeKey: "a"}, {DedupeKey: "b"}}}
	_, found := truth.HasDedupeKey("a")
	assert.True(t, found)
	_, found = truth.HasDedupeKey("c")
	assert.False(t, found)
}
