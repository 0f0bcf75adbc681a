package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/pinnedstore"
	"github.com/workflowd/engine/pkg/projection"
)

func TestRender_BasePromptIncluded(t *testing.T) {
	step := pinnedstore.Step{ID: "step1", Title: "Step One", Prompt: "Do the thing."}
	out := Render(Input{Step: step, Intent: IntentAdvance})
	assert.Contains(t, out.Prompt, "Do the thing.")
	assert.Equal(t, "step1", out.StepID)
}

func TestRender_ValidationCriteriaListed(t *testing.T) {
	step := pinnedstore.Step{ID: "step1", Prompt: "p", ValidationCriteria: []string{"tests pass", "no lint errors"}}
	out := Render(Input{Step: step, Intent: IntentAdvance})
	assert.Contains(t, out.Prompt, "tests pass")
	assert.Contains(t, out.Prompt, "no lint errors")
}

func TestRender_NotesRequiredUnlessOutputContract(t *testing.T) {
	step := pinnedstore.Step{ID: "step1", Prompt: "p"}
	out := Render(Input{Step: step, Intent: IntentAdvance})
	assert.Contains(t, out.Prompt, "notesMarkdown")

	withContract := pinnedstore.Step{ID: "step1", Prompt: "p", OutputContract: &pinnedstore.OutputContract{Name: "result"}}
	out2 := Render(Input{Step: withContract, Intent: IntentAdvance})
	assert.NotContains(t, out2.Prompt, "notesMarkdown")
}

func TestRender_RecoveryAppendixOnlyOnRehydrate(t *testing.T) {
	step := pinnedstore.Step{ID: "step2", Prompt: "p"}
	dag := projection.RunDAG{
		Nodes: map[string]projection.Node{
			"node-1": {NodeID: "node-1", StepID: "step1"},
			"node-2": {NodeID: "node-2", StepID: "step2"},
		},
		NodeOrder:          []string{"node-1", "node-2"},
		TipNodeIDs:         []string{"node-2"},
		PreferredTipNodeID: "node-2",
	}

	advanceOut := Render(Input{Step: step, Intent: IntentAdvance, DAG: dag, CurrentNodeID: "node-2"})
	assert.NotContains(t, advanceOut.Prompt, "Recovery")

	rehydrateOut := Render(Input{Step: step, Intent: IntentRehydrate, DAG: dag, CurrentNodeID: "node-2"})
	assert.Contains(t, rehydrateOut.Prompt, "Recovery")
}

func TestRender_AncestryRecapFromOutputs(t *testing.T) {
	dag := projection.RunDAG{
		Nodes: map[string]projection.Node{
			"node-1": {NodeID: "node-1", StepID: "step1"},
			"node-2": {NodeID: "node-2", StepID: "step2"},
		},
		NodeOrder:          []string{"node-1", "node-2"},
		Edges:              []projection.Edge{{FromNodeID: "node-1", ToNodeID: "node-2", Scope: eventlog.EdgeAckedStep, CreatedAtEventIndex: 1}},
		TipNodeIDs:         []string{"node-2"},
		PreferredTipNodeID: "node-2",
	}
	outputs := map[string]map[eventlog.OutputChannel]projection.Output{
		"node-1": {eventlog.OutputRecap: {NodeID: "node-1", Channel: eventlog.OutputRecap, Value: "did step one"}},
	}
	step := pinnedstore.Step{ID: "step2", Prompt: "p"}

	out := Render(Input{Step: step, Intent: IntentRehydrate, DAG: dag, CurrentNodeID: "node-2", Outputs: outputs})
	assert.Contains(t, out.Prompt, "did step one")
}

func TestTruncateToBudget_TruncatesWithMarker(t *testing.T) {
	long := strings.Repeat("a", 100)
	out := truncateToBudget(long, 20)
	assert.LessOrEqual(t, len(out), 20)
	assert.Contains(t, out, "[TRUNCATED]")
}

func TestTruncateToBudget_NoOpUnderBudget(t *testing.T) {
	s := "short"
	assert.Equal(t, s, truncateToBudget(s, 100))
}
