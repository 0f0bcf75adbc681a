package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowd/engine/internal/cas"
	"github.com/workflowd/engine/pkg/advance"
	"github.com/workflowd/engine/pkg/apierror"
	"github.com/workflowd/engine/pkg/blocker"
	"github.com/workflowd/engine/pkg/contextcheck"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/gate"
	"github.com/workflowd/engine/pkg/keyring"
	"github.com/workflowd/engine/pkg/pinnedstore"
	"github.com/workflowd/engine/pkg/sessionlock"
	"github.com/workflowd/engine/pkg/snapshot"
)

// memWorkflowSource is a fixed-map WorkflowSource fake, standing in for
// cmd/workflowd's fileWorkflowSource (spec.md §1 keeps disk loading out of
// this package).
type memWorkflowSource map[string]pinnedstore.CompiledWorkflow

func (m memWorkflowSource) Resolve(_ context.Context, workflowID string) (pinnedstore.CompiledWorkflow, bool, error) {
	wf, ok := m[workflowID]
	return wf, ok, nil
}

func testWorkflow(requiredContextKeys ...string) pinnedstore.CompiledWorkflow {
	return pinnedstore.CompiledWorkflow{
		ID:      "wf1",
		Name:    "Test Workflow",
		Version: "1",
		Steps: []pinnedstore.Step{
			{ID: "step1", Title: "Step One", Prompt: "Do step one.", SkipNotes: true, RequiredContextKeys: requiredContextKeys},
			{ID: "step2", Title: "Step Two", Prompt: "Do step two.", SkipNotes: true},
		},
	}
}

func newTestDeps(t *testing.T, wf pinnedstore.CompiledWorkflow) Deps {
	t.Helper()
	root := t.TempDir()

	log, err := eventlog.NewStore(root + "/events")
	require.NoError(t, err)
	locker := sessionlock.New(root + "/locks")
	g := gate.New(locker, log, nil)

	wfBackend, err := cas.NewFileStore(root + "/workflows")
	require.NoError(t, err)
	snapBackend, err := cas.NewFileStore(root + "/snapshots")
	require.NoError(t, err)

	kr, err := keyring.New()
	require.NoError(t, err)

	return Deps{
		Keyring:         kr,
		Gate:            g,
		Log:             log,
		Workflows:       pinnedstore.New(wfBackend),
		Snapshots:       snapshot.NewStore(snapBackend),
		Source:          memWorkflowSource{wf.ID: wf},
		ContextLimits:   contextcheck.DefaultLimits(),
		RiskPolicy:      blocker.RiskConservative,
		RecoveryBytes:   4096,
		DefaultAutonomy: AutonomySupervised,
	}
}

func TestStartWorkflow_HappyPath(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	resp, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.StateToken)
	assert.NotEmpty(t, resp.AckToken)
	assert.NotEmpty(t, resp.CheckpointToken)
	assert.False(t, resp.IsComplete)
	require.NotNil(t, resp.Pending)
	assert.Equal(t, "step1", resp.Pending.StepID)
	assert.Equal(t, "supervised", resp.Preferences.Autonomy)
	assert.Equal(t, "advance", resp.NextIntent)
	require.NotNil(t, resp.NextCall)
	assert.Equal(t, "continue_workflow", resp.NextCall.Tool)
}

func TestStartWorkflow_UnknownWorkflowIDIsNotFound(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	_, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "does-not-exist"})
	require.Error(t, err)
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestStartWorkflow_MissingWorkflowIDIsValidationError(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	_, err := StartWorkflow(context.Background(), deps, StartRequest{})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestContinueWorkflow_AdvanceMovesToNextStep(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	started, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	resp, err := ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent:     "advance",
		StateToken: started.StateToken,
		AckToken:   started.AckToken,
		Output:     advance.Submission{NotesMarkdown: "done"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Kind)
	assert.False(t, resp.IsComplete)
	require.NotNil(t, resp.Pending)
	assert.Equal(t, "step2", resp.Pending.StepID)
}

func TestContinueWorkflow_AdvanceCompletesOnFinalStep(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	started, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	step2, err := ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent: "advance", StateToken: started.StateToken, AckToken: started.AckToken,
		Output: advance.Submission{NotesMarkdown: "1"},
	})
	require.NoError(t, err)
	require.False(t, step2.IsComplete)

	final, err := ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent: "advance", StateToken: step2.StateToken, AckToken: step2.AckToken,
		Output: advance.Submission{NotesMarkdown: "2"},
	})
	require.NoError(t, err)
	assert.True(t, final.IsComplete)
	assert.Nil(t, final.Pending)
}

func TestContinueWorkflow_AdvanceBlockedOnMissingRequiredContextKey(t *testing.T) {
	deps := newTestDeps(t, testWorkflow("ticketId"))

	started, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	resp, err := ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent: "advance", StateToken: started.StateToken, AckToken: started.AckToken,
		Output: advance.Submission{NotesMarkdown: "done"},
	})
	require.NoError(t, err)
	assert.Equal(t, "blocked", resp.Kind)
	assert.True(t, resp.Retryable)
	assert.NotEmpty(t, resp.RetryAckToken)
	require.Len(t, resp.Blockers, 1)
	assert.Equal(t, blocker.CodeMissingContextKey, resp.Blockers[0].Code)
	// Validation is only populated for output-contract blockers (spec's
	// continue_workflow wire contract); a missing-context-key blocker leaves
	// it nil.
	assert.Nil(t, resp.Validation)
}

func TestContinueWorkflow_AdvanceBlockedOnMissingOutputContractPopulatesValidation(t *testing.T) {
	wf := pinnedstore.CompiledWorkflow{
		ID: "wf1", Name: "Test Workflow", Version: "1",
		Steps: []pinnedstore.Step{
			{
				ID: "step1", Title: "Step One", Prompt: "Do step one.", SkipNotes: true,
				OutputContract: &pinnedstore.OutputContract{Name: "loop-control", Schema: map[string]any{"type": "object"}},
			},
			{ID: "step2", Title: "Step Two", Prompt: "Do step two.", SkipNotes: true},
		},
	}
	deps := newTestDeps(t, wf)

	started, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	resp, err := ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent: "advance", StateToken: started.StateToken, AckToken: started.AckToken,
		Output: advance.Submission{NotesMarkdown: "done"},
	})
	require.NoError(t, err)
	assert.Equal(t, "blocked", resp.Kind)
	require.NotNil(t, resp.Validation)
	assert.Equal(t, "loop-control", resp.Validation.ContractName)
	assert.False(t, resp.Validation.Passed)
	assert.NotEmpty(t, resp.Validation.Errors)
}

func TestContinueWorkflow_RehydrateDoesNotMutateState(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	started, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	rehydrated, err := ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent:     "rehydrate",
		StateToken: started.StateToken,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", rehydrated.Kind)
	assert.Equal(t, started.StateToken, rehydrated.StateToken)
	require.NotNil(t, rehydrated.Pending)
	assert.Equal(t, "step1", rehydrated.Pending.StepID)
	assert.NotEmpty(t, rehydrated.AckToken)

	// Advancing with the original ack still works: rehydrate never
	// consumed or otherwise disturbed it.
	advanced, err := ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent: "advance", StateToken: started.StateToken, AckToken: started.AckToken,
		Output: advance.Submission{NotesMarkdown: "done"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", advanced.Kind)
}

func TestContinueWorkflow_InvalidIntentIsValidationError(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	started, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	_, err = ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent: "teleport", StateToken: started.StateToken,
	})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestCheckpointWorkflow_MintsCheckpointNodeWithoutAdvancing(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	started, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	resp, err := CheckpointWorkflow(context.Background(), deps, CheckpointRequest{CheckpointToken: started.CheckpointToken})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.CheckpointNodeID)
	assert.NotEmpty(t, resp.StateToken)
	require.NotNil(t, resp.NextCall)
	assert.Equal(t, "advance", resp.NextCall.Arguments["intent"])

	// The minted stateToken still points at the original pending step, not
	// the checkpoint node: rehydrating against it must still show step1.
	rehydrated, err := ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent: "rehydrate", StateToken: resp.StateToken,
	})
	require.NoError(t, err)
	require.NotNil(t, rehydrated.Pending)
	assert.Equal(t, "step1", rehydrated.Pending.StepID)
}

func TestCheckpointWorkflow_IdempotentReplayReturnsSameOutcome(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	started, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	first, err := CheckpointWorkflow(context.Background(), deps, CheckpointRequest{CheckpointToken: started.CheckpointToken})
	require.NoError(t, err)

	second, err := CheckpointWorkflow(context.Background(), deps, CheckpointRequest{CheckpointToken: started.CheckpointToken})
	require.NoError(t, err)

	assert.Equal(t, first.CheckpointNodeID, second.CheckpointNodeID)
	assert.Equal(t, first.StateToken, second.StateToken)
}

// TestCheckpointThenResume exercises spec §8's "checkpoint + resume"
// scenario: checkpoint against the pending step, then advance normally as
// if the agent never saw the checkpoint at all.
func TestCheckpointThenResume(t *testing.T) {
	deps := newTestDeps(t, testWorkflow())

	started, err := StartWorkflow(context.Background(), deps, StartRequest{WorkflowID: "wf1"})
	require.NoError(t, err)

	_, err = CheckpointWorkflow(context.Background(), deps, CheckpointRequest{CheckpointToken: started.CheckpointToken})
	require.NoError(t, err)

	advanced, err := ContinueWorkflow(context.Background(), deps, ContinueRequest{
		Intent: "advance", StateToken: started.StateToken, AckToken: started.AckToken,
		Output: advance.Submission{NotesMarkdown: "resumed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", advanced.Kind)
	require.NotNil(t, advanced.Pending)
	assert.Equal(t, "step2", advanced.Pending.StepID)
}

func TestClassifyError_ValidationErrorMapsToValidationErrorCode(t *testing.T) {
	env := ClassifyError(&ValidationError{Reason: "bad input"})
	assert.Equal(t, apierror.CodeValidationError, env.Code)
	assert.Equal(t, apierror.RetryNotRetryable, env.Retry.Kind)
}

func TestClassifyError_NotFoundErrorMapsToNotFoundCode(t *testing.T) {
	env := ClassifyError(&NotFoundError{Reason: "workflowId bogus"})
	assert.Equal(t, apierror.CodeNotFound, env.Code)
}
