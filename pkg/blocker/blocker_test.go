package blocker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/workflowd/engine/pkg/contextcheck"
)

func TestSort_OrdersByCodeThenPointer(t *testing.T) {
	in := []Blocker{
		{Code: CodeMissingContextKey, Pointer: Pointer{Kind: PointerContextKey, Payload: "z"}},
		{Code: CodeMissingContextKey, Pointer: Pointer{Kind: PointerContextKey, Payload: "a"}},
		{Code: CodeContextBudgetExceeded, Pointer: Pointer{Kind: PointerContextBudget, Payload: "x"}},
	}
	sorted := Sort(in)
	assert.Equal(t, CodeContextBudgetExceeded, sorted[0].Code)
	assert.Equal(t, "a", sorted[1].Pointer.Payload)
	assert.Equal(t, "z", sorted[2].Pointer.Payload)
}

func TestSort_TruncatesToMax10(t *testing.T) {
	var in []Blocker
	for i := 0; i < 15; i++ {
		in = append(in, New(CodeMissingContextKey, Pointer{Kind: PointerContextKey, Payload: string(rune('a' + i))}, "m", ""))
	}
	assert.Len(t, Sort(in), maxBlockers)
}

func TestNew_TruncatesMessageAndSuggestedFix(t *testing.T) {
	longMsg := make([]byte, 1000)
	for i := range longMsg {
		longMsg[i] = 'a'
	}
	b := New(CodeMissingRequiredNotes, Pointer{Kind: PointerWorkflowStep}, string(longMsg), string(longMsg))
	assert.LessOrEqual(t, len(b.Message), maxMessageBytes)
	assert.LessOrEqual(t, len(b.SuggestedFix), maxSuggestedFixBytes)
}

func TestDowngrade_ConservativeNeverDowngrades(t *testing.T) {
	assert.False(t, Downgrade(RiskConservative, CodeRequiredCapabilityUnknown))
	assert.False(t, Downgrade(RiskConservative, CodeRequiredCapabilityUnavail))
}

func TestDowngrade_BalancedDowngradesUnknownOnly(t *testing.T) {
	assert.True(t, Downgrade(RiskBalanced, CodeRequiredCapabilityUnknown))
	assert.False(t, Downgrade(RiskBalanced, CodeRequiredCapabilityUnavail))
}

func TestDowngrade_AggressiveDowngradesBoth(t *testing.T) {
	assert.True(t, Downgrade(RiskAggressive, CodeRequiredCapabilityUnknown))
	assert.True(t, Downgrade(RiskAggressive, CodeRequiredCapabilityUnavail))
}

func TestDowngrade_NeverAppliesToNonCapabilityCategories(t *testing.T) {
	for _, code := range []Code{
		CodeUserOnlyDependency, CodeMissingRequiredOutput, CodeInvalidRequiredOutput,
		CodeMissingRequiredNotes, CodeMissingContextKey, CodeContextBudgetExceeded,
		CodeInvariantViolation, CodeStorageCorruptionDetected,
	} {
		assert.False(t, Downgrade(RiskAggressive, code), "code %s must never be downgradable", code)
	}
}

func TestApplyGuardrail_SplitsBlockingAndWarnings(t *testing.T) {
	blockers := []Blocker{
		New(CodeRequiredCapabilityUnknown, Pointer{Kind: PointerCapability, Payload: "web.search"}, "m", ""),
		New(CodeMissingRequiredNotes, Pointer{Kind: PointerWorkflowStep}, "m", ""),
	}
	blocking, warnings := ApplyGuardrail(RiskBalanced, blockers)
	if assert.Len(t, blocking, 1) {
		assert.Equal(t, CodeMissingRequiredNotes, blocking[0].Code)
	}
	if assert.Len(t, warnings, 1) {
		assert.Equal(t, CodeRequiredCapabilityUnknown, warnings[0].Code)
	}
}

func TestDetectBlockers_MissingContextKey(t *testing.T) {
	in := DetectionInput{
		RequiredContextKeys: []string{"workspacePath"},
		Context:             map[string]any{},
		ContextLimits:       contextcheck.DefaultLimits(),
	}
	found := DetectBlockers(in)
	assertHasCode(t, found, CodeMissingContextKey)
}

func TestDetectBlockers_MissingNotes(t *testing.T) {
	in := DetectionInput{
		Context:       map[string]any{},
		ContextLimits: contextcheck.DefaultLimits(),
		RequiresNotes: true,
		NotesMarkdown: "",
	}
	found := DetectBlockers(in)
	assertHasCode(t, found, CodeMissingRequiredNotes)
}

func TestDetectBlockers_NotesNotRequiredWithOutputContract(t *testing.T) {
	in := DetectionInput{
		Context:            map[string]any{},
		ContextLimits:      contextcheck.DefaultLimits(),
		RequiresNotes:      true,
		HasOutputContract:  true,
		OutputContractName: "result",
		OutputSchema:       map[string]any{"type": "object"},
		OutputValue:        map[string]any{},
		HasOutputValue:     true,
	}
	found := DetectBlockers(in)
	assertNotHasCode(t, found, CodeMissingRequiredNotes)
}

func TestDetectBlockers_CapabilityStatuses(t *testing.T) {
	in := DetectionInput{
		Context:       map[string]any{},
		ContextLimits: contextcheck.DefaultLimits(),
		RequiredCapabilities: map[string]CapabilityStatus{
			"web.search": CapabilityUnknown,
			"fs.write":   CapabilityUnavailable,
			"shell.exec": CapabilityKnownAvailable,
		},
	}
	found := DetectBlockers(in)
	assertHasCode(t, found, CodeRequiredCapabilityUnknown)
	assertHasCode(t, found, CodeRequiredCapabilityUnavail)
	assert.Len(t, found, 2)
}

func assertHasCode(t *testing.T, blockers []Blocker, code Code) {
	t.Helper()
	for _, b := range blockers {
		if b.Code == code {
			return
		}
	}
	t.Fatalf("expected a blocker with code %s, got %+v", code, blockers)
}

func assertNotHasCode(t *testing.T, blockers []Blocker, code Code) {
	t.Helper()
	for _, b := range blockers {
		if b.Code == code {
			t.Fatalf("did not expect a blocker with code %s, got %+v", code, blockers)
		}
	}
}
