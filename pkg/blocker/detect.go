package blocker

import (
	"fmt"
	"strings"

	"github.com/workflowd/engine/pkg/contextcheck"
)

// CapabilityStatus is the result of checking one required capability.
type CapabilityStatus string

const (
	CapabilityKnownAvailable CapabilityStatus = "known_available"
	CapabilityUnknown        CapabilityStatus = "unknown"
	CapabilityUnavailable    CapabilityStatus = "unavailable"
)

// DetectionInput bundles everything DetectBlockers needs to evaluate one
// step's submission.
type DetectionInput struct {
	RequiredContextKeys []string
	Context             map[string]any
	ContextLimits       contextcheck.Limits

	RequiresNotes     bool
	HasOutputContract bool
	NotesMarkdown     string

	OutputContractName string
	OutputSchema       map[string]any
	OutputValue        any
	HasOutputValue     bool

	RequiredCapabilities map[string]CapabilityStatus
}

// DetectBlockers runs every check in spec §4.8 and returns the unsorted,
// undeduplicated set of blockers found.
func DetectBlockers(in DetectionInput) []Blocker {
	var out []Blocker

	for _, key := range in.RequiredContextKeys {
		if _, ok := in.Context[key]; !ok {
			out = append(out, New(
				CodeMissingContextKey,
				Pointer{Kind: PointerContextKey, Payload: key},
				fmt.Sprintf("required context key %q is missing", key),
				"supply the missing context key and retry",
			))
		}
	}

	if err := contextcheck.Validate(in.Context, in.ContextLimits); err != nil {
		if ce, ok := err.(*contextcheck.Error); ok && ce.Kind == contextcheck.KindContextBudgetExceeded {
			out = append(out, New(
				CodeContextBudgetExceeded,
				Pointer{Kind: PointerContextBudget, Payload: fmt.Sprintf("%d>%d", ce.MeasuredBytes, ce.MaxBytes)},
				fmt.Sprintf("context is %d bytes, exceeding the %d byte budget", ce.MeasuredBytes, ce.MaxBytes),
				"trim the context object and retry",
			))
		}
	}

	if in.HasOutputContract {
		out = append(out, ValidateOutputContract(in.OutputContractName, in.OutputSchema, in.OutputValue)...)
	}

	if in.RequiresNotes && !in.HasOutputContract && strings.TrimSpace(in.NotesMarkdown) == "" {
		out = append(out, New(
			CodeMissingRequiredNotes,
			Pointer{Kind: PointerWorkflowStep, Payload: "notesMarkdown"},
			"this step requires notes describing what was done",
			"submit notesMarkdown summarizing the work performed",
		))
	}

	for name, status := range in.RequiredCapabilities {
		switch status {
		case CapabilityUnknown:
			out = append(out, New(
				CodeRequiredCapabilityUnknown,
				Pointer{Kind: PointerCapability, Payload: name},
				fmt.Sprintf("capability %q has unknown availability", name),
				"",
			))
		case CapabilityUnavailable:
			out = append(out, New(
				CodeRequiredCapabilityUnavail,
				Pointer{Kind: PointerCapability, Payload: name},
				fmt.Sprintf("capability %q is unavailable", name),
				"",
			))
		}
	}

	return out
}
