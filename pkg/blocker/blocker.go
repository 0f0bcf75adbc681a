// Package blocker implements the blocker detection and risk-policy
// guardrail engine (spec §4.8): a closed code/pointer taxonomy, detection
// given missing context, budget, output-contract, and capability status,
// and the conservative/balanced/aggressive downgrade table.
package blocker

import "sort"

// Code is the closed set of blocker codes.
type Code string

const (
	CodeUserOnlyDependency        Code = "USER_ONLY_DEPENDENCY"
	CodeMissingRequiredOutput     Code = "MISSING_REQUIRED_OUTPUT"
	CodeInvalidRequiredOutput     Code = "INVALID_REQUIRED_OUTPUT"
	CodeMissingRequiredNotes      Code = "MISSING_REQUIRED_NOTES"
	CodeMissingContextKey         Code = "MISSING_CONTEXT_KEY"
	CodeContextBudgetExceeded     Code = "CONTEXT_BUDGET_EXCEEDED"
	CodeRequiredCapabilityUnknown Code = "REQUIRED_CAPABILITY_UNKNOWN"
	CodeRequiredCapabilityUnavail Code = "REQUIRED_CAPABILITY_UNAVAILABLE"
	CodeInvariantViolation        Code = "INVARIANT_VIOLATION"
	CodeStorageCorruptionDetected Code = "STORAGE_CORRUPTION_DETECTED"
)

// PointerKind is the closed set of pointer variants a blocker can carry.
type PointerKind string

const (
	PointerContextKey     PointerKind = "context_key"
	PointerOutputContract PointerKind = "output_contract"
	PointerWorkflowStep   PointerKind = "workflow_step"
	PointerCapability     PointerKind = "capability"
	PointerContextBudget  PointerKind = "context_budget"
)

const (
	maxMessageBytes      = 512
	maxSuggestedFixBytes = 1024
	maxBlockers          = 10
)

// Pointer identifies what a blocker is about.
type Pointer struct {
	Kind    PointerKind `json:"kind"`
	Payload string      `json:"payload"`
}

// Blocker is one reason an advance cannot proceed as submitted.
type Blocker struct {
	Code         Code    `json:"code"`
	Pointer      Pointer `json:"pointer"`
	Message      string  `json:"message"`
	SuggestedFix string  `json:"suggestedFix,omitempty"`
}

// category groups codes for the guardrail downgrade table.
type category string

const (
	categoryContract   category = "contract"
	categoryUserOnly   category = "user_only"
	categoryInvariant  category = "invariant"
	categoryContext    category = "context"
	categoryCorruption category = "corruption"
	categoryCapability category = "capability"
)

func categoryOf(code Code) category {
	switch code {
	case CodeMissingRequiredOutput, CodeInvalidRequiredOutput, CodeMissingRequiredNotes:
		return categoryContract
	case CodeUserOnlyDependency:
		return categoryUserOnly
	case CodeInvariantViolation:
		return categoryInvariant
	case CodeMissingContextKey, CodeContextBudgetExceeded:
		return categoryContext
	case CodeStorageCorruptionDetected:
		return categoryCorruption
	case CodeRequiredCapabilityUnknown, CodeRequiredCapabilityUnavail:
		return categoryCapability
	default:
		return categoryInvariant
	}
}

// RiskPolicy is the configured guardrail aggressiveness.
type RiskPolicy string

const (
	RiskConservative RiskPolicy = "conservative"
	RiskBalanced     RiskPolicy = "balanced"
	RiskAggressive   RiskPolicy = "aggressive"
)

// Downgrade reports whether policy downgrades code from a hard block to a
// warning. Only capability blockers are ever downgradable.
func Downgrade(policy RiskPolicy, code Code) bool {
	if categoryOf(code) != categoryCapability {
		return false
	}
	switch policy {
	case RiskConservative:
		return false
	case RiskBalanced:
		return code == CodeRequiredCapabilityUnknown
	case RiskAggressive:
		return code == CodeRequiredCapabilityUnknown || code == CodeRequiredCapabilityUnavail
	default:
		return false
	}
}

func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s)[:maxBytes]
	for len(b) > 0 && !isUTF8Boundary(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

func isUTF8Boundary(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	last := b[len(b)-1]
	return last&0xC0 != 0x80
}

// New builds a Blocker, truncating message/suggestedFix to their byte
// budgets.
func New(code Code, ptr Pointer, message, suggestedFix string) Blocker {
	return Blocker{
		Code:         code,
		Pointer:      ptr,
		Message:      truncateUTF8(message, maxMessageBytes),
		SuggestedFix: truncateUTF8(suggestedFix, maxSuggestedFixBytes),
	}
}

// Sort orders blockers deterministically by (code, pointerKind,
// pointerPayload) and truncates to at most 10, per spec §4.8/§8.
func Sort(blockers []Blocker) []Blocker {
	sorted := make([]Blocker, len(blockers))
	copy(sorted, blockers)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Pointer.Kind != b.Pointer.Kind {
			return a.Pointer.Kind < b.Pointer.Kind
		}
		return a.Pointer.Payload < b.Pointer.Payload
	})
	if len(sorted) > maxBlockers {
		sorted = sorted[:maxBlockers]
	}
	return sorted
}

// ApplyGuardrail removes or demotes capability blockers per policy,
// leaving contract/user-only/invariant/context/corruption blockers
// untouched; downgraded blockers are dropped from the returned blocking
// set and reported separately as warnings.
func ApplyGuardrail(policy RiskPolicy, blockers []Blocker) (blocking []Blocker, warnings []Blocker) {
	for _, b := range blockers {
		if Downgrade(policy, b.Code) {
			warnings = append(warnings, b)
			continue
		}
		blocking = append(blocking, b)
	}
	return blocking, warnings
}
