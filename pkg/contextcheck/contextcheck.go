// Package contextcheck validates the agent-supplied context object at
// every boundary call (spec §4.9).
package contextcheck

import (
	"errors"
	"fmt"
	"math"

	"github.com/workflowd/engine/pkg/apierror"
	"github.com/workflowd/engine/pkg/canonjson"
)

const (
	// DefaultMaxDepth is the design-default MAX_CONTEXT_DEPTH.
	DefaultMaxDepth = 10
	// DefaultMaxBytes is the design-default MAX_CONTEXT_BYTES (32 KiB).
	DefaultMaxBytes = 32 * 1024
)

// Kind is the closed set of validation failure kinds.
type Kind string

const (
	KindNotObject             Kind = "not_object"
	KindUnsafeLeaf            Kind = "unsafe_leaf"
	KindCyclicReference       Kind = "cyclic_reference"
	KindMaxDepthExceeded      Kind = "max_depth_exceeded"
	KindContextBudgetExceeded Kind = "context_budget_exceeded"
)

// Error is returned by Validate; it becomes a VALIDATION_ERROR at the
// engine boundary.
type Error struct {
	Kind          Kind
	Path          string
	MeasuredBytes int
	MaxBytes      int
}

func (e *Error) Error() string {
	if e.Kind == KindContextBudgetExceeded {
		return fmt.Sprintf("contextcheck: %s: measured %d bytes > max %d", e.Kind, e.MeasuredBytes, e.MaxBytes)
	}
	return fmt.Sprintf("contextcheck: %s at %s", e.Kind, e.Path)
}
func (e *Error) Code() string { return "VALIDATION_ERROR" }

// ClassifyError maps this package's typed error to the closed §7 taxonomy.
func ClassifyError(err error) (code apierror.Code, details map[string]any, ok bool) {
	var ce *Error
	if errors.As(err, &ce) {
		d := map[string]any{"kind": string(ce.Kind), "path": ce.Path}
		if ce.Kind == KindContextBudgetExceeded {
			d["measuredBytes"] = ce.MeasuredBytes
			d["maxBytes"] = ce.MaxBytes
		}
		return apierror.CodeValidationError, d, true
	}
	return "", nil, false
}

// Limits bounds the context budget check.
type Limits struct {
	MaxDepth int
	MaxBytes int
}

// DefaultLimits returns the design-default limits.
func DefaultLimits() Limits {
	return Limits{MaxDepth: DefaultMaxDepth, MaxBytes: DefaultMaxBytes}
}

// Validate enforces spec §4.9's five checks against ctx, which must
// already be a map[string]any (a JSON object) decoded via
// encoding/json.Unmarshal or mitchellh/mapstructure — decoders of this
// kind cannot themselves produce cycles or function-like/symbol-like
// leaves, so the cyclic-reference and unsafe-leaf checks below exist for
// defense when ctx instead arrives pre-built by in-process Go callers.
func Validate(ctx map[string]any, limits Limits) error {
	if ctx == nil {
		return &Error{Kind: KindNotObject, Path: "$"}
	}

	visiting := make(map[any]bool)
	if err := checkLeaves(ctx, "$", 1, limits.MaxDepth, visiting); err != nil {
		return err
	}

	raw, err := canonjson.Marshal(ctx)
	if err != nil {
		return &Error{Kind: KindUnsafeLeaf, Path: "$"}
	}
	if len(raw) > limits.MaxBytes {
		return &Error{Kind: KindContextBudgetExceeded, MeasuredBytes: len(raw), MaxBytes: limits.MaxBytes}
	}
	return nil
}

func checkLeaves(v any, path string, depth, maxDepth int, visiting map[any]bool) error {
	switch val := v.(type) {
	case map[string]any:
		if depth > maxDepth {
			return &Error{Kind: KindMaxDepthExceeded, Path: path}
		}
		if visiting[pointerKey(val)] {
			return &Error{Kind: KindCyclicReference, Path: path}
		}
		visiting[pointerKey(val)] = true
		defer delete(visiting, pointerKey(val))
		for k, child := range val {
			if err := checkLeaves(child, path+"."+k, depth+1, maxDepth, visiting); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if depth > maxDepth {
			return &Error{Kind: KindMaxDepthExceeded, Path: path}
		}
		if visiting[pointerKey(val)] {
			return &Error{Kind: KindCyclicReference, Path: path}
		}
		visiting[pointerKey(val)] = true
		defer delete(visiting, pointerKey(val))
		for i, child := range val {
			if err := checkLeaves(child, fmt.Sprintf("%s[%d]", path, i), depth+1, maxDepth, visiting); err != nil {
				return err
			}
		}
		return nil
	case string, bool, nil:
		return nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return &Error{Kind: KindUnsafeLeaf, Path: path}
		}
		return nil
	case int, int32, int64, uint, uint32, uint64:
		return nil
	default:
		return &Error{Kind: KindUnsafeLeaf, Path: path}
	}
}

// pointerKey derives a comparable identity for cycle detection. Go maps
// and slices decoded from JSON are never self-referential, but in-process
// callers can hand-build cyclic structures; comparing by underlying
// pointer catches that without requiring reflect.DeepEqual per node.
func pointerKey(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return fmt.Sprintf("%p", val)
	case []any:
		return fmt.Sprintf("%p", val)
	default:
		return v
	}
}
