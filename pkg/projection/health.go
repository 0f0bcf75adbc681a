// Package projection implements the pure, deterministic functions over a
// session's event prefix: health, the run DAG, node outputs, snapshot
// state, and resume-candidate ranking (spec §4.6).
package projection

import (
	"errors"

	"github.com/workflowd/engine/pkg/eventlog"
)

// HealthStatus is the closed set of session health outcomes.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthCorruptHead HealthStatus = "corrupt_head"
	HealthCorruptTail HealthStatus = "corrupt_tail"
)

// Health is the result of projecting a session's event prefix for
// structural soundness. It drives the gate's accept/reject decision.
type Health struct {
	Status HealthStatus
	Reason string
}

// IsHealthy reports whether the session may be written to.
func (h Health) IsHealthy() bool { return h.Status == HealthHealthy }

// FromLoadError classifies the outcome of the strict eventlog.Store.Load.
// A nil err means the log validated in full.
func FromLoadError(err error) Health {
	if err == nil {
		return Health{Status: HealthHealthy}
	}
	var ce *eventlog.CorruptionError
	if errors.As(err, &ce) {
		if ce.Location == eventlog.LocationHead {
			return Health{Status: HealthCorruptHead, Reason: ce.Reason}
		}
		return Health{Status: HealthCorruptTail, Reason: ce.Reason}
	}
	return Health{Status: HealthCorruptTail, Reason: err.Error()}
}

// FromValidatedPrefix classifies the outcome of the permissive
// eventlog.Store.LoadValidatedPrefix.
func FromValidatedPrefix(isComplete bool, tailReason string, err error) Health {
	if err != nil {
		return FromLoadError(err)
	}
	if !isComplete {
		return Health{Status: HealthCorruptTail, Reason: tailReason}
	}
	return Health{Status: HealthHealthy}
}
