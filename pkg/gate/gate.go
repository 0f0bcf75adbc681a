// Package gate implements the execution gate (spec §4.5): the single
// choke point combining lock acquisition, health re-checking, and witness
// minting for every write to a session's event log.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/workflowd/engine/internal/obs"
	"github.com/workflowd/engine/internal/witness"
	"github.com/workflowd/engine/pkg/apierror"
	"github.com/workflowd/engine/pkg/eventlog"
	"github.com/workflowd/engine/pkg/projection"
	"github.com/workflowd/engine/pkg/sessionlock"
)

// ErrNotHealthy is returned when the session's event prefix fails
// projection.Health.IsHealthy, either on the lock-free precheck or the
// re-check performed under the lock.
type ErrNotHealthy struct {
	SessionID string
	Health    projection.Health
}

func (e *ErrNotHealthy) Error() string {
	return fmt.Sprintf("gate: session %s not healthy: %s (%s)", e.SessionID, e.Health.Status, e.Health.Reason)
}
func (e *ErrNotHealthy) Code() string { return "SESSION_NOT_HEALTHY" }

// ClassifyError maps this package's and sessionlock's typed errors to the
// closed §7 taxonomy; a busy or reentrant lock both surface externally as
// TOKEN_SESSION_LOCKED, matching §8's concurrency property (exactly one
// concurrent caller gets "ok", the other gets a retryable lock error).
func ClassifyError(err error) (code apierror.Code, details map[string]any, retryAfterMs int, ok bool) {
	var notHealthy *ErrNotHealthy
	if errors.As(err, &notHealthy) {
		return apierror.CodeSessionNotHealthy, map[string]any{
			"status": string(notHealthy.Health.Status),
			"reason": notHealthy.Health.Reason,
		}, 0, true
	}
	var busy *sessionlock.ErrBusy
	if errors.As(err, &busy) {
		return apierror.CodeTokenSessionLocked, nil, busy.RetryAfterMs, true
	}
	var reentrant *sessionlock.ErrReentrant
	if errors.As(err, &reentrant) {
		return apierror.CodeTokenSessionLocked, nil, sessionlock.DefaultRetryAfterMs, true
	}
	return "", nil, 0, false
}

// Gate is the only caller permitted to invoke eventlog.Store.Append.
// Callers obtain a witness exclusively through WithHealthySessionLock.
type Gate struct {
	locker *sessionlock.Locker
	log    *eventlog.Store
	obs    *obs.Observability
}

// New builds a Gate over locker and log, which must be rooted at the same
// data directory. An *obs.Observability may be nil; every method on it
// tolerates that.
func New(locker *sessionlock.Locker, log *eventlog.Store, observability *obs.Observability) *Gate {
	return &Gate{locker: locker, log: log, obs: observability}
}

// WithHealthySessionLock performs the full sequence from spec §4.5: a
// reentrancy check, an optional lock-free precheck, lock acquisition, a
// TOCTOU health re-check under the lock, witness minting, invocation of
// fn, and guaranteed release — including when fn panics.
func (g *Gate) WithHealthySessionLock(sessionID string, fn func(w witness.Witness, truth eventlog.Truth) error) (err error) {
	_, isComplete, tailReason, precheckErr := g.log.LoadValidatedPrefix(sessionID)
	if precheckHealth := projection.FromValidatedPrefix(isComplete, tailReason, precheckErr); !precheckHealth.IsHealthy() {
		return &ErrNotHealthy{SessionID: sessionID, Health: precheckHealth}
	}

	handle, lockErr := g.locker.Acquire(sessionID)
	if lockErr != nil {
		return lockErr
	}

	released := false
	release := func() error {
		if released {
			return nil
		}
		released = true
		return g.locker.Release(handle)
	}
	defer func() {
		if relErr := release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	truth, loadErr := g.log.Load(sessionID)
	health := projection.FromLoadError(loadErr)
	if !health.IsHealthy() {
		return &ErrNotHealthy{SessionID: sessionID, Health: health}
	}

	w := witness.Mint(sessionID, handle.ID())

	ctx, span := g.obs.Tracer().Start(context.Background(), "gate.WithHealthySessionLock",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	held := time.Now()

	func() {
		defer func() {
			span.End()
			g.obs.RecordGateHold(ctx, time.Since(held).Seconds())
			if r := recover(); r != nil {
				if relErr := release(); relErr != nil {
					panic(relErr)
				}
				panic(r)
			}
		}()
		err = fn(w, truth)
	}()

	return err
}
