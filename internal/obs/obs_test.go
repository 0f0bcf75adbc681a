package obs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RecordsAdvanceAndGateHoldInScrapeOutput(t *testing.T) {
	o, err := New("workflowd-test")
	require.NoError(t, err)

	o.RecordAdvance(context.Background(), OutcomeAdvanced)
	o.RecordAdvance(context.Background(), OutcomeBlocked)
	o.RecordGateHold(context.Background(), 0.042)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	o.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "advance_total"))
	assert.True(t, strings.Contains(body, "gate_hold_seconds"))
}

func TestNilObservability_MethodsAreNoOps(t *testing.T) {
	var o *Observability

	assert.NotPanics(t, func() {
		o.RecordAdvance(context.Background(), OutcomeError)
		o.RecordGateHold(context.Background(), 1.0)
		_ = o.Tracer()
		require.NoError(t, o.Shutdown(context.Background()))
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	o.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
