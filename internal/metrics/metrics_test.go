package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineCountsAndServes(t *testing.T) {
	e := New()
	e.ObserveTransition("CONFIRMED")
	e.ObserveTransition("CONFIRMED")
	e.ObserveAdjustment("CONFIRM", -3)
	e.ObserveRequest("orders.confirm", http.StatusOK, 12*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(e.Transitions.WithLabelValues("CONFIRMED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(e.StockUnits.WithLabelValues("CONFIRM")))

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "backoffice_order_transitions_total"))
}

func TestEnginesDoNotShareRegistry(t *testing.T) {
	require.NotPanics(t, func() {
		_ = New()
		_ = New()
	})
}

func TestNilEngineIsSafe(t *testing.T) {
	var e *Engine
	e.ObserveTransition("CANCELED")
	e.ObserveScan("ok")
	e.SetStockLevel("p1", 3)
	assert.Nil(t, e.Registry())
}
