package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Evaluation("meta", "ai")
		m.Fallback("parse")
		m.Placeholder("unsafe_url")
		m.CaptureDuration("screenshotone", "ok", time.Second)
		m.ModelCall(time.Second, 10, 20, 0.01)
		m.QuotaDecision("ip", "allowed")
		m.ShareView()
		m.BreakerState("vision", 1)
		m.HTTPRequest("GET", "/healthz", "200", time.Millisecond)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Evaluation("tiktok", "fallback")
	m.Evaluation("tiktok", "fallback")
	m.Fallback("model_error")
	m.Placeholder("unsafe_url")
	m.ModelCall(2*time.Second, 1000, 200, 0.5)

	assert.InDelta(t, 2, testutil.ToFloat64(m.evaluations.WithLabelValues("tiktok", "fallback")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.fallbacks.WithLabelValues("model_error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.placeholders.WithLabelValues("unsafe_url")), 0)
	assert.InDelta(t, 1000, testutil.ToFloat64(m.modelTokens.WithLabelValues("input")), 0)
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.modelCost), 1e-9)
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.ShareView()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adalign_share_views_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
