package metrics

import (
	"net/http/httptest"
	"testing"
)

func TestNew_ReturnsBoundCollectors(t *testing.T) {
	m := New()
	if m.RequestsTotal == nil || m.MixerBuildSeconds == nil || m.MixerCacheSize == nil {
		t.Fatal("expected New to bind all collectors")
	}
}

func TestCounters_IncDoesNotPanic(t *testing.T) {
	m := New()
	m.RequestsTotal.Inc()
	m.RequestsProxied.Inc()
	m.RequestsAuthShortcut.Inc()
	m.RequestsBlockedGlobal.Inc()
	m.RequestsBlockedUser.Inc()
	m.ErrorsUpstream.Inc()
	m.ErrorsReverse.Inc()
}

func TestHistograms_ObserveDoesNotPanic(t *testing.T) {
	m := New()
	m.UpstreamLatency.Observe(0.05)
	m.MixerBuildSeconds.Observe(0.2)
}

func TestUptime_Positive(t *testing.T) {
	m := New()
	if m.Uptime() < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestHandler_ServesPrometheusFormat(t *testing.T) {
	m := New()
	m.RequestsTotal.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("expected non-empty metrics body")
	}
}
