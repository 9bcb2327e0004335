package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRelayCounters(t *testing.T) {
	m := New()
	m.ObserveOutcome("ok")
	m.ObserveOutcome("rate_limited")
	m.ObserveUsage(10, 20, 5, 0.5)
	m.ObserveUpstreamLatency(1500 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`o1relay_chat_requests_total{outcome="ok"} 1`,
		`o1relay_chat_requests_total{outcome="rate_limited"} 1`,
		`o1relay_tokens_total{kind="completion"} 20`,
		`o1relay_cost_usd_total 0.5`,
		`o1relay_upstream_latency_seconds_count 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOutcome("ok")
	m.ObserveUsage(1, 1, 0, 1)
	m.ObserveUpstreamLatency(time.Second)
	if m.Handler() == nil {
		t.Fatalf("expected fallback handler")
	}
}
