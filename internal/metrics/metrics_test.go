package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/procwatch/restrack/internal/metrics"
)

func TestRegistryExposesMetrics(t *testing.T) {
	metrics.EmitBuildInfo()
	metrics.SetTracked("semaphore", 3)
	metrics.IncrementUnlink("semaphore")
	metrics.IncrementProtocolError()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}

	body := rec.Body.String()
	for _, line := range []string{
		`restrack_tracked_resources{kind="semaphore"} 3`,
		`restrack_unlinks_total{kind="semaphore"} 1`,
		"restrack_build_info",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected metric line %q in body:\n%s", line, body)
		}
	}
}

func TestCounterHelpersDefaultUnknownKind(t *testing.T) {
	metrics.IncrementUnlinkError("")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `restrack_unlink_errors_total{kind="unknown"}`) {
		t.Fatalf("expected unknown-kind unlink error counter in body:\n%s", rec.Body.String())
	}
}
