package observability

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.RecordMountOp("start", nil, 100*time.Millisecond)
	m.RecordMountOp("start", errors.New("boom"), time.Second)
	m.RecordHealthCheck("healthy")
	m.RecordHealthCheck("process_dead")
	m.RecordWatchdogPass()
	m.RecordRestart(nil)
	m.RecordRestart(errors.New("boom"))
	m.RecordOrphanUnmounted()
	m.SetMountCounts(3, 1)

	if got := testutil.ToFloat64(m.mountOpsTotal.WithLabelValues("start", "success")); got != 1 {
		t.Errorf("start success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.mountOpsTotal.WithLabelValues("start", "failure")); got != 1 {
		t.Errorf("start failure count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.watchdogPassesTotal); got != 1 {
		t.Errorf("watchdog passes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.restartsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("failed restarts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.orphansUnmountedTotal); got != 1 {
		t.Errorf("orphans unmounted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.mountsActive); got != 3 {
		t.Errorf("active gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.mountsFailed); got != 1 {
		t.Errorf("failed gauge = %v, want 1", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordWatchdogPass()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Handler returned status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "automnt_watchdog_passes_total 1") {
		t.Errorf("Expected watchdog pass counter in exposition, got:\n%s", body)
	}
}
