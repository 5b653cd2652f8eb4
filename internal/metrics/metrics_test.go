package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordAndExpose(t *testing.T) {
	m := New("test")
	m.SessionStarted()
	m.RecordTurn("user")
	m.RecordTurn("user")
	m.RecordFailure("upload")
	m.RecordHTTP("GET", "/healthz", 200, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("user")); got != 2 {
		t.Fatalf("turns_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("sessions_active = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `test_pipeline_failures_total{kind="upload"} 1`) {
		t.Fatalf("failure counter not exposed:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.RecordTurn("user")
	m.RecordPoll("assemblyai", "completed")
	m.ObserveStage("upload", time.Second)
}
