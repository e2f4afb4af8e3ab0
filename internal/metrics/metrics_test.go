package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Transfer("native", nil)
	m.Transfer("native", errors.New("boom"))
	m.Transfer("token", nil)
	m.LapFinished("completed", 12)
	m.Halted("zero_collection")

	if got := testutil.ToFloat64(m.Transfers.WithLabelValues("native", "error")); got != 1 {
		t.Fatalf("native errors=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.Laps.WithLabelValues("completed")); got != 1 {
		t.Fatalf("completed laps=%v want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "rotator_halts_total") {
		t.Fatalf("metrics output missing halts counter")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Transfer("native", nil)
	m.SetActive(true)
	m.SetWorkers(3)
	m.SetCollected(1, 2)
	m.LapFinished("failed", 0)
	m.Halted("x")
}
