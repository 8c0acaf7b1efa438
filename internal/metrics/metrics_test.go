package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Alert("EURUSD", "call")
	r.Alert("EURUSD", "call")
	r.Shortfall("GBPUSD")
	r.Notification("alert", errors.New("boom"))
	r.HistoricalAverage("EURUSD", 3)

	if got := testutil.ToFloat64(r.alertsTotal.WithLabelValues("EURUSD", "call")); got != 2 {
		t.Errorf("alerts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.shortfallTotal.WithLabelValues("GBPUSD")); got != 1 {
		t.Errorf("shortfall = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.notifications.WithLabelValues("alert", "error")); got != 1 {
		t.Errorf("notification errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.historicalAverage.WithLabelValues("EURUSD")); got != 3 {
		t.Errorf("historical average = %v, want 3", got)
	}
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.Alert("A", "call")
	r.Reversal("A", "reversed")
	r.Shortfall("A")
	r.IterationError()
	r.Watching(1)
	r.HistoricalAverage("A", 1)
	r.ForgetHistoricalAverage("A")
	r.Notification("alert", nil)
}
