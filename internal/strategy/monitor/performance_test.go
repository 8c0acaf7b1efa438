package monitor

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"crossover-sentry/pkg/types"
)

func TestPerformanceMonitor_Records(t *testing.T) {
	pm := NewPerformanceMonitor(nil, time.Minute)

	pm.RecordAlert(&types.CrossoverAlert{Symbol: "BTC-USDT", Direction: types.DirectionCall, AlertTime: time.Now()})
	pm.RecordAlert(&types.CrossoverAlert{Symbol: "BTC-USDT", Direction: types.DirectionPut, AlertTime: time.Now()})
	pm.RecordReversal(&types.ReversalRecord{Symbol: "BTC-USDT", CandlesToReverse: 2})
	pm.RecordReversal(&types.ReversalRecord{Symbol: "BTC-USDT", CandlesToReverse: 4})
	pm.RecordReversal(&types.ReversalRecord{Symbol: "BTC-USDT", Exceeded: true, MaxWait: 5})

	m := pm.GetMetrics()
	if m.TotalAlerts != 2 || m.CallAlerts != 1 || m.PutAlerts != 1 {
		t.Errorf("alerts = %d/%d/%d", m.TotalAlerts, m.CallAlerts, m.PutAlerts)
	}
	sm := m.SymbolStats["BTC-USDT"]
	if sm.Reversals != 2 || sm.Timeouts != 1 {
		t.Errorf("symbol stats = %+v", sm)
	}
	if got := sm.AvgCandlesToReverse(); got != 3 {
		t.Errorf("avg = %v, want 3", got)
	}
	if got := sm.TimeoutRatio(); got < 33.3 || got > 33.4 {
		t.Errorf("timeout ratio = %v", got)
	}
	if sm.LastAlertDirection != types.DirectionPut {
		t.Errorf("last direction = %s", sm.LastAlertDirection)
	}

	// snapshot must not alias internal state
	sm.Reversals = 100
	if pm.GetMetrics().SymbolStats["BTC-USDT"].Reversals != 2 {
		t.Error("GetMetrics returned shared state")
	}
}

func TestPerformanceMonitor_FormattedReport(t *testing.T) {
	pm := NewPerformanceMonitor(nil, time.Minute)
	pm.RecordAlert(&types.CrossoverAlert{Symbol: "ETH-USDT", Direction: types.DirectionCall})

	var buf bytes.Buffer
	pm.WriteFormattedReport(&buf)
	if !strings.Contains(buf.String(), "ETH-USDT") {
		t.Errorf("report missing symbol:\n%s", buf.String())
	}
	if _, err := pm.GetDailyReport("ETH-USDT"); err == nil {
		t.Error("daily report needs a database")
	}
}
