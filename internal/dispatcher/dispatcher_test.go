package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crossover-sentry/internal/metrics"
	"crossover-sentry/internal/strategy/monitor"
	"crossover-sentry/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeNotifier struct {
	mu        sync.Mutex
	single    []string
	batches   [][]string
	reversals []string
	batchErr  error
	singleErr error
}

func (f *fakeNotifier) SendAlert(alert *types.CrossoverAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.single = append(f.single, alert.Symbol)
	return f.singleErr
}

func (f *fakeNotifier) SendBatchAlerts(alerts []*types.CrossoverAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	symbols := make([]string, 0, len(alerts))
	for _, a := range alerts {
		symbols = append(symbols, a.Symbol)
	}
	f.batches = append(f.batches, symbols)
	return f.batchErr
}

func (f *fakeNotifier) SendReversal(record *types.ReversalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reversals = append(f.reversals, record.Symbol)
	return nil
}

type fakeStore struct {
	alerts    int
	reversals int
}

func (s *fakeStore) SaveAlert(*types.CrossoverAlert) error     { s.alerts++; return nil }
func (s *fakeStore) SaveReversal(*types.ReversalRecord) error { s.reversals++; return nil }

func alertEvent(symbol string) types.Event {
	return types.Event{Kind: types.EventAlert, Alert: &types.CrossoverAlert{
		ID: symbol + "-1", Symbol: symbol, Direction: types.DirectionCall, AlertTime: time.Now(),
	}}
}

func TestDispatcher_BatchesAlertsUntilFlush(t *testing.T) {
	n := &fakeNotifier{}
	store := &fakeStore{}
	pm := monitor.NewPerformanceMonitor(nil, time.Hour)
	d := NewDispatcher(nil, n, WithStore(store), WithPerformanceMonitor(pm), WithFlushInterval(time.Hour))

	d.Handle(alertEvent("BTC-USDT"))
	d.Handle(alertEvent("ETH-USDT"))
	if len(n.batches) != 0 || len(n.single) != 0 {
		t.Fatal("alerts should wait for the flush")
	}
	if store.alerts != 2 {
		t.Errorf("stored alerts = %d, want 2", store.alerts)
	}
	if got := pm.GetMetrics().TotalAlerts; got != 2 {
		t.Errorf("performance alerts = %d, want 2", got)
	}

	d.flush()
	if len(n.batches) != 1 || len(n.batches[0]) != 2 {
		t.Fatalf("batches = %v", n.batches)
	}

	d.Handle(alertEvent("SOL-USDT"))
	d.flush()
	if len(n.single) != 1 || n.single[0] != "SOL-USDT" {
		t.Errorf("single alert should use SendAlert, got %v", n.single)
	}
}

func TestDispatcher_BatchFailureFallsBackToSingle(t *testing.T) {
	n := &fakeNotifier{batchErr: errors.New("boom")}
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	d := NewDispatcher(nil, n, WithMetrics(rec), WithFlushInterval(time.Hour))

	d.Handle(alertEvent("BTC-USDT"))
	d.Handle(alertEvent("ETH-USDT"))
	d.flush()

	if len(n.single) != 2 {
		t.Fatalf("fallback sends = %v", n.single)
	}
	if got := d.GetStats()["failed_sends"].(int64); got != 0 {
		t.Errorf("failed_sends = %d, want 0", got)
	}
	got, err := testutil.GatherAndCount(reg, "sentry_notifications_total")
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Errorf("notification series = %d, want 2", got)
	}
}

func TestDispatcher_ReversalAndConfigHook(t *testing.T) {
	n := &fakeNotifier{}
	store := &fakeStore{}
	var applied []types.EMACrossConfig
	d := NewDispatcher(nil, n, WithStore(store), WithFlushInterval(0),
		WithConfigHook(func(cfg types.EMACrossConfig) { applied = append(applied, cfg) }))

	d.Handle(types.Event{Kind: types.EventReversalRecorded, Reversal: &types.ReversalRecord{Symbol: "BTC-USDT", CandlesToReverse: 2}})
	if store.reversals != 1 || len(n.reversals) != 1 {
		t.Errorf("reversal not dispatched: store=%d sent=%v", store.reversals, n.reversals)
	}

	d.Handle(alertEvent("BTC-USDT"))
	if len(n.single) != 1 {
		t.Error("zero flush interval should send immediately")
	}

	cfg := types.EMACrossConfig{Symbols: []string{"BTC-USDT"}, FastPeriod: 5, SlowPeriod: 20}
	d.Handle(types.Event{Kind: types.EventConfigApplied, Config: &cfg})
	if len(applied) != 1 || applied[0].FastPeriod != 5 {
		t.Errorf("config hook calls = %v", applied)
	}

	d.Handle(types.Event{Kind: types.EventStatusChanged, Status: types.StatusRunning})
	d.Handle(types.Event{Kind: types.EventAccountChanged, Account: "PRACTICE"})
	stats := d.GetStats()
	if stats["status"] != types.StatusRunning || stats["account"] != "PRACTICE" {
		t.Errorf("stats = %v", stats)
	}
}

func TestDispatcher_LogEvents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	d := NewDispatcher(nil, &fakeNotifier{})
	d.Handle(types.Event{Kind: types.EventLog, Level: "error", Text: "engine iteration failed: x"})
	d.Handle(types.Event{Kind: types.EventLog, Level: "warning", Text: "account switching not supported"})

	if got := logs.FilterMessage("engine iteration failed: x").FilterLevelExact(zapcore.ErrorLevel).Len(); got != 1 {
		t.Errorf("error log entries = %d", got)
	}
	if got := logs.FilterLevelExact(zapcore.WarnLevel).Len(); got != 1 {
		t.Errorf("warn log entries = %d", got)
	}
}

func TestDispatcher_RunFlushesOnClose(t *testing.T) {
	n := &fakeNotifier{}
	events := make(chan types.Event, 4)
	d := NewDispatcher(events, n, WithFlushInterval(time.Hour))

	events <- alertEvent("BTC-USDT")
	events <- alertEvent("ETH-USDT")
	close(events)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	if len(n.batches) != 1 {
		t.Errorf("pending alerts should be flushed on exit, batches = %v", n.batches)
	}
}
