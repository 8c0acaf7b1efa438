package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crossover-sentry/internal/storage"
	"crossover-sentry/pkg/types"
)

type fakeSource struct {
	mu       sync.Mutex
	candles  map[string][]*types.Candle
	account  string
	panicFor string
}

func (f *fakeSource) GetCandles(ctx context.Context, symbol string, timeframeSeconds, count int, asOf time.Time) ([]*types.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol == f.panicFor {
		panic("exchange exploded")
	}
	candles, ok := f.candles[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return append([]*types.Candle(nil), candles...), nil
}

func (f *fakeSource) SwitchAccount(ctx context.Context, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account != "REAL" && account != "PRACTICE" {
		return errors.New("unknown account")
	}
	f.account = account
	return nil
}

func (f *fakeSource) push(symbol string, open, close float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.candles[symbol])
	f.candles[symbol] = append(f.candles[symbol], &types.Candle{
		Symbol: symbol, OpenTime: int64(n * 60), Open: open, Close: close,
	})
}

// crossingSource returns a series whose latest candle completes an upward crossover for EMA 1/3.
func crossingSource(symbol string) *fakeSource {
	f := &fakeSource{candles: map[string][]*types.Candle{}}
	for i := 0; i < 9; i++ {
		f.push(symbol, 10, 10)
	}
	f.push(symbol, 10, 12)
	return f
}

func testConfig(symbols ...string) types.EMACrossConfig {
	return types.EMACrossConfig{
		Symbols:          symbols,
		TimeframeSeconds: 60,
		FastPeriod:       1,
		SlowPeriod:       3,
		CandleCount:      50,
		MaxReversalWait:  5,
		HistoryCapacity:  5,
		FetchTimeout:     time.Second,
	}
}

func newTestEngine(t *testing.T, source types.CandleSource, cfg types.EMACrossConfig) (*AlertEngine, chan types.Command, chan types.Event, *storage.StateManager) {
	t.Helper()
	state := storage.NewStateManager(types.RedisConfig{}, cfg.HistoryCapacity)
	commands := make(chan types.Command, 8)
	events := make(chan types.Event, 32)
	fixed := time.Unix(1_700_000_000, 0)
	ae := NewAlertEngine(cfg, source, state, commands, events, WithClock(func() time.Time { return fixed }))
	return ae, commands, events, state
}

func drain(events chan types.Event) []types.Event {
	var out []types.Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofKind(events []types.Event, kind types.EventKind) []types.Event {
	var out []types.Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func mustIterate(t *testing.T, ae *AlertEngine) {
	t.Helper()
	stop, err := ae.iterate(context.Background())
	if err != nil || stop {
		t.Fatalf("iterate: stop=%v err=%v", stop, err)
	}
}

func TestAlertEngine_AlertsOncePerCandle(t *testing.T) {
	source := crossingSource("AAA")
	ae, _, events, state := newTestEngine(t, source, testConfig("AAA"))
	state.SetAverage("AAA", 3)

	mustIterate(t, ae)
	mustIterate(t, ae)

	alerts := ofKind(drain(events), types.EventAlert)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	alert := alerts[0].Alert
	if alert.Direction != types.DirectionCall {
		t.Errorf("direction = %s, want call", alert.Direction)
	}
	if alert.Strategy != "EMA 1/3 Crossover" {
		t.Errorf("strategy = %q", alert.Strategy)
	}
	if alert.PredictedLatency != 3 || alert.PredictedText != "~3 candle(s)" {
		t.Errorf("prediction = %d %q", alert.PredictedLatency, alert.PredictedText)
	}
	if alert.CandleTime != 540 {
		t.Errorf("candle time = %d, want 540", alert.CandleTime)
	}
	if alert.ID == "" {
		t.Error("alert id should be set")
	}
	if got := ae.Stats().Watching; got != 1 {
		t.Errorf("watching = %d, want 1", got)
	}
}

func TestAlertEngine_MissingAverageFallsBackToZero(t *testing.T) {
	ae, _, events, _ := newTestEngine(t, crossingSource("AAA"), testConfig("AAA"))

	mustIterate(t, ae)

	alerts := ofKind(drain(events), types.EventAlert)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Alert.PredictedText != "~0 candle(s)" {
		t.Errorf("predicted text = %q", alerts[0].Alert.PredictedText)
	}
}

func TestAlertEngine_RecordsReversal(t *testing.T) {
	source := crossingSource("AAA")
	ae, _, events, state := newTestEngine(t, source, testConfig("AAA"))

	mustIterate(t, ae)
	source.push("AAA", 13, 12.2) // bearish candle after the crossover
	source.push("AAA", 12.2, 12.2)
	mustIterate(t, ae)

	records := ofKind(drain(events), types.EventReversalRecorded)
	if len(records) != 1 {
		t.Fatalf("reversal records = %d, want 1", len(records))
	}
	rec := records[0].Reversal
	if rec.CandlesToReverse != 1 || rec.Exceeded {
		t.Errorf("record = %+v", rec)
	}
	if rec.ReversalTime == nil || *rec.ReversalTime != 600 {
		t.Errorf("reversal time = %v, want 600", rec.ReversalTime)
	}
	if got := len(state.Reversals()); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
	if got := ae.Stats().Watching; got != 0 {
		t.Errorf("watching = %d, want 0", got)
	}
}

func TestAlertEngine_Shortfall(t *testing.T) {
	source := &fakeSource{candles: map[string][]*types.Candle{}}
	source.push("AAA", 10, 10)
	source.push("AAA", 10, 11)
	ae, _, events, _ := newTestEngine(t, source, testConfig("AAA", "BBB"))

	mustIterate(t, ae)
	mustIterate(t, ae)

	stats := ae.Stats()
	if stats.Shortfalls["AAA"] != 2 {
		t.Errorf("AAA shortfall = %d, want 2", stats.Shortfalls["AAA"])
	}
	if stats.Shortfalls["BBB"] != 2 {
		t.Errorf("BBB shortfall = %d, want 2 (fetch errors count as shortfall)", stats.Shortfalls["BBB"])
	}
	if len(ofKind(drain(events), types.EventAlert)) != 0 {
		t.Error("no alert expected without enough candles")
	}
}

func TestAlertEngine_UpdateConfigResetsState(t *testing.T) {
	source := crossingSource("AAA")
	ae, commands, events, _ := newTestEngine(t, source, testConfig("AAA"))

	mustIterate(t, ae)
	drain(events)

	wait := 7
	commands <- types.Command{Kind: types.CommandUpdateConfig, Patch: types.ConfigPatch{MaxReversalWait: &wait}}
	mustIterate(t, ae)

	got := drain(events)
	applied := ofKind(got, types.EventConfigApplied)
	if len(applied) != 1 {
		t.Fatalf("config_applied events = %d, want 1", len(applied))
	}
	if applied[0].Config.MaxReversalWait != 7 {
		t.Errorf("max wait = %d, want 7", applied[0].Config.MaxReversalWait)
	}
	// dedup timestamps were reset, so the same candle alerts again
	if n := len(ofKind(got, types.EventAlert)); n != 1 {
		t.Errorf("alerts after reset = %d, want 1", n)
	}
	if got[0].Kind != types.EventConfigApplied {
		t.Errorf("first event = %s, want config_applied", got[0].Kind)
	}
}

func TestAlertEngine_RejectsInvalidConfig(t *testing.T) {
	ae, commands, events, _ := newTestEngine(t, crossingSource("AAA"), testConfig("AAA"))

	zero := 0
	commands <- types.Command{Kind: types.CommandUpdateConfig, Patch: types.ConfigPatch{SlowPeriod: &zero}}
	mustIterate(t, ae)

	got := drain(events)
	if len(ofKind(got, types.EventConfigApplied)) != 0 {
		t.Error("invalid config must not be applied")
	}
	if len(ofKind(got, types.EventLog)) == 0 {
		t.Error("expected a log event describing the rejection")
	}
	if ae.cfg.SlowPeriod != 3 {
		t.Errorf("slow period = %d, want 3", ae.cfg.SlowPeriod)
	}
}

func TestAlertEngine_SwitchAccount(t *testing.T) {
	source := crossingSource("AAA")
	ae, commands, events, _ := newTestEngine(t, source, testConfig("AAA"))

	commands <- types.Command{Kind: types.CommandSwitchAccount, Account: "PRACTICE"}
	mustIterate(t, ae)

	changed := ofKind(drain(events), types.EventAccountChanged)
	if len(changed) != 1 || changed[0].Account != "PRACTICE" {
		t.Fatalf("account_changed events = %+v", changed)
	}
	if source.account != "PRACTICE" || ae.Stats().Account != "PRACTICE" {
		t.Errorf("account not switched: source=%s engine=%s", source.account, ae.Stats().Account)
	}

	commands <- types.Command{Kind: types.CommandSwitchAccount, Account: "DEMO"}
	mustIterate(t, ae)
	if len(ofKind(drain(events), types.EventAccountChanged)) != 0 {
		t.Error("failed switch must not emit account_changed")
	}
}

func TestAlertEngine_RecoversPanic(t *testing.T) {
	source := crossingSource("AAA")
	source.panicFor = "AAA"
	ae, _, _, _ := newTestEngine(t, source, testConfig("AAA"))

	stop, err := ae.iterate(context.Background())
	if stop {
		t.Error("panic must not stop the engine")
	}
	if err == nil {
		t.Error("expected panic to surface as an error")
	}
}

func TestAlertEngine_RunStops(t *testing.T) {
	ae, commands, events, _ := newTestEngine(t, crossingSource("AAA"), testConfig("AAA"))
	commands <- types.Command{Kind: types.CommandStop}

	done := make(chan error, 1)
	go func() { done <- ae.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	statuses := ofKind(drain(events), types.EventStatusChanged)
	if len(statuses) != 2 || statuses[0].Status != types.StatusRunning || statuses[1].Status != types.StatusStopped {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestAlertEngine_RunHonoursContext(t *testing.T) {
	cfg := testConfig("AAA")
	cfg.PollInterval = time.Hour
	ae, _, _, _ := newTestEngine(t, crossingSource("AAA"), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ae.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine ignored context cancellation")
	}
}

func TestAlertEngine_RunRejectsInvalidConfig(t *testing.T) {
	ae, _, _, _ := newTestEngine(t, crossingSource("AAA"), types.EMACrossConfig{})
	if err := ae.Run(context.Background()); err == nil {
		t.Error("expected validation error")
	}
}

func TestAlertEngine_AlertDeliveredWhenChannelFull(t *testing.T) {
	cfg := testConfig("EURUSD")
	state := storage.NewStateManager(types.RedisConfig{}, cfg.HistoryCapacity)
	events := make(chan types.Event, 1)
	ae := NewAlertEngine(cfg, crossingSource("EURUSD"), state, make(chan types.Command), events)

	events <- types.Event{Kind: types.EventLog, Text: "backlog"}

	done := make(chan error, 1)
	go func() {
		_, err := ae.iterate(context.Background())
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("iterate returned while the alert could not be delivered")
	case <-time.After(50 * time.Millisecond):
	}

	if ev := <-events; ev.Text != "backlog" {
		t.Fatalf("first event = %+v, want backlog", ev)
	}
	select {
	case ev := <-events:
		if ev.Kind != types.EventAlert || ev.Alert == nil || ev.Alert.Symbol != "EURUSD" {
			t.Fatalf("event = %+v, want EURUSD alert", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert was never delivered")
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// 同一根K线不再重复预警
	mustIterate(t, ae)
	if got := ofKind(drain(events), types.EventAlert); len(got) != 0 {
		t.Errorf("duplicate alerts: %d", len(got))
	}
}

func TestAlertEngine_BlockedSendReleasedOnCancel(t *testing.T) {
	cfg := testConfig("EURUSD")
	state := storage.NewStateManager(types.RedisConfig{}, cfg.HistoryCapacity)
	events := make(chan types.Event, 1)
	ae := NewAlertEngine(cfg, crossingSource("EURUSD"), state, make(chan types.Command), events)
	events <- types.Event{Kind: types.EventLog, Text: "backlog"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = ae.iterate(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("iterate stayed blocked after cancel")
	}
}

func TestAlertEngine_LogEventsDroppedWhenFull(t *testing.T) {
	cfg := testConfig("EURUSD")
	state := storage.NewStateManager(types.RedisConfig{}, cfg.HistoryCapacity)
	events := make(chan types.Event, 1)
	ae := NewAlertEngine(cfg, crossingSource("EURUSD"), state, make(chan types.Command), events)

	ae.emitLog("info", "first")
	ae.emitLog("info", "second")
	if got := drain(events); len(got) != 1 || got[0].Text != "first" {
		t.Errorf("events = %+v, want only the first log", got)
	}
}
