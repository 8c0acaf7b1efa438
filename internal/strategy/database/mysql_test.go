package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"crossover-sentry/pkg/types"
	"gorm.io/driver/sqlite"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	m, err := NewManagerWithDialector(sqlite.Open(dsn), types.MySQLConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("NewManagerWithDialector: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_SaveAlertUpdatesDailyStats(t *testing.T) {
	m := newTestManager(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, dir := range []types.Direction{types.DirectionCall, types.DirectionPut, types.DirectionCall} {
		alert := &types.CrossoverAlert{
			ID:         fmt.Sprintf("alert-%d", i),
			Symbol:     "BTC-USDT",
			Direction:  dir,
			Strategy:   "EMA 3/33 Crossover",
			CandleTime: int64(i * 60),
			AlertTime:  at,
		}
		if err := m.SaveAlert(alert); err != nil {
			t.Fatalf("SaveAlert: %v", err)
		}
	}

	alerts, err := m.GetAlerts("BTC-USDT", 10)
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(alerts) != 3 || alerts[0].CandleTime != 120 {
		t.Errorf("alerts = %+v", alerts)
	}

	var stats DailyStats
	if err := m.db.Where("symbol = ? AND date = ?", "BTC-USDT", "2024-05-01").First(&stats).Error; err != nil {
		t.Fatalf("daily stats: %v", err)
	}
	if stats.TotalAlerts != 3 || stats.CallAlerts != 2 || stats.PutAlerts != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestManager_SaveReversal(t *testing.T) {
	m := newTestManager(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	reversalTime := int64(240)

	records := []*types.ReversalRecord{
		{ID: "r1", Symbol: "ETH-USDT", Direction: types.DirectionCall, CrossoverTime: 60, ReversalTime: &reversalTime, CandlesToReverse: 3, MaxWait: 5, RecordedAt: at},
		{ID: "r2", Symbol: "ETH-USDT", Direction: types.DirectionPut, CrossoverTime: 600, CandlesToReverse: 1, MaxWait: 5, RecordedAt: at},
		{ID: "r3", Symbol: "ETH-USDT", Direction: types.DirectionPut, CrossoverTime: 900, Exceeded: true, MaxWait: 5, RecordedAt: at},
	}
	for _, r := range records {
		if err := m.SaveReversal(r); err != nil {
			t.Fatalf("SaveReversal: %v", err)
		}
	}

	saved, err := m.GetReversals("ETH-USDT", 10)
	if err != nil {
		t.Fatalf("GetReversals: %v", err)
	}
	if len(saved) != 3 {
		t.Fatalf("saved = %d, want 3", len(saved))
	}
	if saved[0].Latency != "> 5" || saved[0].ReversalTime != nil {
		t.Errorf("timeout record = %+v", saved[0])
	}
	if saved[2].ReversalTime == nil || *saved[2].ReversalTime != 240 {
		t.Errorf("reversal time = %v", saved[2].ReversalTime)
	}

	var stats DailyStats
	if err := m.db.Where("symbol = ?", "ETH-USDT").First(&stats).Error; err != nil {
		t.Fatalf("daily stats: %v", err)
	}
	if stats.Reversals != 2 || stats.Timeouts != 1 || stats.AvgCandlesToReverse() != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestManager_ArchiveCandlesUpserts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	candles := []*types.Candle{
		{Symbol: "BTC-USDT", OpenTime: 0, Open: 1, Close: 2},
		{Symbol: "BTC-USDT", OpenTime: 60, Open: 2, Close: 3},
	}
	if err := m.ArchiveCandles(ctx, 60, candles); err != nil {
		t.Fatalf("ArchiveCandles: %v", err)
	}
	update := []*types.Candle{
		{Symbol: "BTC-USDT", OpenTime: 60, Open: 2, Close: 4, Confirmed: true},
		{Symbol: "BTC-USDT", OpenTime: 120, Open: 4, Close: 5},
	}
	if err := m.ArchiveCandles(ctx, 60, update); err != nil {
		t.Fatalf("ArchiveCandles: %v", err)
	}

	got, err := m.GetCandles("BTC-USDT", 60, 10)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].OpenTime != 0 || got[2].OpenTime != 120 {
		t.Errorf("order = %d..%d", got[0].OpenTime, got[2].OpenTime)
	}
	if got[1].Close != 4 || !got[1].Confirmed {
		t.Errorf("upsert did not update candle: %+v", got[1])
	}

	other, err := m.GetCandles("BTC-USDT", 300, 10)
	if err != nil || len(other) != 0 {
		t.Errorf("other timeframe = %d, %v", len(other), err)
	}
}

func TestManager_Health(t *testing.T) {
	m := newTestManager(t)
	if err := m.Health(); err != nil {
		t.Errorf("Health: %v", err)
	}
}
