package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"crossover-sentry/internal/strategy/database"
	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
)

// PerformanceMonitor 预警效果统计：交叉次数、反转用时与超时情况
type PerformanceMonitor struct {
	dbManager *database.Manager
	interval  time.Duration

	mu      sync.RWMutex
	metrics *PerformanceMetrics
}

// PerformanceMetrics 性能指标
type PerformanceMetrics struct {
	StartTime      time.Time                 `json:"start_time"`
	TotalAlerts    int64                     `json:"total_alerts"`
	CallAlerts     int64                     `json:"call_alerts"`
	PutAlerts      int64                     `json:"put_alerts"`
	Reversals      int64                     `json:"reversals"`
	Timeouts       int64                     `json:"timeouts"`
	AlertFrequency float64                   `json:"alert_frequency"` // 预警/小时
	SymbolStats    map[string]*SymbolMetrics `json:"symbol_stats"`
	LastUpdateTime time.Time                 `json:"last_update_time"`
}

// SymbolMetrics 单个交易对的指标
type SymbolMetrics struct {
	Symbol             string          `json:"symbol"`
	TotalAlerts        int             `json:"total_alerts"`
	CallAlerts         int             `json:"call_alerts"`
	PutAlerts          int             `json:"put_alerts"`
	Reversals          int             `json:"reversals"`
	Timeouts           int             `json:"timeouts"`
	ReversalCandles    int             `json:"reversal_candles"`
	LastAlertTime      time.Time       `json:"last_alert_time"`
	LastAlertDirection types.Direction `json:"last_alert_direction"`
}

// AvgCandlesToReverse 平均反转K线数
func (s *SymbolMetrics) AvgCandlesToReverse() float64 {
	if s.Reversals == 0 {
		return 0
	}
	return float64(s.ReversalCandles) / float64(s.Reversals)
}

// TimeoutRatio 超时占比（%）
func (s *SymbolMetrics) TimeoutRatio() float64 {
	total := s.Reversals + s.Timeouts
	if total == 0 {
		return 0
	}
	return float64(s.Timeouts) / float64(total) * 100
}

// NewPerformanceMonitor 创建性能监控器，dbManager可为nil
func NewPerformanceMonitor(dbManager *database.Manager, interval time.Duration) *PerformanceMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PerformanceMonitor{
		dbManager: dbManager,
		interval:  interval,
		metrics: &PerformanceMetrics{
			StartTime:   time.Now(),
			SymbolStats: make(map[string]*SymbolMetrics),
		},
	}
}

// Start 定期输出性能报告直到ctx取消
func (pm *PerformanceMonitor) Start(ctx context.Context) {
	zap.L().Info("📊 启动预警性能监控器", zap.Duration("interval", pm.interval))
	go pm.reportLoop(ctx)
}

func (pm *PerformanceMonitor) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("🛑 预警性能监控器已停止")
			return
		case <-ticker.C:
			pm.generateReport()
		}
	}
}

// RecordAlert 记录一次交叉预警
func (pm *PerformanceMonitor) RecordAlert(alert *types.CrossoverAlert) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	sm := pm.symbolLocked(alert.Symbol)
	sm.TotalAlerts++
	sm.LastAlertTime = alert.AlertTime
	sm.LastAlertDirection = alert.Direction
	pm.metrics.TotalAlerts++

	switch alert.Direction {
	case types.DirectionCall:
		sm.CallAlerts++
		pm.metrics.CallAlerts++
	case types.DirectionPut:
		sm.PutAlerts++
		pm.metrics.PutAlerts++
	}
	pm.touchLocked()
}

// RecordReversal 记录一次反转结果
func (pm *PerformanceMonitor) RecordReversal(record *types.ReversalRecord) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	sm := pm.symbolLocked(record.Symbol)
	if record.Exceeded {
		sm.Timeouts++
		pm.metrics.Timeouts++
	} else {
		sm.Reversals++
		sm.ReversalCandles += record.CandlesToReverse
		pm.metrics.Reversals++
	}
	pm.touchLocked()
}

func (pm *PerformanceMonitor) symbolLocked(symbol string) *SymbolMetrics {
	sm, ok := pm.metrics.SymbolStats[symbol]
	if !ok {
		sm = &SymbolMetrics{Symbol: symbol}
		pm.metrics.SymbolStats[symbol] = sm
	}
	return sm
}

func (pm *PerformanceMonitor) touchLocked() {
	now := time.Now()
	if hours := now.Sub(pm.metrics.StartTime).Hours(); hours > 0 {
		pm.metrics.AlertFrequency = float64(pm.metrics.TotalAlerts) / hours
	}
	pm.metrics.LastUpdateTime = now
}

// generateReport 生成性能报告
func (pm *PerformanceMonitor) generateReport() {
	metrics := pm.GetMetrics()

	zap.L().Info("📈 预警性能报告",
		zap.Duration("run_time", time.Since(metrics.StartTime)),
		zap.Int64("total_alerts", metrics.TotalAlerts),
		zap.Int64("call_alerts", metrics.CallAlerts),
		zap.Int64("put_alerts", metrics.PutAlerts),
		zap.Int64("reversals", metrics.Reversals),
		zap.Int64("timeouts", metrics.Timeouts),
		zap.Float64("alert_frequency", metrics.AlertFrequency))

	for _, symbol := range sortedSymbols(metrics.SymbolStats) {
		sm := metrics.SymbolStats[symbol]
		zap.L().Info("📊 交易对表现",
			zap.String("symbol", symbol),
			zap.Int("total_alerts", sm.TotalAlerts),
			zap.Int("reversals", sm.Reversals),
			zap.Int("timeouts", sm.Timeouts),
			zap.Float64("avg_candles_to_reverse", sm.AvgCandlesToReverse()),
			zap.Float64("timeout_ratio", sm.TimeoutRatio()))
	}
}

// GetMetrics 获取指标快照
func (pm *PerformanceMonitor) GetMetrics() *PerformanceMetrics {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	snapshot := *pm.metrics
	snapshot.SymbolStats = make(map[string]*SymbolMetrics, len(pm.metrics.SymbolStats))
	for symbol, sm := range pm.metrics.SymbolStats {
		copied := *sm
		snapshot.SymbolStats[symbol] = &copied
	}
	return &snapshot
}

// GetMetricsJSON 获取JSON格式的性能指标
func (pm *PerformanceMonitor) GetMetricsJSON() (string, error) {
	data, err := json.MarshalIndent(pm.GetMetrics(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DailyReport 日报告
type DailyReport struct {
	Symbol              string  `json:"symbol"`
	Date                string  `json:"date"`
	TotalAlerts         int     `json:"total_alerts"`
	CallAlerts          int     `json:"call_alerts"`
	PutAlerts           int     `json:"put_alerts"`
	Reversals           int     `json:"reversals"`
	Timeouts            int     `json:"timeouts"`
	AvgCandlesToReverse float64 `json:"avg_candles_to_reverse"`
	CallRatio           float64 `json:"call_ratio"`
	PutRatio            float64 `json:"put_ratio"`
}

// GetDailyReport 从数据库获取当日报告
func (pm *PerformanceMonitor) GetDailyReport(symbol string) (*DailyReport, error) {
	if pm.dbManager == nil {
		return nil, fmt.Errorf("数据库未启用")
	}

	stats, err := pm.dbManager.GetDailyStats(symbol, 1)
	if err != nil {
		return nil, err
	}

	if len(stats) == 0 {
		return &DailyReport{
			Symbol: symbol,
			Date:   time.Now().Format("2006-01-02"),
		}, nil
	}

	day := stats[0]
	report := &DailyReport{
		Symbol:              symbol,
		Date:                day.Date,
		TotalAlerts:         day.TotalAlerts,
		CallAlerts:          day.CallAlerts,
		PutAlerts:           day.PutAlerts,
		Reversals:           day.Reversals,
		Timeouts:            day.Timeouts,
		AvgCandlesToReverse: day.AvgCandlesToReverse(),
	}
	if report.TotalAlerts > 0 {
		report.CallRatio = float64(report.CallAlerts) / float64(report.TotalAlerts) * 100
		report.PutRatio = float64(report.PutAlerts) / float64(report.TotalAlerts) * 100
	}
	return report, nil
}

// WriteFormattedReport 输出格式化报告
func (pm *PerformanceMonitor) WriteFormattedReport(w io.Writer) {
	metrics := pm.GetMetrics()
	runTime := time.Since(metrics.StartTime)

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "📈 EMA交叉预警性能报告")
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "🕐 运行时间: %s\n", runTime.Truncate(time.Second))
	fmt.Fprintf(w, "🎯 预警总数: %d (CALL %d / PUT %d)\n", metrics.TotalAlerts, metrics.CallAlerts, metrics.PutAlerts)
	fmt.Fprintf(w, "🔄 已反转: %d  ⌛ 超时: %d\n", metrics.Reversals, metrics.Timeouts)
	fmt.Fprintf(w, "📊 预警频率: %.2f次/小时\n", metrics.AlertFrequency)
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, symbol := range sortedSymbols(metrics.SymbolStats) {
		sm := metrics.SymbolStats[symbol]
		fmt.Fprintf(w, "💹 %s: %d预警, 平均%.2f根K线反转, 超时%.1f%%\n",
			symbol, sm.TotalAlerts, sm.AvgCandlesToReverse(), sm.TimeoutRatio())
	}

	fmt.Fprintln(w, strings.Repeat("=", 80)+"\n")
}

func sortedSymbols(stats map[string]*SymbolMetrics) []string {
	symbols := make([]string, 0, len(stats))
	for symbol := range stats {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
