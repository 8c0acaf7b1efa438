package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"crossover-sentry/internal/metrics"
	"crossover-sentry/internal/storage"
	"crossover-sentry/internal/strategy/monitor"
	"crossover-sentry/internal/strategy/signals"
	"crossover-sentry/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stats 引擎运行统计
type Stats struct {
	Iterations int64
	Alerts     int64
	Reversals  int64
	Errors     int64
	Watching   int
	Account    string
	Shortfalls map[string]int64
}

// AlertEngine EMA交叉预警引擎，单协程轮询所有交易对
type AlertEngine struct {
	cfg      types.EMACrossConfig
	detector *signals.CrossoverDetector
	source   types.CandleSource
	state    *storage.StateManager
	commands <-chan types.Command
	events   chan<- types.Event
	metrics  *metrics.Recorder
	now      func() time.Time

	// 仅由引擎协程访问
	monitors      map[string]*monitor.ReversalMonitor
	lastAlerted   map[string]int64
	lastHeartbeat time.Time

	// 统计
	statsMutex sync.RWMutex
	iterations int64
	alerts     int64
	reversals  int64
	errors     int64
	watching   int
	account    string
	shortfalls map[string]int64
}

// Option AlertEngine可选项
type Option func(*AlertEngine)

// WithMetrics 上报prometheus指标
func WithMetrics(m *metrics.Recorder) Option {
	return func(ae *AlertEngine) { ae.metrics = m }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(ae *AlertEngine) { ae.now = now }
}

// WithAccount 设置初始账户类型
func WithAccount(account string) Option {
	return func(ae *AlertEngine) { ae.account = account }
}

// NewAlertEngine 创建预警引擎
func NewAlertEngine(cfg types.EMACrossConfig, source types.CandleSource, state *storage.StateManager,
	commands <-chan types.Command, events chan<- types.Event, opts ...Option) *AlertEngine {
	ae := &AlertEngine{
		cfg:         cfg,
		detector:    signals.NewCrossoverDetector(cfg.FastPeriod, cfg.SlowPeriod),
		source:      source,
		state:       state,
		commands:    commands,
		events:      events,
		now:         time.Now,
		monitors:    make(map[string]*monitor.ReversalMonitor),
		lastAlerted: make(map[string]int64),
		shortfalls:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(ae)
	}
	return ae
}

// Run 运行主循环，直到收到stop指令或ctx取消
func (ae *AlertEngine) Run(ctx context.Context) error {
	if err := ae.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid ema_cross config: %w", err)
	}

	zap.L().Info("🚀 启动EMA交叉预警引擎",
		zap.Strings("symbols", ae.cfg.Symbols),
		zap.String("strategy", types.StrategyLabel(ae.cfg.FastPeriod, ae.cfg.SlowPeriod)),
		zap.Int("timeframe_seconds", ae.cfg.TimeframeSeconds),
		zap.Int("max_reversal_wait", ae.cfg.MaxReversalWait))

	ae.emitStatus(ctx, types.StatusRunning)
	defer func() {
		ae.emitStatus(ctx, types.StatusStopped)
		zap.L().Info("✅ EMA交叉预警引擎已停止")
	}()

	ae.lastHeartbeat = ae.now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		stop, err := ae.iterate(ctx)
		if stop {
			return nil
		}

		wait := ae.cfg.PollInterval
		if err != nil {
			ae.statsMutex.Lock()
			ae.errors++
			ae.statsMutex.Unlock()
			ae.metrics.IterationError()
			zap.L().Error("❌ 预警循环异常，暂停后重试", zap.Error(err), zap.Duration("backoff", ae.cfg.ErrorBackoff))
			ae.emitLog("error", fmt.Sprintf("engine iteration failed: %v", err))
			wait = ae.cfg.ErrorBackoff
		}

		if !sleepContext(ctx, wait) {
			return nil
		}
	}
}

// iterate 执行一轮：处理指令、心跳、逐个交易对检测
func (ae *AlertEngine) iterate(ctx context.Context) (stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("💥 预警循环panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if ae.drainCommands(ctx) {
		return true, nil
	}

	ae.heartbeat()

	for _, symbol := range ae.cfg.Symbols {
		if ctx.Err() != nil {
			return false, nil
		}
		ae.processSymbol(ctx, symbol)
	}

	ae.statsMutex.Lock()
	ae.iterations++
	ae.statsMutex.Unlock()
	return false, nil
}

// drainCommands 非阻塞处理所有待处理指令，返回是否需要停止
func (ae *AlertEngine) drainCommands(ctx context.Context) bool {
	for {
		select {
		case cmd, ok := <-ae.commands:
			if !ok {
				ae.commands = nil
				return false
			}
			if ae.handleCommand(ctx, cmd) {
				return true
			}
		default:
			return false
		}
	}
}

func (ae *AlertEngine) handleCommand(ctx context.Context, cmd types.Command) bool {
	switch cmd.Kind {
	case types.CommandStop:
		zap.L().Info("🛑 收到停止指令")
		return true
	case types.CommandUpdateConfig:
		ae.applyConfig(ctx, cmd.Patch)
	case types.CommandSwitchAccount:
		ae.switchAccount(ctx, cmd.Account)
	default:
		zap.L().Warn("⚠️ 未知指令", zap.String("kind", string(cmd.Kind)))
	}
	return false
}

// applyConfig 应用配置变更，重置去重时间与所有反转监控
func (ae *AlertEngine) applyConfig(ctx context.Context, patch types.ConfigPatch) {
	next := ae.cfg.Apply(patch)
	if err := next.Validate(); err != nil {
		zap.L().Error("❌ 配置变更无效，保持原配置", zap.Error(err))
		ae.emitLog("error", fmt.Sprintf("config rejected: %v", err))
		return
	}

	ae.cfg = next
	ae.detector = signals.NewCrossoverDetector(next.FastPeriod, next.SlowPeriod)
	ae.lastAlerted = make(map[string]int64)
	ae.monitors = make(map[string]*monitor.ReversalMonitor)
	ae.updateWatching()

	zap.L().Info("🔧 配置已更新",
		zap.Strings("symbols", next.Symbols),
		zap.String("strategy", types.StrategyLabel(next.FastPeriod, next.SlowPeriod)),
		zap.Int("timeframe_seconds", next.TimeframeSeconds),
		zap.Int("candle_count", next.CandleCount),
		zap.Int("max_reversal_wait", next.MaxReversalWait))

	snapshot := next
	ae.emit(ctx, types.Event{Kind: types.EventConfigApplied, Text: "config applied", Config: &snapshot})
}

// switchAccount 切换账户类型，数据源不支持时忽略
func (ae *AlertEngine) switchAccount(ctx context.Context, account string) {
	switcher, ok := ae.source.(types.AccountSwitcher)
	if !ok {
		zap.L().Warn("⚠️ 数据源不支持切换账户", zap.String("account", account))
		ae.emitLog("warning", "account switching not supported")
		return
	}

	if err := switcher.SwitchAccount(ctx, account); err != nil {
		zap.L().Error("❌ 切换账户失败", zap.String("account", account), zap.Error(err))
		ae.emitLog("error", fmt.Sprintf("switch account to %s failed: %v", account, err))
		return
	}

	ae.statsMutex.Lock()
	ae.account = account
	ae.statsMutex.Unlock()

	zap.L().Info("✅ 账户已切换", zap.String("account", account))
	ae.emit(ctx, types.Event{Kind: types.EventAccountChanged, Account: account, Text: "account changed"})
}

// processSymbol 检测单个交易对的交叉并推进反转监控
func (ae *AlertEngine) processSymbol(ctx context.Context, symbol string) {
	fetchCtx, cancel := fetchContext(ctx, ae.cfg.FetchTimeout)
	start := time.Now()
	candles, err := ae.source.GetCandles(fetchCtx, symbol, ae.cfg.TimeframeSeconds, ae.cfg.CandleCount, ae.now())
	cancel()
	ae.metrics.ObserveFetch("poll", start)

	required := ae.cfg.RequiredBars()
	if err != nil || len(candles) < required {
		ae.statsMutex.Lock()
		ae.shortfalls[symbol]++
		ae.statsMutex.Unlock()
		ae.metrics.Shortfall(symbol)
		zap.L().Warn("⚠️ K线数量不足，跳过检测",
			zap.String("symbol", symbol),
			zap.Int("available", len(candles)),
			zap.Int("required", required),
			zap.Error(err))
		return
	}

	latest := candles[len(candles)-1]
	if direction := ae.detector.Detect(candles); direction != types.DirectionNone {
		if last, ok := ae.lastAlerted[symbol]; !ok || last != latest.OpenTime {
			ae.raiseAlert(ctx, symbol, direction, latest)
		}
	}

	ae.advanceMonitor(ctx, symbol, candles)
}

// raiseAlert 发出交叉预警并开始监控反转
func (ae *AlertEngine) raiseAlert(ctx context.Context, symbol string, direction types.Direction, latest *types.Candle) {
	avg, _ := ae.state.Average(symbol)
	alert := &types.CrossoverAlert{
		ID:               uuid.NewString(),
		Symbol:           symbol,
		Direction:        direction,
		Strategy:         types.StrategyLabel(ae.cfg.FastPeriod, ae.cfg.SlowPeriod),
		CandleTime:       latest.OpenTime,
		AlertTime:        ae.now(),
		PredictedLatency: avg,
		PredictedText:    types.PredictedLatencyText(avg),
	}
	ae.lastAlerted[symbol] = latest.OpenTime

	ae.statsMutex.Lock()
	ae.alerts++
	ae.statsMutex.Unlock()
	ae.metrics.Alert(symbol, string(direction))

	zap.L().Info("🎯 EMA交叉预警",
		zap.String("symbol", symbol),
		zap.String("direction", direction.Label()),
		zap.Int64("candle_time", latest.OpenTime),
		zap.String("predicted", alert.PredictedText))
	ae.emit(ctx, types.Event{
		Kind:  types.EventAlert,
		Alert: alert,
		Text:  fmt.Sprintf("[%s] %s crossover, reversal in %s", symbol, direction.Label(), alert.PredictedText),
	})

	mon := ae.monitorFor(symbol)
	if !mon.Start(latest.OpenTime, direction) {
		crossoverTime, _ := mon.CrossoverTime()
		zap.L().Info("⏳ 已在监控反转，本次交叉不重新计时",
			zap.String("symbol", symbol),
			zap.Int64("watching_since", crossoverTime))
	}
	ae.updateWatching()
}

// advanceMonitor 推进反转监控，产生记录时写入历史并通知
func (ae *AlertEngine) advanceMonitor(ctx context.Context, symbol string, candles []*types.Candle) {
	mon, ok := ae.monitors[symbol]
	if !ok || !mon.Watching() {
		return
	}

	record, outcome := mon.Advance(candles, ae.cfg.MaxReversalWait)
	switch outcome {
	case monitor.OutcomeLost:
		zap.L().Info("🔍 交叉K线已不在最近K线中，停止监控", zap.String("symbol", symbol))
		ae.metrics.Reversal(symbol, outcome.String())
	case monitor.OutcomeReversed, monitor.OutcomeTimedOut:
		ae.state.RecordReversal(record)
		ae.statsMutex.Lock()
		ae.reversals++
		ae.statsMutex.Unlock()
		ae.metrics.Reversal(symbol, outcome.String())

		if outcome == monitor.OutcomeTimedOut {
			zap.L().Warn("⌛ 等待反转超时",
				zap.String("symbol", symbol),
				zap.String("direction", record.Direction.Label()),
				zap.Int("max_wait", record.MaxWait))
		} else {
			zap.L().Info("🔄 反转已记录",
				zap.String("symbol", symbol),
				zap.String("direction", record.Direction.Label()),
				zap.Int("candles", record.CandlesToReverse))
		}
		ae.emit(ctx, types.Event{
			Kind:     types.EventReversalRecorded,
			Reversal: record,
			Text:     fmt.Sprintf("[%s] %s crossover reversed after %s candle(s)", symbol, record.Direction.Label(), record.Latency()),
		})
	default:
		return
	}
	ae.updateWatching()
}

func (ae *AlertEngine) monitorFor(symbol string) *monitor.ReversalMonitor {
	mon, ok := ae.monitors[symbol]
	if !ok {
		mon = monitor.NewReversalMonitor(symbol)
		ae.monitors[symbol] = mon
	}
	return mon
}

func (ae *AlertEngine) updateWatching() {
	n := 0
	for _, mon := range ae.monitors {
		if mon.Watching() {
			n++
		}
	}
	ae.statsMutex.Lock()
	ae.watching = n
	ae.statsMutex.Unlock()
	ae.metrics.Watching(n)
}

// heartbeat 定期输出存活日志
func (ae *AlertEngine) heartbeat() {
	if ae.cfg.HeartbeatInterval <= 0 {
		return
	}
	now := ae.now()
	if now.Sub(ae.lastHeartbeat) < ae.cfg.HeartbeatInterval {
		return
	}
	ae.lastHeartbeat = now

	stats := ae.Stats()
	zap.L().Info("💓 预警引擎运行中，检测交叉与反转",
		zap.Int64("iterations", stats.Iterations),
		zap.Int64("alerts", stats.Alerts),
		zap.Int64("reversals", stats.Reversals),
		zap.Int("watching", stats.Watching),
		zap.Any("shortfalls", stats.Shortfalls))
}

// Stats 获取统计信息
func (ae *AlertEngine) Stats() Stats {
	ae.statsMutex.RLock()
	defer ae.statsMutex.RUnlock()

	shortfalls := make(map[string]int64, len(ae.shortfalls))
	for symbol, n := range ae.shortfalls {
		shortfalls[symbol] = n
	}

	return Stats{
		Iterations: ae.iterations,
		Alerts:     ae.alerts,
		Reversals:  ae.reversals,
		Errors:     ae.errors,
		Watching:   ae.watching,
		Account:    ae.account,
		Shortfalls: shortfalls,
	}
}

func (ae *AlertEngine) emitStatus(ctx context.Context, status string) {
	ae.emit(ctx, types.Event{Kind: types.EventStatusChanged, Status: status, Text: "engine " + status})
}

// emitLog 日志事件非阻塞发送，通道满时丢弃
func (ae *AlertEngine) emitLog(level, text string) {
	if ae.events == nil {
		return
	}
	select {
	case ae.events <- types.Event{Kind: types.EventLog, Time: ae.now(), Level: level, Text: text}:
	default:
		zap.L().Warn("⚠️ 事件通道已满，丢弃日志事件", zap.String("text", text))
	}
}

// emit 发送事件，通道满时等待消费方，ctx取消后不再等待
func (ae *AlertEngine) emit(ctx context.Context, ev types.Event) {
	if ae.events == nil {
		return
	}
	ev.Time = ae.now()
	sendEvent(ctx, ae.events, ev)
}

func sendEvent(ctx context.Context, events chan<- types.Event, ev types.Event) {
	select {
	case events <- ev:
		return
	case <-ctx.Done():
	}
	// 已取消时仍尽力投递（如停止状态），通道满则丢弃
	select {
	case events <- ev:
	default:
		zap.L().Warn("⚠️ 事件通道已满，丢弃事件", zap.String("kind", string(ev.Kind)))
	}
}

func fetchContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
