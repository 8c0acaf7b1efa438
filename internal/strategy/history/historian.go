package history

import (
	"context"
	"fmt"
	"math"
	"time"

	"crossover-sentry/internal/metrics"
	"crossover-sentry/internal/storage"
	"crossover-sentry/internal/strategy/signals"
	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
)

// CandleArchiver 历史K线归档（可选）
type CandleArchiver interface {
	ArchiveCandles(ctx context.Context, timeframeSeconds int, candles []*types.Candle) error
}

// Result 单个交易对的分析结果
type Result struct {
	Symbol  string
	Average int
	Samples int
	Skipped bool
	Err     error
}

// Historian 历史反转分析器，计算交叉后平均多少根K线出现反向K线
type Historian struct {
	source   types.CandleSource
	state    *storage.StateManager
	events   chan<- types.Event
	archiver CandleArchiver
	metrics  *metrics.Recorder
	now      func() time.Time
}

// Option Historian可选项
type Option func(*Historian)

// WithArchiver 归档拉取到的历史K线
func WithArchiver(a CandleArchiver) Option {
	return func(h *Historian) { h.archiver = a }
}

// WithMetrics 上报指标
func WithMetrics(m *metrics.Recorder) Option {
	return func(h *Historian) { h.metrics = m }
}

// NewHistorian 创建历史分析器，events可为nil
func NewHistorian(source types.CandleSource, state *storage.StateManager, events chan<- types.Event, opts ...Option) *Historian {
	h := &Historian{
		source: source,
		state:  state,
		events: events,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Analyze 扫描历史K线统计交叉到反转的平均K线数
//
// 数据不足 slow+maxWait+1 根时ok为false；没有样本时avg为0。
func Analyze(candles []*types.Candle, fastPeriod, slowPeriod, maxWait int) (avg, samples int, ok bool) {
	if len(candles) < slowPeriod+maxWait+1 {
		return 0, 0, false
	}

	detector := signals.NewCrossoverDetector(fastPeriod, slowPeriod)
	fast, slow := detector.Series(candles)
	if len(fast) < 2 || len(slow) < 2 {
		return 0, 0, false
	}

	total := 0
	for i := slowPeriod + 1; i <= len(candles)-maxWait-1; i++ {
		cross := detector.DetectAt(fast, slow, i)
		if cross == types.DirectionNone {
			continue
		}

		for j := i + 1; j <= i+maxWait && j < len(candles); j++ {
			if signals.IsReversal(cross, candles[j]) {
				total += j - i
				samples++
				break
			}
		}
	}

	if samples == 0 {
		return 0, 0, true
	}
	return int(math.RoundToEven(float64(total) / float64(samples))), samples, true
}

// Run 对配置中的所有交易对执行一次历史分析
func (h *Historian) Run(ctx context.Context, cfg types.EMACrossConfig) []Result {
	zap.L().Info("🔍 开始历史反转分析",
		zap.Int("symbols", len(cfg.Symbols)),
		zap.Int("history_candles", cfg.HistoryCandles))

	results := make([]Result, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		if ctx.Err() != nil {
			break
		}

		result := h.analyzeSymbol(ctx, cfg, symbol)
		results = append(results, result)

		switch {
		case result.Err != nil:
			zap.L().Error("❌ 历史分析失败", zap.String("symbol", symbol), zap.Error(result.Err))
		case result.Skipped:
			h.state.DeleteAverage(symbol)
			h.metrics.ForgetHistoricalAverage(symbol)
			zap.L().Warn("⚠️ 历史K线不足，跳过", zap.String("symbol", symbol))
		default:
			h.state.SetAverage(symbol, result.Average)
			h.metrics.HistoricalAverage(symbol, result.Average)
			zap.L().Info("📈 平均反转K线数",
				zap.String("symbol", symbol),
				zap.Int("average", result.Average),
				zap.Int("samples", result.Samples))
		}
	}

	h.state.PruneAverages(cfg.Symbols)
	zap.L().Info("✅ 历史反转分析完成", zap.Int("symbols", len(results)))
	h.emit(ctx, types.Event{Kind: types.EventHistoricalAnalysisDone, Text: "historical analysis done"})
	return results
}

func (h *Historian) analyzeSymbol(ctx context.Context, cfg types.EMACrossConfig, symbol string) Result {
	result := Result{Symbol: symbol}

	fetchCtx, cancel := fetchContext(ctx, cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	candles, err := h.source.GetCandles(fetchCtx, symbol, cfg.TimeframeSeconds, cfg.HistoryCandles, h.now())
	h.metrics.ObserveFetch("history", start)
	if err != nil {
		result.Err = fmt.Errorf("fetch history: %w", err)
		return result
	}

	if h.archiver != nil && len(candles) > 0 {
		if err := h.archiver.ArchiveCandles(ctx, cfg.TimeframeSeconds, candles); err != nil {
			zap.L().Warn("⚠️ 历史K线归档失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	avg, samples, ok := Analyze(candles, cfg.FastPeriod, cfg.SlowPeriod, cfg.MaxReversalWait)
	if !ok {
		result.Skipped = true
		return result
	}
	result.Average = avg
	result.Samples = samples
	return result
}

func fetchContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// emit 发送事件，通道满时等待消费方直到ctx取消
func (h *Historian) emit(ctx context.Context, ev types.Event) {
	if h.events == nil {
		return
	}
	ev.Time = h.now()
	select {
	case h.events <- ev:
	case <-ctx.Done():
		zap.L().Warn("⚠️ 已取消，丢弃事件", zap.String("kind", string(ev.Kind)))
	}
}
