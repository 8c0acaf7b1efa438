package scheduler

import (
	"context"
	"sync"
	"time"

	"crossover-sentry/internal/storage"
	"crossover-sentry/internal/strategy/history"
	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
)

// Analyzer 历史反转分析
type Analyzer interface {
	Run(ctx context.Context, cfg types.EMACrossConfig) []history.Result
}

// Scheduler 历史分析调度器：启动时运行一次，配置变更时按需运行，
// 可选地按 refresh_interval 在K线对齐的时间点刷新
type Scheduler struct {
	analyzer     Analyzer
	stateManager *storage.StateManager
	trigger      chan types.EMACrossConfig
	now          func() time.Time

	mu      sync.RWMutex
	config  types.EMACrossConfig
	runs    int64
	lastRun time.Time
}

func NewScheduler(analyzer Analyzer, stateManager *storage.StateManager, cfg types.EMACrossConfig) *Scheduler {
	return &Scheduler{
		analyzer:     analyzer,
		stateManager: stateManager,
		trigger:      make(chan types.EMACrossConfig, 1),
		now:          time.Now,
		config:       cfg,
	}
}

// Trigger 以新配置重新运行历史分析，未处理的旧请求会被替换
func (s *Scheduler) Trigger(cfg types.EMACrossConfig) {
	for {
		select {
		case s.trigger <- cfg:
			return
		default:
		}
		select {
		case <-s.trigger:
		default:
		}
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	zap.L().Info("🚀 历史分析调度器启动中...")
	s.runAnalysis(ctx)

	for {
		if !s.waitNext(ctx) {
			zap.L().Info("📴 调度器已停止")
			return
		}
		s.runAnalysis(ctx)
	}
}

// waitNext 等待下一次触发：配置变更或对齐后的定时刷新
func (s *Scheduler) waitNext(ctx context.Context) bool {
	var refresh <-chan time.Time
	if cfg := s.Config(); cfg.RefreshInterval > 0 {
		next := calculateNextRefreshTime(s.now(), cfg.RefreshInterval, cfg.TimeframeSeconds)
		zap.L().Info("⏰ 下次历史分析时间", zap.String("at", next.Format("15:04:05")))
		timer := time.NewTimer(next.Sub(s.now()))
		defer timer.Stop()
		refresh = timer.C
	}

	select {
	case <-ctx.Done():
		return false
	case cfg := <-s.trigger:
		s.mu.Lock()
		s.config = cfg
		s.mu.Unlock()
		return true
	case <-refresh:
		return true
	}
}

func (s *Scheduler) runAnalysis(ctx context.Context) {
	cfg := s.Config()
	start := s.now()
	zap.L().Info("--- 历史反转分析任务 ---", zap.Int("symbols", len(cfg.Symbols)))

	results := s.analyzer.Run(ctx, cfg)

	s.mu.Lock()
	s.runs++
	s.lastRun = start
	s.mu.Unlock()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	fields := []zap.Field{
		zap.Int("symbols", len(results)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	}
	if s.stateManager != nil {
		stats := s.stateManager.GetRedisStats()
		fields = append(fields, zap.Any("cached_averages", stats["cached_averages"]), zap.Any("redis_enabled", stats["redis_enabled"]))
	}
	zap.L().Info("--- 分析任务完成 ---", fields...)
}

// Config 当前调度使用的配置
func (s *Scheduler) Config() types.EMACrossConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// GetStats 获取调度统计
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"runs":     s.runs,
		"last_run": s.lastRun,
	}
}

// calculateNextRefreshTime 计算 now+interval 之后第一个K线对齐的时间点
func calculateNextRefreshTime(now time.Time, interval time.Duration, timeframeSeconds int) time.Time {
	target := now.Add(interval)
	if timeframeSeconds <= 0 {
		return target
	}
	period := int64(timeframeSeconds)
	ts := target.Unix()
	aligned := (ts + period - 1) / period * period
	if aligned == ts && target.Nanosecond() > 0 {
		aligned += period
	}
	return time.Unix(aligned, 0).In(now.Location())
}
