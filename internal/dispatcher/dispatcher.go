package dispatcher

import (
	"context"
	"sync"
	"time"

	"crossover-sentry/internal/metrics"
	"crossover-sentry/internal/notifier"
	"crossover-sentry/internal/strategy/monitor"
	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
)

// Store 预警与反转记录的持久化
type Store interface {
	SaveAlert(alert *types.CrossoverAlert) error
	SaveReversal(record *types.ReversalRecord) error
}

// ConfigHook 引擎配置生效后的回调（重新订阅、重新分析）
type ConfigHook func(cfg types.EMACrossConfig)

// Dispatcher 消费引擎事件：发送通知、持久化、统计
type Dispatcher struct {
	events        <-chan types.Event
	notifier      notifier.Interface
	store         Store
	performance   *monitor.PerformanceMonitor
	metrics       *metrics.Recorder
	configHooks   []ConfigHook
	flushInterval time.Duration

	pending []*types.CrossoverAlert

	mu           sync.RWMutex
	status       string
	account      string
	alertCount   int64
	reverseCount int64
	failedSends  int64
	lastEvent    time.Time
}

type Option func(*Dispatcher)

func WithStore(s Store) Option {
	return func(d *Dispatcher) { d.store = s }
}

func WithPerformanceMonitor(pm *monitor.PerformanceMonitor) Option {
	return func(d *Dispatcher) { d.performance = pm }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithConfigHook(h ConfigHook) Option {
	return func(d *Dispatcher) { d.configHooks = append(d.configHooks, h) }
}

// WithFlushInterval 预警批量发送间隔，<=0 时逐条立即发送
func WithFlushInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.flushInterval = interval }
}

func NewDispatcher(events <-chan types.Event, notifyService notifier.Interface, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		events:        events,
		notifier:      notifyService,
		flushInterval: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run 消费事件直到ctx取消或事件通道关闭，退出前发送剩余预警
func (d *Dispatcher) Run(ctx context.Context) {
	var tick <-chan time.Time
	if d.flushInterval > 0 {
		ticker := time.NewTicker(d.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer d.flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.Handle(ev)
		case <-tick:
			d.flush()
		}
	}
}

// Handle 处理单个事件
func (d *Dispatcher) Handle(ev types.Event) {
	d.mu.Lock()
	d.lastEvent = time.Now()
	d.mu.Unlock()

	switch ev.Kind {
	case types.EventAlert:
		if ev.Alert != nil {
			d.handleAlert(ev.Alert)
		}
	case types.EventReversalRecorded:
		if ev.Reversal != nil {
			d.handleReversal(ev.Reversal)
		}
	case types.EventStatusChanged:
		d.mu.Lock()
		d.status = ev.Status
		d.mu.Unlock()
		zap.L().Info("🔔 引擎状态变更", zap.String("status", ev.Status))
	case types.EventAccountChanged:
		d.mu.Lock()
		d.account = ev.Account
		d.mu.Unlock()
		zap.L().Info("🔁 账户已切换", zap.String("account", ev.Account))
	case types.EventConfigApplied:
		if ev.Config != nil {
			for _, hook := range d.configHooks {
				hook(*ev.Config)
			}
		}
	case types.EventHistoricalAnalysisDone:
		zap.L().Info("📚 历史反转分析完成", zap.String("text", ev.Text))
	case types.EventLog:
		logEvent(ev)
	}
}

func (d *Dispatcher) handleAlert(alert *types.CrossoverAlert) {
	d.mu.Lock()
	d.alertCount++
	d.mu.Unlock()

	if d.performance != nil {
		d.performance.RecordAlert(alert)
	}
	if d.store != nil {
		if err := d.store.SaveAlert(alert); err != nil {
			zap.L().Error("❌ 保存预警失败", zap.String("symbol", alert.Symbol), zap.Error(err))
		}
	}

	d.pending = append(d.pending, alert)
	if d.flushInterval <= 0 {
		d.flush()
	}
}

func (d *Dispatcher) handleReversal(record *types.ReversalRecord) {
	d.mu.Lock()
	d.reverseCount++
	d.mu.Unlock()

	if d.performance != nil {
		d.performance.RecordReversal(record)
	}
	if d.store != nil {
		if err := d.store.SaveReversal(record); err != nil {
			zap.L().Error("❌ 保存反转记录失败", zap.String("symbol", record.Symbol), zap.Error(err))
		}
	}

	err := d.notifier.SendReversal(record)
	d.metrics.Notification("reversal", err)
	if err != nil {
		d.countFailure()
		zap.L().Warn("❌ 发送反转记录失败", zap.String("symbol", record.Symbol), zap.Error(err))
	}
}

// flush 批量发送积压的预警
func (d *Dispatcher) flush() {
	if len(d.pending) == 0 {
		return
	}
	alerts := d.pending
	d.pending = nil

	// 如果只有一个预警，使用单个发送
	if len(alerts) == 1 {
		err := d.notifier.SendAlert(alerts[0])
		d.metrics.Notification("alert", err)
		if err != nil {
			d.countFailure()
			zap.L().Warn("❌ 发送预警失败", zap.String("symbol", alerts[0].Symbol), zap.Error(err))
		}
		return
	}

	err := d.notifier.SendBatchAlerts(alerts)
	d.metrics.Notification("batch", err)
	if err == nil {
		return
	}

	zap.L().Warn("❌ 批量发送预警失败，降级为单个发送", zap.Int("count", len(alerts)), zap.Error(err))
	for _, alert := range alerts {
		singleErr := d.notifier.SendAlert(alert)
		d.metrics.Notification("alert", singleErr)
		if singleErr != nil {
			d.countFailure()
			zap.L().Warn("❌ 单个预警发送失败", zap.String("symbol", alert.Symbol), zap.Error(singleErr))
		}
	}
}

func (d *Dispatcher) countFailure() {
	d.mu.Lock()
	d.failedSends++
	d.mu.Unlock()
}

// GetStats 获取分发统计
func (d *Dispatcher) GetStats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]interface{}{
		"status":       d.status,
		"account":      d.account,
		"alerts":       d.alertCount,
		"reversals":    d.reverseCount,
		"failed_sends": d.failedSends,
		"last_event":   d.lastEvent,
	}
}

func logEvent(ev types.Event) {
	switch ev.Level {
	case "error":
		zap.L().Error(ev.Text)
	case "warn", "warning":
		zap.L().Warn(ev.Text)
	case "debug":
		zap.L().Debug(ev.Text)
	default:
		zap.L().Info(ev.Text)
	}
}
