package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"crossover-sentry/internal/dispatcher"
	"crossover-sentry/internal/fetcher"
	"crossover-sentry/internal/license"
	"crossover-sentry/internal/metrics"
	"crossover-sentry/internal/notifier"
	"crossover-sentry/internal/scheduler"
	"crossover-sentry/internal/storage"
	"crossover-sentry/internal/strategy/database"
	"crossover-sentry/internal/strategy/engine"
	okx "crossover-sentry/internal/strategy/fetcher"
	"crossover-sentry/internal/strategy/history"
	"crossover-sentry/internal/strategy/monitor"
	"crossover-sentry/internal/strategy/websocket"
	"crossover-sentry/pkg/config"
	"crossover-sentry/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	eventBufferSize   = 256
	commandBufferSize = 16
	reportInterval    = 10 * time.Minute
)

// App 应用程序管理器
type App struct {
	config *types.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	commands chan types.Command
	events   chan types.Event

	stateManager *storage.StateManager
	dataFetcher  *fetcher.DataFetcher
	dbManager    *database.Manager
}

// NewApp 创建应用程序实例
func NewApp(config *types.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan types.Command, commandBufferSize),
		events:   make(chan types.Event, eventBufferSize),
	}
}

// Start 启动应用程序
func (app *App) Start() error {
	zap.L().Info("🚀 Crossover Sentry 启动中...")

	strategyCfg := app.config.Strategy.EMACross
	if err := strategyCfg.Validate(); err != nil {
		return err
	}

	recorder := app.startMetrics()

	// 状态存储，Redis中的旧平均值在历史分析完成前先提供预测
	app.stateManager = storage.NewStateManager(app.config.Redis, strategyCfg.HistoryCapacity)
	if n := app.stateManager.Restore(app.ctx); n > 0 {
		zap.L().Info("♻️ 已从Redis恢复平均反转数据", zap.Int("symbols", n))
	}

	// K线数据源：REST + 可选的WebSocket推送缓冲
	rest := okx.NewCandleFetcher(app.config.Source.RestURL, app.config.Network)
	if err := rest.SwitchAccount(app.ctx, app.config.Source.Account); err != nil {
		zap.L().Warn("⚠️ 账户类型无效，使用默认账户", zap.Error(err))
	}
	var stream *websocket.Client
	if app.config.Source.Streaming {
		stream = websocket.NewClient(app.config.Source.WebSocket.OKXEndpoint, app.config.Network.Proxy, app.config.Source.WebSocket)
	}
	app.dataFetcher = fetcher.NewDataFetcher(rest, stream, strategyCfg.CandleCount*2)
	if err := app.dataFetcher.Start(app.ctx, strategyCfg.Symbols, strategyCfg.TimeframeSeconds); err != nil {
		zap.L().Warn("⚠️ K线推送启动失败，使用REST轮询", zap.Error(err))
	}

	// 可选的MySQL持久化
	if app.config.Database.MySQL.Enabled {
		dbManager, err := database.NewManager(app.config.Database.MySQL)
		if err != nil {
			zap.L().Error("❌ 连接数据库失败，不保存预警记录", zap.Error(err))
		} else {
			app.dbManager = dbManager
		}
	}

	historianOpts := []history.Option{history.WithMetrics(recorder)}
	dispatcherOpts := []dispatcher.Option{dispatcher.WithMetrics(recorder)}
	if app.dbManager != nil {
		historianOpts = append(historianOpts, history.WithArchiver(app.dbManager))
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithStore(app.dbManager))
	}

	historian := history.NewHistorian(app.dataFetcher, app.stateManager, app.events, historianOpts...)
	taskScheduler := scheduler.NewScheduler(historian, app.stateManager, strategyCfg)

	performanceMonitor := monitor.NewPerformanceMonitor(app.dbManager, reportInterval)
	performanceMonitor.Start(app.ctx)

	dispatcherOpts = append(dispatcherOpts,
		dispatcher.WithPerformanceMonitor(performanceMonitor),
		dispatcher.WithConfigHook(func(cfg types.EMACrossConfig) {
			if err := app.dataFetcher.Resubscribe(cfg.Symbols, cfg.TimeframeSeconds); err != nil {
				zap.L().Warn("⚠️ 重新订阅K线失败", zap.Error(err))
			}
			taskScheduler.Trigger(cfg)
		}),
	)
	eventDispatcher := dispatcher.NewDispatcher(app.events, notifier.New(app.config.DingTalk, app.config.PushPlus), dispatcherOpts...)
	app.goRun(func() { eventDispatcher.Run(app.ctx) })

	// 授权检查，未通过时不启动引擎
	if app.config.License.Enabled {
		licenseManager := license.NewManager(app.config.License)
		if err := licenseManager.Gate(app.ctx); err != nil {
			zap.L().Error("❌ 授权校验未通过，引擎不会启动", zap.Error(err))
			app.events <- types.Event{Kind: types.EventStatusChanged, Time: time.Now(), Status: types.StatusLicenseInvalid}
			return nil
		}
		app.goRun(func() { licenseManager.Watch(app.ctx, app.commands) })
	}

	app.goRun(func() { taskScheduler.Start(app.ctx) })

	alertEngine := engine.NewAlertEngine(strategyCfg, app.dataFetcher, app.stateManager, app.commands, app.events,
		engine.WithMetrics(recorder),
		engine.WithAccount(rest.Account()),
	)
	app.goRun(func() {
		if err := alertEngine.Run(app.ctx); err != nil && !errors.Is(err, context.Canceled) {
			zap.L().Error("❌ 预警引擎退出", zap.Error(err))
		}
		// 引擎停止（stop指令或授权失效）后整个程序退出
		app.cancel()
	})

	config.Watch(viper.GetViper(), app.config, app.sendCommand)

	zap.L().Info("✅ Crossover Sentry 已启动",
		zap.Strings("symbols", strategyCfg.Symbols),
		zap.String("strategy", types.StrategyLabel(strategyCfg.FastPeriod, strategyCfg.SlowPeriod)))
	return nil
}

func (app *App) startMetrics() *metrics.Recorder {
	if !app.config.Metrics.Enabled {
		return nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry)

	app.goRun(func() {
		if err := metrics.Serve(app.ctx, app.config.Metrics.Addr, app.config.Metrics.Path, registry); err != nil {
			zap.L().Error("❌ 监控指标服务异常", zap.Error(err))
		}
	})
	return recorder
}

// sendCommand 非阻塞投递指令，队列满时丢弃
func (app *App) sendCommand(cmd types.Command) {
	select {
	case app.commands <- cmd:
		zap.L().Info("📝 配置变更已提交", zap.String("command", string(cmd.Kind)))
	default:
		zap.L().Warn("⚠️ 指令队列已满，丢弃指令", zap.String("command", string(cmd.Kind)))
	}
}

func (app *App) goRun(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

// Stop 停止应用程序
func (app *App) Stop() {
	zap.L().Info("🛑 收到停止信号，正在优雅关闭...")
	app.cancel()

	// 等待所有goroutine结束，最多等待30秒
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("✅ Crossover Sentry 已安全关闭")
	case <-time.After(30 * time.Second):
		zap.L().Warn("⚠️ 强制关闭超时")
	}

	if app.dataFetcher != nil {
		if err := app.dataFetcher.Close(); err != nil {
			zap.L().Warn("⚠️ 关闭K线数据源失败", zap.Error(err))
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			zap.L().Warn("⚠️ 关闭数据库失败", zap.Error(err))
		}
	}
	if app.stateManager != nil {
		if err := app.stateManager.Close(); err != nil {
			zap.L().Warn("⚠️ 关闭Redis失败", zap.Error(err))
		}
	}
}

// WaitForShutdown 等待关闭信号或引擎退出
func (app *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-app.ctx.Done():
	}
}
