package config

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"crossover-sentry/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load 加载配置
func Load() (*types.Config, error) {
	return LoadFrom(viper.GetViper(), "./configs", ".")
}

// LoadFrom 使用指定的viper实例和搜索路径加载配置
func LoadFrom(v *viper.Viper, paths ...string) (*types.Config, error) {
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 设置默认值
	setDefaults(v)

	// 读取环境变量，如 SENTRY_STRATEGY_EMA_CROSS_FAST_PERIOD
	v.SetEnvPrefix("sentry")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 优先尝试读取本地配置文件
	v.SetConfigName("config.local")
	if err := v.ReadInConfig(); err != nil {
		// 如果本地配置文件不存在，尝试读取默认配置文件
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFoundError viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFoundError) {
				return nil, err
			}
		}
	}

	var config types.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Watch 监听配置文件变化，把策略参数和账户的变更转换为引擎指令
func Watch(v *viper.Viper, current *types.Config, onCommand func(types.Command)) {
	last := *current
	v.OnConfigChange(func(e fsnotify.Event) {
		var next types.Config
		if err := v.Unmarshal(&next); err != nil {
			return
		}

		if patch := Diff(last.Strategy.EMACross, next.Strategy.EMACross); !patch.Empty() {
			onCommand(types.Command{Kind: types.CommandUpdateConfig, Patch: patch})
		}
		if next.Source.Account != "" && next.Source.Account != last.Source.Account {
			onCommand(types.Command{Kind: types.CommandSwitchAccount, Account: next.Source.Account})
		}
		last = next
	})
	v.WatchConfig()
}

// Diff 计算两份策略配置之间可热更新字段的差异
func Diff(prev, next types.EMACrossConfig) types.ConfigPatch {
	var patch types.ConfigPatch
	if !reflect.DeepEqual(prev.Symbols, next.Symbols) {
		patch.Symbols = append([]string{}, next.Symbols...)
	}
	if prev.TimeframeSeconds != next.TimeframeSeconds {
		patch.TimeframeSeconds = intPtr(next.TimeframeSeconds)
	}
	if prev.FastPeriod != next.FastPeriod {
		patch.FastPeriod = intPtr(next.FastPeriod)
	}
	if prev.SlowPeriod != next.SlowPeriod {
		patch.SlowPeriod = intPtr(next.SlowPeriod)
	}
	if prev.CandleCount != next.CandleCount {
		patch.CandleCount = intPtr(next.CandleCount)
	}
	if prev.MaxReversalWait != next.MaxReversalWait {
		patch.MaxReversalWait = intPtr(next.MaxReversalWait)
	}
	return patch
}

func intPtr(v int) *int { return &v }

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", "logs")
	v.SetDefault("log.max_size", 200)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("dingtalk.webhook_url", "")
	v.SetDefault("dingtalk.secret", "")
	v.SetDefault("pushplus.user_token", "")
	v.SetDefault("pushplus.to", "")
	v.SetDefault("network.proxy", "")
	v.SetDefault("network.timeout", 30*time.Second)

	v.SetDefault("source.rest_url", "https://www.okx.com/api/v5/market")
	v.SetDefault("source.account", "PRACTICE")
	v.SetDefault("source.streaming", false)
	v.SetDefault("source.websocket.okx_endpoint", "wss://ws.okx.com:8443/ws/v5/business")
	v.SetDefault("source.websocket.reconnect_interval", 5*time.Second)
	v.SetDefault("source.websocket.ping_interval", 20*time.Second)
	v.SetDefault("source.websocket.max_reconnect_attempts", 10)

	v.SetDefault("strategy.ema_cross.symbols", []string{"BTC-USDT", "ETH-USDT"})
	v.SetDefault("strategy.ema_cross.timeframe_seconds", 60)
	v.SetDefault("strategy.ema_cross.fast_period", 3)
	v.SetDefault("strategy.ema_cross.slow_period", 33)
	v.SetDefault("strategy.ema_cross.candle_count", 400)
	v.SetDefault("strategy.ema_cross.max_reversal_wait", 5)
	v.SetDefault("strategy.ema_cross.history_candles", 1000)
	v.SetDefault("strategy.ema_cross.history_capacity", 5)
	v.SetDefault("strategy.ema_cross.poll_interval", 500*time.Millisecond)
	v.SetDefault("strategy.ema_cross.error_backoff", 5*time.Second)
	v.SetDefault("strategy.ema_cross.fetch_timeout", 15*time.Second)
	v.SetDefault("strategy.ema_cross.heartbeat_interval", 10*time.Second)
	v.SetDefault("strategy.ema_cross.refresh_interval", time.Duration(0))

	v.SetDefault("database.mysql.enabled", false)
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.max_idle_conns", 5)
	v.SetDefault("database.mysql.max_open_conns", 20)

	v.SetDefault("license.enabled", false)
	v.SetDefault("license.file", "license.dat")
	v.SetDefault("license.validation_period", 60*time.Minute)
	v.SetDefault("license.check_interval", 10*time.Minute)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9108")
	v.SetDefault("metrics.path", "/metrics")
}
