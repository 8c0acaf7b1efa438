package types

import (
	"errors"
	"fmt"
	"time"
)

// Config 主配置结构
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	DingTalk DingTalkConfig `mapstructure:"dingtalk"`
	PushPlus PushPlusConfig `mapstructure:"pushplus"`
	Network  NetworkConfig  `mapstructure:"network"`
	Source   SourceConfig   `mapstructure:"source"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Database DatabaseConfig `mapstructure:"database"`
	License  LicenseConfig  `mapstructure:"license"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // 日志级别
	FilePath   string `mapstructure:"file_path"`   // 日志输出路径名
	MaxSize    int    `mapstructure:"max_size"`    // 日志文件大小 单位：MB，超限后会自动切割
	MaxAge     int    `mapstructure:"max_age"`     // 日志文件存放时间 单位：天
	MaxBackups int    `mapstructure:"max_backups"` // 日志文件备份数量
	Compress   bool   `mapstructure:"compress"`    // 日志文件压缩
}

// RedisConfig Redis配置
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DingTalkConfig 钉钉配置
type DingTalkConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Secret     string `mapstructure:"secret"`
}

// PushPlusConfig PushPlus配置
type PushPlusConfig struct {
	UserToken string `mapstructure:"user_token"`
	To        string `mapstructure:"to"` // 好友令牌，多人用逗号分隔
}

// NetworkConfig 网络配置
type NetworkConfig struct {
	Proxy   string        `mapstructure:"proxy"`   // HTTP代理地址，如 http://127.0.0.1:7890
	Timeout time.Duration `mapstructure:"timeout"` // 网络超时时间
}

// SourceConfig K线数据源配置
type SourceConfig struct {
	RestURL   string          `mapstructure:"rest_url"`
	Account   string          `mapstructure:"account"`   // REAL / PRACTICE
	Streaming bool            `mapstructure:"streaming"` // 是否启用WebSocket实时K线
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	OKXEndpoint          string        `mapstructure:"okx_endpoint"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// StrategyConfig 策略配置总入口
type StrategyConfig struct {
	EMACross EMACrossConfig `mapstructure:"ema_cross"`
}

// EMACrossConfig EMA交叉策略配置，引擎内按值持有，变更通过ConfigPatch整体替换
type EMACrossConfig struct {
	Symbols           []string      `mapstructure:"symbols"`
	TimeframeSeconds  int           `mapstructure:"timeframe_seconds"`  // K线周期（秒）
	FastPeriod        int           `mapstructure:"fast_period"`        // 快线EMA周期，默认3
	SlowPeriod        int           `mapstructure:"slow_period"`        // 慢线EMA周期，默认33
	CandleCount       int           `mapstructure:"candle_count"`       // 每次轮询获取的K线数，默认400
	MaxReversalWait   int           `mapstructure:"max_reversal_wait"`  // 等待反转的最大K线数，默认5
	HistoryCandles    int           `mapstructure:"history_candles"`    // 历史分析K线数，默认1000
	HistoryCapacity   int           `mapstructure:"history_capacity"`   // 反转记录保留条数，默认5
	PollInterval      time.Duration `mapstructure:"poll_interval"`      // 轮询间隔
	ErrorBackoff      time.Duration `mapstructure:"error_backoff"`      // 异常后暂停时间
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`      // 单次获取K线超时
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // 心跳日志间隔
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`   // 历史分析刷新间隔，0为不刷新
}

// RequiredBars 检测交叉所需的最少K线数
func (c EMACrossConfig) RequiredBars() int {
	return c.SlowPeriod + 1
}

// Validate 校验配置
func (c EMACrossConfig) Validate() error {
	var errs []error
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("symbols不能为空"))
	}
	if c.TimeframeSeconds <= 0 {
		errs = append(errs, fmt.Errorf("timeframe_seconds必须为正数: %d", c.TimeframeSeconds))
	}
	if c.FastPeriod <= 0 || c.SlowPeriod <= 0 {
		errs = append(errs, fmt.Errorf("EMA周期必须为正数: fast=%d slow=%d", c.FastPeriod, c.SlowPeriod))
	} else if c.FastPeriod >= c.SlowPeriod {
		errs = append(errs, fmt.Errorf("快线周期必须小于慢线: fast=%d slow=%d", c.FastPeriod, c.SlowPeriod))
	}
	if c.CandleCount < c.SlowPeriod+1 {
		errs = append(errs, fmt.Errorf("candle_count(%d)不足以计算慢线(需要%d)", c.CandleCount, c.SlowPeriod+1))
	}
	if c.MaxReversalWait <= 0 {
		errs = append(errs, fmt.Errorf("max_reversal_wait必须为正数: %d", c.MaxReversalWait))
	}
	if c.HistoryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("history_capacity必须为正数: %d", c.HistoryCapacity))
	}
	return errors.Join(errs...)
}

// Apply 在当前配置上应用变更，返回新的配置快照
func (c EMACrossConfig) Apply(p ConfigPatch) EMACrossConfig {
	next := c
	next.Symbols = append([]string(nil), c.Symbols...)
	if p.Symbols != nil {
		next.Symbols = append([]string(nil), p.Symbols...)
	}
	if p.TimeframeSeconds != nil {
		next.TimeframeSeconds = *p.TimeframeSeconds
	}
	if p.FastPeriod != nil {
		next.FastPeriod = *p.FastPeriod
	}
	if p.SlowPeriod != nil {
		next.SlowPeriod = *p.SlowPeriod
	}
	if p.CandleCount != nil {
		next.CandleCount = *p.CandleCount
	}
	if p.MaxReversalWait != nil {
		next.MaxReversalWait = *p.MaxReversalWait
	}
	return next
}

// ConfigPatch 运行时配置变更，nil字段保持不变
type ConfigPatch struct {
	Symbols          []string `json:"symbols,omitempty"`
	TimeframeSeconds *int     `json:"timeframe_seconds,omitempty"`
	FastPeriod       *int     `json:"fast_period,omitempty"`
	SlowPeriod       *int     `json:"slow_period,omitempty"`
	CandleCount      *int     `json:"candle_count,omitempty"`
	MaxReversalWait  *int     `json:"max_reversal_wait,omitempty"`
}

// Empty 是否没有任何变更
func (p ConfigPatch) Empty() bool {
	return p.Symbols == nil && p.TimeframeSeconds == nil && p.FastPeriod == nil &&
		p.SlowPeriod == nil && p.CandleCount == nil && p.MaxReversalWait == nil
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
}

// MySQLConfig MySQL配置
type MySQLConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// LicenseConfig 授权配置
type LicenseConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ActivateURL      string        `mapstructure:"activate_url"`
	ValidateURL      string        `mapstructure:"validate_url"`
	File             string        `mapstructure:"file"`
	Key              string        `mapstructure:"key"`               // 启动时自动激活的授权码
	ValidationPeriod time.Duration `mapstructure:"validation_period"` // 两次服务端校验的最小间隔
	CheckInterval    time.Duration `mapstructure:"check_interval"`    // 运行中周期检查间隔
}

// MetricsConfig 监控指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}
