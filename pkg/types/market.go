package types

import (
	"context"
	"time"
)

// Candle K线数据（只关心开盘时间、开盘价和收盘价，其余字段用于持久化）
type Candle struct {
	Symbol    string  `json:"symbol"`
	OpenTime  int64   `json:"open_time"` // 开盘时间，Unix秒，同一交易对+周期内唯一
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Confirmed bool    `json:"confirmed"` // K线是否已收盘
}

// Time 返回开盘时间
func (c *Candle) Time() time.Time {
	return time.Unix(c.OpenTime, 0)
}

// SameCandle 判断是否为同一根K线
func (c *Candle) SameCandle(other *Candle) bool {
	return other != nil && c.Symbol == other.Symbol && c.OpenTime == other.OpenTime
}

// CandleSource K线数据源
type CandleSource interface {
	// GetCandles 获取截至asOf的最近count根K线，按开盘时间升序
	GetCandles(ctx context.Context, symbol string, timeframeSeconds, count int, asOf time.Time) ([]*Candle, error)
}

// AccountSwitcher 支持切换账户的数据源
type AccountSwitcher interface {
	SwitchAccount(ctx context.Context, account string) error
}
