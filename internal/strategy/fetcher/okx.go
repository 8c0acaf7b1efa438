package fetcher

import (
	"fmt"
	"strconv"

	"crossover-sentry/pkg/types"
)

var barsBySeconds = map[int]string{
	60:     "1m",
	180:    "3m",
	300:    "5m",
	900:    "15m",
	1800:   "30m",
	3600:   "1H",
	7200:   "2H",
	14400:  "4H",
	21600:  "6H",
	43200:  "12H",
	86400:  "1D",
	604800: "1W",
}

// BarForSeconds K线周期（秒）转OKX bar参数
func BarForSeconds(seconds int) (string, error) {
	bar, ok := barsBySeconds[seconds]
	if !ok {
		return "", fmt.Errorf("unsupported timeframe: %ds", seconds)
	}
	return bar, nil
}

// SecondsForBar OKX bar参数转K线周期（秒）
func SecondsForBar(bar string) (int, bool) {
	for seconds, b := range barsBySeconds {
		if b == bar {
			return seconds, true
		}
	}
	return 0, false
}

// ParseCandle 解析OKX K线数组
//
// 格式: [ts(ms), open, high, low, close, vol, volCcy, volCcyQuote, confirm]
func ParseCandle(symbol string, row []string) (*types.Candle, error) {
	if len(row) < 5 {
		return nil, fmt.Errorf("K线数据格式不正确: %d fields", len(row))
	}

	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("解析时间戳失败: %w", err)
	}

	var prices [4]float64
	for i := range prices {
		prices[i], err = strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("解析价格失败(第%d列): %w", i+1, err)
		}
	}

	candle := &types.Candle{
		Symbol:   symbol,
		OpenTime: ts / 1000,
		Open:     prices[0],
		High:     prices[1],
		Low:      prices[2],
		Close:    prices[3],
	}
	if len(row) > 5 {
		if v, err := strconv.ParseFloat(row[5], 64); err == nil {
			candle.Volume = v
		}
	}
	if len(row) > 8 {
		candle.Confirmed = row[8] == "1"
	}
	return candle, nil
}
