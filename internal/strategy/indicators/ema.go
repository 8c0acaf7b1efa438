package indicators

import (
	"crossover-sentry/pkg/types"
)

// CalculateEMA 计算EMA序列
//
// 返回值第i项对应prices第i+period-1项，长度为len(prices)-period+1。
// prices为空、period<=0或数据不足时返回nil。
func CalculateEMA(prices []float64, period int) []float64 {
	if len(prices) == 0 || period <= 0 || len(prices) < period {
		return nil
	}

	// 种子值为前period个价格的简单平均
	var sum float64
	for _, p := range prices[:period] {
		sum += p
	}

	k := 2.0 / float64(period+1)
	ema := make([]float64, 0, len(prices)-period+1)
	ema = append(ema, sum/float64(period))

	for _, price := range prices[period:] {
		prev := ema[len(ema)-1]
		ema = append(ema, price*k+prev*(1-k))
	}

	return ema
}

// Closes 提取收盘价序列
func Closes(candles []*types.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

// ValueAt 按K线下标取EMA值，下标早于首个EMA值时返回false
func ValueAt(ema []float64, period, candleIndex int) (float64, bool) {
	i := candleIndex - (period - 1)
	if i < 0 || i >= len(ema) {
		return 0, false
	}
	return ema[i], true
}
