package signals

import (
	"crossover-sentry/internal/strategy/indicators"
	"crossover-sentry/pkg/types"
)

// CrossoverDetector EMA快慢线交叉检测器
type CrossoverDetector struct {
	fastPeriod int
	slowPeriod int
}

// NewCrossoverDetector 创建交叉检测器
func NewCrossoverDetector(fastPeriod, slowPeriod int) *CrossoverDetector {
	return &CrossoverDetector{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
	}
}

// Detect 基于最近两组EMA值判断最新K线上是否发生交叉
func (cd *CrossoverDetector) Detect(candles []*types.Candle) types.Direction {
	if len(candles) < cd.RequiredBars() {
		return types.DirectionNone
	}

	closes := indicators.Closes(candles)
	fast := indicators.CalculateEMA(closes, cd.fastPeriod)
	slow := indicators.CalculateEMA(closes, cd.slowPeriod)
	if len(fast) < 2 || len(slow) < 2 {
		return types.DirectionNone
	}

	return Classify(fast[len(fast)-2], fast[len(fast)-1], slow[len(slow)-2], slow[len(slow)-1])
}

// Series 计算整段K线的快慢线EMA
func (cd *CrossoverDetector) Series(candles []*types.Candle) (fast, slow []float64) {
	closes := indicators.Closes(candles)
	return indicators.CalculateEMA(closes, cd.fastPeriod), indicators.CalculateEMA(closes, cd.slowPeriod)
}

// DetectAt 比较第i-1根与第i根K线上的EMA关系，fast/slow须由Series计算
func (cd *CrossoverDetector) DetectAt(fast, slow []float64, i int) types.Direction {
	fp, ok1 := indicators.ValueAt(fast, cd.fastPeriod, i-1)
	fc, ok2 := indicators.ValueAt(fast, cd.fastPeriod, i)
	sp, ok3 := indicators.ValueAt(slow, cd.slowPeriod, i-1)
	sc, ok4 := indicators.ValueAt(slow, cd.slowPeriod, i)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return types.DirectionNone
	}
	return Classify(fp, fc, sp, sc)
}

// RequiredBars 所需最少K线数
func (cd *CrossoverDetector) RequiredBars() int {
	return cd.slowPeriod + 1
}

// Classify 判断交叉方向，先判断CALL
func Classify(fastPrev, fastCur, slowPrev, slowCur float64) types.Direction {
	if fastPrev <= slowPrev && fastCur > slowCur {
		return types.DirectionCall
	}
	if fastPrev >= slowPrev && fastCur < slowCur {
		return types.DirectionPut
	}
	return types.DirectionNone
}

// CandleDirection K线方向：阳线CALL，阴线PUT，十字星为None
func CandleDirection(c *types.Candle) types.Direction {
	switch {
	case c.Close > c.Open:
		return types.DirectionCall
	case c.Close < c.Open:
		return types.DirectionPut
	default:
		return types.DirectionNone
	}
}

// IsReversal K线方向是否与交叉方向相反
func IsReversal(cross types.Direction, c *types.Candle) bool {
	dir := CandleDirection(c)
	return dir != types.DirectionNone && dir == cross.Opposite()
}
