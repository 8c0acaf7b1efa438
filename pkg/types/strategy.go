package types

import (
	"fmt"
	"time"
)

// Direction 交叉/K线方向
type Direction string

const (
	DirectionNone Direction = ""
	DirectionCall Direction = "call"
	DirectionPut  Direction = "put"
)

// Opposite 反方向，None的反方向仍是None
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionCall:
		return DirectionPut
	case DirectionPut:
		return DirectionCall
	default:
		return DirectionNone
	}
}

// Label 大写展示
func (d Direction) Label() string {
	switch d {
	case DirectionCall:
		return "CALL"
	case DirectionPut:
		return "PUT"
	default:
		return "NONE"
	}
}

// CrossoverAlert EMA交叉预警
type CrossoverAlert struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	Strategy         string    `json:"strategy"`    // 如 EMA 3/33 Crossover
	CandleTime       int64     `json:"candle_time"` // 交叉K线开盘时间
	AlertTime        time.Time `json:"alert_time"`
	PredictedLatency int       `json:"predicted_latency"` // 历史平均反转K线数，0表示无数据
	PredictedText    string    `json:"predicted_text"`
}

// ReversalRecord 交叉后的反转记录，创建后不可变
type ReversalRecord struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	CrossoverTime    int64     `json:"crossover_time"`
	ReversalTime     *int64    `json:"reversal_time,omitempty"` // nil 表示观察窗口内未反转
	CandlesToReverse int       `json:"candles_to_reverse"`
	Exceeded         bool      `json:"exceeded"` // 超过最大等待K线数
	MaxWait          int       `json:"max_wait"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Latency 反转用时描述，超时为 "> N"
func (r *ReversalRecord) Latency() string {
	if r.Exceeded {
		return fmt.Sprintf("> %d", r.MaxWait)
	}
	return fmt.Sprintf("%d", r.CandlesToReverse)
}

// PredictedLatencyText 预测反转描述
func PredictedLatencyText(avg int) string {
	return fmt.Sprintf("~%d candle(s)", avg)
}

// StrategyLabel 策略名称
func StrategyLabel(fast, slow int) string {
	return fmt.Sprintf("EMA %d/%d Crossover", fast, slow)
}
