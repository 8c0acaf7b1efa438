package monitor

import (
	"time"

	"crossover-sentry/internal/strategy/signals"
	"crossover-sentry/pkg/types"
	"github.com/google/uuid"
)

// Outcome 一次推进的结果
type Outcome int

const (
	OutcomeIdle     Outcome = iota // 未在监控
	OutcomePending                 // 继续等待
	OutcomeReversed                // 找到反转K线
	OutcomeTimedOut                // 超过最大等待K线数
	OutcomeLost                    // 交叉K线已滑出窗口
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeReversed:
		return "reversed"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeLost:
		return "lost"
	default:
		return "idle"
	}
}

// watchState 正在监控的交叉
type watchState struct {
	crossoverTime int64
	direction     types.Direction
}

// ReversalMonitor 单个交易对的反转监控状态机：Idle -> Watching -> Idle
type ReversalMonitor struct {
	symbol string
	state  *watchState
	now    func() time.Time
}

// NewReversalMonitor 创建反转监控器
func NewReversalMonitor(symbol string) *ReversalMonitor {
	return &ReversalMonitor{symbol: symbol, now: time.Now}
}

// Watching 是否正在监控
func (rm *ReversalMonitor) Watching() bool {
	return rm.state != nil
}

// CrossoverTime 当前监控的交叉K线时间
func (rm *ReversalMonitor) CrossoverTime() (int64, bool) {
	if rm.state == nil {
		return 0, false
	}
	return rm.state.crossoverTime, true
}

// Start 开始监控一次交叉，已在监控中时拒绝
func (rm *ReversalMonitor) Start(crossoverTime int64, direction types.Direction) bool {
	if rm.state != nil || direction == types.DirectionNone {
		return false
	}
	rm.state = &watchState{crossoverTime: crossoverTime, direction: direction}
	return true
}

// Reset 回到Idle
func (rm *ReversalMonitor) Reset() {
	rm.state = nil
}

// Advance 用最新K线窗口推进状态机
//
// 最后一根K线视为未收盘，不参与判断；检查交叉后全部已收盘K线，
// 没有反向K线且已收盘K线数达到maxWait时记为超时。
func (rm *ReversalMonitor) Advance(candles []*types.Candle, maxWait int) (*types.ReversalRecord, Outcome) {
	if rm.state == nil {
		return nil, OutcomeIdle
	}

	idx := -1
	for i, c := range candles {
		if c.OpenTime == rm.state.crossoverTime {
			idx = i
			break
		}
	}
	if idx < 0 {
		rm.state = nil
		return nil, OutcomeLost
	}

	last := len(candles) - 1
	for j := idx + 1; j < last; j++ {
		if signals.IsReversal(rm.state.direction, candles[j]) {
			reversalTime := candles[j].OpenTime
			record := rm.newRecord(maxWait)
			record.ReversalTime = &reversalTime
			record.CandlesToReverse = j - idx
			rm.state = nil
			return record, OutcomeReversed
		}
	}

	closed := last - (idx + 1)
	if closed >= maxWait {
		record := rm.newRecord(maxWait)
		record.Exceeded = true
		rm.state = nil
		return record, OutcomeTimedOut
	}

	return nil, OutcomePending
}

func (rm *ReversalMonitor) newRecord(maxWait int) *types.ReversalRecord {
	return &types.ReversalRecord{
		ID:            uuid.New().String(),
		Symbol:        rm.symbol,
		Direction:     rm.state.direction,
		CrossoverTime: rm.state.crossoverTime,
		MaxWait:       maxWait,
		RecordedAt:    rm.now(),
	}
}
