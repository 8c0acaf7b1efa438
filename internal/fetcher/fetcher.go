package fetcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crossover-sentry/internal/strategy/websocket"
	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
)

const defaultMaxBuffer = 2000

// DataFetcher 组合K线数据源：优先使用WebSocket推送缓冲，不足或不连续时回退REST
type DataFetcher struct {
	rest   types.CandleSource
	stream *websocket.Client

	mu        sync.RWMutex
	buffers   map[string][]*types.Candle
	timeframe int
	maxBuffer int

	statsMutex sync.Mutex
	restCalls  int64
	bufferHits int64
}

// NewDataFetcher 创建数据获取器，stream为nil时纯REST轮询
func NewDataFetcher(rest types.CandleSource, stream *websocket.Client, maxBuffer int) *DataFetcher {
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBuffer
	}
	return &DataFetcher{
		rest:      rest,
		stream:    stream,
		buffers:   make(map[string][]*types.Candle),
		maxBuffer: maxBuffer,
	}
}

// Start 连接推送并订阅，推送数据持续写入缓冲直到ctx取消
func (f *DataFetcher) Start(ctx context.Context, symbols []string, timeframeSeconds int) error {
	if f.stream == nil {
		zap.L().Info("🔧 未启用K线推送，使用REST轮询")
		return nil
	}

	if err := f.stream.Connect(); err != nil {
		return fmt.Errorf("连接K线推送失败: %w", err)
	}
	if err := f.Resubscribe(symbols, timeframeSeconds); err != nil {
		return err
	}
	f.stream.StartReading()

	go f.consume(ctx)

	zap.L().Info("🚀 K线推送已启动",
		zap.Strings("symbols", symbols),
		zap.Int("timeframe_seconds", timeframeSeconds))
	return nil
}

// Resubscribe 交易对或周期变化时重新订阅，周期变化会清空缓冲
func (f *DataFetcher) Resubscribe(symbols []string, timeframeSeconds int) error {
	if f.stream == nil {
		return nil
	}

	f.mu.Lock()
	if f.timeframe != timeframeSeconds {
		f.buffers = make(map[string][]*types.Candle)
	}
	f.timeframe = timeframeSeconds
	keep := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		keep[s] = struct{}{}
	}
	for s := range f.buffers {
		if _, ok := keep[s]; !ok {
			delete(f.buffers, s)
		}
	}
	f.mu.Unlock()

	if err := f.stream.Unsubscribe(); err != nil {
		zap.L().Warn("⚠️ 取消旧订阅失败", zap.Error(err))
	}
	return f.stream.Subscribe(symbols, timeframeSeconds)
}

func (f *DataFetcher) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("📴 K线推送消费已停止")
			return
		case candle := <-f.stream.Candles():
			if candle == nil {
				continue
			}
			f.mu.Lock()
			f.mergeLocked(candle.Symbol, []*types.Candle{candle})
			f.mu.Unlock()
		}
	}
}

// GetCandles 实现types.CandleSource
func (f *DataFetcher) GetCandles(ctx context.Context, symbol string, timeframeSeconds, count int, asOf time.Time) ([]*types.Candle, error) {
	if candles := f.fromBuffer(symbol, timeframeSeconds, count, asOf); candles != nil {
		f.statsMutex.Lock()
		f.bufferHits++
		f.statsMutex.Unlock()
		return candles, nil
	}

	f.statsMutex.Lock()
	f.restCalls++
	f.statsMutex.Unlock()

	candles, err := f.rest.GetCandles(ctx, symbol, timeframeSeconds, count, asOf)
	if err != nil {
		return nil, err
	}

	if f.stream != nil {
		f.mu.Lock()
		if f.timeframe == timeframeSeconds {
			f.mergeLocked(symbol, candles)
		}
		f.mu.Unlock()
	}
	return candles, nil
}

// fromBuffer 缓冲中有count根连续且包含当前周期的K线时返回
func (f *DataFetcher) fromBuffer(symbol string, timeframeSeconds, count int, asOf time.Time) []*types.Candle {
	if f.stream == nil || count <= 0 {
		return nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.timeframe != timeframeSeconds {
		return nil
	}
	buf := f.buffers[symbol]
	if len(buf) < count {
		return nil
	}
	window := buf[len(buf)-count:]

	if !asOf.IsZero() {
		current := asOf.Unix() - asOf.Unix()%int64(timeframeSeconds)
		if window[len(window)-1].OpenTime < current {
			return nil
		}
	}
	for i := 1; i < len(window); i++ {
		if window[i].OpenTime-window[i-1].OpenTime != int64(timeframeSeconds) {
			return nil
		}
	}

	out := make([]*types.Candle, len(window))
	copy(out, window)
	return out
}

// mergeLocked 按开盘时间合并K线，同一根K线以新数据为准
func (f *DataFetcher) mergeLocked(symbol string, candles []*types.Candle) {
	buf := f.buffers[symbol]
	for _, c := range candles {
		i := sort.Search(len(buf), func(i int) bool { return buf[i].OpenTime >= c.OpenTime })
		switch {
		case i < len(buf) && buf[i].OpenTime == c.OpenTime:
			buf[i] = c
		case i == len(buf):
			buf = append(buf, c)
		default:
			buf = append(buf, nil)
			copy(buf[i+1:], buf[i:])
			buf[i] = c
		}
	}
	if len(buf) > f.maxBuffer {
		buf = append([]*types.Candle(nil), buf[len(buf)-f.maxBuffer:]...)
	}
	f.buffers[symbol] = buf
}

// SwitchAccount 转发给REST数据源
func (f *DataFetcher) SwitchAccount(ctx context.Context, account string) error {
	switcher, ok := f.rest.(types.AccountSwitcher)
	if !ok {
		return fmt.Errorf("数据源不支持切换账户")
	}
	return switcher.SwitchAccount(ctx, account)
}

// GetStats 获取统计信息
func (f *DataFetcher) GetStats() map[string]interface{} {
	f.statsMutex.Lock()
	restCalls, bufferHits := f.restCalls, f.bufferHits
	f.statsMutex.Unlock()

	f.mu.RLock()
	bufferSizes := make(map[string]int, len(f.buffers))
	for symbol, buf := range f.buffers {
		bufferSizes[symbol] = len(buf)
	}
	f.mu.RUnlock()

	stats := map[string]interface{}{
		"rest_calls":   restCalls,
		"buffer_hits":  bufferHits,
		"buffer_sizes": bufferSizes,
		"streaming":    f.stream != nil,
	}
	if f.stream != nil {
		stats["ws_connected"] = f.stream.IsConnected()
	}
	return stats
}

// Close 关闭推送连接
func (f *DataFetcher) Close() error {
	if f.stream == nil {
		return nil
	}
	return f.stream.Close()
}
