package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"crossover-sentry/pkg/types"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	averageKey = "sentry:reversal:avg"
	historyKey = "sentry:reversal:history"
)

// ReversalHistory 有界反转记录，最新的在前，超出容量淘汰最旧的
type ReversalHistory struct {
	data     []*types.ReversalRecord
	capacity int
	mutex    sync.RWMutex
}

func NewReversalHistory(capacity int) *ReversalHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReversalHistory{
		data:     make([]*types.ReversalRecord, 0, capacity),
		capacity: capacity,
	}
}

// Add 插入到头部，返回被淘汰的记录（如有）
func (rh *ReversalHistory) Add(record *types.ReversalRecord) *types.ReversalRecord {
	rh.mutex.Lock()
	defer rh.mutex.Unlock()

	rh.data = append([]*types.ReversalRecord{record}, rh.data...)
	if len(rh.data) <= rh.capacity {
		return nil
	}
	evicted := rh.data[len(rh.data)-1]
	rh.data = rh.data[:rh.capacity]
	return evicted
}

// List 返回记录副本，最新的在前
func (rh *ReversalHistory) List() []*types.ReversalRecord {
	rh.mutex.RLock()
	defer rh.mutex.RUnlock()

	result := make([]*types.ReversalRecord, len(rh.data))
	copy(result, rh.data)
	return result
}

func (rh *ReversalHistory) Length() int {
	rh.mutex.RLock()
	defer rh.mutex.RUnlock()
	return len(rh.data)
}

func (rh *ReversalHistory) Capacity() int {
	rh.mutex.RLock()
	defer rh.mutex.RUnlock()
	return rh.capacity
}

// SetCapacity 调整容量，多余的旧记录被丢弃
func (rh *ReversalHistory) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	rh.mutex.Lock()
	defer rh.mutex.Unlock()

	rh.capacity = capacity
	if len(rh.data) > capacity {
		rh.data = rh.data[:capacity]
	}
}

// StateManager 状态管理器：历史平均反转K线数缓存 + 最近反转记录
//
// 平均值由历史分析协程写入、引擎协程读取；读取不到表示尚未计算。
type StateManager struct {
	averages    map[string]int
	mutex       sync.RWMutex
	history     *ReversalHistory
	redisClient *redis.Client
	useRedis    bool
}

func NewStateManager(redisConfig types.RedisConfig, historyCapacity int) *StateManager {
	sm := &StateManager{
		averages: make(map[string]int),
		history:  NewReversalHistory(historyCapacity),
	}

	// 尝试连接Redis
	if redisConfig.URL != "" {
		sm.redisClient = redis.NewClient(&redis.Options{
			Addr:     redisConfig.URL,
			Password: redisConfig.Password,
			DB:       redisConfig.DB,
		})

		// 测试连接
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := sm.redisClient.Ping(ctx).Result(); err != nil {
			zap.L().Warn("⚠️ Redis连接失败，使用纯内存模式", zap.Error(err))
			sm.useRedis = false
		} else {
			zap.L().Info("✅ Redis连接成功", zap.String("addr", redisConfig.URL))
			sm.useRedis = true
		}
	} else {
		zap.L().Info("🔧 未配置Redis，使用纯内存模式")
	}

	return sm
}

// Restore 从Redis恢复上次的平均值，历史分析完成前先用旧值提供预测
func (sm *StateManager) Restore(ctx context.Context) int {
	if !sm.useRedis {
		return 0
	}

	values, err := sm.redisClient.HGetAll(ctx, averageKey).Result()
	if err != nil {
		zap.L().Warn("⚠️ 从Redis恢复平均反转数据失败", zap.Error(err))
		return 0
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	restored := 0
	for symbol, raw := range values {
		avg, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		if _, exists := sm.averages[symbol]; !exists {
			sm.averages[symbol] = avg
			restored++
		}
	}
	return restored
}

// SetAverage 写入某交易对的平均反转K线数
func (sm *StateManager) SetAverage(symbol string, avg int) {
	sm.mutex.Lock()
	sm.averages[symbol] = avg
	sm.mutex.Unlock()

	if sm.useRedis {
		go sm.backupAverage(symbol, avg)
	}
}

// DeleteAverage 移除某交易对的缓存
func (sm *StateManager) DeleteAverage(symbol string) {
	sm.mutex.Lock()
	delete(sm.averages, symbol)
	sm.mutex.Unlock()

	if sm.useRedis {
		go sm.removeAverages(symbol)
	}
}

// Average 读取平均反转K线数，未计算时返回false
func (sm *StateManager) Average(symbol string) (int, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	avg, ok := sm.averages[symbol]
	return avg, ok
}

// Averages 返回缓存快照
func (sm *StateManager) Averages() map[string]int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	result := make(map[string]int, len(sm.averages))
	for k, v := range sm.averages {
		result[k] = v
	}
	return result
}

// PruneAverages 删除不在keep中的交易对
func (sm *StateManager) PruneAverages(keep []string) {
	wanted := make(map[string]struct{}, len(keep))
	for _, s := range keep {
		wanted[s] = struct{}{}
	}

	sm.mutex.Lock()
	var removed []string
	for symbol := range sm.averages {
		if _, ok := wanted[symbol]; !ok {
			delete(sm.averages, symbol)
			removed = append(removed, symbol)
		}
	}
	sm.mutex.Unlock()

	if sm.useRedis && len(removed) > 0 {
		go sm.removeAverages(removed...)
	}
}

// RecordReversal 记录一条反转
func (sm *StateManager) RecordReversal(record *types.ReversalRecord) {
	sm.history.Add(record)

	if sm.useRedis {
		go sm.backupReversal(record)
	}
}

// Reversals 最近的反转记录
func (sm *StateManager) Reversals() []*types.ReversalRecord {
	return sm.history.List()
}

// SetHistoryCapacity 调整反转记录容量
func (sm *StateManager) SetHistoryCapacity(capacity int) {
	sm.history.SetCapacity(capacity)
}

func (sm *StateManager) backupAverage(symbol string, avg int) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := sm.redisClient.HSet(ctx, averageKey, symbol, avg).Err(); err != nil {
		zap.L().Warn("Redis存储平均值失败", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (sm *StateManager) removeAverages(symbols ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := sm.redisClient.HDel(ctx, averageKey, symbols...).Err(); err != nil {
		zap.L().Warn("Redis删除平均值失败", zap.Strings("symbols", symbols), zap.Error(err))
	}
}

// backupReversal 备份反转记录到Redis列表，只保留与内存相同的条数
func (sm *StateManager) backupReversal(record *types.ReversalRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	value, err := json.Marshal(record)
	if err != nil {
		zap.L().Warn("序列化反转记录失败", zap.Error(err))
		return
	}

	capacity := sm.history.Capacity()
	pipe := sm.redisClient.TxPipeline()
	pipe.LPush(ctx, historyKey, value)
	pipe.LTrim(ctx, historyKey, 0, int64(capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Warn("Redis存储反转记录失败", zap.String("symbol", record.Symbol), zap.Error(err))
	}
}

// GetRedisStats 获取存储统计信息
func (sm *StateManager) GetRedisStats() map[string]interface{} {
	sm.mutex.RLock()
	cached := len(sm.averages)
	sm.mutex.RUnlock()

	stats := map[string]interface{}{
		"redis_enabled":   sm.useRedis,
		"cached_averages": cached,
		"reversals":       sm.history.Length(),
	}

	if sm.useRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if n, err := sm.redisClient.HLen(ctx, averageKey).Result(); err == nil {
			stats["redis_averages"] = n
		} else {
			stats["redis_error"] = fmt.Sprintf("%v", err)
		}
	}

	return stats
}

// Close 关闭Redis连接
func (sm *StateManager) Close() error {
	if sm.redisClient != nil {
		return sm.redisClient.Close()
	}
	return nil
}
