package database

import (
	"context"
	"fmt"
	"time"

	"crossover-sentry/pkg/types"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const dateLayout = "2006-01-02"

// Manager 数据库管理器
type Manager struct {
	db     *gorm.DB
	config types.MySQLConfig
}

// Candle 数据库K线模型
type Candle struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Symbol    string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_symbol_tf_time" json:"symbol"`
	Timeframe int       `gorm:"not null;uniqueIndex:uk_symbol_tf_time" json:"timeframe"`
	OpenTime  int64     `gorm:"not null;uniqueIndex:uk_symbol_tf_time" json:"open_time"`
	Open      float64   `gorm:"type:decimal(20,8);not null" json:"open"`
	High      float64   `gorm:"type:decimal(20,8);not null" json:"high"`
	Low       float64   `gorm:"type:decimal(20,8);not null" json:"low"`
	Close     float64   `gorm:"type:decimal(20,8);not null" json:"close"`
	Volume    float64   `gorm:"type:decimal(28,8);not null" json:"volume"`
	Confirmed bool      `gorm:"default:false" json:"confirmed"`
	CreatedAt time.Time `json:"created_at"`
}

// CrossoverAlert 交叉预警模型
type CrossoverAlert struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	AlertID          string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"alert_id"`
	Symbol           string    `gorm:"type:varchar(32);not null;index:idx_alert_symbol_time" json:"symbol"`
	Direction        string    `gorm:"type:varchar(8);not null" json:"direction"`
	Strategy         string    `gorm:"type:varchar(64);not null" json:"strategy"`
	CandleTime       int64     `gorm:"not null;index:idx_alert_symbol_time" json:"candle_time"`
	AlertTime        time.Time `gorm:"not null" json:"alert_time"`
	PredictedLatency int       `gorm:"default:0" json:"predicted_latency"`
	CreatedAt        time.Time `json:"created_at"`
}

// ReversalRecord 反转记录模型
type ReversalRecord struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RecordID         string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"record_id"`
	Symbol           string    `gorm:"type:varchar(32);not null;index:idx_reversal_symbol_time" json:"symbol"`
	Direction        string    `gorm:"type:varchar(8);not null" json:"direction"`
	CrossoverTime    int64     `gorm:"not null;index:idx_reversal_symbol_time" json:"crossover_time"`
	ReversalTime     *int64    `json:"reversal_time"`
	CandlesToReverse int       `gorm:"default:0" json:"candles_to_reverse"`
	Exceeded         bool      `gorm:"default:false" json:"exceeded"`
	MaxWait          int       `gorm:"default:0" json:"max_wait"`
	Latency          string    `gorm:"type:varchar(16)" json:"latency"`
	RecordedAt       time.Time `json:"recorded_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// DailyStats 每日统计模型
type DailyStats struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Symbol         string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_symbol_date" json:"symbol"`
	Date           string    `gorm:"type:varchar(10);not null;uniqueIndex:uk_symbol_date" json:"date"`
	TotalAlerts    int       `gorm:"default:0" json:"total_alerts"`
	CallAlerts     int       `gorm:"default:0" json:"call_alerts"`
	PutAlerts      int       `gorm:"default:0" json:"put_alerts"`
	Reversals      int       `gorm:"default:0" json:"reversals"`
	Timeouts       int       `gorm:"default:0" json:"timeouts"`
	ReversalCandle int       `gorm:"default:0" json:"reversal_candles"` // 已反转记录的K线数之和
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AvgCandlesToReverse 当日平均反转K线数
func (d DailyStats) AvgCandlesToReverse() float64 {
	if d.Reversals == 0 {
		return 0
	}
	return float64(d.ReversalCandle) / float64(d.Reversals)
}

// NewManager 创建MySQL数据库管理器
func NewManager(config types.MySQLConfig) (*Manager, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
	)

	manager, err := NewManagerWithDialector(mysql.Open(dsn), config)
	if err != nil {
		return nil, err
	}

	zap.L().Info("✅ MySQL数据库连接成功",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("database", config.Database))

	return manager, nil
}

// NewManagerWithDialector 使用指定方言创建管理器
func NewManagerWithDialector(dialector gorm.Dialector, config types.MySQLConfig) (*Manager, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库实例失败: %w", err)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	manager := &Manager{
		db:     db,
		config: config,
	}

	if err := manager.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}

	return manager, nil
}

// AutoMigrate 自动迁移表结构
func (m *Manager) AutoMigrate() error {
	return m.db.AutoMigrate(
		&Candle{},
		&CrossoverAlert{},
		&ReversalRecord{},
		&DailyStats{},
	)
}

// SaveAlert 保存交叉预警并更新当日统计
func (m *Manager) SaveAlert(alert *types.CrossoverAlert) error {
	row := &CrossoverAlert{
		AlertID:          alert.ID,
		Symbol:           alert.Symbol,
		Direction:        string(alert.Direction),
		Strategy:         alert.Strategy,
		CandleTime:       alert.CandleTime,
		AlertTime:        alert.AlertTime,
		PredictedLatency: alert.PredictedLatency,
	}

	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("保存交叉预警失败: %w", err)
		}

		updates := map[string]interface{}{
			"total_alerts": gorm.Expr("total_alerts + ?", 1),
		}
		switch alert.Direction {
		case types.DirectionCall:
			updates["call_alerts"] = gorm.Expr("call_alerts + ?", 1)
		case types.DirectionPut:
			updates["put_alerts"] = gorm.Expr("put_alerts + ?", 1)
		}
		return m.bumpDailyStats(tx, alert.Symbol, alert.AlertTime, updates)
	})
}

// SaveReversal 保存反转记录并更新当日统计
func (m *Manager) SaveReversal(record *types.ReversalRecord) error {
	row := &ReversalRecord{
		RecordID:         record.ID,
		Symbol:           record.Symbol,
		Direction:        string(record.Direction),
		CrossoverTime:    record.CrossoverTime,
		ReversalTime:     record.ReversalTime,
		CandlesToReverse: record.CandlesToReverse,
		Exceeded:         record.Exceeded,
		MaxWait:          record.MaxWait,
		Latency:          record.Latency(),
		RecordedAt:       record.RecordedAt,
	}

	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("保存反转记录失败: %w", err)
		}

		updates := map[string]interface{}{}
		if record.Exceeded {
			updates["timeouts"] = gorm.Expr("timeouts + ?", 1)
		} else {
			updates["reversals"] = gorm.Expr("reversals + ?", 1)
			updates["reversal_candle"] = gorm.Expr("reversal_candle + ?", record.CandlesToReverse)
		}
		return m.bumpDailyStats(tx, record.Symbol, record.RecordedAt, updates)
	})
}

// bumpDailyStats 当日统计行不存在时先创建，再原子累加
func (m *Manager) bumpDailyStats(tx *gorm.DB, symbol string, at time.Time, updates map[string]interface{}) error {
	if at.IsZero() {
		at = time.Now()
	}
	date := at.Format(dateLayout)

	stats := DailyStats{Symbol: symbol, Date: date}
	if err := tx.Where("symbol = ? AND date = ?", symbol, date).FirstOrCreate(&stats).Error; err != nil {
		return fmt.Errorf("创建每日统计失败: %w", err)
	}
	if err := tx.Model(&DailyStats{}).Where("id = ?", stats.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("更新每日统计失败: %w", err)
	}
	return nil
}

// ArchiveCandles 批量归档K线，同一根K线重复写入时更新价格
func (m *Manager) ArchiveCandles(ctx context.Context, timeframeSeconds int, candles []*types.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	rows := make([]Candle, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, Candle{
			Symbol:    c.Symbol,
			Timeframe: timeframeSeconds,
			OpenTime:  c.OpenTime,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			Confirmed: c.Confirmed,
		})
	}

	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "open_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume", "confirmed"}),
	}).CreateInBatches(rows, 100).Error
	if err != nil {
		return fmt.Errorf("批量归档K线失败: %w", err)
	}

	zap.L().Debug("✅ 历史K线归档完成",
		zap.String("symbol", candles[0].Symbol),
		zap.Int("count", len(candles)))
	return nil
}

// GetCandles 获取最近limit根归档K线，按时间升序
func (m *Manager) GetCandles(symbol string, timeframeSeconds, limit int) ([]*types.Candle, error) {
	var rows []Candle
	err := m.db.Where("symbol = ? AND timeframe = ?", symbol, timeframeSeconds).
		Order("open_time DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	candles := make([]*types.Candle, len(rows))
	for i, row := range rows {
		candles[len(rows)-1-i] = &types.Candle{
			Symbol:    row.Symbol,
			OpenTime:  row.OpenTime,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
			Confirmed: row.Confirmed,
		}
	}
	return candles, nil
}

// GetAlerts 获取最近的交叉预警
func (m *Manager) GetAlerts(symbol string, limit int) ([]CrossoverAlert, error) {
	var alerts []CrossoverAlert
	err := m.db.Where("symbol = ?", symbol).
		Order("candle_time DESC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

// GetReversals 获取最近的反转记录
func (m *Manager) GetReversals(symbol string, limit int) ([]ReversalRecord, error) {
	var records []ReversalRecord
	err := m.db.Where("symbol = ?", symbol).
		Order("crossover_time DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// GetDailyStats 获取最近days天的统计
func (m *Manager) GetDailyStats(symbol string, days int) ([]DailyStats, error) {
	var stats []DailyStats
	startDate := time.Now().AddDate(0, 0, -days).Format(dateLayout)

	err := m.db.Where("symbol = ? AND date >= ?", symbol, startDate).
		Order("date DESC").
		Find(&stats).Error
	return stats, err
}

// Close 关闭数据库连接
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接健康状态
func (m *Manager) Health() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
