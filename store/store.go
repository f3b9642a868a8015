// Package store 检测结果的持久化与历史统计
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ProbeResult probe_results 表的一行
type ProbeResult struct {
	ID        uint            `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp time.Time       `gorm:"column:timestamp;not null;index:idx_timestamp"`
	Provider  string          `gorm:"column:provider;not null;index:idx_proxy,priority:1"`
	ProxyName string          `gorm:"column:proxy_name;not null;index:idx_proxy,priority:2"`
	ProxyType string          `gorm:"column:proxy_type"`
	Server    string          `gorm:"column:server"`
	Port      int             `gorm:"column:port"`
	LatencyMS sql.NullFloat64 `gorm:"column:latency_ms"`
	SpeedKBps sql.NullFloat64 `gorm:"column:speed_kbps"`
	Error     sql.NullString  `gorm:"column:error"`
}

func (ProbeResult) TableName() string { return "probe_results" }

// Stat 按订阅和节点聚合的历史统计
type Stat struct {
	Provider   string   `json:"provider"`
	ProxyName  string   `json:"proxy_name"`
	TotalTests int64    `json:"total_tests"`
	AvgLatency *float64 `json:"avg_latency"`
	MinLatency *float64 `json:"min_latency"`
	MaxLatency *float64 `json:"max_latency"`
	AvgSpeed   *float64 `json:"avg_speed"`
	ErrorCount int64    `json:"error_count"`
}

// Store 基于 SQLite 的结果库
type Store struct {
	db *gorm.DB
}

// Open 打开数据库，不存在时创建
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.AutoMigrate(&ProbeResult{}); err != nil {
		return nil, fmt.Errorf("初始化数据表失败: %w", err)
	}
	slog.Debug(fmt.Sprintf("结果数据库: %s", path))
	return &Store{db: db}, nil
}

func toRow(o Observation) ProbeResult {
	row := ProbeResult{
		Timestamp: o.Timestamp.UTC(),
		Provider:  o.Provider,
		ProxyName: o.ProxyName,
		ProxyType: o.ProxyType,
		Server:    o.Server,
		Port:      o.Port,
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	if o.Latency != nil {
		row.LatencyMS = sql.NullFloat64{Float64: float64(o.Latency.Microseconds()) / 1000, Valid: true}
	}
	if speed, ok := o.BestSpeed(); ok {
		row.SpeedKBps = sql.NullFloat64{Float64: speed, Valid: true}
	}
	if o.Error != "" {
		row.Error = sql.NullString{String: o.Error, Valid: true}
	}
	return row
}

// Record 追加观测结果
func (s *Store) Record(ctx context.Context, obs ...Observation) error {
	if len(obs) == 0 {
		return nil
	}
	rows := make([]ProbeResult, len(obs))
	for i, o := range obs {
		rows[i] = toRow(o)
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("写入检测结果失败: %w", err)
	}
	return nil
}

// Stats 最近 hours 小时的统计，provider 为空时统计全部订阅
// 按平均延迟升序，没有延迟数据的节点排在最后
func (s *Store) Stats(ctx context.Context, hours int, provider string) ([]Stat, error) {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	q := s.db.WithContext(ctx).Model(&ProbeResult{}).
		Select(`provider, proxy_name,
			COUNT(*) AS total_tests,
			AVG(latency_ms) AS avg_latency,
			MIN(latency_ms) AS min_latency,
			MAX(latency_ms) AS max_latency,
			AVG(speed_kbps) AS avg_speed,
			SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END) AS error_count`).
		Where("timestamp > ?", since)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}

	var stats []Stat
	err := q.Group("provider, proxy_name").
		Order("avg_latency IS NULL, avg_latency").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("查询统计失败: %w", err)
	}
	return stats, nil
}

// Prune 删除 before 之前的记录，返回删除行数
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&ProbeResult{})
	return res.RowsAffected, res.Error
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
