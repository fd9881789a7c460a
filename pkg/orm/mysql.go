package orm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	DSN         string `mapstructure:"dsn" yaml:"dsn"`                   // 连接字符串，需带 parseTime=true
	MaxIdle     int    `mapstructure:"max_idle" yaml:"max_idle"`         // 最大空闲连接
	MaxOpen     int    `mapstructure:"max_open" yaml:"max_open"`         // 最大打开连接
	MaxLifetime int    `mapstructure:"max_lifetime" yaml:"max_lifetime"` // 连接存活秒数
	LogSQL      bool   `mapstructure:"log_sql" yaml:"log_sql"`
}

// NewMySQL 先建 *sql.DB 并 Ping，再交给 gorm；两者都返回，方便采集连接池指标和关闭
func NewMySQL(ctx context.Context, c Config) (*gorm.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("mysql", c.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}

	db, err := NewGorm(sqlDB, c.LogSQL)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return db, sqlDB, nil
}

// NewGorm 复用已有连接池；时间统一 UTC
func NewGorm(sqlDB *sql.DB, logSQL bool) (*gorm.DB, error) {
	mode := logger.Warn
	if logSQL {
		mode = logger.Info
	}
	return gorm.Open(mysql.New(mysql.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
		Logger:                 logger.Default.LogMode(mode),
	})
}
