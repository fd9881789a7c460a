// Package sqlitetest 给测试用的内存 SQLite 仓储，生产代码不要引用
package sqlitetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"blinkpay.com/internal/settlement/repo/mysql"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// NewDB 每个测试一个独立的共享缓存内存库；单连接，事务和普通查询不会互相看不见
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, mysql.AutoMigrate(db))
	return db
}

func NewRepo(t testing.TB, clock clockwork.Clock) (*mysql.Repo, *gorm.DB) {
	db := NewDB(t)
	return mysql.New(db, clock), db
}

// SeedDirectory 注册 agent / meter 映射
func SeedDirectory(t testing.TB, db *gorm.DB, agents map[string]string, meters map[string]mysql.MeterAccount) {
	t.Helper()
	for pk, wallet := range agents {
		require.NoError(t, db.Create(&mysql.AgentAccount{AgentPubkey: pk, WalletID: wallet}).Error)
	}
	for pk, m := range meters {
		m.MeterPubkey = pk
		require.NoError(t, db.Create(&m).Error)
	}
}
