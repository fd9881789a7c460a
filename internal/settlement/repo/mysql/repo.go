package mysql

import (
	"context"
	"time"

	"blinkpay.com/internal/settlement/domain"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

type txKey struct{}

var (
	_ domain.Store       = (*Repo)(nil)
	_ domain.CreditStore = (*Repo)(nil)
	_ domain.CursorStore = (*Repo)(nil)
	_ domain.Directory   = (*Repo)(nil)
)

type Repo struct {
	db    *gorm.DB
	clock clockwork.Clock
}

// New clock 为空时用真实时钟；测试注入 FakeClock 控制 updated_at
func New(db *gorm.DB, clock clockwork.Clock) *Repo {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Repo{db: db, clock: clock}
}

// AutoMigrate 建表（agents / meters 归注册服务所有，这里只为本地开发建出来）
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.PaymentRecord{},
		&domain.Credit{},
		&domain.ScanCursor{},
		&AgentAccount{},
		&MeterAccount{},
	)
}

// Transaction 把 tx 放进 ctx，内部方法通过 getDb 自动复用
func (r *Repo) Transaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (r *Repo) getDb(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}

// now 统一 UTC + 微秒精度，和 datetime(6) 对齐，避免比较时精度不一致
func (r *Repo) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Microsecond)
}
