package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/xerr"
	"gorm.io/gorm"
)

// AgentAccount 代理公钥 -> 托管钱包，由注册服务维护
type AgentAccount struct {
	AgentPubkey string    `gorm:"column:agent_pubkey;type:varchar(64);primaryKey"`
	WalletID    string    `gorm:"column:wallet_id;type:varchar(64);not null"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (AgentAccount) TableName() string { return "agents" }

// MeterAccount meter 公钥 -> 商户钱包 + 计费配置
type MeterAccount struct {
	MeterPubkey      string    `gorm:"column:meter_pubkey;type:varchar(64);primaryKey"`
	MerchantWalletID string    `gorm:"column:merchant_wallet_id;type:varchar(64);not null"`
	Category         uint8     `gorm:"column:category;not null"`
	PricePerCall     uint64    `gorm:"column:price_per_call;not null"`
	RequiresZK       bool      `gorm:"column:requires_zk;not null;default:false"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

func (MeterAccount) TableName() string { return "meters" }

func (r *Repo) ResolvePayer(ctx context.Context, agent string) (string, error) {
	var a AgentAccount
	err := r.getDb(ctx).Where("agent_pubkey = ?", agent).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: agent %s", domain.ErrUnknownIdentity, agent)
	}
	if err != nil {
		return "", xerr.Wrap(xerr.DbError, "resolve agent", err)
	}
	return a.WalletID, nil
}

func (r *Repo) ResolvePayee(ctx context.Context, meter string) (domain.Payee, error) {
	var m MeterAccount
	err := r.getDb(ctx).Where("meter_pubkey = ?", meter).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Payee{}, fmt.Errorf("%w: meter %s", domain.ErrUnknownIdentity, meter)
	}
	if err != nil {
		return domain.Payee{}, xerr.Wrap(xerr.DbError, "resolve meter", err)
	}
	return domain.Payee{AccountRef: m.MerchantWalletID, Category: m.Category, PricePerCall: m.PricePerCall}, nil
}
