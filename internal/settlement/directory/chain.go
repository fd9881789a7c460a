package directory

import (
	"context"
	"errors"
	"fmt"

	"blinkpay.com/internal/settlement/chain"
	"blinkpay.com/internal/settlement/domain"
)

// MeterReader 读链上 Meter 账户
type MeterReader interface {
	MeterAccount(ctx context.Context, meter string) (*chain.MeterAccount, error)
}

// ChainMeterDirectory payee 以链上 Meter 账户为准（注册配置本身就在链上），agent 交给 fallback
type ChainMeterDirectory struct {
	meters   MeterReader
	fallback domain.Directory
}

var _ domain.Directory = (*ChainMeterDirectory)(nil)

func NewChainMeterDirectory(meters MeterReader, fallback domain.Directory) *ChainMeterDirectory {
	return &ChainMeterDirectory{meters: meters, fallback: fallback}
}

func (d *ChainMeterDirectory) ResolvePayer(ctx context.Context, agent string) (string, error) {
	return d.fallback.ResolvePayer(ctx, agent)
}

func (d *ChainMeterDirectory) ResolvePayee(ctx context.Context, meter string) (domain.Payee, error) {
	m, err := d.meters.MeterAccount(ctx, meter)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return domain.Payee{}, fmt.Errorf("%w: meter %s", domain.ErrUnknownIdentity, meter)
	}
	if err != nil {
		return domain.Payee{}, err
	}
	return domain.Payee{AccountRef: m.WalletID(), Category: m.Category, PricePerCall: m.PricePerCall}, nil
}
