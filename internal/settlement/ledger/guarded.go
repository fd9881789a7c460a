// Package ledger 给托管账本加熔断保护
package ledger

import (
	"context"
	"errors"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/ratelimit"
	"blinkpay.com/pkg/xerr"
)

const breakerName = "ledger"

// Guarded 熔断打开时直接返回 LedgerUnavailable，转账请求不会发出
type Guarded struct {
	next domain.Ledger
	cb   *ratelimit.Manager
}

var (
	_ domain.Ledger               = (*Guarded)(nil)
	_ domain.TransferFinder       = (*Guarded)(nil)
	_ domain.AvailabilityReporter = (*Guarded)(nil)
)

// Healthy 永久性拒绝说明账本在正常工作，不应打开熔断；主动取消也不算
func Healthy(err error) bool {
	return err == nil || xerr.IsPermanent(err) || errors.Is(err, context.Canceled)
}

func NewGuarded(next domain.Ledger, rule ratelimit.Rule) *Guarded {
	return &Guarded{next: next, cb: ratelimit.NewManager(rule, nil, Healthy)}
}

func (g *Guarded) Available() bool { return !g.cb.Open(breakerName) }

func (g *Guarded) Transfer(ctx context.Context, req domain.TransferRequest) (domain.Transfer, error) {
	var out domain.Transfer
	err := g.cb.Do(breakerName, func() error {
		var err error
		out, err = g.next.Transfer(ctx, req)
		return err
	})
	return out, mapOpen(err)
}

func (g *Guarded) Balance(ctx context.Context, walletID string) ([]domain.Balance, error) {
	var out []domain.Balance
	err := g.cb.Do(breakerName, func() error {
		var err error
		out, err = g.next.Balance(ctx, walletID)
		return err
	})
	return out, mapOpen(err)
}

// FindTransfer 下游不支持查询时返回 found=false
func (g *Guarded) FindTransfer(ctx context.Context, req domain.TransferRequest) (domain.Transfer, bool, error) {
	f, ok := g.next.(domain.TransferFinder)
	if !ok {
		return domain.Transfer{}, false, nil
	}
	var (
		out   domain.Transfer
		found bool
	)
	err := g.cb.Do(breakerName, func() error {
		var err error
		out, found, err = f.FindTransfer(ctx, req)
		return err
	})
	return out, found, mapOpen(err)
}

func mapOpen(err error) error {
	if errors.Is(err, ratelimit.ErrOpen) {
		return xerr.Wrap(xerr.LedgerUnavailable, "ledger circuit open", err)
	}
	return err
}
