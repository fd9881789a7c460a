package mysql

import (
	"context"
	"errors"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) HasUsableCredit(ctx context.Context, payer, payee string) (bool, error) {
	var n int64
	err := r.getDb(ctx).Model(&domain.Credit{}).
		Where("payer_chain_id = ? AND payee_chain_id = ? AND used = ?", payer, payee, false).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return false, xerr.Wrap(xerr.DbError, "count usable credits", err)
	}
	return n > 0, nil
}

// ConsumeCredit 先 SKIP LOCKED 选中最早一条，再 used=false 条件更新；并发网关不会重复消费
func (r *Repo) ConsumeCredit(ctx context.Context, payer, payee string) (*domain.Credit, error) {
	var out *domain.Credit
	err := r.Transaction(ctx, func(txCtx context.Context) error {
		var c domain.Credit
		err := r.getDb(txCtx).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("payer_chain_id = ? AND payee_chain_id = ? AND used = ?", payer, payee, false).
			Order("created_at ASC, id ASC").
			Take(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNoUsableCredit
		}
		if err != nil {
			return xerr.Wrap(xerr.DbError, "select credit", err)
		}

		now := r.now()
		res := r.getDb(txCtx).Model(&domain.Credit{}).
			Where("id = ? AND used = ?", c.ID, false).
			Updates(map[string]interface{}{"used": true, "used_at": now})
		if res.Error != nil {
			return xerr.Wrap(xerr.DbError, "consume credit", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrNoUsableCredit
		}
		c.Used, c.UsedAt = true, &now
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) ListCredits(ctx context.Context, payer, payee string, onlyUsable bool) ([]*domain.Credit, error) {
	var list []*domain.Credit
	q := r.getDb(ctx).Where("payer_chain_id = ? AND payee_chain_id = ?", payer, payee)
	if onlyUsable {
		q = q.Where("used = ?", false)
	}
	if err := q.Order("created_at ASC, id ASC").Find(&list).Error; err != nil {
		return nil, xerr.Wrap(xerr.DbError, "list credits", err)
	}
	return list, nil
}

// CreditByPayment 按结算记录查额度，没有返回 nil, nil
func (r *Repo) CreditByPayment(ctx context.Context, paymentID string) (*domain.Credit, error) {
	var c domain.Credit
	err := r.getDb(ctx).Where("payment_id = ?", paymentID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerr.Wrap(xerr.DbError, "find credit", err)
	}
	return &c, nil
}
