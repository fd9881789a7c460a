package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/xerr"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxErrorMessage = 512

func (r *Repo) InsertIfAbsent(ctx context.Context, rec *domain.PaymentRecord) (bool, *domain.PaymentRecord, error) {
	switch {
	case rec.DedupKey == "":
		return false, nil, fmt.Errorf("%w: empty dedup key", domain.ErrInvalidEvent)
	case rec.EventSlot == 0:
		return false, nil, fmt.Errorf("%w: slot is zero", domain.ErrInvalidEvent)
	case rec.Amount <= 0:
		return false, nil, fmt.Errorf("%w: amount %d must be positive", domain.ErrInvalidEvent, rec.Amount)
	}
	now := r.now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	// 新记录只能从 pending_finality 起步
	rec.Status = domain.StatusPendingFinality
	rec.ErrorMessage, rec.ExternalTransferRef, rec.Attempts = "", "", 0
	rec.CreatedAt, rec.UpdatedAt = now, now

	res := r.getDb(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedup_key"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, nil, xerr.Wrap(xerr.DbError, "insert payment", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, rec, nil
	}

	existing, err := r.FindByDedupKey(ctx, rec.DedupKey)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// 冲突了却查不到：只可能是主键撞了
		return false, nil, xerr.New(xerr.DbError, fmt.Sprintf("insert payment %s: conflict without dedup row", rec.ID))
	}
	return false, existing, nil
}

func (r *Repo) UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error {
	from := domain.Predecessors(u.To)
	if len(from) == 0 {
		return fmt.Errorf("%w: no path into %s", domain.ErrTransitionRejected, u.To)
	}

	updates := map[string]interface{}{
		"status":     u.To,
		"updated_at": r.now(),
	}
	q := r.getDb(ctx).Model(&domain.PaymentRecord{}).Where("id = ?", id)

	switch u.To {
	case domain.StatusProcessing:
		updates["attempts"] = gorm.Expr("attempts + 1")
		if u.StaleBefore.IsZero() {
			q = q.Where("status = ?", domain.StatusPending)
		} else {
			// 卡单回收：只有 updated_at 仍然过期的那一个调用者能抢到
			q = q.Where("status = ? AND updated_at < ?", domain.StatusProcessing, u.StaleBefore.UTC())
		}
	case domain.StatusFailed:
		updates["error_message"] = truncate(u.ErrorMessage, maxErrorMessage)
		q = q.Where("status IN ?", from)
	case domain.StatusSucceeded:
		updates["external_transfer_ref"] = u.TransferRef
		q = q.Where("status IN ?", from)
	default:
		q = q.Where("status IN ?", from)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return xerr.Wrap(xerr.DbError, "update payment status", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s -> %s", domain.ErrTransitionRejected, id, u.To)
	}
	return nil
}

func (r *Repo) FindByDedupKey(ctx context.Context, key string) (*domain.PaymentRecord, error) {
	return r.findOne(ctx, "dedup_key = ?", key)
}

func (r *Repo) FindByID(ctx context.Context, id string) (*domain.PaymentRecord, error) {
	rec, err := r.findOne(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.ErrRecordNotFound
	}
	return rec, nil
}

func (r *Repo) findOne(ctx context.Context, cond string, arg interface{}) (*domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	err := r.getDb(ctx).Where(cond, arg).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerr.Wrap(xerr.DbError, "find payment", err)
	}
	return &rec, nil
}

func (r *Repo) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.PaymentRecord, error) {
	var list []*domain.PaymentRecord
	q := r.getDb(ctx).Where("status = ?", status).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, xerr.Wrap(xerr.DbError, "list payments by status", err)
	}
	return list, nil
}

func (r *Repo) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.PaymentRecord, error) {
	var list []*domain.PaymentRecord
	q := r.getDb(ctx).
		Where("status = ? AND updated_at < ?", domain.StatusProcessing, olderThan.UTC()).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, xerr.Wrap(xerr.DbError, "list stuck payments", err)
	}
	return list, nil
}

// CompleteSettlement 标记成功和生成 Credit 在同一事务；payment_id 唯一保证至多一条
func (r *Repo) CompleteSettlement(ctx context.Context, id string, transferRef string, credit *domain.Credit) error {
	return r.Transaction(ctx, func(txCtx context.Context) error {
		if err := r.UpdateStatus(txCtx, id, domain.StatusUpdate{To: domain.StatusSucceeded, TransferRef: transferRef}); err != nil {
			return err
		}
		credit.PaymentID = id
		if credit.CreatedAt.IsZero() {
			credit.CreatedAt = r.now()
		}
		err := r.getDb(txCtx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "payment_id"}}, DoNothing: true}).
			Create(credit).Error
		if err != nil {
			return xerr.Wrap(xerr.DbError, "create credit", err)
		}
		return nil
	})
}

// truncate 按字节截断但不切断多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
