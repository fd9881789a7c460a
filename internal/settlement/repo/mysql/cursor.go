package mysql

import (
	"context"
	"errors"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/xerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) LoadCursor(ctx context.Context, name string) (*domain.ScanCursor, error) {
	var c domain.ScanCursor
	err := r.getDb(ctx).Where("name = ?", name).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerr.Wrap(xerr.DbError, "load scan cursor", err)
	}
	return &c, nil
}

func (r *Repo) SaveCursor(ctx context.Context, c *domain.ScanCursor) error {
	c.UpdatedAt = r.now()
	err := r.getDb(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"signature", "slot", "updated_at"}),
	}).Create(c).Error
	if err != nil {
		return xerr.Wrap(xerr.DbError, "save scan cursor", err)
	}
	return nil
}
