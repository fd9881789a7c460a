package engine

import (
	"context"
	"errors"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/logger"
	"blinkpay.com/pkg/metrics"
	"go.uber.org/zap"
)

const (
	DefaultFinalityThreshold = 32
	DefaultBatchSize         = 200
)

// Promoter 确认深度够了才晋升为 pending，然后同步交给 Executor
type Promoter struct {
	store     domain.Store
	chain     domain.Chain
	exec      *Executor
	threshold uint64
	batch     int
}

func NewPromoter(store domain.Store, chain domain.Chain, exec *Executor, threshold uint64, batch int) *Promoter {
	if threshold == 0 {
		threshold = DefaultFinalityThreshold
	}
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Promoter{store: store, chain: chain, exec: exec, threshold: threshold, batch: batch}
}

// Promote 每轮只查一次链上高度；单条记录出错不影响其它记录
func (p *Promoter) Promote(ctx context.Context) (int, error) {
	recs, err := p.store.ListByStatus(ctx, domain.StatusPendingFinality, p.batch)
	if err != nil {
		return 0, err
	}

	promoted := 0
	if len(recs) > 0 {
		current, err := p.chain.CurrentSlot(ctx)
		if err != nil {
			return 0, err
		}
		for _, rec := range recs {
			if ctx.Err() != nil {
				return promoted, ctx.Err()
			}
			if p.promote(ctx, rec, current) {
				promoted++
			}
		}
	}

	p.executeOrphans(ctx)
	return promoted, nil
}

func (p *Promoter) promote(ctx context.Context, rec *domain.PaymentRecord, current uint64) bool {
	if rec.EventSlot == 0 {
		logger.Warn(ctx, "记录 slot 非法，永不晋升", zap.String("id", rec.ID))
		return false
	}
	// current < EventSlot 说明节点落后，当作深度不足
	if current < rec.EventSlot || current-rec.EventSlot < p.threshold {
		return false
	}

	err := p.store.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{To: domain.StatusPending})
	if err != nil {
		if !errors.Is(err, domain.ErrTransitionRejected) {
			logger.Error(ctx, "晋升失败", zap.String("id", rec.ID), zap.Error(err))
		}
		return false
	}
	metrics.RecordsPromoted.Inc()
	logger.Info(ctx, "⛓️ 已最终确认", zap.String("id", rec.ID),
		zap.Uint64("event_slot", rec.EventSlot), zap.Uint64("current_slot", current))

	rec.Status = domain.StatusPending
	if err := p.exec.Execute(ctx, rec); err != nil {
		logger.Error(ctx, "结算执行失败", zap.String("id", rec.ID), zap.Error(err))
	}
	return true
}

// executeOrphans 晋升后、执行前进程挂掉会留下 pending，这里补上
func (p *Promoter) executeOrphans(ctx context.Context) {
	recs, err := p.store.ListByStatus(ctx, domain.StatusPending, p.batch)
	if err != nil {
		logger.Error(ctx, "查询 pending 记录失败", zap.Error(err))
		return
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if err := p.exec.Execute(ctx, rec); err != nil {
			logger.Error(ctx, "结算执行失败", zap.String("id", rec.ID), zap.Error(err))
		}
	}
}
