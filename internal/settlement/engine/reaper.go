package engine

import (
	"context"
	"time"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/logger"
	"blinkpay.com/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const DefaultStuckTimeout = 60 * time.Second

// Reaper processing 超时的记录交回 Executor.Resume；failed 永远不会被捞出来
type Reaper struct {
	store   domain.Store
	exec    *Executor
	clock   clockwork.Clock
	timeout time.Duration
	batch   int
}

func NewReaper(store domain.Store, exec *Executor, clock clockwork.Clock, timeout time.Duration, batch int) *Reaper {
	if timeout <= 0 {
		timeout = DefaultStuckTimeout
	}
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Reaper{store: store, exec: exec, clock: clock, timeout: timeout, batch: batch}
}

func (r *Reaper) Reap(ctx context.Context) (int, error) {
	staleBefore := r.clock.Now().Add(-r.timeout)
	recs, err := r.store.ListStuck(ctx, staleBefore, r.batch)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		logger.Warn(ctx, "回收卡单", zap.String("id", rec.ID), zap.Time("updated_at", rec.UpdatedAt), zap.Int("attempts", rec.Attempts))
		metrics.RecordsReaped.Inc()
		if err := r.exec.Resume(ctx, rec, staleBefore); err != nil {
			logger.Error(ctx, "卡单重提失败", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	return len(recs), nil
}
