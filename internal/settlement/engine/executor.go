package engine

import (
	"context"
	"errors"
	"time"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/logger"
	"blinkpay.com/pkg/metrics"
	"blinkpay.com/pkg/xerr"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts   = 5
	DefaultLedgerTimeout = 20 * time.Second

	budgetExhausted = "retry budget exhausted"
)

type ExecutorConfig struct {
	MaxAttempts   int
	LedgerTimeout time.Duration
}

// Executor pending -> processing -> succeeded / failed；同一去重键永远用同一个幂等键
type Executor struct {
	store    domain.Store
	ledger   domain.Ledger
	notifier domain.Notifier
	clock    clockwork.Clock
	cfg      ExecutorConfig
	tracer   trace.Tracer
}

func NewExecutor(store domain.Store, ledger domain.Ledger, notifier domain.Notifier, clock clockwork.Clock, cfg ExecutorConfig) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = DefaultLedgerTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Executor{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		tracer:   otel.Tracer("blinkpay.com/settlement/executor"),
	}
}

// available 熔断打开时不抢单，记录留在原状态
func (e *Executor) available() bool {
	r, ok := e.ledger.(domain.AvailabilityReporter)
	return !ok || r.Available()
}

// Execute 抢到 pending 才提交转账；抢不到说明别人已经在做
func (e *Executor) Execute(ctx context.Context, rec *domain.PaymentRecord) error {
	ctx, span := e.startSpan(ctx, "settlement.execute", rec)
	defer span.End()

	if !e.available() {
		metrics.Settlements.WithLabelValues("deferred").Inc()
		logger.Debug(ctx, "账本熔断中，暂缓结算", zap.String("id", rec.ID))
		return nil
	}
	if err := e.store.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{To: domain.StatusProcessing}); err != nil {
		if errors.Is(err, domain.ErrTransitionRejected) {
			metrics.Settlements.WithLabelValues("skipped").Inc()
			return nil
		}
		return e.spanErr(span, err)
	}
	return e.spanErr(span, e.submit(ctx, rec))
}

// Resume 回收卡在 processing 的记录；updated_at 守卫保证只有一个调用者抢到
func (e *Executor) Resume(ctx context.Context, rec *domain.PaymentRecord, staleBefore time.Time) error {
	ctx, span := e.startSpan(ctx, "settlement.resume", rec)
	defer span.End()

	if !e.available() {
		metrics.Settlements.WithLabelValues("deferred").Inc()
		return nil
	}
	err := e.store.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{To: domain.StatusProcessing, StaleBefore: staleBefore})
	if err != nil {
		if errors.Is(err, domain.ErrTransitionRejected) {
			metrics.Settlements.WithLabelValues("skipped").Inc()
			return nil
		}
		return e.spanErr(span, err)
	}

	// 先确认之前是否其实已经转成功了
	if f, ok := e.ledger.(domain.TransferFinder); ok {
		lctx, cancel := e.ledgerContext(ctx)
		tr, found, ferr := f.FindTransfer(lctx, e.request(rec))
		cancel()
		switch {
		case ferr != nil:
			logger.Warn(ctx, "查询已有转账失败，按原幂等键重提", zap.String("id", rec.ID), zap.Error(ferr))
		case found:
			logger.Info(ctx, "♻️ 转账已存在，直接完成", zap.String("id", rec.ID), zap.String("transfer", tr.ID))
			return e.spanErr(span, e.complete(ctx, rec, tr))
		}
	}

	// Attempts 是本次抢占之前已经提交过的次数
	if rec.Attempts >= e.cfg.MaxAttempts {
		logger.Error(ctx, "重试次数耗尽", zap.String("id", rec.ID), zap.Int("attempts", rec.Attempts))
		return e.spanErr(span, e.fail(ctx, rec, budgetExhausted))
	}
	return e.spanErr(span, e.submit(ctx, rec))
}

func (e *Executor) request(rec *domain.PaymentRecord) domain.TransferRequest {
	return domain.TransferRequest{
		From:           rec.PayerAccountRef,
		To:             rec.PayeeAccountRef,
		Amount:         rec.Amount,
		IdempotencyKey: rec.DedupKey,
	}
}

// ledgerContext 退出信号不打断已经发出的转账
func (e *Executor) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.LedgerTimeout)
}

func (e *Executor) submit(ctx context.Context, rec *domain.PaymentRecord) error {
	lctx, cancel := e.ledgerContext(ctx)
	defer cancel()

	start := e.clock.Now()
	tr, err := e.ledger.Transfer(lctx, e.request(rec))
	metrics.SettlementDuration.Observe(e.clock.Since(start).Seconds())

	if err != nil {
		if xerr.IsUnavailable(err) {
			// 请求没发出：留在 processing，超时后由 reaper 用同一个键重提
			metrics.Settlements.WithLabelValues("deferred").Inc()
			logger.Warn(ctx, "账本熔断，转账未发出", zap.String("id", rec.ID))
			return nil
		}
		logger.Error(ctx, "❌ 转账失败", zap.String("id", rec.ID),
			zap.Bool("permanent", xerr.IsPermanent(err)), zap.Error(err))
		if ferr := e.fail(lctx, rec, err.Error()); ferr != nil {
			return ferr
		}
		return err
	}
	return e.complete(lctx, rec, tr)
}

func (e *Executor) complete(ctx context.Context, rec *domain.PaymentRecord, tr domain.Transfer) error {
	credit := domain.NewCreditFor(rec, uuid.NewString(), e.clock.Now().UTC().Truncate(time.Microsecond))
	if err := e.store.CompleteSettlement(context.WithoutCancel(ctx), rec.ID, tr.ID, credit); err != nil {
		// 转账已经成功：留在 processing，reaper 通过 FindTransfer 补完
		logger.Error(ctx, "转账成功但落库失败", zap.String("id", rec.ID), zap.String("transfer", tr.ID), zap.Error(err))
		return err
	}
	metrics.Settlements.WithLabelValues("succeeded").Inc()
	logger.Info(ctx, "✅ 结算成功", zap.String("id", rec.ID), zap.String("transfer", tr.ID), zap.Int64("amount", rec.Amount))

	if e.notifier != nil {
		if err := e.notifier.CreditIssued(ctx, credit); err != nil {
			logger.Warn(ctx, "额度通知发送失败", zap.String("credit", credit.ID), zap.Error(err))
		}
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, rec *domain.PaymentRecord, msg string) error {
	err := e.store.UpdateStatus(context.WithoutCancel(ctx), rec.ID, domain.StatusUpdate{To: domain.StatusFailed, ErrorMessage: msg})
	if err != nil && !errors.Is(err, domain.ErrTransitionRejected) {
		return err
	}
	metrics.Settlements.WithLabelValues("failed").Inc()
	return nil
}

func (e *Executor) startSpan(ctx context.Context, name string, rec *domain.PaymentRecord) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("settlement.id", rec.ID),
		attribute.String("settlement.dedup_key", rec.DedupKey),
		attribute.Int64("settlement.amount", rec.Amount),
	))
}

func (e *Executor) spanErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
