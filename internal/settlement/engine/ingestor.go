// Package engine 结算主流程：事件入库 -> 确认深度晋升 -> 托管转账 -> 发放额度
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"blinkpay.com/internal/settlement/dedup"
	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/logger"
	"blinkpay.com/pkg/metrics"
	"go.uber.org/zap"
)

// Ingestor 把 MeterPaid 事件变成 pending_finality 记录；重复事件静默丢弃
type Ingestor struct {
	store   domain.Store
	dir     domain.Directory
	decoder domain.EventDecoder
}

func NewIngestor(store domain.Store, dir domain.Directory, decoder domain.EventDecoder) *Ingestor {
	return &Ingestor{store: store, dir: dir, decoder: decoder}
}

// Ingest created=false 且 err=nil 表示重复；非法事件和未知身份返回对应哨兵错误，调用方丢弃即可
func (i *Ingestor) Ingest(ctx context.Context, ev domain.MeterPaidEvent, source string) (bool, error) {
	if err := validate(ev); err != nil {
		logger.Warn(ctx, "丢弃非法 MeterPaid 事件", zap.String("source", source),
			zap.String("signature", ev.Signature), zap.Error(err))
		metrics.EventsIngested.WithLabelValues(source, "rejected").Inc()
		return false, err
	}

	key := dedup.DeriveKey(ev.Agent, ev.Meter, ev.Nonce)
	existing, err := i.store.FindByDedupKey(ctx, key)
	if err != nil {
		metrics.EventsIngested.WithLabelValues(source, "error").Inc()
		return false, err
	}
	if existing != nil {
		metrics.EventsIngested.WithLabelValues(source, "duplicate").Inc()
		return false, nil
	}

	payer, err := i.dir.ResolvePayer(ctx, ev.Agent)
	if err != nil {
		return false, i.resolveFailed(ctx, ev, source, "agent", err)
	}
	payee, err := i.dir.ResolvePayee(ctx, ev.Meter)
	if err != nil {
		return false, i.resolveFailed(ctx, ev, source, "meter", err)
	}
	if payee.Category != ev.Category {
		logger.Warn(ctx, "事件 category 与 meter 注册不一致，以注册为准",
			zap.String("meter", ev.Meter), zap.Uint8("event", ev.Category), zap.Uint8("registered", payee.Category))
	}

	created, stored, err := i.store.InsertIfAbsent(ctx, &domain.PaymentRecord{
		DedupKey:        key,
		PayerChainID:    ev.Agent,
		PayeeChainID:    ev.Meter,
		PayerAccountRef: payer,
		PayeeAccountRef: payee.AccountRef,
		Amount:          int64(ev.Amount),
		Category:        payee.Category,
		Nonce:           ev.Nonce,
		EventSlot:       ev.Slot,
		TxSignature:     ev.Signature,
	})
	if err != nil {
		metrics.EventsIngested.WithLabelValues(source, "error").Inc()
		return false, err
	}
	if !created {
		metrics.EventsIngested.WithLabelValues(source, "duplicate").Inc()
		return false, nil
	}

	metrics.EventsIngested.WithLabelValues(source, "created").Inc()
	logger.Info(ctx, "📥 MeterPaid 入库",
		zap.String("source", source),
		zap.String("id", stored.ID),
		zap.String("dedup_key", key),
		zap.Uint64("slot", ev.Slot),
		zap.Int64("amount", stored.Amount))
	return true, nil
}

func (i *Ingestor) resolveFailed(ctx context.Context, ev domain.MeterPaidEvent, source, kind string, err error) error {
	if errors.Is(err, domain.ErrUnknownIdentity) {
		logger.Warn(ctx, "未注册身份，事件丢弃", zap.String("kind", kind),
			zap.String("agent", ev.Agent), zap.String("meter", ev.Meter), zap.String("signature", ev.Signature))
		metrics.EventsIngested.WithLabelValues(source, "unknown_identity").Inc()
		return err
	}
	metrics.EventsIngested.WithLabelValues(source, "error").Inc()
	return fmt.Errorf("resolve %s: %w", kind, err)
}

func validate(ev domain.MeterPaidEvent) error {
	switch {
	case ev.Slot == 0:
		return fmt.Errorf("%w: slot is zero", domain.ErrInvalidEvent)
	case ev.Amount == 0:
		return fmt.Errorf("%w: amount is zero", domain.ErrInvalidEvent)
	case ev.Amount > math.MaxInt64:
		return fmt.Errorf("%w: amount %d overflows", domain.ErrInvalidEvent, ev.Amount)
	case ev.Agent == "" || ev.Meter == "":
		return fmt.Errorf("%w: missing identity", domain.ErrInvalidEvent)
	}
	return nil
}

// Dropped 非法事件和未知身份属于丢弃，不需要重试
func Dropped(err error) bool {
	return errors.Is(err, domain.ErrInvalidEvent) || errors.Is(err, domain.ErrUnknownIdentity)
}

// HandleBatch 解码一笔交易的日志并逐个入库；只有需要重试的错误才返回
func (i *Ingestor) HandleBatch(ctx context.Context, batch *domain.LogBatch, source string) error {
	if batch == nil || batch.Failed {
		return nil
	}
	events, decErr := i.decoder.Decode(batch.Logs)
	if decErr != nil {
		logger.Warn(ctx, "日志解码部分失败", zap.String("signature", batch.Signature), zap.Error(decErr))
	}

	var retry []error
	for _, ev := range events {
		ev.Signature = batch.Signature
		if _, err := i.Ingest(ctx, ev, source); err != nil && !Dropped(err) {
			logger.Error(ctx, "事件入库失败", zap.String("signature", batch.Signature),
				zap.Uint64("nonce", ev.Nonce), zap.Error(err))
			retry = append(retry, err)
		}
	}
	return errors.Join(retry...)
}
