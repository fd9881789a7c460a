package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/logger"
	"blinkpay.com/pkg/metrics"
	"blinkpay.com/pkg/safe"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type ListenerDeps struct {
	Subscriber domain.LogSubscriber
	Ingestor   *Ingestor
	Scanner    *Scanner
	Clock      clockwork.Clock

	// 重连退避，默认 1s 起步、封顶 30s
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// ListenerHandle 订阅循环的句柄；Stop 可重复调用
type ListenerHandle struct {
	cancel context.CancelFunc
	group  safe.Group
	once   sync.Once
}

// StartListener 订阅生效之后才做历史回补，中间落下的事件靠去重兜住；
// 首次订阅有结果（成功并回补完，或失败转入后台重试）才返回
func StartListener(ctx context.Context, deps ListenerDeps) (*ListenerHandle, error) {
	if deps.Subscriber == nil || deps.Ingestor == nil {
		return nil, errors.New("listener: subscriber and ingestor are required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.MinBackoff <= 0 {
		deps.MinBackoff = time.Second
	}
	if deps.MaxBackoff <= 0 {
		deps.MaxBackoff = 30 * time.Second
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &ListenerHandle{cancel: cancel}
	first := make(chan struct{})
	h.group.Go(loopCtx, func(ctx context.Context) {
		runSubscription(ctx, deps, first)
	})

	select {
	case <-first:
	case <-ctx.Done():
	}
	return h, nil
}

// Stop 取消订阅并等待循环退出
func (h *ListenerHandle) Stop(ctx context.Context) error {
	h.once.Do(h.cancel)
	return h.group.Wait(ctx)
}

// runSubscription 每次（重新）订阅成功后先回补一次水位线之后的历史，再消费实时流
func runSubscription(ctx context.Context, deps ListenerDeps, first chan<- struct{}) {
	var once sync.Once
	started := func() { once.Do(func() { close(first) }) }
	defer started()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = deps.MinBackoff
	bo.MaxInterval = deps.MaxBackoff

	logger.Info(ctx, "📡 Listener started")
	defer logger.Info(ctx, "🛑 Listener stopped")

	for ctx.Err() == nil {
		stream, err := deps.Subscriber.Subscribe(ctx)
		if err != nil {
			logger.Warn(ctx, "订阅失败", zap.Error(err))
			started()
			if !wait(ctx, deps.Clock, bo) {
				return
			}
			continue
		}
		bo.Reset()

		catchUp(ctx, deps.Scanner)
		started()

		err = consume(ctx, stream, deps.Ingestor)
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warn(ctx, "订阅中断，准备重连", zap.Error(err))
		if !wait(ctx, deps.Clock, bo) {
			return
		}
	}
}

func catchUp(ctx context.Context, scanner *Scanner) {
	if scanner == nil {
		return
	}
	n, err := scanner.Scan(ctx)
	if err != nil {
		logger.Error(ctx, "历史回补失败，下次重连再补", zap.Error(err))
		return
	}
	logger.Info(ctx, "历史回补", zap.Int("examined", n))
}

// consume 入库出现可重试错误时断开重连：重连后的回补会从水位线重新扫到这笔交易
func consume(ctx context.Context, stream domain.LogStream, ingestor *Ingestor) error {
	for {
		batch, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		if err := ingestor.HandleBatch(ctx, batch, domain.SourceLive); err != nil {
			return fmt.Errorf("ingest %s: %w", batch.Signature, err)
		}
	}
}

func wait(ctx context.Context, clock clockwork.Clock, bo *backoff.ExponentialBackOff) bool {
	metrics.ListenerReconnects.Inc()
	d := bo.NextBackOff()
	if d <= 0 {
		d = bo.MaxInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}
