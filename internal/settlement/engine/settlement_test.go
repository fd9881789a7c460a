package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"blinkpay.com/internal/settlement/dedup"
	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) ingest(t *testing.T, nonce, slot uint64) {
	t.Helper()
	created, err := h.ingestor.Ingest(context.Background(), h.event(nonce, slot), domain.SourceLive)
	require.NoError(t, err)
	require.True(t, created)
}

func (h *harness) credits(t *testing.T) []*domain.Credit {
	t.Helper()
	list, err := h.repo.ListCredits(context.Background(), h.agent.String(), h.meter.String(), false)
	require.NoError(t, err)
	return list
}

// 崩溃在抢单之后、转账返回之前
func (h *harness) crashAfterClaim(t *testing.T, nonce uint64) {
	t.Helper()
	ctx := context.Background()
	rec := h.record(t, nonce)
	require.NoError(t, h.repo.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{To: domain.StatusPending}))
	require.NoError(t, h.repo.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{To: domain.StatusProcessing}))
}

func TestScenarioA_FinalityThenSettle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, 7, 1000)

	h.chain.setSlot(1000)
	h.sweeper.Tick(ctx)
	assert.Equal(t, domain.StatusPendingFinality, h.record(t, 7).Status)

	h.chain.setSlot(1031)
	h.sweeper.Tick(ctx)
	assert.Equal(t, domain.StatusPendingFinality, h.record(t, 7).Status, "深度 31 还不够")
	assert.Zero(t, h.ledger.callCount())

	h.chain.setSlot(1032)
	h.sweeper.Tick(ctx)
	rec := h.record(t, 7)
	assert.Equal(t, domain.StatusSucceeded, rec.Status)
	assert.Equal(t, "tx-1", rec.ExternalTransferRef)

	credits := h.credits(t)
	require.Len(t, credits, 1)
	assert.Equal(t, rec.ID, credits[0].PaymentID)
	assert.EqualValues(t, pricePerCall, credits[0].Amount)
	assert.False(t, credits[0].Used)

	require.Equal(t, 1, h.ledger.callCount())
	call := h.ledger.calls[0]
	assert.Equal(t, domain.TransferRequest{From: agentWallet, To: merchantWallet, Amount: pricePerCall, IdempotencyKey: h.key(7)}, call)

	h.notifier.mu.Lock()
	assert.Len(t, h.notifier.credits, 1)
	h.notifier.mu.Unlock()

	// 再扫几轮什么都不会发生
	h.chain.setSlot(2000)
	h.sweeper.Tick(ctx)
	h.clock.Advance(10 * time.Minute)
	h.sweeper.Tick(ctx)
	assert.Equal(t, 1, h.ledger.callCount())
	assert.Len(t, h.credits(t), 1)
}

func TestScenarioB_LiveAndHistoryDeliverSameEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.batch(t, "sig-b", 1000, h.event(7, 1000))
	h.chain.addTx(b)
	require.NoError(t, h.ingestor.HandleBatch(ctx, b, domain.SourceLive))
	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)

	list, err := h.repo.ListByStatus(ctx, domain.StatusPendingFinality, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	h.chain.setSlot(1100)
	h.sweeper.Tick(ctx)
	h.sweeper.Tick(ctx)
	assert.Equal(t, domain.StatusSucceeded, h.record(t, 7).Status)
	assert.Len(t, h.credits(t), 1)
	assert.Equal(t, 1, h.ledger.settled())
}

func TestScenarioC_ReaperResubmitsWithSameKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, 7, 1000)
	h.crashAfterClaim(t, 7)

	// 未超时不回收
	h.clock.Advance(30 * time.Second)
	h.sweeper.Tick(ctx)
	assert.Equal(t, domain.StatusProcessing, h.record(t, 7).Status)
	assert.Zero(t, h.ledger.callCount())

	h.clock.Advance(31 * time.Second)
	h.sweeper.Tick(ctx)
	rec := h.record(t, 7)
	assert.Equal(t, domain.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, h.ledger.callCount())
	assert.Equal(t, h.key(7), h.ledger.calls[0].IdempotencyKey)
	assert.Len(t, h.credits(t), 1)
}

func TestScenarioC_TransferAlreadyDoneIsConfirmed(t *testing.T) {
	h := newHarness(t, withFinder())
	ctx := context.Background()
	h.ingest(t, 7, 1000)
	h.crashAfterClaim(t, 7)

	// 转账其实已经成功，只是进程在落库前挂了
	_, err := h.ledger.Transfer(ctx, domain.TransferRequest{From: agentWallet, To: merchantWallet, Amount: pricePerCall, IdempotencyKey: h.key(7)})
	require.NoError(t, err)

	h.clock.Advance(61 * time.Second)
	h.sweeper.Tick(ctx)

	rec := h.record(t, 7)
	assert.Equal(t, domain.StatusSucceeded, rec.Status)
	assert.Equal(t, "tx-1", rec.ExternalTransferRef)
	assert.Equal(t, 1, h.ledger.callCount(), "查到已有转账就不再重提")
	assert.Len(t, h.credits(t), 1)
}

func TestScenarioD_PermanentErrorNeverRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, 7, 1000)
	h.ledger.failNext(xerr.New(xerr.LedgerPermanent, "insufficient balance"))

	h.chain.setSlot(1032)
	h.sweeper.Tick(ctx)
	rec := h.record(t, 7)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "insufficient balance")

	for i := 0; i < 3; i++ {
		h.clock.Advance(2 * time.Minute)
		h.sweeper.Tick(ctx)
	}
	assert.Equal(t, domain.StatusFailed, h.record(t, 7).Status)
	assert.Equal(t, 1, h.ledger.callCount())
	assert.Empty(t, h.credits(t))
}

func TestExecutor_TransientErrorFails(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, 7, 1000)
	h.ledger.failNext(xerr.New(xerr.LedgerTransient, "http 503"))

	h.chain.setSlot(1032)
	h.sweeper.Tick(context.Background())
	rec := h.record(t, 7)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
}

func TestExecutor_BreakerOpenLeavesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, 7, 1000)
	h.ledger.setUnavailable(true)

	h.chain.setSlot(1032)
	h.sweeper.Tick(ctx)
	rec := h.record(t, 7)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Zero(t, h.ledger.callCount())

	// 熔断恢复后，pending 被下一轮捡起来
	h.ledger.setUnavailable(false)
	h.sweeper.Tick(ctx)
	assert.Equal(t, domain.StatusSucceeded, h.record(t, 7).Status)
	assert.Len(t, h.credits(t), 1)
}

func TestExecutor_OrphanedPendingIsExecuted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, 7, 1000)
	rec := h.record(t, 7)
	// 晋升后、执行前崩溃
	require.NoError(t, h.repo.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{To: domain.StatusPending}))

	h.sweeper.Tick(ctx)
	assert.Equal(t, domain.StatusSucceeded, h.record(t, 7).Status)
	assert.Zero(t, h.chain.slotCalls, "没有待确认记录时不查链上高度")
}

func TestExecutor_RetryBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, 7, 1000)

	// 每次都在请求发出前被熔断挡下：记录留在 processing，attempts 逐次累加
	unavailable := xerr.New(xerr.LedgerUnavailable, "open")
	h.ledger.failNext(unavailable, unavailable, unavailable)

	h.chain.setSlot(1032)
	h.sweeper.Tick(ctx)
	assert.Equal(t, domain.StatusProcessing, h.record(t, 7).Status)

	for i := 0; i < 2; i++ {
		h.clock.Advance(61 * time.Second)
		h.sweeper.Tick(ctx)
	}
	rec := h.record(t, 7)
	assert.Equal(t, domain.StatusProcessing, rec.Status)
	assert.Equal(t, 3, rec.Attempts)

	h.clock.Advance(61 * time.Second)
	h.sweeper.Tick(ctx)
	rec = h.record(t, 7)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, budgetExhausted, rec.ErrorMessage)
	assert.Equal(t, 3, h.ledger.callCount())
}

func TestExecutor_ConcurrentExecuteSingleTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, 7, 1000)
	rec := h.record(t, 7)
	require.NoError(t, h.repo.UpdateStatus(ctx, rec.ID, domain.StatusUpdate{To: domain.StatusPending}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := *rec
			_ = h.exec.Execute(ctx, &cp)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.ledger.callCount(), "同一条记录只允许一次转账")
	assert.Equal(t, domain.StatusSucceeded, h.record(t, 7).Status)
	assert.Len(t, h.credits(t), 1)
}

func TestExecutor_StatusNeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, 7, 1000)
	h.chain.setSlot(1032)
	h.sweeper.Tick(ctx)
	rec := h.record(t, 7)
	require.Equal(t, domain.StatusSucceeded, rec.Status)

	// 旧快照再跑一遍也不会重复结算
	rec.Status = domain.StatusPending
	require.NoError(t, h.exec.Execute(ctx, rec))
	require.NoError(t, h.exec.Resume(ctx, rec, h.clock.Now().Add(time.Hour)))
	assert.Equal(t, domain.StatusSucceeded, h.record(t, 7).Status)
	assert.Equal(t, 1, h.ledger.callCount())
}

func TestExecutor_DistinctNoncesDistinctKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, 1, 1000)
	h.ingest(t, 2, 1000)
	h.chain.setSlot(1100)
	h.sweeper.Tick(ctx)

	require.Equal(t, 2, h.ledger.callCount())
	keys := map[string]bool{}
	for _, c := range h.ledger.calls {
		keys[c.IdempotencyKey] = true
	}
	assert.True(t, keys[dedup.DeriveKey(h.agent.String(), h.meter.String(), 1)])
	assert.True(t, keys[dedup.DeriveKey(h.agent.String(), h.meter.String(), 2)])
	assert.Len(t, h.credits(t), 2)
}

func TestPromote_SlotErrorLeavesRecords(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, 7, 1000)
	h.chain.slotErr = assert.AnError

	_, err := h.promoter.Promote(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, domain.StatusPendingFinality, h.record(t, 7).Status)
}

func TestSweeper_SkipsWithoutLeadership(t *testing.T) {
	h := newHarness(t, withLeader(leaderFunc(func(context.Context) (bool, error) { return false, nil })))
	h.ingest(t, 7, 1000)
	h.chain.setSlot(1032)

	h.sweeper.Tick(context.Background())
	assert.Equal(t, domain.StatusPendingFinality, h.record(t, 7).Status)
	assert.Zero(t, h.chain.slotCalls)
}

type leaderFunc func(context.Context) (bool, error)

func (f leaderFunc) TryAcquire(ctx context.Context) (bool, error) { return f(ctx) }

func TestSweeper_ScheduledByClock(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, 7, 1000)
	h.chain.setSlot(1032)

	ctx := context.Background()
	require.NoError(t, h.sweeper.Start(ctx))
	t.Cleanup(func() { _ = h.sweeper.Stop() })

	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		rec, err := h.repo.FindByDedupKey(ctx, h.key(7))
		return err == nil && rec != nil && rec.Status == domain.StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.sweeper.Stop())
	assert.NoError(t, h.sweeper.Stop(), "Stop 可重复调用")
}
