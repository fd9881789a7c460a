package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"blinkpay.com/internal/settlement/chain"
	"blinkpay.com/internal/settlement/dedup"
	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/internal/settlement/repo/mysql"
	"blinkpay.com/internal/settlement/repo/sqlitetest"
	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testProgram = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

const (
	agentWallet    = "wallet-agent"
	merchantWallet = "wallet-merchant"
	pricePerCall   = 50000
)

// ---- chain ----

type fakeChain struct {
	mu        sync.Mutex
	slot      uint64
	slotErr   error
	slotCalls int
	sigs      []domain.SignatureInfo // 新到旧
	logs      map[string]*domain.LogBatch
	logErr    map[string]error
	pages     int
	calls     *callLog
}

func newFakeChain() *fakeChain {
	return &fakeChain{logs: map[string]*domain.LogBatch{}, logErr: map[string]error{}}
}

func (c *fakeChain) setSlot(s uint64) {
	c.mu.Lock()
	c.slot = s
	c.mu.Unlock()
}

func (c *fakeChain) addTx(b *domain.LogBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigs = append([]domain.SignatureInfo{{Signature: b.Signature, Slot: b.Slot, Failed: b.Failed}}, c.sigs...)
	c.logs[b.Signature] = b
}

func (c *fakeChain) CurrentSlot(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slotCalls++
	return c.slot, c.slotErr
}

func (c *fakeChain) RecentSignatures(_ context.Context, limit int, before, until string) ([]domain.SignatureInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.add("signatures")
	c.pages++
	var out []domain.SignatureInfo
	started := before == ""
	for _, s := range c.sigs {
		if !started {
			started = s.Signature == before
			continue
		}
		if s.Signature == until || len(out) >= limit {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *fakeChain) TransactionLogs(_ context.Context, sig string) (*domain.LogBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.logErr[sig]; err != nil {
		return nil, err
	}
	b, ok := c.logs[sig]
	if !ok {
		return nil, errors.New("transaction not found")
	}
	return b, nil
}

// callLog 记录跨 fake 的调用顺序，nil 时不记录
type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) add(name string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// ---- ledger ----

// fakeLedger 按幂等键去重：同一个键只会扣一次款
type fakeLedger struct {
	mu          sync.Mutex
	calls       []domain.TransferRequest
	transfers   map[string]domain.Transfer
	errs        []error
	unavailable bool
	seq         int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{transfers: map[string]domain.Transfer{}}
}

func (l *fakeLedger) failNext(errs ...error) {
	l.mu.Lock()
	l.errs = append(l.errs, errs...)
	l.mu.Unlock()
}

func (l *fakeLedger) setUnavailable(v bool) {
	l.mu.Lock()
	l.unavailable = v
	l.mu.Unlock()
}

func (l *fakeLedger) Available() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.unavailable
}

func (l *fakeLedger) Transfer(_ context.Context, req domain.TransferRequest) (domain.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, req)
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		if err != nil {
			return domain.Transfer{}, err
		}
	}
	if t, ok := l.transfers[req.IdempotencyKey]; ok {
		return t, nil
	}
	l.seq++
	t := domain.Transfer{ID: fmt.Sprintf("tx-%d", l.seq), State: "COMPLETE"}
	l.transfers[req.IdempotencyKey] = t
	return t, nil
}

func (l *fakeLedger) Balance(context.Context, string) ([]domain.Balance, error) { return nil, nil }

func (l *fakeLedger) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// settled 账本实际成功扣款的笔数
func (l *fakeLedger) settled() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transfers)
}

// findingLedger 额外支持按去重键查询已有转账
type findingLedger struct{ *fakeLedger }

func (l findingLedger) FindTransfer(_ context.Context, req domain.TransferRequest) (domain.Transfer, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.transfers[req.IdempotencyKey]
	return t, ok, nil
}

// ---- notifier ----

type fakeNotifier struct {
	mu      sync.Mutex
	credits []*domain.Credit
}

func (n *fakeNotifier) CreditIssued(_ context.Context, c *domain.Credit) error {
	n.mu.Lock()
	n.credits = append(n.credits, c)
	n.mu.Unlock()
	return nil
}

// ---- subscriber ----

type fakeStream struct {
	batches chan *domain.LogBatch
	errc    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		batches: make(chan *domain.LogBatch, 16),
		errc:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) Recv(ctx context.Context) (*domain.LogBatch, error) {
	select {
	case b := <-s.batches:
		return b, nil
	case err := <-s.errc:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() { s.once.Do(func() { close(s.closed) }) }

type subscribeResult struct {
	stream *fakeStream
	err    error
}

// fakeSubscriber 每次 Subscribe 取一个预置结果，没有就阻塞到 ctx 取消
type fakeSubscriber struct {
	results chan subscribeResult
	mu      sync.Mutex
	calls   int
	log     *callLog
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{results: make(chan subscribeResult, 8)}
}

func (s *fakeSubscriber) Subscribe(ctx context.Context) (domain.LogStream, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.log.add("subscribe")
	select {
	case r := <-s.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSubscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ---- harness ----

type harness struct {
	clock    *clockwork.FakeClock
	repo     *mysql.Repo
	chain    *fakeChain
	ledger   *fakeLedger
	notifier *fakeNotifier

	ingestor *Ingestor
	scanner  *Scanner
	exec     *Executor
	promoter *Promoter
	reaper   *Reaper
	sweeper  *Sweeper

	agent, meter solana.PublicKey
}

type harnessOpt func(*harnessConfig)

type harnessConfig struct {
	finder bool
	leader LeaderLock
}

func withFinder() harnessOpt { return func(c *harnessConfig) { c.finder = true } }

func withLeader(l LeaderLock) harnessOpt { return func(c *harnessConfig) { c.leader = l } }

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, o := range opts {
		o(&cfg)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo, db := sqlitetest.NewRepo(t, clock)
	h := &harness{
		clock:    clock,
		repo:     repo,
		chain:    newFakeChain(),
		ledger:   newFakeLedger(),
		notifier: &fakeNotifier{},
		agent:    solana.NewWallet().PublicKey(),
		meter:    solana.NewWallet().PublicKey(),
	}
	sqlitetest.SeedDirectory(t, db,
		map[string]string{h.agent.String(): agentWallet},
		map[string]mysql.MeterAccount{h.meter.String(): {MerchantWalletID: merchantWallet, Category: 1, PricePerCall: pricePerCall}},
	)

	var ledger domain.Ledger = h.ledger
	if cfg.finder {
		ledger = findingLedger{h.ledger}
	}
	h.ingestor = NewIngestor(repo, repo, chain.NewDecoder(testProgram))
	h.scanner = NewScanner(h.chain, repo, h.ingestor, 0)
	h.exec = NewExecutor(repo, ledger, h.notifier, clock, ExecutorConfig{MaxAttempts: 3, LedgerTimeout: time.Second})
	h.promoter = NewPromoter(repo, h.chain, h.exec, 0, 0)
	h.reaper = NewReaper(repo, h.exec, clock, 0, 0)
	h.sweeper = NewSweeper(h.promoter, h.reaper, cfg.leader, clock, time.Second)
	return h
}

func (h *harness) event(nonce, slot uint64) domain.MeterPaidEvent {
	return domain.MeterPaidEvent{
		Agent:     h.agent.String(),
		Meter:     h.meter.String(),
		Amount:    pricePerCall,
		Category:  1,
		Nonce:     nonce,
		Slot:      slot,
		Signature: fmt.Sprintf("sig-%d", nonce),
	}
}

// batch 构造一笔链上交易日志
func (h *harness) batch(t *testing.T, sig string, txSlot uint64, evs ...domain.MeterPaidEvent) *domain.LogBatch {
	t.Helper()
	self := testProgram.String()
	logs := []string{"Program " + self + " invoke [1]"}
	for _, ev := range evs {
		data, err := chain.EncodeMeterPaid(solana.MustPublicKeyFromBase58(ev.Agent), solana.MustPublicKeyFromBase58(ev.Meter),
			ev.Amount, ev.Category, ev.Nonce, ev.Slot)
		require.NoError(t, err)
		logs = append(logs, "Program data: "+data)
	}
	logs = append(logs, "Program "+self+" success")
	return &domain.LogBatch{Signature: sig, Slot: txSlot, Logs: logs}
}

func (h *harness) record(t *testing.T, nonce uint64) *domain.PaymentRecord {
	t.Helper()
	rec, err := h.repo.FindByDedupKey(context.Background(), h.key(nonce))
	require.NoError(t, err)
	require.NotNil(t, rec, "record for nonce %d", nonce)
	return rec
}

func (h *harness) key(nonce uint64) string {
	return dedup.DeriveKey(h.agent.String(), h.meter.String(), nonce)
}
