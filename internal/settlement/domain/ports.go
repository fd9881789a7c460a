package domain

import (
	"context"
	"time"
)

// Store 结算记录表；所有变更都走原子插入 / 条件更新
type Store interface {
	// InsertIfAbsent 已存在时返回 created=false 和库里那条，不是错误
	InsertIfAbsent(ctx context.Context, rec *PaymentRecord) (bool, *PaymentRecord, error)
	// UpdateStatus 条件不满足返回 ErrTransitionRejected
	UpdateStatus(ctx context.Context, id string, u StatusUpdate) error
	// FindByDedupKey 不存在返回 nil, nil
	FindByDedupKey(ctx context.Context, key string) (*PaymentRecord, error)
	FindByID(ctx context.Context, id string) (*PaymentRecord, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*PaymentRecord, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*PaymentRecord, error)
	// CompleteSettlement processing -> succeeded 并生成唯一一条 Credit，同一事务
	CompleteSettlement(ctx context.Context, id string, transferRef string, credit *Credit) error
}

type CreditStore interface {
	HasUsableCredit(ctx context.Context, payer, payee string) (bool, error)
	// ConsumeCredit 原子地消费最早的一条，没有则 ErrNoUsableCredit
	ConsumeCredit(ctx context.Context, payer, payee string) (*Credit, error)
	ListCredits(ctx context.Context, payer, payee string, onlyUsable bool) ([]*Credit, error)
}

type CursorStore interface {
	// LoadCursor 不存在返回 nil, nil
	LoadCursor(ctx context.Context, name string) (*ScanCursor, error)
	SaveCursor(ctx context.Context, c *ScanCursor) error
}

// Payee meter 的注册配置
type Payee struct {
	AccountRef   string `json:"account_ref"`
	Category     uint8  `json:"category"`
	PricePerCall uint64 `json:"price_per_call"`
}

// Directory 链上身份 -> 托管账户；未注册返回 ErrUnknownIdentity
type Directory interface {
	ResolvePayer(ctx context.Context, agent string) (string, error)
	ResolvePayee(ctx context.Context, meter string) (Payee, error)
}

type TransferRequest struct {
	From           string
	To             string
	Amount         int64
	IdempotencyKey string
}

type Transfer struct {
	ID    string
	State string
}

type Balance struct {
	WalletID string `json:"wallet_id"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
}

// Ledger 托管账本；同一 IdempotencyKey 最多扣款一次
type Ledger interface {
	Transfer(ctx context.Context, req TransferRequest) (Transfer, error)
	Balance(ctx context.Context, walletID string) ([]Balance, error)
}

// TransferFinder 可选：重提前先查是否已经转过
type TransferFinder interface {
	FindTransfer(ctx context.Context, req TransferRequest) (Transfer, bool, error)
}

// AvailabilityReporter 可选：熔断打开时返回 false
type AvailabilityReporter interface {
	Available() bool
}

// Chain 授权链的 RPC 能力
type Chain interface {
	CurrentSlot(ctx context.Context) (uint64, error)
	// RecentSignatures 新到旧；before 非空时从它之前开始，until 非空时只取比它新的
	RecentSignatures(ctx context.Context, limit int, before, until string) ([]SignatureInfo, error)
	TransactionLogs(ctx context.Context, signature string) (*LogBatch, error)
}

type LogStream interface {
	Recv(ctx context.Context) (*LogBatch, error)
	Close()
}

// LogSubscriber 订阅授权程序的日志流
type LogSubscriber interface {
	Subscribe(ctx context.Context) (LogStream, error)
}

// EventDecoder 按程序 ID + 事件布局做结构化解码
type EventDecoder interface {
	Decode(logs []string) ([]MeterPaidEvent, error)
}

type Notifier interface {
	CreditIssued(ctx context.Context, c *Credit) error
}
