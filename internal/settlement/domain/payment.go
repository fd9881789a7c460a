package domain

import "time"

type Status string

const (
	StatusPendingFinality Status = "pending_finality" // 等待确认深度
	StatusPending         Status = "pending"          // 已最终确认，待提交转账
	StatusProcessing      Status = "processing"       // 转账进行中
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
)

// predecessors 状态机只能向前走；processing -> processing 仅用于卡单回收
var predecessors = map[Status][]Status{
	StatusPending:    {StatusPendingFinality},
	StatusProcessing: {StatusPending, StatusProcessing},
	StatusSucceeded:  {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// Predecessors 允许迁移到 to 的来源状态
func Predecessors(to Status) []Status {
	return predecessors[to]
}

func CanTransition(from, to Status) bool {
	for _, s := range predecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingFinality, StatusPending, StatusProcessing, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// PaymentRecord 一笔 (payer, payee, nonce) 的结算尝试，只追加不删除
type PaymentRecord struct {
	ID       string `gorm:"column:id;type:char(36);primaryKey" json:"id"`
	DedupKey string `gorm:"column:dedup_key;type:char(64);uniqueIndex:uk_dedup_key;not null" json:"dedup_key"`

	PayerChainID    string `gorm:"column:payer_chain_id;type:varchar(64);not null" json:"payer_chain_id"`
	PayeeChainID    string `gorm:"column:payee_chain_id;type:varchar(64);not null" json:"payee_chain_id"`
	PayerAccountRef string `gorm:"column:payer_account_ref;type:varchar(64);not null" json:"payer_account_ref"`
	PayeeAccountRef string `gorm:"column:payee_account_ref;type:varchar(64);not null" json:"payee_account_ref"`

	Amount      int64  `gorm:"column:amount;not null" json:"amount"`
	Category    uint8  `gorm:"column:category;not null" json:"category"`
	Nonce       uint64 `gorm:"column:nonce;not null" json:"nonce"`
	EventSlot   uint64 `gorm:"column:event_slot;not null" json:"event_slot"`
	TxSignature string `gorm:"column:tx_signature;type:varchar(96)" json:"tx_signature"`

	Status              Status `gorm:"column:status;type:varchar(20);not null;index:idx_status_updated,priority:1" json:"status"`
	ErrorMessage        string `gorm:"column:error_message;type:varchar(512)" json:"error_message,omitempty"`
	ExternalTransferRef string `gorm:"column:external_transfer_ref;type:varchar(64)" json:"external_transfer_ref,omitempty"`
	Attempts            int    `gorm:"column:attempts;not null;default:0" json:"attempts"`

	CreatedAt time.Time `gorm:"column:created_at;precision:6;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;precision:6;autoUpdateTime:false;index:idx_status_updated,priority:2" json:"updated_at"`
}

func (PaymentRecord) TableName() string { return "settlement_payments" }

// StatusUpdate 状态迁移参数，ErrorMessage 只对 failed 生效，TransferRef 只对 succeeded 生效
type StatusUpdate struct {
	To           Status
	ErrorMessage string
	TransferRef  string
	// StaleBefore 非零时额外要求 updated_at < StaleBefore，用于回收卡单时抢占
	StaleBefore time.Time
}
