package domain

import "time"

// Credit 一次已付费、未消费的访问额度；每个 succeeded 记录恰好一条
type Credit struct {
	ID        string `gorm:"column:id;type:char(36);primaryKey" json:"id"`
	PaymentID string `gorm:"column:payment_id;type:char(36);uniqueIndex:uk_payment_id;not null" json:"payment_id"`
	DedupKey  string `gorm:"column:dedup_key;type:char(64);not null" json:"dedup_key"`

	PayerChainID    string `gorm:"column:payer_chain_id;type:varchar(64);not null;index:idx_pair_used,priority:1" json:"payer_chain_id"`
	PayeeChainID    string `gorm:"column:payee_chain_id;type:varchar(64);not null;index:idx_pair_used,priority:2" json:"payee_chain_id"`
	PayerAccountRef string `gorm:"column:payer_account_ref;type:varchar(64);not null" json:"payer_account_ref"`
	PayeeAccountRef string `gorm:"column:payee_account_ref;type:varchar(64);not null" json:"payee_account_ref"`
	Amount          int64  `gorm:"column:amount;not null" json:"amount"`

	Used      bool       `gorm:"column:used;not null;default:false;index:idx_pair_used,priority:3" json:"used"`
	UsedAt    *time.Time `gorm:"column:used_at;precision:6" json:"used_at,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at;precision:6;autoCreateTime:false" json:"created_at"`
}

func (Credit) TableName() string { return "settlement_credits" }

// NewCreditFor 从成功的结算记录派生额度
func NewCreditFor(rec *PaymentRecord, id string, now time.Time) *Credit {
	return &Credit{
		ID:              id,
		PaymentID:       rec.ID,
		DedupKey:        rec.DedupKey,
		PayerChainID:    rec.PayerChainID,
		PayeeChainID:    rec.PayeeChainID,
		PayerAccountRef: rec.PayerAccountRef,
		PayeeAccountRef: rec.PayeeAccountRef,
		Amount:          rec.Amount,
		CreatedAt:       now,
	}
}

// ScanCursor 历史扫描水位线
type ScanCursor struct {
	Name      string    `gorm:"column:name;type:varchar(64);primaryKey" json:"name"`
	Signature string    `gorm:"column:signature;type:varchar(96);not null" json:"signature"`
	Slot      uint64    `gorm:"column:slot;not null" json:"slot"`
	UpdatedAt time.Time `gorm:"column:updated_at;precision:6;autoUpdateTime:false" json:"updated_at"`
}

func (ScanCursor) TableName() string { return "settlement_scan_cursors" }
