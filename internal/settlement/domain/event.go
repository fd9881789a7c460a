package domain

// MeterPaidEvent 链上 MeterPaid 事件解码结果；身份是 base58 公钥
type MeterPaidEvent struct {
	Agent    string
	Meter    string
	Amount   uint64
	Category uint8 // 仅用于比对，入库以 meter 注册配置为准
	Nonce    uint64
	Slot     uint64

	Signature string
}

// LogBatch 一笔交易的日志，订阅推送和历史回补都归一成它
type LogBatch struct {
	Signature string
	Slot      uint64
	Failed    bool // 交易链上执行失败
	Logs      []string
}

// SignatureInfo 历史签名列表项（新到旧）
type SignatureInfo struct {
	Signature string
	Slot      uint64
	Failed    bool
}

// 事件来源，只用于日志和指标
const (
	SourceLive    = "live"
	SourceHistory = "history"
)
