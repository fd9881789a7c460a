// Package notify 把 Credit 发放事件推给下游（网关据此放行调用）
package notify

import (
	"context"
	"time"

	"blinkpay.com/internal/settlement/domain"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
)

const DefaultSubject = "settlement.credit.issued"

// CreditIssued 线上消息体
type CreditIssued struct {
	CreditID  string    `json:"credit_id"`
	PaymentID string    `json:"payment_id"`
	Payer     string    `json:"payer"`
	Payee     string    `json:"payee"`
	Amount    int64     `json:"amount"`
	IssuedAt  time.Time `json:"issued_at"`
}

func Encode(c *domain.Credit) ([]byte, error) {
	return json.Marshal(CreditIssued{
		CreditID:  c.ID,
		PaymentID: c.PaymentID,
		Payer:     c.PayerChainID,
		Payee:     c.PayeeChainID,
		Amount:    c.Amount,
		IssuedAt:  c.CreatedAt,
	})
}

type NatsNotifier struct {
	nc      *nats.Conn
	subject string
}

var _ domain.Notifier = (*NatsNotifier)(nil)

func NewNats(url, subject string, opts ...nats.Option) (*NatsNotifier, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	opts = append([]nats.Option{nats.Name("settlement-service"), nats.MaxReconnects(-1)}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsNotifier{nc: nc, subject: subject}, nil
}

// CreditIssued at-most-once；Credit 已落库，丢消息时下游可回查
func (n *NatsNotifier) CreditIssued(_ context.Context, c *domain.Credit) error {
	b, err := Encode(c)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, b)
}

func (n *NatsNotifier) Close() error {
	if n.nc != nil {
		_ = n.nc.Flush()
		n.nc.Close()
	}
	return nil
}

// Noop 未配置 NATS 时使用
type Noop struct{}

func (Noop) CreditIssued(context.Context, *domain.Credit) error { return nil }
