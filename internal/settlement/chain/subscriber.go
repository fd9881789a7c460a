package chain

import (
	"context"
	"fmt"

	"blinkpay.com/internal/settlement/domain"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// Subscriber logsSubscribe(mentions=program)；每次 Subscribe 新建一条 ws 连接
type Subscriber struct {
	endpoint   string
	program    solana.PublicKey
	commitment rpc.CommitmentType
}

var _ domain.LogSubscriber = (*Subscriber)(nil)

func NewSubscriber(wsEndpoint string, program solana.PublicKey, commitment rpc.CommitmentType) *Subscriber {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &Subscriber{endpoint: wsEndpoint, program: program, commitment: commitment}
}

func (s *Subscriber) Subscribe(ctx context.Context) (domain.LogStream, error) {
	client, err := ws.Connect(ctx, s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("ws connect %s: %w", s.endpoint, err)
	}
	sub, err := client.LogsSubscribeMentions(s.program, s.commitment)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("logs subscribe %s: %w", s.program, err)
	}
	return &logStream{client: client, sub: sub}, nil
}

type logStream struct {
	client *ws.Client
	sub    *ws.LogSubscription
}

func (l *logStream) Recv(ctx context.Context) (*domain.LogBatch, error) {
	res, err := l.sub.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("logs subscription closed")
	}
	return &domain.LogBatch{
		Signature: res.Value.Signature.String(),
		Slot:      res.Context.Slot,
		Failed:    res.Value.Err != nil,
		Logs:      res.Value.Logs,
	}, nil
}

func (l *logStream) Close() {
	l.sub.Unsubscribe()
	l.client.Close()
}
