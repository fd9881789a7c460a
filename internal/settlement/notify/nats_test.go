package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"blinkpay.com/internal/settlement/domain"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCredit() *domain.Credit {
	return &domain.Credit{
		ID:           "c-1",
		PaymentID:    "p-1",
		PayerChainID: "agent",
		PayeeChainID: "meter",
		Amount:       42,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode(sampleCredit())
	require.NoError(t, err)

	var got CreditIssued
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "c-1", got.CreditID)
	assert.Equal(t, "p-1", got.PaymentID)
	assert.EqualValues(t, 42, got.Amount)
	assert.True(t, got.IssuedAt.Equal(sampleCredit().CreatedAt))
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.CreditIssued(context.Background(), sampleCredit()))
}

// 需要本地 nats-server：SETTLEMENT_TEST_NATS_URL=nats://127.0.0.1:4222
func TestNatsNotifier_Publish(t *testing.T) {
	url := os.Getenv("SETTLEMENT_TEST_NATS_URL")
	if url == "" {
		t.Skip("SETTLEMENT_TEST_NATS_URL not set")
	}
	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(DefaultSubject, ch)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	n, err := NewNats(url, "")
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.CreditIssued(context.Background(), sampleCredit()))

	select {
	case m := <-ch:
		var got CreditIssued
		require.NoError(t, json.Unmarshal(m.Data, &got))
		assert.Equal(t, "c-1", got.CreditID)
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
}
