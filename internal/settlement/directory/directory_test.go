package directory

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"blinkpay.com/internal/settlement/chain"
	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/xredis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMeters map[string]*chain.MeterAccount

func (f fakeMeters) MeterAccount(_ context.Context, meter string) (*chain.MeterAccount, error) {
	if m, ok := f[meter]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", chain.ErrAccountNotFound, meter)
}

type countingDirectory struct {
	payers map[string]string
	payees map[string]domain.Payee
	calls  atomic.Int32
}

func (c *countingDirectory) ResolvePayer(_ context.Context, agent string) (string, error) {
	c.calls.Add(1)
	if ref, ok := c.payers[agent]; ok {
		return ref, nil
	}
	return "", domain.ErrUnknownIdentity
}

func (c *countingDirectory) ResolvePayee(_ context.Context, meter string) (domain.Payee, error) {
	c.calls.Add(1)
	if p, ok := c.payees[meter]; ok {
		return p, nil
	}
	return domain.Payee{}, domain.ErrUnknownIdentity
}

func TestChainMeterDirectory(t *testing.T) {
	m := &chain.MeterAccount{PricePerCall: 50000, Category: 4}
	copy(m.MerchantWalletID[:], "merchant-wallet")
	m.MerchantWalletIDLen = uint8(len("merchant-wallet"))

	d := NewChainMeterDirectory(fakeMeters{"M1": m}, &countingDirectory{payers: map[string]string{"P1": "wallet-p1"}})
	ctx := context.Background()

	payee, err := d.ResolvePayee(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, domain.Payee{AccountRef: "merchant-wallet", Category: 4, PricePerCall: 50000}, payee)

	_, err = d.ResolvePayee(ctx, "M404")
	assert.ErrorIs(t, err, domain.ErrUnknownIdentity)

	ref, err := d.ResolvePayer(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "wallet-p1", ref)
}

// 需要本地 redis：SETTLEMENT_TEST_REDIS_ADDR=127.0.0.1:6379
func TestCachedDirectory_HitsCacheAndSkipsNegative(t *testing.T) {
	addr := os.Getenv("SETTLEMENT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SETTLEMENT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := xredis.NewRedis(ctx, xredis.Config{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	agent, meter := uuid.NewString(), uuid.NewString()
	inner := &countingDirectory{
		payers: map[string]string{agent: "wallet-a"},
		payees: map[string]domain.Payee{meter: {AccountRef: "wallet-m", Category: 1, PricePerCall: 10}},
	}
	d := NewCachedDirectory(inner, rdb, time.Minute)
	t.Cleanup(func() { rdb.Del(ctx, d.prefix+"agent:"+agent, d.prefix+"meter:"+meter) })

	for i := 0; i < 3; i++ {
		ref, err := d.ResolvePayer(ctx, agent)
		require.NoError(t, err)
		assert.Equal(t, "wallet-a", ref)
		p, err := d.ResolvePayee(ctx, meter)
		require.NoError(t, err)
		assert.Equal(t, uint8(1), p.Category)
	}
	assert.Equal(t, int32(2), inner.calls.Load(), "第二次起走缓存")

	for i := 0; i < 2; i++ {
		_, err := d.ResolvePayer(ctx, "unknown-"+agent)
		assert.ErrorIs(t, err, domain.ErrUnknownIdentity)
	}
	assert.Equal(t, int32(4), inner.calls.Load(), "未注册不缓存")
}
