package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_IngestsAndAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.chain.addTx(h.batch(t, "s1", 1000, h.event(1, 1000)))
	h.chain.addTx(h.batch(t, "s2", 1001, h.event(2, 1001)))
	failed := h.batch(t, "s3", 1002, h.event(3, 1002))
	failed.Failed = true
	h.chain.addTx(failed)

	n, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	h.record(t, 1)
	h.record(t, 2)
	rec, err := h.repo.FindByDedupKey(ctx, h.key(3))
	require.NoError(t, err)
	assert.Nil(t, rec, "失败交易跳过")

	cur, err := h.repo.LoadCursor(ctx, historyCursorName)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "s3", cur.Signature)

	// 第二次只看水位线之后的
	h.chain.addTx(h.batch(t, "s4", 1003, h.event(4, 1003)))
	n, err = h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.record(t, 4)
}

func TestScan_FetchErrorHoldsCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.chain.addTx(h.batch(t, "s1", 1000, h.event(1, 1000)))
	h.chain.addTx(h.batch(t, "s2", 1001, h.event(2, 1001)))
	h.chain.addTx(h.batch(t, "s3", 1002, h.event(3, 1002)))
	h.chain.logErr["s2"] = errors.New("rpc timeout")

	n, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "单笔失败不影响其它交易")
	h.record(t, 3)

	cur, err := h.repo.LoadCursor(ctx, historyCursorName)
	require.NoError(t, err)
	assert.Equal(t, "s1", cur.Signature, "水位线停在失败交易之前")

	delete(h.chain.logErr, "s2")
	n, err = h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.record(t, 2)

	cur, err = h.repo.LoadCursor(ctx, historyCursorName)
	require.NoError(t, err)
	assert.Equal(t, "s3", cur.Signature)
}

func TestScan_PagesBackToCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.chain.addTx(h.batch(t, "s0", 999, h.event(100, 999)))
	_, err := h.scanner.Scan(ctx)
	require.NoError(t, err)

	// 水位线之后积压的交易比一页多
	const backlog = DefaultHistoryLimit + 10
	for i := uint64(1); i <= backlog; i++ {
		h.chain.addTx(h.batch(t, fmt.Sprintf("s%d", i), 1000+i, h.event(i, 1000+i)))
	}
	h.chain.pages = 0

	n, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, backlog, n)
	assert.Equal(t, 2, h.chain.pages)
	for i := uint64(1); i <= backlog; i++ {
		h.record(t, i)
	}

	cur, err := h.repo.LoadCursor(ctx, historyCursorName)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("s%d", backlog), cur.Signature)
}

func TestScan_FirstRunOnlyLatestPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := uint64(1); i <= DefaultHistoryLimit+5; i++ {
		h.chain.addTx(h.batch(t, fmt.Sprintf("s%d", i), 1000+i, h.event(i, 1000+i)))
	}
	n, err := h.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryLimit, n, "没有水位线时只回补最近一页")
	assert.Equal(t, 1, h.chain.pages)
}
