package chain

import (
	"context"
	"errors"
	"fmt"

	"blinkpay.com/internal/settlement/domain"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// ErrAccountNotFound 链上没有这个账户
var ErrAccountNotFound = errors.New("account not found")

type RPCConfig struct {
	Endpoint   string
	Program    solana.PublicKey
	Commitment rpc.CommitmentType
	Rate       float64 // 每秒请求数，公共节点限流很严
	Burst      int
}

// Client 授权程序相关的 RPC 读操作
type Client struct {
	rpc        *rpc.Client
	program    solana.PublicKey
	commitment rpc.CommitmentType
}

var _ domain.Chain = (*Client)(nil)

func NewClient(c RPCConfig) *Client {
	if c.Rate <= 0 {
		c.Rate = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Commitment == "" {
		c.Commitment = rpc.CommitmentConfirmed
	}
	return &Client{
		rpc:        rpc.NewWithCustomRPCClient(rpc.NewWithLimiter(c.Endpoint, rate.Limit(c.Rate), c.Burst)),
		program:    c.Program,
		commitment: c.Commitment,
	}
}

func (c *Client) Program() solana.PublicKey { return c.program }

func (c *Client) CurrentSlot(ctx context.Context) (uint64, error) {
	slot, err := c.rpc.GetSlot(ctx, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

func (c *Client) RecentSignatures(ctx context.Context, limit int, before, until string) ([]domain.SignatureInfo, error) {
	opts := &rpc.GetSignaturesForAddressOpts{Limit: &limit, Commitment: c.commitment}
	if before != "" {
		sig, err := solana.SignatureFromBase58(before)
		if err != nil {
			return nil, fmt.Errorf("parse page signature: %w", err)
		}
		opts.Before = sig
	}
	if until != "" {
		sig, err := solana.SignatureFromBase58(until)
		if err != nil {
			return nil, fmt.Errorf("parse cursor signature: %w", err)
		}
		opts.Until = sig
	}
	list, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, c.program, opts)
	if err != nil {
		return nil, fmt.Errorf("get signatures for %s: %w", c.program, err)
	}
	out := make([]domain.SignatureInfo, 0, len(list))
	for _, s := range list {
		out = append(out, domain.SignatureInfo{
			Signature: s.Signature.String(),
			Slot:      s.Slot,
			Failed:    s.Err != nil,
		})
	}
	return out, nil
}

func (c *Client) TransactionLogs(ctx context.Context, signature string) (*domain.LogBatch, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	maxVersion := uint64(0)
	tx, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}
	if tx == nil || tx.Meta == nil {
		return nil, fmt.Errorf("get transaction %s: empty meta", signature)
	}
	return &domain.LogBatch{
		Signature: signature,
		Slot:      tx.Slot,
		Failed:    tx.Meta.Err != nil,
		Logs:      tx.Meta.LogMessages,
	}, nil
}

// MeterAccount 读取并解码链上 Meter 账户，校验 owner 是授权程序
func (c *Client) MeterAccount(ctx context.Context, meter string) (*MeterAccount, error) {
	pk, err := solana.PublicKeyFromBase58(meter)
	if err != nil {
		return nil, fmt.Errorf("parse meter pubkey: %w", err)
	}
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, meter)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", meter, err)
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, meter)
	}
	if !res.Value.Owner.Equals(c.program) {
		return nil, fmt.Errorf("meter %s owned by %s, not %s", meter, res.Value.Owner, c.program)
	}
	return DecodeMeterAccount(res.Value.Data.GetBinary())
}
