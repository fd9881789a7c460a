// Package circle 是 Circle 开发者托管钱包（W3S）的转账 / 余额适配器
package circle

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"blinkpay.com/internal/settlement/dedup"
	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/xerr"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

// USDC 6 位小数
const usdcDecimals = 6

const (
	findPageSize = 50
	findMaxPages = 20
)

type Config struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	EntitySecret string        `mapstructure:"entity_secret" yaml:"entity_secret"` // 32 字节 hex
	PublicKeyPEM string        `mapstructure:"public_key_pem" yaml:"public_key_pem"`
	TokenID      string        `mapstructure:"token_id" yaml:"token_id"`
	FeeLevel     string        `mapstructure:"fee_level" yaml:"fee_level"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type Client struct {
	cfg    Config
	http   *http.Client
	pub    *rsa.PublicKey
	secret []byte

	// 钱包地址不会变，缓存起来少打一次接口
	addrMu sync.RWMutex
	addrs  map[string]string
}

var (
	_ domain.Ledger         = (*Client)(nil)
	_ domain.TransferFinder = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.circle.com"
	}
	if cfg.FeeLevel == "" {
		cfg.FeeLevel = "MEDIUM"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.APIKey == "" || cfg.TokenID == "" {
		return nil, errors.New("circle: api_key and token_id are required")
	}
	secret, err := hex.DecodeString(cfg.EntitySecret)
	if err != nil || len(secret) != 32 {
		return nil, errors.New("circle: entity_secret must be 32 bytes hex")
	}
	pub, err := parsePublicKey(cfg.PublicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		pub:    pub,
		secret: secret,
		addrs:  make(map[string]string),
	}, nil
}

func parsePublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("circle: public_key_pem is not PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("circle: parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("circle: public key is not RSA")
	}
	return pub, nil
}

// entitySecretCiphertext 每个写请求都要新生成一份（OAEP 带随机数，天然不同）
func (c *Client) entitySecretCiphertext() (string, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, c.pub, c.secret, nil)
	if err != nil {
		return "", fmt.Errorf("circle: encrypt entity secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// FormatAmount 最小单位 -> Circle 需要的十进制字符串
func FormatAmount(amount int64) string {
	return decimal.New(amount, -usdcDecimals).String()
}

type transferBody struct {
	IdempotencyKey         string   `json:"idempotencyKey"`
	EntitySecretCiphertext string   `json:"entitySecretCiphertext"`
	WalletID               string   `json:"walletId"`
	DestinationAddress     string   `json:"destinationAddress"`
	TokenID                string   `json:"tokenId"`
	Amounts                []string `json:"amounts"`
	FeeLevel               string   `json:"feeLevel"`
	RefID                  string   `json:"refId"`
}

type transaction struct {
	ID    string `json:"id"`
	State string `json:"state"`
	RefID string `json:"refId"`
}

func (c *Client) Transfer(ctx context.Context, req domain.TransferRequest) (domain.Transfer, error) {
	if req.Amount <= 0 {
		return domain.Transfer{}, xerr.New(xerr.LedgerPermanent, "amount must be positive")
	}
	dest, err := c.WalletAddress(ctx, req.To)
	if err != nil {
		return domain.Transfer{}, err
	}
	ct, err := c.entitySecretCiphertext()
	if err != nil {
		return domain.Transfer{}, err
	}
	body := transferBody{
		IdempotencyKey:         dedup.LedgerKey(req.IdempotencyKey),
		EntitySecretCiphertext: ct,
		WalletID:               req.From,
		DestinationAddress:     dest,
		TokenID:                c.cfg.TokenID,
		Amounts:                []string{FormatAmount(req.Amount)},
		FeeLevel:               c.cfg.FeeLevel,
		RefID:                  req.IdempotencyKey,
	}

	var out struct {
		Data transaction `json:"data"`
	}
	status, err := c.do(ctx, http.MethodPost, "/v1/w3s/developer/transactions/transfer", body, &out)
	if status == http.StatusConflict {
		// 同一幂等键已被使用：以账本里那笔为准
		if t, found, ferr := c.FindTransfer(ctx, req); ferr == nil && found {
			return t, nil
		}
		return domain.Transfer{}, xerr.Wrap(xerr.LedgerTransient, "idempotency conflict, original not visible yet", err)
	}
	if err != nil {
		return domain.Transfer{}, err
	}
	if out.Data.ID == "" {
		return domain.Transfer{}, xerr.New(xerr.LedgerTransient, "transfer accepted without id")
	}
	return domain.Transfer{ID: out.Data.ID, State: out.Data.State}, nil
}

// FindTransfer 在付款钱包的出账里按 refId（去重键）找已有转账；失败/取消的不算。
// 列表新到旧，用 pageAfter 往回翻，最多 findMaxPages 页
func (c *Client) FindTransfer(ctx context.Context, req domain.TransferRequest) (domain.Transfer, bool, error) {
	after := ""
	for page := 0; page < findMaxPages; page++ {
		q := url.Values{}
		q.Set("walletIds", req.From)
		q.Set("txType", "OUTBOUND")
		q.Set("pageSize", strconv.Itoa(findPageSize))
		if after != "" {
			q.Set("pageAfter", after)
		}
		var out struct {
			Data struct {
				Transactions []transaction `json:"transactions"`
			} `json:"data"`
		}
		if _, err := c.do(ctx, http.MethodGet, "/v1/w3s/transactions?"+q.Encode(), nil, &out); err != nil {
			return domain.Transfer{}, false, err
		}
		txs := out.Data.Transactions
		for _, t := range txs {
			if t.RefID != req.IdempotencyKey {
				continue
			}
			switch t.State {
			case "FAILED", "CANCELLED", "DENIED":
				continue
			}
			return domain.Transfer{ID: t.ID, State: t.State}, true, nil
		}
		if len(txs) < findPageSize {
			return domain.Transfer{}, false, nil
		}
		after = txs[len(txs)-1].ID
	}
	return domain.Transfer{}, false, xerr.New(xerr.LedgerTransient,
		fmt.Sprintf("transfer %s not found within %d pages", req.IdempotencyKey, findMaxPages))
}

func (c *Client) WalletAddress(ctx context.Context, walletID string) (string, error) {
	c.addrMu.RLock()
	addr, ok := c.addrs[walletID]
	c.addrMu.RUnlock()
	if ok {
		return addr, nil
	}

	var out struct {
		Data struct {
			Wallet struct {
				ID      string `json:"id"`
				Address string `json:"address"`
			} `json:"wallet"`
		} `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/w3s/wallets/"+url.PathEscape(walletID), nil, &out); err != nil {
		return "", err
	}
	if out.Data.Wallet.Address == "" {
		return "", xerr.New(xerr.LedgerPermanent, fmt.Sprintf("wallet %s has no address", walletID))
	}
	c.addrMu.Lock()
	c.addrs[walletID] = out.Data.Wallet.Address
	c.addrMu.Unlock()
	return out.Data.Wallet.Address, nil
}

func (c *Client) Balance(ctx context.Context, walletID string) ([]domain.Balance, error) {
	var out struct {
		Data struct {
			TokenBalances []struct {
				Token struct {
					ID     string `json:"id"`
					Symbol string `json:"symbol"`
				} `json:"token"`
				Amount string `json:"amount"`
			} `json:"tokenBalances"`
		} `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/w3s/wallets/"+url.PathEscape(walletID)+"/balances", nil, &out); err != nil {
		return nil, err
	}
	list := make([]domain.Balance, 0, len(out.Data.TokenBalances))
	for _, b := range out.Data.TokenBalances {
		token := b.Token.Symbol
		if token == "" {
			token = b.Token.ID
		}
		list = append(list, domain.Balance{WalletID: walletID, Token: token, Amount: b.Amount})
	}
	return list, nil
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do 返回 HTTP 状态码（网络错误时为 0）和已分类的错误
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, xerr.Wrap(xerr.LedgerPermanent, "encode request", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return 0, xerr.Wrap(xerr.LedgerPermanent, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, xerr.Wrap(xerr.LedgerTransient, method+" "+path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, xerr.Wrap(xerr.LedgerTransient, "read response", err)
	}

	if resp.StatusCode >= 300 {
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		return resp.StatusCode, classify(resp.StatusCode, ae)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, xerr.Wrap(xerr.LedgerTransient, "decode response", err)
		}
	}
	return resp.StatusCode, nil
}

// classify 408/429/5xx 可重试；409 交给调用方；其余 4xx 是永久拒绝
func classify(status int, ae apiError) error {
	msg := fmt.Sprintf("circle http %d code %d: %s", status, ae.Code, ae.Message)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return xerr.New(xerr.LedgerTransient, msg)
	case status == http.StatusConflict:
		return xerr.New(xerr.LedgerTransient, msg)
	default:
		return xerr.New(xerr.LedgerPermanent, msg)
	}
}
