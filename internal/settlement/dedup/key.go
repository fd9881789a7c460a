package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/google/uuid"
)

const domainTag = "blinkpay/settlement/v1"

// ledgerNamespace 托管账本要求 UUID 格式的幂等键
var ledgerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://blinkpay.com/settlement/idempotency"))

// DeriveKey (payer, payee, nonce) -> 64 位 hex；字段长度前缀，避免 ("ab","c") 与 ("a","bc") 撞车
func DeriveKey(payerID, payeeID string, nonce uint64) string {
	h := sha256.New()
	writeField(h, []byte(domainTag))
	writeField(h, []byte(payerID))
	writeField(h, []byte(payeeID))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h.Write(n[:])
	return hex.EncodeToString(h.Sum(nil))
}

// LedgerKey 由去重键确定性派生的 UUIDv5，任何重放路径都得到同一个值
func LedgerKey(dedupKey string) string {
	return uuid.NewSHA1(ledgerNamespace, []byte(dedupKey)).String()
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	_, _ = h.Write(l[:])
	_, _ = h.Write(b)
}
