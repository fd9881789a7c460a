package chain

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const merchantWalletIDMax = 64

// MeterAccount 链上 #[account] Meter
type MeterAccount struct {
	Authority           solana.PublicKey
	PricePerCall        uint64
	Category            uint8
	MerchantWalletID    [merchantWalletIDMax]byte
	MerchantWalletIDLen uint8
	RequiresZK          bool
	Bump                uint8
}

// WalletID 按长度字段截取商户托管钱包 ID
func (m *MeterAccount) WalletID() string {
	n := int(m.MerchantWalletIDLen)
	if n > merchantWalletIDMax {
		n = merchantWalletIDMax
	}
	return string(m.MerchantWalletID[:n])
}

func DecodeMeterAccount(data []byte) (*MeterAccount, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], meterAccountDiscriminator[:]) {
		return nil, fmt.Errorf("not a Meter account")
	}
	var m MeterAccount
	if err := bin.NewBorshDecoder(data[8:]).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: Meter account: %v", ErrTruncated, err)
	}
	if m.MerchantWalletIDLen == 0 || int(m.MerchantWalletIDLen) > merchantWalletIDMax {
		return nil, fmt.Errorf("meter account: bad merchant_wallet_id_len %d", m.MerchantWalletIDLen)
	}
	return &m, nil
}

// EncodeMeterAccount 与链上布局一致的序列化，便于本地构造账户数据
func EncodeMeterAccount(m *MeterAccount) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(meterAccountDiscriminator[:])
	if err := bin.NewBorshEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
