package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"blinkpay.com/internal/settlement/domain"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	programDataPrefix = "Program data: "
	// 8 discriminator + 32 agent + 32 meter + 8 amount + 1 category + 8 nonce + 8 slot
	meterPaidSize = 8 + 32 + 32 + 8 + 1 + 8 + 8
)

var (
	meterPaidDiscriminator    = anchorDiscriminator("event", "MeterPaid")
	meterAccountDiscriminator = anchorDiscriminator("account", "Meter")

	ErrTruncated = errors.New("truncated anchor payload")
)

// anchorDiscriminator Anchor 约定：sha256("<namespace>:<Name>") 前 8 字节
func anchorDiscriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// meterPaidLayout 与链上 #[event] MeterPaid 字段顺序一致（Borsh）
type meterPaidLayout struct {
	Agent    solana.PublicKey
	Meter    solana.PublicKey
	Amount   uint64
	Category uint8
	Nonce    uint64
	Slot     uint64
}

// Decoder 只认指定程序自己 emit 的 MeterPaid
type Decoder struct {
	program solana.PublicKey
}

var _ domain.EventDecoder = (*Decoder)(nil)

func NewDecoder(program solana.PublicKey) *Decoder {
	return &Decoder{program: program}
}

// Decode 逐行跟踪调用栈，只解析当前栈顶是本程序时的 "Program data:"；
// 单行解析失败不影响其它行，错误合并返回
func (d *Decoder) Decode(logs []string) ([]domain.MeterPaidEvent, error) {
	var (
		stack  []string
		events []domain.MeterPaidEvent
		errs   []error
	)
	self := d.program.String()

	for i, line := range logs {
		switch {
		case strings.HasPrefix(line, programDataPrefix):
			if len(stack) == 0 || stack[len(stack)-1] != self {
				continue
			}
			ev, ok, err := decodeMeterPaidLine(strings.TrimPrefix(line, programDataPrefix))
			if err != nil {
				errs = append(errs, fmt.Errorf("log line %d: %w", i, err))
				continue
			}
			if ok {
				events = append(events, ev)
			}
		case strings.HasPrefix(line, "Program "):
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			switch {
			case fields[2] == "invoke":
				stack = append(stack, fields[1])
			case fields[2] == "success" || fields[2] == "failed:":
				if len(stack) > 0 && stack[len(stack)-1] == fields[1] {
					stack = stack[:len(stack)-1]
				}
			}
		}
	}
	return events, errors.Join(errs...)
}

// decodeMeterPaidLine ok=false 表示是别的事件，不是错误
func decodeMeterPaidLine(data string) (domain.MeterPaidEvent, bool, error) {
	// sol_log_data 多段时用空格分隔，Anchor emit! 只有一段
	chunk := strings.Fields(data)
	if len(chunk) == 0 {
		return domain.MeterPaidEvent{}, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(chunk[0])
	if err != nil {
		return domain.MeterPaidEvent{}, false, fmt.Errorf("base64: %w", err)
	}
	if len(raw) < 8 || !bytes.Equal(raw[:8], meterPaidDiscriminator[:]) {
		return domain.MeterPaidEvent{}, false, nil
	}
	if len(raw) < meterPaidSize {
		return domain.MeterPaidEvent{}, false, fmt.Errorf("%w: MeterPaid needs %d bytes, got %d", ErrTruncated, meterPaidSize, len(raw))
	}

	var l meterPaidLayout
	if err := bin.NewBorshDecoder(raw[8:]).Decode(&l); err != nil {
		return domain.MeterPaidEvent{}, false, fmt.Errorf("borsh MeterPaid: %w", err)
	}
	return domain.MeterPaidEvent{
		Agent:    l.Agent.String(),
		Meter:    l.Meter.String(),
		Amount:   l.Amount,
		Category: l.Category,
		Nonce:    l.Nonce,
		Slot:     l.Slot,
	}, true, nil
}

// EncodeMeterPaid 组装 "Program data:" 行的 base64 载荷（测试和本地回放用）
func EncodeMeterPaid(agent, meter solana.PublicKey, amount uint64, category uint8, nonce, slot uint64) (string, error) {
	var buf bytes.Buffer
	buf.Write(meterPaidDiscriminator[:])
	l := meterPaidLayout{Agent: agent, Meter: meter, Amount: amount, Category: category, Nonce: nonce, Slot: slot}
	if err := bin.NewBorshEncoder(&buf).Encode(&l); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
