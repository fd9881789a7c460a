package engine

import (
	"context"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/logger"
	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 50
	historyCursorName   = "meter_paid_history"
)

// Scanner 启动时回补订阅断开期间漏掉的交易
type Scanner struct {
	chain    domain.Chain
	cursors  domain.CursorStore
	ingestor *Ingestor
	limit    int
}

func NewScanner(chain domain.Chain, cursors domain.CursorStore, ingestor *Ingestor, limit int) *Scanner {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Scanner{chain: chain, cursors: cursors, ingestor: ingestor, limit: limit}
}

// Scan 从水位线之后（没有则最近 limit 笔）由旧到新处理；
// 水位线只推进到连续处理成功的最新一笔，失败的交易下次还会再扫到
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	cur, err := s.cursors.LoadCursor(ctx, historyCursorName)
	if err != nil {
		return 0, err
	}
	until := ""
	if cur != nil {
		until = cur.Signature
	}

	sigs, err := s.collect(ctx, until)
	if err != nil {
		return 0, err
	}
	if len(sigs) == 0 {
		return 0, nil
	}
	if cur == nil && len(sigs) >= s.limit {
		logger.Warn(ctx, "首次回补只覆盖最近的交易", zap.Int("limit", s.limit))
	}

	var (
		examined int
		advance  *domain.SignatureInfo
		blocked  bool
	)
	for idx := len(sigs) - 1; idx >= 0; idx-- {
		if ctx.Err() != nil {
			break
		}
		sig := sigs[idx]
		if !sig.Failed {
			if err := s.examine(ctx, sig.Signature); err != nil {
				logger.Error(ctx, "回补交易失败，跳过", zap.String("signature", sig.Signature), zap.Error(err))
				blocked = true
				continue
			}
		}
		examined++
		if !blocked {
			advance = &sigs[idx]
		}
	}

	if advance != nil {
		if err := s.cursors.SaveCursor(ctx, &domain.ScanCursor{
			Name:      historyCursorName,
			Signature: advance.Signature,
			Slot:      advance.Slot,
		}); err != nil {
			return examined, err
		}
	}
	logger.Info(ctx, "历史回补完成", zap.Int("signatures", len(sigs)), zap.Int("examined", examined))
	return examined, nil
}

// collect 有水位线时按页往回翻，直到碰到水位线或历史到头；没有水位线只取最近一页
func (s *Scanner) collect(ctx context.Context, until string) ([]domain.SignatureInfo, error) {
	var (
		all    []domain.SignatureInfo
		before string
	)
	for {
		page, err := s.chain.RecentSignatures(ctx, s.limit, before, until)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if until == "" || len(page) < s.limit {
			return all, nil
		}
		before = page[len(page)-1].Signature
		logger.Debug(ctx, "水位线之后超过一页，继续往回翻", zap.String("before", before), zap.Int("collected", len(all)))
	}
}

func (s *Scanner) examine(ctx context.Context, signature string) error {
	batch, err := s.chain.TransactionLogs(ctx, signature)
	if err != nil {
		return err
	}
	return s.ingestor.HandleBatch(ctx, batch, domain.SourceHistory)
}
