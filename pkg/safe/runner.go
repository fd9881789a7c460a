package safe

import (
	"context"
	"runtime/debug"
	"sync"

	"blinkpay.com/pkg/logger"
	"go.uber.org/zap"
)

// Go 安全启动协程
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx 带 ctx 的安全协程，panic 只记录不扩散
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverPanic(ctx)
		fn(ctx)
	}()
}

// Group 可等待的一组安全协程，用于优雅退出
type Group struct {
	wg sync.WaitGroup
}

func (g *Group) Go(ctx context.Context, fn func(ctx context.Context)) {
	g.wg.Add(1)
	GoCtx(ctx, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait 等全部退出；ctx 先到期则返回 ctx.Err()
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recoverPanic(ctx context.Context) {
	if r := recover(); r != nil {
		logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
	}
}
