package engine

import (
	"context"
	"sync"
	"time"

	"blinkpay.com/pkg/logger"
	"blinkpay.com/pkg/metrics"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultSweepInterval = 5 * time.Second
	sweepJobName         = "settlement_sweep"
)

// LeaderLock 多实例部署时只有持锁者扫表；xredis.Leader 实现了它
type LeaderLock interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// Sweeper 定时跑 promoter + reaper；单例模式，上一轮没跑完就顺延
type Sweeper struct {
	promoter *Promoter
	reaper   *Reaper
	leader   LeaderLock
	clock    clockwork.Clock
	interval time.Duration

	mu    sync.Mutex
	sched gocron.Scheduler
}

// NewSweeper leader 为 nil 表示单实例
func NewSweeper(promoter *Promoter, reaper *Reaper, leader LeaderLock, clock clockwork.Clock, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{promoter: promoter, reaper: reaper, leader: leader, clock: clock, interval: interval}
}

// Tick 先晋升再回收，两步背靠背
func (s *Sweeper) Tick(ctx context.Context) {
	if s.leader != nil {
		ok, err := s.leader.TryAcquire(ctx)
		if err != nil {
			logger.Warn(ctx, "抢主失败，跳过本轮", zap.Error(err))
			return
		}
		if !ok {
			return
		}
	}

	start := s.clock.Now()
	n, err := s.promoter.Promote(ctx)
	metrics.SweepDuration.WithLabelValues("promote").Observe(s.clock.Since(start).Seconds())
	if err != nil {
		logger.Error(ctx, "晋升扫描失败", zap.Error(err))
	} else if n > 0 {
		logger.Info(ctx, "本轮晋升", zap.Int("count", n))
	}

	start = s.clock.Now()
	n, err = s.reaper.Reap(ctx)
	metrics.SweepDuration.WithLabelValues("reap").Observe(s.clock.Since(start).Seconds())
	if err != nil {
		logger.Error(ctx, "卡单扫描失败", zap.Error(err))
	} else if n > 0 {
		logger.Info(ctx, "本轮回收", zap.Int("count", n))
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		return nil
	}

	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.Tick, ctx),
		gocron.WithName(sweepJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return err
	}
	sched.Start()
	s.sched = sched
	logger.Info(ctx, "🧹 Sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop 等当前这一轮跑完再返回
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return nil
	}
	err := s.sched.Shutdown()
	s.sched = nil
	return err
}
