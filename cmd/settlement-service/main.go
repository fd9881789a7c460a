package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	settlementcfg "blinkpay.com/internal/settlement/config"
	"blinkpay.com/internal/settlement/chain"
	"blinkpay.com/internal/settlement/directory"
	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/internal/settlement/engine"
	settlementhttp "blinkpay.com/internal/settlement/http"
	"blinkpay.com/internal/settlement/ledger"
	"blinkpay.com/internal/settlement/ledger/circle"
	"blinkpay.com/internal/settlement/notify"
	"blinkpay.com/internal/settlement/repo/mysql"
	"blinkpay.com/pkg/config"
	"blinkpay.com/pkg/logger"
	"blinkpay.com/pkg/metrics"
	"blinkpay.com/pkg/orm"
	"blinkpay.com/pkg/ratelimit"
	"blinkpay.com/pkg/safe"
	"blinkpay.com/pkg/trace"
	"blinkpay.com/pkg/xredis"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	// ========= 0) 全局上下文 & 优雅退出 =========
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Error(context.Background(), "settlement-service exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(ctx context.Context) error {
	// ========= 1) 配置 + 日志 =========
	cfg := &settlementcfg.Cfg{}
	v, err := config.Load(settlementcfg.ServiceName, cfg, settlementcfg.Defaults())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	initLogger(cfg)
	// 只有日志级别支持热更新，其它改动需要重启
	config.Watch(v, settlementcfg.ServiceName, func(v *viper.Viper) {
		lvl := v.GetString("log.level")
		logger.SetLevel(lvl)
		logger.Info(ctx, "log level reloaded", zap.String("level", lvl))
	})
	logger.Info(ctx, "服务开始启动", zap.String("name", cfg.Name))

	var bg safe.Group
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	// ========= 2) MySQL =========
	db, sqlDB, err := orm.NewMySQL(ctx, cfg.Db)
	if err != nil {
		return fmt.Errorf("init mysql: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()
	if err := mysql.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	bg.Go(bgCtx, func(ctx context.Context) { metrics.ReportDBStats(ctx, sqlDB, 5*time.Second) })

	// ========= 3) Redis（可选） =========
	var (
		rdb    *redis.Client
		leader *xredis.Leader
	)
	if cfg.Redis.Addr != "" {
		rdb, err = xredis.NewRedis(ctx, cfg.Redis.Config)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		bg.Go(bgCtx, func(ctx context.Context) { metrics.ReportRedisStats(ctx, rdb, 5*time.Second) })
		leader = xredis.NewLeader(rdb, cfg.Redis.LeaderKey, cfg.Redis.LeaderTTL)
		defer func() { _ = leader.Release(context.Background()) }()
	}

	// ========= 4) OpenTelemetry =========
	if cfg.OTel.Enabled {
		shutdownTracer, err := trace.InitTrace(ctx, cfg.Name, cfg.OTel.Addr, cfg.OTel.SampleRatio)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(c); err != nil {
				logger.Error(c, "shutdown tracer error", zap.Error(err))
			}
		}()
	}

	// ========= 5) 依赖组装 =========
	clock := clockwork.NewRealClock()
	repo := mysql.New(db, clock)

	program, err := solana.PublicKeyFromBase58(cfg.Solana.ProgramID)
	if err != nil {
		return fmt.Errorf("solana.program_id: %w", err)
	}
	commitment := rpc.CommitmentType(cfg.Solana.Commitment)
	chainClient := chain.NewClient(chain.RPCConfig{
		Endpoint:   cfg.Solana.RPCURL,
		Program:    program,
		Commitment: commitment,
		Rate:       cfg.Solana.RPCRate,
		Burst:      cfg.Solana.RPCBurst,
	})
	subscriber := chain.NewSubscriber(cfg.Solana.WSURL, program, commitment)

	var dir domain.Directory = repo
	if cfg.Solana.MeterSource == "chain" {
		dir = directory.NewChainMeterDirectory(chainClient, repo)
	}
	if rdb != nil {
		dir = directory.NewCachedDirectory(dir, rdb, cfg.Redis.CacheTTL)
	}

	circleClient, err := circle.New(cfg.Circle)
	if err != nil {
		return fmt.Errorf("init circle: %w", err)
	}
	guarded := ledger.NewGuarded(circleClient, cfg.Breaker)

	var notifier domain.Notifier = notify.Noop{}
	if cfg.Nats.URL != "" {
		n, err := notify.NewNats(cfg.Nats.URL, cfg.Nats.Subject)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer func() { _ = n.Close() }()
		notifier = n
	}

	s := cfg.Settlement
	ingestor := engine.NewIngestor(repo, dir, chain.NewDecoder(program))
	scanner := engine.NewScanner(chainClient, repo, ingestor, s.HistoryLimit)
	executor := engine.NewExecutor(repo, guarded, notifier, clock, engine.ExecutorConfig{
		MaxAttempts:   s.MaxAttempts,
		LedgerTimeout: s.LedgerTimeout,
	})
	promoter := engine.NewPromoter(repo, chainClient, executor, s.FinalityThreshold, s.BatchSize)
	reaper := engine.NewReaper(repo, executor, clock, s.StuckTimeout, s.BatchSize)

	var lock engine.LeaderLock
	if leader != nil {
		lock = leader
	}
	sweeper := engine.NewSweeper(promoter, reaper, lock, clock, s.SweepInterval)

	// ========= 6) 启动：sweeper -> listener -> http =========
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Error(context.Background(), "stop sweeper", zap.Error(err))
		}
	}()

	listener, err := engine.StartListener(ctx, engine.ListenerDeps{
		Subscriber: subscriber,
		Ingestor:   ingestor,
		Scanner:    scanner,
		Clock:      clock,
	})
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := listener.Stop(c); err != nil {
			logger.Error(c, "stop listener", zap.Error(err))
		}
	}()

	var limiter *ratelimit.Store
	if cfg.HTTP.RateLimit > 0 {
		limiter = ratelimit.NewStore(rate.Limit(cfg.HTTP.RateLimit), cfg.HTTP.RateBurst, 10*time.Minute)
		limiter.StartJanitor(bgCtx, time.Minute)
	}
	router := settlementhttp.NewRouter(settlementhttp.Deps{
		Service: cfg.Name,
		Store:   repo,
		Credits: repo,
		Ledger:  guarded,
		Limiter: limiter,
		Ready:   sqlDB.PingContext,
		Metrics: true,
	})
	apiSrv := settlementhttp.NewServer(cfg.HTTP.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(ctx, "http listening", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.HTTP.PprofAddr != "" {
		debugSrv := newDebugServer(cfg.HTTP.PprofAddr)
		g.Go(func() error {
			if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return shutdown(debugSrv)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(apiSrv)
	})

	err = g.Wait()
	logger.Info(context.Background(), "🛑 shutting down")
	cancelBg()
	return errors.Join(err, waitBg(&bg))
}

func initLogger(cfg *settlementcfg.Cfg) {
	logger.InitWithFile(cfg.Name, cfg.Log.Level, logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

// newDebugServer pprof + 独立的 /metrics
func newDebugServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
}

func shutdown(srv *http.Server) error {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

func waitBg(g *safe.Group) error {
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return g.Wait(c)
}
