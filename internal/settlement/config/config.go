package config

import (
	"errors"
	"fmt"
	"time"

	"blinkpay.com/internal/settlement/ledger/circle"
	"blinkpay.com/pkg/orm"
	"blinkpay.com/pkg/ratelimit"
	"blinkpay.com/pkg/xredis"
)

const ServiceName = "settlement-service"

type Cfg struct {
	Name       string         `yaml:"name" mapstructure:"name"`
	Log        Log            `yaml:"log" mapstructure:"log"`
	Db         orm.Config     `yaml:"db" mapstructure:"db"`
	Redis      Redis          `yaml:"redis" mapstructure:"redis"`
	Solana     Solana         `yaml:"solana" mapstructure:"solana"`
	Circle     circle.Config  `yaml:"circle" mapstructure:"circle"`
	Settlement Settlement     `yaml:"settlement" mapstructure:"settlement"`
	Breaker    ratelimit.Rule `yaml:"breaker" mapstructure:"breaker"`
	Nats       Nats           `yaml:"nats" mapstructure:"nats"`
	HTTP       HTTP           `yaml:"http" mapstructure:"http"`
	OTel       OTel           `yaml:"otel" mapstructure:"otel"`
}

type Log struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"` // 空则写 logs/{name}.log
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// Redis 可选：目录缓存 + 多实例选主；Addr 为空则都关闭
type Redis struct {
	xredis.Config `yaml:",inline" mapstructure:",squash"`
	CacheTTL      time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	LeaderKey     string        `yaml:"leader_key" mapstructure:"leader_key"`
	LeaderTTL     time.Duration `yaml:"leader_ttl" mapstructure:"leader_ttl"`
}

type Solana struct {
	RPCURL     string  `yaml:"rpc_url" mapstructure:"rpc_url"`
	WSURL      string  `yaml:"ws_url" mapstructure:"ws_url"`
	ProgramID  string  `yaml:"program_id" mapstructure:"program_id"`
	Commitment string  `yaml:"commitment" mapstructure:"commitment"`
	RPCRate    float64 `yaml:"rpc_rate" mapstructure:"rpc_rate"`
	RPCBurst   int     `yaml:"rpc_burst" mapstructure:"rpc_burst"`
	// MeterSource table: 读 meters 表；chain: 读链上 Meter 账户
	MeterSource string `yaml:"meter_source" mapstructure:"meter_source"`
}

type Settlement struct {
	FinalityThreshold uint64        `yaml:"finality_threshold" mapstructure:"finality_threshold"`
	SweepInterval     time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	StuckTimeout      time.Duration `yaml:"stuck_timeout" mapstructure:"stuck_timeout"`
	HistoryLimit      int           `yaml:"history_limit" mapstructure:"history_limit"`
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size"`
	LedgerTimeout     time.Duration `yaml:"ledger_timeout" mapstructure:"ledger_timeout"`
}

type Nats struct {
	URL     string `yaml:"url" mapstructure:"url"` // 空则不发通知
	Subject string `yaml:"subject" mapstructure:"subject"`
}

type HTTP struct {
	Addr      string  `yaml:"addr" mapstructure:"addr"`
	PprofAddr string  `yaml:"pprof_addr" mapstructure:"pprof_addr"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // 每 IP+路由 每秒，<=0 关闭
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

type OTel struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Addr        string  `yaml:"addr" mapstructure:"addr"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// Defaults 交给 viper.SetDefault，配置文件和环境变量都没给时生效
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"name":      ServiceName,
		"log.level": "info",

		"db.max_idle":     10,
		"db.max_open":     50,
		"db.max_lifetime": 300,

		"redis.pool_size":  20,
		"redis.cache_ttl":  "5m",
		"redis.leader_key": "settlement:sweeper:leader",
		"redis.leader_ttl": "15s",

		"solana.program_id":   "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS",
		"solana.commitment":   "confirmed",
		"solana.rpc_rate":     10,
		"solana.rpc_burst":    5,
		"solana.meter_source": "table",

		"circle.base_url":  "https://api.circle.com",
		"circle.fee_level": "MEDIUM",
		"circle.timeout":   "15s",

		"settlement.finality_threshold": 32,
		"settlement.sweep_interval":     "5s",
		"settlement.stuck_timeout":      "60s",
		"settlement.history_limit":      50,
		"settlement.max_attempts":       5,
		"settlement.batch_size":         200,
		"settlement.ledger_timeout":     "20s",

		"breaker.max_requests":              1,
		"breaker.interval":                  "60s",
		"breaker.timeout":                   "30s",
		"breaker.trip_consecutive_failures": 5,

		"nats.subject": "settlement.credit.issued",

		"http.addr":       ":8080",
		"http.rate_limit": 50,
		"http.rate_burst": 100,

		"otel.sample_ratio": 1.0,
	}
}

func (c *Cfg) Validate() error {
	var errs []error
	s := c.Settlement
	if s.FinalityThreshold == 0 {
		errs = append(errs, errors.New("settlement.finality_threshold must be positive"))
	}
	if s.SweepInterval <= 0 {
		errs = append(errs, errors.New("settlement.sweep_interval must be positive"))
	}
	if s.StuckTimeout <= 0 {
		errs = append(errs, errors.New("settlement.stuck_timeout must be positive"))
	}
	if s.LedgerTimeout >= s.StuckTimeout {
		// 否则 reaper 可能回收一笔还在途的转账
		errs = append(errs, fmt.Errorf("settlement.ledger_timeout (%s) must be shorter than stuck_timeout (%s)", s.LedgerTimeout, s.StuckTimeout))
	}
	if c.Db.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	if c.Solana.RPCURL == "" || c.Solana.WSURL == "" {
		errs = append(errs, errors.New("solana.rpc_url and solana.ws_url are required"))
	}
	switch c.Solana.MeterSource {
	case "table", "chain":
	default:
		errs = append(errs, fmt.Errorf("solana.meter_source %q must be table or chain", c.Solana.MeterSource))
	}
	if c.Redis.Addr != "" && c.Redis.LeaderTTL <= c.Settlement.SweepInterval {
		errs = append(errs, errors.New("redis.leader_ttl must be longer than settlement.sweep_interval"))
	}
	return errors.Join(errs...)
}
