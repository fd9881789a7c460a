package ratelimit

import (
	"errors"
	"sync"
	"time"

	"blinkpay.com/pkg/metrics"
	"github.com/sony/gobreaker/v2"
)

// ErrOpen 熔断拒绝（Open 或 Half-Open 探测名额已满），请求没有发出
var ErrOpen = errors.New("circuit breaker open")

type Rule struct {
	// Half-Open 允许通过的探测请求数
	MaxRequests uint32 `mapstructure:"max_requests" yaml:"max_requests"`
	// Closed 状态计数窗口
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// >0 启用滚动窗口
	BucketPeriod time.Duration `mapstructure:"bucket_period" yaml:"bucket_period"`
	// Open 持续时间，到期进入 Half-Open
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	TripConsecutiveFailures uint32  `mapstructure:"trip_consecutive_failures" yaml:"trip_consecutive_failures"`
	TripFailureRate         float64 `mapstructure:"trip_failure_rate" yaml:"trip_failure_rate"`
	TripMinRequests         uint32  `mapstructure:"trip_min_requests" yaml:"trip_min_requests"`
}

func (r Rule) withDefaults() Rule {
	if r.MaxRequests == 0 {
		r.MaxRequests = 1
	}
	if r.Timeout <= 0 {
		r.Timeout = 30 * time.Second
	}
	if r.Interval <= 0 {
		r.Interval = time.Minute
	}
	if r.TripConsecutiveFailures == 0 && r.TripFailureRate == 0 {
		r.TripConsecutiveFailures = 5
	}
	if r.TripMinRequests == 0 {
		r.TripMinRequests = 20
	}
	return r
}

// Classifier 返回 true 表示该错误“不代表依赖不健康”，不计入熔断失败
type Classifier func(err error) bool

// Manager 按名字懒创建熔断器
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule
	healthy     Classifier
}

func NewManager(defaultRule Rule, perName map[string]Rule, healthy Classifier) *Manager {
	if healthy == nil {
		healthy = func(err error) bool { return err == nil }
	}
	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule.withDefaults(),
		rules:       perName,
		healthy:     healthy,
	}
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[struct{}] {
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if ok {
		rule = rule.withDefaults()
	} else {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:         name,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: func(err error) bool { return m.healthy(err) },
		OnStateChange: func(name string, _ gobreaker.State, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name).Set(stateValue(to))
		},
	}
	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	metrics.CBState.WithLabelValues(name).Set(0)
	m.m[name] = cb
	return cb
}

// Do 在熔断器保护下执行 fn；熔断拒绝统一转成 ErrOpen
func (m *Manager) Do(name string, fn func() error) error {
	_, err := m.Get(name).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CBRejectTotal.WithLabelValues(name, err.Error()).Inc()
		return ErrOpen
	}
	return err
}

// Open 当前是否处于 Open（Half-Open 视为可用，允许探测）
func (m *Manager) Open(name string) bool {
	return m.Get(name).State() == gobreaker.StateOpen
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
