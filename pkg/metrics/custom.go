package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blinkpay"

var (
	// source: live / history；result: created / duplicate / rejected / unknown_identity / error
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "events_ingested_total",
		Help:      "MeterPaid events seen by the ingestor, by outcome.",
	}, []string{"source", "result"})

	RecordsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "records_promoted_total",
		Help:      "Records moved from pending_finality to pending.",
	})

	// result: succeeded / failed / deferred / skipped
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "settlements_total",
		Help:      "Settlement executor outcomes.",
	}, []string{"result"})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "settlement_duration_seconds",
		Help:      "Latency of a ledger transfer round trip.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms ~ 20s
	})

	RecordsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "records_reaped_total",
		Help:      "Stuck processing records handed back to the executor.",
	})

	ListenerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "listener_reconnects_total",
		Help:      "Live log subscription reconnect attempts.",
	})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of promoter and reaper sweeps.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"phase"})

	CBRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_reject_total",
		Help:      "Total number of circuit breaker rejections.",
	}, []string{"name", "reason"})

	// 0 closed / 1 half_open / 2 open
	CBState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_state",
		Help:      "Circuit breaker state.",
	}, []string{"name"})
)
