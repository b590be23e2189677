package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	balancePersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reward_ledger",
		Subsystem: "persistence",
		Name:      "last_balance_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent balance write to Postgres.",
	})
	historyAppendGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reward_ledger",
		Subsystem: "persistence",
		Name:      "last_history_appended_timestamp_seconds",
		Help:      "Unix timestamp of the most recent history record appended.",
	})
	applyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reward_ledger",
		Subsystem: "ledger",
		Name:      "applies_total",
		Help:      "Ledger mutations by outcome (ok, degraded, rejected).",
	}, []string{"outcome"})
	degradedWriteCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reward_ledger",
		Subsystem: "ledger",
		Name:      "degraded_writes_total",
		Help:      "Best-effort writes that failed, by kind (persistence, audit).",
	}, []string{"kind"})
	feedSubscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reward_ledger",
		Subsystem: "feed",
		Name:      "active_subscriptions",
		Help:      "Number of live history feed subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(balancePersistGauge, historyAppendGauge, applyCounter, degradedWriteCounter, feedSubscribersGauge)
}

// RecordBalancePersisted updates the balance persistence watermark gauge.
func RecordBalancePersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	balancePersistGauge.Set(float64(ts.Unix()))
}

// RecordHistoryAppended updates the history watermark gauge.
func RecordHistoryAppended(ts time.Time) {
	if ts.IsZero() {
		return
	}
	historyAppendGauge.Set(float64(ts.Unix()))
}

// RecordApply counts a ledger mutation by outcome.
func RecordApply(outcome string) {
	applyCounter.WithLabelValues(outcome).Inc()
}

// RecordDegradedWrite counts a failed best-effort write.
func RecordDegradedWrite(kind string) {
	degradedWriteCounter.WithLabelValues(kind).Inc()
}

// SetFeedSubscribers publishes the current live subscription count.
func SetFeedSubscribers(n int) {
	feedSubscribersGauge.Set(float64(n))
}
