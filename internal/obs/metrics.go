package obs

import (
	"sync/atomic"
	"time"

	"tradecore/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	maxRejectReason = int(model.RejectDuplicate)
	maxOrderStatus  = int(model.OrderStatusFailed)
)

// Metrics collects lightweight in-process counters and latency stats, and
// mirrors the counters into prometheus collectors.
type Metrics struct {
	rejections      [maxRejectReason + 1]uint64
	transitions     [maxOrderStatus + 1]uint64
	halts           uint64
	retries         uint64
	conflicts       uint64
	fills           uint64
	busDrops        uint64
	consumerPanics  uint64
	persistFailures uint64

	submitLatency   LatencyStats
	riskEvalLatency LatencyStats

	prom promCollectors
}

type promCollectors struct {
	rejections     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	halts          *prometheus.CounterVec
	retries        prometheus.Counter
	conflicts      *prometheus.CounterVec
	fills          *prometheus.CounterVec
	busDrops       *prometheus.CounterVec
	consumerPanics *prometheus.CounterVec
	submitSeconds  prometheus.Histogram
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Rejections      map[model.RejectReason]uint64
	Transitions     map[model.OrderStatus]uint64
	Halts           uint64
	Retries         uint64
	Conflicts       uint64
	Fills           uint64
	BusDrops        uint64
	ConsumerPanics  uint64
	PersistFailures uint64
	SubmitLatency   LatencySnapshot
	RiskEvalLatency LatencySnapshot
}

// NewMetrics allocates a metrics container. Collectors are registered on reg
// when it is not nil; tests pass nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		prom: promCollectors{
			rejections: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradecore",
				Name:      "signal_rejections_total",
				Help:      "Signals rejected by the risk guard or validator, by reason.",
			}, []string{"reason"}),
			transitions: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradecore",
				Name:      "order_transitions_total",
				Help:      "Order state transitions, by target status.",
			}, []string{"status"}),
			halts: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradecore",
				Name:      "risk_halt_transitions_total",
				Help:      "Risk scope halt and resume transitions.",
			}, []string{"halted"}),
			retries: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "tradecore",
				Name:      "order_submit_retries_total",
				Help:      "Transient gateway failures that were retried.",
			}),
			conflicts: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradecore",
				Name:      "recovery_conflicts_total",
				Help:      "Recovery conflicts, by kind.",
			}, []string{"kind"}),
			fills: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradecore",
				Name:      "fills_total",
				Help:      "Fills applied, by symbol.",
			}, []string{"symbol"}),
			busDrops: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradecore",
				Name:      "bus_dropped_events_total",
				Help:      "Low priority events dropped on subscriber overflow.",
			}, []string{"topic"}),
			consumerPanics: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradecore",
				Name:      "bus_consumer_panics_total",
				Help:      "Recovered consumer panics.",
			}, []string{"consumer"}),
			submitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
				Namespace: "tradecore",
				Name:      "order_submit_seconds",
				Help:      "Latency from submission start to a terminal or acknowledged state.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			}),
		},
	}
}

// IncRejection records a rejected signal.
func (m *Metrics) IncRejection(reason model.RejectReason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.rejections) {
		atomic.AddUint64(&m.rejections[idx], 1)
	}
	m.prom.rejections.WithLabelValues(reason.String()).Inc()
}

// ObserveTransition records an order moving into status.
func (m *Metrics) ObserveTransition(status model.OrderStatus) {
	if m == nil {
		return
	}
	idx := int(status)
	if idx >= 0 && idx < len(m.transitions) {
		atomic.AddUint64(&m.transitions[idx], 1)
	}
	m.prom.transitions.WithLabelValues(status.String()).Inc()
}

// IncHalt records a halt or resume transition.
func (m *Metrics) IncHalt(halted bool) {
	if m == nil {
		return
	}
	if halted {
		atomic.AddUint64(&m.halts, 1)
		m.prom.halts.WithLabelValues("true").Inc()
		return
	}
	m.prom.halts.WithLabelValues("false").Inc()
}

// IncRetry records a retried submission.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.retries, 1)
	m.prom.retries.Inc()
}

// IncConflict records a recovery conflict.
func (m *Metrics) IncConflict(kind model.ConflictKind) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.conflicts, 1)
	m.prom.conflicts.WithLabelValues(kind.String()).Inc()
}

// IncFill records an applied fill.
func (m *Metrics) IncFill(symbol string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.fills, 1)
	m.prom.fills.WithLabelValues(symbol).Inc()
}

// IncBusDrop records a dropped low priority event.
func (m *Metrics) IncBusDrop(topic string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.busDrops, 1)
	m.prom.busDrops.WithLabelValues(topic).Inc()
}

// IncConsumerPanic records a recovered consumer panic.
func (m *Metrics) IncConsumerPanic(consumer string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.consumerPanics, 1)
	m.prom.consumerPanics.WithLabelValues(consumer).Inc()
}

// IncPersistFailure records an unacknowledged persistence write.
func (m *Metrics) IncPersistFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.persistFailures, 1)
}

// ObserveSubmit measures submission latency.
func (m *Metrics) ObserveSubmit(d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.Observe(d)
	m.prom.submitSeconds.Observe(d.Seconds())
}

// ObserveRiskEval measures risk evaluation latency.
func (m *Metrics) ObserveRiskEval(d time.Duration) {
	if m == nil {
		return
	}
	m.riskEvalLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	rejections := make(map[model.RejectReason]uint64)
	for i := range m.rejections {
		if v := atomic.LoadUint64(&m.rejections[i]); v > 0 {
			rejections[model.RejectReason(i)] = v
		}
	}
	transitions := make(map[model.OrderStatus]uint64)
	for i := range m.transitions {
		if v := atomic.LoadUint64(&m.transitions[i]); v > 0 {
			transitions[model.OrderStatus(i)] = v
		}
	}
	return Snapshot{
		Rejections:      rejections,
		Transitions:     transitions,
		Halts:           atomic.LoadUint64(&m.halts),
		Retries:         atomic.LoadUint64(&m.retries),
		Conflicts:       atomic.LoadUint64(&m.conflicts),
		Fills:           atomic.LoadUint64(&m.fills),
		BusDrops:        atomic.LoadUint64(&m.busDrops),
		ConsumerPanics:  atomic.LoadUint64(&m.consumerPanics),
		PersistFailures: atomic.LoadUint64(&m.persistFailures),
		SubmitLatency:   m.submitLatency.Snapshot(),
		RiskEvalLatency: m.riskEvalLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
