package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PushInitiatedTotal counts STK push initiation attempts by purpose and result.
	PushInitiatedTotal *prometheus.CounterVec
	// CallbackTotal counts inbound provider callback processing outcomes.
	CallbackTotal *prometheus.CounterVec
	// IntentResolvedTotal counts intent resolutions by terminal status and source.
	IntentResolvedTotal *prometheus.CounterVec
	// TimeoutSweepTotal counts intents examined by the timeout sweep per outcome.
	TimeoutSweepTotal *prometheus.CounterVec
	// OverdueDuesGauge tracks the number of overdue installment dues after a sweep.
	OverdueDuesGauge prometheus.Gauge
	// ReconDiscrepancyTotal counts discrepancies flagged by reconciliation runs.
	ReconDiscrepancyTotal prometheus.Counter
	// GatewayLatency records outbound provider call latency in milliseconds.
	GatewayLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PushInitiatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_initiated_total",
			Help:      "Count of STK push initiations by purpose and result.",
		}, []string{"purpose", "result"})
		CallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_total",
			Help:      "Count of processed provider callbacks by outcome.",
		}, []string{"result"})
		IntentResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_resolved_total",
			Help:      "Count of payment intent resolutions by status and source.",
		}, []string{"status", "source"})
		TimeoutSweepTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeout_sweep_total",
			Help:      "Count of intents examined by the timeout sweep per outcome.",
		}, []string{"outcome"})
		OverdueDuesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overdue_dues",
			Help:      "Number of installment dues currently overdue.",
		})
		ReconDiscrepancyTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recon_discrepancy_total",
			Help:      "Number of discrepancies flagged by reconciliation runs.",
		})
		GatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_ms",
			Help:      "Latency for outbound payment gateway calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"operation", "result"})

		mustRegisterCollector(reg, PushInitiatedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PushInitiatedTotal = v
			}
		})
		mustRegisterCollector(reg, CallbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CallbackTotal = v
			}
		})
		mustRegisterCollector(reg, IntentResolvedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				IntentResolvedTotal = v
			}
		})
		mustRegisterCollector(reg, TimeoutSweepTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TimeoutSweepTotal = v
			}
		})
		mustRegisterCollector(reg, OverdueDuesGauge, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				OverdueDuesGauge = v
			}
		})
		mustRegisterCollector(reg, ReconDiscrepancyTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				ReconDiscrepancyTotal = v
			}
		})
		mustRegisterCollector(reg, GatewayLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				GatewayLatency = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
