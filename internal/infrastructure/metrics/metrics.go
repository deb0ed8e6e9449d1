package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fundarb/internal/application/port"
)

const namespace = "fundarb"

// Prometheus port.Metrics 的 Prometheus 实现
type Prometheus struct {
	registry *prometheus.Registry

	ticks           *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	lockBusy        *prometheus.CounterVec
	legFailures     *prometheus.CounterVec
	partialExposure prometheus.Counter
	persistFailures prometheus.Counter
	openRuns        prometheus.Gauge
}

// New 在独立 registry 上注册全部指标，并附带 Go 运行时指标
func New() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		registry: reg,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total", Help: "Decision ticks by outcome.",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decisions_total", Help: "Decisions by action.",
		}, []string{"action"}),
		lockBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_busy_total", Help: "Lock acquisitions that found the lock held.",
		}, []string{"scope"}),
		legFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "leg_failures_total", Help: "Venue leg failures by operation and side.",
		}, []string{"op", "leg"}),
		partialExposure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "partial_exposure_total", Help: "Runs left with a single live leg.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "persistence_failures_total", Help: "Store writes that failed after venue orders filled.",
		}),
		openRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_runs", Help: "Open arbitrage runs seen at the last tick.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.ticks, p.decisions, p.lockBusy, p.legFailures,
		p.partialExposure, p.persistFailures, p.openRuns,
	)
	return p
}

func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) TickCompleted(outcome string) { p.ticks.WithLabelValues(outcome).Inc() }
func (p *Prometheus) DecisionMade(action string)   { p.decisions.WithLabelValues(action).Inc() }
func (p *Prometheus) LockBusy(scope string)        { p.lockBusy.WithLabelValues(scope).Inc() }
func (p *Prometheus) LegFailed(op, leg string)     { p.legFailures.WithLabelValues(op, leg).Inc() }
func (p *Prometheus) PartialExposure()             { p.partialExposure.Inc() }
func (p *Prometheus) PersistenceFailed()           { p.persistFailures.Inc() }
func (p *Prometheus) OpenRuns(n int)               { p.openRuns.Set(float64(n)) }

var _ port.Metrics = (*Prometheus)(nil)
