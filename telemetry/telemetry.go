package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the watchdog.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. Hooks run inline on the monitoring goroutine and must
// not block.
type Collector interface {
	IncHotReload(file string)
	IncHeartbeatCheck(outcome string)
	IncHang(severity string)
	ObserveHangDuration(severity string, d time.Duration)
	SetHangActive(active bool)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                       {}
func (noopCollector) IncHeartbeatCheck(string)                  {}
func (noopCollector) IncHang(string)                            {}
func (noopCollector) ObserveHangDuration(string, time.Duration) {}
func (noopCollector) SetHangActive(bool)                        {}

// PrometheusCollector exposes watchdog counters via Prometheus.
type PrometheusCollector struct {
	hotReloads   *prometheus.CounterVec
	checks       *prometheus.CounterVec
	hangs        *prometheus.CounterVec
	hangDuration *prometheus.HistogramVec
	hangActive   prometheus.Gauge
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics that are already registered are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	hotReloads, err := registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hangwatch_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"}))
	if err != nil {
		return nil, err
	}

	checks, err := registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hangwatch_heartbeat_checks_total",
		Help: "Number of heartbeat checks by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}

	hangs, err := registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hangwatch_hangs_total",
		Help: "Number of finished hangs of the monitored thread by severity.",
	}, []string{"severity"}))
	if err != nil {
		return nil, err
	}

	hangDuration, err := registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hangwatch_hang_duration_seconds",
		Help:    "Duration of finished hangs measured from detection to recovery.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"severity"}))
	if err != nil {
		return nil, err
	}

	hangActive, err := registerOrReuse(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hangwatch_hang_active",
		Help: "1 while a hang of the monitored thread is being reported.",
	}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		hotReloads:   hotReloads,
		checks:       checks,
		hangs:        hangs,
		hangDuration: hangDuration,
		hangActive:   hangActive,
	}, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncHeartbeatCheck records the outcome of one heartbeat check.
func (p *PrometheusCollector) IncHeartbeatCheck(outcome string) {
	if p == nil || p.checks == nil {
		return
	}
	p.checks.WithLabelValues(outcome).Inc()
}

// IncHang counts a finished hang.
func (p *PrometheusCollector) IncHang(severity string) {
	if p == nil || p.hangs == nil {
		return
	}
	p.hangs.WithLabelValues(severity).Inc()
}

// ObserveHangDuration records how long a finished hang lasted.
func (p *PrometheusCollector) ObserveHangDuration(severity string, d time.Duration) {
	if p == nil || p.hangDuration == nil || d < 0 {
		return
	}
	p.hangDuration.WithLabelValues(severity).Observe(d.Seconds())
}

// SetHangActive flips the active hang gauge.
func (p *PrometheusCollector) SetHangActive(active bool) {
	if p == nil || p.hangActive == nil {
		return
	}
	if active {
		p.hangActive.Set(1)
		return
	}
	p.hangActive.Set(0)
}
