package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("hangwatch.yaml")
	collector.IncHeartbeatCheck("hung")
	collector.IncHang("minor")
	collector.ObserveHangDuration("minor", time.Second)
	collector.SetHangActive(true)
}

func TestPrometheusCollectorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncHeartbeatCheck("responsive")
	collector.IncHeartbeatCheck("responsive")
	collector.IncHeartbeatCheck("hung")
	collector.IncHang("major")
	collector.ObserveHangDuration("major", 1500*time.Millisecond)
	collector.ObserveHangDuration("major", -time.Second)
	collector.SetHangActive(true)

	families := gather(t, reg)

	checks := families["hangwatch_heartbeat_checks_total"]
	require.NotNil(t, checks)
	require.Equal(t, 2.0, counterWithLabel(t, checks, "outcome", "responsive"))
	require.Equal(t, 1.0, counterWithLabel(t, checks, "outcome", "hung"))

	hangs := families["hangwatch_hangs_total"]
	require.NotNil(t, hangs)
	require.Equal(t, 1.0, counterWithLabel(t, hangs, "severity", "major"))

	duration := families["hangwatch_hang_duration_seconds"]
	require.NotNil(t, duration)
	require.Len(t, duration.Metric, 1)
	require.Equal(t, uint64(1), duration.Metric[0].GetHistogram().GetSampleCount())
	require.InDelta(t, 1.5, duration.Metric[0].GetHistogram().GetSampleSum(), 1e-9)

	active := families["hangwatch_hang_active"]
	require.NotNil(t, active)
	require.Equal(t, 1.0, active.Metric[0].GetGauge().GetValue())

	collector.SetHangActive(false)
	families = gather(t, reg)
	require.Equal(t, 0.0, families["hangwatch_hang_active"].Metric[0].GetGauge().GetValue())
}

func TestPrometheusCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncHotReload("a.yaml")

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)
	require.Same(t, collector.checks, again.checks)

	again.IncHotReload("a.yaml")

	reloads := gather(t, reg)["hangwatch_config_hot_reload_total"]
	require.NotNil(t, reloads)
	require.Equal(t, 2.0, counterWithLabel(t, reloads, "file", "a.yaml"))
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncHotReload("a.yaml")
	collector.IncHeartbeatCheck("hung")
	collector.IncHang("minor")
	collector.ObserveHangDuration("minor", time.Second)
	collector.SetHangActive(true)
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	families := make(map[string]*dto.MetricFamily, len(metrics))
	for _, mf := range metrics {
		families[mf.GetName()] = mf
	}
	return families
}

func counterWithLabel(t *testing.T, mf *dto.MetricFamily, name, value string) float64 {
	t.Helper()
	for _, metric := range mf.Metric {
		for _, label := range metric.GetLabel() {
			if label.GetName() == name && label.GetValue() == value {
				require.NotNil(t, metric.Counter)
				return metric.Counter.GetValue()
			}
		}
	}
	t.Fatalf("no %s sample with %s=%q", mf.GetName(), name, value)
	return 0
}
