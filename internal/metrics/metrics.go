// Package metrics exposes the rotator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Laps      *prometheus.CounterVec
	Transfers *prometheus.CounterVec
	Halts     *prometheus.CounterVec

	TradingActive   prometheus.Gauge
	CurrentWorkers  prometheus.Gauge
	LastNativeWei   prometheus.Gauge
	LastTokenUnits  prometheus.Gauge
	LapActiveSecond prometheus.Histogram

	registry *prometheus.Registry
}

// New builds and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Laps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_laps_total",
			Help: "Laps finished, by status (completed|failed)",
		}, []string{"status"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_transfers_total",
			Help: "Transfers attempted, by kind and result",
		}, []string{"kind", "result"}),
		Halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_halts_total",
			Help: "Run halts, by reason",
		}, []string{"reason"}),
		TradingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotator_trading_active",
			Help: "1 while the activity window is running and not paused",
		}),
		CurrentWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotator_current_workers",
			Help: "Workers carried into the current lap",
		}),
		LastNativeWei: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotator_last_native_collected_wei",
			Help: "Native amount collected by the last lap",
		}),
		LastTokenUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotator_last_token_collected_units",
			Help: "Token base units collected by the last lap",
		}),
		LapActiveSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rotator_lap_active_seconds",
			Help:    "Active (unpaused) time of each activity window",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.Laps, m.Transfers, m.Halts,
		m.TradingActive, m.CurrentWorkers, m.LastNativeWei, m.LastTokenUnits,
		m.LapActiveSecond,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Transfer(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Transfers.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) LapFinished(status string, activeSeconds float64) {
	if m == nil {
		return
	}
	m.Laps.WithLabelValues(status).Inc()
	if activeSeconds > 0 {
		m.LapActiveSecond.Observe(activeSeconds)
	}
}

func (m *Metrics) Halted(reason string) {
	if m == nil {
		return
	}
	m.Halts.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.TradingActive.Set(1)
	} else {
		m.TradingActive.Set(0)
	}
}

func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.CurrentWorkers.Set(float64(n))
}

// SetCollected records the last lap's totals. Values beyond float64 precision
// are approximate, which is fine for a gauge.
func (m *Metrics) SetCollected(nativeWei, tokenUnits float64) {
	if m == nil {
		return
	}
	m.LastNativeWei.Set(nativeWei)
	m.LastTokenUnits.Set(tokenUnits)
}
