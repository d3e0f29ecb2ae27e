package provider

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shouni/image-matrix-kit/pkg/domain"
)

const metricsNamespace = "imgmatrix"

// Metrics はルーターの Prometheus メトリクスです。nil のままでも安全に呼び出せます。
type Metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	health  *prometheus.GaugeVec
}

// NewMetrics はメトリクスを生成して reg に登録します。
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, fmt.Errorf("registerer is required")
	}
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "Latency of successful provider calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"provider"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "health_state",
			Help:      "0=available, 1=degraded, 2=unavailable.",
		}, []string{"provider"}),
	}
	for _, c := range []prometheus.Collector{m.calls, m.latency, m.health} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("メトリクスの登録に失敗しました: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeCall(provider, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(provider, outcome).Inc()
	if outcome == outcomeSuccess {
		m.latency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

func (m *Metrics) setHealth(provider string, state domain.HealthState) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case domain.HealthDegraded:
		v = 1
	case domain.HealthUnavailable:
		v = 2
	}
	m.health.WithLabelValues(provider).Set(v)
}
