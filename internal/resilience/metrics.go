package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskmesh/meshcore/pkg/types"
)

// metrics 把 §4.6 的健康/断路器/安全状态暴露给 Prometheus 抓取。每个
// Service 实例自带独立的 Registry，避免多节点进程内测试时的全局
// DefaultRegisterer 冲突。
type metrics struct {
	registry *prometheus.Registry

	health      prometheus.Gauge
	breakerOpen *prometheus.GaugeVec
	partitions  prometheus.Gauge
	quarantined prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		health: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshcore",
			Subsystem: "resilience",
			Name:      "health_composite",
			Help:      "Most recent composite health sample (§4.6).",
		}),
		breakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshcore",
			Subsystem: "resilience",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per service key (0=closed,1=open,2=half_open).",
		}, []string{"service"}),
		partitions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshcore",
			Subsystem: "resilience",
			Name:      "active_partitions",
			Help:      "Number of network partitions currently Detected or Healing.",
		}),
		quarantined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meshcore",
			Subsystem: "resilience",
			Name:      "peers_quarantined_total",
			Help:      "Cumulative count of peers quarantined by the security monitor.",
		}),
	}
}

// Registry 暴露底层 Registry，供嵌入方自行挂载 HTTP /metrics 端点；
// cmd/meshnode 不挂载它。
func (m *metrics) Registry() *prometheus.Registry { return m.registry }

func (m *metrics) observeHealth(s types.HealthSample) {
	m.health.Set(s.Composite)
}

func (m *metrics) observeBreaker(key types.ServiceKey, state types.BreakerState) {
	m.breakerOpen.WithLabelValues(string(key)).Set(float64(state))
}

func (m *metrics) observePartitions(n int) {
	m.partitions.Set(float64(n))
}

func (m *metrics) observeQuarantine() {
	m.quarantined.Inc()
}
