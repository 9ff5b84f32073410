package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 维护任务指标
// 批处理任务结束时通过 WriteTextfile 写给 node_exporter textfile collector
type Metrics struct {
	registry *prometheus.Registry

	RowsClaimed       *prometheus.CounterVec
	RowsDeleted       *prometheus.CounterVec
	CategoriesCreated prometheus.Counter
	StepFailures      *prometheus.CounterVec
	Retries           *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
}

// New 创建并注册到独立 registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RowsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenant_integrity",
			Name:      "rows_claimed_total",
			Help:      "Null-scoped rows claimed for a tenant, by entity type.",
		}, []string{"entity"}),
		RowsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenant_integrity",
			Name:      "rows_deleted_total",
			Help:      "Rows removed by cascade deletion, by entity type.",
		}, []string{"entity"}),
		CategoriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenant_integrity",
			Name:      "categories_created_total",
			Help:      "Derived categories created by the seeder.",
		}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenant_integrity",
			Name:      "step_failures_total",
			Help:      "Failed per-entity steps, by operation and error kind.",
		}, []string{"operation", "kind"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenant_integrity",
			Name:      "store_retries_total",
			Help:      "Store calls retried after a transient error.",
		}, []string{"operation"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tenant_integrity",
			Name:      "step_duration_seconds",
			Help:      "Duration of per-entity steps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "entity"}),
	}
	m.registry.MustRegister(
		m.RowsClaimed,
		m.RowsDeleted,
		m.CategoriesCreated,
		m.StepFailures,
		m.Retries,
		m.StepDuration,
	)
	return m
}

// Registry 供测试和 HTTP 暴露使用
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile 原子写入 textfile（*.prom）
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
