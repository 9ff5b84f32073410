// Package report 把维护报告发布到外部（Redis Stream、MQTT）或导出为 xlsx。
package report

import (
	"context"
	"time"
)

// 报告类型
const (
	KindProbe     = "probe"
	KindReconcile = "reconcile"
	KindDeletion  = "delete_tenant"
	KindSeed      = "seed_categories"
	KindAudit     = "audit"
	KindPlan      = "plan"
)

// Envelope 发布的报告
type Envelope struct {
	Kind        string    `json:"kind"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Subdomain   string    `json:"subdomain,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Report      any       `json:"report"`
}

// NewEnvelope 创建 Envelope
func NewEnvelope(kind, tenantID, subdomain string, report any) Envelope {
	return Envelope{
		Kind:        kind,
		TenantID:    tenantID,
		Subdomain:   subdomain,
		GeneratedAt: time.Now().UTC(),
		Report:      report,
	}
}

// Sink 报告发布目标
type Sink interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// NopSink 不发布
type NopSink struct{}

func (NopSink) Publish(context.Context, Envelope) error { return nil }
func (NopSink) Close() error                            { return nil }
