package domain

import "time"

// Tenant 租户领域模型（对应 tenants 表）
// 由外部系统创建，本模块只读
type Tenant struct {
	TenantID   string `db:"tenant_id" json:"tenant_id"` // UUID, PRIMARY KEY
	TenantName string `db:"tenant_name" json:"tenant_name"`
	Subdomain  string `db:"subdomain" json:"subdomain"` // UNIQUE，用于域名路由

	// 生命周期
	Status             string     `db:"status" json:"status"`                           // active | suspended | deleted
	SubscriptionStatus string     `db:"subscription_status" json:"subscription_status"` // trial | active | past_due | cancelled
	TrialEndsAt        *time.Time `db:"trial_ends_at" json:"trial_ends_at,omitempty"`
}

// InTrial 是否处于试用期
func (t *Tenant) InTrial(now time.Time) bool {
	return t.SubscriptionStatus == "trial" && t.TrialEndsAt != nil && now.Before(*t.TrialEndsAt)
}
