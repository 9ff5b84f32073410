package domain

import (
	"sort"
	"time"
)

// ReconcileResult 单个实体类型的认领结果
type ReconcileResult struct {
	Entity  string     `json:"entity"`
	Claimed int64      `json:"claimed"`
	Error   *StepError `json:"error,omitempty"`
}

// ReconcileReport 孤儿记录认领报告
type ReconcileReport struct {
	TenantID   string                      `json:"tenant_id"`
	Results    map[string]*ReconcileResult `json:"results"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
}

// Entities 按名称排序（报告输出稳定）
func (r *ReconcileReport) Entities() []string {
	names := make([]string, 0, len(r.Results))
	for name := range r.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TotalClaimed 所有实体类型认领总数
func (r *ReconcileReport) TotalClaimed() int64 {
	var total int64
	for _, res := range r.Results {
		total += res.Claimed
	}
	return total
}

// Failed 是否存在失败的实体类型
func (r *ReconcileReport) Failed() bool {
	for _, res := range r.Results {
		if res.Error != nil {
			return true
		}
	}
	return false
}

// DeletionStep 级联删除的一步
type DeletionStep struct {
	Entity  string     `json:"entity"`
	Deleted int64      `json:"deleted"`
	Error   *StepError `json:"error,omitempty"`
}

// DeletionReport 级联删除报告（按执行顺序：子类型在前）
type DeletionReport struct {
	TenantID   string          `json:"tenant_id"`
	Steps      []*DeletionStep `json:"steps"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Step 按实体类型查找步骤
func (r *DeletionReport) Step(entity string) *DeletionStep {
	for _, s := range r.Steps {
		if s.Entity == entity {
			return s
		}
	}
	return nil
}

// TotalDeleted 删除总行数
func (r *DeletionReport) TotalDeleted() int64 {
	var total int64
	for _, s := range r.Steps {
		total += s.Deleted
	}
	return total
}

// Complete 所有步骤均成功
func (r *DeletionReport) Complete() bool {
	for _, s := range r.Steps {
		if s.Error != nil {
			return false
		}
	}
	return true
}

// SeedReport 派生分类报告
type SeedReport struct {
	TenantID   string                `json:"tenant_id"`
	Created    []string              `json:"created"`
	Skipped    []string              `json:"skipped"`
	Errors     map[string]*StepError `json:"errors,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// AuditResult 单个实体类型的只读检查结果
type AuditResult struct {
	Entity   string     `json:"entity"`
	Orphaned int64      `json:"orphaned"` // tenant 引用为 NULL 的行数
	Owned    int64      `json:"owned"`    // 属于该租户的行数
	Error    *StepError `json:"error,omitempty"`
}

// AuditReport 只读完整性检查报告
type AuditReport struct {
	TenantID string         `json:"tenant_id"`
	Results  []*AuditResult `json:"results"`
}
