package service

import (
	"context"
	"errors"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"
	"wisefido-tenant-integrity/internal/graph"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Auditor 只读完整性检查：每个实体类型的 NULL 租户行数和该租户拥有的行数
type Auditor struct {
	graph       *graph.Graph
	store       datastore.Client
	exec        *executor
	concurrency int
	logger      *zap.Logger
}

// Audit 不修改任何数据
func (a *Auditor) Audit(ctx context.Context, tenantID string) (*domain.AuditReport, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	order := a.graph.DeletionOrder()
	report := &domain.AuditReport{
		TenantID: tenantID,
		Results:  make([]*domain.AuditResult, 0, len(order)),
	}

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for _, name := range order {
		res := &domain.AuditResult{Entity: name}
		report.Results = append(report.Results, res)
		g.Go(func() error {
			err := a.auditEntity(ctx, tenantID, res)
			res.Error = toStepError(err)
			return nil
		})
	}
	_ = g.Wait()

	a.logger.Info("Audit finished", zap.String("tenant_id", tenantID), zap.Int("entities", len(report.Results)))
	return report, nil
}

func (a *Auditor) auditEntity(ctx context.Context, tenantID string, res *domain.AuditResult) error {
	et, _ := a.graph.Entity(res.Entity)
	if et.DirectlyScoped() {
		err := a.exec.run(ctx, "count", res.Entity, func(ctx context.Context) error {
			n, err := a.store.Count(ctx, res.Entity, datastore.Where(datastore.IsNull(et.TenantField)))
			res.Orphaned = n
			return err
		})
		if err != nil {
			return err
		}
	}

	filter, err := a.graph.ScopeFilter(res.Entity, tenantID)
	if err != nil {
		return err
	}
	return a.exec.run(ctx, "count", res.Entity, func(ctx context.Context) error {
		n, err := a.store.Count(ctx, res.Entity, filter)
		res.Owned = n
		return err
	})
}
