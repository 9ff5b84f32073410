package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"
	"wisefido-tenant-integrity/internal/graph"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconciler 把 tenant 引用为 NULL 的记录认领给指定租户
type Reconciler struct {
	graph       *graph.Graph
	store       datastore.Client
	prober      *Prober
	exec        *executor
	concurrency int
	logger      *zap.Logger
}

// Reconcile 对每个实体类型：探测租户属性，计数 NULL 行，一次原子条件更新认领
// 各实体类型互不影响，失败记入报告；entities 为空表示图中所有直接归属租户的类型
func (r *Reconciler) Reconcile(ctx context.Context, tenantID string, entities []string) (*domain.ReconcileReport, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if len(entities) == 0 {
		entities = r.graph.DirectlyScoped()
	}

	report := &domain.ReconcileReport{
		TenantID:  tenantID,
		Results:   make(map[string]*domain.ReconcileResult, len(entities)),
		StartedAt: time.Now(),
	}
	for _, entity := range entities {
		report.Results[entity] = &domain.ReconcileResult{Entity: entity}
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, res := range report.Results {
		res := res
		g.Go(func() error {
			started := time.Now()
			claimed, err := r.reconcileEntity(ctx, tenantID, res.Entity)
			res.Claimed = claimed
			res.Error = toStepError(err)
			r.exec.observe("reconcile", res.Entity, started, res.Error)
			if res.Error != nil {
				r.logger.Warn("Reconcile step failed",
					zap.String("tenant_id", tenantID),
					zap.String("entity", res.Entity),
					zap.String("kind", string(res.Error.Kind)),
					zap.Error(err),
				)
				return nil
			}
			r.exec.metrics.RowsClaimed.WithLabelValues(res.Entity).Add(float64(claimed))
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now()
	r.logger.Info("Reconcile finished",
		zap.String("tenant_id", tenantID),
		zap.Int("entities", len(report.Results)),
		zap.Int64("claimed", report.TotalClaimed()),
		zap.Bool("failed", report.Failed()),
	)
	return report, nil
}

func (r *Reconciler) reconcileEntity(ctx context.Context, tenantID, entity string) (int64, error) {
	et, ok := r.graph.Entity(entity)
	if !ok || !et.DirectlyScoped() {
		return 0, domain.NewStepError(domain.KindSchemaUnsupported,
			fmt.Errorf("entity type %s has no tenant attribute", entity))
	}

	c, err := r.prober.Probe(ctx, entity, et.TenantField)
	if err != nil {
		return 0, err
	}
	switch c.Status {
	case CapabilityUnsupported:
		return 0, domain.NewStepError(domain.KindSchemaUnsupported,
			fmt.Errorf("%s.%s: %s", entity, et.TenantField, c.Reason))
	case CapabilityPermissionDenied:
		return 0, domain.NewStepError(domain.KindPermissionDenied,
			fmt.Errorf("%s.%s: %s", entity, et.TenantField, c.Reason))
	}

	orphans := datastore.Where(datastore.IsNull(et.TenantField))

	var pending int64
	err = r.exec.run(ctx, "count", entity, func(ctx context.Context) error {
		n, err := r.store.Count(ctx, entity, orphans)
		pending = n
		return err
	})
	if err != nil || pending == 0 {
		return 0, err
	}

	// 只更新 NULL 行：已属于其他租户的记录永远不会被改写
	var claimed int64
	err = r.exec.run(ctx, "update", entity, func(ctx context.Context) error {
		n, err := r.store.UpdateWhere(ctx, entity, orphans, datastore.Row{et.TenantField: tenantID})
		claimed = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}
