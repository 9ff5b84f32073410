package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"
	"wisefido-tenant-integrity/internal/graph"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PlanStep 级联删除计划中的一步
type PlanStep struct {
	Entity   string   `json:"entity"`
	Scope    string   `json:"scope"`               // direct | via:<parent>
	WaitsFor []string `json:"waits_for,omitempty"` // 必须先完成的子类型
}

// Planner 按依赖图子类型在前删除租户的全部记录
// 互不依赖的类型并发执行，受 concurrency 限制；子步骤失败时父类型不执行
type Planner struct {
	graph       *graph.Graph
	store       datastore.Client
	exec        *executor
	concurrency int
	logger      *zap.Logger
}

// Plan 返回删除顺序（不访问存储）
func (p *Planner) Plan() []PlanStep {
	return PlanDeletion(p.graph)
}

// PlanDeletion 只依据依赖图给出删除计划，无需存储连接
func PlanDeletion(g *graph.Graph) []PlanStep {
	order := g.DeletionOrder()
	steps := make([]PlanStep, 0, len(order))
	for _, name := range order {
		et, _ := g.Entity(name)
		scope := "direct"
		if !et.DirectlyScoped() {
			for _, edge := range et.Parents {
				if g.Scoped(edge.Parent) {
					scope = "via:" + edge.Parent
					break
				}
			}
		}
		steps = append(steps, PlanStep{
			Entity:   name,
			Scope:    scope,
			WaitsFor: g.Children(name),
		})
	}
	return steps
}

// DeleteTenant 删除租户在所有引用租户的实体类型中的记录（租户行本身不删除）
// 重复调用是安全的：只删除剩余的匹配行
func (p *Planner) DeleteTenant(ctx context.Context, tenantID string) (*domain.DeletionReport, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}

	order := p.graph.DeletionOrder()
	report := &domain.DeletionReport{
		TenantID:  tenantID,
		Steps:     make([]*domain.DeletionStep, 0, len(order)),
		StartedAt: time.Now(),
	}
	steps := make(map[string]*domain.DeletionStep, len(order))
	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		s := &domain.DeletionStep{Entity: name}
		report.Steps = append(report.Steps, s)
		steps[name] = s
		done[name] = make(chan struct{})
	}

	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup
	for _, name := range order {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[name])
			step := steps[name]

			children := p.graph.Children(name)
			for _, child := range children {
				<-done[child]
			}
			if err := ctx.Err(); err != nil {
				step.Error = domain.NewStepError(domain.KindCancelled, err)
				return
			}
			for _, child := range children {
				if steps[child].Error != nil {
					step.Error = domain.Blocked(child)
					p.logger.Warn("Cascade step blocked",
						zap.String("tenant_id", tenantID),
						zap.String("entity", name),
						zap.String("blocked_by", child),
					)
					return
				}
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				step.Error = domain.NewStepError(domain.KindCancelled, err)
				return
			}
			defer sem.Release(1)
			if err := ctx.Err(); err != nil {
				step.Error = domain.NewStepError(domain.KindCancelled, err)
				return
			}

			started := time.Now()
			deleted, err := p.deleteEntity(ctx, tenantID, name)
			step.Deleted = deleted
			step.Error = toStepError(err)
			p.exec.observe("delete", name, started, step.Error)
			if step.Error != nil {
				p.logger.Error("Cascade step failed",
					zap.String("tenant_id", tenantID),
					zap.String("entity", name),
					zap.String("kind", string(step.Error.Kind)),
					zap.Error(err),
				)
				return
			}
			p.exec.metrics.RowsDeleted.WithLabelValues(name).Add(float64(deleted))
		}()
	}
	wg.Wait()

	report.FinishedAt = time.Now()
	p.logger.Info("Cascade deletion finished",
		zap.String("tenant_id", tenantID),
		zap.Int64("deleted", report.TotalDeleted()),
		zap.Bool("complete", report.Complete()),
	)
	return report, nil
}

func (p *Planner) deleteEntity(ctx context.Context, tenantID, entity string) (int64, error) {
	filter, err := p.graph.ScopeFilter(entity, tenantID)
	if err != nil {
		return 0, err
	}
	var deleted int64
	err = p.exec.run(ctx, "delete", entity, func(ctx context.Context) error {
		n, err := p.store.DeleteWhere(ctx, entity, filter)
		deleted = n
		return err
	})
	return deleted, err
}
