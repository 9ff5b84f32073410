package service

import (
	"context"
	"errors"
	"fmt"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"
	"wisefido-tenant-integrity/internal/graph"
	"wisefido-tenant-integrity/internal/lock"
	"wisefido-tenant-integrity/internal/metrics"
	"wisefido-tenant-integrity/internal/repository"
	"wisefido-tenant-integrity/internal/retry"

	"go.uber.org/zap"
)

// Options Maintenance 依赖
type Options struct {
	Graph       *graph.Graph // 为空使用内置默认图
	Store       datastore.Client
	Directory   repository.TenantDirectory
	Locker      lock.KeyedLocker // 为空使用进程内 locker
	Retry       retry.Config
	Concurrency int
	// SeedDefaults 基线分类，为空时使用 "Other"
	SeedDefaults []string
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Maintenance 维护操作入口：先通过租户目录解析子域名，再调用各组件
// 只有 TenantNotFound 会中止整个操作，其余失败按实体类型聚合进报告
type Maintenance struct {
	graph     *graph.Graph
	directory repository.TenantDirectory
	exec      *executor
	logger    *zap.Logger

	Prober     *Prober
	Reconciler *Reconciler
	Planner    *Planner
	Seeder     *Seeder
	Auditor    *Auditor
}

// NewMaintenance 创建 Maintenance
func NewMaintenance(opts Options) (*Maintenance, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("tenant directory is required")
	}
	if opts.Graph == nil {
		opts.Graph = graph.Default()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.SeedDefaults) == 0 {
		opts.SeedDefaults = []string{"Other"}
	}
	concurrency := normalizeConcurrency(opts.Concurrency)
	exec := &executor{retry: opts.Retry, metrics: opts.Metrics, logger: opts.Logger}

	m := &Maintenance{
		graph:     opts.Graph,
		directory: opts.Directory,
		exec:      exec,
		logger:    opts.Logger,
	}
	m.Prober = newProber(opts.Store, exec)
	m.Reconciler = &Reconciler{
		graph:       opts.Graph,
		store:       opts.Store,
		prober:      m.Prober,
		exec:        exec,
		concurrency: concurrency,
		logger:      opts.Logger.With(zap.String("component", "reconciler")),
	}
	m.Planner = &Planner{
		graph:       opts.Graph,
		store:       opts.Store,
		exec:        exec,
		concurrency: concurrency,
		logger:      opts.Logger.With(zap.String("component", "cascade")),
	}
	m.Seeder = &Seeder{
		graph:       opts.Graph,
		store:       opts.Store,
		exec:        exec,
		locker:      opts.Locker,
		defaults:    opts.SeedDefaults,
		concurrency: concurrency,
		logger:      opts.Logger.With(zap.String("component", "seeder")),
	}
	m.Auditor = &Auditor{
		graph:       opts.Graph,
		store:       opts.Store,
		exec:        exec,
		concurrency: concurrency,
		logger:      opts.Logger.With(zap.String("component", "audit")),
	}
	return m, nil
}

// Graph 当前使用的依赖图
func (m *Maintenance) Graph() *graph.Graph { return m.graph }

// ResolveTenant 按子域名解析租户；Transient 错误重试
func (m *Maintenance) ResolveTenant(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	var tenant *domain.Tenant
	err := m.exec.run(ctx, "resolve", "tenants", func(ctx context.Context) error {
		t, err := m.directory.ResolveBySubdomain(ctx, subdomain)
		tenant = t
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			return nil, domain.NewStepError(domain.KindTenantNotFound, err)
		}
		return nil, fmt.Errorf("failed to resolve tenant %q: %w", subdomain, err)
	}
	return tenant, nil
}

// Probe 探测 entity 是否支持按 attribute 过滤
func (m *Maintenance) Probe(ctx context.Context, entity, attribute string) (Capability, error) {
	return m.Prober.Probe(ctx, entity, attribute)
}

// Reconcile 解析租户后认领孤儿记录
func (m *Maintenance) Reconcile(ctx context.Context, subdomain string, entities []string) (*domain.ReconcileReport, error) {
	tenant, err := m.ResolveTenant(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	return m.Reconciler.Reconcile(ctx, tenant.TenantID, entities)
}

// Plan 级联删除顺序
func (m *Maintenance) Plan() []PlanStep {
	return m.Planner.Plan()
}

// DeleteTenant 解析租户后级联删除其记录
func (m *Maintenance) DeleteTenant(ctx context.Context, subdomain string) (*domain.DeletionReport, error) {
	tenant, err := m.ResolveTenant(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	return m.Planner.DeleteTenant(ctx, tenant.TenantID)
}

// SeedCategories 解析租户后派生分类
func (m *Maintenance) SeedCategories(ctx context.Context, subdomain string) (*domain.SeedReport, error) {
	tenant, err := m.ResolveTenant(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	return m.Seeder.SeedDerivedCategories(ctx, tenant.TenantID)
}

// Audit 解析租户后做只读检查
func (m *Maintenance) Audit(ctx context.Context, subdomain string) (*domain.AuditReport, error) {
	tenant, err := m.ResolveTenant(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	return m.Auditor.Audit(ctx, tenant.TenantID)
}
