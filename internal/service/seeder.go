package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"
	"wisefido-tenant-integrity/internal/graph"
	"wisefido-tenant-integrity/internal/lock"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	servicesEntity   = "services"
	categoriesEntity = "categories"
	categoryColumn   = "category" // services.category
	nameColumn       = "name"     // categories.name
)

// Seeder 从租户已有服务记录派生分类，并补齐基线默认分类
// (tenant, name) 唯一：存储支持冲突忽略插入时使用；否则先查后插，
// 并发调用之间存在一个很窄的竞争窗口，同一 key 由 locker 串行化。
// 表上没有 (tenant, name) 唯一索引时冲突忽略插入不可用，本进程内之后都走先查后插。
type Seeder struct {
	graph       *graph.Graph
	store       datastore.Client
	exec        *executor
	locker      lock.KeyedLocker
	defaults    []string
	concurrency int
	logger      *zap.Logger

	noConflictTarget atomic.Bool
}

type seedOutcome struct {
	created bool
	err     *domain.StepError
}

// SeedDerivedCategories 创建缺失的分类；第二次调用 created 为空，skipped 为全部
func (s *Seeder) SeedDerivedCategories(ctx context.Context, tenantID string) (*domain.SeedReport, error) {
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	serviceField, err := s.tenantField(servicesEntity)
	if err != nil {
		return nil, err
	}
	categoryField, err := s.tenantField(categoriesEntity)
	if err != nil {
		return nil, err
	}

	report := &domain.SeedReport{
		TenantID:  tenantID,
		Created:   []string{},
		Skipped:   []string{},
		StartedAt: time.Now(),
	}

	observed, err := s.observedCategories(ctx, tenantID, serviceField)
	if err != nil {
		return nil, fmt.Errorf("failed to read service categories: %w", toStepError(err))
	}
	names := unionNames(observed, s.defaults)

	outcomes := make([]seedOutcome, len(names))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			started := time.Now()
			created, err := s.createIfAbsent(ctx, categoryField, tenantID, name, i)
			outcomes[i] = seedOutcome{created: created, err: toStepError(err)}
			s.exec.observe("seed", categoriesEntity, started, outcomes[i].err)
			return nil
		})
	}
	_ = g.Wait()

	for i, name := range names {
		o := outcomes[i]
		switch {
		case o.err != nil:
			if report.Errors == nil {
				report.Errors = map[string]*domain.StepError{}
			}
			report.Errors[name] = o.err
			s.logger.Warn("Failed to seed category",
				zap.String("tenant_id", tenantID),
				zap.String("name", name),
				zap.String("kind", string(o.err.Kind)),
			)
		case o.created:
			report.Created = append(report.Created, name)
		default:
			report.Skipped = append(report.Skipped, name)
		}
	}
	s.exec.metrics.CategoriesCreated.Add(float64(len(report.Created)))

	report.FinishedAt = time.Now()
	s.logger.Info("Category seeding finished",
		zap.String("tenant_id", tenantID),
		zap.Strings("created", report.Created),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (s *Seeder) tenantField(entity string) (string, error) {
	et, ok := s.graph.Entity(entity)
	if !ok || !et.DirectlyScoped() {
		return "", domain.NewStepError(domain.KindSchemaUnsupported,
			fmt.Errorf("entity type %s has no tenant attribute", entity))
	}
	return et.TenantField, nil
}

// observedCategories 租户服务记录中出现过的分类名（去重、去空白、排除空值）
func (s *Seeder) observedCategories(ctx context.Context, tenantID, tenantField string) ([]string, error) {
	var rows []datastore.Row
	err := s.exec.run(ctx, "select", servicesEntity, func(ctx context.Context) error {
		var err error
		rows, err = s.store.Select(ctx, servicesEntity,
			datastore.Where(datastore.Eq(tenantField, tenantID), datastore.NotNull(categoryColumn)),
			datastore.SelectOptions{
				Columns:  []string{categoryColumn},
				Distinct: true,
				OrderBy:  []string{categoryColumn},
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if v, ok := r[categoryColumn].(string); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// unionNames 观察到的分类名（去空白、排除空值、排序）在前，基线默认值在后
func unionNames(observed, defaults []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(n string) bool {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			return false
		}
		seen[n] = true
		out = append(out, n)
		return true
	}
	for _, n := range observed {
		add(n)
	}
	sort.Strings(out)
	for _, n := range defaults {
		add(n)
	}
	return out
}

func (s *Seeder) createIfAbsent(ctx context.Context, tenantField, tenantID, name string, sortOrder int) (bool, error) {
	unlock, err := s.locker.Lock(ctx, tenantID+"/"+name)
	if err != nil {
		return false, err
	}
	defer unlock()

	row := datastore.Row{
		tenantField:  tenantID,
		nameColumn:   name,
		"sort_order": sortOrder,
		"is_active":  true,
	}

	if ins, ok := s.store.(datastore.ConflictTolerantInserter); ok && !s.noConflictTarget.Load() {
		var inserted int64
		err := s.exec.run(ctx, "insert", categoriesEntity, func(ctx context.Context) error {
			n, err := ins.InsertIgnore(ctx, categoriesEntity, []datastore.Row{row}, []string{tenantField, nameColumn})
			inserted = n
			return err
		})
		if datastore.KindOf(err) != datastore.KindConflictTargetMissing {
			return inserted > 0, err
		}
		if s.noConflictTarget.CompareAndSwap(false, true) {
			s.logger.Warn("No unique index on category name, falling back to check-then-insert",
				zap.String("entity", categoriesEntity),
				zap.Strings("conflict_columns", []string{tenantField, nameColumn}),
				zap.Error(err),
			)
		}
	}

	var existing int64
	err = s.exec.run(ctx, "count", categoriesEntity, func(ctx context.Context) error {
		n, err := s.store.Count(ctx, categoriesEntity,
			datastore.Where(datastore.Eq(tenantField, tenantID), datastore.Eq(nameColumn, name)))
		existing = n
		return err
	})
	if err != nil || existing > 0 {
		return false, err
	}

	err = s.exec.run(ctx, "insert", categoriesEntity, func(ctx context.Context) error {
		_, err := s.store.Insert(ctx, categoriesEntity, []datastore.Row{row})
		return err
	})
	// 另一个进程在检查和插入之间抢先创建
	if datastore.KindOf(err) == datastore.KindConflict {
		return false, nil
	}
	return err == nil, err
}
