package service

import (
	"context"
	"errors"
	"testing"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"
	"wisefido-tenant-integrity/internal/graph"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTwoTenants(store *datastore.MemoryStore) {
	for _, tenant := range []string{tenantA, tenantB} {
		store.Seed("customers", datastore.Row{"id": tenant + "-c1", "tenant_id": tenant})
		store.Seed("invoices", datastore.Row{"id": tenant + "-i1", "tenant_id": tenant, "customer_id": tenant + "-c1"})
		store.Seed("services", datastore.Row{"id": tenant + "-s1", "tenant_id": tenant, "category": "Wash"})
		store.Seed("orders", datastore.Row{"id": tenant + "-o1", "tenant_id": tenant, "customer_id": tenant + "-c1", "invoice_id": tenant + "-i1"})
		store.Seed("order_items",
			datastore.Row{"tenant_id": tenant, "order_id": tenant + "-o1", "service_id": tenant + "-s1"},
			datastore.Row{"tenant_id": tenant, "order_id": tenant + "-o1", "service_id": tenant + "-s1"},
		)
		store.Seed("categories", datastore.Row{"tenant_id": tenant, "name": "Wash"})
		store.Seed("settings", datastore.Row{"tenant_id": tenant})
	}
}

func TestDeleteTenant_RemovesEveryScopedRow(t *testing.T) {
	store := newFixtureStore()
	seedTwoTenants(store)
	f := newFixture(t, store)
	ctx := context.Background()

	report, err := f.maint.Planner.DeleteTenant(ctx, tenantA)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, int64(8), report.TotalDeleted())
	assert.Equal(t, int64(2), report.Step("order_items").Deleted)

	for _, name := range f.maint.Graph().Names() {
		n, err := store.Count(ctx, name, datastore.Where(datastore.Eq("tenant_id", tenantA)))
		require.NoError(t, err)
		assert.Zero(t, n, name)
	}
	n, err := store.Count(ctx, "order_items", datastore.Where(datastore.Eq("tenant_id", tenantB)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeleteTenant_ReportFollowsDeletionOrder(t *testing.T) {
	store := newFixtureStore()
	seedTwoTenants(store)
	f := newFixture(t, store)

	report, err := f.maint.Planner.DeleteTenant(context.Background(), tenantA)
	require.NoError(t, err)

	var entities []string
	for _, s := range report.Steps {
		entities = append(entities, s.Entity)
	}
	assert.Equal(t, f.maint.Graph().DeletionOrder(), entities)

	calls := store.Calls()
	assert.Less(t, firstCall(calls, "delete", "order_items"), firstCall(calls, "delete", "orders"))
	assert.Less(t, firstCall(calls, "delete", "orders"), firstCall(calls, "delete", "invoices"))
	assert.Less(t, firstCall(calls, "delete", "invoices"), firstCall(calls, "delete", "customers"))
	assert.Less(t, firstCall(calls, "delete", "order_items"), firstCall(calls, "delete", "services"))
}

func TestDeleteTenant_FailedChildBlocksParents(t *testing.T) {
	store := newFixtureStore()
	seedTwoTenants(store)
	store.FailOn("delete", "order_items",
		datastore.NewError(datastore.KindPermissionDenied, "delete", "order_items", errors.New("permission denied")), 0)
	f := newFixture(t, store)

	report, err := f.maint.Planner.DeleteTenant(context.Background(), tenantA)
	require.NoError(t, err)
	assert.False(t, report.Complete())

	items := report.Step("order_items")
	require.NotNil(t, items.Error)
	assert.Equal(t, domain.KindPermissionDenied, items.Error.Kind)

	orders := report.Step("orders")
	require.NotNil(t, orders.Error)
	assert.Equal(t, domain.KindBlocked, orders.Error.Kind)
	assert.Equal(t, "order_items", orders.Error.BlockedBy)
	assert.ErrorIs(t, orders.Error, domain.ErrBlocked)

	for _, name := range []string{"invoices", "customers", "services"} {
		step := report.Step(name)
		require.NotNil(t, step.Error, name)
		assert.Equal(t, domain.KindBlocked, step.Error.Kind, name)
	}

	calls := store.Calls()
	assert.Equal(t, -1, firstCall(calls, "delete", "orders"))
	assert.Equal(t, -1, firstCall(calls, "delete", "customers"))

	// 与 order_items 无依赖关系的分支照常执行
	assert.Nil(t, report.Step("categories").Error)
	assert.Equal(t, int64(1), report.Step("categories").Deleted)
	assert.Nil(t, report.Step("settings").Error)
}

func TestDeleteTenant_RerunAfterPartialFailureConverges(t *testing.T) {
	store := newFixtureStore()
	seedTwoTenants(store)
	store.FailOn("delete", "order_items", errors.New("statement failed"), 1)
	f := newFixture(t, store)
	ctx := context.Background()

	first, err := f.maint.Planner.DeleteTenant(ctx, tenantA)
	require.NoError(t, err)
	require.False(t, first.Complete())
	assert.Equal(t, domain.KindOther, first.Step("order_items").Error.Kind)

	second, err := f.maint.Planner.DeleteTenant(ctx, tenantA)
	require.NoError(t, err)
	assert.True(t, second.Complete())
	assert.Equal(t, int64(2), second.Step("order_items").Deleted)
	assert.Equal(t, int64(0), second.Step("categories").Deleted)
	assert.Equal(t, int64(8), first.TotalDeleted()+second.TotalDeleted())
}

func TestDeleteTenant_CancelledBeforeStart(t *testing.T) {
	store := newFixtureStore()
	seedTwoTenants(store)
	f := newFixture(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.maint.Planner.DeleteTenant(ctx, tenantA)
	require.NoError(t, err)
	for _, s := range report.Steps {
		require.NotNil(t, s.Error, s.Entity)
		assert.Equal(t, domain.KindCancelled, s.Error.Kind, s.Entity)
	}
	for _, c := range store.Calls() {
		assert.NotEqual(t, "delete", c.Op)
	}
}

// cancelAfterDelete 第一次删除完成后取消上层 ctx
type cancelAfterDelete struct {
	*datastore.MemoryStore
	cancel context.CancelFunc
}

func (c *cancelAfterDelete) DeleteWhere(ctx context.Context, entity string, filter datastore.Filter) (int64, error) {
	n, err := c.MemoryStore.DeleteWhere(ctx, entity, filter)
	c.cancel()
	return n, err
}

func TestDeleteTenant_CancellationStopsFurtherSteps(t *testing.T) {
	mem := newFixtureStore()
	seedTwoTenants(mem)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfterDelete{MemoryStore: mem, cancel: cancel}
	f := newFixture(t, store, func(o *Options) { o.Concurrency = 1 })

	report, err := f.maint.Planner.DeleteTenant(ctx, tenantA)
	require.NoError(t, err)

	deletes, completed := 0, 0
	for _, c := range mem.Calls() {
		if c.Op == "delete" {
			deletes++
		}
	}
	for _, s := range report.Steps {
		if s.Error == nil {
			completed++
			continue
		}
		assert.Equal(t, domain.KindCancelled, s.Error.Kind, s.Entity)
	}
	assert.Equal(t, 1, deletes)
	assert.Equal(t, 1, completed)
}

func TestDeleteTenant_TransitiveScope(t *testing.T) {
	g, err := graph.Parse([]byte(`
entities:
  - name: orders
    tenant_field: tenant_id
  - name: order_items
    parents:
      - entity: orders
        field: order_id
`))
	require.NoError(t, err)

	store := datastore.NewMemoryStore()
	store.DefineEntity("orders", "tenant_id")
	store.DefineEntity("order_items", "order_id")
	store.Seed("orders",
		datastore.Row{"id": "oa", "tenant_id": tenantA},
		datastore.Row{"id": "ob", "tenant_id": tenantB},
	)
	store.Seed("order_items",
		datastore.Row{"order_id": "oa"},
		datastore.Row{"order_id": "oa"},
		datastore.Row{"order_id": "ob"},
	)
	f := newFixture(t, store, func(o *Options) { o.Graph = g })

	plan := f.maint.Plan()
	require.Len(t, plan, 2)
	assert.Equal(t, PlanStep{Entity: "order_items", Scope: "via:orders"}, plan[0])
	assert.Equal(t, PlanStep{Entity: "orders", Scope: "direct", WaitsFor: []string{"order_items"}}, plan[1])

	report, err := f.maint.Planner.DeleteTenant(context.Background(), tenantA)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, int64(2), report.Step("order_items").Deleted)
	assert.Equal(t, int64(1), report.Step("orders").Deleted)

	rest := store.Rows("order_items")
	require.Len(t, rest, 1)
	assert.Equal(t, "ob", rest[0]["order_id"])
}
