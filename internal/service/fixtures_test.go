package service

import (
	"testing"
	"time"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/graph"
	"wisefido-tenant-integrity/internal/metrics"
	"wisefido-tenant-integrity/internal/repository"
	"wisefido-tenant-integrity/internal/retry"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	tenantA = "11111111-1111-1111-1111-111111111111"
	tenantB = "22222222-2222-2222-2222-222222222222"
)

// newFixtureStore 按默认依赖图声明所有实体类型
func newFixtureStore() *datastore.MemoryStore {
	m := datastore.NewMemoryStore()
	for _, name := range graph.Default().Names() {
		m.DefineEntity(name, "tenant_id")
	}
	m.DefineEntity("services", "name", "category")
	m.DefineEntity("categories", "name", "sort_order", "is_active").
		SetUnique("categories", "tenant_id", "name")
	m.DefineEntity("invoices", "customer_id")
	m.DefineEntity("time_slots", "driver_id")
	m.DefineEntity("discount_codes", "promotion_id")
	m.DefineEntity("orders", "customer_id", "invoice_id", "driver_id", "time_slot_id", "discount_code_id")
	m.DefineEntity("order_items", "order_id", "service_id")
	return m
}

func testRetry() retry.Config {
	return retry.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		CallTimeout:    time.Second,
	}
}

type fixture struct {
	maint   *Maintenance
	dir     *repository.MemoryTenantDirectory
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, store datastore.Client, opts ...func(*Options)) *fixture {
	t.Helper()
	dir := repository.NewMemoryTenantDirectory()
	m := metrics.New()
	o := Options{
		Store:       store,
		Directory:   dir,
		Retry:       testRetry(),
		Concurrency: 4,
		Metrics:     m,
		Logger:      zap.NewNop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	maint, err := NewMaintenance(o)
	require.NoError(t, err)
	return &fixture{maint: maint, dir: dir, metrics: m}
}

func countCalls(calls []datastore.Call, op, entity string) int {
	n := 0
	for _, c := range calls {
		if c.Op == op && c.Entity == entity {
			n++
		}
	}
	return n
}

func firstCall(calls []datastore.Call, op, entity string) int {
	for i, c := range calls {
		if c.Op == op && c.Entity == entity {
			return i
		}
	}
	return -1
}
