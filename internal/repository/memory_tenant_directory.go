package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"wisefido-tenant-integrity/internal/domain"

	"github.com/google/uuid"
)

// MemoryTenantDirectory 内存租户目录（单元测试 / 无数据库演练）
type MemoryTenantDirectory struct {
	mu      sync.RWMutex
	tenants map[string]domain.Tenant // subdomain -> Tenant
}

// NewMemoryTenantDirectory 创建内存租户目录
func NewMemoryTenantDirectory(tenants ...domain.Tenant) *MemoryTenantDirectory {
	d := &MemoryTenantDirectory{tenants: map[string]domain.Tenant{}}
	for _, t := range tenants {
		d.Add(t)
	}
	return d
}

// Add 添加租户，缺少 TenantID 时生成
func (d *MemoryTenantDirectory) Add(t domain.Tenant) domain.Tenant {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.TenantID == "" {
		t.TenantID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "active"
	}
	t.Subdomain = strings.ToLower(t.Subdomain)
	d.tenants[t.Subdomain] = t
	return t
}

func (d *MemoryTenantDirectory) ResolveBySubdomain(_ context.Context, subdomain string) (*domain.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[strings.ToLower(strings.TrimSpace(subdomain))]
	if !ok {
		return nil, fmt.Errorf("subdomain %q: %w", subdomain, domain.ErrTenantNotFound)
	}
	return &t, nil
}
