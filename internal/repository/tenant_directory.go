package repository

import (
	"context"

	"wisefido-tenant-integrity/internal/domain"
)

// TenantDirectory 租户目录（按子域名解析租户）
// 租户不存在时返回的错误满足 errors.Is(err, domain.ErrTenantNotFound)
type TenantDirectory interface {
	ResolveBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error)
}
