package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"
)

// PostgresTenantDirectory 直接读取 tenants 表
type PostgresTenantDirectory struct {
	db *sql.DB
}

// NewPostgresTenantDirectory 创建租户目录
func NewPostgresTenantDirectory(db *sql.DB) *PostgresTenantDirectory {
	return &PostgresTenantDirectory{db: db}
}

// 确保实现了接口
var _ TenantDirectory = (*PostgresTenantDirectory)(nil)

// ResolveBySubdomain 根据 subdomain 获取租户（subdomain 有唯一索引）
func (r *PostgresTenantDirectory) ResolveBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if subdomain == "" {
		return nil, fmt.Errorf("subdomain is required")
	}

	query := `
		SELECT
			tenant_id::text,
			tenant_name,
			subdomain,
			COALESCE(status, 'active') as status,
			COALESCE(subscription_status, '') as subscription_status,
			trial_ends_at
		FROM tenants
		WHERE subdomain = $1
	`

	var tenant domain.Tenant
	var trialEndsAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, subdomain).Scan(
		&tenant.TenantID,
		&tenant.TenantName,
		&tenant.Subdomain,
		&tenant.Status,
		&tenant.SubscriptionStatus,
		&trialEndsAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subdomain %q: %w", subdomain, domain.ErrTenantNotFound)
		}
		return nil, fmt.Errorf("failed to resolve tenant by subdomain: %w",
			datastore.ClassifyPostgres("select", "tenants", err))
	}
	if trialEndsAt.Valid {
		t := trialEndsAt.Time.In(time.UTC)
		tenant.TrialEndsAt = &t
	}
	return &tenant, nil
}
