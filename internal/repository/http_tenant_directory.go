package repository

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const resultSuccess = 2000

// apiResult 与 wisefido-data admin API 的 Result 结构一致
type apiResult[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

type tenantList struct {
	Items []domain.Tenant `json:"items"`
	Total int             `json:"total"`
}

// HTTPTenantDirectory 通过 admin API 解析租户（维护进程没有 tenants 表读权限时使用）
type HTTPTenantDirectory struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPTenantDirectory 创建 HTTP 租户目录
// 客户端不做重试：5xx 和网络错误归为 Transient，由调用方的重试循环决定次数
func NewHTTPTenantDirectory(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPTenantDirectory {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPTenantDirectory{client: client, logger: logger}
}

var _ TenantDirectory = (*HTTPTenantDirectory)(nil)

// ResolveBySubdomain GET /admin/api/v1/tenants?subdomain=...
func (d *HTTPTenantDirectory) ResolveBySubdomain(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if subdomain == "" {
		return nil, fmt.Errorf("subdomain is required")
	}

	var result apiResult[tenantList]
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("subdomain", subdomain).
		SetResult(&result).
		Get("/admin/api/v1/tenants")
	if err != nil {
		d.logger.Error("Tenant directory call failed",
			zap.String("subdomain", subdomain),
			zap.Error(err),
		)
		return nil, datastore.NewError(datastore.KindTransient, "select", "tenants", err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("subdomain %q: %w", subdomain, domain.ErrTenantNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, datastore.NewError(datastore.KindPermissionDenied, "select", "tenants",
			fmt.Errorf("tenant directory returned %d", status))
	case status >= http.StatusInternalServerError:
		return nil, datastore.NewError(datastore.KindTransient, "select", "tenants",
			fmt.Errorf("tenant directory returned %d", status))
	case status != http.StatusOK:
		return nil, fmt.Errorf("tenant directory returned unexpected status %d", status)
	}

	if result.Code != resultSuccess {
		return nil, fmt.Errorf("tenant directory error: %s (code: %d)", result.Message, result.Code)
	}
	for i := range result.Result.Items {
		t := result.Result.Items[i]
		if strings.EqualFold(t.Subdomain, subdomain) {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("subdomain %q: %w", subdomain, domain.ErrTenantNotFound)
}
