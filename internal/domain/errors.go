package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTenantNotFound 租户不存在（整个操作中止）
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrSchemaUnsupported 实体类型/属性在当前权限下不可用，需要线下变更 schema
	ErrSchemaUnsupported = errors.New("schema unsupported")
	// ErrPermissionDenied 需要更高权限，不重试
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransient 网络/超时类错误，重试耗尽后上报
	ErrTransient = errors.New("transient error")
	// ErrBlocked 级联删除因子步骤失败而跳过父类型
	ErrBlocked = errors.New("blocked by failed child step")
)

// ErrorKind 报告中的错误分类
type ErrorKind string

const (
	KindTenantNotFound    ErrorKind = "tenant_not_found"
	KindSchemaUnsupported ErrorKind = "schema_unsupported"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindTransient         ErrorKind = "transient"
	KindBlocked           ErrorKind = "blocked"
	KindCancelled         ErrorKind = "cancelled"
	KindOther             ErrorKind = "other"
)

// StepError 单个实体类型步骤的失败信息（聚合进报告，不中断其他实体类型）
type StepError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	BlockedBy string    `json:"blocked_by,omitempty"`
	cause     error
}

func (e *StepError) Error() string {
	if e.BlockedBy != "" {
		return fmt.Sprintf("%s: blocked by %s", e.Kind, e.BlockedBy)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StepError) Unwrap() error { return e.cause }

// Is 让 errors.Is(stepErr, ErrBlocked) 等按 Kind 匹配
func (e *StepError) Is(target error) bool {
	switch target {
	case ErrTenantNotFound:
		return e.Kind == KindTenantNotFound
	case ErrSchemaUnsupported:
		return e.Kind == KindSchemaUnsupported
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrBlocked:
		return e.Kind == KindBlocked
	}
	return false
}

// NewStepError 按 kind 构造
func NewStepError(kind ErrorKind, cause error) *StepError {
	msg := string(kind)
	if cause != nil {
		msg = cause.Error()
	}
	return &StepError{Kind: kind, Message: msg, cause: cause}
}

// Blocked 父类型因子类型 child 失败而跳过
func Blocked(child string) *StepError {
	return &StepError{
		Kind:      KindBlocked,
		Message:   fmt.Sprintf("child step %s did not complete", child),
		BlockedBy: child,
	}
}

// KindOf 将任意错误映射为报告分类
func KindOf(err error) ErrorKind {
	var se *StepError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, ErrTenantNotFound):
		return KindTenantNotFound
	case errors.Is(err, ErrSchemaUnsupported):
		return KindSchemaUnsupported
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrBlocked):
		return KindBlocked
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindOther
	}
}
