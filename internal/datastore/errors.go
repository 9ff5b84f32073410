package datastore

import (
	"context"
	"errors"
	"fmt"
)

// Kind 存储边界的错误分类
type Kind int

const (
	KindOther Kind = iota
	KindUnknownAttribute
	KindUnknownEntity
	KindPermissionDenied
	KindTransient
	KindConflict              // 唯一约束冲突
	KindConflictTargetMissing // ON CONFLICT 列上没有匹配的唯一索引
)

func (k Kind) String() string {
	switch k {
	case KindUnknownAttribute:
		return "unknown_attribute"
	case KindUnknownEntity:
		return "unknown_entity"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindConflictTargetMissing:
		return "conflict_target_missing"
	default:
		return "other"
	}
}

// Error 带分类的存储错误
type Error struct {
	Kind   Kind
	Op     string
	Entity string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("datastore %s %s: %s: %v", e.Op, e.Entity, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造分类错误
func NewError(kind Kind, op, entity string, err error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Err: err}
}

// KindOf 对任意错误分类；未分类的超时视为 Transient
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindOther
}

// IsTransient 是否可重试
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
