// Package datastore 定义维护核心访问共享多租户存储的唯一能力集合。
// 核心逻辑只依赖 Client 接口；具体后端（PostgreSQL、内存）在边界处把
// 后端错误分类为 Kind，核心不解析任何后端错误文本。
package datastore

import (
	"context"
	"fmt"
	"regexp"
)

// Row 一行记录（列名 -> 值）
type Row map[string]any

// Op 条件运算符
type Op string

const (
	OpEq      Op = "eq"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
	OpIn      Op = "in" // field IN (SELECT ...)
)

// Subselect field IN (SELECT Column FROM Entity WHERE Filter)
type Subselect struct {
	Entity string
	Column string
	Filter Filter
}

// Condition 单个过滤条件
type Condition struct {
	Field string
	Op    Op
	Value any
	Sub   *Subselect
}

// Filter 条件合取（AND）
type Filter []Condition

func Eq(field string, value any) Condition { return Condition{Field: field, Op: OpEq, Value: value} }
func IsNull(field string) Condition        { return Condition{Field: field, Op: OpIsNull} }
func NotNull(field string) Condition       { return Condition{Field: field, Op: OpNotNull} }

// InSelect field IN (SELECT column FROM entity WHERE filter)
func InSelect(field, entity, column string, filter Filter) Condition {
	return Condition{Field: field, Op: OpIn, Sub: &Subselect{Entity: entity, Column: column, Filter: filter}}
}

// Where 构造 Filter
func Where(conds ...Condition) Filter { return Filter(conds) }

// SelectOptions 查询选项
type SelectOptions struct {
	Columns  []string // 为空则返回所有列
	Distinct bool
	Limit    int // 0 表示不限制
	OrderBy  []string
}

// Client 数据存储客户端能力集合
type Client interface {
	Select(ctx context.Context, entity string, filter Filter, opts SelectOptions) ([]Row, error)
	// Count 精确计数，不物化行
	Count(ctx context.Context, entity string, filter Filter) (int64, error)
	// UpdateWhere 原子的条件更新，返回更新行数
	UpdateWhere(ctx context.Context, entity string, filter Filter, patch Row) (int64, error)
	DeleteWhere(ctx context.Context, entity string, filter Filter) (int64, error)
	Insert(ctx context.Context, entity string, rows []Row) (int64, error)
}

// ConflictTolerantInserter 可选能力：冲突时忽略的插入（insert if absent）
// 返回实际插入的行数，冲突行不计入
type ConflictTolerantInserter interface {
	InsertIgnore(ctx context.Context, entity string, rows []Row, conflictColumns []string) (int64, error)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidIdentifier 实体类型/列名只允许普通标识符
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// Validate 校验过滤条件中的标识符和结构
func (f Filter) Validate() error {
	for _, c := range f {
		if !ValidIdentifier(c.Field) {
			return fmt.Errorf("invalid filter field %q", c.Field)
		}
		switch c.Op {
		case OpEq, OpIsNull, OpNotNull:
		case OpIn:
			if c.Sub == nil {
				return fmt.Errorf("filter %s: IN requires a subselect", c.Field)
			}
			if !ValidIdentifier(c.Sub.Entity) || !ValidIdentifier(c.Sub.Column) {
				return fmt.Errorf("filter %s: invalid subselect %s.%s", c.Field, c.Sub.Entity, c.Sub.Column)
			}
			if err := c.Sub.Filter.Validate(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("filter %s: unsupported operator %q", c.Field, c.Op)
		}
	}
	return nil
}
