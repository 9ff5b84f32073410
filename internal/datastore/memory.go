package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore 内存实现，用于单元测试和本地演练（无数据库时）
// 支持声明 schema（未知列/表返回分类错误）、按实体拒绝权限、注入错误
type MemoryStore struct {
	mu      sync.Mutex
	tables  map[string][]Row
	columns map[string]map[string]bool // entity -> 已声明的列；未声明的实体不存在
	unique  map[string][]string        // entity -> 唯一键列
	denied  map[string]bool
	faults  map[string]*fault // op:entity -> 注入错误
	calls   []Call
}

// Call 记录一次调用（用于断言执行顺序）
type Call struct {
	Op     string
	Entity string
}

type fault struct {
	err       error
	remaining int // <=0 表示一直失败
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:  map[string][]Row{},
		columns: map[string]map[string]bool{},
		unique:  map[string][]string{},
		denied:  map[string]bool{},
		faults:  map[string]*fault{},
	}
}

var (
	_ Client                   = (*MemoryStore)(nil)
	_ ConflictTolerantInserter = (*MemoryStore)(nil)
)

// DefineEntity 声明实体类型及其列（"id" 列自动包含）
func (m *MemoryStore) DefineEntity(entity string, columns ...string) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	cols, ok := m.columns[entity]
	if !ok {
		cols = map[string]bool{"id": true}
		m.columns[entity] = cols
	}
	for _, c := range columns {
		cols[c] = true
	}
	return m
}

// SetUnique 声明唯一键
func (m *MemoryStore) SetUnique(entity string, columns ...string) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unique[entity] = columns
	return m
}

// Deny 模拟当前凭据对该实体类型无权限
func (m *MemoryStore) Deny(entity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[entity] = true
}

// FailOn 注入错误；times<=0 表示一直失败
func (m *MemoryStore) FailOn(op, entity string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op+":"+entity] = &fault{err: err, remaining: times}
}

// Seed 直接写入行（绕过唯一约束检查），缺少 id 时自动生成
func (m *MemoryStore) Seed(entity string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[entity] = append(m.tables[entity], m.withID(copyRow(r)))
	}
}

// Rows 返回实体类型当前所有行的拷贝
func (m *MemoryStore) Rows(entity string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.tables[entity]))
	for _, r := range m.tables[entity] {
		out = append(out, copyRow(r))
	}
	return out
}

// Calls 返回调用记录
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Select 查询
func (m *MemoryStore) Select(ctx context.Context, entity string, filter Filter, opts SelectOptions) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "select", entity, filter, opts.Columns, opts.OrderBy); err != nil {
		return nil, err
	}

	var out []Row
	seen := map[string]bool{}
	for _, r := range m.tables[entity] {
		if !m.match(r, filter) {
			continue
		}
		row := r
		if len(opts.Columns) > 0 {
			row = Row{}
			for _, c := range opts.Columns {
				row[c] = r[c]
			}
		}
		if opts.Distinct {
			key := rowKey(row)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, copyRow(row))
	}
	if len(opts.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, c := range opts.OrderBy {
				a, b := fmt.Sprint(out[i][c]), fmt.Sprint(out[j][c])
				if a != b {
					return a < b
				}
			}
			return false
		})
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

// Count 计数
func (m *MemoryStore) Count(ctx context.Context, entity string, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "count", entity, filter, nil, nil); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range m.tables[entity] {
		if m.match(r, filter) {
			n++
		}
	}
	return n, nil
}

// UpdateWhere 在锁内完成匹配+更新，等价于单条原子 UPDATE
func (m *MemoryStore) UpdateWhere(ctx context.Context, entity string, filter Filter, patch Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "update", entity, filter, sortedKeys(patch), nil); err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 0, NewError(KindOther, "update", entity, errors.New("empty patch"))
	}
	var n int64
	for _, r := range m.tables[entity] {
		if !m.match(r, filter) {
			continue
		}
		for k, v := range patch {
			r[k] = v
		}
		n++
	}
	return n, nil
}

// DeleteWhere 条件删除
func (m *MemoryStore) DeleteWhere(ctx context.Context, entity string, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "delete", entity, filter, nil, nil); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, NewError(KindOther, "delete", entity, errors.New("refusing to delete without a filter"))
	}
	kept := m.tables[entity][:0]
	var n int64
	for _, r := range m.tables[entity] {
		if m.match(r, filter) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.tables[entity] = kept
	return n, nil
}

// Insert 插入；违反唯一键返回 KindConflict
func (m *MemoryStore) Insert(ctx context.Context, entity string, rows []Row) (int64, error) {
	return m.insert(ctx, entity, rows, nil, false)
}

// InsertIgnore 冲突行跳过；conflictColumns 必须与 SetUnique 声明的唯一键一致，
// 否则与 Postgres 一样返回 KindConflictTargetMissing
func (m *MemoryStore) InsertIgnore(ctx context.Context, entity string, rows []Row, conflictColumns []string) (int64, error) {
	return m.insert(ctx, entity, rows, conflictColumns, true)
}

func (m *MemoryStore) insert(ctx context.Context, entity string, rows []Row, conflictColumns []string, ignore bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cols []string
	for _, r := range rows {
		cols = append(cols, sortedKeys(r)...)
	}
	if err := m.begin(ctx, "insert", entity, nil, cols, nil); err != nil {
		return 0, err
	}
	if ignore && len(conflictColumns) > 0 && !sameColumns(conflictColumns, m.unique[entity]) {
		return 0, NewError(KindConflictTargetMissing, "insert", entity,
			fmt.Errorf("no unique constraint matching %v", conflictColumns))
	}

	var n int64
	for _, r := range rows {
		if m.conflicts(entity, r) {
			if ignore {
				continue
			}
			return n, NewError(KindConflict, "insert", entity, fmt.Errorf("duplicate key %v", m.unique[entity]))
		}
		m.tables[entity] = append(m.tables[entity], m.withID(copyRow(r)))
		n++
	}
	return n, nil
}

// begin 记录调用并做 ctx/权限/schema/注入错误检查（调用方持有锁）
func (m *MemoryStore) begin(ctx context.Context, op, entity string, filter Filter, columns, orderBy []string) error {
	m.calls = append(m.calls, Call{Op: op, Entity: entity})
	if err := ctx.Err(); err != nil {
		kind := KindOther
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTransient
		}
		return NewError(kind, op, entity, err)
	}
	if f, ok := m.faults[op+":"+entity]; ok {
		if f.remaining <= 0 {
			return f.err
		}
		f.remaining--
		if f.remaining == 0 {
			delete(m.faults, op+":"+entity)
		}
		return f.err
	}
	if err := filter.Validate(); err != nil {
		return NewError(KindOther, op, entity, err)
	}
	if m.denied[entity] {
		return NewError(KindPermissionDenied, op, entity, errors.New("permission denied for relation "+entity))
	}
	cols, ok := m.columns[entity]
	if !ok {
		return NewError(KindUnknownEntity, op, entity, errors.New("relation does not exist"))
	}
	check := append(append([]string{}, columns...), orderBy...)
	check = append(check, filterFields(filter)...)
	for _, c := range check {
		if !cols[c] {
			return NewError(KindUnknownAttribute, op, entity, fmt.Errorf("column %q does not exist", c))
		}
	}
	for _, c := range filter {
		if c.Op == OpIn {
			if err := m.begin(ctx, "select", c.Sub.Entity, c.Sub.Filter, []string{c.Sub.Column}, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func filterFields(filter Filter) []string {
	out := make([]string, 0, len(filter))
	for _, c := range filter {
		out = append(out, c.Field)
	}
	return out
}

func (m *MemoryStore) match(r Row, filter Filter) bool {
	for _, c := range filter {
		v, present := r[c.Field]
		isNull := !present || v == nil
		switch c.Op {
		case OpEq:
			if isNull || fmt.Sprint(v) != fmt.Sprint(c.Value) {
				return false
			}
		case OpIsNull:
			if !isNull {
				return false
			}
		case OpNotNull:
			if isNull {
				return false
			}
		case OpIn:
			if isNull {
				return false
			}
			found := false
			for _, sr := range m.tables[c.Sub.Entity] {
				if m.match(sr, c.Sub.Filter) && fmt.Sprint(sr[c.Sub.Column]) == fmt.Sprint(v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (m *MemoryStore) conflicts(entity string, r Row) bool {
	key := m.unique[entity]
	if len(key) == 0 {
		return false
	}
	for _, existing := range m.tables[entity] {
		same := true
		for _, c := range key {
			if fmt.Sprint(existing[c]) != fmt.Sprint(r[c]) {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(b))
	for _, c := range b {
		set[c] = true
	}
	for _, c := range a {
		if !set[c] {
			return false
		}
	}
	return true
}

func (m *MemoryStore) withID(r Row) Row {
	if _, ok := r["id"]; !ok {
		r["id"] = uuid.NewString()
	}
	return r
}

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func rowKey(r Row) string {
	var b strings.Builder
	for _, k := range sortedKeys(r) {
		fmt.Fprintf(&b, "%s=%v;", k, r[k])
	}
	return b.String()
}
