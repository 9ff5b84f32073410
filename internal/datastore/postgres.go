package datastore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore 基于 database/sql + lib/pq 的 Client 实现
// 实体类型即表名，属性即列名；所有标识符经过校验并加引号
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore 创建 PostgresStore
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// 确保实现了接口
var (
	_ Client                   = (*PostgresStore)(nil)
	_ ConflictTolerantInserter = (*PostgresStore)(nil)
)

// Select 查询
func (s *PostgresStore) Select(ctx context.Context, entity string, filter Filter, opts SelectOptions) ([]Row, error) {
	if err := checkEntity(entity, filter); err != nil {
		return nil, NewError(KindOther, "select", entity, err)
	}

	cols := "*"
	if len(opts.Columns) > 0 {
		quoted := make([]string, 0, len(opts.Columns))
		for _, c := range opts.Columns {
			if !ValidIdentifier(c) {
				return nil, NewError(KindOther, "select", entity, fmt.Errorf("invalid column %q", c))
			}
			quoted = append(quoted, pq.QuoteIdentifier(c))
		}
		cols = strings.Join(quoted, ", ")
	}

	var args []any
	where, err := buildWhere(filter, &args)
	if err != nil {
		return nil, NewError(KindOther, "select", entity, err)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if opts.Distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(cols)
	b.WriteString(" FROM ")
	b.WriteString(pq.QuoteIdentifier(entity))
	b.WriteString(where)
	if len(opts.OrderBy) > 0 {
		order := make([]string, 0, len(opts.OrderBy))
		for _, c := range opts.OrderBy {
			if !ValidIdentifier(c) {
				return nil, NewError(KindOther, "select", entity, fmt.Errorf("invalid order column %q", c))
			}
			order = append(order, pq.QuoteIdentifier(c))
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(order, ", "))
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, classify("select", entity, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classify("select", entity, err)
	}

	out := []Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify("select", entity, err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if raw, ok := values[i].([]byte); ok {
				row[col] = string(raw)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("select", entity, err)
	}
	return out, nil
}

// Count 精确计数
func (s *PostgresStore) Count(ctx context.Context, entity string, filter Filter) (int64, error) {
	if err := checkEntity(entity, filter); err != nil {
		return 0, NewError(KindOther, "count", entity, err)
	}
	var args []any
	where, err := buildWhere(filter, &args)
	if err != nil {
		return 0, NewError(KindOther, "count", entity, err)
	}

	query := "SELECT COUNT(*) FROM " + pq.QuoteIdentifier(entity) + where
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify("count", entity, err)
	}
	return n, nil
}

// UpdateWhere 单条 UPDATE ... WHERE，原子执行
func (s *PostgresStore) UpdateWhere(ctx context.Context, entity string, filter Filter, patch Row) (int64, error) {
	if err := checkEntity(entity, filter); err != nil {
		return 0, NewError(KindOther, "update", entity, err)
	}
	if len(patch) == 0 {
		return 0, NewError(KindOther, "update", entity, errors.New("empty patch"))
	}

	var args []any
	sets := make([]string, 0, len(patch))
	for _, col := range sortedKeys(patch) {
		if !ValidIdentifier(col) {
			return 0, NewError(KindOther, "update", entity, fmt.Errorf("invalid column %q", col))
		}
		args = append(args, patch[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col), len(args)))
	}
	where, err := buildWhere(filter, &args)
	if err != nil {
		return 0, NewError(KindOther, "update", entity, err)
	}

	query := "UPDATE " + pq.QuoteIdentifier(entity) + " SET " + strings.Join(sets, ", ") + where
	return s.exec(ctx, "update", entity, query, args)
}

// DeleteWhere 条件删除
func (s *PostgresStore) DeleteWhere(ctx context.Context, entity string, filter Filter) (int64, error) {
	if err := checkEntity(entity, filter); err != nil {
		return 0, NewError(KindOther, "delete", entity, err)
	}
	// 不允许无条件删除整张表
	if len(filter) == 0 {
		return 0, NewError(KindOther, "delete", entity, errors.New("refusing to delete without a filter"))
	}
	var args []any
	where, err := buildWhere(filter, &args)
	if err != nil {
		return 0, NewError(KindOther, "delete", entity, err)
	}
	return s.exec(ctx, "delete", entity, "DELETE FROM "+pq.QuoteIdentifier(entity)+where, args)
}

// Insert 批量插入
func (s *PostgresStore) Insert(ctx context.Context, entity string, rows []Row) (int64, error) {
	query, args, err := buildInsert(entity, rows, "")
	if err != nil {
		return 0, NewError(KindOther, "insert", entity, err)
	}
	if query == "" {
		return 0, nil
	}
	return s.exec(ctx, "insert", entity, query, args)
}

// InsertIgnore INSERT ... ON CONFLICT (cols) DO NOTHING
// conflictColumns 为空时匹配任意唯一约束
func (s *PostgresStore) InsertIgnore(ctx context.Context, entity string, rows []Row, conflictColumns []string) (int64, error) {
	target := ""
	if len(conflictColumns) > 0 {
		quoted := make([]string, 0, len(conflictColumns))
		for _, c := range conflictColumns {
			if !ValidIdentifier(c) {
				return 0, NewError(KindOther, "insert", entity, fmt.Errorf("invalid conflict column %q", c))
			}
			quoted = append(quoted, pq.QuoteIdentifier(c))
		}
		target = " (" + strings.Join(quoted, ", ") + ")"
	}
	query, args, err := buildInsert(entity, rows, " ON CONFLICT"+target+" DO NOTHING")
	if err != nil {
		return 0, NewError(KindOther, "insert", entity, err)
	}
	if query == "" {
		return 0, nil
	}
	return s.exec(ctx, "insert", entity, query, args)
}

func (s *PostgresStore) exec(ctx context.Context, op, entity, query string, args []any) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(op, entity, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify(op, entity, fmt.Errorf("failed to get rows affected: %w", err))
	}
	s.logger.Debug("datastore exec",
		zap.String("op", op),
		zap.String("entity", entity),
		zap.Int64("rows_affected", n),
	)
	return n, nil
}

func checkEntity(entity string, filter Filter) error {
	if !ValidIdentifier(entity) {
		return fmt.Errorf("invalid entity type %q", entity)
	}
	return filter.Validate()
}

// buildWhere 生成 " WHERE ..."，参数追加到 args（$n 连续编号）
func buildWhere(filter Filter, args *[]any) (string, error) {
	if len(filter) == 0 {
		return "", nil
	}
	clause, err := buildConditions(filter, args)
	if err != nil {
		return "", err
	}
	return " WHERE " + clause, nil
}

func buildConditions(filter Filter, args *[]any) (string, error) {
	parts := make([]string, 0, len(filter))
	for _, c := range filter {
		col := pq.QuoteIdentifier(c.Field)
		switch c.Op {
		case OpEq:
			*args = append(*args, c.Value)
			parts = append(parts, fmt.Sprintf("%s = $%d", col, len(*args)))
		case OpIsNull:
			parts = append(parts, col+" IS NULL")
		case OpNotNull:
			parts = append(parts, col+" IS NOT NULL")
		case OpIn:
			sub := "SELECT " + pq.QuoteIdentifier(c.Sub.Column) + " FROM " + pq.QuoteIdentifier(c.Sub.Entity)
			if len(c.Sub.Filter) > 0 {
				inner, err := buildConditions(c.Sub.Filter, args)
				if err != nil {
					return "", err
				}
				sub += " WHERE " + inner
			}
			parts = append(parts, col+" IN ("+sub+")")
		default:
			return "", fmt.Errorf("unsupported operator %q", c.Op)
		}
	}
	return strings.Join(parts, " AND "), nil
}

func buildInsert(entity string, rows []Row, suffix string) (string, []any, error) {
	if !ValidIdentifier(entity) {
		return "", nil, fmt.Errorf("invalid entity type %q", entity)
	}
	if len(rows) == 0 {
		return "", nil, nil
	}
	columns := sortedKeys(rows[0])
	if len(columns) == 0 {
		return "", nil, errors.New("insert row has no columns")
	}
	quoted := make([]string, 0, len(columns))
	for _, c := range columns {
		if !ValidIdentifier(c) {
			return "", nil, fmt.Errorf("invalid column %q", c)
		}
		quoted = append(quoted, pq.QuoteIdentifier(c))
	}

	var args []any
	tuples := make([]string, 0, len(rows))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("row %d: expected columns %v", i, columns)
		}
		ph := make([]string, 0, len(columns))
		for _, c := range columns {
			v, ok := row[c]
			if !ok {
				return "", nil, fmt.Errorf("row %d: missing column %q", i, c)
			}
			args = append(args, v)
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		tuples = append(tuples, "("+strings.Join(ph, ", ")+")")
	}

	query := "INSERT INTO " + pq.QuoteIdentifier(entity) +
		" (" + strings.Join(quoted, ", ") + ") VALUES " + strings.Join(tuples, ", ") + suffix
	return query, args, nil
}

func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// classify 把 lib/pq / 网络错误映射为 Kind（按 SQLSTATE，不匹配错误文本）
func classify(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(pgKind(err), op, entity, err)
}

func pgKind(err error) Kind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42703": // undefined_column
			return KindUnknownAttribute
		case "42P01": // undefined_table
			return KindUnknownEntity
		case "42501", "28000", "28P01": // insufficient_privilege / invalid authorization
			return KindPermissionDenied
		case "23505": // unique_violation
			return KindConflict
		case "42P10": // invalid_column_reference：ON CONFLICT 目标没有唯一索引
			return KindConflictTargetMissing
		case "40001", "40P01", "57014", "57P01", "57P02", "57P03":
			return KindTransient
		}
		switch pqErr.Code.Class() {
		case "08", "53":
			return KindTransient
		}
		return KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindOther
}

// ClassifyPostgres 供同一数据库上的其他仓储复用 SQLSTATE 分类
func ClassifyPostgres(op, entity string, err error) error {
	return classify(op, entity, err)
}
