package datastore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := NewPostgresStore(db, zap.NewNop())
	return db, mock, store
}

func TestPostgresStore_Count(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "orders" WHERE "tenant_id" IS NULL`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.Count(context.Background(), "orders", Where(IsNull("tenant_id")))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateWhere(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "orders" SET "tenant_id" = $1 WHERE "tenant_id" IS NULL`)).
		WithArgs("tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.UpdateWhere(context.Background(), "orders", Where(IsNull("tenant_id")), Row{"tenant_id": "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteWhere_Subselect(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(
		`DELETE FROM "order_items" WHERE "order_id" IN (SELECT "id" FROM "orders" WHERE "tenant_id" = $1)`)).
		WithArgs("tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := store.DeleteWhere(context.Background(), "order_items",
		Where(InSelect("order_id", "orders", "id", Where(Eq("tenant_id", "tenant-1")))))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteWhere_RequiresFilter(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	_, err := store.DeleteWhere(context.Background(), "orders", nil)
	require.Error(t, err)
	assert.Equal(t, KindOther, KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SelectDistinct(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT DISTINCT "category" FROM "services" WHERE "tenant_id" = $1 AND "category" IS NOT NULL ORDER BY "category"`)).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"category"}).AddRow("Dry").AddRow([]byte("Wash")))

	rows, err := store.Select(context.Background(), "services",
		Where(Eq("tenant_id", "tenant-1"), NotNull("category")),
		SelectOptions{Columns: []string{"category"}, Distinct: true, OrderBy: []string{"category"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Dry", rows[0]["category"])
	assert.Equal(t, "Wash", rows[1]["category"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SelectLimit(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "tenant_id" FROM "orders" WHERE "tenant_id" IS NULL LIMIT $1`)).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	rows, err := store.Select(context.Background(), "orders", Where(IsNull("tenant_id")),
		SelectOptions{Columns: []string{"tenant_id"}, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertIgnore(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO "categories" ("is_active", "name", "sort_order", "tenant_id") VALUES ($1, $2, $3, $4) ON CONFLICT ("tenant_id", "name") DO NOTHING`)).
		WithArgs(true, "Wash", 0, "tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := store.InsertIgnore(context.Background(), "categories",
		[]Row{{"tenant_id": "tenant-1", "name": "Wash", "sort_order": 0, "is_active": true}},
		[]string{"tenant_id", "name"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertMultipleRows(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "categories" ("name", "tenant_id") VALUES ($1, $2), ($3, $4)`)).
		WithArgs("Wash", "t", "Dry", "t").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.Insert(context.Background(), "categories",
		[]Row{{"tenant_id": "t", "name": "Wash"}, {"tenant_id": "t", "name": "Dry"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertMismatchedRows(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	_, err := store.Insert(context.Background(), "categories",
		[]Row{{"tenant_id": "t", "name": "Wash"}, {"tenant_id": "t"}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RejectsInvalidIdentifiers(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	_, err := store.Count(context.Background(), `orders"; DROP TABLE tenants; --`, nil)
	require.Error(t, err)

	_, err = store.Count(context.Background(), "orders", Where(Eq("tenant_id = tenant_id OR 1", 1)))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"undefined column", &pq.Error{Code: "42703"}, KindUnknownAttribute},
		{"undefined table", &pq.Error{Code: "42P01"}, KindUnknownEntity},
		{"insufficient privilege", &pq.Error{Code: "42501"}, KindPermissionDenied},
		{"unique violation", &pq.Error{Code: "23505"}, KindConflict},
		{"no conflict target", &pq.Error{Code: "42P10"}, KindConflictTargetMissing},
		{"serialization failure", &pq.Error{Code: "40001"}, KindTransient},
		{"connection failure", &pq.Error{Code: "08006"}, KindTransient},
		{"too many connections", &pq.Error{Code: "53300"}, KindTransient},
		{"query canceled", &pq.Error{Code: "57014"}, KindTransient},
		{"syntax error", &pq.Error{Code: "42601"}, KindOther},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"plain", errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()

			mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "orders"`)).WillReturnError(tt.err)

			_, err := store.Count(context.Background(), "orders", nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
