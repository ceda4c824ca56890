package quota

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Limits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT resource, limit_value FROM tenant_quota_limits WHERE tenant_id = $1")).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"resource", "limit_value"}).
			AddRow("cpu_cores", 32).
			AddRow("memory_gb", 128))

	limits, err := store.Limits(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(32), limits[CPUCores])
	assert.Equal(t, int64(128), limits[MemoryGB])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LimitsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT resource, limit_value FROM tenant_quota_limits WHERE tenant_id = $1")).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"resource", "limit_value"}))

	limits, err := store.Limits(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, limits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetLimitsReplacesSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM tenant_quota_limits WHERE tenant_id = $1")).
		WithArgs("tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tenant_quota_limits (tenant_id, resource, limit_value) VALUES ($1, $2, $3)")).
		WithArgs("tenant-1", "cpu_cores", int64(32)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = store.SetLimits(context.Background(), "tenant-1", Limits{CPUCores: 32})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UsageNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT allocated, used, updated_at FROM tenant_quota_usage WHERE tenant_id = $1 AND resource = $2")).
		WithArgs("tenant-1", "cpu_cores").
		WillReturnRows(sqlmock.NewRows([]string{"allocated", "used", "updated_at"}))

	_, found, err := store.Usage(context.Background(), "tenant-1", CPUCores)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetUsageUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tenant_quota_usage")).
		WithArgs("tenant-1", "cpu_cores", int64(30), int64(0), now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.SetUsage(context.Background(), "tenant-1", CPUCores, Usage{Allocated: 30, UpdatedAt: now})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
