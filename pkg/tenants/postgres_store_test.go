package tenants

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/strata/pkg/quota"
	"github.com/Mindburn-Labs/strata/pkg/tiers"
)

func tenantColumns() []string {
	return []string{"id", "name", "tenant_type", "status", "contact_email",
		"limits", "scaling_policy", "metadata", "created_at", "suspended_at", "terminated_at"}
}

func TestPostgresStore_InsertDetectsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	tn := Tenant{
		ID:        "t-1",
		Name:      "Acme Corp",
		Type:      tiers.TypeIndividual,
		Status:    StatusActive,
		Limits:    quota.Limits{quota.CPUCores: 2},
		CreatedAt: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}

	// The unique index swallows the clash; zero rows affected means duplicate.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tenants")).
		WithArgs("t-1", "Acme Corp", "acme corp", "individual", "active", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Insert(context.Background(), tn)
	assert.ErrorIs(t, err, ErrDuplicateTenant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertStoresRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	tn := Tenant{
		ID:        "t-1",
		Name:      "Acme Corp",
		Type:      tiers.TypeIndividual,
		Status:    StatusActive,
		Limits:    quota.Limits{quota.CPUCores: 2},
		CreatedAt: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tenants")).
		WithArgs("t-1", "Acme Corp", "acme corp", "individual", "active", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Insert(context.Background(), tn))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDecodesDocuments(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenants WHERE id = $1")).
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows(tenantColumns()).
			AddRow("t-1", "Acme Corp", "enterprise", "suspended", "ops@acme.test",
				[]byte(`{"cpu_cores":32,"memory_gb":128}`),
				[]byte(`{"min_instances":1,"max_instances":50,"cpu_threshold":0.8,"memory_threshold":0.8}`),
				[]byte(`{"region":"eu-west-1"}`),
				created, created.Add(time.Hour), nil))

	tn, err := store.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, tiers.TypeEnterprise, tn.Type)
	assert.Equal(t, StatusSuspended, tn.Status)
	assert.Equal(t, int64(32), tn.Limits[quota.CPUCores])
	assert.Equal(t, 50, tn.Policy.MaxInstances)
	assert.Equal(t, "eu-west-1", tn.Metadata["region"])
	require.NotNil(t, tn.SuspendedAt)
	assert.Equal(t, created.Add(time.Hour), *tn.SuspendedAt)
	assert.Nil(t, tn.TerminatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenants WHERE id = $1")).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows(tenantColumns()))

	_, err = store.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateUnknownTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tenants SET")).
		WithArgs("ghost", "Ghost", "active", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Update(context.Background(), Tenant{ID: "ghost", Name: "Ghost", Status: StatusActive})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
