package billing

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/strata/pkg/quota"
)

func TestPostgresRuleStore_AppendInsertsVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresRuleStore(db)
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cost_rules")).
		WithArgs("cpu_cores", "", "hour", int64(10), "USD", int64(0), true, at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Append(context.Background(), CostRule{
		Resource: quota.CPUCores, Unit: UnitHour, UnitCostMinor: 10,
		Currency: "USD", Enabled: true, EffectiveAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRuleStore_VersionsInRegistrationOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresRuleStore(db)
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE resource = $1 AND tenant_id = $2")).
		WithArgs("cpu_cores", "tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"resource", "tenant_id", "unit", "unit_cost_minor", "currency", "free_units", "enabled", "effective_at"}).
			AddRow("cpu_cores", "tenant-1", "hour", int64(10), "USD", int64(0), true, at).
			AddRow("cpu_cores", "tenant-1", "hour", int64(20), "USD", int64(0), true, at.Add(time.Hour)))

	chain, err := store.Versions(context.Background(), quota.CPUCores, "tenant-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, int64(10), chain[0].UnitCostMinor)
	assert.Equal(t, int64(20), chain[1].UnitCostMinor)
	assert.NoError(t, mock.ExpectationsWereMet())
}
