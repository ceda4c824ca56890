package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/metering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMeter_RecordAndUsage(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	meter := metering.NewMemoryMeter().WithClock(fixedClock(now))
	ctx := context.Background()
	tenantID := "tenant-123"

	events := []metering.Event{
		{TenantID: tenantID, Resource: "api_calls_per_month", Quantity: 1},
		{TenantID: tenantID, Resource: "api_calls_per_month", Quantity: 1},
		{TenantID: tenantID, Resource: "bandwidth_mbps", Quantity: 1500},
	}
	for _, e := range events {
		require.NoError(t, meter.Record(ctx, e))
	}

	usage, err := meter.Usage(ctx, tenantID, metering.MonthlyPeriod(now))
	require.NoError(t, err)

	assert.Equal(t, tenantID, usage.TenantID)
	assert.Equal(t, int64(2), usage.Totals["api_calls_per_month"])
	assert.Equal(t, int64(1500), usage.Totals["bandwidth_mbps"])
}

func TestMeter_Count(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	meter := metering.NewMemoryMeter().WithClock(fixedClock(now))
	ctx := context.Background()
	tenantID := "tenant-456"

	require.NoError(t, meter.RecordBatch(ctx, []metering.Event{
		{TenantID: tenantID, Resource: "api_calls_per_month", Quantity: 10},
		{TenantID: tenantID, Resource: "api_calls_per_month", Quantity: 5},
		{TenantID: tenantID, Resource: "storage_gb", Quantity: 100},
	}))

	calls, err := meter.Count(ctx, tenantID, "api_calls_per_month", metering.MonthlyPeriod(now))
	require.NoError(t, err)
	assert.Equal(t, int64(15), calls)
}

func TestMeter_TenantIsolation(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	meter := metering.NewMemoryMeter().WithClock(fixedClock(now))
	ctx := context.Background()

	_ = meter.Record(ctx, metering.Event{TenantID: "tenant-a", Resource: "api_calls_per_month", Quantity: 100})
	_ = meter.Record(ctx, metering.Event{TenantID: "tenant-b", Resource: "api_calls_per_month", Quantity: 50})

	countA, _ := meter.Count(ctx, "tenant-a", "api_calls_per_month", metering.MonthlyPeriod(now))
	countB, _ := meter.Count(ctx, "tenant-b", "api_calls_per_month", metering.MonthlyPeriod(now))

	assert.Equal(t, int64(100), countA)
	assert.Equal(t, int64(50), countB)
}

func TestMeter_PeriodBoundaries(t *testing.T) {
	// Half-open window: events at End are outside, events at Start inside.
	ctx := context.Background()
	meter := metering.NewMemoryMeter()
	period := metering.MonthlyPeriod(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, meter.Record(ctx, metering.Event{
		TenantID: "t", Resource: "api_calls_per_month", Quantity: 1, Timestamp: period.Start,
	}))
	require.NoError(t, meter.Record(ctx, metering.Event{
		TenantID: "t", Resource: "api_calls_per_month", Quantity: 1, Timestamp: period.End,
	}))
	require.NoError(t, meter.Record(ctx, metering.Event{
		TenantID: "t", Resource: "api_calls_per_month", Quantity: 1, Timestamp: period.End.Add(-time.Second),
	}))

	count, err := meter.Count(ctx, "t", "api_calls_per_month", period)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestEvent_Validate(t *testing.T) {
	assert.ErrorIs(t, metering.Event{Resource: "x", Quantity: 1}.Validate(), metering.ErrEmptyTenantID)
	assert.ErrorIs(t, metering.Event{TenantID: "t", Quantity: 1}.Validate(), metering.ErrEmptyResource)
	assert.ErrorIs(t, metering.Event{TenantID: "t", Resource: "x"}.Validate(), metering.ErrBadQuantity)
	assert.ErrorIs(t, metering.Event{TenantID: "t", Resource: "x", Quantity: -5}.Validate(), metering.ErrBadQuantity)
	assert.NoError(t, metering.Event{TenantID: "t", Resource: "x", Quantity: 1}.Validate())
}

func TestPeriods(t *testing.T) {
	at := time.Date(2026, 3, 15, 18, 30, 0, 0, time.UTC)

	daily := metering.DailyPeriod(at)
	assert.Equal(t, 24*time.Hour, daily.Duration())
	assert.True(t, daily.Contains(at))

	monthly := metering.MonthlyPeriod(at)
	assert.Equal(t, 1, monthly.Start.Day())
	assert.Equal(t, time.Month(4), monthly.End.Month())
	assert.True(t, monthly.Contains(at))
	assert.False(t, monthly.Contains(monthly.End))
}
