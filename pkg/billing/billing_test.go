package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/strata/pkg/allocator"
	"github.com/Mindburn-Labs/strata/pkg/billing"
	"github.com/Mindburn-Labs/strata/pkg/metering"
	"github.com/Mindburn-Labs/strata/pkg/quota"
)

var (
	periodStart = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	period      = metering.Period{Start: periodStart, End: periodStart.AddDate(0, 1, 0)}
)

func held(t *testing.T, store *allocator.MemoryStore, id string, r quota.Resource, amount int64, from time.Time, dur time.Duration) {
	t.Helper()
	a := allocator.Allocation{ID: id, TenantID: "tenant-1", Resource: r, Amount: amount, GrantedAt: from}
	if dur > 0 {
		released := from.Add(dur)
		a.ReleasedAt = &released
	}
	require.NoError(t, store.Append(context.Background(), a))
}

func newManager(t *testing.T) (*billing.Manager, *allocator.MemoryStore) {
	t.Helper()
	store := allocator.NewMemoryStore()
	m := billing.NewManager(billing.NewMemoryRuleStore(), store).
		WithClock(func() time.Time { return period.End })
	return m, store
}

func TestComputeBill_HourlyRate(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)

	// $0.10 per core-hour, 10 cores held two hours.
	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.CPUCores, Unit: billing.UnitHour, UnitCostMinor: 10,
		EffectiveAt: periodStart.Add(-time.Hour),
	}))
	held(t, store, "a-1", quota.CPUCores, 10, periodStart.Add(time.Hour), 2*time.Hour)

	bill, err := m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(200), bill.AmountMinor)
	assert.Equal(t, "2.00 USD", bill.String())
}

func TestComputeBill_MonthlyProRata(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)

	// 50 minor per GB-month; 100 GB held half the month bills half.
	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.StorageGB, Unit: billing.UnitMonth, UnitCostMinor: 50,
		EffectiveAt: periodStart.Add(-time.Hour),
	}))
	half := period.Duration() / 2
	held(t, store, "a-1", quota.StorageGB, 100, periodStart, half)

	bill, err := m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), bill.AmountMinor)
}

func TestComputeBill_OpenAllocationRunsToPeriodEnd(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)

	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.StorageGB, Unit: billing.UnitMonth, UnitCostMinor: 50,
		EffectiveAt: periodStart.Add(-time.Hour),
	}))
	// Granted before the period, never released: billed for the full month.
	held(t, store, "a-1", quota.StorageGB, 100, periodStart.Add(-24*time.Hour), 0)

	bill, err := m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bill.AmountMinor)
}

func TestComputeBill_RuleVersionsAreNotRetroactive(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)

	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.CPUCores, Unit: billing.UnitHour, UnitCostMinor: 10,
		EffectiveAt: periodStart,
	}))
	held(t, store, "a-old", quota.CPUCores, 1, periodStart.Add(time.Hour), time.Hour)

	// Price doubles mid-month; only the later grant pays it.
	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.CPUCores, Unit: billing.UnitHour, UnitCostMinor: 20,
		EffectiveAt: periodStart.Add(48 * time.Hour),
	}))
	held(t, store, "a-new", quota.CPUCores, 1, periodStart.Add(72*time.Hour), time.Hour)

	bill, err := m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(30), bill.AmountMinor)

	// The explicit recompute reprices everything at the newest version.
	rebill, err := m.RecomputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(40), rebill.AmountMinor)
}

func TestComputeBill_TenantOverrideAndFallback(t *testing.T) {
	ctx := context.Background()
	store := allocator.NewMemoryStore()
	now := periodStart
	m := billing.NewManager(billing.NewMemoryRuleStore(), store).
		WithClock(func() time.Time { return now })

	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.CPUCores, Unit: billing.UnitHour, UnitCostMinor: 10,
		EffectiveAt: periodStart,
	}))
	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.CPUCores, TenantID: "tenant-1", Unit: billing.UnitHour, UnitCostMinor: 5,
		EffectiveAt: periodStart,
	}))
	held(t, store, "a-1", quota.CPUCores, 1, periodStart.Add(time.Hour), time.Hour)

	bill, err := m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bill.AmountMinor)

	// Dropping the override a day in falls later grants back to the
	// global price; the first grant keeps its version.
	now = periodStart.Add(24 * time.Hour)
	require.NoError(t, m.DisableRule(ctx, quota.CPUCores, "tenant-1"))
	held(t, store, "a-2", quota.CPUCores, 1, periodStart.Add(48*time.Hour), time.Hour)

	bill, err = m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(15), bill.AmountMinor)
}

func TestComputeBill_DisabledGlobalLeavesUnpriced(t *testing.T) {
	ctx := context.Background()
	store := allocator.NewMemoryStore()
	m := billing.NewManager(billing.NewMemoryRuleStore(), store).
		WithClock(func() time.Time { return periodStart })

	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.CPUCores, Unit: billing.UnitHour, UnitCostMinor: 10,
		EffectiveAt: periodStart.Add(-time.Hour),
	}))
	// Tombstone lands at period start; the later grant is unpriced.
	require.NoError(t, m.DisableRule(ctx, quota.CPUCores, ""))
	held(t, store, "a-1", quota.CPUCores, 4, periodStart.Add(time.Hour), time.Hour)

	bill, err := m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.True(t, bill.IsZero())
}

func TestComputeBill_CallRuleWithFreeUnits(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	meter := metering.NewMemoryMeter()
	m.WithMeter(meter)

	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.APICallsPerMonth, Unit: billing.UnitCall, UnitCostMinor: 2, FreeUnits: 200,
		EffectiveAt: periodStart.Add(-time.Hour),
	}))
	require.NoError(t, meter.Record(ctx, metering.Event{
		TenantID: "tenant-1", Resource: quota.APICallsPerMonth.String(),
		Quantity: 1000, Timestamp: periodStart.Add(time.Hour),
	}))

	bill, err := m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), bill.AmountMinor)
}

func TestComputeBill_Deterministic(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)

	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.CPUCores, Unit: billing.UnitHour, UnitCostMinor: 13,
		EffectiveAt: periodStart,
	}))
	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.MemoryGB, Unit: billing.UnitMonth, UnitCostMinor: 7,
		EffectiveAt: periodStart,
	}))
	held(t, store, "a-1", quota.CPUCores, 3, periodStart.Add(2*time.Hour), 90*time.Minute)
	held(t, store, "a-2", quota.MemoryGB, 16, periodStart.Add(24*time.Hour), 0)
	held(t, store, "a-3", quota.CPUCores, 5, periodStart.Add(100*time.Hour), 7*time.Hour)

	first, err := m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	second, err := m.ComputeBill(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stA, err := m.ComputeStatement(ctx, "tenant-1", period)
	require.NoError(t, err)
	stB, err := m.ComputeStatement(ctx, "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, stA, stB)
}

func TestComputeStatement_ItemizesAndSeals(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t)

	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.CPUCores, Unit: billing.UnitHour, UnitCostMinor: 10,
		EffectiveAt: periodStart,
	}))
	require.NoError(t, m.RegisterRule(ctx, billing.CostRule{
		Resource: quota.StorageGB, Unit: billing.UnitMonth, UnitCostMinor: 50,
		EffectiveAt: periodStart,
	}))
	held(t, store, "a-1", quota.CPUCores, 10, periodStart.Add(time.Hour), 2*time.Hour)
	held(t, store, "a-2", quota.StorageGB, 100, periodStart, 0)

	st, err := m.ComputeStatement(ctx, "tenant-1", period)
	require.NoError(t, err)

	require.Len(t, st.LineItems, 2)
	assert.Equal(t, quota.CPUCores, st.LineItems[0].Resource)
	assert.Equal(t, int64(200), st.LineItems[0].AmountMinor)
	assert.Equal(t, quota.StorageGB, st.LineItems[1].Resource)
	assert.Equal(t, int64(5000), st.LineItems[1].AmountMinor)

	assert.Equal(t, int64(5200), st.SubtotalMinor)
	assert.Equal(t, int64(520), st.TaxMinor)
	assert.Equal(t, int64(5720), st.TotalMinor)

	ok, err := st.VerifyChecksum()
	require.NoError(t, err)
	assert.True(t, ok)

	// Any edit after sealing is detectable.
	st.SubtotalMinor++
	ok, err = st.VerifyChecksum()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestComputeBill_BadPeriod(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.ComputeBill(context.Background(), "tenant-1", metering.Period{Start: period.End, End: period.Start})
	assert.ErrorIs(t, err, billing.ErrBadPeriod)
}

func TestRegisterRule_Validates(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	err := m.RegisterRule(ctx, billing.CostRule{Resource: quota.Resource("plutonium"), Unit: billing.UnitHour})
	assert.ErrorIs(t, err, quota.ErrUnknownResource)

	err = m.RegisterRule(ctx, billing.CostRule{Resource: quota.CPUCores, Unit: billing.Unit("fortnight")})
	assert.ErrorIs(t, err, billing.ErrUnknownUnit)

	err = m.RegisterRule(ctx, billing.CostRule{Resource: quota.CPUCores, Unit: billing.UnitHour, UnitCostMinor: -1})
	assert.Error(t, err)
}
