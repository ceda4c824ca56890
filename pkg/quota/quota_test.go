package quota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink collects alerts for assertions.
type captureSink struct {
	mu     sync.Mutex
	alerts []quota.Alert
}

func (s *captureSink) Notify(a quota.Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *captureSink) all() []quota.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quota.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// brokenStore fails every read.
type brokenStore struct{}

func (brokenStore) Limits(ctx context.Context, tenantID string) (quota.Limits, error) {
	return nil, errors.New("store down")
}
func (brokenStore) SetLimits(ctx context.Context, tenantID string, limits quota.Limits) error {
	return errors.New("store down")
}
func (brokenStore) Usage(ctx context.Context, tenantID string, r quota.Resource) (quota.Usage, bool, error) {
	return quota.Usage{}, false, errors.New("store down")
}
func (brokenStore) SetUsage(ctx context.Context, tenantID string, r quota.Resource, u quota.Usage) error {
	return errors.New("store down")
}
func (brokenStore) UsageAll(ctx context.Context, tenantID string) (map[quota.Resource]quota.Usage, error) {
	return nil, errors.New("store down")
}

func newManager(t *testing.T, limits quota.Limits) (*quota.Manager, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	m := quota.NewManager(quota.NewMemoryStore()).WithAlertSink(sink)
	require.NoError(t, m.SetLimits(context.Background(), "tenant-1", limits))
	return m, sink
}

func TestCheck_AllowThenDenyAtLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, quota.Limits{quota.CPUCores: 32})

	d, err := m.Check(ctx, "tenant-1", quota.CPUCores, 30)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.CPUCores, 30))

	// 30 of 32 held: 5 more must be denied with the exact numbers.
	d, err = m.Check(ctx, "tenant-1", quota.CPUCores, 5)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(30), d.Current)
	assert.Equal(t, int64(32), d.Limit)

	// 2 more still fits exactly.
	d, err = m.Check(ctx, "tenant-1", quota.CPUCores, 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheck_IsPureRead(t *testing.T) {
	ctx := context.Background()
	m, sink := newManager(t, quota.Limits{quota.CPUCores: 10})

	for i := 0; i < 5; i++ {
		d, err := m.Check(ctx, "tenant-1", quota.CPUCores, 10)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(0), d.Current)
	}
	assert.Empty(t, sink.all())
}

func TestCheck_FailClosed(t *testing.T) {
	m := quota.NewManager(brokenStore{})
	d, err := m.Check(context.Background(), "tenant-1", quota.CPUCores, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "quota state unavailable", d.Reason)
}

func TestCheck_UnknownTenantDenied(t *testing.T) {
	m := quota.NewManager(quota.NewMemoryStore())
	d, err := m.Check(context.Background(), "nobody", quota.CPUCores, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "no limits registered", d.Reason)
}

func TestCheck_InvalidInputs(t *testing.T) {
	m, _ := newManager(t, quota.Limits{quota.CPUCores: 10})
	_, err := m.Check(context.Background(), "tenant-1", quota.Resource("gpu_cores"), 1)
	assert.ErrorIs(t, err, quota.ErrUnknownResource)
	_, err = m.Check(context.Background(), "tenant-1", quota.CPUCores, 0)
	assert.ErrorIs(t, err, quota.ErrBadAmount)
}

func TestAlerts_HighestCrossingOnly(t *testing.T) {
	ctx := context.Background()
	m, sink := newManager(t, quota.Limits{quota.MemoryGB: 100})

	// 0 -> 85%: one alert, at the 80% threshold.
	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.MemoryGB, 85))
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, 0.80, alerts[0].Threshold)
	assert.InDelta(t, 0.85, alerts[0].Ratio, 1e-9)

	// 85% -> 91%: one alert at 90%, no repeat of 80%.
	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.MemoryGB, 6))
	alerts = sink.all()
	require.Len(t, alerts, 2)
	assert.Equal(t, 0.90, alerts[1].Threshold)
}

func TestAlerts_SilentDownwardThenRealert(t *testing.T) {
	ctx := context.Background()
	m, sink := newManager(t, quota.Limits{quota.MemoryGB: 100})

	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.MemoryGB, 85))
	require.Len(t, sink.all(), 1)

	// Drop to 50%: no alert.
	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.MemoryGB, -35))
	require.Len(t, sink.all(), 1)

	// Climb back over 80%: a fresh alert.
	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.MemoryGB, 32))
	alerts := sink.all()
	require.Len(t, alerts, 2)
	assert.Equal(t, 0.80, alerts[1].Threshold)
}

func TestAlerts_SkipStraightTo95(t *testing.T) {
	ctx := context.Background()
	m, sink := newManager(t, quota.Limits{quota.MemoryGB: 100})

	// One jump past all three thresholds alerts once, at 95%.
	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.MemoryGB, 96))
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, 0.95, alerts[0].Threshold)
}

func TestRecordDelta_NegativeClampsAtZero(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, quota.Limits{quota.CPUCores: 10})

	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.CPUCores, -5))
	snap, err := m.Snapshot(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap[quota.CPUCores].Allocated)
}

func TestRecordDelta_InvariantBreach(t *testing.T) {
	ctx := context.Background()
	m, sink := newManager(t, quota.Limits{quota.CPUCores: 10})

	// An unguarded positive delta past the limit is a hard error plus a
	// critical alert, never a silent clamp.
	err := m.RecordDelta(ctx, "tenant-1", quota.CPUCores, 11)
	assert.ErrorIs(t, err, quota.ErrQuotaInvariant)

	alerts := sink.all()
	var critical int
	for _, a := range alerts {
		if a.Critical {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
}

func TestCounterRollover_MonthTurn(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	sink := &captureSink{}
	m := quota.NewManager(quota.NewMemoryStore()).
		WithAlertSink(sink).
		WithClock(func() time.Time { return now })
	require.NoError(t, m.SetLimits(ctx, "tenant-1", quota.Limits{quota.APICallsPerMonth: 1000}))

	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.APICallsPerMonth, 900))
	d, err := m.Check(ctx, "tenant-1", quota.APICallsPerMonth, 200)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// The month turns: the counter resets and the same request passes.
	now = time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC)
	d, err = m.Check(ctx, "tenant-1", quota.APICallsPerMonth, 200)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Current)

	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.APICallsPerMonth, 200))
	snap, err := m.Snapshot(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), snap[quota.APICallsPerMonth].Used)
}

func TestSnapshot_CoversEveryLimitedResource(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, quota.Limits{quota.CPUCores: 8, quota.StorageGB: 1000})

	require.NoError(t, m.RecordDelta(ctx, "tenant-1", quota.CPUCores, 3))

	snap, err := m.Snapshot(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, int64(3), snap[quota.CPUCores].Allocated)
	assert.Equal(t, int64(8), snap[quota.CPUCores].Limit)
	assert.Equal(t, int64(0), snap[quota.StorageGB].Allocated)
}

func TestSnapshot_UnknownTenant(t *testing.T) {
	m := quota.NewManager(quota.NewMemoryStore())
	_, err := m.Snapshot(context.Background(), "nobody")
	assert.ErrorIs(t, err, quota.ErrNoLimits)
}

func TestLimits_MergeAndValidate(t *testing.T) {
	base := quota.Limits{quota.CPUCores: 32, quota.MemoryGB: 128}
	merged := base.Merge(quota.Limits{quota.CPUCores: 64})

	assert.Equal(t, int64(64), merged[quota.CPUCores])
	assert.Equal(t, int64(128), merged[quota.MemoryGB])
	// Merge never mutates the base.
	assert.Equal(t, int64(32), base[quota.CPUCores])

	assert.NoError(t, merged.Validate())
	assert.Error(t, quota.Limits{quota.CPUCores: -1}.Validate())
	assert.ErrorIs(t, quota.Limits{quota.Resource("gpu"): 4}.Validate(), quota.ErrUnknownResource)
}

func TestParseResource(t *testing.T) {
	r, err := quota.ParseResource("cpu_cores")
	require.NoError(t, err)
	assert.Equal(t, quota.CPUCores, r)

	_, err = quota.ParseResource("flux_capacitors")
	assert.ErrorIs(t, err, quota.ErrUnknownResource)
}
