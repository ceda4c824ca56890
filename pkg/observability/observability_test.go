package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "strata", config.ServiceName)
	require.Equal(t, "1.0.0", config.ServiceVersion)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, p)

	// Should not fail even when disabled
	tracer := p.Tracer()
	require.NotNil(t, tracer)

	meter := p.Meter()
	require.NotNil(t, meter)
}

func TestNewProviderWithNilConfig(t *testing.T) {
	// Use disabled config to avoid network dialing in tests
	config := &Config{
		Enabled: false,
	}
	p, err := New(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTransportCredentialsMissingCA(t *testing.T) {
	p := &Provider{config: &Config{CAFile: "/nonexistent/ca.pem"}}

	_, err := p.transportCredentials()
	require.Error(t, err)
}

func TestTransportCredentialsSystemPool(t *testing.T) {
	p := &Provider{config: &Config{}}

	creds, err := p.transportCredentials()
	require.NoError(t, err)
	require.Nil(t, creds)
}

func TestTrackOperation(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("test.key", "test.value"),
	}

	newCtx, finish := p.TrackOperation(ctx, "test.operation", attrs...)
	require.NotNil(t, newCtx)

	// Simulate some work
	time.Sleep(1 * time.Millisecond)

	// Call finish without error
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx := context.Background()
	_, finish := p.TrackOperation(ctx, "test.operation.error")

	// Call finish with error
	testErr := errors.New("test error")
	finish(testErr)

	// Should not panic
}

func TestRecordMetrics(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx := context.Background()

	// These should not panic when provider is disabled
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("test", "value"))
}

func TestStartSpan(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx := context.Background()
	newCtx, span := p.StartSpan(ctx, "test.span")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	span.End()
}

func TestShutdown(t *testing.T) {
	config := &Config{
		Enabled: false,
	}

	p, err := New(context.Background(), config)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.Shutdown(ctx)
	require.NoError(t, err)
}

// Test control-plane attribute helpers

func TestTenantOperation(t *testing.T) {
	attrs := TenantOperation("tenant-123", "enterprise", "active")
	require.Len(t, attrs, 3)
	require.Equal(t, "strata.tenant.id", string(attrs[0].Key))
	require.Equal(t, "tenant-123", attrs[0].Value.AsString())
	require.Equal(t, "strata.tenant.status", string(attrs[2].Key))
	require.Equal(t, "active", attrs[2].Value.AsString())
}

func TestAllocationOperation(t *testing.T) {
	attrs := AllocationOperation("tenant-123", "alloc-456", "cpu_cores", 4)
	require.Len(t, attrs, 4)
	require.Equal(t, "strata.allocation.id", string(attrs[1].Key))
	require.Equal(t, "alloc-456", attrs[1].Value.AsString())
	require.Equal(t, "strata.amount", string(attrs[3].Key))
	require.Equal(t, int64(4), attrs[3].Value.AsInt64())
}

func TestScalingOperation(t *testing.T) {
	attrs := ScalingOperation("tenant-123", "scale_up", 5, "cpu")
	require.Len(t, attrs, 4)
	require.Equal(t, "strata.scaling.action", string(attrs[1].Key))
	require.Equal(t, "scale_up", attrs[1].Value.AsString())
	require.Equal(t, int64(5), attrs[2].Value.AsInt64())
}

func TestBillingOperation(t *testing.T) {
	attrs := BillingOperation("tenant-123", "2026-06", "USD")
	require.Len(t, attrs, 3)
	require.Equal(t, "strata.billing.period", string(attrs[1].Key))
	require.Equal(t, "2026-06", attrs[1].Value.AsString())
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()
	span := SpanFromContext(ctx)
	require.NotNil(t, span) // Returns a no-op span if none
}

func TestAddSpanEvent(t *testing.T) {
	ctx := context.Background()
	// Should not panic
	AddSpanEvent(ctx, "test.event", attribute.String("key", "value"))
}

func TestSetSpanStatus(t *testing.T) {
	ctx := context.Background()
	// Should not panic
	SetSpanStatus(ctx, errors.New("test error"))
	SetSpanStatus(ctx, nil)
}
