package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Strata semantic convention attributes.
var (
	// Tenant attributes
	AttrTenantID     = attribute.Key("strata.tenant.id")
	AttrTenantType   = attribute.Key("strata.tenant.type")
	AttrTenantStatus = attribute.Key("strata.tenant.status")

	// Allocation attributes
	AttrAllocationID = attribute.Key("strata.allocation.id")
	AttrResource     = attribute.Key("strata.resource")
	AttrAmount       = attribute.Key("strata.amount")

	// Autoscaling attributes
	AttrScalingAction  = attribute.Key("strata.scaling.action")
	AttrScalingTarget  = attribute.Key("strata.scaling.target")
	AttrScalingTrigger = attribute.Key("strata.scaling.trigger")

	// Billing attributes
	AttrBillingPeriod = attribute.Key("strata.billing.period")
	AttrCurrency      = attribute.Key("strata.billing.currency")
)

// TenantOperation creates attributes for tenant lifecycle operations.
func TenantOperation(tenantID, tenantType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrTenantType.String(tenantType),
		AttrTenantStatus.String(status),
	}
}

// AllocationOperation creates attributes for allocation grants and releases.
func AllocationOperation(tenantID, allocationID, resource string, amount int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrAllocationID.String(allocationID),
		AttrResource.String(resource),
		AttrAmount.Int64(amount),
	}
}

// ScalingOperation creates attributes for autoscaling evaluations.
func ScalingOperation(tenantID, action string, target int, trigger string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrScalingAction.String(action),
		AttrScalingTarget.Int(target),
		AttrScalingTrigger.String(trigger),
	}
}

// BillingOperation creates attributes for billing computations.
func BillingOperation(tenantID, period, currency string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrBillingPeriod.String(period),
		AttrCurrency.String(currency),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
