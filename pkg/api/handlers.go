package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/strata/pkg/allocator"
	"github.com/Mindburn-Labs/strata/pkg/autoscaler"
	"github.com/Mindburn-Labs/strata/pkg/billing"
	"github.com/Mindburn-Labs/strata/pkg/finance"
	"github.com/Mindburn-Labs/strata/pkg/metering"
	"github.com/Mindburn-Labs/strata/pkg/quota"
	"github.com/Mindburn-Labs/strata/pkg/tenants"
	"github.com/Mindburn-Labs/strata/pkg/tiers"
)

// maxBodyBytes caps request bodies at 1MB.
const maxBodyBytes = 1 << 20

// Service is the control plane surface the HTTP layer exposes.
type Service interface {
	CreateTenant(ctx context.Context, req tenants.CreateRequest) (tenants.Tenant, error)
	GetTenant(ctx context.Context, id string) (tenants.Tenant, error)
	ListTenants(ctx context.Context) ([]tenants.Tenant, error)
	SuspendTenant(ctx context.Context, id string) (tenants.Tenant, error)
	ResumeTenant(ctx context.Context, id string) (tenants.Tenant, error)
	TerminateTenant(ctx context.Context, id string) (tenants.Tenant, error)

	AllocateResources(ctx context.Context, tenantID string, resource quota.Resource, amount int64) (allocator.Allocation, error)
	ReleaseAllocation(ctx context.Context, allocationID string) error
	GetQuotaUsage(ctx context.Context, tenantID string) (quota.Snapshot, error)

	CheckAutoScaling(ctx context.Context, tenantID string, m autoscaler.Metrics) (autoscaler.Evaluation, error)
	GetScalingHistory(ctx context.Context, tenantID string, limit int) ([]autoscaler.ScalingEvent, error)

	GetTenantBill(ctx context.Context, tenantID string, period metering.Period) (finance.Money, error)
	GetTenantStatement(ctx context.Context, tenantID string, period metering.Period) (billing.Statement, error)
}

// Server exposes the control plane over HTTP.
type Server struct {
	svc   Service
	ready func(ctx context.Context) error
}

// NewServer creates a server around the given service.
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// WithReadiness installs the readiness probe. A nil probe reports ready.
func (s *Server) WithReadiness(ready func(ctx context.Context) error) *Server {
	s.ready = ready
	return s
}

// RegisterRoutes registers all control plane routes on the given mux.
// The admin wrapper guards tenant lifecycle endpoints; pass nil to leave
// them open (tests, single-operator deployments).
func (s *Server) RegisterRoutes(mux *http.ServeMux, admin func(http.Handler) http.Handler) {
	if admin == nil {
		admin = func(h http.Handler) http.Handler { return h }
	}

	mux.Handle("POST /v1/tenants", admin(http.HandlerFunc(s.handleCreateTenant)))
	mux.HandleFunc("GET /v1/tenants", s.handleListTenants)
	mux.HandleFunc("GET /v1/tenants/{id}", s.handleGetTenant)
	mux.Handle("POST /v1/tenants/{id}/suspend", admin(http.HandlerFunc(s.handleSuspendTenant)))
	mux.Handle("POST /v1/tenants/{id}/resume", admin(http.HandlerFunc(s.handleResumeTenant)))
	mux.Handle("POST /v1/tenants/{id}/terminate", admin(http.HandlerFunc(s.handleTerminateTenant)))

	mux.HandleFunc("POST /v1/allocations", s.handleAllocate)
	mux.HandleFunc("DELETE /v1/allocations/{id}", s.handleRelease)
	mux.HandleFunc("GET /v1/tenants/{id}/usage", s.handleUsage)

	mux.HandleFunc("POST /v1/tenants/{id}/scaling/evaluate", s.handleEvaluateScaling)
	mux.HandleFunc("GET /v1/tenants/{id}/scaling/history", s.handleScalingHistory)

	mux.HandleFunc("GET /v1/tenants/{id}/bill", s.handleBill)
	mux.HandleFunc("GET /v1/tenants/{id}/statement", s.handleStatement)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req tenants.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	tenant, err := s.svc.CreateTenant(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListTenants(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.svc.GetTenant(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.svc.SuspendTenant)
}

func (s *Server) handleResumeTenant(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.svc.ResumeTenant)
}

func (s *Server) handleTerminateTenant(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.svc.TerminateTenant)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (tenants.Tenant, error)) {
	tenant, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

// AllocateRequest asks for capacity against a tenant's quota.
type AllocateRequest struct {
	TenantID string `json:"tenant_id"`
	Resource string `json:"resource"`
	Amount   int64  `json:"amount"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.TenantID == "" {
		WriteBadRequest(w, "Missing required field: tenant_id")
		return
	}

	resource, err := quota.ParseResource(req.Resource)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	alloc, err := s.svc.AllocateResources(r.Context(), req.TenantID, resource, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, alloc)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ReleaseAllocation(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.GetQuotaUsage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEvaluateScaling(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var m autoscaler.Metrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	eval, err := s.svc.CheckAutoScaling(r.Context(), r.PathValue("id"), m)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handleScalingHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.svc.GetScalingHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// BillResponse is the rendered invoice total for one period.
type BillResponse struct {
	TenantID    string          `json:"tenant_id"`
	Period      metering.Period `json:"period"`
	Amount      string          `json:"amount"`
	AmountMinor int64           `json:"amount_minor"`
	Currency    string          `json:"currency"`
}

func (s *Server) handleBill(w http.ResponseWriter, r *http.Request) {
	period, ok := periodFromQuery(w, r)
	if !ok {
		return
	}

	tenantID := r.PathValue("id")
	total, err := s.svc.GetTenantBill(r.Context(), tenantID, period)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BillResponse{
		TenantID:    tenantID,
		Period:      period,
		Amount:      total.String(),
		AmountMinor: total.AmountMinor,
		Currency:    total.Currency,
	})
}

func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	period, ok := periodFromQuery(w, r)
	if !ok {
		return
	}

	statement, err := s.svc.GetTenantStatement(r.Context(), r.PathValue("id"), period)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statement)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			WriteError(w, http.StatusServiceUnavailable, "Not Ready", "A dependency is unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// periodFromQuery reads the billing period from year/month query params,
// defaulting to the current month. Reports false after writing a 400.
func periodFromQuery(w http.ResponseWriter, r *http.Request) (metering.Period, bool) {
	rawYear := r.URL.Query().Get("year")
	rawMonth := r.URL.Query().Get("month")

	if rawYear == "" && rawMonth == "" {
		return metering.MonthlyPeriod(time.Now().UTC()), true
	}

	year, err := strconv.Atoi(rawYear)
	if err != nil || year < 2000 || year > 9999 {
		WriteBadRequest(w, "year must be a four-digit integer")
		return metering.Period{}, false
	}
	month, err := strconv.Atoi(rawMonth)
	if err != nil || month < 1 || month > 12 {
		WriteBadRequest(w, "month must be between 1 and 12")
		return metering.Period{}, false
	}

	return metering.MonthlyPeriod(time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps control plane errors onto problem responses.
// Anything unrecognized is a 500 with the detail logged, never leaked.
func writeDomainError(w http.ResponseWriter, err error) {
	var quotaErr *quota.QuotaError

	switch {
	case errors.Is(err, tenants.ErrNotFound),
		errors.Is(err, allocator.ErrNotFound):
		WriteNotFound(w, err.Error())

	case errors.Is(err, tenants.ErrDuplicateTenant),
		errors.Is(err, tenants.ErrInvalidStateTransition),
		errors.Is(err, allocator.ErrAlreadyReleased),
		errors.Is(err, allocator.ErrHasActiveAllocations):
		WriteConflict(w, err.Error())

	case errors.As(err, &quotaErr):
		WriteError(w, http.StatusForbidden, "Quota Exceeded", quotaErr.Error())

	case errors.Is(err, allocator.ErrTenantNotEligible),
		errors.Is(err, autoscaler.ErrTenantNotEligible):
		WriteError(w, http.StatusForbidden, "Tenant Not Eligible", err.Error())

	case errors.Is(err, tenants.ErrEmptyName),
		errors.Is(err, tiers.ErrUnknownType),
		errors.Is(err, quota.ErrUnknownResource),
		errors.Is(err, quota.ErrBadAmount),
		errors.Is(err, quota.ErrNoLimits),
		errors.Is(err, autoscaler.ErrBadMetrics),
		errors.Is(err, billing.ErrBadPeriod):
		WriteBadRequest(w, err.Error())

	default:
		WriteInternal(w, err)
	}
}
