package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/strata/pkg/auth"
)

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	var seen string
	handler := auth.RequestIDMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = auth.GetRequestID(r.Context())
		}))

	req := httptest.NewRequest("GET", "/v1/tenants", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if seen == "" {
		t.Fatal("expected a request id in the handler context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("generated id is not a uuid: %q", seen)
	}
	if got := w.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header %q does not match context id %q", got, seen)
	}
}

func TestRequestIDMiddleware_ReusesClientID(t *testing.T) {
	var seen string
	handler := auth.RequestIDMiddleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = auth.GetRequestID(r.Context())
		}))

	req := httptest.NewRequest("GET", "/v1/tenants", nil)
	req.Header.Set("X-Request-ID", "client-supplied-123")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if seen != "client-supplied-123" {
		t.Errorf("expected client id preserved, got %q", seen)
	}
	if got := w.Header().Get("X-Request-ID"); got != "client-supplied-123" {
		t.Errorf("expected client id in response header, got %q", got)
	}
}

func TestGetRequestID_AbsentFromContext(t *testing.T) {
	if got := auth.GetRequestID(context.Background()); got != "" {
		t.Errorf("expected empty id on a bare context, got %q", got)
	}
}
