// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var seen string
	handler := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seen == "" {
		t.Fatal("expected a request id in context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected generated request id to be a UUID, got %q", seen)
	}
	if rec.Header().Get("X-Request-Id") != seen {
		t.Fatal("expected request id echoed on the response")
	}
}

func TestRequestIDMiddlewarePreservesCallerID(t *testing.T) {
	handler := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-supplied-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") != "caller-supplied-id" {
		t.Fatal("expected caller-supplied request id to be preserved")
	}
}

func TestRequestLoggingMiddlewareRecordsStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := requestLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/artifacts", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("middleware must pass the handler status through, got %d", rec.Code)
	}
}
