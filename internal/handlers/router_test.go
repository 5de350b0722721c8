package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/celoptima/backend/internal/platform/health"
)

func TestNewRouter_DefaultMounts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	healthHandlers := NewHealthHandlers(
		WithHealthReporter(&stubReporter{report: health.Report{
			Status:      health.StatusOK,
			GeneratedAt: now,
			Checks: map[string]health.CheckResult{
				"firestore": {Status: health.StatusOK},
			},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)

	router := NewRouter(WithHealthHandlers(healthHandlers))

	for _, path := range []string{"/healthz", "/readyz", "/status/handles"} {
		t.Run(path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rr.Code)
			}
		})
	}

	t.Run("events without analytics", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/events", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestNewRouter_NotFoundAndMethodNotAllowed(t *testing.T) {
	router := NewRouter()

	tests := []struct {
		method string
		path   string
		status int
		code   string
	}{
		{method: http.MethodGet, path: "/nope", status: http.StatusNotFound, code: errorNotFoundCode},
		{method: http.MethodPost, path: "/healthz", status: http.StatusMethodNotAllowed, code: "method_not_allowed"},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if body["error"] != tc.code {
			t.Fatalf("expected error %s, got %v", tc.code, body["error"])
		}
		if body["request_id"] == nil {
			t.Fatalf("expected request id in error body")
		}
	}
}
