package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/celoptima/backend/internal/bootstrap"
	"github.com/celoptima/backend/internal/platform/health"
)

type stubHandles struct {
	supported bool
	done      chan struct{}
	err       error
	state     bootstrap.State
}

func (s *stubHandles) AnalyticsSupported() bool       { return s.supported }
func (s *stubHandles) AnalyticsDone() <-chan struct{} { return s.done }
func (s *stubHandles) AnalyticsErr() error            { return s.err }
func (s *stubHandles) State() bootstrap.State         { return s.state }

func TestStatusHandlersReportsPhases(t *testing.T) {
	finished := make(chan struct{})
	close(finished)

	tests := []struct {
		name      string
		handles   *stubHandles
		wantState string
		wantPhase string
		wantError string
	}{
		{
			name:      "pending",
			handles:   &stubHandles{supported: true, done: make(chan struct{}), state: bootstrap.StateHandlesReady},
			wantState: "handles_ready",
			wantPhase: health.AnalyticsPending,
		},
		{
			name:      "ready",
			handles:   &stubHandles{supported: true, done: finished, state: bootstrap.StateAnalyticsResolved},
			wantState: "analytics_resolved",
			wantPhase: health.AnalyticsReady,
		},
		{
			name:      "absent",
			handles:   &stubHandles{supported: true, done: finished, err: errors.New("sdk refused"), state: bootstrap.StateAnalyticsAbsent},
			wantState: "analytics_absent",
			wantPhase: health.AnalyticsAbsent,
			wantError: "sdk refused",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handlers := NewStatusHandlers(tc.handles, "celoptima")
			rr := httptest.NewRecorder()
			handlers.Handles(rr, httptest.NewRequest(http.MethodGet, "/status/handles", nil))

			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rr.Code)
			}
			var body struct {
				State     string `json:"state"`
				ProjectID string `json:"projectId"`
				App       string `json:"app"`
				Database  string `json:"database"`
				Analytics struct {
					Supported bool   `json:"supported"`
					Phase     string `json:"phase"`
					Error     string `json:"error"`
				} `json:"analytics"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body.State != tc.wantState || body.ProjectID != "celoptima" {
				t.Fatalf("unexpected body %+v", body)
			}
			if body.App != "ready" || body.Database != "ready" {
				t.Fatalf("expected app and database ready, got %+v", body)
			}
			if body.Analytics.Phase != tc.wantPhase || body.Analytics.Error != tc.wantError {
				t.Fatalf("unexpected analytics %+v", body.Analytics)
			}
		})
	}
}

func TestStatusHandlersWithoutHandles(t *testing.T) {
	rr := httptest.NewRecorder()
	NewStatusHandlers(nil, "").Handles(rr, httptest.NewRequest(http.MethodGet, "/status/handles", nil))

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["state"] != "uninitialized" || body["app"] != "absent" {
		t.Fatalf("unexpected body %v", body)
	}
}
