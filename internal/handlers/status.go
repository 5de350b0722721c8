package handlers

import (
	"net/http"

	"github.com/celoptima/backend/internal/bootstrap"
	"github.com/celoptima/backend/internal/platform/health"
	"github.com/celoptima/backend/internal/platform/httpx"
)

// HandlesView is the read-only view of the bootstrap handles the status endpoint reports on.
type HandlesView interface {
	health.AnalyticsState
	State() bootstrap.State
}

// StatusHandlers serves /status/handles.
type StatusHandlers struct {
	handles   HandlesView
	projectID string
}

// NewStatusHandlers constructs the handle status endpoint. projectID is echoed for operators.
func NewStatusHandlers(handles HandlesView, projectID string) *StatusHandlers {
	return &StatusHandlers{handles: handles, projectID: projectID}
}

// Handles reports which backend handles are live.
func (h *StatusHandlers) Handles(w http.ResponseWriter, _ *http.Request) {
	if h.handles == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"state":     bootstrap.StateUninitialized.String(),
			"app":       "absent",
			"database":  "absent",
			"analytics": health.AnalyticsAbsent,
		})
		return
	}

	analytics := map[string]any{
		"supported": h.handles.AnalyticsSupported(),
		"phase":     health.AnalyticsPhase(h.handles),
	}
	if err := h.handles.AnalyticsErr(); err != nil {
		analytics["error"] = err.Error()
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"state":     h.handles.State().String(),
		"projectId": h.projectID,
		"app":       "ready",
		"database":  "ready",
		"analytics": analytics,
	})
}
