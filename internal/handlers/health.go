package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/celoptima/backend/internal/platform/health"
	"github.com/celoptima/backend/internal/platform/httpx"
)

// HealthReporter produces readiness reports.
type HealthReporter interface {
	Collect(ctx context.Context) health.Report
}

// HealthHandlers serves /healthz and /readyz.
type HealthHandlers struct {
	reporter HealthReporter
	build    health.BuildInfo
	now      func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthReporter sets the readiness reporter. Without one /readyz reports ok.
func WithHealthReporter(reporter HealthReporter) HealthOption {
	return func(h *HealthHandlers) {
		h.reporter = reporter
	}
}

// WithHealthBuildInfo sets the build metadata returned by /healthz.
func WithHealthBuildInfo(info health.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock injects a clock for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// NewHealthHandlers constructs health handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

// Healthz reports liveness with build metadata.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	payload := map[string]any{
		"status":    health.StatusOK,
		"uptime":    now.Sub(h.build.StartedAt).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

type checkPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

// Readyz runs the dependency probes and answers 503 unless every probe is ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    health.StatusOK,
			"timestamp": h.now().UTC().Format(time.RFC3339),
		})
		return
	}

	report := h.reporter.Collect(r.Context())

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]checkPayload, len(report.Checks))
	details := make([]string, 0)
	for _, name := range names {
		check := report.Checks[name]
		payload := checkPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		}
		if !check.CheckedAt.IsZero() {
			payload.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339)
		}
		checks[name] = payload
		if check.Status != health.StatusOK && check.Error != "" {
			details = append(details, fmt.Sprintf("%s: %s", name, check.Error))
		}
	}

	status := http.StatusOK
	if report.Status != health.StatusOK {
		status = http.StatusServiceUnavailable
	}

	generated := report.GeneratedAt
	if generated.IsZero() {
		generated = h.now()
	}
	httpx.WriteJSON(w, status, map[string]any{
		"status":      report.Status,
		"checks":      checks,
		"details":     details,
		"version":     report.Version,
		"commitSha":   report.CommitSHA,
		"environment": report.Environment,
		"uptime":      report.Uptime.String(),
		"timestamp":   generated.UTC().Format(time.RFC3339),
	})
}
