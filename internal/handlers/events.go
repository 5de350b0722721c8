package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/celoptima/backend/internal/platform/analytics"
	"github.com/celoptima/backend/internal/platform/httpx"
	"github.com/celoptima/backend/internal/platform/idempotency"
	"github.com/celoptima/backend/internal/platform/observability"
)

const (
	maxEventBodyBytes = 64 << 10
	idempotencyHeader = "Idempotency-Key"
	maxIdempotencyKey = 200
	// Upper bound on how long an undelivered claim blocks its key.
	defaultPendingTTL = time.Minute
	completeAttempts  = 2
)

// EventLogger records analytics events.
type EventLogger interface {
	LogEvent(ctx context.Context, name string, params map[string]any) (string, error)
}

// EventLoggerSource returns the analytics handle once it is available.
type EventLoggerSource func() (EventLogger, bool)

// EventHandlers relays client events to the analytics handle.
type EventHandlers struct {
	source EventLoggerSource
	keys       idempotency.Store
	ttl        time.Duration
	pendingTTL time.Duration
	now        func() time.Time
}

// EventOption customises EventHandlers.
type EventOption func(*EventHandlers)

// WithEventIdempotency deduplicates requests carrying an Idempotency-Key header.
func WithEventIdempotency(store idempotency.Store, ttl time.Duration) EventOption {
	return func(h *EventHandlers) {
		h.keys = store
		h.ttl = ttl
	}
}

// WithEventPendingTTL bounds how long an undelivered claim blocks its key.
func WithEventPendingTTL(ttl time.Duration) EventOption {
	return func(h *EventHandlers) {
		if ttl > 0 {
			h.pendingTTL = ttl
		}
	}
}

// WithEventClock injects a clock for tests.
func WithEventClock(clock func() time.Time) EventOption {
	return func(h *EventHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// NewEventHandlers constructs the event relay.
func NewEventHandlers(source EventLoggerSource, opts ...EventOption) *EventHandlers {
	h := &EventHandlers{source: source, pendingTTL: defaultPendingTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type eventRequest struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Log accepts one event and forwards it.
func (h *EventHandlers) Log(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var logger EventLogger
	ok := false
	if h.source != nil {
		logger, ok = h.source()
	}
	if !ok || logger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("analytics_unavailable", "analytics is not available", http.StatusServiceUnavailable))
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body too large", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body could not be read", http.StatusBadRequest))
		return
	}
	req, err := decodeEvent(raw)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be a single JSON event", http.StatusBadRequest))
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.keys != nil {
		if len(key) > maxIdempotencyKey {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key too long", http.StatusBadRequest))
			return
		}
		h.logOnce(w, r, logger, req, key, idempotency.Fingerprint(raw))
		return
	}

	id, err := logger.LogEvent(ctx, strings.TrimSpace(req.Name), req.Params)
	if err != nil {
		writeEventError(ctx, w, req.Name, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (h *EventHandlers) logOnce(w http.ResponseWriter, r *http.Request, logger EventLogger, req eventRequest, key, fingerprint string) {
	ctx := r.Context()

	claim, err := h.keys.Claim(ctx, key, fingerprint, h.now(), h.pendingTTL)
	switch {
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", err.Error(), http.StatusUnprocessableEntity))
		return
	case err != nil:
		observability.FromContext(ctx).Error("idempotency claim failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
		return
	}

	switch claim.State {
	case idempotency.StateCompleted:
		w.Header().Set("Idempotent-Replayed", "true")
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"id": claim.EventID})
		return
	case idempotency.StatePending:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this key is in progress", http.StatusConflict))
		return
	}

	id, err := logger.LogEvent(ctx, strings.TrimSpace(req.Name), req.Params)
	if err != nil {
		if releaseErr := h.keys.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			observability.FromContext(ctx).Warn("idempotency release failed", zap.Error(releaseErr))
		}
		writeEventError(ctx, w, req.Name, err)
		return
	}
	h.complete(context.WithoutCancel(ctx), key, fingerprint, id)
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (h *EventHandlers) complete(ctx context.Context, key, fingerprint, id string) {
	var err error
	for attempt := 0; attempt < completeAttempts; attempt++ {
		if err = h.keys.Complete(ctx, key, fingerprint, id, h.now(), h.ttl); err == nil {
			return
		}
	}
	observability.FromContext(ctx).Warn("idempotency completion failed", zap.String("event_id", id), zap.Error(err))
}

func decodeEvent(raw []byte) (eventRequest, error) {
	var req eventRequest
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return eventRequest{}, err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return eventRequest{}, errors.New("trailing data after event")
	}
	return req, nil
}

func writeEventError(ctx context.Context, w http.ResponseWriter, name string, err error) {
	if errors.Is(err, analytics.ErrInvalidEventName) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
		return
	}
	observability.FromContext(ctx).Warn("analytics event delivery failed", zap.String("event", name), zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("analytics_delivery_failed", "event could not be delivered", http.StatusBadGateway))
}
