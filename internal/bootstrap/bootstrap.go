// Package bootstrap turns the Firebase web configuration record into live backend handles:
// an application handle, a database handle derived from it, and an optional analytics handle
// that is loaded in the background when the embedding runtime supports analytics.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/celoptima/backend/internal/platform/config"
	"github.com/celoptima/backend/internal/platform/observability"
)

var tracer = otel.Tracer("github.com/celoptima/backend/internal/bootstrap")

// ErrAnalyticsUnsupported is the analytics outcome when the runtime capability flag is off.
var ErrAnalyticsUnsupported = errors.New("bootstrap: analytics not supported in this runtime")

// ErrClosed is returned by WaitAnalytics once the handles have been closed.
var ErrClosed = errors.New("bootstrap: handles closed")

// Backend is the SDK surface the adapter drives. Handle types are opaque to this package.
type Backend[A, D, N any] interface {
	InitializeApp(ctx context.Context, record config.FirebaseConfig) (A, error)
	Database(ctx context.Context, app A) (D, error)
	LoadAnalytics(ctx context.Context, app A) (N, error)
}

// Stage names the synchronous initialisation step that failed.
type Stage string

const (
	StageApp      Stage = "app"
	StageDatabase Stage = "database"
)

// InitError reports a failed synchronous step. No handles are returned alongside it.
type InitError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	return fmt.Sprintf("bootstrap: %s initialisation failed: %v", e.Stage, e.Err)
}

// Unwrap exposes the backend error.
func (e *InitError) Unwrap() error { return e.Err }

// AnalyticsError wraps a failed background analytics load.
type AnalyticsError struct {
	Err error
}

// Error implements the error interface.
func (e *AnalyticsError) Error() string {
	return fmt.Sprintf("bootstrap: analytics initialisation failed: %v", e.Err)
}

// Unwrap exposes the loader error.
func (e *AnalyticsError) Unwrap() error { return e.Err }

// State is the lifecycle position of a Handles value.
type State int

const (
	StateUninitialized State = iota
	StateHandlesReady
	StateAnalyticsResolved
	StateAnalyticsAbsent
)

func (s State) String() string {
	switch s {
	case StateHandlesReady:
		return "handles_ready"
	case StateAnalyticsResolved:
		return "analytics_resolved"
	case StateAnalyticsAbsent:
		return "analytics_absent"
	default:
		return "uninitialized"
	}
}

// Option customises Init.
type Option func(*options)

type options struct {
	analyticsSupported bool
	logger             *zap.Logger
}

// WithAnalyticsSupported sets the runtime capability flag. When false the analytics loader is never called.
func WithAnalyticsSupported(supported bool) Option {
	return func(o *options) {
		o.analyticsSupported = supported
	}
}

// WithLogger overrides the logger taken from the context.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Handles owns the backend handles produced by Init.
type Handles[A, D, N any] struct {
	app       A
	db        D
	supported bool

	done   chan struct{}
	cancel context.CancelFunc

	mu           sync.RWMutex
	analytics    N
	hasAnalytics bool
	analyticsErr error
	state        State
	closed       bool

	closeOnce sync.Once
	closeErr  error
}

// Init builds the application handle from record, derives the database handle from it, and,
// when analytics is supported, starts loading the analytics handle in the background.
// The returned Handles is usable immediately; the analytics outcome never affects the error.
func Init[A, D, N any](ctx context.Context, backend Backend[A, D, N], record config.FirebaseConfig, opts ...Option) (*Handles[A, D, N], error) {
	if ctx == nil {
		return nil, errors.New("bootstrap: context is required")
	}
	if backend == nil {
		return nil, errors.New("bootstrap: backend is required")
	}

	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.logger
	if logger == nil {
		logger = observability.FromContext(ctx)
	}

	ctx, span := tracer.Start(ctx, "bootstrap.Init",
		trace.WithAttributes(attribute.Bool("analytics.supported", o.analyticsSupported)))
	defer span.End()

	app, err := backend.InitializeApp(ctx, record)
	if err != nil {
		return nil, failSpan(span, &InitError{Stage: StageApp, Err: err})
	}

	db, err := backend.Database(ctx, app)
	if err != nil {
		return nil, failSpan(span, &InitError{Stage: StageDatabase, Err: err})
	}

	h := &Handles[A, D, N]{
		app:       app,
		db:        db,
		supported: o.analyticsSupported,
		done:      make(chan struct{}),
		state:     StateHandlesReady,
	}

	if !o.analyticsSupported {
		var zero N
		h.finish(zero, ErrAnalyticsUnsupported)
		return h, nil
	}

	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	go h.loadAnalytics(loadCtx, backend, logger)

	return h, nil
}

// Derive builds another database handle from app. Repeated calls with the same app yield
// behaviourally equivalent handles, not the same value.
func Derive[A, D, N any](ctx context.Context, backend Backend[A, D, N], app A) (D, error) {
	db, err := backend.Database(ctx, app)
	if err != nil {
		var zero D
		return zero, &InitError{Stage: StageDatabase, Err: err}
	}
	return db, nil
}

func (h *Handles[A, D, N]) loadAnalytics(ctx context.Context, backend Backend[A, D, N], logger *zap.Logger) {
	ctx, span := tracer.Start(ctx, "bootstrap.LoadAnalytics")
	defer span.End()

	handle, err := safeLoad(ctx, backend, h.app)
	if err != nil {
		err = failSpan(span, &AnalyticsError{Err: err})
		logger.Error("failed to initialise firebase analytics", zap.Error(err))
		var zero N
		h.finish(zero, err)
		return
	}

	logger.Info("firebase analytics initialised")
	h.finish(handle, nil)
}

func safeLoad[A, D, N any](ctx context.Context, backend Backend[A, D, N], app A) (handle N, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("analytics loader panicked: %v", rec)
		}
	}()
	return backend.LoadAnalytics(ctx, app)
}

func (h *Handles[A, D, N]) finish(handle N, err error) {
	h.mu.Lock()
	closed := h.closed
	switch {
	case err != nil:
		h.analyticsErr = err
		h.state = StateAnalyticsAbsent
	case closed:
		h.state = StateAnalyticsResolved
	default:
		h.analytics = handle
		h.hasAnalytics = true
		h.state = StateAnalyticsResolved
	}
	h.mu.Unlock()

	// Close ran before the load settled and left this handle to us.
	if closed && err == nil {
		_ = closeHandle(handle)
	}
	close(h.done)
}

// App returns the application handle.
func (h *Handles[A, D, N]) App() A { return h.app }

// Database returns the database handle.
func (h *Handles[A, D, N]) Database() D { return h.db }

// AnalyticsSupported reports the capability flag Init was called with.
func (h *Handles[A, D, N]) AnalyticsSupported() bool { return h.supported }

// Analytics returns the analytics handle when the background load has succeeded and the
// handles have not been closed.
func (h *Handles[A, D, N]) Analytics() (N, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.analytics, h.hasAnalytics
}

// AnalyticsErr returns the analytics outcome: nil while pending or after success,
// ErrAnalyticsUnsupported when the capability flag was off, or an *AnalyticsError.
func (h *Handles[A, D, N]) AnalyticsErr() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.analyticsErr
}

// AnalyticsDone is closed once the analytics step reaches a terminal state.
func (h *Handles[A, D, N]) AnalyticsDone() <-chan struct{} { return h.done }

// WaitAnalytics blocks until the analytics step is terminal or ctx is done.
func (h *Handles[A, D, N]) WaitAnalytics(ctx context.Context) (N, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		var zero N
		return zero, ctx.Err()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		var zero N
		return zero, ErrClosed
	}
	return h.analytics, h.analyticsErr
}

// State reports the lifecycle state.
func (h *Handles[A, D, N]) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Close cancels a pending analytics load and closes every handle implementing io.Closer.
// It waits for the load to settle until ctx is done. Handles are not usable afterwards.
func (h *Handles[A, D, N]) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		handle, resolved := h.analytics, h.hasAnalytics
		var zero N
		h.analytics = zero
		h.hasAnalytics = false
		h.mu.Unlock()

		if h.cancel != nil {
			h.cancel()
		}

		var errs []error
		if resolved {
			errs = append(errs, closeHandle(handle))
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("bootstrap: analytics still loading: %w", ctx.Err()))
		}

		errs = append(errs, closeHandle(h.db), closeHandle(h.app))
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}

func closeHandle(handle any) error {
	if c, ok := handle.(io.Closer); ok && c != nil {
		return c.Close()
	}
	return nil
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
