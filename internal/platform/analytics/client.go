package analytics

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const metricNamespace = "github.com/celoptima/backend/internal/platform/analytics"

// ErrInvalidEventName is returned for names the collection backend would drop.
var ErrInvalidEventName = errors.New("analytics: invalid event name")

var eventNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,39}$`)

// Event is a single analytics hit handed to a Sink.
type Event struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Params        map[string]any `json:"params,omitempty"`
	MeasurementID string         `json:"measurementId"`
	ClientID      string         `json:"clientId"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sink delivers events to a collection backend.
type Sink interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

// Client is the analytics handle. It is safe for concurrent use.
type Client struct {
	sink          Sink
	measurementID string
	clientID      string
	clock         func() time.Time
	logger        *zap.Logger

	entropyMu sync.Mutex
	entropy   io.Reader

	events        metric.Int64Counter
	eventsEnabled bool

	closeOnce sync.Once
	closeErr  error
}

type clientConfig struct {
	clientID string
	clock    func() time.Time
	logger   *zap.Logger
	meter    metric.Meter
}

// ClientOption customises Client construction.
type ClientOption func(*clientConfig)

// WithClientID pins the client identifier reported with every event.
func WithClientID(id string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clientID = strings.TrimSpace(id)
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) ClientOption {
	return func(cfg *clientConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meter = m
	}
}

// NewClient wraps sink as an analytics handle for measurementID.
func NewClient(sink Sink, measurementID string, opts ...ClientOption) (*Client, error) {
	if sink == nil {
		return nil, errors.New("analytics: sink is required")
	}
	if strings.TrimSpace(measurementID) == "" {
		return nil, ErrMeasurementIDMissing
	}

	cfg := clientConfig{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	events, err := meter.Int64Counter(
		"analytics.events",
		metric.WithDescription("Count of analytics events by delivery result"),
	)
	if err != nil {
		cfg.logger.Warn("analytics: unable to register event metric", zap.Error(err))
	}

	c := &Client{
		sink:          sink,
		measurementID: measurementID,
		clock:         cfg.clock,
		logger:        cfg.logger,
		entropy:       ulid.Monotonic(rand.Reader, 0),
		events:        events,
		eventsEnabled: err == nil,
	}
	c.clientID = cfg.clientID
	if c.clientID == "" {
		c.clientID = c.newID(c.clock())
	}
	return c, nil
}

// MeasurementID returns the measurement stream the client reports to.
func (c *Client) MeasurementID() string { return c.measurementID }

// ClientID returns the identifier attached to every event.
func (c *Client) ClientID() string { return c.clientID }

// LogEvent records a named event and returns its id.
func (c *Client) LogEvent(ctx context.Context, name string, params map[string]any) (string, error) {
	if !eventNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventName, name)
	}

	now := c.clock().UTC()
	event := Event{
		ID:            c.newID(now),
		Name:          name,
		Params:        copyParams(params),
		MeasurementID: c.measurementID,
		ClientID:      c.clientID,
		Timestamp:     now,
	}

	if err := c.sink.Send(ctx, event); err != nil {
		c.record(ctx, name, "error")
		c.logger.Debug("analytics: event delivery failed", zap.String("event", name), zap.Error(err))
		return "", fmt.Errorf("analytics: send %s: %w", name, err)
	}
	c.record(ctx, name, "ok")
	return event.ID, nil
}

// Close releases the sink.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.sink.Close()
	})
	return c.closeErr
}

func (c *Client) newID(at time.Time) string {
	c.entropyMu.Lock()
	defer c.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), c.entropy).String()
}

func (c *Client) record(ctx context.Context, name, result string) {
	if !c.eventsEnabled {
		return
	}
	c.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", name),
		attribute.String("result", result),
	))
}

func copyParams(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
