package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Sink kinds understood by Load.
const (
	SinkMeasurement = "measurement"
	SinkPubSub      = "pubsub"
)

var (
	// ErrMeasurementIDMissing is returned when the configuration record carries no measurement id.
	ErrMeasurementIDMissing = errors.New("analytics: measurement id is required")
	// ErrAPISecretMissing is returned when the Measurement Protocol sink has no API secret.
	ErrAPISecretMissing = errors.New("analytics: measurement protocol api secret is required")
	// ErrTopicNotFound is returned when the Pub/Sub sink topic does not exist.
	ErrTopicNotFound = errors.New("analytics: pubsub topic not found")
	// ErrUnknownSink is returned for sink kinds Load does not understand.
	ErrUnknownSink = errors.New("analytics: unknown sink")
)

// Settings describes how to build an analytics client.
type Settings struct {
	ProjectID     string
	MeasurementID string
	Sink          string
	Endpoint      string
	APISecret     string
	Topic         string

	HTTPClient    *http.Client
	ClientOptions []option.ClientOption
	Logger        *zap.Logger
	Meter         metric.Meter
}

// Load builds an analytics client for the configured sink. It performs the remote checks the
// sink needs before returning so failures surface here rather than on the first event.
func Load(ctx context.Context, settings Settings) (*Client, error) {
	if strings.TrimSpace(settings.MeasurementID) == "" {
		return nil, ErrMeasurementIDMissing
	}

	var (
		sink Sink
		err  error
	)
	switch kind := strings.ToLower(strings.TrimSpace(settings.Sink)); kind {
	case "", SinkMeasurement:
		sink, err = NewMeasurementSink(settings.Endpoint, settings.MeasurementID, settings.APISecret, settings.HTTPClient)
	case SinkPubSub:
		sink, err = openPubSubSink(ctx, settings)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, settings.Sink)
	}
	if err != nil {
		return nil, err
	}

	client, err := NewClient(sink, settings.MeasurementID,
		WithLogger(settings.Logger),
		WithMeter(settings.Meter),
	)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return client, nil
}

func openPubSubSink(ctx context.Context, settings Settings) (*PubSubSink, error) {
	topicID := strings.TrimSpace(settings.Topic)
	if topicID == "" {
		return nil, errors.New("analytics: pubsub topic is required")
	}
	projectID := strings.TrimSpace(settings.ProjectID)
	if projectID == "" {
		return nil, errors.New("analytics: project id is required for the pubsub sink")
	}

	client, err := pubsub.NewClient(ctx, projectID, settings.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("analytics: create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("analytics: check topic %s: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}

	sink, err := NewPubSubSink(topic)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	sink.client = client
	return sink, nil
}
