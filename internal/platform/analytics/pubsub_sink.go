package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes analytics events to a Pub/Sub topic.
type PubSubSink struct {
	topic   *pubsub.Topic
	client  *pubsub.Client
	marshal func(any) ([]byte, error)
}

// NewPubSubSink constructs a Pub/Sub backed sink. The caller keeps ownership of the topic's client.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub analytics sink: topic is required")
	}
	return &PubSubSink{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// Send publishes event and waits for the server acknowledgement.
func (s *PubSubSink) Send(ctx context.Context, event Event) error {
	if s == nil || s.topic == nil {
		return errors.New("pubsub analytics sink: not initialised")
	}

	data, err := s.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal analytics event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "eventName", event.Name)
	setAttr(attrs, "measurementId", event.MeasurementID)

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish analytics event: %w", err)
	}
	return nil
}

// Close flushes outstanding publishes and, when the sink opened its own client, closes it.
func (s *PubSubSink) Close() error {
	if s == nil || s.topic == nil {
		return nil
	}
	s.topic.Stop()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
