package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

// MeasurementSink posts events to a Measurement Protocol collection endpoint.
type MeasurementSink struct {
	endpoint      string
	measurementID string
	apiSecret     string
	httpClient    *http.Client
}

type measurementPayload struct {
	ClientID        string             `json:"client_id"`
	TimestampMicros int64              `json:"timestamp_micros,omitempty"`
	Events          []measurementEvent `json:"events"`
}

type measurementEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// StatusError is returned when the collection endpoint rejects a request.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("measurement protocol: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("measurement protocol: unexpected status %d: %s", e.StatusCode, e.Body)
}

// NewMeasurementSink validates the endpoint and credentials.
func NewMeasurementSink(endpoint, measurementID, apiSecret string, httpClient *http.Client) (*MeasurementSink, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("measurement sink: endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("measurement sink: invalid endpoint %q", endpoint)
	}
	if strings.TrimSpace(measurementID) == "" {
		return nil, ErrMeasurementIDMissing
	}
	if strings.TrimSpace(apiSecret) == "" {
		return nil, ErrAPISecretMissing
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &MeasurementSink{
		endpoint:      endpoint,
		measurementID: measurementID,
		apiSecret:     apiSecret,
		httpClient:    httpClient,
	}, nil
}

// Send posts a single-event payload.
func (s *MeasurementSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(measurementPayload{
		ClientID:        event.ClientID,
		TimestampMicros: event.Timestamp.UnixMicro(),
		Events: []measurementEvent{{
			Name:   event.Name,
			Params: event.Params,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal measurement payload: %w", err)
	}

	target, err := url.Parse(s.endpoint)
	if err != nil {
		return fmt.Errorf("parse measurement endpoint: %w", err)
	}
	query := target.Query()
	query.Set("measurement_id", s.measurementID)
	query.Set("api_secret", s.apiSecret)
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build measurement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post measurement payload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases idle connections.
func (s *MeasurementSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
