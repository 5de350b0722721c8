package firebase

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/celoptima/backend/internal/bootstrap"
	"github.com/celoptima/backend/internal/platform/analytics"
	"github.com/celoptima/backend/internal/platform/config"
	pfirestore "github.com/celoptima/backend/internal/platform/firestore"
)

// Handles is the bootstrap result for the Firebase backend.
type Handles = bootstrap.Handles[*App, *firestore.Client, *analytics.Client]

// AnalyticsLoader builds the analytics handle. analytics.Load is the default.
type AnalyticsLoader func(ctx context.Context, settings analytics.Settings) (*analytics.Client, error)

// Backend implements bootstrap.Backend with the Firebase Admin SDK.
type Backend struct {
	clientOpts      []option.ClientOption
	credentialsFile string
	emulatorHost    string
	analytics       config.AnalyticsConfig
	httpClient      *http.Client
	logger          *zap.Logger
	loader          AnalyticsLoader
}

// Option customises Backend instances.
type Option func(*Backend)

// WithCredentialsFile authenticates the Admin SDK with a service-account file.
func WithCredentialsFile(path string) Option {
	return func(b *Backend) {
		b.credentialsFile = path
	}
}

// WithClientOptions appends Google API client options to every SDK client the backend creates.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(b *Backend) {
		b.clientOpts = append(b.clientOpts, opts...)
	}
}

// WithEmulatorHost routes Firestore traffic to an emulator.
func WithEmulatorHost(host string) Option {
	return func(b *Backend) {
		b.emulatorHost = host
	}
}

// WithAnalyticsConfig configures the analytics sink.
func WithAnalyticsConfig(cfg config.AnalyticsConfig) Option {
	return func(b *Backend) {
		b.analytics = cfg
	}
}

// WithHTTPClient overrides the HTTP client used by the Measurement Protocol sink.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = client
	}
}

// WithLogger sets the logger handed to the analytics client.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithAnalyticsLoader replaces analytics.Load.
func WithAnalyticsLoader(loader AnalyticsLoader) Option {
	return func(b *Backend) {
		if loader != nil {
			b.loader = loader
		}
	}
}

// NewBackend constructs a Firebase backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		loader: analytics.Load,
		analytics: config.AnalyticsConfig{
			Sink: config.AnalyticsSinkMeasurement,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// FromConfig builds a backend from the loaded application configuration.
func FromConfig(cfg config.Config, opts ...Option) *Backend {
	base := []Option{
		WithCredentialsFile(cfg.Admin.CredentialsFile),
		WithEmulatorHost(cfg.Firestore.EmulatorHost),
		WithAnalyticsConfig(cfg.Analytics),
	}
	return NewBackend(append(base, opts...)...)
}

func (b *Backend) options() []option.ClientOption {
	opts := make([]option.ClientOption, 0, len(b.clientOpts)+1)
	opts = append(opts, b.clientOpts...)
	if b.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(b.credentialsFile))
	}
	return opts
}

// InitializeApp initialises the Admin SDK app from record. Empty record values are passed
// through; the SDK applies its own fallbacks.
func (b *Backend) InitializeApp(ctx context.Context, record config.FirebaseConfig) (*App, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:     record.ProjectID,
		StorageBucket: record.StorageBucket,
	}, b.options()...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	return &App{app: app, record: record}, nil
}

// Database derives a Firestore client from app. Each call returns a new client.
func (b *Backend) Database(ctx context.Context, app *App) (*firestore.Client, error) {
	if app == nil || app.app == nil {
		return nil, errors.New("firebase: app is required")
	}
	if _, err := pfirestore.UseEmulator(b.emulatorHost); err != nil {
		return nil, fmt.Errorf("configure firestore emulator: %w", err)
	}
	client, err := app.app.Firestore(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("firestore.client", err)
	}
	return client, nil
}

// LoadAnalytics builds the analytics handle for app's measurement stream.
func (b *Backend) LoadAnalytics(ctx context.Context, app *App) (*analytics.Client, error) {
	if app == nil {
		return nil, errors.New("firebase: app is required")
	}
	return b.loader(ctx, analytics.Settings{
		ProjectID:     app.ProjectID(),
		MeasurementID: app.Config().MeasurementID,
		Sink:          b.analytics.Sink,
		Endpoint:      b.analytics.Endpoint,
		APISecret:     b.analytics.APISecret,
		Topic:         b.analytics.Topic,
		HTTPClient:    b.httpClient,
		ClientOptions: b.options(),
		Logger:        b.logger,
	})
}

// Bootstrap runs bootstrap.Init against the Firebase backend.
func Bootstrap(ctx context.Context, backend *Backend, record config.FirebaseConfig, opts ...bootstrap.Option) (*Handles, error) {
	if backend == nil {
		return nil, errors.New("firebase: backend is required")
	}
	return bootstrap.Init[*App, *firestore.Client, *analytics.Client](ctx, backend, record, opts...)
}
