// Package secrets resolves secret:// references against Google Secret Manager, with an
// in-memory cache and a local fallback file for development.
package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// EnvEnvironment selects the project mapping entry when no environment is given explicitly.
	EnvEnvironment = "APP_ENVIRONMENT"

	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	metricNamespace     = "github.com/celoptima/backend/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves secret references. It satisfies config.SecretResolver.
type Resolver struct {
	client     accessClient
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projects       map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]string
	group singleflight.Group

	latency        metric.Float64Histogram
	latencyEnabled bool
	hits           metric.Int64Counter
	hitsEnabled    bool
}

type resolverConfig struct {
	logger         *zap.Logger
	env            string
	defaultProject string
	projects       map[string]string
	fallbackPath   string
	meter          metric.Meter
	client         accessClient
	clientOpts     []option.ClientOption
}

// Option customises Resolver construction.
type Option func(*resolverConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *resolverConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment picks the entry of the project map to use.
func WithEnvironment(env string) Option {
	return func(cfg *resolverConfig) {
		if env = strings.ToLower(strings.TrimSpace(env)); env != "" {
			cfg.env = env
		}
	}
}

// WithDefaultProject is used when the project map has no entry for the environment.
func WithDefaultProject(projectID string) Option {
	return func(cfg *resolverConfig) {
		cfg.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies per-environment Secret Manager project ids.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *resolverConfig) {
		cfg.projects = make(map[string]string, len(m))
		for env, id := range m {
			cfg.projects[strings.ToLower(strings.TrimSpace(env))] = strings.TrimSpace(id)
		}
	}
}

// WithFallbackFile overrides the local fallback file.
func WithFallbackFile(path string) Option {
	return func(cfg *resolverConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *resolverConfig) {
		cfg.meter = m
	}
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *resolverConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

func withAccessClient(client accessClient) Option {
	return func(cfg *resolverConfig) {
		cfg.client = client
	}
}

// NewResolver builds a Resolver. When the Secret Manager client cannot be created the
// resolver serves from the fallback file only.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{
		env:          strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnvironment))),
		fallbackPath: defaultFallbackPath,
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
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

	latency, latencyErr := meter.Float64Histogram(
		"secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret resolution"),
	)
	if latencyErr != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(latencyErr))
	}
	hits, hitsErr := meter.Int64Counter(
		"secrets.resolve.cache_hits",
		metric.WithDescription("Count of secret resolutions served from cache"),
	)
	if hitsErr != nil {
		cfg.logger.Warn("secrets: unable to register cache hit metric", zap.Error(hitsErr))
	}

	r := &Resolver{
		client:         cfg.client,
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProject: cfg.defaultProject,
		projects:       cfg.projects,
		fallbackPath:   cfg.fallbackPath,
		cache:          make(map[string]string),
		latency:        latency,
		latencyEnabled: latencyErr == nil,
		hits:           hits,
		hitsEnabled:    hitsErr == nil,
	}

	if r.client == nil && r.projectFor(reference{}) != "" {
		client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the Secret Manager client when the resolver created it.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret returns the value behind ref.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.key()

	r.mu.RLock()
	value, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		r.recordHit(ctx, parsed)
		r.recordLatency(ctx, start, "cache")
		return value, nil
	}

	var source string
	v, err, _ := r.group.Do(key, func() (any, error) {
		value, src, err := r.lookup(ctx, parsed)
		if err != nil {
			return "", err
		}
		source = src
		r.mu.Lock()
		r.cache[key] = value
		r.mu.Unlock()
		return value, nil
	})
	if err != nil {
		r.recordLatency(ctx, start, "error")
		return "", err
	}
	if source == "" {
		source = "shared"
	}
	r.recordLatency(ctx, start, source)
	return v.(string), nil
}

func (r *Resolver) lookup(ctx context.Context, ref reference) (string, string, error) {
	projectID := r.projectFor(ref)
	if projectID != "" && r.client != nil {
		value, err := r.access(ctx, ref.resource(projectID))
		if err == nil {
			return value, "remote", nil
		}
		if !fallbackAllowed(err) {
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		r.logger.Debug("secrets: secret manager denied or unreachable, trying fallback file",
			zap.String("secret", maskReference(ref.canonical)), zap.Error(err))
	}

	value, ok := r.lookupFallback(ref)
	if !ok {
		return "", "", fmt.Errorf("secrets: no value for %s", ref.canonical)
	}
	return value, "fallback", nil
}

func (r *Resolver) access(ctx context.Context, resource string) (string, error) {
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *Resolver) projectFor(ref reference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := r.projects[r.env]; id != "" {
		return id
	}
	return r.defaultProject
}

func (r *Resolver) lookupFallback(ref reference) (string, bool) {
	r.fallbackOnce.Do(func() {
		r.fallback, r.fallbackErr = readFallbackFile(r.fallbackPath)
	})
	if r.fallbackErr != nil {
		r.logger.Debug("secrets: fallback file unreadable", zap.Error(r.fallbackErr))
	}
	if value, ok := r.fallback[ref.key()]; ok {
		return value, true
	}
	value, ok := r.fallback[ref.canonical]
	return value, ok
}

func (r *Resolver) recordLatency(ctx context.Context, start time.Time, source string) {
	if !r.latencyEnabled {
		return
	}
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	r.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("source", source)))
}

func (r *Resolver) recordHit(ctx context.Context, ref reference) {
	if !r.hitsEnabled {
		return
	}
	r.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(ref.canonical))))
}

func maskReference(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}

// fallbackAllowed reports whether err means Secret Manager could not be asked, as opposed to
// answering that the secret does not exist.
func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
