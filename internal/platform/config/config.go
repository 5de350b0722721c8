package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultEnvFile           = ".env"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultEnvironment       = "local"
	defaultAnalyticsSink     = AnalyticsSinkMeasurement
	defaultAnalyticsEndpoint = "https://www.google-analytics.com/mp/collect"
	defaultAnalyticsTopic    = "analytics-events"
	defaultSecretFallback    = ".secrets.local"
)

// Analytics sink kinds accepted by APP_ANALYTICS_SINK.
const (
	AnalyticsSinkMeasurement = "measurement"
	AnalyticsSinkPubSub      = "pubsub"
)

// Environment variable names of the Firebase web configuration record.
const (
	EnvFirebaseAPIKey            = "VITE_FIREBASE_API_KEY"
	EnvFirebaseAuthDomain        = "VITE_FIREBASE_AUTH_DOMAIN"
	EnvFirebaseProjectID         = "VITE_FIREBASE_PROJECT_ID"
	EnvFirebaseStorageBucket     = "VITE_FIREBASE_STORAGE_BUCKET"
	EnvFirebaseMessagingSenderID = "VITE_FIREBASE_MESSAGING_SENDER_ID"
	EnvFirebaseAppID             = "VITE_FIREBASE_APP_ID"
	EnvFirebaseMeasurementID     = "VITE_FIREBASE_MEASUREMENT_ID"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Build     BuildConfig
	Firebase  FirebaseConfig
	Admin     AdminConfig
	Firestore FirestoreConfig
	Analytics AnalyticsConfig
	Secrets   SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BuildConfig carries deployment metadata reported by health endpoints.
type BuildConfig struct {
	Environment string
	Version     string
	CommitSHA   string
}

// FirebaseConfig is the Firebase web configuration record. Values are passed to the SDK as-is.
type FirebaseConfig struct {
	APIKey            string
	AuthDomain        string
	ProjectID         string
	StorageBucket     string
	MessagingSenderID string
	AppID             string
	MeasurementID     string
}

// AdminConfig stores Admin SDK credentials.
type AdminConfig struct {
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	EmulatorHost string
}

// AnalyticsConfig controls the optional analytics handle.
type AnalyticsConfig struct {
	// Supported is the runtime capability flag. Analytics is never loaded when false.
	Supported bool
	Required  bool
	Sink      string
	Endpoint  string
	APISecret string
	Topic     string
}

// SecretsConfig configures the Secret Manager fetcher.
type SecretsConfig struct {
	ProjectIDs   map[string]string
	FallbackFile string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// LoadFirebase reads only the Firebase web configuration record. Missing variables yield empty
// strings and present values are returned untouched.
func LoadFirebase(opts ...Option) (FirebaseConfig, error) {
	options := newLoaderOptions(opts)
	lookup, err := newLookup(options)
	if err != nil {
		return FirebaseConfig{}, err
	}
	return firebaseFromLookup(lookup), nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	if options.secret == nil {
		options.secret = SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		})
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "APP_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "APP_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "APP_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "APP_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Build: BuildConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "APP_ENVIRONMENT", defaultEnvironment)),
			Version:     stringWithDefault(lookup, "APP_VERSION", ""),
			CommitSHA:   stringWithDefault(lookup, "APP_COMMIT_SHA", ""),
		},
		Firebase: firebaseFromLookup(lookup),
		Admin: AdminConfig{
			CredentialsFile: stringWithDefault(lookup, "APP_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			EmulatorHost: stringWithDefault(lookup, "APP_FIRESTORE_EMULATOR_HOST", ""),
		},
		Analytics: AnalyticsConfig{
			Supported: boolWithDefault(lookup, "APP_ANALYTICS_SUPPORTED", false),
			Required:  boolWithDefault(lookup, "APP_ANALYTICS_REQUIRED", false),
			Sink:      strings.ToLower(stringWithDefault(lookup, "APP_ANALYTICS_SINK", defaultAnalyticsSink)),
			Endpoint:  stringWithDefault(lookup, "APP_ANALYTICS_ENDPOINT", defaultAnalyticsEndpoint),
			APISecret: stringWithDefault(lookup, "APP_ANALYTICS_API_SECRET", ""),
			Topic:     stringWithDefault(lookup, "APP_ANALYTICS_TOPIC", defaultAnalyticsTopic),
		},
		Secrets: SecretsConfig{
			ProjectIDs:   mapWithDefault(lookup, "APP_SECRET_PROJECT_IDS"),
			FallbackFile: stringWithDefault(lookup, "APP_SECRET_FALLBACK_FILE", defaultSecretFallback),
		},
	}

	resolved, err := resolveSecret(ctx, cfg.Analytics.APISecret, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Analytics.APISecret = resolved

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func newLookup(options loaderOptions) (func(string) (string, bool), error) {
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	return func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}, nil
}

func firebaseFromLookup(lookup func(string) (string, bool)) FirebaseConfig {
	raw := func(key string) string {
		value, _ := lookup(key)
		return value
	}
	return FirebaseConfig{
		APIKey:            raw(EnvFirebaseAPIKey),
		AuthDomain:        raw(EnvFirebaseAuthDomain),
		ProjectID:         raw(EnvFirebaseProjectID),
		StorageBucket:     raw(EnvFirebaseStorageBucket),
		MessagingSenderID: raw(EnvFirebaseMessagingSenderID),
		AppID:             raw(EnvFirebaseAppID),
		MeasurementID:     raw(EnvFirebaseMeasurementID),
	}
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

// validateConfig checks runtime settings only. The Firebase record is intentionally left to the SDK.
func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Analytics.Sink {
	case AnalyticsSinkMeasurement:
		if strings.TrimSpace(cfg.Analytics.Endpoint) == "" {
			missing = append(missing, "Analytics.Endpoint")
		}
	case AnalyticsSinkPubSub:
		if strings.TrimSpace(cfg.Analytics.Topic) == "" {
			missing = append(missing, "Analytics.Topic")
		}
	default:
		missing = append(missing, "Analytics.Sink")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	raw, _ := lookup(key)
	return ParseKeyValueList(raw)
}

// ParseKeyValueList parses "k1=v1,k2=v2". Keys are lowercased; incomplete pairs are skipped.
func ParseKeyValueList(raw string) map[string]string {
	values := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
