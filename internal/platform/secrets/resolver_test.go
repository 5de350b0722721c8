package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/celoptima/backend/internal/platform/config"
)

var _ config.SecretResolver = (*Resolver)(nil)

const apiSecretResource = "projects/test/secrets/analytics-api-secret/versions/latest"

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	client.values[apiSecretResource] = "remote-secret"

	resolver, err := NewResolver(ctx,
		withAccessClient(client),
		WithDefaultProject("test"),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}
	defer resolver.Close()

	for i := 0; i < 2; i++ {
		got, err := resolver.ResolveSecret(ctx, "secret://analytics-api-secret")
		if err != nil {
			t.Fatalf("ResolveSecret returned error: %v", err)
		}
		if got != "remote-secret" {
			t.Fatalf("expected remote-secret, got %s", got)
		}
	}
	if calls := client.callCount(apiSecretResource); calls != 1 {
		t.Fatalf("expected remote fetch once, got %d", calls)
	}
}

func TestResolveAcceptsShorthandScheme(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	client.values[apiSecretResource] = "remote-secret"

	resolver, err := NewResolver(ctx, withAccessClient(client), WithDefaultProject("test"))
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	got, err := resolver.ResolveSecret(ctx, "sm://analytics-api-secret")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "remote-secret" {
		t.Fatalf("expected remote-secret, got %s", got)
	}
}

func TestResolveUsesEnvironmentProjectAndVersion(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	resource := "projects/celoptima-prod/secrets/analytics-api-secret/versions/3"
	client.values[resource] = "prod-v3"

	resolver, err := NewResolver(ctx,
		withAccessClient(client),
		WithEnvironment("PROD"),
		WithDefaultProject("test"),
		WithProjectMap(map[string]string{"prod": "celoptima-prod"}),
	)
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	got, err := resolver.ResolveSecret(ctx, "secret://analytics-api-secret?version=3")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "prod-v3" {
		t.Fatalf("expected prod-v3, got %s", got)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	client.errors[apiSecretResource] = status.Error(codes.PermissionDenied, "denied")

	resolver, err := NewResolver(ctx,
		withAccessClient(client),
		WithDefaultProject("test"),
		WithFallbackFile(writeFallback(t, "# local\nsecret://analytics-api-secret=local-secret\n")),
	)
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	got, err := resolver.ResolveSecret(ctx, "secret://analytics-api-secret")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("expected fallback secret local-secret, got %s", got)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	client.errors[apiSecretResource] = status.Error(codes.NotFound, "missing")

	resolver, err := NewResolver(ctx,
		withAccessClient(client),
		WithDefaultProject("test"),
		WithFallbackFile(writeFallback(t, "secret://analytics-api-secret=local-secret\n")),
	)
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	_, err = resolver.ResolveSecret(ctx, "secret://analytics-api-secret")
	if status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestResolveWithoutProjectUsesFallbackOnly(t *testing.T) {
	t.Setenv(EnvEnvironment, "")
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (accessClient, error) {
		t.Fatal("secret manager client must not be created without a project")
		return nil, nil
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	resolver, err := NewResolver(context.Background(),
		WithFallbackFile(writeFallback(t, "sm://analytics-api-secret=local-secret\n")),
	)
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}
	defer resolver.Close()

	got, err := resolver.ResolveSecret(context.Background(), "secret://analytics-api-secret")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("expected local-secret, got %s", got)
	}
}

func TestNewResolverWithoutCredentialsUsesFallback(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (accessClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	resolver, err := NewResolver(context.Background(),
		WithDefaultProject("test"),
		WithFallbackFile(writeFallback(t, "secret://analytics-api-secret=local-secret\n")),
	)
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	got, err := resolver.ResolveSecret(context.Background(), "secret://analytics-api-secret")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("expected local-secret, got %s", got)
	}
}

func TestResolveRejectsInvalidReferences(t *testing.T) {
	resolver, err := NewResolver(context.Background(), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}
	for _, ref := range []string{"", "https://example.com/secret", "secret://"} {
		if _, err := resolver.ResolveSecret(context.Background(), ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
}

func TestLoadConfigWithResolver(t *testing.T) {
	ctx := context.Background()
	client := newFakeAccessClient()
	client.values[apiSecretResource] = "mp-secret"

	resolver, err := NewResolver(ctx, withAccessClient(client), WithDefaultProject("test"))
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	cfg, err := config.Load(ctx,
		config.WithEnvMap(map[string]string{"APP_ANALYTICS_API_SECRET": "secret://analytics-api-secret"}),
		config.WithoutSystemEnv(),
		config.WithEnvFile(""),
		config.WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}
	if cfg.Analytics.APISecret != "mp-secret" {
		t.Fatalf("expected resolved secret, got %s", cfg.Analytics.APISecret)
	}
}

type fakeAccessClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeAccessClient() *fakeAccessClient {
	return &fakeAccessClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeAccessClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++

	if err, ok := f.errors[name]; ok && err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeAccessClient) Close() error { return nil }

func (f *fakeAccessClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
