//go:build integration

package firebase_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"

	"github.com/celoptima/backend/internal/platform/config"
	pfirebase "github.com/celoptima/backend/internal/platform/firebase"
	pfirestore "github.com/celoptima/backend/internal/platform/firestore"
	"github.com/celoptima/backend/internal/platform/idempotency"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type visit struct {
	Page  string `firestore:"page"`
	Count int    `firestore:"count"`
}

func TestBootstrapAgainstEmulator(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	defer stopContainer(containerID)

	waitForEndpoint(t, endpoint, 30*time.Second)

	t.Setenv(pfirestore.EnvEmulatorHost, "")
	backend := pfirebase.NewBackend(
		pfirebase.WithEmulatorHost(endpoint),
		pfirebase.WithClientOptions(option.WithoutAuthentication()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	handles, err := pfirebase.Bootstrap(ctx, backend, config.FirebaseConfig{ProjectID: "test-project"})
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	t.Cleanup(func() {
		_ = handles.Close(context.Background())
	})

	db := handles.Database()
	if err := pfirestore.Ping(ctx, db); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	ref := db.Collection("visits").Doc("home")
	if _, err := ref.Set(ctx, visit{Page: "/", Count: 1}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	// A second handle derived from the same app sees the same data.
	other, err := backend.Database(ctx, handles.App())
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	defer other.Close()

	snap, err := other.Collection("visits").Doc("home").Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	var got visit
	if err := snap.DataTo(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Page != "/" || got.Count != 1 {
		t.Fatalf("unexpected data: %#v", got)
	}

	if _, err := ref.Update(ctx, []firestore.Update{{Path: "count", Value: firestore.Increment(1)}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	_, err = db.Collection("visits").Doc("missing").Get(ctx)
	if err == nil {
		t.Fatalf("expected not found error")
	}
	err = pfirestore.WrapError("visits.get", err)
	type classifier interface{ IsNotFound() bool }
	var cls classifier
	if !errors.As(err, &cls) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if !cls.IsNotFound() {
		t.Fatalf("expected not found classification")
	}

	keys, err := idempotency.NewFirestoreStore(db)
	if err != nil {
		t.Fatalf("idempotency store: %v", err)
	}
	now := time.Now()
	claim, err := keys.Claim(ctx, "emulator-key", "fp", now, time.Hour)
	if err != nil || claim.State != idempotency.StateNew {
		t.Fatalf("expected new claim, got %+v (%v)", claim, err)
	}
	if err := keys.Complete(ctx, "emulator-key", "fp", "evt-1", now, time.Hour); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	claim, err = keys.Claim(ctx, "emulator-key", "fp", now, time.Hour)
	if err != nil || claim.State != idempotency.StateCompleted || claim.EventID != "evt-1" {
		t.Fatalf("expected completed claim, got %+v (%v)", claim, err)
	}
	if _, err := keys.Claim(ctx, "emulator-key", "other", now, time.Hour); !errors.Is(err, idempotency.ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	// Shorten the ID to match docker CLI behaviour for stop/remove commands.
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
