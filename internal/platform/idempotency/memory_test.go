package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	fp := Fingerprint([]byte(`{"name":"login"}`))

	claim, err := store.Claim(ctx, "key-1", fp, now, time.Hour)
	if err != nil || claim.State != StateNew {
		t.Fatalf("expected new claim, got %+v (%v)", claim, err)
	}

	claim, err = store.Claim(ctx, "key-1", fp, now, time.Hour)
	if err != nil || claim.State != StatePending {
		t.Fatalf("expected pending claim, got %+v (%v)", claim, err)
	}

	if err := store.Complete(ctx, "key-1", fp, "evt-1", now, time.Hour); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	claim, err = store.Claim(ctx, "key-1", fp, now.Add(time.Minute), time.Hour)
	if err != nil || claim.State != StateCompleted || claim.EventID != "evt-1" {
		t.Fatalf("expected completed claim, got %+v (%v)", claim, err)
	}

	if _, err := store.Claim(ctx, "key-1", Fingerprint([]byte("other")), now, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
}

func TestMemoryStoreExpiryAndRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.Claim(ctx, "key-2", "fp", now, time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	claim, err := store.Claim(ctx, "key-2", "other", now.Add(2*time.Minute), time.Minute)
	if err != nil || claim.State != StateNew {
		t.Fatalf("expected expired key to be reclaimable, got %+v (%v)", claim, err)
	}

	if err := store.Release(ctx, "key-2"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	claim, err = store.Claim(ctx, "key-2", "fp", now.Add(3*time.Minute), time.Minute)
	if err != nil || claim.State != StateNew {
		t.Fatalf("expected released key to be new, got %+v (%v)", claim, err)
	}
}

func TestFingerprintSeparatesParts(t *testing.T) {
	if Fingerprint([]byte("ab"), []byte("c")) == Fingerprint([]byte("a"), []byte("bc")) {
		t.Fatal("expected part boundaries to change the fingerprint")
	}
}

func TestNewFirestoreStoreRequiresClient(t *testing.T) {
	if _, err := NewFirestoreStore(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
