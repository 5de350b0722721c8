// Package idempotency deduplicates client retries of analytics events by Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// State is the outcome of claiming a key.
type State int

const (
	// StateNew means the caller owns the key and must Complete or Release it.
	StateNew State = iota
	// StateCompleted means the event was already delivered; EventID holds its id.
	StateCompleted
	// StatePending means another request is delivering the event.
	StatePending
)

// Claim is the result of Store.Claim.
type Claim struct {
	State   State
	EventID string
}

// Store persists key claims.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, key, fingerprint, eventID string, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// ErrFingerprintMismatch is returned when a key is reused for a different event.
var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different event")

const (
	statusPending   = "pending"
	statusCompleted = "completed"
)

// Fingerprint hashes the parts that identify an event payload.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

type record struct {
	Fingerprint string    `firestore:"fingerprint"`
	Status      string    `firestore:"status"`
	EventID     string    `firestore:"event_id"`
	CreatedAt   time.Time `firestore:"created_at"`
	ExpiresAt   time.Time `firestore:"expires_at"`
}

func (r record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func (r record) claim() Claim {
	if r.Status == statusCompleted {
		return Claim{State: StateCompleted, EventID: r.EventID}
	}
	return Claim{State: StatePending}
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
