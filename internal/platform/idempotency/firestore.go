package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/celoptima/backend/internal/platform/firestore"
)

const (
	defaultCollection  = "analytics_event_keys"
	defaultMaxAttempts = 5
)

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// FirestoreStore implements Store on the database handle.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) (*FirestoreStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: firestore client is required")
	}
	store := &FirestoreStore{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Claim implements Store in a transaction so concurrent requests see one owner.
func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	now = now.UTC()
	ref := s.client.Collection(s.collection).Doc(documentID(key))

	var result Claim
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		fresh := record{
			Fingerprint: fingerprint,
			Status:      statusPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(normalizeTTL(ttl)),
		}

		snap, err := tx.Get(ref)
		if pfirestore.IsNotFound(err) {
			result = Claim{State: StateNew}
			return tx.Set(ref, fresh)
		}
		if err != nil {
			return err
		}

		var existing record
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if existing.expired(now) {
			result = Claim{State: StateNew}
			return tx.Set(ref, fresh)
		}
		if existing.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		result = existing.claim()
		return nil
	}, firestore.MaxAttempts(s.maxAttempts))
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			return Claim{}, err
		}
		return Claim{}, pfirestore.WrapError("idempotency.claim", err)
	}
	return result, nil
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint, eventID string, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ref := s.client.Collection(s.collection).Doc(documentID(key))
	_, err := ref.Set(ctx, map[string]any{
		"fingerprint": fingerprint,
		"status":      statusCompleted,
		"event_id":    eventID,
		"expires_at":  now.Add(normalizeTTL(ttl)),
	}, firestore.MergeAll)
	return pfirestore.WrapError("idempotency.complete", err)
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	_, err := s.client.Collection(s.collection).Doc(documentID(key)).Delete(ctx)
	if pfirestore.IsNotFound(err) {
		return nil
	}
	return pfirestore.WrapError("idempotency.release", err)
}
