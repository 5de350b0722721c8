package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps claims in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]record)}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	if existing, ok := s.records[id]; ok && !existing.expired(now) {
		if existing.Fingerprint != fingerprint {
			return Claim{}, ErrFingerprintMismatch
		}
		return existing.claim(), nil
	}

	s.records[id] = record{
		Fingerprint: fingerprint,
		Status:      statusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(normalizeTTL(ttl)),
	}
	return Claim{State: StateNew}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint, eventID string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	existing, ok := s.records[id]
	if ok && existing.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		existing = record{Fingerprint: fingerprint, CreatedAt: now}
	}
	existing.Status = statusCompleted
	existing.EventID = eventID
	existing.ExpiresAt = now.Add(normalizeTTL(ttl))
	s.records[id] = existing
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, documentID(key))
	return nil
}
