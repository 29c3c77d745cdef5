package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps reservations in process. Used by tests and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key Key, fingerprint string, now time.Time, lease time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *record
	if rec, ok := s.records[key.ID()]; ok {
		existing = &rec
	}
	reservation, next, err := reserve(existing, fingerprint, now, lease)
	if err != nil {
		return Reservation{}, err
	}
	if next != nil {
		s.records[key.ID()] = *next
	}
	return reservation, nil
}

func (s *MemoryStore) Complete(_ context.Context, key Key, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key.ID()]
	rec.State = stateCompleted
	rec.Response = Response{Status: resp.Status, ContentType: resp.ContentType, Body: append([]byte(nil), resp.Body...)}
	rec.ExpiresAt = now.Add(ttl)
	s.records[key.ID()] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key.ID())
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(s.records, id)
	}
	return len(expired), nil
}
