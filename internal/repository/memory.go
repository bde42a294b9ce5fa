package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryRequestStore keeps rate limit counters and idempotency keys in
// process memory. It backs up Redis and serves single-instance deployments.
type MemoryRequestStore struct {
	mu         sync.Mutex
	rateLimits map[string]*rateLimitEntry
	bookings   map[string]idempotencyEntry
	now        func() time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

type idempotencyEntry struct {
	bookingID string
	expiresAt time.Time
}

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		rateLimits: make(map[string]*rateLimitEntry),
		bookings:   make(map[string]idempotencyEntry),
		now:        time.Now,
	}
}

func (r *MemoryRequestStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.rateLimits[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &rateLimitEntry{count: 0, expiresAt: now.Add(window)}
		r.rateLimits[key] = entry
	}
	entry.count++
	return entry.count <= limit, nil
}

func (r *MemoryRequestStore) RememberBooking(ctx context.Context, idempotencyKey, bookingID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings[idempotencyKey] = idempotencyEntry{bookingID: bookingID, expiresAt: r.now().Add(ttl)}
	return nil
}

// LookupBooking returns the booking id stored under the key, or "" when the
// key is unknown or expired.
func (r *MemoryRequestStore) LookupBooking(ctx context.Context, idempotencyKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.bookings[idempotencyKey]
	if !ok {
		return "", nil
	}
	if r.now().After(entry.expiresAt) {
		delete(r.bookings, idempotencyKey)
		return "", nil
	}
	return entry.bookingID, nil
}

// Sweep drops expired entries.
func (r *MemoryRequestStore) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for k, e := range r.rateLimits {
		if now.After(e.expiresAt) {
			delete(r.rateLimits, k)
			removed++
		}
	}
	for k, e := range r.bookings {
		if now.After(e.expiresAt) {
			delete(r.bookings, k)
			removed++
		}
	}
	return removed
}
