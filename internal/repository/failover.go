package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"appointly/internal/domain"
)

const recoveryInterval = time.Minute

// FailoverRequestStore routes calls to the primary store and switches to the
// fallback on the first error. After recoveryInterval it probes the primary
// again.
type FailoverRequestStore struct {
	primary   domain.RequestStore
	fallback  domain.RequestStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverRequestStore(primary, fallback domain.RequestStore, logger *zerolog.Logger) *FailoverRequestStore {
	return &FailoverRequestStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// usePrimary reports whether the next call should go to the primary store.
func (r *FailoverRequestStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

// observe records the primary's outcome and reports whether it succeeded.
func (r *FailoverRequestStore) observe(err error) bool {
	if err == nil {
		if r.isDown.Swap(false) {
			r.logger.Info().Msg("Primary request store recovered")
		}
		return true
	}
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary request store failed, falling back to memory")
	}
	r.lastCheck.Store(time.Now().UnixNano())
	return false
}

func (r *FailoverRequestStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, key, limit, window)
		if r.observe(err) {
			return allowed, nil
		}
	}
	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}

func (r *FailoverRequestStore) RememberBooking(ctx context.Context, idempotencyKey, bookingID string, ttl time.Duration) error {
	if r.usePrimary() {
		if r.observe(r.primary.RememberBooking(ctx, idempotencyKey, bookingID, ttl)) {
			return nil
		}
	}
	return r.fallback.RememberBooking(ctx, idempotencyKey, bookingID, ttl)
}

func (r *FailoverRequestStore) LookupBooking(ctx context.Context, idempotencyKey string) (string, error) {
	if r.usePrimary() {
		id, err := r.primary.LookupBooking(ctx, idempotencyKey)
		if r.observe(err) {
			return id, nil
		}
	}
	return r.fallback.LookupBooking(ctx, idempotencyKey)
}
