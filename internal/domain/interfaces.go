package domain

import (
	"context"
	"errors"
	"time"

	"appointly/internal/events"
	"appointly/internal/models"
)

var (
	ErrHostNotFound        = errors.New("host not found")
	ErrBookingTypeNotFound = errors.New("booking type not found")
	ErrScheduleNotFound    = errors.New("schedule not found")
)

// CatalogRepository reads the administrator-owned hosts, schedules and
// booking types.
type CatalogRepository interface {
	GetHost(ctx context.Context, id string) (*models.Host, error)
	GetBookingType(ctx context.Context, hostID, typeID string) (*models.BookingType, error)
	GetSchedule(ctx context.Context, id string) (*models.AvailabilitySchedule, error)
}

// BookingStore is the durable side of the ledger. SaveBooking must only
// apply writes whose version is newer than the stored one.
type BookingStore interface {
	SaveBooking(ctx context.Context, booking *models.Booking) error
	LoadBookings(ctx context.Context) ([]models.Booking, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Notifier delivers booking events to people. The channel is its own concern.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload events.BookingEventPayload) error
}

// TaskQueue accepts side-effect work to be retried in the background.
type TaskQueue interface {
	EnqueueTask(ctx context.Context, taskType string, bookingID string, payload []byte) error
}

// RequestStore keeps short-lived per-caller state: rate limit counters and
// idempotency keys of booking requests.
type RequestStore interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	RememberBooking(ctx context.Context, idempotencyKey, bookingID string, ttl time.Duration) error
	LookupBooking(ctx context.Context, idempotencyKey string) (string, error)
}

// SchedulingService is the engine surface used by transports.
type SchedulingService interface {
	QueryAvailableSlots(ctx context.Context, hostID, typeID string, date models.Date, callerTZ string) ([]models.BookableSlot, error)
	CreateBooking(ctx context.Context, req CreateBookingRequest) (models.BookingResult, error)
	RespondToBooking(ctx context.Context, bookingID string, approved bool) (models.BookingResult, error)
	CancelBooking(ctx context.Context, bookingID string) (models.BookingResult, error)
	CompleteBooking(ctx context.Context, bookingID string) (models.BookingResult, error)
	MarkNoShow(ctx context.Context, bookingID string) (models.BookingResult, error)
	GetBooking(ctx context.Context, bookingID string) (models.Booking, error)
	ListBookings(ctx context.Context, hostID string, from, to time.Time) ([]models.Booking, error)
}

// CreateBookingRequest carries everything a caller submits to book a slot.
type CreateBookingRequest struct {
	HostID         string
	BookingTypeID  string
	Start          time.Time
	End            time.Time
	CallerTimezone string
	Participants   []models.Participant
	Recurrence     models.Recurrence
	IdempotencyKey string
}
