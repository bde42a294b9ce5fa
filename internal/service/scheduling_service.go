package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"appointly/internal/availability"
	"appointly/internal/conflict"
	"appointly/internal/domain"
	"appointly/internal/events"
	"appointly/internal/ledger"
	"appointly/internal/metrics"
	"appointly/internal/models"
	"appointly/internal/recurrence"
	"appointly/internal/tz"
)

// Task types handed to the background queue.
const (
	TaskNotify  = "notify"
	TaskPersist = "persist"
)

type Options struct {
	RecurrenceHorizon time.Duration
	BookingRateLimit  int
	BookingRateWindow time.Duration
	IdempotencyTTL    time.Duration
}

func (o *Options) applyDefaults() {
	if o.RecurrenceHorizon <= 0 {
		o.RecurrenceHorizon = models.DefaultRecurrenceHorizonDays * 24 * time.Hour
	}
	if o.BookingRateLimit <= 0 {
		o.BookingRateLimit = models.BookingRateLimit
	}
	if o.BookingRateWindow <= 0 {
		o.BookingRateWindow = models.BookingRateWindow * time.Second
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 24 * time.Hour
	}
}

type SchedulingService struct {
	catalog  domain.CatalogRepository
	ledger   *ledger.Ledger
	store    domain.BookingStore
	eventBus domain.EventPublisher
	queue    domain.TaskQueue
	requests domain.RequestStore
	opts     Options
	now      func() time.Time
	newID    func() string
	logger   *zerolog.Logger
}

func NewSchedulingService(
	catalog domain.CatalogRepository,
	l *ledger.Ledger,
	store domain.BookingStore,
	eventBus domain.EventPublisher,
	queue domain.TaskQueue,
	requests domain.RequestStore,
	opts Options,
	logger *zerolog.Logger,
) *SchedulingService {
	opts.applyDefaults()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SchedulingService{
		catalog:  catalog,
		ledger:   l,
		store:    store,
		eventBus: eventBus,
		queue:    queue,
		requests: requests,
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   logger,
	}
}

// WithClock overrides the clock used to hide past slots and stamp bookings.
func (s *SchedulingService) WithClock(now func() time.Time) *SchedulingService {
	s.now = now
	s.ledger.WithClock(now)
	return s
}

// Hydrate loads persisted bookings into the ledger. It is called once at
// startup before serving requests.
func (s *SchedulingService) Hydrate(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	bookings, err := s.store.LoadBookings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load bookings: %w", err)
	}
	s.ledger.Load(bookings)
	return len(bookings), nil
}

// QueryAvailableSlots returns the open slots of a booking type that start on
// date as seen from callerTZ, expressed in callerTZ. Slots in the past are
// left out.
func (s *SchedulingService) QueryAvailableSlots(ctx context.Context, hostID, typeID string, date models.Date, callerTZ string) ([]models.BookableSlot, error) {
	slots, err := s.queryAvailableSlots(ctx, hostID, typeID, date, callerTZ)
	if err != nil {
		metrics.IncSlotQuery("error")
		return nil, err
	}
	metrics.IncSlotQuery("ok")
	return slots, nil
}

func (s *SchedulingService) queryAvailableSlots(ctx context.Context, hostID, typeID string, date models.Date, callerTZ string) ([]models.BookableSlot, error) {
	callerLoc, err := tz.Load(callerTZ)
	if err != nil {
		return nil, err
	}
	_, bt, schedule, err := s.lookup(ctx, hostID, typeID)
	if err != nil {
		return nil, err
	}

	dayStart, err := tz.StartOfDay(date, callerTZ)
	if err != nil {
		return nil, err
	}
	dayEnd, err := tz.StartOfDay(date.AddDays(1), callerTZ)
	if err != nil {
		return nil, err
	}

	// The caller's day can straddle two schedule days.
	var candidates []models.BookableSlot
	for _, d := range []models.Date{date.AddDays(-1), date, date.AddDays(1)} {
		daySlots, err := availability.GenerateSlots(d, []models.AvailabilitySchedule{*schedule}, bt.DurationMinutes)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, daySlots...)
	}

	now := s.now()
	inDay := candidates[:0]
	for _, c := range candidates {
		if c.Start.Before(dayStart) || !c.Start.Before(dayEnd) || c.Start.Before(now) {
			continue
		}
		inDay = append(inDay, c)
	}

	free, err := conflict.FilterAvailable(inDay, s.ledger.Snapshot(hostID), schedule.Buffers(), time.Time{})
	if err != nil {
		return nil, err
	}
	for i := range free {
		free[i].Start = free[i].Start.In(callerLoc)
		free[i].End = free[i].End.In(callerLoc)
	}
	return free, nil
}

// CreateBooking validates the request, re-checks the slot and every
// recurring occurrence against the ledger, and reserves it atomically per
// host.
func (s *SchedulingService) CreateBooking(ctx context.Context, req domain.CreateBookingRequest) (models.BookingResult, error) {
	if req.IdempotencyKey != "" {
		if b, ok := s.replay(ctx, req.IdempotencyKey); ok {
			return models.BookingResult{Booking: b}, nil
		}
	}

	_, bt, schedule, err := s.lookup(ctx, req.HostID, req.BookingTypeID)
	if err != nil {
		return models.BookingResult{}, err
	}
	if req.Recurrence.Pattern == "" {
		req.Recurrence = models.SingleOccurrence()
	}
	if err := validateRequest(req, bt, schedule); err != nil {
		return models.BookingResult{}, err
	}
	if err := s.checkRateLimit(ctx, req); err != nil {
		return models.BookingResult{}, err
	}

	seriesLoc, err := tz.Load(schedule.Timezone)
	if err != nil {
		return models.BookingResult{}, err
	}
	first := req.Start.In(seriesLoc)
	horizon := req.Start.Add(s.opts.RecurrenceHorizon)
	occurrences, err := expandOccurrences(first, req.Recurrence, bt.Duration(), horizon)
	if err != nil {
		return models.BookingResult{}, err
	}

	status := models.StatusScheduled
	if bt.RequiresApproval {
		status = models.StatusPending
	}
	buffers := schedule.Buffers()
	booking := models.Booking{
		ID:             s.newID(),
		HostID:         req.HostID,
		BookingTypeID:  bt.ID,
		Start:          req.Start.UTC(),
		End:            req.End.UTC(),
		CallerTimezone: req.CallerTimezone,
		SeriesTimezone: schedule.Timezone,
		Participants:   normalizeParticipants(req.Participants),
		Status:         status,
		Recurrence:     req.Recurrence,
		BufferBefore:   buffers.Before,
		BufferAfter:    buffers.After,
	}

	reserved, err := s.ledger.Reserve(req.HostID, booking, func(active []models.Booking) error {
		proposed := occurrences
		if req.Recurrence.Termination.Kind() == models.TerminationIndefinite {
			// Check at least as far as the longest terminating series runs.
			latest, err := conflict.LatestEnd(active)
			if err != nil {
				return err
			}
			if latest.After(horizon) {
				proposed, err = expandOccurrences(first, req.Recurrence, bt.Duration(), latest.Add(buffers.Before))
				if err != nil {
					return err
				}
			}
		}
		return conflict.ValidateSlot(proposed, active, buffers, horizon)
	})
	if err != nil {
		if errors.Is(err, conflict.ErrSlotUnavailable) {
			metrics.IncBookingConflict()
		}
		return models.BookingResult{}, err
	}
	metrics.IncBookingCreated(string(reserved.Status))

	s.logger.Info().
		Str("booking_id", reserved.ID).
		Str("host_id", reserved.HostID).
		Str("status", string(reserved.Status)).
		Int("occurrences", len(occurrences)).
		Msg("booking reserved")

	if req.IdempotencyKey != "" && s.requests != nil {
		if err := s.requests.RememberBooking(ctx, req.IdempotencyKey, reserved.ID, s.opts.IdempotencyTTL); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", reserved.ID).Msg("remember idempotency key failed")
		}
	}

	return s.afterCommit(ctx, reserved, events.EventBookingCreated), nil
}

// RespondToBooking approves or declines a pending booking.
func (s *SchedulingService) RespondToBooking(ctx context.Context, bookingID string, approved bool) (models.BookingResult, error) {
	if approved {
		return s.transition(ctx, bookingID, ledger.EventApprove, events.EventBookingApproved)
	}
	return s.transition(ctx, bookingID, ledger.EventDecline, events.EventBookingDeclined)
}

// CancelBooking cancels a pending or scheduled booking. Cancelling twice
// succeeds without emitting a second event.
func (s *SchedulingService) CancelBooking(ctx context.Context, bookingID string) (models.BookingResult, error) {
	return s.transition(ctx, bookingID, ledger.EventCancel, events.EventBookingCancelled)
}

func (s *SchedulingService) CompleteBooking(ctx context.Context, bookingID string) (models.BookingResult, error) {
	return s.transition(ctx, bookingID, ledger.EventComplete, events.EventBookingCompleted)
}

func (s *SchedulingService) MarkNoShow(ctx context.Context, bookingID string) (models.BookingResult, error) {
	return s.transition(ctx, bookingID, ledger.EventNoShow, events.EventBookingNoShow)
}

func (s *SchedulingService) GetBooking(ctx context.Context, bookingID string) (models.Booking, error) {
	return s.ledger.Get(bookingID)
}

// ListBookings returns every booking of a host whose first occurrence starts
// in [from, to).
func (s *SchedulingService) ListBookings(ctx context.Context, hostID string, from, to time.Time) ([]models.Booking, error) {
	if _, err := s.catalog.GetHost(ctx, hostID); err != nil {
		return nil, err
	}
	return s.ledger.List(hostID, from, to), nil
}

func (s *SchedulingService) transition(ctx context.Context, bookingID string, ev ledger.Event, eventType string) (models.BookingResult, error) {
	b, changed, err := s.ledger.Apply(bookingID, ev)
	if err != nil {
		return models.BookingResult{}, err
	}
	if !changed {
		return models.BookingResult{Booking: b}, nil
	}
	metrics.IncTransition(string(ev))
	s.logger.Info().
		Str("booking_id", b.ID).
		Str("event", string(ev)).
		Str("status", string(b.Status)).
		Msg("booking transitioned")
	return s.afterCommit(ctx, b, eventType), nil
}

// afterCommit persists and announces a committed booking. Neither step can
// undo the transition; failures are logged and reported as pending.
func (s *SchedulingService) afterCommit(ctx context.Context, b models.Booking, eventType string) models.BookingResult {
	result := models.BookingResult{Booking: b}

	if s.store != nil {
		if err := s.store.SaveBooking(ctx, &b); err != nil {
			result.NotificationPending = true
			metrics.IncSideEffectFailure("persist")
			s.logger.Error().Err(err).Str("booking_id", b.ID).Int64("version", b.Version).Msg("persist booking failed")
			s.enqueuePersist(ctx, b)
		}
	}

	if s.eventBus != nil {
		if err := s.eventBus.PublishJSON(eventType, events.NewBookingPayload(b)); err != nil {
			result.NotificationPending = true
			metrics.IncSideEffectFailure("publish")
			s.logger.Error().Err(err).Str("event_type", eventType).Str("booking_id", b.ID).Msg("publish event error")
		}
	}
	return result
}

func (s *SchedulingService) enqueuePersist(ctx context.Context, b models.Booking) {
	if s.queue == nil {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		s.logger.Error().Err(err).Str("booking_id", b.ID).Msg("marshal booking for retry")
		return
	}
	if err := s.queue.EnqueueTask(ctx, TaskPersist, b.ID, raw); err != nil {
		s.logger.Error().Err(err).Str("booking_id", b.ID).Msg("persist retry enqueue error")
	}
}

func (s *SchedulingService) lookup(ctx context.Context, hostID, typeID string) (*models.Host, *models.BookingType, *models.AvailabilitySchedule, error) {
	host, err := s.catalog.GetHost(ctx, hostID)
	if err != nil {
		return nil, nil, nil, err
	}
	bt, err := s.catalog.GetBookingType(ctx, hostID, typeID)
	if err != nil {
		return nil, nil, nil, err
	}
	if bt.HostID != host.ID {
		return nil, nil, nil, fmt.Errorf("%w: %s", domain.ErrBookingTypeNotFound, typeID)
	}
	schedule, err := s.catalog.GetSchedule(ctx, bt.ScheduleID)
	if err != nil {
		return nil, nil, nil, err
	}
	return host, bt, schedule, nil
}

// expandOccurrences lists the intervals a new booking reserves. Series with a
// count or an until date are expanded in full and rejected when they exceed
// the occurrence cap. Indefinite series stop at until.
func expandOccurrences(first time.Time, rule models.Recurrence, d time.Duration, until time.Time) ([]models.Interval, error) {
	if rule.Termination.Kind() != models.TerminationIndefinite {
		until = time.Time{}
	}
	series, err := recurrence.Expand(first, rule, until)
	if err != nil {
		return nil, &ValidationError{Fields: map[string]string{"recurrence": err.Error()}}
	}
	if !series.Terminal() && series.Len() >= recurrence.DefaultMaxOccurrences {
		return nil, &ValidationError{Fields: map[string]string{
			"recurrence": fmt.Sprintf("series exceeds %d occurrences", recurrence.DefaultMaxOccurrences),
		}}
	}
	return series.Intervals(d), nil
}

func (s *SchedulingService) checkRateLimit(ctx context.Context, req domain.CreateBookingRequest) error {
	if s.requests == nil || len(req.Participants) == 0 {
		return nil
	}
	key := "booking:" + strings.ToLower(strings.TrimSpace(req.Participants[0].Email))
	allowed, err := s.requests.CheckRateLimit(ctx, key, s.opts.BookingRateLimit, s.opts.BookingRateWindow)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rate limit check failed, allowing request")
		return nil
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

func (s *SchedulingService) replay(ctx context.Context, key string) (models.Booking, bool) {
	if s.requests == nil {
		return models.Booking{}, false
	}
	id, err := s.requests.LookupBooking(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Msg("idempotency lookup failed")
		return models.Booking{}, false
	}
	if id == "" {
		return models.Booking{}, false
	}
	b, err := s.ledger.Get(id)
	if err != nil {
		return models.Booking{}, false
	}
	return b, true
}

func normalizeParticipants(in []models.Participant) []models.Participant {
	out := make([]models.Participant, len(in))
	for i, p := range in {
		p.Name = strings.TrimSpace(p.Name)
		p.Email = strings.ToLower(strings.TrimSpace(p.Email))
		p.Phone = strings.TrimSpace(p.Phone)
		out[i] = p
	}
	return models.Booking{Participants: out}.Clone().Participants
}
