package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"appointly/internal/domain"
	"appointly/internal/events"
	"appointly/internal/ledger"
	"appointly/internal/models"
)

type fakeCatalog struct {
	hosts     map[string]*models.Host
	types     map[string]*models.BookingType
	schedules map[string]*models.AvailabilitySchedule
}

func (f *fakeCatalog) GetHost(_ context.Context, id string) (*models.Host, error) {
	if h, ok := f.hosts[id]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrHostNotFound, id)
}

func (f *fakeCatalog) GetBookingType(_ context.Context, hostID, typeID string) (*models.BookingType, error) {
	if bt, ok := f.types[typeID]; ok && bt.HostID == hostID {
		return bt, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrBookingTypeNotFound, typeID)
}

func (f *fakeCatalog) GetSchedule(_ context.Context, id string) (*models.AvailabilitySchedule, error) {
	if s, ok := f.schedules[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	return m.Called(ctx, b).Error(0)
}

func (m *mockStore) LoadBookings(ctx context.Context) ([]models.Booking, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Booking), args.Error(1)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) EnqueueTask(ctx context.Context, taskType, bookingID string, payload []byte) error {
	return m.Called(ctx, taskType, bookingID, payload).Error(0)
}

type mockRequests struct {
	mock.Mock
}

func (m *mockRequests) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

func (m *mockRequests) RememberBooking(ctx context.Context, key, bookingID string, ttl time.Duration) error {
	return m.Called(ctx, key, bookingID, ttl).Error(0)
}

func (m *mockRequests) LookupBooking(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

var (
	clock = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	day   = models.NewDate(2025, 5, 22)
)

func at(hour, minute int) time.Time {
	return time.Date(2025, 5, 22, hour, minute, 0, 0, time.UTC)
}

func newCatalog() *fakeCatalog {
	schedule := &models.AvailabilitySchedule{
		ID:                  "weekdays",
		HostID:              "host-1",
		Timezone:            "UTC",
		Weekdays:            models.NewWeekdaySet(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday),
		Start:               models.NewTimeOfDay(9, 0),
		End:                 models.NewTimeOfDay(17, 0),
		BufferBeforeMinutes: 15,
		BufferAfterMinutes:  15,
	}
	return &fakeCatalog{
		hosts: map[string]*models.Host{
			"host-1": {ID: "host-1", Name: "Dr. Vale", ScheduleIDs: []string{"weekdays"}, BookingTypeIDs: []string{"intro", "consult", "call"}},
		},
		schedules: map[string]*models.AvailabilitySchedule{"weekdays": schedule},
		types: map[string]*models.BookingType{
			"intro": {
				ID: "intro", HostID: "host-1", ScheduleID: "weekdays", Name: "Intro",
				DurationMinutes: 30, Location: models.Location{Kind: models.LocationVideo}, MaxParticipants: 2,
			},
			"consult": {
				ID: "consult", HostID: "host-1", ScheduleID: "weekdays", Name: "Consultation",
				DurationMinutes: 60, Location: models.Location{Kind: models.LocationInPerson}, MaxParticipants: 1,
				RequiresApproval: true,
			},
			"call": {
				ID: "call", HostID: "host-1", ScheduleID: "weekdays", Name: "Call",
				DurationMinutes: 30, Location: models.Location{Kind: models.LocationPhoneCall}, MaxParticipants: 1,
				Questions: []models.Question{
					{ID: "topic", Label: "Topic", Kind: models.QuestionSingleLine, Required: true},
					{ID: "lang", Label: "Language", Kind: models.QuestionSingleChoice, Options: []string{"en", "de"}},
					{ID: "extras", Label: "Extras", Kind: models.QuestionMultipleChoice, Options: []string{"notes", "recording"}},
				},
			},
		},
	}
}

type fixture struct {
	svc    *SchedulingService
	ledger *ledger.Ledger
	bus    *events.EventBus
	seen   *[]string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	l := ledger.New()
	bus := events.NewEventBus()
	var mu sync.Mutex
	seen := []string{}
	bus.SubscribeAll(events.AllBookingEvents, func(e *events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
		return nil
	})

	svc := NewSchedulingService(newCatalog(), l, nil, bus, nil, nil, Options{}, &logger).
		WithClock(func() time.Time { return clock })
	return fixture{svc: svc, ledger: l, bus: bus, seen: &seen}
}

func request(typeID string, start time.Time, d time.Duration) domain.CreateBookingRequest {
	return domain.CreateBookingRequest{
		HostID:         "host-1",
		BookingTypeID:  typeID,
		Start:          start,
		End:            start.Add(d),
		CallerTimezone: "Europe/Berlin",
		Participants:   []models.Participant{{Name: "Ann Lee", Email: "Ann@Example.com"}},
	}
}

func TestQueryAvailableSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slots, err := f.svc.QueryAvailableSlots(ctx, "host-1", "intro", day, "UTC")
	require.NoError(t, err)
	assert.Len(t, slots, 16)

	_, err = f.svc.CreateBooking(ctx, request("intro", at(13, 0), 30*time.Minute))
	require.NoError(t, err)

	slots, err = f.svc.QueryAvailableSlots(ctx, "host-1", "intro", day, "UTC")
	require.NoError(t, err)
	assert.Len(t, slots, 13)
	for _, s := range slots {
		assert.NotContains(t, []time.Time{at(12, 30), at(13, 0), at(13, 30)}, s.Start.UTC())
	}
}

func TestQueryAvailableSlots_CallerTimezone(t *testing.T) {
	f := newFixture(t)

	slots, err := f.svc.QueryAvailableSlots(context.Background(), "host-1", "intro", day, "Europe/Berlin")
	require.NoError(t, err)
	require.Len(t, slots, 16)
	assert.Equal(t, "Europe/Berlin", slots[0].Start.Location().String())
	assert.Equal(t, 11, slots[0].Start.Hour())
	assert.Equal(t, at(9, 0), slots[0].Start.UTC())

	// A Honolulu day spans the afternoon of one UTC day and the morning of the next.
	slots, err = f.svc.QueryAvailableSlots(context.Background(), "host-1", "intro", models.NewDate(2025, 5, 21), "Pacific/Honolulu")
	require.NoError(t, err)
	require.Len(t, slots, 16)
	assert.Equal(t, at(10, 0).AddDate(0, 0, -1), slots[0].Start.UTC())
	assert.Equal(t, at(9, 30), slots[15].Start.UTC())
	assert.Equal(t, 23, slots[15].Start.Hour())
}

func TestQueryAvailableSlots_HidesPast(t *testing.T) {
	f := newFixture(t)
	f.svc.WithClock(func() time.Time { return at(12, 10) })

	slots, err := f.svc.QueryAvailableSlots(context.Background(), "host-1", "intro", day, "UTC")
	require.NoError(t, err)
	require.Len(t, slots, 9)
	assert.Equal(t, at(12, 30), slots[0].Start.UTC())
}

func TestQueryAvailableSlots_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.QueryAvailableSlots(ctx, "host-1", "intro", day, "Nowhere/Land")
	assert.ErrorIs(t, err, ErrInvalidTimezone)

	_, err = f.svc.QueryAvailableSlots(ctx, "ghost", "intro", day, "UTC")
	assert.ErrorIs(t, err, ErrHostNotFound)

	_, err = f.svc.QueryAvailableSlots(ctx, "host-1", "missing", day, "UTC")
	assert.ErrorIs(t, err, ErrBookingTypeNotFound)
}

func TestCreateBooking_ApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateBooking(ctx, request("consult", at(10, 0), time.Hour))
	require.NoError(t, err)
	assert.False(t, res.NotificationPending)
	b := res.Booking
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, "ann@example.com", b.Participants[0].Email)
	assert.Equal(t, 15*time.Minute, b.BufferBefore)
	assert.Equal(t, "UTC", b.SeriesTimezone)
	assert.Equal(t, int64(1), b.Version)

	res, err = f.svc.RespondToBooking(ctx, b.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, res.Booking.Status)

	_, err = f.svc.RespondToBooking(ctx, b.ID, false)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, []string{events.EventBookingCreated, events.EventBookingApproved}, *f.seen)
}

func TestCreateBooking_WithoutApprovalIsScheduled(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateBooking(context.Background(), request("intro", at(9, 0), 30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, res.Booking.Status)

	_, err = f.svc.RespondToBooking(context.Background(), res.Booking.ID, true)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDeclineAndCancelFreeTheSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateBooking(ctx, request("consult", at(10, 0), time.Hour))
	require.NoError(t, err)
	_, err = f.svc.CreateBooking(ctx, request("intro", at(10, 30), 30*time.Minute))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	declined, err := f.svc.RespondToBooking(ctx, res.Booking.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, declined.Booking.Status)

	again, err := f.svc.CreateBooking(ctx, request("intro", at(10, 30), 30*time.Minute))
	require.NoError(t, err)

	cancelled, err := f.svc.CancelBooking(ctx, again.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Booking.Status)

	published := len(*f.seen)
	repeat, err := f.svc.CancelBooking(ctx, again.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, repeat.Booking.Status)
	assert.Equal(t, cancelled.Booking.Version, repeat.Booking.Version)
	assert.Len(t, *f.seen, published)

	slots, err := f.svc.QueryAvailableSlots(ctx, "host-1", "intro", day, "UTC")
	require.NoError(t, err)
	assert.Len(t, slots, 16)

	_, err = f.svc.CancelBooking(ctx, "missing")
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestCompleteAndNoShow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.svc.CreateBooking(ctx, request("consult", at(10, 0), time.Hour))
	require.NoError(t, err)
	_, err = f.svc.CompleteBooking(ctx, pending.Booking.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	scheduled, err := f.svc.CreateBooking(ctx, request("intro", at(14, 0), 30*time.Minute))
	require.NoError(t, err)
	done, err := f.svc.CompleteBooking(ctx, scheduled.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Booking.Status)
	_, err = f.svc.CancelBooking(ctx, scheduled.Booking.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	other, err := f.svc.CreateBooking(ctx, request("intro", at(15, 0), 30*time.Minute))
	require.NoError(t, err)
	noShow, err := f.svc.MarkNoShow(ctx, other.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, noShow.Booking.Status)
}

func TestCreateBooking_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *domain.CreateBookingRequest)
		field  string
	}{
		{"no participants", func(r *domain.CreateBookingRequest) { r.Participants = nil }, "participants"},
		{"too many participants", func(r *domain.CreateBookingRequest) {
			r.Participants = append(r.Participants,
				models.Participant{Name: "B", Email: "b@example.com"},
				models.Participant{Name: "C", Email: "c@example.com"})
		}, "participants"},
		{"missing name", func(r *domain.CreateBookingRequest) { r.Participants[0].Name = " " }, "participants[0].name"},
		{"bad email", func(r *domain.CreateBookingRequest) { r.Participants[0].Email = "nope" }, "participants[0].email"},
		{"missing phone", func(r *domain.CreateBookingRequest) {}, "participants[0].phone"},
		{"missing required answer", func(r *domain.CreateBookingRequest) {}, "participants[0].answers.topic"},
		{"wrong answer kind", func(r *domain.CreateBookingRequest) {
			r.Participants[0].Answers = map[string]models.Answer{"topic": models.ChoicesAnswer("en")}
		}, "participants[0].answers.topic"},
		{"unknown option", func(r *domain.CreateBookingRequest) {
			r.Participants[0].Answers = map[string]models.Answer{"topic": models.TextAnswer("tax"), "lang": models.ChoicesAnswer("fr")}
		}, "participants[0].answers.lang"},
		{"two options for single choice", func(r *domain.CreateBookingRequest) {
			r.Participants[0].Answers = map[string]models.Answer{"topic": models.TextAnswer("tax"), "lang": models.ChoicesAnswer("en", "de")}
		}, "participants[0].answers.lang"},
		{"unknown question", func(r *domain.CreateBookingRequest) {
			r.Participants[0].Answers = map[string]models.Answer{"topic": models.TextAnswer("tax"), "color": models.TextAnswer("red")}
		}, "participants[0].answers.color"},
		{"wrong duration", func(r *domain.CreateBookingRequest) { r.End = r.Start.Add(time.Hour) }, "end"},
		{"outside window", func(r *domain.CreateBookingRequest) {
			r.Start = at(16, 45)
			r.End = at(17, 15)
		}, "start"},
		{"weekend", func(r *domain.CreateBookingRequest) {
			r.Start = r.Start.AddDate(0, 0, 2)
			r.End = r.End.AddDate(0, 0, 2)
		}, "start"},
		{"bad recurrence", func(r *domain.CreateBookingRequest) {
			r.Recurrence = models.Recurrence{Pattern: models.PatternWeekly, Interval: 0, Termination: models.CountTermination(2)}
		}, "recurrence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typeID := "intro"
			if tt.field == "participants[0].phone" || tt.field == "participants[0].answers.topic" ||
				tt.field == "participants[0].answers.lang" || tt.field == "participants[0].answers.color" {
				typeID = "call"
			}
			req := request(typeID, at(11, 0), 30*time.Minute)
			tt.mutate(&req)

			_, err := f.svc.CreateBooking(ctx, req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Fields, tt.field)
			assert.True(t, IsValidation(err))
		})
	}
	assert.Equal(t, 0, f.ledger.Len())
}

func TestCreateBooking_PhoneCallAccepted(t *testing.T) {
	f := newFixture(t)
	req := request("call", at(11, 0), 30*time.Minute)
	req.Participants[0].Phone = "+49 30 1234567"
	req.Participants[0].Answers = map[string]models.Answer{
		"topic":  models.TextAnswer("Taxes"),
		"lang":   models.ChoicesAnswer("de"),
		"extras": models.ChoicesAnswer("notes", "recording"),
	}

	res, err := f.svc.CreateBooking(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, res.Booking.Status)
}

func TestCreateBooking_InvalidCallerTimezone(t *testing.T) {
	f := newFixture(t)
	req := request("intro", at(11, 0), 30*time.Minute)
	req.CallerTimezone = "Atlantis/Central"

	_, err := f.svc.CreateBooking(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidTimezone)
}

func TestCreateBooking_ConcurrentSameSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req := request("intro", at(13, 0), 30*time.Minute)
			req.Participants[0].Email = fmt.Sprintf("caller%d@example.com", i)
			_, errs[i] = f.svc.CreateBooking(ctx, req)
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, taken int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSlotUnavailable):
			taken++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, taken)
}

func TestCreateBooking_RecurringSeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := request("intro", at(13, 0), 30*time.Minute)
	req.Recurrence = models.Recurrence{Pattern: models.PatternWeekly, Interval: 1, Termination: models.CountTermination(4)}
	_, err := f.svc.CreateBooking(ctx, req)
	require.NoError(t, err)

	slots, err := f.svc.QueryAvailableSlots(ctx, "host-1", "intro", models.NewDate(2025, 6, 12), "UTC")
	require.NoError(t, err)
	assert.Len(t, slots, 13)

	slots, err = f.svc.QueryAvailableSlots(ctx, "host-1", "intro", models.NewDate(2025, 6, 19), "UTC")
	require.NoError(t, err)
	assert.Len(t, slots, 16)

	clash := request("intro", at(13, 0).AddDate(0, 0, 14), 30*time.Minute)
	_, err = f.svc.CreateBooking(ctx, clash)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	// A new series may not run into an existing single booking either.
	series := request("intro", at(15, 0).AddDate(0, 0, -7), 30*time.Minute)
	series.Recurrence = models.Recurrence{Pattern: models.PatternWeekly, Interval: 1, Termination: models.IndefiniteTermination()}
	_, err = f.svc.CreateBooking(ctx, request("intro", at(15, 0).AddDate(0, 0, 35), 30*time.Minute))
	require.NoError(t, err)
	_, err = f.svc.CreateBooking(ctx, series)
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestCreateBooking_SeriesCheckedPastHorizon(t *testing.T) {
	ctx := context.Background()
	later := time.Date(2026, 6, 25, 13, 0, 0, 0, time.UTC)

	t.Run("Count", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreateBooking(ctx, request("intro", later, 30*time.Minute))
		require.NoError(t, err)

		// The 58th weekly occurrence lands on the booking above.
		series := request("intro", at(13, 0), 30*time.Minute)
		series.Recurrence = models.Recurrence{Pattern: models.PatternWeekly, Interval: 1, Termination: models.CountTermination(60)}
		_, err = f.svc.CreateBooking(ctx, series)
		assert.ErrorIs(t, err, ErrSlotUnavailable)
	})

	t.Run("Until", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreateBooking(ctx, request("intro", later, 30*time.Minute))
		require.NoError(t, err)

		series := request("intro", at(13, 0), 30*time.Minute)
		series.Recurrence = models.Recurrence{Pattern: models.PatternWeekly, Interval: 1, Termination: models.UntilTermination(models.NewDate(2026, 7, 31))}
		_, err = f.svc.CreateBooking(ctx, series)
		assert.ErrorIs(t, err, ErrSlotUnavailable)
	})

	t.Run("IndefiniteAgainstLongSeries", func(t *testing.T) {
		f := newFixture(t)
		existing := request("intro", at(15, 0), 30*time.Minute)
		existing.Recurrence = models.Recurrence{Pattern: models.PatternMonthly, Interval: 1, Termination: models.CountTermination(14)}
		_, err := f.svc.CreateBooking(ctx, existing)
		require.NoError(t, err)

		// Meets the monthly series only on 2026-06-22, past the one-year horizon.
		series := request("intro", time.Date(2025, 5, 26, 15, 0, 0, 0, time.UTC), 30*time.Minute)
		series.Recurrence = models.Recurrence{Pattern: models.PatternWeekly, Interval: 4, Termination: models.IndefiniteTermination()}
		_, err = f.svc.CreateBooking(ctx, series)
		assert.ErrorIs(t, err, ErrSlotUnavailable)
	})

	t.Run("TooManyOccurrences", func(t *testing.T) {
		f := newFixture(t)
		series := request("intro", at(13, 0), 30*time.Minute)
		series.Recurrence = models.Recurrence{Pattern: models.PatternDaily, Interval: 1, Termination: models.CountTermination(5001)}
		_, err := f.svc.CreateBooking(ctx, series)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.Empty(t, f.ledger.Snapshot("host-1"))
	})
}

func TestQueryAvailableSlots_MidnightSkippedByDST(t *testing.T) {
	logger := zerolog.New(io.Discard)
	catalog := newCatalog()
	catalog.schedules["weekdays"].Weekdays = models.NewWeekdaySet(time.Sunday, time.Monday, time.Tuesday,
		time.Wednesday, time.Thursday, time.Friday, time.Saturday)
	svc := NewSchedulingService(catalog, ledger.New(), nil, nil, nil, nil, Options{}, &logger).
		WithClock(func() time.Time { return clock })

	// Midnight of 2025-09-07 does not exist in Santiago; the day starts at 01:00 -03.
	slots, err := svc.QueryAvailableSlots(context.Background(), "host-1", "intro", models.NewDate(2025, 9, 7), "America/Santiago")
	require.NoError(t, err)
	require.Len(t, slots, 16)
	assert.Equal(t, time.Date(2025, 9, 7, 9, 0, 0, 0, time.UTC), slots[0].Start.UTC())
	assert.Equal(t, 6, slots[0].Start.Hour())
}

func TestCreateBooking_InvalidRequestKeepsQuota(t *testing.T) {
	logger := zerolog.New(io.Discard)
	requests := new(mockRequests)
	svc := NewSchedulingService(newCatalog(), ledger.New(), nil, nil, nil, requests, Options{}, &logger).
		WithClock(func() time.Time { return clock })

	_, err := svc.CreateBooking(context.Background(), request("intro", at(9, 0), 45*time.Minute))
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = svc.CreateBooking(context.Background(), request("missing", at(9, 0), 30*time.Minute))
	assert.ErrorIs(t, err, ErrBookingTypeNotFound)

	requests.AssertNotCalled(t, "CheckRateLimit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateBooking_SideEffectFailuresKeepBooking(t *testing.T) {
	logger := zerolog.New(io.Discard)
	l := ledger.New()
	store := new(mockStore)
	queue := new(mockQueue)
	bus := events.NewEventBus()
	bus.Subscribe(events.EventBookingCreated, func(*events.Event) error { return errors.New("smtp down") })

	svc := NewSchedulingService(newCatalog(), l, store, bus, queue, nil, Options{}, &logger).
		WithClock(func() time.Time { return clock })

	store.On("SaveBooking", mock.Anything, mock.AnythingOfType("*models.Booking")).Return(errors.New("disk full")).Once()
	queue.On("EnqueueTask", mock.Anything, TaskPersist, mock.AnythingOfType("string"), mock.Anything).Return(nil).Once()

	res, err := svc.CreateBooking(context.Background(), request("intro", at(9, 0), 30*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.NotificationPending)

	got, err := svc.GetBooking(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, got.Status)
	store.AssertExpectations(t)
	queue.AssertExpectations(t)
}

func TestCreateBooking_RateLimited(t *testing.T) {
	logger := zerolog.New(io.Discard)
	requests := new(mockRequests)
	svc := NewSchedulingService(newCatalog(), ledger.New(), nil, nil, nil, requests, Options{BookingRateLimit: 3}, &logger).
		WithClock(func() time.Time { return clock })

	requests.On("CheckRateLimit", mock.Anything, "booking:ann@example.com", 3, time.Hour).Return(false, nil).Once()

	_, err := svc.CreateBooking(context.Background(), request("intro", at(9, 0), 30*time.Minute))
	assert.ErrorIs(t, err, ErrRateLimited)
	requests.AssertExpectations(t)
}

func TestCreateBooking_IdempotentReplay(t *testing.T) {
	logger := zerolog.New(io.Discard)
	requests := new(mockRequests)
	svc := NewSchedulingService(newCatalog(), ledger.New(), nil, nil, nil, requests, Options{}, &logger).
		WithClock(func() time.Time { return clock })

	req := request("intro", at(9, 0), 30*time.Minute)
	req.IdempotencyKey = "req-1"

	var storedID string
	requests.On("LookupBooking", mock.Anything, "req-1").Return("", nil).Once()
	requests.On("CheckRateLimit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()
	requests.On("RememberBooking", mock.Anything, "req-1", mock.AnythingOfType("string"), 24*time.Hour).
		Run(func(args mock.Arguments) { storedID = args.String(2) }).Return(nil).Once()

	first, err := svc.CreateBooking(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Booking.ID, storedID)

	requests.On("LookupBooking", mock.Anything, "req-1").Return(storedID, nil).Once()
	second, err := svc.CreateBooking(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Booking.ID, second.Booking.ID)
	requests.AssertExpectations(t)
}

func TestHydrateAndList(t *testing.T) {
	logger := zerolog.New(io.Discard)
	store := new(mockStore)
	existing := models.Booking{
		ID: "old", HostID: "host-1", BookingTypeID: "intro",
		Start: at(9, 0), End: at(9, 30), Status: models.StatusScheduled,
		Recurrence: models.SingleOccurrence(), Version: 3,
	}
	store.On("LoadBookings", mock.Anything).Return([]models.Booking{existing}, nil).Once()

	svc := NewSchedulingService(newCatalog(), ledger.New(), store, nil, nil, nil, Options{}, &logger).
		WithClock(func() time.Time { return clock })
	n, err := svc.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := svc.ListBookings(context.Background(), "host-1", at(0, 0), at(23, 59))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].Version)

	_, err = svc.ListBookings(context.Background(), "ghost", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ErrHostNotFound)
}
