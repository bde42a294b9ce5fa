package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"appointly/internal/config"
	"appointly/internal/domain"
	"appointly/internal/models"
	"appointly/internal/service"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) QueryAvailableSlots(ctx context.Context, hostID, typeID string, date models.Date, callerTZ string) ([]models.BookableSlot, error) {
	args := m.Called(ctx, hostID, typeID, date, callerTZ)
	slots, _ := args.Get(0).([]models.BookableSlot)
	return slots, args.Error(1)
}

func (m *mockService) CreateBooking(ctx context.Context, req domain.CreateBookingRequest) (models.BookingResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.BookingResult), args.Error(1)
}

func (m *mockService) RespondToBooking(ctx context.Context, bookingID string, approved bool) (models.BookingResult, error) {
	args := m.Called(ctx, bookingID, approved)
	return args.Get(0).(models.BookingResult), args.Error(1)
}

func (m *mockService) CancelBooking(ctx context.Context, bookingID string) (models.BookingResult, error) {
	args := m.Called(ctx, bookingID)
	return args.Get(0).(models.BookingResult), args.Error(1)
}

func (m *mockService) CompleteBooking(ctx context.Context, bookingID string) (models.BookingResult, error) {
	args := m.Called(ctx, bookingID)
	return args.Get(0).(models.BookingResult), args.Error(1)
}

func (m *mockService) MarkNoShow(ctx context.Context, bookingID string) (models.BookingResult, error) {
	args := m.Called(ctx, bookingID)
	return args.Get(0).(models.BookingResult), args.Error(1)
}

func (m *mockService) GetBooking(ctx context.Context, bookingID string) (models.Booking, error) {
	args := m.Called(ctx, bookingID)
	return args.Get(0).(models.Booking), args.Error(1)
}

func (m *mockService) ListBookings(ctx context.Context, hostID string, from, to time.Time) ([]models.Booking, error) {
	args := m.Called(ctx, hostID, from, to)
	bookings, _ := args.Get(0).([]models.Booking)
	return bookings, args.Error(1)
}

func newTestServer(t *testing.T, cfg config.APIConfig) (*httptest.Server, *mockService) {
	t.Helper()
	svc := new(mockService)
	logger := zerolog.Nop()
	srv := NewServer(cfg, svc, &logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func do(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func sampleBooking() models.Booking {
	return models.Booking{
		ID:            "b-1",
		HostID:        "dr-lee",
		BookingTypeID: "intro",
		Start:         time.Date(2025, 5, 22, 7, 0, 0, 0, time.UTC),
		End:           time.Date(2025, 5, 22, 7, 30, 0, 0, time.UTC),
		Status:        models.StatusScheduled,
		Recurrence:    models.SingleOccurrence(),
		Version:       1,
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})
	resp := do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})
	resp := do(t, http.MethodGet, ts.URL+"/healthz", "", map[string]string{requestIDHeader: "abc-123"})
	assert.Equal(t, "abc-123", resp.Header.Get(requestIDHeader))
}

func TestSlots(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})
	berlin, _ := time.LoadLocation("Europe/Berlin")
	slots := []models.BookableSlot{
		{Start: time.Date(2025, 5, 22, 9, 0, 0, 0, berlin), End: time.Date(2025, 5, 22, 9, 30, 0, 0, berlin), Available: true},
	}
	svc.On("QueryAvailableSlots", mock.Anything, "dr-lee", "intro", models.NewDate(2025, 5, 22), "Europe/Berlin").Return(slots, nil)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/hosts/dr-lee/booking-types/intro/slots?date=2025-05-22&tz=Europe/Berlin", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body slotsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Slots, 1)
	assert.True(t, body.Slots[0].Start.Equal(slots[0].Start))
	assert.Equal(t, "Europe/Berlin", body.Timezone)
	svc.AssertExpectations(t)
}

func TestSlots_Validation(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/hosts/dr-lee/booking-types/intro/slots?date=22.05.2025", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Contains(t, body.Fields, "date")
	assert.Contains(t, body.Fields, "tz")
	svc.AssertNotCalled(t, "QueryAvailableSlots", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"host", fmt.Errorf("x: %w", service.ErrHostNotFound), http.StatusNotFound},
		{"type", service.ErrBookingTypeNotFound, http.StatusNotFound},
		{"timezone", service.ErrInvalidTimezone, http.StatusBadRequest},
		{"ambiguous", service.ErrAmbiguousOrInvalidLocalTime, http.StatusBadRequest},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, svc := newTestServer(t, config.APIConfig{})
			svc.On("QueryAvailableSlots", mock.Anything, "h", "t", mock.Anything, "UTC").Return(nil, tt.err)

			resp := do(t, http.MethodGet, ts.URL+"/api/v1/hosts/h/booking-types/t/slots?date=2025-05-22&tz=UTC", "", nil)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

const createBody = `{
	"host_id": "dr-lee",
	"booking_type_id": "intro",
	"start": "2025-05-22T09:00:00+02:00",
	"end": "2025-05-22T09:30:00+02:00",
	"timezone": "Europe/Berlin",
	"participants": [{"name": "Ann", "email": "ann@example.com", "answers": {"lang": {"choices": ["en"]}}}],
	"recurrence": {"pattern": "weekly", "count": 3}
}`

func TestCreateBooking(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})

	var got domain.CreateBookingRequest
	svc.On("CreateBooking", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(domain.CreateBookingRequest) }).
		Return(models.BookingResult{Booking: sampleBooking()}, nil)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/bookings", createBody, map[string]string{idempotencyHeader: "req-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result models.BookingResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "b-1", result.Booking.ID)

	assert.Equal(t, "req-1", got.IdempotencyKey)
	assert.Equal(t, time.Date(2025, 5, 22, 7, 0, 0, 0, time.UTC), got.Start)
	assert.Equal(t, time.UTC, got.Start.Location())
	assert.Equal(t, models.PatternWeekly, got.Recurrence.Pattern)
	n, ok := got.Recurrence.Termination.Count()
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	require.Len(t, got.Participants, 1)
	choices, _ := got.Participants[0].Answers["lang"].Choices()
	assert.Equal(t, []string{"en"}, choices)
}

func TestCreateBooking_Validation(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})

	body := `{"host_id":"dr-lee","booking_type_id":"intro","start":"tomorrow","end":"2025-05-22T09:30:00Z",
		"timezone":"UTC","participants":[{"name":"","email":"nope"}],"recurrence":{"pattern":"yearly"}}`
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/bookings", body, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	e := decodeError(t, resp)
	assert.Contains(t, e.Fields, "start")
	assert.Contains(t, e.Fields, "participants[0].name")
	assert.Equal(t, "Invalid email format", e.Fields["participants[0].email"])
	assert.Contains(t, e.Fields["recurrence.pattern"], "Must be one of")
	svc.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything)
}

func TestCreateBooking_ConflictingTermination(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})

	body := strings.Replace(createBody, `"count": 3`, `"count": 3, "until": "2025-07-01"`, 1)
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/bookings", body, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Fields, "recurrence")
}

func TestCreateBooking_CountTooLarge(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})

	body := strings.Replace(createBody, `"count": 3`, `"count": 5001`, 1)
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/bookings", body, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Maximum is 5000", decodeError(t, resp).Fields["recurrence.count"])
	svc.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything)
}

func TestCreateBooking_BadJSON(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/bookings", `{"host_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/bookings", `{"unknown_field":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateBooking_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"taken", service.ErrSlotUnavailable, http.StatusConflict},
		{"rate", service.ErrRateLimited, http.StatusTooManyRequests},
		{"validation", &service.ValidationError{Fields: map[string]string{"participants": "at most 1 participants allowed"}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, svc := newTestServer(t, config.APIConfig{})
			svc.On("CreateBooking", mock.Anything, mock.Anything).Return(models.BookingResult{}, tt.err)

			resp := do(t, http.MethodPost, ts.URL+"/api/v1/bookings", createBody, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRespond(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})
	svc.On("RespondToBooking", mock.Anything, "b-1", false).Return(models.BookingResult{Booking: sampleBooking()}, nil)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/bookings/b-1/respond", `{"approved": false}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	svc.AssertExpectations(t)

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/bookings/b-1/respond", `{}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "This field is required", decodeError(t, resp).Fields["approved"])
}

func TestTransitions(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})
	svc.On("CancelBooking", mock.Anything, "b-1").Return(models.BookingResult{Booking: sampleBooking(), NotificationPending: true}, nil)
	svc.On("CompleteBooking", mock.Anything, "b-1").Return(models.BookingResult{}, service.ErrInvalidState)
	svc.On("MarkNoShow", mock.Anything, "missing").Return(models.BookingResult{}, service.ErrBookingNotFound)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/bookings/b-1/cancel", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result models.BookingResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.NotificationPending)

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/bookings/b-1/complete", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/bookings/missing/no-show", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/bookings/b-1/cancel", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGetBooking(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})
	svc.On("GetBooking", mock.Anything, "b-1").Return(sampleBooking(), nil)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/bookings/b-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b models.Booking
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	assert.Equal(t, models.StatusScheduled, b.Status)
}

func TestListBookings(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})
	from := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.On("ListBookings", mock.Anything, "dr-lee", mock.MatchedBy(from.Equal), mock.MatchedBy(to.Equal)).
		Return([]models.Booking{sampleBooking()}, nil)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/hosts/dr-lee/bookings?from=2025-05-01&to=2025-05-31", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bookingsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Bookings, 1)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/hosts/dr-lee/bookings?from=2025-05-31&to=2025-05-01", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/hosts/dr-lee/bookings?from=2025-05-01&to=2025-05-31&tz=Mars/Olympus", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExport(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})
	svc.On("ListBookings", mock.Anything, "dr-lee", time.Time{}, mock.Anything).Return([]models.Booking{sampleBooking()}, nil)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/hosts/dr-lee/bookings/export?from=2025-05-01&to=2025-05-31&tz=Europe/Berlin", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, xlsxContentType, resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "bookings_dr-lee_2025-05-01_2025-05-31.xlsx")
	assert.Equal(t, "1", resp.Header.Get("X-Occurrence-Count"))

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Occurrences")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestExport_RangeTooLong(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})
	svc.On("ListBookings", mock.Anything, "dr-lee", mock.Anything, mock.Anything).Return(nil, nil)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/hosts/dr-lee/bookings/export?from=2024-01-01&to=2025-12-31", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
