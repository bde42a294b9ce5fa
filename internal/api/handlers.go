package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"appointly/internal/export"
	"appointly/internal/models"
	"appointly/internal/service"
	"appointly/internal/tz"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
	xlsxContentType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	q := slotsQuery{
		Date:     strings.TrimSpace(r.URL.Query().Get("date")),
		Timezone: strings.TrimSpace(r.URL.Query().Get("tz")),
	}
	if fields := validateStruct(q); fields != nil {
		writeValidation(w, fields)
		return
	}
	date, err := models.ParseDate(q.Date)
	if err != nil {
		writeValidation(w, map[string]string{"date": err.Error()})
		return
	}

	hostID, typeID := r.PathValue("hostID"), r.PathValue("typeID")
	slots, err := s.svc.QueryAvailableSlots(r.Context(), hostID, typeID, date, q.Timezone)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if slots == nil {
		slots = []models.BookableSlot{}
	}
	writeJSON(w, http.StatusOK, slotsResponse{
		HostID:        hostID,
		BookingTypeID: typeID,
		Date:          q.Date,
		Timezone:      q.Timezone,
		Slots:         slots,
	})
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var body createBookingRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if fields := validateStruct(body); fields != nil {
		writeValidation(w, fields)
		return
	}

	req, fields := body.toDomain(strings.TrimSpace(r.Header.Get(idempotencyHeader)))
	if fields != nil {
		writeValidation(w, fields)
		return
	}

	result, err := s.svc.CreateBooking(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.GetBooking(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if fields := validateStruct(body); fields != nil {
		writeValidation(w, fields)
		return
	}

	result, err := s.svc.RespondToBooking(r.Context(), r.PathValue("id"), *body.Approved)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type transitionFunc func(ctx context.Context, bookingID string) (models.BookingResult, error)

func (s *Server) handleTransition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := fn(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	from, to, _, ok := parseRange(w, r)
	if !ok {
		return
	}
	bookings, err := s.svc.ListBookings(r.Context(), r.PathValue("hostID"), from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if bookings == nil {
		bookings = []models.Booking{}
	}
	writeJSON(w, http.StatusOK, bookingsResponse{Bookings: bookings})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	from, to, loc, ok := parseRange(w, r)
	if !ok {
		return
	}
	hostID := r.PathValue("hostID")

	// Series that began before the range can still have occurrences inside it.
	bookings, err := s.svc.ListBookings(r.Context(), hostID, time.Time{}, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var buf bytes.Buffer
	n, err := export.Write(&buf, export.Params{
		HostID:   hostID,
		From:     from,
		To:       to,
		Location: loc,
		Bookings: bookings,
	})
	if err != nil {
		if errors.Is(err, export.ErrInvalidRange) {
			writeValidation(w, map[string]string{"to": err.Error()})
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	filename := fmt.Sprintf("bookings_%s_%s_%s.xlsx",
		hostID, models.DateOf(from.In(loc)), models.DateOf(to.In(loc)).AddDays(-1))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Occurrence-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// parseRange reads an inclusive from/to date range interpreted in the tz
// query parameter (UTC by default) and returns it as a half-open interval.
func parseRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, *time.Location, bool) {
	q := rangeQuery{
		From:     strings.TrimSpace(r.URL.Query().Get("from")),
		To:       strings.TrimSpace(r.URL.Query().Get("to")),
		Timezone: strings.TrimSpace(r.URL.Query().Get("tz")),
	}
	if fields := validateStruct(q); fields != nil {
		writeValidation(w, fields)
		return time.Time{}, time.Time{}, nil, false
	}

	tzID := q.Timezone
	if tzID == "" {
		tzID = "UTC"
	}
	loc, err := tz.Load(tzID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return time.Time{}, time.Time{}, nil, false
	}

	fromDate, err := models.ParseDate(q.From)
	if err != nil {
		writeValidation(w, map[string]string{"from": err.Error()})
		return time.Time{}, time.Time{}, nil, false
	}
	toDate, err := models.ParseDate(q.To)
	if err != nil {
		writeValidation(w, map[string]string{"to": err.Error()})
		return time.Time{}, time.Time{}, nil, false
	}
	if toDate.Before(fromDate) {
		writeValidation(w, map[string]string{"to": "must not be before from"})
		return time.Time{}, time.Time{}, nil, false
	}
	return fromDate.In(loc), toDate.AddDays(1).In(loc), loc, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps engine errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		writeValidation(w, ve.Fields)
	case errors.Is(err, service.ErrHostNotFound),
		errors.Is(err, service.ErrBookingTypeNotFound),
		errors.Is(err, service.ErrScheduleNotFound),
		errors.Is(err, service.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrSlotUnavailable),
		errors.Is(err, service.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidTimezone),
		errors.Is(err, service.ErrAmbiguousOrInvalidLocalTime):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error().
			Err(err).
			Str("request_id", requestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
