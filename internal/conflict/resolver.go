// Package conflict decides whether proposed intervals collide with active
// bookings once buffers are taken into account. It only reads the bookings
// it is handed.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"appointly/internal/models"
	"appointly/internal/recurrence"
	"appointly/internal/tz"
)

var ErrSlotUnavailable = errors.New("slot unavailable")

// Busy is one occurrence of an active booking and the span it blocks.
type Busy struct {
	BookingID  string
	Occurrence models.Interval
	Blocked    models.Interval
}

// Overlaps reports whether two half-open intervals intersect. Touching
// endpoints do not overlap.
func Overlaps(a, b models.Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// BusyIntervals expands every pending or scheduled booking and returns the
// occurrences whose buffered span intersects window. Indefinite series are
// expanded up to horizon, or just past the window when horizon is zero.
func BusyIntervals(bookings []models.Booking, window models.Interval, horizon time.Time) ([]Busy, error) {
	if horizon.IsZero() || horizon.Before(window.End) {
		horizon = window.End.Add(24 * time.Hour)
	}

	var out []Busy
	for _, b := range bookings {
		if !b.Status.IsActive() {
			continue
		}
		first, err := seriesStart(b)
		if err != nil {
			return nil, err
		}
		series, err := recurrence.Expand(first, b.Recurrence, horizon)
		if err != nil {
			return nil, fmt.Errorf("booking %s: %w", b.ID, err)
		}

		duration := b.End.Sub(b.Start)
		from := window.Start.Add(-duration - b.BufferAfter)
		to := window.End.Add(b.BufferBefore)
		for _, start := range series.Between(from, to) {
			occ := models.Interval{Start: start.UTC(), End: start.Add(duration).UTC()}
			blocked := occ.Widen(b.Buffers())
			if Overlaps(blocked, window) {
				out = append(out, Busy{BookingID: b.ID, Occurrence: occ, Blocked: blocked})
			}
		}
	}
	return out, nil
}

// LatestEnd returns the end of the last buffered occurrence among active
// bookings whose series terminate. Indefinite series are skipped. The zero
// time means there is nothing to wait for.
func LatestEnd(bookings []models.Booking) (time.Time, error) {
	var latest time.Time
	for _, b := range bookings {
		if !b.Status.IsActive() || b.Recurrence.Termination.Kind() == models.TerminationIndefinite {
			continue
		}
		first, err := seriesStart(b)
		if err != nil {
			return time.Time{}, err
		}
		series, err := recurrence.Expand(first, b.Recurrence, time.Time{})
		if err != nil {
			return time.Time{}, fmt.Errorf("booking %s: %w", b.ID, err)
		}
		last, _ := series.At(series.Len() - 1)
		if end := last.Add(b.End.Sub(b.Start) + b.BufferAfter).UTC(); end.After(latest) {
			latest = end
		}
	}
	return latest, nil
}

// seriesStart places a booking's first occurrence in its series timezone.
func seriesStart(b models.Booking) (time.Time, error) {
	if b.SeriesTimezone == "" {
		return b.Start, nil
	}
	loc, err := tz.Load(b.SeriesTimezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("booking %s: %w", b.ID, err)
	}
	return b.Start.In(loc), nil
}

// Collides checks a candidate against one busy entry in both directions: the
// candidate may not enter the booking's buffered span, and the candidate's
// own buffers may not reach the booking itself.
func Collides(candidate models.Interval, own models.Buffers, busy Busy) bool {
	return Overlaps(candidate, busy.Blocked) || Overlaps(candidate.Widen(own), busy.Occurrence)
}

// FilterAvailable returns the candidates that collide with no active booking.
func FilterAvailable(candidates []models.BookableSlot, bookings []models.Booking, own models.Buffers, horizon time.Time) ([]models.BookableSlot, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	ivs := make([]models.Interval, len(candidates))
	for i, c := range candidates {
		ivs[i] = c.Interval()
	}
	busy, err := BusyIntervals(bookings, span(ivs, own), horizon)
	if err != nil {
		return nil, err
	}

	out := make([]models.BookableSlot, 0, len(candidates))
	for _, c := range candidates {
		if !collidesAny(c.Interval(), own, busy) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ValidateSlot fails with ErrSlotUnavailable when any proposed occurrence
// collides with an active booking.
func ValidateSlot(occurrences []models.Interval, bookings []models.Booking, own models.Buffers, horizon time.Time) error {
	if len(occurrences) == 0 {
		return nil
	}
	busy, err := BusyIntervals(bookings, span(occurrences, own), horizon)
	if err != nil {
		return err
	}
	for _, occ := range occurrences {
		for _, b := range busy {
			if Collides(occ, own, b) {
				return fmt.Errorf("%w: %s conflicts with booking %s", ErrSlotUnavailable, occ.Start.UTC().Format(time.RFC3339), b.BookingID)
			}
		}
	}
	return nil
}

func collidesAny(iv models.Interval, own models.Buffers, busy []Busy) bool {
	for _, b := range busy {
		if Collides(iv, own, b) {
			return true
		}
	}
	return false
}

// span covers every interval together with its own buffers.
func span(ivs []models.Interval, own models.Buffers) models.Interval {
	out := ivs[0]
	for _, iv := range ivs[1:] {
		if iv.Start.Before(out.Start) {
			out.Start = iv.Start
		}
		if iv.End.After(out.End) {
			out.End = iv.End
		}
	}
	return out.Widen(own)
}
