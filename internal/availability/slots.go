// Package availability turns a host's weekly schedules into bookable slots
// for a single date.
package availability

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"appointly/internal/models"
	"appointly/internal/tz"
)

var ErrInvalidDuration = errors.New("slot duration must be positive")

// GenerateSlots walks every applicable schedule window on date in fixed
// models.SlotStep increments and returns [s, s+duration) candidates that fit
// entirely inside the window. Slots from different schedules are not merged.
func GenerateSlots(date models.Date, schedules []models.AvailabilitySchedule, durationMinutes int) ([]models.BookableSlot, error) {
	if durationMinutes <= 0 {
		return nil, ErrInvalidDuration
	}
	duration := time.Duration(durationMinutes) * time.Minute

	var slots []models.BookableSlot
	for _, s := range schedules {
		if !s.Weekdays.Has(date.Weekday()) || !s.Covers(date) {
			continue
		}
		window, err := Window(date, s)
		if err != nil {
			return nil, err
		}
		for start := window.Start; !start.Add(duration).After(window.End); start = start.Add(models.SlotStep) {
			slots = append(slots, models.BookableSlot{Start: start, End: start.Add(duration), Available: true})
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})
	return slots, nil
}

// Window returns the schedule's working hours on date as UTC instants.
func Window(date models.Date, s models.AvailabilitySchedule) (models.Interval, error) {
	start, err := tz.ToUTC(tz.At(date, s.Start), s.Timezone)
	if err != nil {
		return models.Interval{}, fmt.Errorf("schedule %s: window start: %w", s.ID, err)
	}
	end, err := tz.ToUTC(tz.At(date, s.End), s.Timezone)
	if err != nil {
		return models.Interval{}, fmt.Errorf("schedule %s: window end: %w", s.ID, err)
	}
	return models.Interval{Start: start, End: end}, nil
}

// Contains reports whether iv lies inside an enabled window of any schedule
// on iv's local start date.
func Contains(iv models.Interval, schedules []models.AvailabilitySchedule) (bool, error) {
	for _, s := range schedules {
		loc, err := tz.Load(s.Timezone)
		if err != nil {
			return false, err
		}
		date := models.DateOf(iv.Start.In(loc))
		if !s.Weekdays.Has(date.Weekday()) || !s.Covers(date) {
			continue
		}
		window, err := Window(date, s)
		if err != nil {
			return false, err
		}
		if !iv.Start.Before(window.Start) && !iv.End.After(window.End) {
			return true, nil
		}
	}
	return false, nil
}
