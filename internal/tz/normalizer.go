// Package tz converts wall-clock times between IANA time zones and UTC.
package tz

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // ship the zone database with the binary

	"appointly/internal/models"
)

var (
	ErrInvalidTimezone             = errors.New("invalid timezone")
	ErrAmbiguousOrInvalidLocalTime = errors.New("local time is ambiguous or does not exist")
)

// LocalTime is a wall-clock reading with no zone attached.
type LocalTime struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
}

// At combines a calendar date with a time of day. 24:00 rolls over to the
// next day's midnight.
func At(d models.Date, tod models.TimeOfDay) LocalTime {
	return LocalTime{Year: d.Year, Month: d.Month, Day: d.Day, Hour: tod.Hour(), Minute: tod.Minute()}.normalized()
}

func (l LocalTime) normalized() LocalTime {
	return wallOf(time.Date(l.Year, l.Month, l.Day, l.Hour, l.Minute, l.Second, 0, time.UTC))
}

func (l LocalTime) String() string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", l.Year, l.Month, l.Day, l.Hour, l.Minute, l.Second)
}

func wallOf(t time.Time) LocalTime {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return LocalTime{Year: y, Month: mo, Day: d, Hour: h, Minute: mi, Second: s}
}

var locations sync.Map // map[string]*time.Location

// Load resolves an IANA identifier. The empty string and "Local" are rejected
// so results never depend on the host machine.
func Load(tzID string) (*time.Location, error) {
	id := strings.TrimSpace(tzID)
	if id == "" || id == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tzID)
	}
	if v, ok := locations.Load(id); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tzID)
	}
	actual, _ := locations.LoadOrStore(id, loc)
	return actual.(*time.Location), nil
}

// ToUTC maps a wall-clock time in tzID to its instant. Times skipped by a
// forward DST shift, or repeated by a backward one, fail with
// ErrAmbiguousOrInvalidLocalTime instead of being shifted.
func ToUTC(local LocalTime, tzID string) (time.Time, error) {
	loc, err := Load(tzID)
	if err != nil {
		return time.Time{}, err
	}
	want := local.normalized()
	wall := time.Date(want.Year, want.Month, want.Day, want.Hour, want.Minute, want.Second, 0, time.UTC)

	var matches []time.Time
	for _, offset := range candidateOffsets(wall, loc) {
		instant := wall.Add(-time.Duration(offset) * time.Second)
		if wallOf(instant.In(loc)) == want && !containsInstant(matches, instant) {
			matches = append(matches, instant)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0].UTC(), nil
	case 0:
		return time.Time{}, fmt.Errorf("%w: %s does not exist in %s", ErrAmbiguousOrInvalidLocalTime, want, tzID)
	default:
		return time.Time{}, fmt.Errorf("%w: %s occurs twice in %s", ErrAmbiguousOrInvalidLocalTime, want, tzID)
	}
}

// FromUTC returns the wall-clock reading of instant in tzID.
func FromUTC(instant time.Time, tzID string) (LocalTime, error) {
	loc, err := Load(tzID)
	if err != nil {
		return LocalTime{}, err
	}
	return wallOf(instant.In(loc)), nil
}

// StartOfDay returns the first instant whose wall-clock date in tzID is d.
// When a DST shift skips midnight the day starts where the gap ends; when
// midnight repeats the earlier reading wins.
func StartOfDay(d models.Date, tzID string) (time.Time, error) {
	loc, err := Load(tzID)
	if err != nil {
		return time.Time{}, err
	}
	wall := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)

	var first time.Time
	for _, offset := range candidateOffsets(wall, loc) {
		instant := wall.Add(-time.Duration(offset) * time.Second)
		if models.DateOf(instant.In(loc)) != d {
			continue
		}
		if first.IsZero() || instant.Before(first) {
			first = instant
		}
	}
	if first.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %s has no local time in %s", ErrAmbiguousOrInvalidLocalTime, d, tzID)
	}

	if local := first.In(loc); local.Hour() != 0 || local.Minute() != 0 || local.Second() != 0 {
		if zoneStart, _ := local.ZoneBounds(); !zoneStart.IsZero() && models.DateOf(zoneStart.In(loc)) == d {
			first = zoneStart
		}
	}
	return first.UTC(), nil
}

// candidateOffsets collects the UTC offsets in effect around wall. Zone
// transitions never happen twice within a day, so probing a day either side
// finds both offsets of any nearby transition.
func candidateOffsets(wall time.Time, loc *time.Location) []int {
	var offsets []int
	for _, probe := range []time.Time{wall.Add(-24 * time.Hour), wall, wall.Add(24 * time.Hour)} {
		_, off := probe.In(loc).Zone()
		seen := false
		for _, o := range offsets {
			if o == off {
				seen = true
				break
			}
		}
		if !seen {
			offsets = append(offsets, off)
		}
	}
	return offsets
}

func containsInstant(list []time.Time, t time.Time) bool {
	for _, x := range list {
		if x.Equal(t) {
			return true
		}
	}
	return false
}
