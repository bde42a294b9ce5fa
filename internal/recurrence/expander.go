// Package recurrence expands a booking's recurrence rule into concrete
// occurrence start times.
package recurrence

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/teambition/rrule-go"

	"appointly/internal/models"
)

// DefaultMaxOccurrences bounds every expansion, terminating or not.
const DefaultMaxOccurrences = 5000

var ErrHorizonRequired = errors.New("indefinite recurrence requires a horizon")

// Series is an expanded, immutable list of occurrence starts. Occurrences
// keep the wall clock of the first one in its location.
type Series struct {
	starts   []time.Time
	terminal bool
}

// Expand enumerates the occurrences of rule starting at first. A non-zero
// horizon drops occurrences that start at or after it; an indefinite rule
// must be given one. The first occurrence is always part of the series.
func Expand(first time.Time, rule models.Recurrence, horizon time.Time) (*Series, error) {
	return ExpandLimit(first, rule, horizon, DefaultMaxOccurrences)
}

func ExpandLimit(first time.Time, rule models.Recurrence, horizon time.Time, limit int) (*Series, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = DefaultMaxOccurrences
	}
	if !rule.IsRecurring() {
		return &Series{starts: []time.Time{first}, terminal: true}, nil
	}
	if rule.Termination.Kind() == models.TerminationIndefinite && horizon.IsZero() {
		return nil, ErrHorizonRequired
	}

	opt, err := options(first, rule)
	if err != nil {
		return nil, err
	}
	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build rule: %w", err)
	}

	s := &Series{terminal: rule.Termination.Kind() != models.TerminationIndefinite}
	next := rr.Iterator()
	for {
		t, ok := next()
		if !ok {
			break
		}
		if len(s.starts) > 0 && !horizon.IsZero() && !t.Before(horizon) {
			s.terminal = false
			break
		}
		if len(s.starts) == limit {
			s.terminal = false
			break
		}
		s.starts = append(s.starts, t)
	}
	if len(s.starts) == 0 {
		// Until before the first occurrence still books the first one.
		s.starts = append(s.starts, first)
	}
	return s, nil
}

func options(first time.Time, rule models.Recurrence) (rrule.ROption, error) {
	opt := rrule.ROption{
		Dtstart:  first,
		Interval: rule.Interval,
	}
	switch rule.Pattern {
	case models.PatternDaily:
		opt.Freq = rrule.DAILY
	case models.PatternWeekly:
		opt.Freq = rrule.WEEKLY
	case models.PatternBiweekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = rule.Interval * 2
	case models.PatternMonthly:
		opt.Freq = rrule.MONTHLY
		// Clamp days past the 28th to the last day the month has.
		if day := first.Day(); day > 28 {
			for d := 28; d <= day; d++ {
				opt.Bymonthday = append(opt.Bymonthday, d)
			}
			opt.Bysetpos = []int{-1}
		}
	default:
		return opt, fmt.Errorf("%w: unsupported pattern %q", models.ErrInvalidRecurrence, rule.Pattern)
	}

	if n, ok := rule.Termination.Count(); ok {
		opt.Count = n
	}
	if d, ok := rule.Termination.Until(); ok {
		opt.Until = time.Date(d.Year, d.Month, d.Day, 23, 59, 59, 0, first.Location())
	}
	return opt, nil
}

func (s *Series) Len() int { return len(s.starts) }

// Terminal reports whether the series was enumerated to its natural end.
func (s *Series) Terminal() bool { return s.terminal }

func (s *Series) At(i int) (time.Time, bool) {
	if i < 0 || i >= len(s.starts) {
		return time.Time{}, false
	}
	return s.starts[i], true
}

func (s *Series) All() []time.Time {
	out := make([]time.Time, len(s.starts))
	copy(out, s.starts)
	return out
}

// From yields occurrences with their index starting at i.
func (s *Series) From(i int) iter.Seq2[int, time.Time] {
	return func(yield func(int, time.Time) bool) {
		for j := max(i, 0); j < len(s.starts); j++ {
			if !yield(j, s.starts[j]) {
				return
			}
		}
	}
}

// Between returns occurrence starts in [from, to).
func (s *Series) Between(from, to time.Time) []time.Time {
	var out []time.Time
	for _, t := range s.starts {
		if t.Before(from) {
			continue
		}
		if !t.Before(to) {
			break
		}
		out = append(out, t)
	}
	return out
}

// Intervals returns every occurrence as [start, start+d).
func (s *Series) Intervals(d time.Duration) []models.Interval {
	out := make([]models.Interval, len(s.starts))
	for i, t := range s.starts {
		out[i] = models.Interval{Start: t, End: t.Add(d)}
	}
	return out
}
