package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Pattern string

const (
	PatternNone     Pattern = "none"
	PatternDaily    Pattern = "daily"
	PatternWeekly   Pattern = "weekly"
	PatternBiweekly Pattern = "biweekly"
	PatternMonthly  Pattern = "monthly"
)

func (p Pattern) Valid() bool {
	switch p {
	case PatternNone, PatternDaily, PatternWeekly, PatternBiweekly, PatternMonthly:
		return true
	}
	return false
}

type TerminationKind uint8

const (
	TerminationCount TerminationKind = iota + 1
	TerminationUntil
	TerminationIndefinite
)

// Termination ends a series after a number of occurrences, on a date, or never.
type Termination struct {
	kind  TerminationKind
	count int
	until Date
}

func CountTermination(n int) Termination {
	return Termination{kind: TerminationCount, count: n}
}

func UntilTermination(d Date) Termination {
	return Termination{kind: TerminationUntil, until: d}
}

func IndefiniteTermination() Termination {
	return Termination{kind: TerminationIndefinite}
}

func (t Termination) Kind() TerminationKind { return t.kind }

func (t Termination) Count() (int, bool) {
	return t.count, t.kind == TerminationCount
}

func (t Termination) Until() (Date, bool) {
	return t.until, t.kind == TerminationUntil
}

var (
	ErrConflictingTermination = errors.New("recurrence cannot specify both count and until")
	ErrInvalidRecurrence      = errors.New("invalid recurrence")
)

type Recurrence struct {
	Pattern     Pattern
	Interval    int
	Termination Termination
}

// SingleOccurrence is the recurrence of a one-off booking.
func SingleOccurrence() Recurrence {
	return Recurrence{Pattern: PatternNone, Interval: 1, Termination: CountTermination(1)}
}

// NewRecurrence builds a recurrence from loosely specified input. A zero
// interval means 1; a repeating pattern without count or until is
// indefinite; count and until together are rejected.
func NewRecurrence(pattern Pattern, interval int, count *int, until *Date) (Recurrence, error) {
	if pattern == "" {
		pattern = PatternNone
	}
	if count != nil && until != nil {
		return Recurrence{}, ErrConflictingTermination
	}
	if interval == 0 {
		interval = 1
	}

	r := Recurrence{Pattern: pattern, Interval: interval}
	switch {
	case pattern == PatternNone:
		r = SingleOccurrence()
	case count != nil:
		r.Termination = CountTermination(*count)
	case until != nil:
		r.Termination = UntilTermination(*until)
	default:
		r.Termination = IndefiniteTermination()
	}

	if err := r.Validate(); err != nil {
		return Recurrence{}, err
	}
	return r, nil
}

func (r Recurrence) Validate() error {
	if !r.Pattern.Valid() {
		return fmt.Errorf("%w: unknown pattern %q", ErrInvalidRecurrence, r.Pattern)
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be at least 1", ErrInvalidRecurrence)
	}
	switch r.Termination.kind {
	case TerminationCount:
		if r.Termination.count < 1 {
			return fmt.Errorf("%w: count must be at least 1", ErrInvalidRecurrence)
		}
	case TerminationUntil:
		if r.Termination.until.IsZero() {
			return fmt.Errorf("%w: until date is empty", ErrInvalidRecurrence)
		}
	case TerminationIndefinite:
		if r.Pattern == PatternNone {
			return fmt.Errorf("%w: a single occurrence cannot be indefinite", ErrInvalidRecurrence)
		}
	default:
		return fmt.Errorf("%w: missing termination", ErrInvalidRecurrence)
	}
	return nil
}

func (r Recurrence) IsRecurring() bool {
	return r.Pattern != PatternNone && r.Pattern != ""
}

type recurrenceJSON struct {
	Pattern  Pattern `json:"pattern"`
	Interval int     `json:"interval,omitempty"`
	Count    *int    `json:"count,omitempty"`
	Until    *Date   `json:"until,omitempty"`
}

func (r Recurrence) MarshalJSON() ([]byte, error) {
	out := recurrenceJSON{Pattern: r.Pattern, Interval: r.Interval}
	if n, ok := r.Termination.Count(); ok {
		out.Count = &n
	}
	if d, ok := r.Termination.Until(); ok {
		out.Until = &d
	}
	return json.Marshal(out)
}

func (r *Recurrence) UnmarshalJSON(data []byte) error {
	var in recurrenceJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	parsed, err := NewRecurrence(in.Pattern, in.Interval, in.Count, in.Until)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
