package models

import (
	"errors"
	"fmt"
	"time"
)

type Host struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	ScheduleIDs    []string `json:"schedule_ids"`
	BookingTypeIDs []string `json:"booking_type_ids"`
}

// WeekdaySet marks which weekdays a schedule is open, indexed by time.Weekday.
type WeekdaySet [7]bool

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var set WeekdaySet
	for _, d := range days {
		set[d] = true
	}
	return set
}

func (w WeekdaySet) Has(d time.Weekday) bool {
	return w[d]
}

func (w WeekdaySet) Days() []time.Weekday {
	var out []time.Weekday
	for d, ok := range w {
		if ok {
			out = append(out, time.Weekday(d))
		}
	}
	return out
}

// Bits packs the set into an integer for storage (bit i = weekday i).
func (w WeekdaySet) Bits() int {
	var bits int
	for d, ok := range w {
		if ok {
			bits |= 1 << d
		}
	}
	return bits
}

func WeekdaySetFromBits(bits int) WeekdaySet {
	var set WeekdaySet
	for d := range set {
		set[d] = bits&(1<<d) != 0
	}
	return set
}

type AvailabilitySchedule struct {
	ID                  string     `json:"id"`
	HostID              string     `json:"host_id"`
	Timezone            string     `json:"timezone"`
	Weekdays            WeekdaySet `json:"weekdays"`
	Start               TimeOfDay  `json:"start"`
	End                 TimeOfDay  `json:"end"`
	BufferBeforeMinutes int        `json:"buffer_before_minutes"`
	BufferAfterMinutes  int        `json:"buffer_after_minutes"`
	EffectiveFrom       *Date      `json:"effective_from,omitempty"`
	EffectiveTo         *Date      `json:"effective_to,omitempty"`
}

var (
	ErrInvalidWindow  = errors.New("schedule start must be before end")
	ErrInvalidBuffers = errors.New("schedule buffers must be non-negative")
	ErrInvalidRange   = errors.New("schedule effective range is inverted")
)

// Validate checks the structural invariants. A zero-length window is
// tolerated: it simply yields no slots.
func (s AvailabilitySchedule) Validate() error {
	if !s.Start.Valid() || !s.End.Valid() || s.Start > s.End {
		return fmt.Errorf("schedule %s: %w", s.ID, ErrInvalidWindow)
	}
	if s.BufferBeforeMinutes < 0 || s.BufferAfterMinutes < 0 {
		return fmt.Errorf("schedule %s: %w", s.ID, ErrInvalidBuffers)
	}
	if s.EffectiveFrom != nil && s.EffectiveTo != nil && s.EffectiveTo.Before(*s.EffectiveFrom) {
		return fmt.Errorf("schedule %s: %w", s.ID, ErrInvalidRange)
	}
	return nil
}

func (s AvailabilitySchedule) Buffers() Buffers {
	return Buffers{
		Before: time.Duration(s.BufferBeforeMinutes) * time.Minute,
		After:  time.Duration(s.BufferAfterMinutes) * time.Minute,
	}
}

// Covers reports whether d lies inside the optional effective range.
func (s AvailabilitySchedule) Covers(d Date) bool {
	if s.EffectiveFrom != nil && d.Before(*s.EffectiveFrom) {
		return false
	}
	if s.EffectiveTo != nil && d.After(*s.EffectiveTo) {
		return false
	}
	return true
}

type LocationKind string

const (
	LocationInPerson  LocationKind = "in_person"
	LocationPhoneCall LocationKind = "phone_call"
	LocationVideo     LocationKind = "video"
	LocationCustom    LocationKind = "custom"
)

type Location struct {
	Kind   LocationKind `json:"kind"`
	Detail string       `json:"detail,omitempty"`
}

// RequiresPhone reports whether participants must leave a phone number.
func (l Location) RequiresPhone() bool {
	return l.Kind == LocationPhoneCall
}

type QuestionKind string

const (
	QuestionSingleLine     QuestionKind = "single_line"
	QuestionMultiLine      QuestionKind = "multi_line"
	QuestionSingleChoice   QuestionKind = "single_choice"
	QuestionMultipleChoice QuestionKind = "multiple_choice"
)

func (k QuestionKind) IsChoice() bool {
	return k == QuestionSingleChoice || k == QuestionMultipleChoice
}

type Question struct {
	ID       string       `json:"id"`
	Label    string       `json:"label"`
	Kind     QuestionKind `json:"kind"`
	Required bool         `json:"required"`
	Options  []string     `json:"options,omitempty"`
}

func (q Question) HasOption(opt string) bool {
	for _, o := range q.Options {
		if o == opt {
			return true
		}
	}
	return false
}

type BookingType struct {
	ID               string     `json:"id"`
	HostID           string     `json:"host_id"`
	ScheduleID       string     `json:"schedule_id"`
	Name             string     `json:"name"`
	DurationMinutes  int        `json:"duration_minutes"`
	Location         Location   `json:"location"`
	MaxParticipants  int        `json:"max_participants"`
	RequiresApproval bool       `json:"requires_approval"`
	Questions        []Question `json:"questions"`
}

func (t BookingType) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}

func (t BookingType) Validate() error {
	if t.HostID == "" || t.ScheduleID == "" {
		return fmt.Errorf("booking type %s: host and schedule are required", t.ID)
	}
	if !IsAllowedDuration(t.DurationMinutes) {
		return fmt.Errorf("booking type %s: duration %d is not one of %v", t.ID, t.DurationMinutes, AllowedDurations)
	}
	if t.MaxParticipants < 1 {
		return fmt.Errorf("booking type %s: max participants must be at least 1", t.ID)
	}
	seen := make(map[string]bool, len(t.Questions))
	for _, q := range t.Questions {
		if q.ID == "" || seen[q.ID] {
			return fmt.Errorf("booking type %s: question ids must be unique and non-empty", t.ID)
		}
		seen[q.ID] = true
		switch q.Kind {
		case QuestionSingleLine, QuestionMultiLine:
		case QuestionSingleChoice, QuestionMultipleChoice:
			if len(q.Options) == 0 {
				return fmt.Errorf("booking type %s: question %s needs options", t.ID, q.ID)
			}
		default:
			return fmt.Errorf("booking type %s: question %s has unknown kind %q", t.ID, q.ID, q.Kind)
		}
	}
	return nil
}
