package models

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// IsActive reports whether a booking in this status occupies the calendar.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusScheduled
}

func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

type Participant struct {
	Name    string            `json:"name"`
	Email   string            `json:"email"`
	Phone   string            `json:"phone,omitempty"`
	Answers map[string]Answer `json:"answers,omitempty"`
}

func (p Participant) clone() Participant {
	out := p
	if p.Answers != nil {
		out.Answers = make(map[string]Answer, len(p.Answers))
		for k, v := range p.Answers {
			out.Answers[k] = v
		}
	}
	return out
}

type Booking struct {
	ID             string        `json:"id"`
	HostID         string        `json:"host_id"`
	BookingTypeID  string        `json:"booking_type_id"`
	Start          time.Time     `json:"start"`
	End            time.Time     `json:"end"`
	CallerTimezone string        `json:"caller_timezone"`
	SeriesTimezone string        `json:"series_timezone"`
	Participants   []Participant `json:"participants"`
	Status         Status        `json:"status"`
	Recurrence     Recurrence    `json:"recurrence"`
	BufferBefore   time.Duration `json:"buffer_before"`
	BufferAfter    time.Duration `json:"buffer_after"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Interval is the first occurrence of the booking. Later occurrences of a
// series repeat it on the wall clock of SeriesTimezone.
func (b Booking) Interval() Interval {
	return Interval{Start: b.Start, End: b.End}
}

func (b Booking) Buffers() Buffers {
	return Buffers{Before: b.BufferBefore, After: b.BufferAfter}
}

// Clone returns a deep copy safe to hand out of the ledger.
func (b Booking) Clone() Booking {
	out := b
	if b.Participants != nil {
		out.Participants = make([]Participant, len(b.Participants))
		for i, p := range b.Participants {
			out.Participants[i] = p.clone()
		}
	}
	return out
}

// BookableSlot is a candidate interval; it is recomputed per query and never stored.
type BookableSlot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
}

func (s BookableSlot) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

// BookingResult is returned by mutating operations. NotificationPending is
// set when the transition committed but persisting or notifying did not.
type BookingResult struct {
	Booking             Booking `json:"booking"`
	NotificationPending bool    `json:"notification_pending"`
}
