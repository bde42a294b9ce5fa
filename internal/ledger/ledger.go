// Package ledger is the authoritative in-memory record of bookings. It owns
// the booking lifecycle and guarantees that reservations for the same host
// are checked and inserted one at a time.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"appointly/internal/models"
)

var (
	ErrNotFound      = errors.New("booking not found")
	ErrInvalidState  = errors.New("invalid booking state transition")
	ErrDuplicateID   = errors.New("booking id already exists")
	ErrHostMismatch  = errors.New("booking belongs to another host")
	ErrInvalidStatus = errors.New("new bookings must be pending or scheduled")
)

type Event string

const (
	EventApprove  Event = "approve"
	EventDecline  Event = "decline"
	EventCancel   Event = "cancel"
	EventComplete Event = "complete"
	EventNoShow   Event = "no_show"
)

// transitions maps (event, from) to the resulting status.
var transitions = map[Event]map[models.Status]models.Status{
	EventApprove:  {models.StatusPending: models.StatusScheduled},
	EventDecline:  {models.StatusPending: models.StatusCancelled},
	EventCancel:   {models.StatusPending: models.StatusCancelled, models.StatusScheduled: models.StatusCancelled},
	EventComplete: {models.StatusScheduled: models.StatusCompleted},
	EventNoShow:   {models.StatusScheduled: models.StatusNoShow},
}

// Next returns the status an event moves a booking to. A cancel of an
// already cancelled booking is a no-op and reports changed == false.
func Next(from models.Status, ev Event) (to models.Status, changed bool, err error) {
	if ev == EventCancel && from == models.StatusCancelled {
		return from, false, nil
	}
	targets, ok := transitions[ev]
	if !ok {
		return from, false, fmt.Errorf("%w: unknown event %q", ErrInvalidState, ev)
	}
	to, ok = targets[from]
	if !ok {
		return from, false, fmt.Errorf("%w: cannot %s a %s booking", ErrInvalidState, ev, from)
	}
	return to, true, nil
}

// CheckFunc inspects the host's active bookings before an insert and
// rejects it by returning an error.
type CheckFunc func(active []models.Booking) error

type Ledger struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
	byHost   map[string]map[string]struct{}
	locks    *HostLocks
	now      func() time.Time
}

func New() *Ledger {
	return &Ledger{
		bookings: make(map[string]*models.Booking),
		byHost:   make(map[string]map[string]struct{}),
		locks:    NewHostLocks(),
		now:      time.Now,
	}
}

// WithClock overrides the timestamp source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Load hydrates the ledger from persisted bookings, replacing entries with
// the same id.
func (l *Ledger) Load(bookings []models.Booking) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range bookings {
		l.insertLocked(b.Clone())
	}
}

// Reserve runs check against the host's active bookings and inserts b, as
// one critical section per host. b.Version is set to 1.
func (l *Ledger) Reserve(hostID string, b models.Booking, check CheckFunc) (models.Booking, error) {
	if b.HostID != hostID {
		return models.Booking{}, ErrHostMismatch
	}
	if !b.Status.IsActive() {
		return models.Booking{}, ErrInvalidStatus
	}

	unlock := l.locks.Lock(hostID)
	defer unlock()

	l.mu.RLock()
	_, exists := l.bookings[b.ID]
	active := l.activeLocked(hostID)
	l.mu.RUnlock()
	if exists {
		return models.Booking{}, fmt.Errorf("%w: %s", ErrDuplicateID, b.ID)
	}
	if check != nil {
		if err := check(active); err != nil {
			return models.Booking{}, err
		}
	}

	now := l.now().UTC()
	stored := b.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	l.mu.Lock()
	l.insertLocked(stored)
	l.mu.Unlock()
	return stored.Clone(), nil
}

// Apply moves a booking through the lifecycle. It returns the booking after
// the event and whether anything changed.
func (l *Ledger) Apply(id string, ev Event) (models.Booking, bool, error) {
	l.mu.RLock()
	b, ok := l.bookings[id]
	var hostID string
	if ok {
		hostID = b.HostID
	}
	l.mu.RUnlock()
	if !ok {
		return models.Booking{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	unlock := l.locks.Lock(hostID)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	b = l.bookings[id]
	to, changed, err := Next(b.Status, ev)
	if err != nil {
		return b.Clone(), false, err
	}
	if changed {
		b.Status = to
		b.Version++
		b.UpdatedAt = l.now().UTC()
	}
	return b.Clone(), changed, nil
}

func (l *Ledger) Get(id string) (models.Booking, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bookings[id]
	if !ok {
		return models.Booking{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return b.Clone(), nil
}

// Snapshot returns copies of the host's pending and scheduled bookings.
func (l *Ledger) Snapshot(hostID string) []models.Booking {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeLocked(hostID)
}

// List returns every booking of the host whose first occurrence starts in
// [from, to), ordered by start. Zero bounds are open.
func (l *Ledger) List(hostID string, from, to time.Time) []models.Booking {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.Booking
	for id := range l.byHost[hostID] {
		b := l.bookings[id]
		if !from.IsZero() && b.Start.Before(from) {
			continue
		}
		if !to.IsZero() && !b.Start.Before(to) {
			continue
		}
		out = append(out, b.Clone())
	}
	sortByStart(out)
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bookings)
}

func (l *Ledger) activeLocked(hostID string) []models.Booking {
	var out []models.Booking
	for id := range l.byHost[hostID] {
		if b := l.bookings[id]; b.Status.IsActive() {
			out = append(out, b.Clone())
		}
	}
	sortByStart(out)
	return out
}

func (l *Ledger) insertLocked(b models.Booking) {
	if prev, ok := l.bookings[b.ID]; ok && prev.HostID != b.HostID {
		delete(l.byHost[prev.HostID], b.ID)
	}
	l.bookings[b.ID] = &b
	ids, ok := l.byHost[b.HostID]
	if !ok {
		ids = make(map[string]struct{})
		l.byHost[b.HostID] = ids
	}
	ids[b.ID] = struct{}{}
}

func sortByStart(bs []models.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Start.Equal(bs[j].Start) {
			return bs[i].ID < bs[j].ID
		}
		return bs[i].Start.Before(bs[j].Start)
	})
}
