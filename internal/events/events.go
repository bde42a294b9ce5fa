package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"appointly/internal/models"
)

const (
	EventBookingCreated   = "booking_created"
	EventBookingApproved  = "booking_approved"
	EventBookingDeclined  = "booking_declined"
	EventBookingCancelled = "booking_cancelled"
	EventBookingCompleted = "booking_completed"
	EventBookingNoShow    = "booking_no_show"
	EventBookingReminder  = "booking_reminder"
)

// AllBookingEvents lists every booking event type, reminders included.
var AllBookingEvents = []string{
	EventBookingCreated,
	EventBookingApproved,
	EventBookingDeclined,
	EventBookingCancelled,
	EventBookingCompleted,
	EventBookingNoShow,
	EventBookingReminder,
}

// ParticipantContact is the part of a participant notifiers need.
type ParticipantContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// BookingEventPayload describes the minimal booking snapshot for event consumers.
type BookingEventPayload struct {
	BookingID      string               `json:"booking_id"`
	HostID         string               `json:"host_id"`
	BookingTypeID  string               `json:"booking_type_id"`
	Status         models.Status        `json:"status"`
	Start          time.Time            `json:"start"`
	End            time.Time            `json:"end"`
	CallerTimezone string               `json:"caller_timezone"`
	Pattern        models.Pattern       `json:"pattern"`
	Participants   []ParticipantContact `json:"participants"`
	Version        int64                `json:"version"`
}

// NewBookingPayload snapshots a booking for publishing.
func NewBookingPayload(b models.Booking) BookingEventPayload {
	contacts := make([]ParticipantContact, len(b.Participants))
	for i, p := range b.Participants {
		contacts[i] = ParticipantContact{Name: p.Name, Email: p.Email, Phone: p.Phone}
	}
	return BookingEventPayload{
		BookingID:      b.ID,
		HostID:         b.HostID,
		BookingTypeID:  b.BookingTypeID,
		Status:         b.Status,
		Start:          b.Start,
		End:            b.End,
		CallerTimezone: b.CallerTimezone,
		Pattern:        b.Recurrence.Pattern,
		Participants:   contacts,
		Version:        b.Version,
	}
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers one handler for several event types.
func (b *EventBus) SubscribeAll(eventTypes []string, handler EventHandler) {
	for _, t := range eventTypes {
		b.Subscribe(t, handler)
	}
}

// Publish runs every subscriber of the event type synchronously. All
// handlers run even when one fails; their errors are joined.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", event.Type, err))
		}
	}
	return errors.Join(errs...)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.Publish(&event)
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
