// Package notify delivers booking events to hosts and participants.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"appointly/internal/domain"
	"appointly/internal/events"
)

// LogNotifier writes every event to the log. It is the fallback channel
// when nothing else is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, eventType string, p events.BookingEventPayload) error {
	emails := make([]string, len(p.Participants))
	for i, c := range p.Participants {
		emails[i] = c.Email
	}
	n.logger.Info().
		Str("event_type", eventType).
		Str("booking_id", p.BookingID).
		Str("host_id", p.HostID).
		Str("status", string(p.Status)).
		Time("start", p.Start).
		Strs("participants", emails).
		Msg("booking notification")
	return nil
}

// Multi fans an event out to several notifiers. Every notifier is tried;
// the failures are joined.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, eventType string, p events.BookingEventPayload) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, eventType, p); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}
