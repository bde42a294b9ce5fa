// Package reminder announces upcoming meetings a configured lead time ahead.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"appointly/internal/config"
	"appointly/internal/domain"
	"appointly/internal/events"
	"appointly/internal/export"
	"appointly/internal/logging"
	"appointly/internal/metrics"
	"appointly/internal/models"
)

// Source lists confirmed bookings whose first occurrence starts before an
// instant.
type Source interface {
	GetScheduledBookings(ctx context.Context, startedBefore time.Time) ([]models.Booking, error)
}

// Scheduler publishes a booking_reminder event for every occurrence that
// starts within the lead time. Each tick covers the occurrences starting in
// [tick+lead, nextTick+lead), so consecutive ticks never overlap.
type Scheduler struct {
	source    Source
	publisher domain.EventPublisher
	config    config.RemindersConfig
	logger    zerolog.Logger
	now       func() time.Time
}

func NewScheduler(source Source, publisher domain.EventPublisher, cfg config.RemindersConfig, logger *zerolog.Logger) *Scheduler {
	return &Scheduler{
		source:    source,
		publisher: publisher,
		config:    cfg,
		logger:    *logging.Component(logger, "reminders"),
		now:       time.Now,
	}
}

// Start blocks until ctx is done, sending reminders on every tick of the
// configured cron expression.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Reminders are disabled")
		return nil
	}

	schedule, err := cron.ParseStandard(s.config.Schedule)
	if err != nil {
		return fmt.Errorf("invalid reminders schedule %q: %w", s.config.Schedule, err)
	}

	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		tick := s.now().Truncate(time.Minute)
		if _, err := s.Run(ctx, tick, schedule.Next(tick)); err != nil {
			s.logger.Error().Err(err).Msg("reminder run failed")
		}
	}))
	c.Start()
	s.logger.Info().Str("schedule", s.config.Schedule).Dur("lead", s.config.Lead).Msg("Reminders started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Run publishes reminders for occurrences starting in
// [tick+lead, next+lead) and returns how many were sent.
func (s *Scheduler) Run(ctx context.Context, tick, next time.Time) (int, error) {
	from := tick.Add(s.config.Lead)
	to := next.Add(s.config.Lead)
	if !from.Before(to) {
		return 0, nil
	}

	bookings, err := s.source.GetScheduledBookings(ctx, to)
	if err != nil {
		return 0, fmt.Errorf("load bookings: %w", err)
	}
	occurrences, err := export.Occurrences(bookings, from, to)
	if err != nil {
		return 0, fmt.Errorf("expand bookings: %w", err)
	}

	sent := 0
	for _, o := range occurrences {
		payload := events.NewBookingPayload(o.Booking)
		payload.Start = o.Start
		payload.End = o.End
		if err := s.publisher.PublishJSON(events.EventBookingReminder, payload); err != nil {
			s.logger.Error().Err(err).Str("booking_id", o.Booking.ID).Int("occurrence", o.Index).Msg("publish reminder")
			continue
		}
		metrics.IncReminderSent()
		sent++
	}

	s.logger.Debug().Time("from", from).Time("to", to).Int("sent", sent).Msg("reminders sent")
	return sent, nil
}
