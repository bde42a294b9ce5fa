package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"appointly/internal/domain"
	"appointly/internal/models"
)

// SyncCatalog replaces the stored hosts, schedules and booking types with
// the given ones in a single transaction. Bookings are left alone.
func (db *DB) SyncCatalog(ctx context.Context, hosts []models.Host, schedules []models.AvailabilitySchedule, types []models.BookingType) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"booking_types", "schedules", "hosts"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		for _, h := range hosts {
			if _, err := tx.ExecContext(ctx, `INSERT INTO hosts (id, name) VALUES (?, ?)`, h.ID, h.Name); err != nil {
				return fmt.Errorf("failed to insert host %s: %w", h.ID, err)
			}
		}

		for i := range schedules {
			s := &schedules[i]
			_, err := tx.ExecContext(ctx, `INSERT INTO schedules (
                    id, host_id, timezone, weekdays, start_minute, end_minute,
                    buffer_before_minutes, buffer_after_minutes, effective_from, effective_to, position
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ID, s.HostID, s.Timezone, s.Weekdays.Bits(), int(s.Start), int(s.End),
				s.BufferBeforeMinutes, s.BufferAfterMinutes, dateArg(s.EffectiveFrom), dateArg(s.EffectiveTo), i,
			)
			if err != nil {
				return fmt.Errorf("failed to insert schedule %s: %w", s.ID, err)
			}
		}

		for i := range types {
			t := &types[i]
			questions, err := json.Marshal(t.Questions)
			if err != nil {
				return fmt.Errorf("failed to encode questions of %s: %w", t.ID, err)
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO booking_types (
                    id, host_id, schedule_id, name, duration_minutes, location_kind, location_detail,
                    max_participants, requires_approval, questions, position
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.HostID, t.ScheduleID, t.Name, t.DurationMinutes, string(t.Location.Kind), t.Location.Detail,
				t.MaxParticipants, t.RequiresApproval, string(questions), i,
			)
			if err != nil {
				return fmt.Errorf("failed to insert booking type %s: %w", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.logger.Info().
		Int("hosts", len(hosts)).
		Int("schedules", len(schedules)).
		Int("booking_types", len(types)).
		Msg("Catalog synchronized")
	return nil
}

func (db *DB) GetHost(ctx context.Context, id string) (*models.Host, error) {
	h := &models.Host{}
	err := db.QueryRowContext(ctx, `SELECT id, name FROM hosts WHERE id = ?`, id).Scan(&h.ID, &h.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrHostNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host %s: %w", id, err)
	}

	if h.ScheduleIDs, err = db.childIDs(ctx, `SELECT id FROM schedules WHERE host_id = ? ORDER BY position`, id); err != nil {
		return nil, err
	}
	if h.BookingTypeIDs, err = db.childIDs(ctx, `SELECT id FROM booking_types WHERE host_id = ? ORDER BY position`, id); err != nil {
		return nil, err
	}
	return h, nil
}

func (db *DB) childIDs(ctx context.Context, query, hostID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ids of host %s: %w", hostID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) GetSchedule(ctx context.Context, id string) (*models.AvailabilitySchedule, error) {
	var (
		s              models.AvailabilitySchedule
		weekdays       int
		start, end     int
		effFrom, effTo sql.NullString
	)
	err := db.QueryRowContext(ctx, `SELECT id, host_id, timezone, weekdays, start_minute, end_minute,
            buffer_before_minutes, buffer_after_minutes, effective_from, effective_to
            FROM schedules WHERE id = ?`, id).Scan(
		&s.ID, &s.HostID, &s.Timezone, &weekdays, &start, &end,
		&s.BufferBeforeMinutes, &s.BufferAfterMinutes, &effFrom, &effTo,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrScheduleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %s: %w", id, err)
	}

	s.Weekdays = models.WeekdaySetFromBits(weekdays)
	s.Start = models.TimeOfDay(start)
	s.End = models.TimeOfDay(end)
	if s.EffectiveFrom, err = parseDateColumn(effFrom); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}
	if s.EffectiveTo, err = parseDateColumn(effTo); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}
	return &s, nil
}

func (db *DB) GetBookingType(ctx context.Context, hostID, typeID string) (*models.BookingType, error) {
	var (
		t            models.BookingType
		locationKind string
		detail       sql.NullString
		questions    string
	)
	err := db.QueryRowContext(ctx, `SELECT id, host_id, schedule_id, name, duration_minutes, location_kind,
            location_detail, max_participants, requires_approval, questions
            FROM booking_types WHERE host_id = ? AND id = ?`, hostID, typeID).Scan(
		&t.ID, &t.HostID, &t.ScheduleID, &t.Name, &t.DurationMinutes, &locationKind,
		&detail, &t.MaxParticipants, &t.RequiresApproval, &questions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", hostID, typeID, domain.ErrBookingTypeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking type %s: %w", typeID, err)
	}

	t.Location = models.Location{Kind: models.LocationKind(locationKind), Detail: detail.String}
	if err := json.Unmarshal([]byte(questions), &t.Questions); err != nil {
		return nil, fmt.Errorf("booking type %s questions: %w", typeID, err)
	}
	return &t, nil
}

func dateArg(d *models.Date) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDateColumn(v sql.NullString) (*models.Date, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := models.ParseDate(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
