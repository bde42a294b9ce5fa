package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"appointly/internal/models"
)

const bookingColumns = `id, host_id, booking_type_id, start_at, end_at, caller_timezone, series_timezone,
        participants, status, recurrence, buffer_before_ns, buffer_after_ns, version, created_at, updated_at`

// SaveBooking inserts the booking or overwrites the stored row when the
// incoming version is newer. An older or equal version returns
// ErrStaleWrite and leaves the row untouched.
func (db *DB) SaveBooking(ctx context.Context, b *models.Booking) error {
	participants, err := json.Marshal(b.Participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	recurrence, err := json.Marshal(b.Recurrence)
	if err != nil {
		return fmt.Errorf("failed to encode recurrence: %w", err)
	}
	seriesTZ := b.SeriesTimezone
	if seriesTZ == "" {
		seriesTZ = "UTC"
	}

	query := `INSERT INTO bookings (` + bookingColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                  start_at = excluded.start_at,
                  end_at = excluded.end_at,
                  participants = excluded.participants,
                  status = excluded.status,
                  recurrence = excluded.recurrence,
                  version = excluded.version,
                  updated_at = excluded.updated_at
              WHERE excluded.version > bookings.version`
	result, err := db.ExecContext(ctx, query,
		b.ID,
		b.HostID,
		b.BookingTypeID,
		b.Start.UTC(),
		b.End.UTC(),
		b.CallerTimezone,
		seriesTZ,
		string(participants),
		string(b.Status),
		string(recurrence),
		int64(b.BufferBefore),
		int64(b.BufferAfter),
		b.Version,
		b.CreatedAt.UTC(),
		b.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save booking %s: %w", b.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("booking %s version %d: %w", b.ID, b.Version, ErrStaleWrite)
	}
	return nil
}

func (db *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	b, err := scanBooking(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking %s: %w", id, err)
	}
	return b, nil
}

// LoadBookings returns every stored booking, oldest first. It hydrates the
// in-memory ledger on start.
func (db *DB) LoadBookings(ctx context.Context) ([]models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings ORDER BY created_at ASC, id ASC`
	return db.queryBookings(ctx, query)
}

// GetScheduledBookings returns confirmed bookings whose first occurrence
// starts before the given instant. Series started earlier are included so
// callers can expand later occurrences.
func (db *DB) GetScheduledBookings(ctx context.Context, startedBefore time.Time) ([]models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE status = ? AND start_at < ?
              ORDER BY start_at ASC`
	return db.queryBookings(ctx, query, string(models.StatusScheduled), startedBefore.UTC())
}

func (db *DB) queryBookings(ctx context.Context, query string, args ...interface{}) ([]models.Booking, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bookings: %w", err)
	}
	return bookings, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                         models.Booking
		participants, recurrence  string
		status                    string
		bufferBefore, bufferAfter int64
	)
	err := row.Scan(
		&b.ID, &b.HostID, &b.BookingTypeID, &b.Start, &b.End, &b.CallerTimezone, &b.SeriesTimezone,
		&participants, &status, &recurrence, &bufferBefore, &bufferAfter, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &b.Participants); err != nil {
		return nil, fmt.Errorf("booking %s participants: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(recurrence), &b.Recurrence); err != nil {
		return nil, fmt.Errorf("booking %s recurrence: %w", b.ID, err)
	}
	b.Status = models.Status(status)
	b.BufferBefore = time.Duration(bufferBefore)
	b.BufferAfter = time.Duration(bufferAfter)
	b.Start = b.Start.UTC()
	b.End = b.End.UTC()
	return &b, nil
}
