package models

import "time"

const (
	// SlotStep is the fixed distance between candidate slot starts.
	SlotStep = 30 * time.Minute

	// DefaultRecurrenceHorizonDays bounds expansion of indefinite series when
	// checking a new booking for conflicts.
	DefaultRecurrenceHorizonDays = 365

	// WorkerQueueSize size of the in-memory notification queue
	WorkerQueueSize = 1000

	// BookingRateLimit max bookings a single participant email may create per window
	BookingRateLimit = 10

	// BookingRateWindow rate limit window in seconds
	BookingRateWindow = 60 * 60

	// MaxExportRangeDays upper bound for spreadsheet exports
	MaxExportRangeDays = 366
)

// AllowedDurations lists the booking lengths (minutes) a booking type may offer.
var AllowedDurations = []int{15, 30, 45, 60, 90, 120}

// IsAllowedDuration reports whether minutes is one of AllowedDurations.
func IsAllowedDuration(minutes int) bool {
	for _, d := range AllowedDurations {
		if d == minutes {
			return true
		}
	}
	return false
}
