package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appointly/internal/availability"
	"appointly/internal/models"
)

var quarter = models.Buffers{Before: 15 * time.Minute, After: 15 * time.Minute}

func at(hour, minute int) time.Time {
	return time.Date(2025, 5, 22, hour, minute, 0, 0, time.UTC)
}

func booking(id string, start time.Time, d time.Duration, status models.Status) models.Booking {
	return models.Booking{
		ID:           id,
		HostID:       "host-1",
		Start:        start,
		End:          start.Add(d),
		Status:       status,
		Recurrence:   models.SingleOccurrence(),
		BufferBefore: quarter.Before,
		BufferAfter:  quarter.After,
	}
}

func TestOverlaps(t *testing.T) {
	a := models.Interval{Start: at(9, 0), End: at(10, 0)}

	assert.True(t, Overlaps(a, models.Interval{Start: at(9, 30), End: at(10, 30)}))
	assert.True(t, Overlaps(a, models.Interval{Start: at(9, 15), End: at(9, 45)}))
	assert.False(t, Overlaps(a, models.Interval{Start: at(10, 0), End: at(11, 0)}))
	assert.False(t, Overlaps(a, models.Interval{Start: at(8, 0), End: at(9, 0)}))
}

func TestFilterAvailable_BufferedBooking(t *testing.T) {
	schedule := models.AvailabilitySchedule{
		ID:                  "s1",
		Timezone:            "UTC",
		Weekdays:            models.NewWeekdaySet(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday),
		Start:               models.NewTimeOfDay(9, 0),
		End:                 models.NewTimeOfDay(17, 0),
		BufferBeforeMinutes: 15,
		BufferAfterMinutes:  15,
	}
	candidates, err := availability.GenerateSlots(models.NewDate(2025, 5, 22), []models.AvailabilitySchedule{schedule}, 30)
	require.NoError(t, err)
	require.Len(t, candidates, 16)

	existing := []models.Booking{booking("b1", at(13, 0), 30*time.Minute, models.StatusScheduled)}
	free, err := FilterAvailable(candidates, existing, schedule.Buffers(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, free, 13)

	for _, slot := range free {
		assert.NotEqual(t, at(12, 30), slot.Start)
		assert.NotEqual(t, at(13, 0), slot.Start)
		assert.NotEqual(t, at(13, 30), slot.Start)
	}
}

func TestFilterAvailable_IgnoresInactive(t *testing.T) {
	candidates := []models.BookableSlot{{Start: at(13, 0), End: at(13, 30), Available: true}}

	for _, status := range []models.Status{models.StatusCancelled, models.StatusCompleted, models.StatusNoShow} {
		free, err := FilterAvailable(candidates, []models.Booking{booking("b1", at(13, 0), 30*time.Minute, status)}, quarter, time.Time{})
		require.NoError(t, err)
		assert.Len(t, free, 1, status)
	}

	free, err := FilterAvailable(candidates, []models.Booking{booking("b1", at(13, 0), 30*time.Minute, models.StatusPending)}, quarter, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, free)
}

func TestFilterAvailable_OwnBuffersReachBooking(t *testing.T) {
	existing := booking("b1", at(13, 0), 30*time.Minute, models.StatusScheduled)
	existing.BufferBefore, existing.BufferAfter = 0, 0
	candidates := []models.BookableSlot{
		{Start: at(12, 30), End: at(13, 0), Available: true},
		{Start: at(12, 0), End: at(12, 30), Available: true},
	}

	free, err := FilterAvailable(candidates, []models.Booking{existing}, quarter, time.Time{})
	require.NoError(t, err)
	require.Len(t, free, 1)
	assert.Equal(t, at(12, 0), free[0].Start)
}

func TestValidateSlot_RecurringBookings(t *testing.T) {
	weekly := booking("weekly", at(10, 0), time.Hour, models.StatusScheduled)
	weekly.Recurrence = models.Recurrence{Pattern: models.PatternWeekly, Interval: 1, Termination: models.IndefiniteTermination()}

	threeWeeksOut := at(10, 30).AddDate(0, 0, 21)
	err := ValidateSlot([]models.Interval{{Start: threeWeeksOut, End: threeWeeksOut.Add(30 * time.Minute)}}, []models.Booking{weekly}, quarter, time.Time{})
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	nextDay := at(10, 30).AddDate(0, 0, 1)
	err = ValidateSlot([]models.Interval{{Start: nextDay, End: nextDay.Add(30 * time.Minute)}}, []models.Booking{weekly}, quarter, time.Time{})
	assert.NoError(t, err)
}

func TestValidateSlot_ProposedSeries(t *testing.T) {
	existing := booking("b1", at(9, 0).AddDate(0, 0, 14), 30*time.Minute, models.StatusPending)
	var proposed []models.Interval
	for i := 0; i < 4; i++ {
		start := at(9, 0).AddDate(0, 0, 7*i)
		proposed = append(proposed, models.Interval{Start: start, End: start.Add(30 * time.Minute)})
	}

	err := ValidateSlot(proposed, []models.Booking{existing}, quarter, time.Time{})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.NoError(t, ValidateSlot(proposed[:2], []models.Booking{existing}, quarter, time.Time{}))
}

func TestBusyIntervals_SeriesTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	start := time.Date(2025, 3, 27, 9, 0, 0, 0, loc)
	b := booking("b1", start.UTC(), 30*time.Minute, models.StatusScheduled)
	b.SeriesTimezone = "Europe/Berlin"
	b.Recurrence = models.Recurrence{Pattern: models.PatternWeekly, Interval: 1, Termination: models.CountTermination(2)}

	window := models.Interval{Start: time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 4, 4, 0, 0, 0, 0, time.UTC)}
	busy, err := BusyIntervals([]models.Booking{b}, window, time.Time{})
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, time.Date(2025, 4, 3, 7, 0, 0, 0, time.UTC), busy[0].Occurrence.Start)
	assert.Equal(t, time.Date(2025, 4, 3, 6, 45, 0, 0, time.UTC), busy[0].Blocked.Start)
}

func TestLatestEnd(t *testing.T) {
	series := booking("b1", at(9, 0), 30*time.Minute, models.StatusScheduled)
	series.Recurrence = models.Recurrence{Pattern: models.PatternWeekly, Interval: 1, Termination: models.CountTermination(60)}
	single := booking("b2", at(14, 0), time.Hour, models.StatusPending)
	open := booking("b3", at(16, 0), 30*time.Minute, models.StatusScheduled)
	open.Recurrence = models.Recurrence{Pattern: models.PatternDaily, Interval: 1, Termination: models.IndefiniteTermination()}
	gone := booking("b4", at(9, 0).AddDate(3, 0, 0), 30*time.Minute, models.StatusCancelled)

	latest, err := LatestEnd([]models.Booking{single, series, open, gone})
	require.NoError(t, err)
	assert.Equal(t, at(9, 45).AddDate(0, 0, 7*59), latest)

	latest, err = LatestEnd([]models.Booking{open})
	require.NoError(t, err)
	assert.True(t, latest.IsZero())
}
