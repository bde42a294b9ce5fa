// Package export renders a host's bookings as an Excel workbook.
package export

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"appointly/internal/models"
	"appointly/internal/recurrence"
	"appointly/internal/tz"
)

const (
	sheetOccurrences = "Occurrences"
	sheetSummary     = "Summary"
)

var occurrenceHeader = []interface{}{
	"Booking ID", "Occurrence", "Date", "Start", "End", "Status", "Booking type",
	"Participants", "Emails", "Pattern", "Caller timezone",
}

var ErrInvalidRange = errors.New("invalid export range")

// Params selects what goes into the workbook. Times are shown in Location.
type Params struct {
	HostID   string
	From     time.Time
	To       time.Time
	Location *time.Location
	Bookings []models.Booking
}

// Occurrence is one concrete meeting of a booking.
type Occurrence struct {
	Booking models.Booking
	Index   int
	Start   time.Time
	End     time.Time
}

// Occurrences expands every booking and keeps the meetings starting in
// [from, to), ordered by start.
func Occurrences(bookings []models.Booking, from, to time.Time) ([]Occurrence, error) {
	var out []Occurrence
	for _, b := range bookings {
		loc := time.UTC
		if b.SeriesTimezone != "" {
			l, err := tz.Load(b.SeriesTimezone)
			if err != nil {
				return nil, fmt.Errorf("booking %s: %w", b.ID, err)
			}
			loc = l
		}
		series, err := recurrence.Expand(b.Start.In(loc), b.Recurrence, to)
		if err != nil {
			return nil, fmt.Errorf("booking %s: %w", b.ID, err)
		}
		dur := b.End.Sub(b.Start)
		for i, start := range series.From(0) {
			if !start.Before(to) {
				break
			}
			if start.Before(from) {
				continue
			}
			out = append(out, Occurrence{Booking: b, Index: i, Start: start.UTC(), End: start.Add(dur).UTC()})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Write renders the workbook into w and returns the number of occurrences.
func Write(w io.Writer, p Params) (int, error) {
	if !p.From.Before(p.To) {
		return 0, fmt.Errorf("%w: range is empty", ErrInvalidRange)
	}
	if p.To.Sub(p.From) > time.Duration(models.MaxExportRangeDays)*24*time.Hour {
		return 0, fmt.Errorf("%w: range exceeds %d days", ErrInvalidRange, models.MaxExportRangeDays)
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	occurrences, err := Occurrences(p.Bookings, p.From, p.To)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetOccurrences)
	if err != nil {
		return 0, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := writeOccurrences(f, occurrences, loc); err != nil {
		return 0, err
	}

	if _, err := f.NewSheet(sheetSummary); err != nil {
		return 0, fmt.Errorf("error creating sheet: %w", err)
	}
	if err := writeSummary(f, p, occurrences, loc); err != nil {
		return 0, err
	}

	_ = f.DeleteSheet("Sheet1")

	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("error writing workbook: %w", err)
	}
	return len(occurrences), nil
}

func writeOccurrences(f *excelize.File, occurrences []Occurrence, loc *time.Location) error {
	if err := f.SetSheetRow(sheetOccurrences, "A1", &occurrenceHeader); err != nil {
		return err
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	_ = f.SetCellStyle(sheetOccurrences, "A1", "K1", headerStyle)

	cancelledStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "#9C0006", Strike: true},
	})
	pendingStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFF2CC"}, Pattern: 1},
	})

	for i, o := range occurrences {
		row := i + 2
		names := make([]string, len(o.Booking.Participants))
		emails := make([]string, len(o.Booking.Participants))
		for j, p := range o.Booking.Participants {
			names[j] = p.Name
			emails[j] = p.Email
		}
		start := o.Start.In(loc)
		values := []interface{}{
			o.Booking.ID,
			o.Index + 1,
			start.Format("2006-01-02"),
			start.Format("15:04"),
			o.End.In(loc).Format("15:04"),
			string(o.Booking.Status),
			o.Booking.BookingTypeID,
			strings.Join(names, ", "),
			strings.Join(emails, ", "),
			string(o.Booking.Recurrence.Pattern),
			o.Booking.CallerTimezone,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetOccurrences, cell, &values); err != nil {
			return err
		}

		last, _ := excelize.CoordinatesToCellName(len(values), row)
		switch o.Booking.Status {
		case models.StatusCancelled, models.StatusNoShow:
			_ = f.SetCellStyle(sheetOccurrences, cell, last, cancelledStyle)
		case models.StatusPending:
			_ = f.SetCellStyle(sheetOccurrences, cell, last, pendingStyle)
		}
	}

	_ = f.SetColWidth(sheetOccurrences, "A", "A", 38)
	_ = f.SetColWidth(sheetOccurrences, "B", "G", 12)
	_ = f.SetColWidth(sheetOccurrences, "H", "I", 30)
	_ = f.SetColWidth(sheetOccurrences, "J", "K", 16)
	return f.SetPanes(sheetOccurrences, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func writeSummary(f *excelize.File, p Params, occurrences []Occurrence, loc *time.Location) error {
	_ = f.SetCellValue(sheetSummary, "A1", fmt.Sprintf("Host %s: %s - %s (%s)",
		p.HostID, p.From.In(loc).Format("2006-01-02"), p.To.In(loc).Format("2006-01-02"), loc))
	_ = f.MergeCell(sheetSummary, "A1", "E1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetSummary, "A1", "A1", titleStyle)

	header := []interface{}{"Date", "Scheduled", "Pending", "Cancelled", "Completed / no-show"}
	if err := f.SetSheetRow(sheetSummary, "A2", &header); err != nil {
		return err
	}

	type counts struct{ scheduled, pending, cancelled, closed int }
	byDay := make(map[string]*counts)
	var days []string
	for _, o := range occurrences {
		day := o.Start.In(loc).Format("2006-01-02")
		c, ok := byDay[day]
		if !ok {
			c = &counts{}
			byDay[day] = c
			days = append(days, day)
		}
		switch o.Booking.Status {
		case models.StatusScheduled:
			c.scheduled++
		case models.StatusPending:
			c.pending++
		case models.StatusCancelled:
			c.cancelled++
		default:
			c.closed++
		}
	}
	sort.Strings(days)

	for i, day := range days {
		c := byDay[day]
		row := []interface{}{day, c.scheduled, c.pending, c.cancelled, c.closed}
		cell, _ := excelize.CoordinatesToCellName(1, i+3)
		if err := f.SetSheetRow(sheetSummary, cell, &row); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(sheetSummary, "A", "E", 18)
	return nil
}
