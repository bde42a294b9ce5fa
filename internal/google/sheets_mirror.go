// Package google mirrors bookings into a Google Sheets spreadsheet.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"appointly/internal/config"
	"appointly/internal/events"
)

const defaultSheetName = "Bookings"

var errRowNotFound = errors.New("booking row not found")

var mirrorHeader = []interface{}{
	"Booking ID", "Host", "Booking type", "Status", "Start (UTC)", "End (UTC)",
	"Caller timezone", "Pattern", "Participants", "Version", "Last event", "Updated at",
}

// SheetsMirror keeps one row per booking in a sheet, updated on every
// booking event. It implements domain.Notifier.
type SheetsMirror struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	rowCache      map[string]int
	cacheMu       sync.RWMutex
	writeMu       sync.Mutex
}

func NewSheetsMirror(ctx context.Context, cfg config.SheetsConfig) (*SheetsMirror, error) {
	credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	jwtConfig, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwtConfig.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newSheetsMirror(srv, cfg.SpreadsheetID, cfg.SheetName), nil
}

func newSheetsMirror(srv *sheets.Service, spreadsheetID, sheetName string) *SheetsMirror {
	if sheetName == "" {
		sheetName = defaultSheetName
	}
	return &SheetsMirror{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		rowCache:      make(map[string]int),
	}
}

// TestConnection reads the header cell of the mirror sheet.
func (s *SheetsMirror) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// EnsureHeader writes the column titles into the first row.
func (s *SheetsMirror) EnsureHeader(ctx context.Context) error {
	rangeData := fmt.Sprintf("%s!A1:%s1", s.sheetName, lastColumn())
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, &sheets.ValueRange{
		Values: [][]interface{}{mirrorHeader},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// WarmUpCache indexes booking ids in column A.
func (s *SheetsMirror) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return err
	}

	cache := make(map[string]int, len(resp.Values))
	for i, row := range resp.Values {
		if id := cellString(row); id != "" && i > 0 {
			cache[id] = i + 1
		}
	}

	s.cacheMu.Lock()
	s.rowCache = cache
	s.cacheMu.Unlock()
	return nil
}

// Notify mirrors state changes. Reminders carry no new state and are skipped.
func (s *SheetsMirror) Notify(ctx context.Context, eventType string, p events.BookingEventPayload) error {
	if eventType == events.EventBookingReminder {
		return nil
	}
	return s.UpsertBooking(ctx, eventType, p)
}

// UpsertBooking rewrites the booking's row or appends one.
func (s *SheetsMirror) UpsertBooking(ctx context.Context, eventType string, p events.BookingEventPayload) error {
	if p.BookingID == "" {
		return fmt.Errorf("booking id is required")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := bookingRowValues(eventType, p)
	rowIdx, err := s.FindBookingRow(ctx, p.BookingID)
	if errors.Is(err, errRowNotFound) {
		return s.appendBooking(ctx, p.BookingID, row)
	}
	if err != nil {
		return err
	}

	rangeData := fmt.Sprintf("%s!A%d:%s%d", s.sheetName, rowIdx, lastColumn(), rowIdx)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (s *SheetsMirror) appendBooking(ctx context.Context, bookingID string, row []interface{}) error {
	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A:A", &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return err
	}
	if resp.Updates != nil {
		if idx, ok := rowFromRange(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(bookingID, idx)
		}
	}
	return nil
}

// FindBookingRow locates the 1-based row of bookingID in column A.
func (s *SheetsMirror) FindBookingRow(ctx context.Context, bookingID string) (int, error) {
	if row, ok := s.getCachedRow(bookingID); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if cellString(row) == bookingID {
			s.setCachedRow(bookingID, i+1)
			return i + 1, nil
		}
	}
	return 0, errRowNotFound
}

func (s *SheetsMirror) getCachedRow(id string) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *SheetsMirror) setCachedRow(id string, row int) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache[id] = row
}

func bookingRowValues(eventType string, p events.BookingEventPayload) []interface{} {
	emails := make([]string, len(p.Participants))
	for i, c := range p.Participants {
		emails[i] = c.Email
	}
	return []interface{}{
		p.BookingID,
		p.HostID,
		p.BookingTypeID,
		string(p.Status),
		p.Start.UTC().Format("2006-01-02 15:04"),
		p.End.UTC().Format("2006-01-02 15:04"),
		p.CallerTimezone,
		string(p.Pattern),
		strings.Join(emails, ", "),
		p.Version,
		eventType,
		time.Now().UTC().Format("2006-01-02 15:04:05"),
	}
}

func lastColumn() string {
	return string(rune('A' + len(mirrorHeader) - 1))
}

func cellString(row []interface{}) string {
	if len(row) == 0 {
		return ""
	}
	switch v := row[0].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

var rangeRowPattern = regexp.MustCompile(`![A-Z]+(\d+)`)

// rowFromRange extracts the first row number of an A1 range like "Bookings!A10:L10".
func rowFromRange(a1 string) (int, bool) {
	m := rangeRowPattern.FindStringSubmatch(a1)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}
