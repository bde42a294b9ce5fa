package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"appointly/internal/conflict"
	"appointly/internal/domain"
	"appointly/internal/ledger"
	"appointly/internal/tz"
)

var (
	ErrHostNotFound                = domain.ErrHostNotFound
	ErrBookingTypeNotFound         = domain.ErrBookingTypeNotFound
	ErrScheduleNotFound            = domain.ErrScheduleNotFound
	ErrBookingNotFound             = ledger.ErrNotFound
	ErrInvalidState                = ledger.ErrInvalidState
	ErrSlotUnavailable             = conflict.ErrSlotUnavailable
	ErrInvalidTimezone             = tz.ErrInvalidTimezone
	ErrAmbiguousOrInvalidLocalTime = tz.ErrAmbiguousOrInvalidLocalTime
	ErrRateLimited                 = errors.New("too many booking requests")
)

// ValidationError lists every problem found in a request, keyed by field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msgs := make([]string, len(keys))
	for i, k := range keys {
		msgs[i] = fmt.Sprintf("%s: %s", k, e.Fields[k])
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
