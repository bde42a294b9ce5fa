package api

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"appointly/internal/domain"
	"appointly/internal/models"
)

const instantLayout = time.RFC3339

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type createBookingRequest struct {
	HostID        string               `json:"host_id" validate:"required"`
	BookingTypeID string               `json:"booking_type_id" validate:"required"`
	Start         string               `json:"start" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	End           string               `json:"end" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Timezone      string               `json:"timezone" validate:"required"`
	Participants  []participantRequest `json:"participants" validate:"required,min=1,dive"`
	Recurrence    *recurrenceRequest   `json:"recurrence,omitempty"`
}

type participantRequest struct {
	Name    string                   `json:"name" validate:"required,max=200"`
	Email   string                   `json:"email" validate:"required,email"`
	Phone   string                   `json:"phone,omitempty" validate:"omitempty,max=32"`
	Answers map[string]models.Answer `json:"answers,omitempty"`
}

type recurrenceRequest struct {
	Pattern  string `json:"pattern" validate:"required,oneof=none daily weekly biweekly monthly"`
	Interval int    `json:"interval,omitempty" validate:"min=0,max=52"`
	Count    *int   `json:"count,omitempty" validate:"omitempty,min=1,max=5000"`
	Until    string `json:"until,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type respondRequest struct {
	Approved *bool `json:"approved" validate:"required"`
}

type slotsQuery struct {
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Timezone string `json:"tz" validate:"required"`
}

type rangeQuery struct {
	From     string `json:"from" validate:"required,datetime=2006-01-02"`
	To       string `json:"to" validate:"required,datetime=2006-01-02"`
	Timezone string `json:"tz"`
}

type slotsResponse struct {
	HostID        string                `json:"host_id"`
	BookingTypeID string                `json:"booking_type_id"`
	Date          string                `json:"date"`
	Timezone      string                `json:"timezone"`
	Slots         []models.BookableSlot `json:"slots"`
}

type bookingsResponse struct {
	Bookings []models.Booking `json:"bookings"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// validateStruct returns problems keyed by the JSON path of the field, or
// nil when data is valid.
func validateStruct(data interface{}) map[string]string {
	err := validate.Struct(data)
	if err == nil {
		return nil
	}

	fields := make(map[string]string)
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range validationErrors {
			fields[fieldPath(fe)] = getErrorMessage(fe)
		}
	}
	return fields
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("At least %s required", fe.Param())
		}
		return fmt.Sprintf("Minimum is %s", fe.Param())
	case "max":
		return fmt.Sprintf("Maximum is %s", fe.Param())
	case "oneof":
		options := strings.ReplaceAll(fe.Param(), " ", ", ")
		return fmt.Sprintf("Must be one of: %s", options)
	case "datetime":
		return fmt.Sprintf("Must match layout %s", fe.Param())
	default:
		return fmt.Sprintf("Invalid %s field", fe.Field())
	}
}

// toDomain converts a validated request. Remaining problems are returned
// keyed by field.
func (r createBookingRequest) toDomain(idempotencyKey string) (domain.CreateBookingRequest, map[string]string) {
	fields := make(map[string]string)

	start, err := time.Parse(instantLayout, r.Start)
	if err != nil {
		fields["start"] = err.Error()
	}
	end, err := time.Parse(instantLayout, r.End)
	if err != nil {
		fields["end"] = err.Error()
	}

	recurrence := models.SingleOccurrence()
	if r.Recurrence != nil {
		var until *models.Date
		if r.Recurrence.Until != "" {
			d, err := models.ParseDate(r.Recurrence.Until)
			if err != nil {
				fields["recurrence.until"] = err.Error()
			} else {
				until = &d
			}
		}
		rec, err := models.NewRecurrence(models.Pattern(r.Recurrence.Pattern), r.Recurrence.Interval, r.Recurrence.Count, until)
		if err != nil {
			fields["recurrence"] = err.Error()
		} else {
			recurrence = rec
		}
	}

	participants := make([]models.Participant, len(r.Participants))
	for i, p := range r.Participants {
		participants[i] = models.Participant{Name: p.Name, Email: p.Email, Phone: p.Phone, Answers: p.Answers}
	}

	if len(fields) > 0 {
		return domain.CreateBookingRequest{}, fields
	}
	return domain.CreateBookingRequest{
		HostID:         r.HostID,
		BookingTypeID:  r.BookingTypeID,
		Start:          start.UTC(),
		End:            end.UTC(),
		CallerTimezone: r.Timezone,
		Participants:   participants,
		Recurrence:     recurrence,
		IdempotencyKey: idempotencyKey,
	}, nil
}
