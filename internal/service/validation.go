package service

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"appointly/internal/availability"
	"appointly/internal/domain"
	"appointly/internal/models"
	"appointly/internal/tz"
)

var validate = validator.New()

// validateRequest runs every synchronous check on a booking request before
// the ledger is touched. Timezone and schedule lookup failures are returned
// as plain errors; everything else is collected into a *ValidationError.
func validateRequest(req domain.CreateBookingRequest, bt *models.BookingType, schedule *models.AvailabilitySchedule) error {
	ve := &ValidationError{}

	if _, err := tz.Load(req.CallerTimezone); err != nil {
		return err
	}

	validateParticipants(ve, req.Participants, bt)

	if !req.End.After(req.Start) {
		ve.add("end", "must be after start")
	} else if req.End.Sub(req.Start) != bt.Duration() {
		ve.add("end", fmt.Sprintf("slot must last exactly %d minutes", bt.DurationMinutes))
	} else {
		ok, err := availability.Contains(models.Interval{Start: req.Start, End: req.End}, []models.AvailabilitySchedule{*schedule})
		if err != nil {
			return err
		}
		if !ok {
			ve.add("start", "slot is outside the host's working hours")
		}
	}

	if err := req.Recurrence.Validate(); err != nil {
		ve.add("recurrence", err.Error())
	}

	if ve.empty() {
		return nil
	}
	return ve
}

func validateParticipants(ve *ValidationError, participants []models.Participant, bt *models.BookingType) {
	if len(participants) == 0 {
		ve.add("participants", "at least one participant is required")
		return
	}
	if len(participants) > bt.MaxParticipants {
		ve.add("participants", fmt.Sprintf("at most %d participants allowed", bt.MaxParticipants))
	}

	for i, p := range participants {
		prefix := fmt.Sprintf("participants[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			ve.add(prefix+".name", "This field is required")
		}
		if err := validate.Var(p.Email, "required,email"); err != nil {
			ve.add(prefix+".email", fieldMessage(err))
		}
		if bt.Location.RequiresPhone() {
			if err := validate.Var(p.Phone, "required,min=5,max=32"); err != nil {
				ve.add(prefix+".phone", fieldMessage(err))
			}
		}
		validateAnswers(ve, prefix, p.Answers, bt.Questions)
	}
}

func validateAnswers(ve *ValidationError, prefix string, answers map[string]models.Answer, questions []models.Question) {
	known := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		known[q.ID] = struct{}{}
		field := fmt.Sprintf("%s.answers.%s", prefix, q.ID)

		a, ok := answers[q.ID]
		if !ok || a.IsEmpty() {
			if q.Required {
				ve.add(field, "This field is required")
			}
			continue
		}

		switch q.Kind {
		case models.QuestionSingleLine, models.QuestionMultiLine:
			text, isText := a.Text()
			if !isText {
				ve.add(field, "expects a text answer")
			} else if q.Kind == models.QuestionSingleLine && strings.ContainsAny(text, "\r\n") {
				ve.add(field, "must be a single line")
			}
		case models.QuestionSingleChoice, models.QuestionMultipleChoice:
			choices, isChoice := a.Choices()
			if !isChoice {
				ve.add(field, "expects a choice answer")
				continue
			}
			if q.Kind == models.QuestionSingleChoice && len(choices) != 1 {
				ve.add(field, "exactly one option must be chosen")
				continue
			}
			for _, c := range choices {
				if !q.HasOption(c) {
					ve.add(field, fmt.Sprintf("unknown option %q", c))
					break
				}
			}
		}
	}

	for id := range answers {
		if _, ok := known[id]; !ok {
			ve.add(fmt.Sprintf("%s.answers.%s", prefix, id), "unknown question")
		}
	}
}

func fieldMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "min":
		return fmt.Sprintf("Minimum length is %s", fe.Param())
	case "max":
		return fmt.Sprintf("Maximum length is %s", fe.Param())
	default:
		return fmt.Sprintf("Invalid value (%s)", fe.Tag())
	}
}
