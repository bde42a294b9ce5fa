// Package catalog loads the administrator-authored hosts, schedules and
// booking types from YAML.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"appointly/internal/domain"
	"appointly/internal/models"
	"appointly/internal/tz"
)

var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is the validated, flattened content of a catalog file.
type Catalog struct {
	Hosts        []models.Host
	Schedules    []models.AvailabilitySchedule
	BookingTypes []models.BookingType
}

// Syncer stores a catalog.
type Syncer interface {
	SyncCatalog(ctx context.Context, hosts []models.Host, schedules []models.AvailabilitySchedule, types []models.BookingType) error
}

type fileDTO struct {
	Hosts []hostDTO `yaml:"hosts"`
}

type hostDTO struct {
	ID           string           `yaml:"id"`
	Name         string           `yaml:"name"`
	Schedules    []scheduleDTO    `yaml:"schedules"`
	BookingTypes []bookingTypeDTO `yaml:"booking_types"`
}

type scheduleDTO struct {
	ID                  string   `yaml:"id"`
	Timezone            string   `yaml:"timezone"`
	Weekdays            []string `yaml:"weekdays"`
	Start               string   `yaml:"start"`
	End                 string   `yaml:"end"`
	BufferBeforeMinutes int      `yaml:"buffer_before_minutes"`
	BufferAfterMinutes  int      `yaml:"buffer_after_minutes"`
	EffectiveFrom       string   `yaml:"effective_from"`
	EffectiveTo         string   `yaml:"effective_to"`
}

type bookingTypeDTO struct {
	ID               string        `yaml:"id"`
	Schedule         string        `yaml:"schedule"`
	Name             string        `yaml:"name"`
	DurationMinutes  int           `yaml:"duration_minutes"`
	Location         locationDTO   `yaml:"location"`
	MaxParticipants  int           `yaml:"max_participants"`
	RequiresApproval bool          `yaml:"requires_approval"`
	Questions        []questionDTO `yaml:"questions"`
}

type locationDTO struct {
	Kind   string `yaml:"kind"`
	Detail string `yaml:"detail"`
}

type questionDTO struct {
	ID       string   `yaml:"id"`
	Label    string   `yaml:"label"`
	Kind     string   `yaml:"kind"`
	Required bool     `yaml:"required"`
	Options  []string `yaml:"options"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var dto fileDTO
	if err := yaml.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{}
	hostIDs := make(map[string]bool)
	scheduleIDs := make(map[string]bool)
	for _, h := range dto.Hosts {
		if h.ID == "" || hostIDs[h.ID] {
			return nil, fmt.Errorf("%w: host ids must be unique and non-empty", ErrInvalidCatalog)
		}
		hostIDs[h.ID] = true
		host := models.Host{ID: h.ID, Name: h.Name}

		owned := make(map[string]bool)
		for _, s := range h.Schedules {
			if s.ID == "" || scheduleIDs[s.ID] {
				return nil, fmt.Errorf("%w: schedule ids must be unique and non-empty", ErrInvalidCatalog)
			}
			scheduleIDs[s.ID] = true
			owned[s.ID] = true

			schedule, err := s.toModel(h.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
			}
			c.Schedules = append(c.Schedules, schedule)
			host.ScheduleIDs = append(host.ScheduleIDs, s.ID)
		}

		typeIDs := make(map[string]bool)
		for _, bt := range h.BookingTypes {
			if typeIDs[bt.ID] {
				return nil, fmt.Errorf("%w: host %s: duplicate booking type %s", ErrInvalidCatalog, h.ID, bt.ID)
			}
			typeIDs[bt.ID] = true
			if !owned[bt.Schedule] {
				return nil, fmt.Errorf("%w: booking type %s references schedule %q not owned by host %s",
					ErrInvalidCatalog, bt.ID, bt.Schedule, h.ID)
			}

			bookingType := bt.toModel(h.ID)
			if bookingType.ID == "" {
				return nil, fmt.Errorf("%w: host %s: booking type id is required", ErrInvalidCatalog, h.ID)
			}
			if err := bookingType.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
			}
			c.BookingTypes = append(c.BookingTypes, bookingType)
			host.BookingTypeIDs = append(host.BookingTypeIDs, bt.ID)
		}
		c.Hosts = append(c.Hosts, host)
	}
	return c, nil
}

func (s scheduleDTO) toModel(hostID string) (models.AvailabilitySchedule, error) {
	out := models.AvailabilitySchedule{
		ID:                  s.ID,
		HostID:              hostID,
		Timezone:            s.Timezone,
		BufferBeforeMinutes: s.BufferBeforeMinutes,
		BufferAfterMinutes:  s.BufferAfterMinutes,
	}
	if _, err := tz.Load(s.Timezone); err != nil {
		return out, fmt.Errorf("schedule %s: %w", s.ID, err)
	}

	var days []time.Weekday
	for _, name := range s.Weekdays {
		key := strings.ToLower(strings.TrimSpace(name))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return out, fmt.Errorf("schedule %s: unknown weekday %q", s.ID, name)
		}
		days = append(days, d)
	}
	out.Weekdays = models.NewWeekdaySet(days...)

	var err error
	if out.Start, err = models.ParseTimeOfDay(s.Start); err != nil {
		return out, fmt.Errorf("schedule %s start: %w", s.ID, err)
	}
	if out.End, err = models.ParseTimeOfDay(s.End); err != nil {
		return out, fmt.Errorf("schedule %s end: %w", s.ID, err)
	}
	if out.EffectiveFrom, err = optionalDate(s.EffectiveFrom); err != nil {
		return out, fmt.Errorf("schedule %s effective_from: %w", s.ID, err)
	}
	if out.EffectiveTo, err = optionalDate(s.EffectiveTo); err != nil {
		return out, fmt.Errorf("schedule %s effective_to: %w", s.ID, err)
	}
	return out, out.Validate()
}

func (bt bookingTypeDTO) toModel(hostID string) models.BookingType {
	out := models.BookingType{
		ID:               bt.ID,
		HostID:           hostID,
		ScheduleID:       bt.Schedule,
		Name:             bt.Name,
		DurationMinutes:  bt.DurationMinutes,
		Location:         models.Location{Kind: models.LocationKind(bt.Location.Kind), Detail: bt.Location.Detail},
		MaxParticipants:  bt.MaxParticipants,
		RequiresApproval: bt.RequiresApproval,
	}
	if out.Location.Kind == "" {
		out.Location.Kind = models.LocationVideo
	}
	if out.MaxParticipants == 0 {
		out.MaxParticipants = 1
	}
	for _, q := range bt.Questions {
		out.Questions = append(out.Questions, models.Question{
			ID:       q.ID,
			Label:    q.Label,
			Kind:     models.QuestionKind(q.Kind),
			Required: q.Required,
			Options:  q.Options,
		})
	}
	return out
}

func optionalDate(s string) (*models.Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := models.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Sync writes the catalog to dst.
func (c *Catalog) Sync(ctx context.Context, dst Syncer) error {
	return dst.SyncCatalog(ctx, c.Hosts, c.Schedules, c.BookingTypes)
}

// Repository serves the catalog from memory. It satisfies
// domain.CatalogRepository for setups without a database.
type Repository struct {
	hosts     map[string]models.Host
	schedules map[string]models.AvailabilitySchedule
	types     map[string]models.BookingType
}

func NewRepository(c *Catalog) *Repository {
	r := &Repository{
		hosts:     make(map[string]models.Host, len(c.Hosts)),
		schedules: make(map[string]models.AvailabilitySchedule, len(c.Schedules)),
		types:     make(map[string]models.BookingType, len(c.BookingTypes)),
	}
	for _, h := range c.Hosts {
		r.hosts[h.ID] = h
	}
	for _, s := range c.Schedules {
		r.schedules[s.ID] = s
	}
	for _, t := range c.BookingTypes {
		r.types[t.HostID+"/"+t.ID] = t
	}
	return r
}

func (r *Repository) GetHost(_ context.Context, id string) (*models.Host, error) {
	h, ok := r.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrHostNotFound)
	}
	return &h, nil
}

func (r *Repository) GetBookingType(_ context.Context, hostID, typeID string) (*models.BookingType, error) {
	t, ok := r.types[hostID+"/"+typeID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", hostID, typeID, domain.ErrBookingTypeNotFound)
	}
	return &t, nil
}

func (r *Repository) GetSchedule(_ context.Context, id string) (*models.AvailabilitySchedule, error) {
	s, ok := r.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrScheduleNotFound)
	}
	return &s, nil
}
