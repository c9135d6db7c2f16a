// Package settings loads the garage settings file: opening hours, slot
// parameters, physical capacity and the reference data seeded at startup.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"garage/backend/internal/domain"
)

const (
	defaultOpen     = "08:00"
	defaultClose    = "18:00"
	defaultStep     = 30
	defaultDuration = 60
)

type DayHours struct {
	Open       string `toml:"open"`
	Close      string `toml:"close"`
	Closed     bool   `toml:"closed"`
	LunchStart string `toml:"lunch_start"`
	LunchEnd   string `toml:"lunch_end"`
}

// Window is a day's opening hours resolved to offsets from local midnight.
type Window struct {
	Open       time.Duration
	Close      time.Duration
	LunchStart time.Duration
	LunchEnd   time.Duration
}

func (w Window) HasLunch() bool {
	return w.LunchEnd > w.LunchStart
}

type Settings struct {
	WorkingHours              map[string]DayHours `toml:"working_hours"`
	SlotStepMinutes           int                 `toml:"slot_step_minutes"`
	DefaultServiceDuration    int                 `toml:"default_service_duration"`
	BufferTimeBetweenServices int                 `toml:"buffer_time_between_services"`
	MaxDailyAppointments      int                 `toml:"max_daily_appointments"`
	TotalLifts                int                 `toml:"total_lifts"`
	AvailableLifts            int                 `toml:"available_lifts"`

	Mechanics []domain.Mechanic `toml:"mechanics"`
	Customers []domain.Customer `toml:"customers"`
	Cars      []domain.Car      `toml:"cars"`
}

func Default() Settings {
	return Settings{
		SlotStepMinutes:        defaultStep,
		DefaultServiceDuration: defaultDuration,
	}
}

// Load reads path. An empty path or a missing file yields Default.
func Load(path string) (Settings, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return Parse(string(data))
}

func Parse(data string) (Settings, error) {
	s := Default()
	if _, err := toml.Decode(data, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	hours, err := normalizeDays(s.WorkingHours)
	if err != nil {
		return Settings{}, err
	}
	s.WorkingHours = hours
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.SlotStepMinutes <= 0 {
		return fmt.Errorf("slot_step_minutes must be positive")
	}
	if s.DefaultServiceDuration <= 0 {
		return fmt.Errorf("default_service_duration must be positive")
	}
	if s.BufferTimeBetweenServices < 0 || s.MaxDailyAppointments < 0 {
		return fmt.Errorf("buffer_time_between_services and max_daily_appointments must not be negative")
	}
	for day, h := range s.WorkingHours {
		if _, err := parseWeekday(day); err != nil {
			return err
		}
		if h.Closed {
			continue
		}
		if _, err := resolve(h); err != nil {
			return fmt.Errorf("working_hours.%s: %w", day, err)
		}
	}
	return nil
}

// normalizeDays lowercases weekday keys so HoursOn finds them however the
// file spells them.
func normalizeDays(in map[string]DayHours) (map[string]DayHours, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]DayHours, len(in))
	for day, h := range in {
		key := strings.ToLower(strings.TrimSpace(day))
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("working_hours.%s is configured more than once", key)
		}
		out[key] = h
	}
	return out, nil
}

// HoursOn returns the opening window for weekday. ok is false when the
// garage is closed that day.
func (s Settings) HoursOn(weekday time.Weekday) (Window, bool) {
	h, found := s.WorkingHours[strings.ToLower(weekday.String())]
	if !found {
		h = DayHours{Open: defaultOpen, Close: defaultClose}
	}
	if h.Closed {
		return Window{}, false
	}
	w, err := resolve(h)
	if err != nil {
		return Window{}, false
	}
	return w, true
}

func (s Settings) Step() time.Duration {
	return time.Duration(s.SlotStepMinutes) * time.Minute
}

func (s Settings) Buffer() time.Duration {
	return time.Duration(s.BufferTimeBetweenServices) * time.Minute
}

// Capacity describes the garage for the given mechanics. Working hours are
// reported for Monday.
func (s Settings) Capacity(mechanics []domain.Mechanic) domain.GarageCapacity {
	c := domain.GarageCapacity{
		TotalLifts:     s.TotalLifts,
		AvailableLifts: s.AvailableLifts,
		TotalMechanics: len(mechanics),
	}
	for _, m := range mechanics {
		if m.IsAvailable {
			c.AvailableMechanics++
		}
	}
	if w, ok := s.HoursOn(time.Monday); ok {
		c.WorkingHours = domain.WorkingHours{Start: formatClock(w.Open), End: formatClock(w.Close)}
	}
	return c
}

func resolve(h DayHours) (Window, error) {
	open, err := parseClock(firstNonEmpty(h.Open, defaultOpen))
	if err != nil {
		return Window{}, err
	}
	closing, err := parseClock(firstNonEmpty(h.Close, defaultClose))
	if err != nil {
		return Window{}, err
	}
	if closing <= open {
		return Window{}, fmt.Errorf("close must be after open")
	}
	w := Window{Open: open, Close: closing}
	if h.LunchStart == "" && h.LunchEnd == "" {
		return w, nil
	}
	if w.LunchStart, err = parseClock(h.LunchStart); err != nil {
		return Window{}, err
	}
	if w.LunchEnd, err = parseClock(h.LunchEnd); err != nil {
		return Window{}, err
	}
	if w.LunchEnd <= w.LunchStart {
		return Window{}, fmt.Errorf("lunch_end must be after lunch_start")
	}
	return w, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
