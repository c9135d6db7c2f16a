// Package query filters and orders appointment snapshots. It never mutates
// what it is given.
package query

import (
	"sort"
	"strings"
	"time"

	"garage/backend/internal/domain"
)

// DateRange is inclusive on both ends.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// DayRange covers the local calendar day of date, 00:00:00.000 through
// 23:59:59.999.
func DayRange(date time.Time, loc *time.Location) DateRange {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return DateRange{
		From: start,
		To:   start.AddDate(0, 0, 1).Add(-time.Millisecond),
	}
}

// Filter fields left at their zero value match everything. Set fields
// combine with AND.
type Filter struct {
	MechanicID string
	CustomerID string
	CarID      string
	Status     domain.Status
	DateRange  *DateRange
	// Day matches the local calendar day of Day in Location. It is an
	// alternative to DateRange for single-day views.
	Day      time.Time
	Location *time.Location
	// SearchText is matched case-insensitively against the service name
	// and the notes.
	SearchText string
	Descending bool
}

func (f Filter) Match(a domain.Appointment) bool {
	if f.MechanicID != "" && a.MechanicID != f.MechanicID {
		return false
	}
	if f.CustomerID != "" && a.CustomerID != f.CustomerID {
		return false
	}
	if f.CarID != "" && a.CarID != f.CarID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.DateRange != nil && !f.DateRange.Contains(a.ScheduledDate) {
		return false
	}
	if !f.Day.IsZero() && !DayRange(f.Day, f.Location).Contains(a.ScheduledDate) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.SearchText)); q != "" {
		if !strings.Contains(strings.ToLower(a.ServiceName), q) &&
			!strings.Contains(strings.ToLower(a.Notes), q) {
			return false
		}
	}
	return true
}

// Find returns the appointments matching f, ordered by scheduled date.
// The result is a fresh slice; appts is left untouched.
func Find(appts []domain.Appointment, f Filter) []domain.Appointment {
	out := []domain.Appointment{}
	for _, a := range appts {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return false
		}
		if f.Descending {
			return out[i].ScheduledDate.After(out[j].ScheduledDate)
		}
		return out[i].ScheduledDate.Before(out[j].ScheduledDate)
	})
	return out
}
