package scheduling

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"garage/backend/internal/domain"
)

// CapacityRules bound how many appointments the garage runs at once and per
// day. Zero values disable the corresponding limit.
type CapacityRules struct {
	ConcurrencyLimit int
	MaxDaily         int
	Location         *time.Location
}

func (r CapacityRules) Enabled() bool {
	return r.ConcurrencyLimit > 0 || r.MaxDaily > 0
}

// CheckCapacity reports whether booking c would push the garage past r.
// The concurrency check uses the peak number of simultaneous appointments
// inside the candidate window, not the raw count of overlapping ones.
func CheckCapacity(appts []domain.Appointment, c Candidate, r CapacityRules) (string, bool) {
	if r.MaxDaily > 0 {
		if n := countSameDay(appts, c, r.Location); n+1 > r.MaxDaily {
			return fmt.Sprintf("daily limit of %d appointments reached", r.MaxDaily), true
		}
	}
	if r.ConcurrencyLimit > 0 {
		if peak := peakConcurrency(appts, c); peak+1 > r.ConcurrencyLimit {
			return fmt.Sprintf("garage already runs %d concurrent appointments (limit %d)", peak, r.ConcurrencyLimit), true
		}
	}
	return "", false
}

func countSameDay(appts []domain.Appointment, c Candidate, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := c.Start.In(loc).Date()
	n := 0
	for _, a := range appts {
		if !counts(a, c.ExcludeID) {
			continue
		}
		ay, am, ad := a.ScheduledDate.In(loc).Date()
		if ay == y && am == m && ad == d {
			n++
		}
	}
	return n
}

func peakConcurrency(appts []domain.Appointment, c Candidate) int {
	var overlapping []domain.Appointment
	for _, a := range appts {
		if !counts(a, c.ExcludeID) {
			continue
		}
		if Overlaps(c.Start, c.End, a.ScheduledDate, a.End()) {
			overlapping = append(overlapping, a)
		}
	}
	if len(overlapping) == 0 {
		return 0
	}

	// The count of covering intervals can only rise at the candidate start or
	// at an appointment start, so those are the only points worth probing.
	points := []time.Time{c.Start}
	for _, a := range overlapping {
		if a.ScheduledDate.After(c.Start) {
			points = append(points, a.ScheduledDate)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	peak := 0
	for _, p := range points {
		n := 0
		for _, a := range overlapping {
			if !a.ScheduledDate.After(p) && a.End().After(p) {
				n++
			}
		}
		if n > peak {
			peak = n
		}
	}
	return peak
}

func counts(a domain.Appointment, exclude uuid.UUID) bool {
	if a.Cancelled() {
		return false
	}
	return exclude == uuid.Nil || a.ID != exclude
}
