// Package scheduling holds the pure booking rules: interval overlap,
// per-resource conflict detection, capacity checks and slot generation.
// Nothing here touches the store; callers pass in the snapshot to check against.
package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"garage/backend/internal/domain"
)

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect. Back-to-back intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

type Scope string

const (
	// ScopeMechanic only compares appointments assigned to the same mechanic.
	ScopeMechanic Scope = "mechanic"
	// ScopeGarage compares against every appointment regardless of mechanic.
	ScopeGarage Scope = "garage"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeMechanic:
		return ScopeMechanic, nil
	case ScopeGarage:
		return ScopeGarage, nil
	}
	return "", fmt.Errorf("unknown conflict scope %q", s)
}

type Candidate struct {
	Start      time.Time
	End        time.Time
	MechanicID string
	// ExcludeID skips the appointment being edited so a re-save does not
	// collide with itself.
	ExcludeID uuid.UUID
	// Buffer is the minimum gap kept between two appointments that share a
	// resource.
	Buffer time.Duration
}

// FindConflict returns the first non-cancelled appointment in appts that
// collides with c under scope.
func FindConflict(appts []domain.Appointment, c Candidate, scope Scope) (domain.Appointment, bool) {
	for _, a := range appts {
		if a.Cancelled() {
			continue
		}
		if c.ExcludeID != uuid.Nil && a.ID == c.ExcludeID {
			continue
		}
		if scope != ScopeGarage && a.MechanicID != c.MechanicID {
			continue
		}
		if Overlaps(c.Start, c.End.Add(c.Buffer), a.ScheduledDate, a.End().Add(c.Buffer)) {
			return a, true
		}
	}
	return domain.Appointment{}, false
}

func HasConflict(appts []domain.Appointment, c Candidate, scope Scope) bool {
	_, ok := FindConflict(appts, c, scope)
	return ok
}

func ConflictReason(a domain.Appointment) string {
	return fmt.Sprintf("overlaps appointment %s (%s-%s)",
		a.ID, a.ScheduledDate.Format("15:04"), a.End().Format("15:04"))
}
