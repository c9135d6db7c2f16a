package scheduling

import (
	"fmt"
	"iter"
	"time"

	"garage/backend/internal/domain"
)

const (
	DefaultStep      = 30 * time.Minute
	DefaultWorkStart = 8 * time.Hour
	DefaultWorkEnd   = 18 * time.Hour
)

type SlotOptions struct {
	// Date selects the day; only its calendar date in Location is used.
	Date     time.Time
	Location *time.Location
	Duration time.Duration
	Step     time.Duration
	// WorkStart and WorkEnd are offsets from local midnight.
	WorkStart time.Duration
	WorkEnd   time.Duration
	// MechanicID is the resource slots are evaluated against. Empty means
	// the whole garage.
	MechanicID string
	Scope      Scope
	Capacity   CapacityRules
	// Buffer is the gap required between appointments on the same resource.
	Buffer time.Duration
	// Breaks are closed periods inside the working day, such as lunch.
	Breaks []Break
	// TruncateTrailing drops slots that would run past WorkEnd. By default
	// they are still emitted.
	TruncateTrailing bool
}

// Break is a closed period expressed as offsets from local midnight.
type Break struct {
	Start time.Duration
	End   time.Duration
}

// BreakAt returns the break that the window [start, end) runs into,
// if any.
func BreakAt(breaks []Break, loc *time.Location, start, end time.Time) (Break, bool) {
	if loc == nil {
		loc = time.UTC
	}
	for _, b := range breaks {
		if b.End <= b.Start {
			continue
		}
		if Overlaps(start, end, WallClock(start, b.Start, loc), WallClock(start, b.End, loc)) {
			return b, true
		}
	}
	return Break{}, false
}

// WallClock returns the local time offset after midnight on the calendar day
// of date in loc. The offset is read as a clock reading, so 08:00 stays
// 08:00 on days that gain or lose an hour.
func WallClock(date time.Time, offset time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.In(loc).Date()
	return time.Date(y, m, d,
		int(offset/time.Hour),
		int(offset%time.Hour/time.Minute),
		int(offset%time.Minute/time.Second),
		int(offset%time.Second),
		loc,
	)
}

func (o SlotOptions) withDefaults() SlotOptions {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Step <= 0 {
		o.Step = DefaultStep
	}
	if o.WorkStart == 0 && o.WorkEnd == 0 {
		o.WorkStart = DefaultWorkStart
		o.WorkEnd = DefaultWorkEnd
	}
	if o.MechanicID == "" {
		o.Scope = ScopeGarage
	} else if o.Scope == "" {
		o.Scope = ScopeMechanic
	}
	return o
}

// SlotCount is the number of candidate windows a working day yields:
// floor((workEnd-workStart)/step).
func SlotCount(workStart, workEnd, step time.Duration) int {
	if step <= 0 || workEnd <= workStart {
		return 0
	}
	return int((workEnd - workStart) / step)
}

// GenerateSlots yields fixed-width candidate windows across the working day
// in ascending start order, each annotated with availability against appts.
// The sequence is restartable: every range over it re-evaluates from the
// first slot against the same appts.
func GenerateSlots(appts []domain.Appointment, opts SlotOptions) iter.Seq[domain.AppointmentSlot] {
	opts = opts.withDefaults()
	return func(yield func(domain.AppointmentSlot) bool) {
		if opts.Duration <= 0 {
			return
		}
		closing := WallClock(opts.Date, opts.WorkEnd, opts.Location)

		n := SlotCount(opts.WorkStart, opts.WorkEnd, opts.Step)
		for i := 0; i < n; i++ {
			start := WallClock(opts.Date, opts.WorkStart+time.Duration(i)*opts.Step, opts.Location)
			end := start.Add(opts.Duration)
			if opts.TruncateTrailing && end.After(closing) {
				continue
			}
			if !yield(evaluate(appts, opts, start, end)) {
				return
			}
		}
	}
}

func evaluate(appts []domain.Appointment, opts SlotOptions, start, end time.Time) domain.AppointmentSlot {
	slot := domain.AppointmentSlot{
		StartTime:   start,
		EndTime:     end,
		IsAvailable: true,
		MechanicID:  opts.MechanicID,
	}
	if b, ok := BreakAt(opts.Breaks, opts.Location, start, end); ok {
		slot.IsAvailable = false
		slot.ConflictReason = fmt.Sprintf("overlaps break (%s-%s)", formatOffset(b.Start), formatOffset(b.End))
		return slot
	}
	c := Candidate{Start: start, End: end, MechanicID: opts.MechanicID, Buffer: opts.Buffer}
	if a, ok := FindConflict(appts, c, opts.Scope); ok {
		slot.IsAvailable = false
		slot.ConflictReason = ConflictReason(a)
		return slot
	}
	if reason, exceeded := CheckCapacity(appts, c, opts.Capacity); exceeded {
		slot.IsAvailable = false
		slot.ConflictReason = reason
	}
	return slot
}

// Collect drains a slot sequence into a slice.
func Collect(seq iter.Seq[domain.AppointmentSlot]) []domain.AppointmentSlot {
	out := []domain.AppointmentSlot{}
	for s := range seq {
		out = append(out, s)
	}
	return out
}

func formatOffset(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
