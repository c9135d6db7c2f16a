package appointments

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"garage/backend/internal/domain"
	"garage/backend/internal/notify"
	"garage/backend/internal/query"
	"garage/backend/internal/scheduling"
	"garage/backend/internal/settings"
	"garage/backend/internal/store"
	"garage/backend/internal/store/memory"
)

var day = time.Date(2025, 8, 30, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	st := memory.New()
	return NewService(st, st, opts...)
}

func booking(mechanic string, start time.Time, minutes int) CreateInput {
	return CreateInput{
		CarID:             "c1",
		CustomerID:        "cu1",
		MechanicID:        mechanic,
		ServiceType:       "oil-change",
		ServiceName:       "Oil change",
		ScheduledDate:     start,
		EstimatedDuration: minutes,
	}
}

func mustCreate(t *testing.T, svc *Service, in CreateInput) domain.Appointment {
	t.Helper()
	a, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return a
}

type fakeRepo struct {
	inTransactionFn func(ctx context.Context, fn func(ctx context.Context, tx store.GarageTx) error) error
	getFn           func(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	listFn          func(ctx context.Context) ([]domain.Appointment, error)
}

func (f *fakeRepo) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.GarageTx) error) error {
	if f.inTransactionFn == nil {
		panic("InTransaction not configured")
	}
	return f.inTransactionFn(ctx, fn)
}

func (f *fakeRepo) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if f.getFn == nil {
		panic("Get not configured")
	}
	return f.getFn(ctx, id)
}

func (f *fakeRepo) List(ctx context.Context) ([]domain.Appointment, error) {
	if f.listFn == nil {
		panic("List not configured")
	}
	return f.listFn(ctx)
}

func TestServiceCreate_ValidationErrorType(t *testing.T) {
	svc := NewService(&fakeRepo{}, memory.New())

	tests := []struct {
		name string
		in   CreateInput
		want string
	}{
		{name: "car", in: CreateInput{CustomerID: "cu1", MechanicID: "m1", ScheduledDate: at(10, 0), EstimatedDuration: 60}, want: "carId is required"},
		{name: "customer", in: CreateInput{CarID: "c1", MechanicID: "m1", ScheduledDate: at(10, 0), EstimatedDuration: 60}, want: "customerId is required"},
		{name: "mechanic", in: CreateInput{CarID: "c1", CustomerID: "cu1", ScheduledDate: at(10, 0), EstimatedDuration: 60}, want: "mechanicId is required"},
		{name: "date", in: CreateInput{CarID: "c1", CustomerID: "cu1", MechanicID: "m1", EstimatedDuration: 60}, want: "scheduledDate is required"},
		{name: "zero duration", in: booking("m1", at(10, 0), 0), want: "estimatedDuration must be positive"},
		{name: "negative duration", in: booking("m1", at(10, 0), -30), want: "estimatedDuration must be positive"},
		{name: "long duration", in: booking("m1", at(10, 0), 24*60+1), want: "estimatedDuration too long"},
		{name: "priority", in: func() CreateInput { in := booking("m1", at(10, 0), 60); in.Priority = "urgent"; return in }(), want: "invalid priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type = %T (%v), want *ValidationError", err, err)
			}
			if vErr.Error() != tt.want {
				t.Fatalf("error = %q, want %q", vErr.Error(), tt.want)
			}
		})
	}
}

func TestServiceCreate_DefaultsAndNormalization(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("LoadLocation error: %v", err)
	}
	svc := newTestService(t)

	in := booking("  m1 ", time.Date(2025, 8, 30, 9, 0, 0, 0, loc), 60)
	in.ServiceName = "  "
	a := mustCreate(t, svc, in)

	if a.Status != domain.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", a.Status)
	}
	if a.Priority != domain.PriorityMedium {
		t.Fatalf("priority = %s, want medium", a.Priority)
	}
	if a.MechanicID != "m1" {
		t.Fatalf("mechanicId = %q, want trimmed", a.MechanicID)
	}
	if a.ServiceName != "oil-change" {
		t.Fatalf("serviceName = %q, want fallback to serviceType", a.ServiceName)
	}
	if a.ScheduledDate.Location() != time.UTC {
		t.Fatalf("scheduledDate must be normalized to UTC, got %v", a.ScheduledDate)
	}
	if a.UpdatedAt.Before(a.CreatedAt) {
		t.Fatalf("updatedAt before createdAt")
	}
}

func TestServiceCreate_ScenarioB_Conflict(t *testing.T) {
	svc := newTestService(t)

	mustCreate(t, svc, booking("m1", at(10, 0), 60))

	_, err := svc.Create(context.Background(), booking("m1", at(10, 30), 30))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		t.Fatalf("a conflict must be distinguishable from a validation error")
	}

	mustCreate(t, svc, booking("m2", at(10, 30), 30))
	mustCreate(t, svc, booking("m1", at(11, 0), 30))
}

func TestServiceCreate_GarageScope(t *testing.T) {
	svc := newTestService(t, WithConflictScope(scheduling.ScopeGarage))

	mustCreate(t, svc, booking("m1", at(10, 0), 60))
	if _, err := svc.Create(context.Background(), booking("m2", at(10, 30), 30)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict under garage scope", err)
	}
}

func TestServiceCreate_CancelledDoesNotBlock(t *testing.T) {
	svc := newTestService(t)
	a := mustCreate(t, svc, booking("m1", at(10, 0), 60))

	if _, err := svc.Transition(context.Background(), a.ID, domain.StatusCancelled); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	mustCreate(t, svc, booking("m1", at(10, 0), 60))
}

func TestServiceDelete_ScenarioC(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a := mustCreate(t, svc, booking("m1", at(10, 0), 60))

	if err := svc.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("len(list) = %d, want 0", len(list))
	}
	mustCreate(t, svc, booking("m1", at(10, 0), 60))

	if err := svc.Delete(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestServiceSearch_ScenarioD(t *testing.T) {
	svc := newTestService(t)

	brakes := booking("m1", at(9, 0), 60)
	brakes.ServiceType, brakes.ServiceName = "brakes", "Brake pad replacement"
	mustCreate(t, svc, brakes)

	oil := booking("m1", at(11, 0), 60)
	oil.Notes = "Customer mentioned squeaky BRAKES"
	mustCreate(t, svc, oil)

	tyres := booking("m2", at(9, 0), 60)
	tyres.ServiceType, tyres.ServiceName = "tyres", "Tyre rotation"
	mustCreate(t, svc, tyres)

	got, err := svc.Search(context.Background(), "brake")
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	for _, a := range got {
		if a.ServiceType == "tyres" {
			t.Fatalf("tyre appointment must not match")
		}
	}
}

func TestServiceUpdate_IdempotentResave(t *testing.T) {
	svc := newTestService(t)
	a := mustCreate(t, svc, booking("m1", at(10, 0), 60))

	date, duration, mechanic := a.ScheduledDate, a.EstimatedDuration, a.MechanicID
	updated, err := svc.Update(context.Background(), a.ID, Patch{
		ScheduledDate:     &date,
		EstimatedDuration: &duration,
		MechanicID:        &mechanic,
	})
	if err != nil {
		t.Fatalf("re-save error: %v", err)
	}
	if updated.CreatedAt != a.CreatedAt {
		t.Fatalf("createdAt changed")
	}

	later := at(10, 30)
	if _, err := svc.Update(context.Background(), a.ID, Patch{ScheduledDate: &later}); err != nil {
		t.Fatalf("moving within its own interval must not conflict with itself: %v", err)
	}
}

func TestServiceUpdate_RescheduleConflict(t *testing.T) {
	svc := newTestService(t)
	mustCreate(t, svc, booking("m1", at(10, 0), 60))
	b := mustCreate(t, svc, booking("m1", at(12, 0), 60))

	onto := at(10, 30)
	_, err := svc.Update(context.Background(), b.ID, Patch{ScheduledDate: &onto})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, _ := svc.Get(context.Background(), b.ID)
	if !got.ScheduledDate.Equal(at(12, 0)) {
		t.Fatalf("failed update must leave the appointment unchanged")
	}
}

func TestServiceTransition_Lifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a := mustCreate(t, svc, booking("m1", at(10, 0), 60))

	if _, err := svc.Transition(ctx, a.ID, domain.StatusCompleted); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("scheduled -> completed err = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Transition(ctx, a.ID, domain.StatusInProgress); err != nil {
		t.Fatalf("scheduled -> in-progress error: %v", err)
	}
	done, err := svc.Transition(ctx, a.ID, domain.StatusCompleted)
	if err != nil {
		t.Fatalf("in-progress -> completed error: %v", err)
	}
	if done.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}

	for _, to := range []domain.Status{domain.StatusScheduled, domain.StatusInProgress, domain.StatusCancelled} {
		_, err := svc.Transition(ctx, a.ID, to)
		var tErr *domain.TransitionError
		if !errors.As(err, &tErr) || tErr.From != domain.StatusCompleted {
			t.Fatalf("completed -> %s err = %v, want TransitionError", to, err)
		}
	}

	notes := "invoice sent"
	if _, err := svc.Update(ctx, a.ID, Patch{Notes: &notes}); err != nil {
		t.Fatalf("notes on a completed appointment must stay editable: %v", err)
	}
	later := at(15, 0)
	var vErr *ValidationError
	if _, err := svc.Update(ctx, a.ID, Patch{ScheduledDate: &later}); !errors.As(err, &vErr) {
		t.Fatalf("rescheduling a completed appointment err = %v, want ValidationError", err)
	}

	if _, err := svc.Transition(ctx, a.ID, "paused"); !errors.As(err, &vErr) {
		t.Fatalf("unknown status err = %v, want ValidationError", err)
	}
}

func TestServiceTransition_SameStateRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	completed := mustCreate(t, svc, booking("m1", at(9, 0), 60))
	for _, to := range []domain.Status{domain.StatusInProgress, domain.StatusCompleted} {
		if _, err := svc.Transition(ctx, completed.ID, to); err != nil {
			t.Fatalf("-> %s error: %v", to, err)
		}
	}
	cancelled := mustCreate(t, svc, booking("m1", at(11, 0), 60))
	if _, err := svc.Transition(ctx, cancelled.ID, domain.StatusCancelled); err != nil {
		t.Fatalf("-> cancelled error: %v", err)
	}

	for _, a := range []domain.Appointment{completed, cancelled} {
		before, err := svc.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		st := before.Status
		if _, err := svc.Transition(ctx, a.ID, st); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("%s -> %s err = %v, want ErrInvalidTransition", st, st, err)
		}
		if _, err := svc.Update(ctx, a.ID, Patch{Status: &st}); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("patch %s on %s err = %v, want ErrInvalidTransition", st, st, err)
		}
		after, err := svc.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if !after.UpdatedAt.Equal(before.UpdatedAt) {
			t.Fatalf("%s appointment was rewritten: updatedAt %v -> %v", st, before.UpdatedAt, after.UpdatedAt)
		}
	}

	active := mustCreate(t, svc, booking("m2", at(9, 0), 60))
	if _, err := svc.Transition(ctx, active.ID, domain.StatusScheduled); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("scheduled -> scheduled err = %v, want ErrInvalidTransition", err)
	}
	same := domain.StatusScheduled
	notes := "resent form"
	if _, err := svc.Update(ctx, active.ID, Patch{Status: &same, Notes: &notes}); err != nil {
		t.Fatalf("re-saving an active appointment with its own status: %v", err)
	}
}

func TestServiceUpdate_NotFound(t *testing.T) {
	svc := newTestService(t)
	notes := "x"
	if _, err := svc.Update(context.Background(), uuid.New(), Patch{Notes: &notes}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestServiceCreate_IdempotencyKeyDeterministicUUID(t *testing.T) {
	svc := newTestService(t)

	in := booking("m1", at(10, 0), 60)
	in.IdempotencyKey = "k1"
	first := mustCreate(t, svc, in)
	want := uuid.NewSHA1(uuid.NameSpaceOID, []byte("garage:create_appointment:cu1:k1"))
	if first.ID != want {
		t.Fatalf("id = %s, want %s", first.ID, want)
	}

	second := mustCreate(t, svc, in)
	if second.ID != first.ID {
		t.Fatalf("replay created a second appointment")
	}
	list, _ := svc.List(context.Background())
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}

	in.EstimatedDuration = 90
	if _, err := svc.Create(context.Background(), in); !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}

	in.IdempotencyKey = strings.Repeat("k", 257)
	var vErr *ValidationError
	if _, err := svc.Create(context.Background(), in); !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestServiceCreateOverride_SkipsConflictCheck(t *testing.T) {
	svc := newTestService(t)
	mustCreate(t, svc, booking("m1", at(10, 0), 60))

	if _, err := svc.CreateOverride(context.Background(), booking("m1", at(10, 0), 60)); err != nil {
		t.Fatalf("CreateOverride error: %v", err)
	}
	var vErr *ValidationError
	if _, err := svc.CreateOverride(context.Background(), booking("m1", at(10, 0), 0)); !errors.As(err, &vErr) {
		t.Fatalf("override must still validate fields, err = %v", err)
	}
}

func TestServiceAvailableSlots_ScenarioA(t *testing.T) {
	svc := newTestService(t)
	mustCreate(t, svc, booking("m1", at(8, 30), 90))

	slots, err := svc.AvailableSlots(context.Background(), SlotsInput{Date: day, DurationMinutes: 90, MechanicID: "m1"})
	if err != nil {
		t.Fatalf("AvailableSlots error: %v", err)
	}
	if len(slots) != 20 {
		t.Fatalf("len(slots) = %d, want 20", len(slots))
	}
	byStart := map[string]domain.AppointmentSlot{}
	for _, s := range slots {
		byStart[s.StartTime.Format("15:04")] = s
	}
	if byStart["08:00"].IsAvailable || byStart["09:00"].IsAvailable {
		t.Fatalf("08:00 and 09:00 must be unavailable")
	}
	if !byStart["10:00"].IsAvailable {
		t.Fatalf("10:00 must be available")
	}
}

func TestServiceAvailableSlots_ConsistentWithBooking(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, booking("m1", at(9, 0), 60))
	mustCreate(t, svc, booking("m1", at(13, 15), 45))

	slots, err := svc.AvailableSlots(ctx, SlotsInput{Date: day, DurationMinutes: 60, MechanicID: "m1"})
	if err != nil {
		t.Fatalf("AvailableSlots error: %v", err)
	}
	for _, slot := range slots {
		fresh := newTestService(t)
		mustCreate(t, fresh, booking("m1", at(9, 0), 60))
		mustCreate(t, fresh, booking("m1", at(13, 15), 45))

		_, err := fresh.Create(ctx, booking("m1", slot.StartTime, 60))
		if slot.IsAvailable && err != nil {
			t.Fatalf("slot %s available but booking failed: %v", slot.StartTime.Format("15:04"), err)
		}
		if !slot.IsAvailable && !errors.Is(err, store.ErrConflict) {
			t.Fatalf("slot %s unavailable but booking err = %v", slot.StartTime.Format("15:04"), err)
		}
	}
}

func TestServiceAvailableSlots_Settings(t *testing.T) {
	s, err := settings.Parse(`
slot_step_minutes = 60
default_service_duration = 30

[working_hours.saturday]
open = "09:00"
close = "14:00"
lunch_start = "12:00"
lunch_end = "13:00"

[working_hours.sunday]
closed = true
`)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	svc := newTestService(t, WithSettings(s))
	ctx := context.Background()

	slots, err := svc.AvailableSlots(ctx, SlotsInput{Date: day, MechanicID: "m1"})
	if err != nil {
		t.Fatalf("AvailableSlots error: %v", err)
	}
	if len(slots) != 5 {
		t.Fatalf("len(slots) = %d, want 5", len(slots))
	}
	if got := slots[0].EndTime.Sub(slots[0].StartTime); got != 30*time.Minute {
		t.Fatalf("default duration = %s, want 30m", got)
	}
	if slots[3].IsAvailable || slots[3].StartTime.Hour() != 12 {
		t.Fatalf("12:00 must be blocked by lunch: %+v", slots[3])
	}
	if _, err := svc.Create(ctx, booking("m1", at(12, 0), 30)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("booking over lunch err = %v, want ErrConflict", err)
	}

	sunday, err := svc.AvailableSlots(ctx, SlotsInput{Date: day.AddDate(0, 0, 1), MechanicID: "m1"})
	if err != nil {
		t.Fatalf("AvailableSlots error: %v", err)
	}
	if len(sunday) != 0 {
		t.Fatalf("closed day must have no slots, got %d", len(sunday))
	}
	if _, err := svc.Create(ctx, booking("m1", day.AddDate(0, 0, 1).Add(10*time.Hour), 30)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("booking on a closed day err = %v, want ErrConflict", err)
	}
}

func TestServiceCapacityEnforcement(t *testing.T) {
	s := settings.Default()
	s.TotalLifts, s.AvailableLifts = 1, 1
	st := memory.New()
	ctx := context.Background()
	for _, id := range []string{"m1", "m2"} {
		if err := st.PutMechanic(ctx, domain.Mechanic{ID: id, IsAvailable: true}); err != nil {
			t.Fatalf("PutMechanic error: %v", err)
		}
	}
	svc := NewService(st, st, WithSettings(s), WithCapacityEnforcement(true))

	mustCreate(t, svc, booking("m1", at(10, 0), 60))
	if _, err := svc.Create(ctx, booking("m2", at(10, 30), 60)); !errors.Is(err, store.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	mustCreate(t, svc, booking("m2", at(11, 0), 60))

	c, err := svc.Capacity(ctx)
	if err != nil {
		t.Fatalf("Capacity error: %v", err)
	}
	if c.ConcurrencyLimit() != 1 || c.TotalMechanics != 2 {
		t.Fatalf("capacity = %+v", c)
	}

	slots, err := svc.AvailableSlots(ctx, SlotsInput{Date: day, DurationMinutes: 60, MechanicID: "m2"})
	if err != nil {
		t.Fatalf("AvailableSlots error: %v", err)
	}
	for _, slot := range slots {
		if slot.StartTime.Equal(at(10, 0)) && slot.IsAvailable {
			t.Fatalf("10:00 for m2 must be unavailable while the only lift is taken")
		}
	}
}

func TestServiceCreate_ConcurrentBookingsNeverOverlap(t *testing.T) {
	svc := newTestService(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	booked := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Create(context.Background(), booking("m1", at(10, 0).Add(time.Duration(i%4)*15*time.Minute), 60))
			if err == nil {
				mu.Lock()
				booked++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if booked != 1 {
		t.Fatalf("booked = %d, want exactly 1 of the overlapping requests", booked)
	}
	list, _ := svc.List(context.Background())
	for i := range list {
		for j := i + 1; j < len(list); j++ {
			if scheduling.Overlaps(list[i].ScheduledDate, list[i].End(), list[j].ScheduledDate, list[j].End()) {
				t.Fatalf("stored appointments overlap: %+v %+v", list[i], list[j])
			}
		}
	}
}

func TestServiceQueries(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := mustCreate(t, svc, booking("m1", at(9, 0), 60))
	mustCreate(t, svc, booking("m2", at(10, 0), 60))
	mustCreate(t, svc, booking("m1", day.AddDate(0, 0, 1).Add(9*time.Hour), 60))
	if _, err := svc.Transition(ctx, a.ID, domain.StatusInProgress); err != nil {
		t.Fatalf("Transition error: %v", err)
	}

	onDay, err := svc.ByDate(ctx, at(15, 0))
	if err != nil || len(onDay) != 2 {
		t.Fatalf("ByDate = %d, %v; want 2", len(onDay), err)
	}
	m1, err := svc.ByMechanic(ctx, "m1")
	if err != nil || len(m1) != 2 {
		t.Fatalf("ByMechanic = %d, %v; want 2", len(m1), err)
	}
	inProgress, err := svc.ByStatus(ctx, domain.StatusInProgress)
	if err != nil || len(inProgress) != 1 || inProgress[0].ID != a.ID {
		t.Fatalf("ByStatus = %+v, %v", inProgress, err)
	}
	recent, err := svc.Find(ctx, query.Filter{MechanicID: "m1", Descending: true})
	if err != nil || len(recent) != 2 || !recent[0].ScheduledDate.After(recent[1].ScheduledDate) {
		t.Fatalf("Find descending = %+v, %v", recent, err)
	}

	var vErr *ValidationError
	if _, err := svc.ByStatus(ctx, "unknown"); !errors.As(err, &vErr) {
		t.Fatalf("ByStatus unknown err = %v", err)
	}
	if _, err := svc.ByMechanic(ctx, " "); !errors.As(err, &vErr) {
		t.Fatalf("ByMechanic empty err = %v", err)
	}
}

func TestServiceSubscribe(t *testing.T) {
	broker := notify.NewBroker[domain.Change](nil)
	defer broker.Close()
	st := memory.New(memory.WithPublisher(broker))
	svc := NewService(st, st, WithChanges(broker))

	got := make(chan domain.Change, 4)
	sub, err := svc.Subscribe("test", func(c domain.Change) { got <- c })
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	a := mustCreate(t, svc, booking("m1", at(10, 0), 60))
	if err := svc.Delete(context.Background(), a.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	for _, want := range []domain.ChangeKind{domain.ChangeCreated, domain.ChangeDeleted} {
		select {
		case c := <-got:
			if c.Kind != want {
				t.Fatalf("kind = %s, want %s", c.Kind, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if _, err := NewService(st, st).Subscribe("x", func(domain.Change) {}); !errors.Is(err, ErrNoSubscriptions) {
		t.Fatalf("err = %v, want ErrNoSubscriptions", err)
	}
}

func TestServiceList_RepositoryError(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(&fakeRepo{
		listFn: func(ctx context.Context) ([]domain.Appointment, error) { return nil, boom },
	}, memory.New())

	if _, err := svc.Search(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := svc.AvailableSlots(context.Background(), SlotsInput{Date: day}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
