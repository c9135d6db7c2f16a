package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"garage/backend/internal/domain"
	"garage/backend/internal/store"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (p *recordingPublisher) Publish(c domain.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
}

func (p *recordingPublisher) all() []domain.Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Change(nil), p.changes...)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func newTestStore(t *testing.T) (*Store, *recordingPublisher, *fakeClock) {
	t.Helper()
	pub := &recordingPublisher{}
	clock := &fakeClock{t: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
	return New(WithPublisher(pub), WithClock(clock.now)), pub, clock
}

func sampleAppointment(mechanic string, start time.Time) domain.Appointment {
	return domain.Appointment{
		CarID:             "c1",
		CustomerID:        "cu1",
		MechanicID:        mechanic,
		ServiceType:       "oil-change",
		ServiceName:       "Oil change",
		ScheduledDate:     start,
		EstimatedDuration: 60,
		Status:            domain.StatusScheduled,
		Priority:          domain.PriorityMedium,
	}
}

func create(t *testing.T, s *Store, a domain.Appointment) domain.Appointment {
	t.Helper()
	var out domain.Appointment
	err := s.InTransaction(context.Background(), func(ctx context.Context, tx store.GarageTx) error {
		var err error
		out, err = tx.CreateAppointment(ctx, a)
		return err
	})
	if err != nil {
		t.Fatalf("CreateAppointment error: %v", err)
	}
	return out
}

func TestStore_CreateAssignsIdentityAndPublishes(t *testing.T) {
	s, pub, clock := newTestStore(t)

	a := create(t, s, sampleAppointment("m1", time.Date(2025, 8, 30, 10, 0, 0, 0, time.UTC)))
	if a.ID == uuid.Nil {
		t.Fatalf("expected an assigned id")
	}
	if !a.CreatedAt.Equal(clock.t) || !a.UpdatedAt.Equal(clock.t) {
		t.Fatalf("timestamps = %s/%s, want %s", a.CreatedAt, a.UpdatedAt, clock.t)
	}

	got, err := s.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.ID != a.ID {
		t.Fatalf("Get id = %s, want %s", got.ID, a.ID)
	}

	changes := pub.all()
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1", len(changes))
	}
	if changes[0].Kind != domain.ChangeCreated || changes[0].Seq != 1 {
		t.Fatalf("change = %+v", changes[0])
	}
	if len(changes[0].Snapshot) != 1 || changes[0].Snapshot[0].ID != a.ID {
		t.Fatalf("snapshot = %+v", changes[0].Snapshot)
	}
}

func TestStore_FailedTransactionLeavesNoTrace(t *testing.T) {
	s, pub, _ := newTestStore(t)
	boom := errors.New("boom")

	err := s.InTransaction(context.Background(), func(ctx context.Context, tx store.GarageTx) error {
		if _, err := tx.CreateAppointment(ctx, sampleAppointment("m1", time.Date(2025, 8, 30, 10, 0, 0, 0, time.UTC))); err != nil {
			return err
		}
		if len(tx.Appointments(ctx)) != 1 {
			t.Fatalf("transaction must see its own write")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	list, _ := s.List(context.Background())
	if len(list) != 0 {
		t.Fatalf("len(list) = %d, want 0 after rollback", len(list))
	}
	if len(pub.all()) != 0 {
		t.Fatalf("rolled back transaction must not publish")
	}
}

func TestStore_UpdateKeepsCreatedAtAndIsMonotonic(t *testing.T) {
	s, pub, clock := newTestStore(t)
	a := create(t, s, sampleAppointment("m1", time.Date(2025, 8, 30, 10, 0, 0, 0, time.UTC)))

	clock.t = clock.t.Add(-time.Hour)
	a.Notes = "customer waits"
	var updated domain.Appointment
	err := s.InTransaction(context.Background(), func(ctx context.Context, tx store.GarageTx) error {
		var err error
		updated, err = tx.UpdateAppointment(ctx, a)
		return err
	})
	if err != nil {
		t.Fatalf("UpdateAppointment error: %v", err)
	}
	if !updated.CreatedAt.Equal(a.CreatedAt) {
		t.Fatalf("CreatedAt changed on update")
	}
	if updated.UpdatedAt.Before(updated.CreatedAt) {
		t.Fatalf("UpdatedAt %s before CreatedAt %s", updated.UpdatedAt, updated.CreatedAt)
	}

	changes := pub.all()
	last := changes[len(changes)-1]
	if last.Kind != domain.ChangeUpdated || last.Previous == nil || last.Previous.Notes != "" {
		t.Fatalf("update change = %+v", last)
	}
}

func TestStore_DeleteAndNotFound(t *testing.T) {
	s, pub, _ := newTestStore(t)
	a := create(t, s, sampleAppointment("m1", time.Date(2025, 8, 30, 10, 0, 0, 0, time.UTC)))

	err := s.InTransaction(context.Background(), func(ctx context.Context, tx store.GarageTx) error {
		_, err := tx.DeleteAppointment(ctx, a.ID)
		return err
	})
	if err != nil {
		t.Fatalf("DeleteAppointment error: %v", err)
	}
	if _, err := s.Get(context.Background(), a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after delete err = %v, want ErrNotFound", err)
	}

	err = s.InTransaction(context.Background(), func(ctx context.Context, tx store.GarageTx) error {
		_, err := tx.DeleteAppointment(ctx, a.ID)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}

	changes := pub.all()
	if len(changes) != 2 || changes[1].Kind != domain.ChangeDeleted || len(changes[1].Snapshot) != 0 {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestStore_IdempotentCreate(t *testing.T) {
	s, pub, _ := newTestStore(t)
	in := sampleAppointment("m1", time.Date(2025, 8, 30, 10, 0, 0, 0, time.UTC))
	in.ID = uuid.MustParse("00000000-0000-0000-0000-000000000042")

	first := create(t, s, in)
	second := create(t, s, in)
	if first.ID != second.ID || !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("replayed create returned a different appointment")
	}
	if len(pub.all()) != 1 {
		t.Fatalf("replayed create must not publish")
	}

	in.Notes = "different"
	err := s.InTransaction(context.Background(), func(ctx context.Context, tx store.GarageTx) error {
		_, err := tx.CreateAppointment(ctx, in)
		return err
	})
	if !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}
}

func TestStore_ListIsOrderedCopy(t *testing.T) {
	s, _, _ := newTestStore(t)
	late := create(t, s, sampleAppointment("m1", time.Date(2025, 8, 30, 15, 0, 0, 0, time.UTC)))
	early := create(t, s, sampleAppointment("m1", time.Date(2025, 8, 30, 9, 0, 0, 0, time.UTC)))

	list, _ := s.List(context.Background())
	if len(list) != 2 || list[0].ID != early.ID || list[1].ID != late.ID {
		t.Fatalf("list not ordered by scheduled date: %+v", list)
	}

	list[0].ServiceName = "mutated"
	again, _ := s.List(context.Background())
	if again[0].ServiceName == "mutated" {
		t.Fatalf("List exposed internal state")
	}
}

func TestStore_MechanicWorkload(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.PutMechanic(ctx, domain.Mechanic{ID: "m1", Name: "Ada", IsAvailable: true, CurrentWorkload: 99}); err != nil {
		t.Fatalf("PutMechanic error: %v", err)
	}
	m, _ := s.GetMechanic(ctx, "m1")
	if m.CurrentWorkload != 0 {
		t.Fatalf("workload = %d, want 0", m.CurrentWorkload)
	}

	a := create(t, s, sampleAppointment("m1", time.Date(2025, 8, 30, 9, 0, 0, 0, time.UTC)))
	create(t, s, sampleAppointment("m1", time.Date(2025, 8, 30, 11, 0, 0, 0, time.UTC)))
	m, _ = s.GetMechanic(ctx, "m1")
	if m.CurrentWorkload != 2 {
		t.Fatalf("workload = %d, want 2", m.CurrentWorkload)
	}

	err := s.InTransaction(ctx, func(ctx context.Context, tx store.GarageTx) error {
		a.Status = domain.StatusCancelled
		_, err := tx.UpdateAppointment(ctx, a)
		return err
	})
	if err != nil {
		t.Fatalf("UpdateAppointment error: %v", err)
	}
	m, _ = s.GetMechanic(ctx, "m1")
	if m.CurrentWorkload != 1 {
		t.Fatalf("workload after cancel = %d, want 1", m.CurrentWorkload)
	}
}

func TestStore_Restore(t *testing.T) {
	s, pub, _ := newTestStore(t)
	create(t, s, sampleAppointment("m1", time.Date(2025, 8, 30, 9, 0, 0, 0, time.UTC)))

	restored := sampleAppointment("m2", time.Date(2025, 8, 31, 9, 0, 0, 0, time.UTC))
	restored.ID = uuid.MustParse("00000000-0000-0000-0000-000000000007")
	if err := s.Restore(context.Background(), []domain.Appointment{restored}); err != nil {
		t.Fatalf("Restore error: %v", err)
	}

	list, _ := s.List(context.Background())
	if len(list) != 1 || list[0].ID != restored.ID {
		t.Fatalf("list after restore = %+v", list)
	}
	changes := pub.all()
	if changes[len(changes)-1].Kind != domain.ChangeRestored {
		t.Fatalf("last change kind = %s, want restored", changes[len(changes)-1].Kind)
	}
}

func TestStore_ReferenceCRUD(t *testing.T) {
	s, pub, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.PutCustomer(ctx, domain.Customer{ID: "cu1", Name: "Grace", Phone: "555"}); err != nil {
		t.Fatalf("PutCustomer error: %v", err)
	}
	if err := s.PutCar(ctx, domain.Car{ID: "c1", LicensePlate: "AB-123", CustomerID: "cu1"}); err != nil {
		t.Fatalf("PutCar error: %v", err)
	}
	car, err := s.GetCar(ctx, "c1")
	if err != nil || car.LicensePlate != "AB-123" {
		t.Fatalf("GetCar = %+v, %v", car, err)
	}
	if err := s.DeleteCar(ctx, "c1"); err != nil {
		t.Fatalf("DeleteCar error: %v", err)
	}
	if _, err := s.GetCar(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetCar after delete err = %v", err)
	}
	if err := s.DeleteCustomer(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("DeleteCustomer missing err = %v", err)
	}
	customers, _ := s.ListCustomers(ctx)
	if len(customers) != 1 {
		t.Fatalf("len(customers) = %d, want 1", len(customers))
	}
	if len(pub.all()) != 0 {
		t.Fatalf("reference data changes must not publish appointment snapshots")
	}
}

func TestStore_ConcurrentWritersSerialize(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.InTransaction(ctx, func(ctx context.Context, tx store.GarageTx) error {
				n := len(tx.Appointments(ctx))
				_, err := tx.CreateAppointment(ctx, sampleAppointment("m1", time.Date(2025, 8, 30, 0, n, 0, 0, time.UTC)))
				return err
			})
		}(i)
	}
	wg.Wait()

	list, _ := s.List(ctx)
	if len(list) != 50 {
		t.Fatalf("len(list) = %d, want 50", len(list))
	}
	seen := map[time.Time]bool{}
	for _, a := range list {
		if seen[a.ScheduledDate] {
			t.Fatalf("two writers read the same state: duplicate start %s", a.ScheduledDate)
		}
		seen[a.ScheduledDate] = true
	}
}
