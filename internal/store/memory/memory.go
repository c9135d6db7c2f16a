// Package memory is the authoritative in-process entity store.
//
// Writers are serialized by a mutex and work on a copy of the committed
// state; a successful transaction swaps the copy in with a single pointer
// store. Readers take a short read lock to grab the committed state and
// never observe a half-applied transaction.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"garage/backend/internal/domain"
	"garage/backend/internal/store"
)

var (
	_ store.AppointmentRepository = (*Store)(nil)
	_ store.ReferenceRepository   = (*Store)(nil)
)

type Store struct {
	writeMu sync.Mutex

	mu    sync.RWMutex
	state *state

	seq       uint64
	now       func() time.Time
	newID     func() (uuid.UUID, error)
	publisher store.Publisher
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(fn func() (uuid.UUID, error)) Option {
	return func(s *Store) { s.newID = fn }
}

func WithPublisher(p store.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

func New(opts ...Option) *Store {
	s := &Store{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewV7,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type state struct {
	appointments map[uuid.UUID]domain.Appointment
	sorted       []domain.Appointment
	cars         map[string]domain.Car
	customers    map[string]domain.Customer
	mechanics    map[string]domain.Mechanic
}

func newState() *state {
	return &state{
		appointments: map[uuid.UUID]domain.Appointment{},
		sorted:       []domain.Appointment{},
		cars:         map[string]domain.Car{},
		customers:    map[string]domain.Customer{},
		mechanics:    map[string]domain.Mechanic{},
	}
}

// clone copies the maps a transaction may write. Committed maps are never
// mutated in place.
func (st *state) clone() *state {
	return &state{
		appointments: cloneMap(st.appointments),
		sorted:       st.sorted,
		cars:         cloneMap(st.cars),
		customers:    cloneMap(st.customers),
		mechanics:    cloneMap(st.mechanics),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st *state) reindex() {
	sorted := make([]domain.Appointment, 0, len(st.appointments))
	workload := make(map[string]int, len(st.mechanics))
	for _, a := range st.appointments {
		sorted = append(sorted, a)
		if a.Status.Active() {
			workload[a.MechanicID]++
		}
	}
	sortAppointments(sorted)
	st.sorted = sorted

	for id, m := range st.mechanics {
		if m.CurrentWorkload != workload[id] {
			m.CurrentWorkload = workload[id]
			st.mechanics[id] = m
		}
	}
}

func sortAppointments(appts []domain.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if !appts[i].ScheduledDate.Equal(appts[j].ScheduledDate) {
			return appts[i].ScheduledDate.Before(appts[j].ScheduledDate)
		}
		return appts[i].ID.String() < appts[j].ID.String()
	})
}

func (s *Store) committed() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	a, ok := s.committed().appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Appointment, error) {
	return slices.Clone(s.committed().sorted), nil
}

func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.GarageTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t := &memTx{store: s, next: s.committed().clone()}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if len(t.changes) == 0 {
		return nil
	}
	s.commit(t.next, t.changes)
	return nil
}

// Restore replaces every appointment, typically with rows loaded from a
// durable mirror at startup. It publishes a single restored change.
func (s *Store) Restore(ctx context.Context, appts []domain.Appointment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.committed().clone()
	next.appointments = make(map[uuid.UUID]domain.Appointment, len(appts))
	for _, a := range appts {
		next.appointments[a.ID] = a
	}
	s.commit(next, []domain.Change{{Kind: domain.ChangeRestored}})
	return nil
}

func (s *Store) commit(next *state, changes []domain.Change) {
	next.reindex()

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	if s.publisher == nil {
		return
	}
	at := s.now()
	for _, c := range changes {
		s.seq++
		c.Seq = s.seq
		c.At = at
		c.Snapshot = slices.Clone(next.sorted)
		s.publisher.Publish(c)
	}
}

type memTx struct {
	store   *Store
	next    *state
	changes []domain.Change
}

func (t *memTx) Appointments(ctx context.Context) []domain.Appointment {
	out := make([]domain.Appointment, 0, len(t.next.appointments))
	for _, a := range t.next.appointments {
		out = append(out, a)
	}
	sortAppointments(out)
	return out
}

func (t *memTx) Mechanics(ctx context.Context) []domain.Mechanic {
	return sortedMechanics(t.next.mechanics)
}

func (t *memTx) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	a, ok := t.next.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (t *memTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if appt.ID == uuid.Nil {
		id, err := t.store.newID()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	} else if existing, ok := t.next.appointments[appt.ID]; ok {
		if !sameBooking(existing, appt) {
			return domain.Appointment{}, store.ErrIdempotencyConflict
		}
		return existing, nil
	}

	now := t.store.now()
	appt.CreatedAt = now
	appt.UpdatedAt = now
	t.next.appointments[appt.ID] = appt
	t.changes = append(t.changes, domain.Change{Kind: domain.ChangeCreated, Appointment: appt})
	return appt, nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	prev, ok := t.next.appointments[appt.ID]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}

	appt.CreatedAt = prev.CreatedAt
	appt.UpdatedAt = t.store.now()
	if appt.UpdatedAt.Before(prev.UpdatedAt) {
		appt.UpdatedAt = prev.UpdatedAt
	}
	t.next.appointments[appt.ID] = appt
	t.changes = append(t.changes, domain.Change{Kind: domain.ChangeUpdated, Appointment: appt, Previous: &prev})
	return appt, nil
}

func (t *memTx) DeleteAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	prev, ok := t.next.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	delete(t.next.appointments, id)
	t.changes = append(t.changes, domain.Change{Kind: domain.ChangeDeleted, Appointment: prev, Previous: &prev})
	return prev, nil
}

// sameBooking compares the caller-supplied fields of two appointments, the
// way a retried create carrying the same idempotency key is recognised.
func sameBooking(a, b domain.Appointment) bool {
	return a.CarID == b.CarID &&
		a.CustomerID == b.CustomerID &&
		a.MechanicID == b.MechanicID &&
		a.ServiceType == b.ServiceType &&
		a.ServiceName == b.ServiceName &&
		a.ScheduledDate.Equal(b.ScheduledDate) &&
		a.EstimatedDuration == b.EstimatedDuration &&
		a.Priority == b.Priority &&
		a.Notes == b.Notes
}
