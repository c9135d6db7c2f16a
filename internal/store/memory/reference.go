package memory

import (
	"context"
	"slices"
	"sort"

	"garage/backend/internal/domain"
	"garage/backend/internal/store"
)

// updateReference applies fn to a copy of the committed state. Reference
// data changes do not publish appointment changes.
func (s *Store) updateReference(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.committed().clone()
	if err := fn(next); err != nil {
		return err
	}
	next.reindex()

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	return nil
}

func (s *Store) PutCar(ctx context.Context, car domain.Car) error {
	return s.updateReference(ctx, func(st *state) error {
		st.cars[car.ID] = car
		return nil
	})
}

func (s *Store) GetCar(ctx context.Context, id string) (domain.Car, error) {
	c, ok := s.committed().cars[id]
	if !ok {
		return domain.Car{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListCars(ctx context.Context) ([]domain.Car, error) {
	cars := s.committed().cars
	out := make([]domain.Car, 0, len(cars))
	for _, c := range cars {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteCar(ctx context.Context, id string) error {
	return s.updateReference(ctx, func(st *state) error {
		if _, ok := st.cars[id]; !ok {
			return store.ErrNotFound
		}
		delete(st.cars, id)
		return nil
	})
}

func (s *Store) PutCustomer(ctx context.Context, customer domain.Customer) error {
	return s.updateReference(ctx, func(st *state) error {
		st.customers[customer.ID] = customer
		return nil
	})
}

func (s *Store) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	c, ok := s.committed().customers[id]
	if !ok {
		return domain.Customer{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	customers := s.committed().customers
	out := make([]domain.Customer, 0, len(customers))
	for _, c := range customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	return s.updateReference(ctx, func(st *state) error {
		if _, ok := st.customers[id]; !ok {
			return store.ErrNotFound
		}
		delete(st.customers, id)
		return nil
	})
}

// PutMechanic stores m. CurrentWorkload is owned by the store and is
// recomputed from the appointments, whatever the caller passed.
func (s *Store) PutMechanic(ctx context.Context, m domain.Mechanic) error {
	m.Specialties = slices.Clone(m.Specialties)
	return s.updateReference(ctx, func(st *state) error {
		m.CurrentWorkload = 0
		st.mechanics[m.ID] = m
		return nil
	})
}

func (s *Store) GetMechanic(ctx context.Context, id string) (domain.Mechanic, error) {
	m, ok := s.committed().mechanics[id]
	if !ok {
		return domain.Mechanic{}, store.ErrNotFound
	}
	m.Specialties = slices.Clone(m.Specialties)
	return m, nil
}

func (s *Store) ListMechanics(ctx context.Context) ([]domain.Mechanic, error) {
	return sortedMechanics(s.committed().mechanics), nil
}

func (s *Store) DeleteMechanic(ctx context.Context, id string) error {
	return s.updateReference(ctx, func(st *state) error {
		if _, ok := st.mechanics[id]; !ok {
			return store.ErrNotFound
		}
		delete(st.mechanics, id)
		return nil
	})
}

func sortedMechanics(mechanics map[string]domain.Mechanic) []domain.Mechanic {
	out := make([]domain.Mechanic, 0, len(mechanics))
	for _, m := range mechanics {
		m.Specialties = slices.Clone(m.Specialties)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
