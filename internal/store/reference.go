package store

import (
	"context"

	"garage/backend/internal/domain"
)

// ReferenceRepository holds cars, customers and mechanics. The scheduler only
// reads them; they are written by seeding and by the collaborators that own
// those records.
type ReferenceRepository interface {
	PutCar(ctx context.Context, car domain.Car) error
	GetCar(ctx context.Context, id string) (domain.Car, error)
	ListCars(ctx context.Context) ([]domain.Car, error)
	DeleteCar(ctx context.Context, id string) error

	PutCustomer(ctx context.Context, customer domain.Customer) error
	GetCustomer(ctx context.Context, id string) (domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error

	PutMechanic(ctx context.Context, mechanic domain.Mechanic) error
	GetMechanic(ctx context.Context, id string) (domain.Mechanic, error)
	ListMechanics(ctx context.Context) ([]domain.Mechanic, error)
	DeleteMechanic(ctx context.Context, id string) error
}
