package store

import (
	"context"

	"github.com/google/uuid"

	"garage/backend/internal/domain"
)

// AppointmentRepository is the single-writer entity store. Every mutation
// runs inside InTransaction; a transaction either commits all of its
// changes or none of them.
type AppointmentRepository interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx GarageTx) error) error
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	// List returns a copy of every appointment ordered by scheduled date.
	List(ctx context.Context) ([]domain.Appointment, error)
}

// GarageTx is the view of the store inside a write transaction. Reads see
// the writes made earlier in the same transaction.
type GarageTx interface {
	Appointments(ctx context.Context) []domain.Appointment
	Mechanics(ctx context.Context) []domain.Mechanic
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
}

// Publisher receives one change per committed mutation, in commit order.
type Publisher interface {
	Publish(change domain.Change)
}
