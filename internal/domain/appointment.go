package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether an appointment in this state counts towards a
// mechanic's workload.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusInProgress
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments,alias:a"`

	ID                uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	CarID             string    `bun:"car_id,notnull" json:"carId"`
	CustomerID        string    `bun:"customer_id,notnull" json:"customerId"`
	MechanicID        string    `bun:"mechanic_id,notnull" json:"mechanicId"`
	ServiceType       string    `bun:"service_type,notnull" json:"serviceType"`
	ServiceName       string    `bun:"service_name,notnull" json:"serviceName"`
	ScheduledDate     time.Time `bun:"scheduled_date,notnull" json:"scheduledDate"`
	EstimatedDuration int       `bun:"estimated_duration,notnull" json:"estimatedDuration"`
	Status            Status    `bun:"status,notnull" json:"status"`
	Priority          Priority  `bun:"priority,notnull" json:"priority"`
	Notes             string    `bun:"notes" json:"notes,omitempty"`
	CreatedAt         time.Time `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt         time.Time `bun:"updated_at,notnull" json:"updatedAt"`
}

// End returns the exclusive end of the appointment interval.
func (a Appointment) End() time.Time {
	return a.ScheduledDate.Add(time.Duration(a.EstimatedDuration) * time.Minute)
}

func (a Appointment) Cancelled() bool {
	return a.Status == StatusCancelled
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	}
	return nil
}

// AppointmentSlot is a candidate booking window. It is never persisted.
type AppointmentSlot struct {
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	IsAvailable    bool      `json:"isAvailable"`
	MechanicID     string    `json:"mechanicId,omitempty"`
	ConflictReason string    `json:"conflictReason,omitempty"`
}
