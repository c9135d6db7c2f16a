package grpc

import (
	"google.golang.org/protobuf/types/known/timestamppb"

	"garage/backend/internal/domain"
)

type Appointment struct {
	Id                string                 `json:"id"`
	CarId             string                 `json:"carId"`
	CustomerId        string                 `json:"customerId"`
	MechanicId        string                 `json:"mechanicId"`
	ServiceType       string                 `json:"serviceType"`
	ServiceName       string                 `json:"serviceName"`
	ScheduledDate     *timestamppb.Timestamp `json:"scheduledDate"`
	EstimatedDuration int32                  `json:"estimatedDuration"`
	Status            string                 `json:"status"`
	Priority          string                 `json:"priority"`
	Notes             string                 `json:"notes,omitempty"`
	CreatedAt         *timestamppb.Timestamp `json:"createdAt"`
	UpdatedAt         *timestamppb.Timestamp `json:"updatedAt"`
}

type CreateAppointmentRequest struct {
	CarId             string                 `json:"carId"`
	CustomerId        string                 `json:"customerId"`
	MechanicId        string                 `json:"mechanicId"`
	ServiceType       string                 `json:"serviceType"`
	ServiceName       string                 `json:"serviceName"`
	ScheduledDate     *timestamppb.Timestamp `json:"scheduledDate"`
	EstimatedDuration int32                  `json:"estimatedDuration"`
	Priority          string                 `json:"priority,omitempty"`
	Notes             string                 `json:"notes,omitempty"`

	// Override books without conflict or capacity checks.
	Override bool `json:"override,omitempty"`
}

type AppointmentResponse struct {
	Appointment *Appointment `json:"appointment"`
}

type GetAppointmentRequest struct {
	Id string `json:"id"`
}

// UpdateAppointmentRequest only changes the fields that are set.
type UpdateAppointmentRequest struct {
	Id                string                 `json:"id"`
	CarId             *string                `json:"carId,omitempty"`
	CustomerId        *string                `json:"customerId,omitempty"`
	MechanicId        *string                `json:"mechanicId,omitempty"`
	ServiceType       *string                `json:"serviceType,omitempty"`
	ServiceName       *string                `json:"serviceName,omitempty"`
	ScheduledDate     *timestamppb.Timestamp `json:"scheduledDate,omitempty"`
	EstimatedDuration *int32                 `json:"estimatedDuration,omitempty"`
	Status            *string                `json:"status,omitempty"`
	Priority          *string                `json:"priority,omitempty"`
	Notes             *string                `json:"notes,omitempty"`
}

type TransitionAppointmentRequest struct {
	Id     string `json:"id"`
	Status string `json:"status"`
}

type DeleteAppointmentRequest struct {
	Id string `json:"id"`
}

type DeleteAppointmentResponse struct{}

// ListAppointmentsRequest filters combine with AND; an empty request lists
// everything.
type ListAppointmentsRequest struct {
	MechanicId string                 `json:"mechanicId,omitempty"`
	CustomerId string                 `json:"customerId,omitempty"`
	CarId      string                 `json:"carId,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Date       *timestamppb.Timestamp `json:"date,omitempty"`
	SearchText string                 `json:"searchText,omitempty"`
	Descending bool                   `json:"descending,omitempty"`
}

type ListAppointmentsResponse struct {
	Appointments []*Appointment `json:"appointments"`
}

type AvailableSlotsRequest struct {
	Date            *timestamppb.Timestamp `json:"date"`
	DurationMinutes int32                  `json:"durationMinutes,omitempty"`
	MechanicId      string                 `json:"mechanicId,omitempty"`
}

type Slot struct {
	StartTime      *timestamppb.Timestamp `json:"startTime"`
	EndTime        *timestamppb.Timestamp `json:"endTime"`
	IsAvailable    bool                   `json:"isAvailable"`
	MechanicId     string                 `json:"mechanicId,omitempty"`
	ConflictReason string                 `json:"conflictReason,omitempty"`
}

type AvailableSlotsResponse struct {
	Slots []*Slot `json:"slots"`
}

type GetCapacityRequest struct{}

type Capacity struct {
	TotalLifts         int32  `json:"totalLifts"`
	AvailableLifts     int32  `json:"availableLifts"`
	TotalMechanics     int32  `json:"totalMechanics"`
	AvailableMechanics int32  `json:"availableMechanics"`
	WorkingHoursStart  string `json:"workingHoursStart"`
	WorkingHoursEnd    string `json:"workingHoursEnd"`
}

type WatchAppointmentsRequest struct{}

// ChangeEvent is streamed by WatchAppointments. The first event of every
// stream has kind "snapshot" and carries the current collection.
type ChangeEvent struct {
	Seq         uint64                 `json:"seq"`
	Kind        string                 `json:"kind"`
	Appointment *Appointment           `json:"appointment,omitempty"`
	Snapshot    []*Appointment         `json:"snapshot"`
	At          *timestamppb.Timestamp `json:"at"`
}

const initialSnapshotKind = "snapshot"

func toProtoAppointment(a domain.Appointment) *Appointment {
	return &Appointment{
		Id:                a.ID.String(),
		CarId:             a.CarID,
		CustomerId:        a.CustomerID,
		MechanicId:        a.MechanicID,
		ServiceType:       a.ServiceType,
		ServiceName:       a.ServiceName,
		ScheduledDate:     timestamppb.New(a.ScheduledDate),
		EstimatedDuration: int32(a.EstimatedDuration),
		Status:            string(a.Status),
		Priority:          string(a.Priority),
		Notes:             a.Notes,
		CreatedAt:         timestamppb.New(a.CreatedAt),
		UpdatedAt:         timestamppb.New(a.UpdatedAt),
	}
}

func toProtoAppointments(appts []domain.Appointment) []*Appointment {
	out := make([]*Appointment, 0, len(appts))
	for _, a := range appts {
		out = append(out, toProtoAppointment(a))
	}
	return out
}

func toProtoSlot(s domain.AppointmentSlot) *Slot {
	return &Slot{
		StartTime:      timestamppb.New(s.StartTime),
		EndTime:        timestamppb.New(s.EndTime),
		IsAvailable:    s.IsAvailable,
		MechanicId:     s.MechanicID,
		ConflictReason: s.ConflictReason,
	}
}

func toProtoCapacity(c domain.GarageCapacity) *Capacity {
	return &Capacity{
		TotalLifts:         int32(c.TotalLifts),
		AvailableLifts:     int32(c.AvailableLifts),
		TotalMechanics:     int32(c.TotalMechanics),
		AvailableMechanics: int32(c.AvailableMechanics),
		WorkingHoursStart:  c.WorkingHours.Start,
		WorkingHoursEnd:    c.WorkingHours.End,
	}
}

func toProtoChange(c domain.Change) *ChangeEvent {
	ev := &ChangeEvent{
		Seq:      c.Seq,
		Kind:     string(c.Kind),
		Snapshot: toProtoAppointments(c.Snapshot),
		At:       timestamppb.New(c.At),
	}
	if c.Kind != domain.ChangeRestored {
		ev.Appointment = toProtoAppointment(c.Appointment)
	}
	return ev
}
