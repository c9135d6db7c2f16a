package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"garage/backend/internal/domain"
	"garage/backend/internal/notify"
	"garage/backend/internal/query"
	"garage/backend/internal/service/appointments"
	"garage/backend/internal/store"
)

type AppointmentsServer struct {
	svc appointmentsService
	log *slog.Logger
}

type appointmentsService interface {
	Create(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error)
	CreateOverride(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error)
	Update(ctx context.Context, id uuid.UUID, p appointments.Patch) (domain.Appointment, error)
	Transition(ctx context.Context, id uuid.UUID, status domain.Status) (domain.Appointment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	List(ctx context.Context) ([]domain.Appointment, error)
	Find(ctx context.Context, f query.Filter) ([]domain.Appointment, error)
	AvailableSlots(ctx context.Context, in appointments.SlotsInput) ([]domain.AppointmentSlot, error)
	Capacity(ctx context.Context) (domain.GarageCapacity, error)
	Subscribe(name string, fn func(domain.Change)) (*notify.Subscription[domain.Change], error)
}

func NewAppointmentsServer(svc appointmentsService, log *slog.Logger) *AppointmentsServer {
	if log == nil {
		log = slog.Default()
	}
	return &AppointmentsServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.appointments")),
	}
}

func (s *AppointmentsServer) CreateAppointment(ctx context.Context, req *CreateAppointmentRequest) (*AppointmentResponse, error) {
	log := s.log.With(slog.String("rpc", "CreateAppointment"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.ScheduledDate == nil {
		log.Warn("invalid request", slog.String("reason", "missing_scheduled_date"), slog.String("customer_id", req.CustomerId))
		return nil, status.Error(codes.InvalidArgument, "scheduledDate is required")
	}

	in := appointments.CreateInput{
		CarID:             req.CarId,
		CustomerID:        req.CustomerId,
		MechanicID:        req.MechanicId,
		ServiceType:       req.ServiceType,
		ServiceName:       req.ServiceName,
		ScheduledDate:     req.ScheduledDate.AsTime(),
		EstimatedDuration: int(req.EstimatedDuration),
		Priority:          domain.Priority(req.Priority),
		Notes:             req.Notes,
		IdempotencyKey:    idempotencyKey(ctx),
	}

	create := s.svc.Create
	if req.Override {
		create = s.svc.CreateOverride
	}
	appt, err := create(ctx, in)
	if err != nil {
		return nil, s.statusError(log, "appointment create", err,
			slog.String("customer_id", req.CustomerId),
			slog.String("mechanic_id", req.MechanicId),
			slog.Time("scheduled_date", in.ScheduledDate),
		)
	}

	log.Info(
		"appointment created",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("mechanic_id", appt.MechanicID),
		slog.Time("scheduled_date", appt.ScheduledDate),
		slog.Int("duration_minutes", appt.EstimatedDuration),
		slog.Bool("override", req.Override),
	)
	return &AppointmentResponse{Appointment: toProtoAppointment(appt)}, nil
}

func (s *AppointmentsServer) UpdateAppointment(ctx context.Context, req *UpdateAppointmentRequest) (*AppointmentResponse, error) {
	log := s.log.With(slog.String("rpc", "UpdateAppointment"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	id, err := parseID(req.Id)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"))
		return nil, err
	}

	patch := appointments.Patch{
		CarID:       req.CarId,
		CustomerID:  req.CustomerId,
		MechanicID:  req.MechanicId,
		ServiceType: req.ServiceType,
		ServiceName: req.ServiceName,
		Notes:       req.Notes,
	}
	if req.ScheduledDate != nil {
		t := req.ScheduledDate.AsTime()
		patch.ScheduledDate = &t
	}
	if req.EstimatedDuration != nil {
		d := int(*req.EstimatedDuration)
		patch.EstimatedDuration = &d
	}
	if req.Status != nil {
		st := domain.Status(*req.Status)
		patch.Status = &st
	}
	if req.Priority != nil {
		p := domain.Priority(*req.Priority)
		patch.Priority = &p
	}

	appt, err := s.svc.Update(ctx, id, patch)
	if err != nil {
		return nil, s.statusError(log, "appointment update", err, slog.String("appointment_id", id.String()))
	}

	log.Info("appointment updated", slog.String("appointment_id", id.String()), slog.String("status", string(appt.Status)))
	return &AppointmentResponse{Appointment: toProtoAppointment(appt)}, nil
}

func (s *AppointmentsServer) TransitionAppointment(ctx context.Context, req *TransitionAppointmentRequest) (*AppointmentResponse, error) {
	log := s.log.With(slog.String("rpc", "TransitionAppointment"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	id, err := parseID(req.Id)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"))
		return nil, err
	}

	appt, err := s.svc.Transition(ctx, id, domain.Status(req.Status))
	if err != nil {
		return nil, s.statusError(log, "appointment transition", err,
			slog.String("appointment_id", id.String()),
			slog.String("status", req.Status),
		)
	}

	log.Info("appointment transitioned", slog.String("appointment_id", id.String()), slog.String("status", string(appt.Status)))
	return &AppointmentResponse{Appointment: toProtoAppointment(appt)}, nil
}

func (s *AppointmentsServer) DeleteAppointment(ctx context.Context, req *DeleteAppointmentRequest) (*DeleteAppointmentResponse, error) {
	log := s.log.With(slog.String("rpc", "DeleteAppointment"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	id, err := parseID(req.Id)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"))
		return nil, err
	}

	if err := s.svc.Delete(ctx, id); err != nil {
		return nil, s.statusError(log, "appointment delete", err, slog.String("appointment_id", id.String()))
	}

	log.Info("appointment deleted", slog.String("appointment_id", id.String()))
	return &DeleteAppointmentResponse{}, nil
}

func (s *AppointmentsServer) GetAppointment(ctx context.Context, req *GetAppointmentRequest) (*AppointmentResponse, error) {
	log := s.log.With(slog.String("rpc", "GetAppointment"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	id, err := parseID(req.Id)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"))
		return nil, err
	}

	appt, err := s.svc.Get(ctx, id)
	if err != nil {
		return nil, s.statusError(log, "appointment get", err, slog.String("appointment_id", id.String()))
	}
	return &AppointmentResponse{Appointment: toProtoAppointment(appt)}, nil
}

func (s *AppointmentsServer) ListAppointments(ctx context.Context, req *ListAppointmentsRequest) (*ListAppointmentsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListAppointments"))

	if req == nil {
		req = &ListAppointmentsRequest{}
	}
	f := query.Filter{
		MechanicID: strings.TrimSpace(req.MechanicId),
		CustomerID: strings.TrimSpace(req.CustomerId),
		CarID:      strings.TrimSpace(req.CarId),
		Status:     domain.Status(strings.TrimSpace(req.Status)),
		SearchText: req.SearchText,
		Descending: req.Descending,
	}
	if req.Date != nil {
		f.Day = req.Date.AsTime()
	}

	appts, err := s.svc.Find(ctx, f)
	if err != nil {
		return nil, s.statusError(log, "appointments list", err)
	}

	log.Debug(
		"appointments listed",
		slog.Int("count", len(appts)),
		slog.String("mechanic_id", f.MechanicID),
		slog.String("status", string(f.Status)),
	)
	return &ListAppointmentsResponse{Appointments: toProtoAppointments(appts)}, nil
}

func (s *AppointmentsServer) AvailableSlots(ctx context.Context, req *AvailableSlotsRequest) (*AvailableSlotsResponse, error) {
	log := s.log.With(slog.String("rpc", "AvailableSlots"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.Date == nil {
		log.Warn("invalid request", slog.String("reason", "missing_date"))
		return nil, status.Error(codes.InvalidArgument, "date is required")
	}

	slots, err := s.svc.AvailableSlots(ctx, appointments.SlotsInput{
		Date:            req.Date.AsTime(),
		DurationMinutes: int(req.DurationMinutes),
		MechanicID:      req.MechanicId,
	})
	if err != nil {
		return nil, s.statusError(log, "slots query", err, slog.Time("date", req.Date.AsTime()))
	}

	out := make([]*Slot, 0, len(slots))
	for _, slot := range slots {
		out = append(out, toProtoSlot(slot))
	}
	log.Debug("slots computed", slog.Time("date", req.Date.AsTime()), slog.Int("count", len(out)))
	return &AvailableSlotsResponse{Slots: out}, nil
}

func (s *AppointmentsServer) GetCapacity(ctx context.Context, _ *GetCapacityRequest) (*Capacity, error) {
	log := s.log.With(slog.String("rpc", "GetCapacity"))

	c, err := s.svc.Capacity(ctx)
	if err != nil {
		return nil, s.statusError(log, "capacity query", err)
	}
	return toProtoCapacity(c), nil
}

// WatchAppointments streams a snapshot of the collection followed by every
// committed change until the client goes away.
func (s *AppointmentsServer) WatchAppointments(_ *WatchAppointmentsRequest, stream changeStream) error {
	log := s.log.With(slog.String("rpc", "WatchAppointments"))
	ctx := stream.Context()

	changes := make(chan domain.Change, 64)
	overflow := make(chan struct{})
	sub, err := s.svc.Subscribe("grpc.watch", func(c domain.Change) {
		select {
		case changes <- c:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	})
	if err != nil {
		if errors.Is(err, appointments.ErrNoSubscriptions) {
			return status.Error(codes.Unimplemented, "change notifications are not enabled")
		}
		return s.statusError(log, "watch subscribe", err)
	}
	defer sub.Unsubscribe()

	// Subscribing before listing means a change racing the snapshot shows
	// up twice instead of being lost. Clients order by Seq.
	appts, err := s.svc.List(ctx)
	if err != nil {
		return s.statusError(log, "watch snapshot", err)
	}
	initial := &ChangeEvent{
		Kind:     initialSnapshotKind,
		Snapshot: toProtoAppointments(appts),
		At:       timestamppb.New(time.Now()),
	}
	if err := stream.Send(initial); err != nil {
		return err
	}

	log.Debug("watch started", slog.Int("snapshot_count", len(appts)))
	for {
		select {
		case <-ctx.Done():
			log.Debug("watch ended", slog.Any("err", ctx.Err()))
			return nil
		case <-overflow:
			log.Warn("watch client too slow; closing stream")
			return status.Error(codes.ResourceExhausted, "client is not keeping up with changes")
		case c := <-changes:
			if err := stream.Send(toProtoChange(c)); err != nil {
				log.Debug("watch send failed", slog.Any("err", err))
				return err
			}
		}
	}
}

// statusError maps service errors onto gRPC codes. Expected failures log at
// Info or Warn; everything else logs at Error and is hidden from the caller.
func (s *AppointmentsServer) statusError(log *slog.Logger, op string, err error, attrs ...any) error {
	args := append([]any{slog.Any("err", err)}, attrs...)

	var vErr *appointments.ValidationError
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", args...)
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, store.ErrNotFound):
		log.Info(op+" not found", args...)
		return status.Error(codes.NotFound, "appointment not found")
	case errors.Is(err, store.ErrConflict):
		log.Info(op+" conflict", args...)
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info(op+" idempotency conflict", args...)
		return status.Error(codes.FailedPrecondition, "This request key was already used for a different appointment. Try again.")
	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info(op+" rejected", args...)
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrCapacityExceeded):
		log.Info(op+" over capacity", args...)
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn(op+" timed out", args...)
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	default:
		log.Error(op+" failed", args...)
		return status.Error(codes.Internal, "internal error")
	}
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "id must be a UUID")
	}
	return id, nil
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
