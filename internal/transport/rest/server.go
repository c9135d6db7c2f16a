// Package rest exposes the appointment engine over JSON/HTTP.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"garage/backend/internal/domain"
	"garage/backend/internal/query"
	"garage/backend/internal/service/appointments"
)

const (
	maxBodyBytes = 1 << 20
	dateLayout   = "2006-01-02"
)

var openEnd = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

type appointmentsService interface {
	Create(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error)
	CreateOverride(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error)
	Update(ctx context.Context, id uuid.UUID, p appointments.Patch) (domain.Appointment, error)
	Transition(ctx context.Context, id uuid.UUID, status domain.Status) (domain.Appointment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	Find(ctx context.Context, f query.Filter) ([]domain.Appointment, error)
	AvailableSlots(ctx context.Context, in appointments.SlotsInput) ([]domain.AppointmentSlot, error)
	Capacity(ctx context.Context) (domain.GarageCapacity, error)
	Mechanics(ctx context.Context) ([]domain.Mechanic, error)
	Mechanic(ctx context.Context, id string) (domain.Mechanic, error)
}

type Server struct {
	svc      appointmentsService
	log      *slog.Logger
	loc      *time.Location
	observer requestObserver
	metrics  http.Handler
	limiter  *rateLimiter
	trusted  []netip.Prefix
}

type Option func(*Server)

// WithLocation sets the zone plain YYYY-MM-DD dates are read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) { s.loc = loc }
}

// WithMetrics exposes h on /metrics and reports request latency to obs.
func WithMetrics(obs requestObserver, h http.Handler) Option {
	return func(s *Server) {
		s.observer = obs
		s.metrics = h
	}
}

// WithRateLimit allows perSecond requests per client with the given burst.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = newRateLimiter(perSecond, burst)
	}
}

// WithTrustedProxies lists the peers allowed to report the client address
// through X-Forwarded-For. Without it the header is ignored.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(s *Server) { s.trusted = prefixes }
}

func NewServer(svc appointmentsService, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		svc: svc,
		log: log.With(slog.String("component", "http.appointments")),
		loc: time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument(s.observer, s.log))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.middleware(s.log, s.trusted))
	}

	api.HandleFunc("/appointments", s.createAppointment).Methods(http.MethodPost)
	api.HandleFunc("/appointments", s.listAppointments).Methods(http.MethodGet)
	api.HandleFunc("/appointments/{id}", s.getAppointment).Methods(http.MethodGet)
	api.HandleFunc("/appointments/{id}", s.updateAppointment).Methods(http.MethodPatch)
	api.HandleFunc("/appointments/{id}", s.deleteAppointment).Methods(http.MethodDelete)
	api.HandleFunc("/appointments/{id}/status", s.transitionAppointment).Methods(http.MethodPost)

	api.HandleFunc("/slots", s.availableSlots).Methods(http.MethodGet)
	api.HandleFunc("/capacity", s.capacity).Methods(http.MethodGet)
	api.HandleFunc("/mechanics", s.listMechanics).Methods(http.MethodGet)
	api.HandleFunc("/mechanics/{id}", s.getMechanic).Methods(http.MethodGet)

	return r
}

type createRequest struct {
	CarID             string    `json:"carId"`
	CustomerID        string    `json:"customerId"`
	MechanicID        string    `json:"mechanicId"`
	ServiceType       string    `json:"serviceType"`
	ServiceName       string    `json:"serviceName"`
	ScheduledDate     time.Time `json:"scheduledDate"`
	EstimatedDuration int       `json:"estimatedDuration"`
	Priority          string    `json:"priority"`
	Notes             string    `json:"notes"`
}

// POST /api/v1/appointments[?override=true]
func (s *Server) createAppointment(w http.ResponseWriter, r *http.Request) {
	log := s.log.With(slog.String("op", "createAppointment"))

	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	in := appointments.CreateInput{
		CarID:             req.CarID,
		CustomerID:        req.CustomerID,
		MechanicID:        req.MechanicID,
		ServiceType:       req.ServiceType,
		ServiceName:       req.ServiceName,
		ScheduledDate:     req.ScheduledDate,
		EstimatedDuration: req.EstimatedDuration,
		Priority:          domain.Priority(req.Priority),
		Notes:             req.Notes,
		IdempotencyKey:    idempotencyKey(r),
	}

	override, _ := strconv.ParseBool(r.URL.Query().Get("override"))
	create := s.svc.Create
	if override {
		create = s.svc.CreateOverride
	}
	appt, err := create(r.Context(), in)
	if err != nil {
		respondServiceError(w, log, "appointment create", err,
			slog.String("customer_id", req.CustomerID),
			slog.String("mechanic_id", req.MechanicID),
			slog.Time("scheduled_date", req.ScheduledDate),
		)
		return
	}

	log.Info(
		"appointment created",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("mechanic_id", appt.MechanicID),
		slog.Time("scheduled_date", appt.ScheduledDate),
		slog.Bool("override", override),
	)
	respondJSON(w, http.StatusCreated, appt)
}

// GET /api/v1/appointments
// Query params: mechanicId, customerId, carId, status, date, from, to, q, order=desc
func (s *Server) listAppointments(w http.ResponseWriter, r *http.Request) {
	log := s.log.With(slog.String("op", "listAppointments"))
	q := r.URL.Query()

	f := query.Filter{
		MechanicID: strings.TrimSpace(q.Get("mechanicId")),
		CustomerID: strings.TrimSpace(q.Get("customerId")),
		CarID:      strings.TrimSpace(q.Get("carId")),
		Status:     domain.Status(strings.TrimSpace(q.Get("status"))),
		SearchText: q.Get("q"),
		Descending: strings.EqualFold(q.Get("order"), "desc"),
	}

	if raw := q.Get("date"); raw != "" {
		day, err := s.parseDate(raw)
		if err != nil {
			log.Warn("invalid request", slog.String("reason", "invalid_date"), slog.String("date", raw))
			respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}
		f.Day = day
	}
	if from, to := q.Get("from"), q.Get("to"); from != "" || to != "" {
		rng, err := s.parseRange(from, to)
		if err != nil {
			log.Warn("invalid request", slog.String("reason", "invalid_range"), slog.Any("err", err))
			respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}
		f.DateRange = &rng
	}

	appts, err := s.svc.Find(r.Context(), f)
	if err != nil {
		respondServiceError(w, log, "appointments list", err)
		return
	}
	log.Debug("appointments listed", slog.Int("count", len(appts)))
	respondJSON(w, http.StatusOK, map[string]any{"appointments": appts})
}

// GET /api/v1/appointments/{id}
func (s *Server) getAppointment(w http.ResponseWriter, r *http.Request) {
	log := s.log.With(slog.String("op", "getAppointment"))

	id, ok := s.pathID(w, r, log)
	if !ok {
		return
	}
	appt, err := s.svc.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, log, "appointment get", err, slog.String("appointment_id", id.String()))
		return
	}
	respondJSON(w, http.StatusOK, appt)
}

type patchRequest struct {
	CarID             *string    `json:"carId"`
	CustomerID        *string    `json:"customerId"`
	MechanicID        *string    `json:"mechanicId"`
	ServiceType       *string    `json:"serviceType"`
	ServiceName       *string    `json:"serviceName"`
	ScheduledDate     *time.Time `json:"scheduledDate"`
	EstimatedDuration *int       `json:"estimatedDuration"`
	Status            *string    `json:"status"`
	Priority          *string    `json:"priority"`
	Notes             *string    `json:"notes"`
}

// PATCH /api/v1/appointments/{id}
func (s *Server) updateAppointment(w http.ResponseWriter, r *http.Request) {
	log := s.log.With(slog.String("op", "updateAppointment"))

	id, ok := s.pathID(w, r, log)
	if !ok {
		return
	}
	var req patchRequest
	if err := decodeJSON(r, &req); err != nil {
		log.Warn("invalid request", slog.Any("err", err), slog.String("appointment_id", id.String()))
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	patch := appointments.Patch{
		CarID:             req.CarID,
		CustomerID:        req.CustomerID,
		MechanicID:        req.MechanicID,
		ServiceType:       req.ServiceType,
		ServiceName:       req.ServiceName,
		ScheduledDate:     req.ScheduledDate,
		EstimatedDuration: req.EstimatedDuration,
		Notes:             req.Notes,
	}
	if req.Status != nil {
		st := domain.Status(*req.Status)
		patch.Status = &st
	}
	if req.Priority != nil {
		p := domain.Priority(*req.Priority)
		patch.Priority = &p
	}

	appt, err := s.svc.Update(r.Context(), id, patch)
	if err != nil {
		respondServiceError(w, log, "appointment update", err, slog.String("appointment_id", id.String()))
		return
	}
	log.Info("appointment updated", slog.String("appointment_id", id.String()), slog.String("status", string(appt.Status)))
	respondJSON(w, http.StatusOK, appt)
}

// POST /api/v1/appointments/{id}/status
func (s *Server) transitionAppointment(w http.ResponseWriter, r *http.Request) {
	log := s.log.With(slog.String("op", "transitionAppointment"))

	id, ok := s.pathID(w, r, log)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		log.Warn("invalid request", slog.Any("err", err), slog.String("appointment_id", id.String()))
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	appt, err := s.svc.Transition(r.Context(), id, domain.Status(req.Status))
	if err != nil {
		respondServiceError(w, log, "appointment transition", err,
			slog.String("appointment_id", id.String()),
			slog.String("status", req.Status),
		)
		return
	}
	log.Info("appointment transitioned", slog.String("appointment_id", id.String()), slog.String("status", string(appt.Status)))
	respondJSON(w, http.StatusOK, appt)
}

// DELETE /api/v1/appointments/{id}
func (s *Server) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	log := s.log.With(slog.String("op", "deleteAppointment"))

	id, ok := s.pathID(w, r, log)
	if !ok {
		return
	}
	if err := s.svc.Delete(r.Context(), id); err != nil {
		respondServiceError(w, log, "appointment delete", err, slog.String("appointment_id", id.String()))
		return
	}
	log.Info("appointment deleted", slog.String("appointment_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/slots
// Query params: date (required, YYYY-MM-DD), duration (minutes), mechanicId
func (s *Server) availableSlots(w http.ResponseWriter, r *http.Request) {
	log := s.log.With(slog.String("op", "availableSlots"))
	q := r.URL.Query()

	raw := q.Get("date")
	if raw == "" {
		log.Warn("invalid request", slog.String("reason", "missing_date"))
		respondError(w, http.StatusBadRequest, "invalid_argument", "date is required")
		return
	}
	date, err := s.parseDate(raw)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_date"), slog.String("date", raw))
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	duration := 0
	if d := q.Get("duration"); d != "" {
		duration, err = strconv.Atoi(d)
		if err != nil {
			log.Warn("invalid request", slog.String("reason", "invalid_duration"), slog.String("duration", d))
			respondError(w, http.StatusBadRequest, "invalid_argument", "duration must be a whole number of minutes")
			return
		}
	}

	slots, err := s.svc.AvailableSlots(r.Context(), appointments.SlotsInput{
		Date:            date,
		DurationMinutes: duration,
		MechanicID:      q.Get("mechanicId"),
	})
	if err != nil {
		respondServiceError(w, log, "slots query", err, slog.String("date", raw))
		return
	}
	log.Debug("slots computed", slog.String("date", raw), slog.Int("count", len(slots)))
	respondJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

// GET /api/v1/capacity
func (s *Server) capacity(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Capacity(r.Context())
	if err != nil {
		respondServiceError(w, s.log.With(slog.String("op", "capacity")), "capacity query", err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// GET /api/v1/mechanics
func (s *Server) listMechanics(w http.ResponseWriter, r *http.Request) {
	mechanics, err := s.svc.Mechanics(r.Context())
	if err != nil {
		respondServiceError(w, s.log.With(slog.String("op", "listMechanics")), "mechanics list", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mechanics": mechanics})
}

// GET /api/v1/mechanics/{id}
func (s *Server) getMechanic(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.svc.Mechanic(r.Context(), id)
	if err != nil {
		respondServiceError(w, s.log.With(slog.String("op", "getMechanic")), "mechanic get", err, slog.String("mechanic_id", id))
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, log *slog.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"))
		respondError(w, http.StatusBadRequest, "invalid_argument", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// parseDate accepts YYYY-MM-DD in the garage zone or a full RFC 3339 time.
func (s *Server) parseDate(raw string) (time.Time, error) {
	if t, err := time.ParseInLocation(dateLayout, raw, s.loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", raw)
	}
	return t, nil
}

// parseRange turns from/to days into an inclusive range spanning whole
// local days. A missing bound is open.
func (s *Server) parseRange(from, to string) (query.DateRange, error) {
	rng := query.DateRange{To: openEnd}
	if from != "" {
		t, err := s.parseDate(from)
		if err != nil {
			return rng, err
		}
		rng.From = query.DayRange(t, s.loc).From
	}
	if to != "" {
		t, err := s.parseDate(to)
		if err != nil {
			return rng, err
		}
		rng.To = query.DayRange(t, s.loc).To
	}
	if rng.To.Before(rng.From) {
		return rng, errors.New("to must not be before from")
	}
	return rng, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func idempotencyKey(r *http.Request) string {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = r.Header.Get("X-Idempotency-Key")
	}
	return strings.TrimSpace(key)
}
