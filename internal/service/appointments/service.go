package appointments

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"garage/backend/internal/domain"
	"garage/backend/internal/metrics"
	"garage/backend/internal/notify"
	"garage/backend/internal/query"
	"garage/backend/internal/scheduling"
	"garage/backend/internal/settings"
	"garage/backend/internal/store"
)

const maxDurationMinutes = 24 * 60

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

var ErrNoSubscriptions = errors.New("change notifications are not configured")

type Service struct {
	repo     store.AppointmentRepository
	refs     store.ReferenceRepository
	changes  *notify.Broker[domain.Change]
	settings settings.Settings
	loc      *time.Location
	scope    scheduling.Scope

	enforceCapacity  bool
	truncateTrailing bool

	metrics metrics.Recorder
	log     *slog.Logger
}

type Option func(*Service)

func WithSettings(s settings.Settings) Option {
	return func(svc *Service) { svc.settings = s }
}

// WithLocation sets the garage time zone used for day boundaries and
// opening hours.
func WithLocation(loc *time.Location) Option {
	return func(svc *Service) { svc.loc = loc }
}

func WithConflictScope(scope scheduling.Scope) Option {
	return func(svc *Service) { svc.scope = scope }
}

func WithCapacityEnforcement(enabled bool) Option {
	return func(svc *Service) { svc.enforceCapacity = enabled }
}

func WithTrailingSlotsTruncated(truncate bool) Option {
	return func(svc *Service) { svc.truncateTrailing = truncate }
}

func WithChanges(b *notify.Broker[domain.Change]) Option {
	return func(svc *Service) { svc.changes = b }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(svc *Service) { svc.metrics = r }
}

func WithLogger(log *slog.Logger) Option {
	return func(svc *Service) { svc.log = log }
}

func NewService(repo store.AppointmentRepository, refs store.ReferenceRepository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		refs:     refs,
		settings: settings.Default(),
		loc:      time.UTC,
		scope:    scheduling.ScopeMechanic,
		metrics:  metrics.Nop{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "service.appointments"))
	return s
}

type CreateInput struct {
	CarID             string
	CustomerID        string
	MechanicID        string
	ServiceType       string
	ServiceName       string
	ScheduledDate     time.Time
	EstimatedDuration int
	Priority          domain.Priority
	Notes             string
	IdempotencyKey    string
}

// Create books an appointment. The interval must not collide with another
// active appointment under the configured conflict scope.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Appointment, error) {
	appt, err := s.newAppointment(in)
	if err != nil {
		s.metrics.Booking(metrics.OutcomeInvalid)
		return domain.Appointment{}, err
	}

	var created domain.Appointment
	err = s.repo.InTransaction(ctx, func(ctx context.Context, tx store.GarageTx) error {
		if appt.ID != uuid.Nil {
			if _, err := tx.GetAppointment(ctx, appt.ID); err == nil {
				created, err = tx.CreateAppointment(ctx, appt)
				return err
			}
		}
		if err := s.checkBooking(ctx, tx, appt, uuid.Nil); err != nil {
			return err
		}
		var err error
		created, err = tx.CreateAppointment(ctx, appt)
		return err
	})
	s.recordBooking(err)
	if err != nil {
		return domain.Appointment{}, err
	}
	return created, nil
}

// CreateOverride stores an appointment without conflict or capacity
// checks. Field validation still applies.
func (s *Service) CreateOverride(ctx context.Context, in CreateInput) (domain.Appointment, error) {
	appt, err := s.newAppointment(in)
	if err != nil {
		s.metrics.Booking(metrics.OutcomeInvalid)
		return domain.Appointment{}, err
	}

	var created domain.Appointment
	err = s.repo.InTransaction(ctx, func(ctx context.Context, tx store.GarageTx) error {
		var err error
		created, err = tx.CreateAppointment(ctx, appt)
		return err
	})
	if err != nil {
		s.metrics.Booking(metrics.OutcomeError)
		return domain.Appointment{}, err
	}
	s.metrics.Booking(metrics.OutcomeOverride)
	s.log.Warn("appointment created without scheduling checks",
		slog.String("appointment_id", created.ID.String()),
		slog.String("mechanic_id", created.MechanicID),
		slog.Time("scheduled_date", created.ScheduledDate),
	)
	return created, nil
}

func (s *Service) newAppointment(in CreateInput) (domain.Appointment, error) {
	carID := strings.TrimSpace(in.CarID)
	customerID := strings.TrimSpace(in.CustomerID)
	mechanicID := strings.TrimSpace(in.MechanicID)
	switch {
	case carID == "":
		return domain.Appointment{}, validationError("carId is required")
	case customerID == "":
		return domain.Appointment{}, validationError("customerId is required")
	case mechanicID == "":
		return domain.Appointment{}, validationError("mechanicId is required")
	}
	if in.ScheduledDate.IsZero() {
		return domain.Appointment{}, validationError("scheduledDate is required")
	}
	if err := validateDuration(in.EstimatedDuration); err != nil {
		return domain.Appointment{}, err
	}

	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !priority.Valid() {
		return domain.Appointment{}, validationError("invalid priority")
	}

	serviceType := strings.TrimSpace(in.ServiceType)
	serviceName := strings.TrimSpace(in.ServiceName)
	if serviceName == "" {
		serviceName = serviceType
	}

	appt := domain.Appointment{
		CarID:             carID,
		CustomerID:        customerID,
		MechanicID:        mechanicID,
		ServiceType:       serviceType,
		ServiceName:       serviceName,
		ScheduledDate:     in.ScheduledDate.UTC(),
		EstimatedDuration: in.EstimatedDuration,
		Status:            domain.StatusScheduled,
		Priority:          priority,
		Notes:             in.Notes,
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > 256 {
			return domain.Appointment{}, validationError("idempotencyKey too long")
		}
		appt.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("garage:create_appointment:"+customerID+":"+key))
	}
	return appt, nil
}

func validateDuration(minutes int) error {
	if minutes <= 0 {
		return validationError("estimatedDuration must be positive")
	}
	if minutes > maxDurationMinutes {
		return validationError("estimatedDuration too long")
	}
	return nil
}

// checkBooking runs inside the write transaction so the conflict and
// capacity decisions see the same state the write commits against.
func (s *Service) checkBooking(ctx context.Context, tx store.GarageTx, appt domain.Appointment, exclude uuid.UUID) error {
	local := appt.ScheduledDate.In(s.loc)
	window, open := s.settings.HoursOn(local.Weekday())
	if !open {
		return fmt.Errorf("%w: garage closed on %s", store.ErrConflict, local.Weekday())
	}
	if window.HasLunch() {
		breaks := []scheduling.Break{{Start: window.LunchStart, End: window.LunchEnd}}
		if _, ok := scheduling.BreakAt(breaks, s.loc, appt.ScheduledDate, appt.End()); ok {
			return fmt.Errorf("%w: overlaps lunch break", store.ErrConflict)
		}
	}

	appts := tx.Appointments(ctx)
	c := scheduling.Candidate{
		Start:      appt.ScheduledDate,
		End:        appt.End(),
		MechanicID: appt.MechanicID,
		ExcludeID:  exclude,
		Buffer:     s.settings.Buffer(),
	}
	if other, ok := scheduling.FindConflict(appts, c, s.scope); ok {
		return fmt.Errorf("%w: %s", store.ErrConflict, scheduling.ConflictReason(other))
	}
	if s.enforceCapacity {
		if reason, exceeded := scheduling.CheckCapacity(appts, c, s.capacityRules(tx.Mechanics(ctx))); exceeded {
			return fmt.Errorf("%w: %s", store.ErrCapacityExceeded, reason)
		}
	}
	return nil
}

func (s *Service) capacityRules(mechanics []domain.Mechanic) scheduling.CapacityRules {
	if !s.enforceCapacity {
		return scheduling.CapacityRules{}
	}
	return scheduling.CapacityRules{
		ConcurrencyLimit: s.settings.Capacity(mechanics).ConcurrencyLimit(),
		MaxDaily:         s.settings.MaxDailyAppointments,
		Location:         s.loc,
	}
}

func (s *Service) recordBooking(err error) {
	var vErr *ValidationError
	switch {
	case err == nil:
		s.metrics.Booking(metrics.OutcomeBooked)
	case errors.Is(err, store.ErrConflict):
		s.metrics.Booking(metrics.OutcomeConflict)
	case errors.Is(err, store.ErrCapacityExceeded):
		s.metrics.Booking(metrics.OutcomeCapacity)
	case errors.As(err, &vErr), errors.Is(err, store.ErrIdempotencyConflict):
		s.metrics.Booking(metrics.OutcomeInvalid)
	default:
		s.metrics.Booking(metrics.OutcomeError)
	}
}

// Patch holds the fields of an update. Nil fields are left unchanged.
type Patch struct {
	CarID             *string
	CustomerID        *string
	MechanicID        *string
	ServiceType       *string
	ServiceName       *string
	ScheduledDate     *time.Time
	EstimatedDuration *int
	Status            *domain.Status
	Priority          *domain.Priority
	Notes             *string
}

// Update applies p. A Status equal to the current one is accepted as part of
// a full re-save unless the appointment is terminal.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p Patch) (domain.Appointment, error) {
	return s.update(ctx, id, p, false)
}

func (s *Service) update(ctx context.Context, id uuid.UUID, p Patch, explicit bool) (domain.Appointment, error) {
	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment id is required")
	}

	var (
		prev    domain.Appointment
		updated domain.Appointment
	)
	err := s.repo.InTransaction(ctx, func(ctx context.Context, tx store.GarageTx) error {
		var err error
		prev, err = tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		next, err := applyPatch(prev, p)
		if err != nil {
			return err
		}

		if p.Status != nil && (explicit || next.Status != prev.Status || prev.Status.Terminal()) {
			if err := domain.ValidateTransition(prev.Status, next.Status); err != nil {
				return err
			}
		}
		rescheduled := next.MechanicID != prev.MechanicID ||
			!next.ScheduledDate.Equal(prev.ScheduledDate) ||
			next.EstimatedDuration != prev.EstimatedDuration
		if rescheduled && prev.Status.Terminal() {
			return validationError(fmt.Sprintf("cannot reschedule a %s appointment", prev.Status))
		}
		if rescheduled && !next.Cancelled() {
			if err := s.checkBooking(ctx, tx, next, next.ID); err != nil {
				return err
			}
		}

		updated, err = tx.UpdateAppointment(ctx, next)
		return err
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	if updated.Status != prev.Status {
		s.metrics.Transition(prev.Status, updated.Status)
	}
	return updated, nil
}

func applyPatch(a domain.Appointment, p Patch) (domain.Appointment, error) {
	if p.CarID != nil {
		if a.CarID = strings.TrimSpace(*p.CarID); a.CarID == "" {
			return a, validationError("carId is required")
		}
	}
	if p.CustomerID != nil {
		if a.CustomerID = strings.TrimSpace(*p.CustomerID); a.CustomerID == "" {
			return a, validationError("customerId is required")
		}
	}
	if p.MechanicID != nil {
		if a.MechanicID = strings.TrimSpace(*p.MechanicID); a.MechanicID == "" {
			return a, validationError("mechanicId is required")
		}
	}
	if p.ServiceType != nil {
		a.ServiceType = strings.TrimSpace(*p.ServiceType)
	}
	if p.ServiceName != nil {
		a.ServiceName = strings.TrimSpace(*p.ServiceName)
	}
	if p.ScheduledDate != nil {
		if p.ScheduledDate.IsZero() {
			return a, validationError("scheduledDate is required")
		}
		a.ScheduledDate = p.ScheduledDate.UTC()
	}
	if p.EstimatedDuration != nil {
		if err := validateDuration(*p.EstimatedDuration); err != nil {
			return a, err
		}
		a.EstimatedDuration = *p.EstimatedDuration
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return a, validationError("invalid status")
		}
		a.Status = *p.Status
	}
	if p.Priority != nil {
		if !p.Priority.Valid() {
			return a, validationError("invalid priority")
		}
		a.Priority = *p.Priority
	}
	if p.Notes != nil {
		a.Notes = *p.Notes
	}
	return a, nil
}

// Transition moves an appointment to status through the lifecycle rules.
// Asking for the current status is not a transition and is rejected.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, status domain.Status) (domain.Appointment, error) {
	return s.update(ctx, id, Patch{Status: &status}, true)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return validationError("appointment id is required")
	}
	return s.repo.InTransaction(ctx, func(ctx context.Context, tx store.GarageTx) error {
		_, err := tx.DeleteAppointment(ctx, id)
		return err
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment id is required")
	}
	return s.repo.Get(ctx, id)
}

// List returns every appointment ordered by scheduled date.
func (s *Service) List(ctx context.Context) ([]domain.Appointment, error) {
	return s.repo.List(ctx)
}

// Find applies f to a snapshot of the store.
func (s *Service) Find(ctx context.Context, f query.Filter) ([]domain.Appointment, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, validationError("invalid status")
	}
	if f.Location == nil {
		f.Location = s.loc
	}
	appts, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	return query.Find(appts, f), nil
}

// ByDate returns the appointments on the garage-local calendar day of date.
func (s *Service) ByDate(ctx context.Context, date time.Time) ([]domain.Appointment, error) {
	if date.IsZero() {
		return nil, validationError("date is required")
	}
	return s.Find(ctx, query.Filter{Day: date})
}

func (s *Service) Search(ctx context.Context, text string) ([]domain.Appointment, error) {
	return s.Find(ctx, query.Filter{SearchText: text})
}

func (s *Service) ByMechanic(ctx context.Context, mechanicID string) ([]domain.Appointment, error) {
	if strings.TrimSpace(mechanicID) == "" {
		return nil, validationError("mechanicId is required")
	}
	return s.Find(ctx, query.Filter{MechanicID: mechanicID})
}

func (s *Service) ByStatus(ctx context.Context, status domain.Status) ([]domain.Appointment, error) {
	if !status.Valid() {
		return nil, validationError("invalid status")
	}
	return s.Find(ctx, query.Filter{Status: status})
}

type SlotsInput struct {
	Date time.Time
	// DurationMinutes of zero uses the configured default service duration.
	DurationMinutes int
	// MechanicID narrows availability to one mechanic; empty checks the
	// whole garage.
	MechanicID string
}

// Slots returns the candidate windows for the garage-local day of in.Date,
// evaluated against the appointments stored at call time. A closed day
// yields an empty sequence.
func (s *Service) Slots(ctx context.Context, in SlotsInput) (iter.Seq[domain.AppointmentSlot], error) {
	if in.Date.IsZero() {
		return nil, validationError("date is required")
	}
	duration := in.DurationMinutes
	if duration == 0 {
		duration = s.settings.DefaultServiceDuration
	}
	if err := validateDuration(duration); err != nil {
		return nil, err
	}

	window, open := s.settings.HoursOn(in.Date.In(s.loc).Weekday())
	if !open {
		return func(func(domain.AppointmentSlot) bool) {}, nil
	}

	appts, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	opts := scheduling.SlotOptions{
		Date:             in.Date,
		Location:         s.loc,
		Duration:         time.Duration(duration) * time.Minute,
		Step:             s.settings.Step(),
		WorkStart:        window.Open,
		WorkEnd:          window.Close,
		MechanicID:       strings.TrimSpace(in.MechanicID),
		Scope:            s.scope,
		Buffer:           s.settings.Buffer(),
		TruncateTrailing: s.truncateTrailing,
	}
	if window.HasLunch() {
		opts.Breaks = []scheduling.Break{{Start: window.LunchStart, End: window.LunchEnd}}
	}
	if s.enforceCapacity {
		mechanics, err := s.refs.ListMechanics(ctx)
		if err != nil {
			return nil, err
		}
		opts.Capacity = s.capacityRules(mechanics)
	}
	return scheduling.GenerateSlots(appts, opts), nil
}

func (s *Service) AvailableSlots(ctx context.Context, in SlotsInput) ([]domain.AppointmentSlot, error) {
	seq, err := s.Slots(ctx, in)
	if err != nil {
		return nil, err
	}
	slots := scheduling.Collect(seq)
	available := 0
	for _, slot := range slots {
		if slot.IsAvailable {
			available++
		}
	}
	s.metrics.SlotQuery(len(slots), available)
	return slots, nil
}

func (s *Service) Capacity(ctx context.Context) (domain.GarageCapacity, error) {
	mechanics, err := s.refs.ListMechanics(ctx)
	if err != nil {
		return domain.GarageCapacity{}, err
	}
	return s.settings.Capacity(mechanics), nil
}

func (s *Service) Mechanics(ctx context.Context) ([]domain.Mechanic, error) {
	return s.refs.ListMechanics(ctx)
}

func (s *Service) Mechanic(ctx context.Context, id string) (domain.Mechanic, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Mechanic{}, validationError("mechanicId is required")
	}
	return s.refs.GetMechanic(ctx, id)
}

// Subscribe registers fn for every committed appointment change. fn runs on
// its own goroutine, in commit order.
func (s *Service) Subscribe(name string, fn func(domain.Change)) (*notify.Subscription[domain.Change], error) {
	if s.changes == nil {
		return nil, ErrNoSubscriptions
	}
	return s.changes.Subscribe(name, fn), nil
}
