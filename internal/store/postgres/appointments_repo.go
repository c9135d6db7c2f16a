package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/uptrace/bun"

	"garage/backend/internal/domain"
)

const (
	applyTimeout = 10 * time.Second
	applyRetries = 4
	retryBase    = 100 * time.Millisecond
)

// appointmentWriter is the storage side of the mirror.
type appointmentWriter interface {
	Upsert(ctx context.Context, appt domain.Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Reconcile makes the table hold exactly appts.
	Reconcile(ctx context.Context, appts []domain.Appointment) error
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(applyRetries, retry.WithJitterPercent(20, retry.NewExponential(retryBase)))
}

// Mirror keeps a durable copy of the in-memory appointment store. It is
// fed from the change notifications, so it trails the authoritative store
// and never blocks a booking.
type Mirror struct {
	db      *bun.DB
	writer  appointmentWriter
	log     *slog.Logger
	backoff func() retry.Backoff

	// stale is set when a change could not be written even after retries.
	// The next change then rewrites the table from its snapshot. Handle
	// runs on a single subscriber goroutine, so no lock is needed.
	stale bool
}

func NewMirror(db *bun.DB, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{
		db:      db,
		writer:  bunWriter{db: db},
		log:     log.With(slog.String("component", "store.postgres")),
		backoff: defaultBackoff,
	}
}

// Apply writes one change. Restored changes originate from the mirror
// itself and are skipped.
func (m *Mirror) Apply(ctx context.Context, c domain.Change) error {
	switch c.Kind {
	case domain.ChangeCreated, domain.ChangeUpdated:
		if err := m.writer.Upsert(ctx, c.Appointment); err != nil {
			return fmt.Errorf("upsert appointment %s: %w", c.Appointment.ID, err)
		}
	case domain.ChangeDeleted:
		if err := m.writer.Delete(ctx, c.Appointment.ID); err != nil {
			return fmt.Errorf("delete appointment %s: %w", c.Appointment.ID, err)
		}
	case domain.ChangeRestored:
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
	return nil
}

// Handle is the notification callback. Transient failures are retried with
// exponential backoff; a change that still fails marks the mirror stale and
// the next change resynchronises the whole table from its snapshot.
func (m *Mirror) Handle(c domain.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	write := func(ctx context.Context) error { return m.Apply(ctx, c) }
	if m.stale && c.Kind != domain.ChangeRestored {
		write = func(ctx context.Context) error { return m.writer.Reconcile(ctx, c.Snapshot) }
	}

	attempt := 0
	err := retry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		attempt++
		if err := write(ctx); err != nil {
			m.log.Warn("mirror write attempt failed",
				slog.Any("err", err),
				slog.Uint64("seq", c.Seq),
				slog.Int("attempt", attempt),
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		m.stale = true
		m.log.Error("mirror write failed; will resync on next change",
			slog.Any("err", err),
			slog.Uint64("seq", c.Seq),
			slog.String("kind", string(c.Kind)),
		)
		return
	}
	if m.stale && c.Kind != domain.ChangeRestored {
		m.stale = false
		m.log.Info("mirror resynchronised", slog.Uint64("seq", c.Seq), slog.Int("count", len(c.Snapshot)))
		return
	}
	m.log.Debug("mirror write applied", slog.Uint64("seq", c.Seq), slog.String("kind", string(c.Kind)))
}

// LoadAll returns every mirrored appointment ordered by scheduled date.
func (m *Mirror) LoadAll(ctx context.Context) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := m.db.NewSelect().
		Model(&rows).
		OrderExpr("scheduled_date ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].ScheduledDate = rows[i].ScheduledDate.UTC()
		rows[i].CreatedAt = rows[i].CreatedAt.UTC()
		rows[i].UpdatedAt = rows[i].UpdatedAt.UTC()
	}
	return rows, nil
}

type bunWriter struct {
	db *bun.DB
}

// Upsert ignores rows older than what is already stored, so a late
// retry cannot roll an appointment back.
func (w bunWriter) Upsert(ctx context.Context, appt domain.Appointment) error {
	return w.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return upsert(ctx, tx, appt)
	})
}

func upsert(ctx context.Context, db bun.IDB, appt domain.Appointment) error {
	if _, err := db.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", appt.ID.String()).Exec(ctx); err != nil {
		return err
	}
	_, err := db.NewInsert().
		Model(&appt).
		On("CONFLICT (id) DO UPDATE").
		Set("car_id = EXCLUDED.car_id").
		Set("customer_id = EXCLUDED.customer_id").
		Set("mechanic_id = EXCLUDED.mechanic_id").
		Set("service_type = EXCLUDED.service_type").
		Set("service_name = EXCLUDED.service_name").
		Set("scheduled_date = EXCLUDED.scheduled_date").
		Set("estimated_duration = EXCLUDED.estimated_duration").
		Set("status = EXCLUDED.status").
		Set("priority = EXCLUDED.priority").
		Set("notes = EXCLUDED.notes").
		Set("updated_at = EXCLUDED.updated_at").
		Where("a.updated_at <= EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (w bunWriter) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := w.db.NewDelete().
		Model((*domain.Appointment)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (w bunWriter) Reconcile(ctx context.Context, appts []domain.Appointment) error {
	return w.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		del := tx.NewDelete().Model((*domain.Appointment)(nil))
		if len(appts) == 0 {
			del = del.Where("TRUE")
		} else {
			ids := make([]uuid.UUID, 0, len(appts))
			for _, a := range appts {
				ids = append(ids, a.ID)
			}
			del = del.Where("id NOT IN (?)", bun.In(ids))
		}
		if _, err := del.Exec(ctx); err != nil {
			return err
		}
		for _, a := range appts {
			if err := upsert(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}
