// Package snapshotcache mirrors the latest appointment snapshot into Redis
// and announces every change on a pub/sub channel, for readers that live
// outside this process.
package snapshotcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"garage/backend/internal/domain"
)

const writeTimeout = 5 * time.Second

type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Summary is the message published per change. Subscribers fetch the full
// snapshot from the snapshot key when they need it.
type Summary struct {
	Seq           uint64            `json:"seq"`
	Kind          domain.ChangeKind `json:"kind"`
	AppointmentID string            `json:"appointmentId,omitempty"`
	Status        domain.Status     `json:"status,omitempty"`
	Count         int               `json:"count"`
	At            time.Time         `json:"at"`
}

type snapshot struct {
	Seq          uint64               `json:"seq"`
	Appointments []domain.Appointment `json:"appointments"`
}

type Cache struct {
	rdb    redisClient
	prefix string
	log    *slog.Logger
}

func New(rdb redisClient, prefix string, log *slog.Logger) *Cache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "garage"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		rdb:    rdb,
		prefix: prefix,
		log:    log.With(slog.String("component", "integrations.snapshotcache")),
	}
}

func (c *Cache) SnapshotKey() string {
	return c.prefix + ":appointments:snapshot"
}

func (c *Cache) Channel() string {
	return c.prefix + ":appointments:changes"
}

// Store writes the snapshot carried by ch and publishes its summary.
func (c *Cache) Store(ctx context.Context, ch domain.Change) error {
	appts := ch.Snapshot
	if appts == nil {
		appts = []domain.Appointment{}
	}
	body, err := json.Marshal(snapshot{Seq: ch.Seq, Appointments: appts})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, c.SnapshotKey(), body, 0).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}

	summary := Summary{Seq: ch.Seq, Kind: ch.Kind, Count: len(appts), At: ch.At}
	if ch.Kind != domain.ChangeRestored {
		summary.AppointmentID = ch.Appointment.ID.String()
		summary.Status = ch.Appointment.Status
	}
	msg, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.Channel(), msg).Err(); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	return nil
}

// Latest returns the cached snapshot and its sequence number. ok is false
// when nothing has been cached yet.
func (c *Cache) Latest(ctx context.Context) (seq uint64, appts []domain.Appointment, ok bool, err error) {
	body, err := c.rdb.Get(ctx, c.SnapshotKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	var s snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return 0, nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return s.Seq, s.Appointments, true, nil
}

// Handle is the notification callback.
func (c *Cache) Handle(ch domain.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.Store(ctx, ch); err != nil {
		c.log.Warn("snapshot cache update failed", slog.Any("err", err), slog.Uint64("seq", ch.Seq))
	}
}
