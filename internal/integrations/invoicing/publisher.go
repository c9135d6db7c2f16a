// Package invoicing hands completed appointments to the invoicing
// collaborator as Kafka events. It only reads the change feed.
package invoicing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"garage/backend/internal/domain"
)

const (
	EventType    = "appointment.completed"
	writeTimeout = 10 * time.Second
)

// InvoiceSeed is the part of a completed appointment a draft invoice is
// built from.
type InvoiceSeed struct {
	AppointmentID string    `json:"appointmentId"`
	CarID         string    `json:"carId"`
	CustomerID    string    `json:"customerId"`
	MechanicID    string    `json:"mechanicId"`
	ServiceType   string    `json:"serviceType"`
	ServiceName   string    `json:"serviceName"`
	Notes         string    `json:"notes,omitempty"`
	CompletedAt   time.Time `json:"completedAt"`
}

func SeedFrom(a domain.Appointment) InvoiceSeed {
	return InvoiceSeed{
		AppointmentID: a.ID.String(),
		CarID:         a.CarID,
		CustomerID:    a.CustomerID,
		MechanicID:    a.MechanicID,
		ServiceType:   a.ServiceType,
		ServiceName:   a.ServiceName,
		Notes:         a.Notes,
		CompletedAt:   a.UpdatedAt,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer messageWriter
	topic  string
	log    *slog.Logger
}

func NewPublisher(brokers []string, topic string, log *slog.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(w, topic, log)
}

func newPublisher(w messageWriter, topic string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		writer: w,
		topic:  topic,
		log:    log.With(slog.String("component", "integrations.invoicing")),
	}
}

// Publish emits an invoice seed when c moved an appointment into the
// completed state and ignores every other change.
func (p *Publisher) Publish(ctx context.Context, c domain.Change) error {
	if !c.Completed() {
		return nil
	}
	seed := SeedFrom(c.Appointment)
	payload, err := json.Marshal(seed)
	if err != nil {
		return fmt.Errorf("encode invoice seed: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(seed.AppointmentID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(fmt.Sprintf("%s:%d", seed.AppointmentID, c.Seq))},
			{Key: "event_type", Value: []byte(EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", EventType, err)
	}
	return nil
}

// Handle is the notification callback.
func (p *Publisher) Handle(c domain.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := p.Publish(ctx, c); err != nil {
		p.log.Error("invoice seed publish failed",
			slog.Any("err", err),
			slog.String("appointment_id", c.Appointment.ID.String()),
		)
		return
	}
	if c.Completed() {
		p.log.Info("invoice seed published",
			slog.String("appointment_id", c.Appointment.ID.String()),
			slog.String("topic", p.topic),
		)
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
