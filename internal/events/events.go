// Package events publishes prescription lifecycle transitions for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	TypeCreated        = "prescription.created"
	TypeTransitioned   = "prescription.transitioned"
	TypeRefillRecorded = "prescription.refill_recorded"
)

// Event is the JSON value of each message. The key is the prescription id, so one
// prescription's events stay ordered within a partition.
type Event struct {
	ID               uuid.UUID           `json:"id"`
	Type             string              `json:"type"`
	PrescriptionID   uuid.UUID           `json:"prescription_id"`
	PatientID        uuid.UUID           `json:"patient_id"`
	From             prescription.Status `json:"from,omitempty"`
	To               prescription.Status `json:"to"`
	HoldReason       string              `json:"hold_reason,omitempty"`
	RefillsRemaining int                 `json:"refills_remaining"`
	Version          int                 `json:"version"`
	OccurredAt       time.Time           `json:"occurred_at"`
}

func NewEvent(typ string, from prescription.Status, p *prescription.Prescription, at time.Time) Event {
	return Event{
		ID:               uuid.New(),
		Type:             typ,
		PrescriptionID:   p.ID,
		PatientID:        p.PatientID,
		From:             from,
		To:               p.Status,
		HoldReason:       string(p.HoldReason),
		RefillsRemaining: p.RefillsRemaining,
		Version:          p.Version,
		OccurredAt:       at.UTC(),
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(evt.PrescriptionID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
		Time: evt.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing event %s: %w", evt.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards events. Used when Kafka is disabled.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
