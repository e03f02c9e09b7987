package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &recordingWriter{}
	pub := &KafkaPublisher{writer: w}

	p := &prescription.Prescription{
		ID:               uuid.New(),
		PatientID:        uuid.New(),
		Status:           prescription.StatusOnHold,
		HoldReason:       prescription.HoldInteractionsFound,
		RefillsRemaining: 2,
		Version:          3,
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := NewEvent(TypeTransitioned, prescription.StatusPendingSubmission, p, at)

	require.NoError(t, pub.Publish(context.Background(), evt))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, p.ID.String(), string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, TypeTransitioned, string(msg.Headers[0].Value))

	var got Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, prescription.StatusPendingSubmission, got.From)
	assert.Equal(t, prescription.StatusOnHold, got.To)
	assert.Equal(t, "interactions_found", got.HoldReason)
	assert.Equal(t, 3, got.Version)
}

func TestKafkaPublisher_WrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	pub := &KafkaPublisher{writer: &recordingWriter{err: boom}}

	err := pub.Publish(context.Background(), Event{Type: TypeCreated})
	assert.ErrorIs(t, err, boom)
}
