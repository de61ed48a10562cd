// Package audit writes session lifecycle events to Kafka so that other systems (activity
// feeds, analytics) can see who worked on which project and when.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type EventType string

const (
	EventJoined       EventType = "joined"
	EventLeft         EventType = "left"
	EventDisconnected EventType = "disconnected"
	EventReaped       EventType = "reaped"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Emitter interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer we use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter writes one message per event, keyed by project so that a project's events
// stay ordered within a partition.
type KafkaEmitter struct {
	writer messageWriter
	topic  string
}

// NewKafkaEmitter returns nil, nil if no brokers are configured.
func NewKafkaEmitter(brokers []string, topic string) (*KafkaEmitter, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka brokers configured without a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	logger.Info().Strs("brokers", brokers).Str("topic", topic).Msg("writing audit events to kafka")
	return &KafkaEmitter{writer: w, topic: topic}, nil
}

func (e *KafkaEmitter) Emit(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ProjectID),
		Value: value,
		Time:  ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to write audit event to %s: %w", e.topic, err)
	}
	return nil
}

func (e *KafkaEmitter) Close() error {
	if e == nil || e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
