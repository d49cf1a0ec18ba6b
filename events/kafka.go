package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ruteri/ca-approval-backend/interfaces"
	kafka "github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic is used when no topic is configured.
const DefaultKafkaTopic = "ca.approvals.events"

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON messages keyed by approval id, so all
// events of one request land on the same partition in order.
type KafkaSink struct {
	writer  MessageWriter
	log     *slog.Logger
	timeout time.Duration
}

// NewKafkaSink creates a sink writing to brokers/topic.
func NewKafkaSink(brokers []string, topic string, log *slog.Logger) *KafkaSink {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	// Writers are safe for concurrent use
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(w, log)
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, log *slog.Logger) *KafkaSink {
	return &KafkaSink{writer: w, log: log, timeout: 2 * time.Second}
}

func (s *KafkaSink) Publish(ctx context.Context, evt Event) {
	value, err := json.Marshal(evt)
	if err != nil {
		s.log.Error("Failed to encode approval event", "err", err, slog.String("kind", string(evt.Kind)))
		return
	}

	// The caller's request context may already be done by the time an
	// execution finishes; the event must still go out.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(interfaces.FormatApprovalID(evt.ApprovalID)),
		Value: value,
		Time:  evt.At,
	}
	if err := s.writer.WriteMessages(writeCtx, msg); err != nil {
		s.log.Error("Failed to publish approval event",
			"err", err,
			slog.String("kind", string(evt.Kind)),
			slog.String("approvalID", interfaces.FormatApprovalID(evt.ApprovalID)))
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
