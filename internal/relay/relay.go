// Package relay republishes notification stream events to Kafka.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/carepulse/carepulse/internal/stream"
	pkgkafka "github.com/carepulse/carepulse/pkg/kafka"
	"github.com/carepulse/carepulse/pkg/logger"
)

// TopicNotificationReceived carries every event read from the stream.
var TopicNotificationReceived = pkgkafka.Topic("notification", "received")

// EventNotificationReceived is the envelope event type.
const EventNotificationReceived = "notification.received"

// SourceStream identifies events relayed by this process.
const SourceStream = "carepulse-stream"

const defaultPublishTimeout = 5 * time.Second

// NotificationReceivedData is the payload of a notification.received event.
type NotificationReceivedData struct {
	Kind       string          `json:"kind"`
	EventID    string          `json:"event_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Sink forwards events to a Publisher.
type Sink struct {
	pub     pkgkafka.Publisher
	userID  func(ctx context.Context) string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSink creates a sink. userID resolves the partition key and may be nil.
func NewSink(pub pkgkafka.Publisher, userID func(ctx context.Context) string, logger *slog.Logger) *Sink {
	return &Sink{
		pub:     pub,
		userID:  userID,
		timeout: defaultPublishTimeout,
		logger:  logger,
	}
}

// Forward publishes ev. A nil sink or publisher is a no-op.
func (s *Sink) Forward(ctx context.Context, ev stream.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}

	uid := ""
	if s.userID != nil {
		uid = s.userID(ctx)
	}

	data := NotificationReceivedData{
		Kind:       string(ev.Kind),
		EventID:    ev.ID,
		UserID:     uid,
		Payload:    ev.Payload,
		ReceivedAt: ev.ReceivedAt.UTC(),
	}

	event, err := pkgkafka.NewEvent(EventNotificationReceived, uid, SourceStream, data)
	if err != nil {
		return fmt.Errorf("create notification.received event: %w", err)
	}
	event.WithMetadata("kind", string(ev.Kind))
	if cid := logger.CorrelationIDFromContext(ctx); cid != "" {
		event.WithCorrelationID(cid)
	}

	if err := s.pub.Publish(ctx, TopicNotificationReceived, event); err != nil {
		return fmt.Errorf("publish notification.received event: %w", err)
	}

	s.logger.DebugContext(ctx, "relayed notification",
		slog.String("kind", string(ev.Kind)),
		slog.String("event_id", event.EventID),
	)
	return nil
}

// Handle has the stream.MessageHandler signature. Failures are logged.
func (s *Sink) Handle(ev stream.Event) {
	if s == nil || s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.Forward(ctx, ev); err != nil {
		s.logger.Warn("failed to relay notification",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
