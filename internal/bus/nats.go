package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"TradeEngine/internal/event"
)

// ConnectNATS dials the broker with unbounded reconnects and returns a
// JetStream handle.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// Forwarder republishes engine events onto NATS JetStream for downstream
// consumers. Subjects follow trade.engine.events.{event_type}. Publish
// failures are logged and skipped; consumers needing a complete record
// read the durable order log.
type Forwarder struct {
	js     jetstream.JetStream
	logger zerolog.Logger
}

// wireEvent is the outbound envelope.
type wireEvent struct {
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewForwarder(js jetstream.JetStream, logger zerolog.Logger) *Forwarder {
	return &Forwarder{js: js, logger: logger}
}

// Handle implements the bus Handler signature; register it with
// bus.Subscribe.
func (f *Forwarder) Handle(ev event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(wireEvent{
		EventType: ev.EventType().String(),
		Payload:   ev,
		Timestamp: ev.OccurredAt(),
	})
	if err != nil {
		f.logger.Error().Err(err).Str("event_type", ev.EventType().String()).Msg("marshal outbound event")
		return
	}

	subject := "trade.engine.events." + strings.ToLower(ev.EventType().String())
	if _, err := f.js.Publish(ctx, subject, data); err != nil {
		f.logger.Warn().Err(err).Str("subject", subject).Msg("outbound publish failed")
	}
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "TRADE_ENGINE_EVENTS",
		Subjects:  []string{"trade.engine.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
