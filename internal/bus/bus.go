// Package bus is the in-process event backbone. Components publish
// typed events to dot-separated subjects and NATS preserves delivery
// order per subject, which gives consumers per-(pair, timeframe)
// ordering without a global lock.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/fxsage/fxadvisor/internal/metrics"
)

// Config configures the event bus
type Config struct {
	// Embedded starts a NATS server inside the daemon. URL is ignored.
	Embedded bool
	URL      string
	Prefix   string // Subject prefix for namespacing (default: "fxadvisor")
}

// Bus wraps a NATS connection, and when configured, the embedded
// server it talks to.
type Bus struct {
	nc     *nats.Conn
	ns     *natsserver.Server
	prefix string
	log    zerolog.Logger
}

// Event is the wire envelope for every bus message
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"` // ordering key, e.g. "EURUSD.1h"
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the event payload into v
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Topic, err)
	}
	return nil
}

// Handler is a callback for received events
type Handler func(ev *Event) error

// New creates the bus. With cfg.Embedded it boots an in-process NATS
// server on a random port first and connects to that.
func New(cfg Config, log zerolog.Logger) (*Bus, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "fxadvisor"
	}

	blog := log.With().Str("component", "bus").Logger()

	var ns *natsserver.Server
	url := cfg.URL
	if cfg.Embedded {
		var err error
		ns, err = startEmbeddedServer()
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		url = ns.ClientURL()
		blog.Info().Str("url", url).Msg("Embedded NATS server started")
	}

	nc, err := nats.Connect(
		url,
		nats.Name("fxadvisor"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				blog.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			blog.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	blog.Info().
		Str("url", url).
		Str("prefix", cfg.Prefix).
		Bool("embedded", cfg.Embedded).
		Msg("Event bus initialized")

	return &Bus{
		nc:     nc,
		ns:     ns,
		prefix: cfg.Prefix,
		log:    blog,
	}, nil
}

func startEmbeddedServer() (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // Random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, err
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server did not become ready")
	}

	return ns, nil
}

// Publish marshals payload into an Event and publishes it on
// {prefix}.{topic}.{key}. An empty key publishes on the "all" token so
// wildcard subscribers still match.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !b.nc.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}

	ev := Event{
		ID:        uuid.New(),
		Topic:     topic,
		Key:       SanitizeKey(key),
		Payload:   payloadJSON,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := b.subject(topic, ev.Key)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.RecordEventPublished(topic)

	b.log.Debug().
		Str("event_id", ev.ID.String()).
		Str("topic", topic).
		Str("key", ev.Key).
		Str("subject", subject).
		Msg("Published event")

	return nil
}

// Subscribe registers handler for every key of a topic. Handlers for
// one subscription run sequentially, so per-key ordering is the
// publish order.
func (b *Bus) Subscribe(topic string, handler Handler) (*Subscription, error) {
	subject := fmt.Sprintf("%s.%s.>", b.prefix, topic)

	sub, err := b.nc.Subscribe(subject, func(natsMsg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(natsMsg.Data, &ev); err != nil {
			b.log.Warn().Err(err).Str("subject", natsMsg.Subject).Msg("Failed to unmarshal event")
			return
		}

		metrics.RecordEventReceived(ev.Topic)

		if err := handler(&ev); err != nil {
			b.log.Error().
				Err(err).
				Str("event_id", ev.ID.String()).
				Str("topic", ev.Topic).
				Str("key", ev.Key).
				Msg("Event handler error")
			return
		}

		b.log.Debug().
			Str("event_id", ev.ID.String()).
			Str("topic", ev.Topic).
			Str("key", ev.Key).
			Msg("Event handled")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.log.Info().
		Str("topic", topic).
		Str("subject", subject).
		Msg("Subscribed to events")

	return &Subscription{sub: sub, topic: topic, subject: subject, log: b.log}, nil
}

func (b *Bus) subject(topic, key string) string {
	return fmt.Sprintf("%s.%s.%s", b.prefix, topic, key)
}

// SanitizeKey turns an arbitrary ordering key into a single NATS
// subject token. "EUR/USD|1h" becomes "EURUSD1h".
func SanitizeKey(key string) string {
	if key == "" {
		return "all"
	}
	replacer := strings.NewReplacer("/", "", ".", "", "*", "", ">", "", " ", "", "|", "")
	cleaned := replacer.Replace(key)
	if cleaned == "" {
		return "all"
	}
	return cleaned
}

// Stats returns connection statistics for diagnostics endpoints
func (b *Bus) Stats() map[string]interface{} {
	stats := make(map[string]interface{})

	if b.nc != nil {
		stats["connected"] = b.nc.IsConnected()
		stats["status"] = b.nc.Status().String()
		stats["in_msgs"] = b.nc.Stats().InMsgs
		stats["out_msgs"] = b.nc.Stats().OutMsgs
		stats["reconnects"] = b.nc.Stats().Reconnects
	}
	if b.ns != nil {
		stats["embedded"] = true
		stats["client_url"] = b.ns.ClientURL()
	}

	return stats
}

// Close drains the connection and stops the embedded server if one was
// started.
func (b *Bus) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
	}
	b.log.Info().Msg("Event bus closed")
	return nil
}

// Subscription represents an active subscription
type Subscription struct {
	sub     *nats.Subscription
	topic   string
	subject string
	log     zerolog.Logger
}

// Unsubscribe unsubscribes from the subscription
func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	s.log.Info().
		Str("topic", s.topic).
		Str("subject", s.subject).
		Msg("Unsubscribed from events")

	return nil
}

// IsValid returns whether the subscription is still active
func (s *Subscription) IsValid() bool {
	return s.sub.IsValid()
}
