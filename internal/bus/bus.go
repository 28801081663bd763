// Package bus provides agent-to-agent messaging over NATS. Delivery is
// queued-not-delivered: a successful publish means the message reached
// the broker, not that the target agent handled it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Topics every agent understands.
const (
	TopicInbox     = "inbox"     // targeted notifications and payloads
	TopicControl   = "control"   // pause/resume broadcasts
	TopicHeartbeat = "heartbeat" // agent liveness reports
)

// Message is the envelope for everything crossing the bus.
type Message struct {
	ID        uuid.UUID       `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"` // target agent, or "*" for broadcast
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler is the callback invoked for each received message.
type Handler func(msg *Message) error

// Bus wraps the NATS connection with the fabric's subject scheme:
// {prefix}agents.{agent}.{topic}.
type Bus struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS and returns a bus. The connection reconnects
// forever; transient outages surface as warnings, not errors.
func Connect(url, prefix string) (*Bus, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("tradefabric"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if prefix == "" {
		prefix = "fabric."
	}

	log.Info().Str("url", url).Str("prefix", prefix).Msg("Message bus connected")

	return &Bus{nc: nc, prefix: prefix}, nil
}

// Send queues a message for one agent.
func (b *Bus) Send(ctx context.Context, msg *Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !b.nc.IsConnected() {
		return fmt.Errorf("message bus not connected")
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := b.subject(msg.To, msg.Topic)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	log.Debug().
		Str("message_id", msg.ID.String()).
		Str("from", msg.From).
		Str("to", msg.To).
		Str("subject", subject).
		Msg("Queued message")

	return nil
}

// Broadcast queues a message for every agent listening on the topic.
func (b *Bus) Broadcast(ctx context.Context, msg *Message) error {
	msg.To = "*"
	return b.Send(ctx, msg)
}

// Subscribe delivers messages addressed to one agent and topic.
func (b *Bus) Subscribe(agent, topic string, handler Handler) (*Subscription, error) {
	return b.subscribe(b.subject(agent, topic), handler)
}

// SubscribeBroadcasts delivers messages on a topic regardless of target.
func (b *Bus) SubscribeBroadcasts(topic string, handler Handler) (*Subscription, error) {
	return b.subscribe(b.subject("*", topic), handler)
}

func (b *Bus) subscribe(subject string, handler Handler) (*Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(natsMsg *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("Failed to unmarshal message")
			return
		}
		if err := handler(&msg); err != nil {
			log.Error().
				Err(err).
				Str("message_id", msg.ID.String()).
				Str("from", msg.From).
				Str("subject", subject).
				Msg("Message handler error")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	log.Debug().Str("subject", subject).Msg("Subscribed")
	return &Subscription{sub: sub, subject: subject}, nil
}

// Flush waits until all published messages reached the broker. Used by
// tests and shutdown.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

// Connected reports broker connectivity.
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Stats returns connection statistics for the health summary.
func (b *Bus) Stats() map[string]any {
	stats := make(map[string]any)
	if b.nc != nil {
		stats["connected"] = b.nc.IsConnected()
		stats["status"] = b.nc.Status().String()
		stats["in_msgs"] = b.nc.Stats().InMsgs
		stats["out_msgs"] = b.nc.Stats().OutMsgs
		stats["reconnects"] = b.nc.Stats().Reconnects
	}
	return stats
}

// Close drains the connection.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
		log.Info().Msg("Message bus closed")
	}
}

func (b *Bus) subject(agent, topic string) string {
	return fmt.Sprintf("%sagents.%s.%s", b.prefix, agent, topic)
}

// Subscription is an active bus subscription.
type Subscription struct {
	sub     *nats.Subscription
	subject string
}

// Unsubscribe stops delivery.
func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", s.subject, err)
	}
	return nil
}

// NewMessage builds a message with a JSON-encoded payload.
func NewMessage(from, to, topic string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Message{
		From:    from,
		To:      to,
		Topic:   topic,
		Payload: data,
	}, nil
}
