// Package events publishes security audit events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeReuseDetected  = "session.reuse_detected"
	TypeSubjectRevoked = "session.subject_revoked"
	TypeInviteIssued   = "invite.issued"
	TypeInviteRedeemed = "invite.redeemed"
)

// Event is one audit record. Raw credentials never appear here.
type Event struct {
	Type       string    `json:"type"`
	SubjectID  string    `json:"subjectId,omitempty"`
	TokenHash  string    `json:"tokenHash,omitempty"`
	PairingID  string    `json:"pairingId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher emits audit events. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// AMQPPublisher publishes JSON events to a topic exchange, routed by
// event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewAMQPPublisher dials url and declares exchange as a durable topic.
func NewAMQPPublisher(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return newAMQPPublisher(conn, channel, exchange, logger), nil
}

func newAMQPPublisher(conn *amqp.Connection, channel *amqp.Channel, exchange string, logger *zap.Logger) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{conn: conn, channel: channel, exchange: exchange, logger: logger}
}

// Publish sends event; failures are logged and dropped.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) {
	msg, err := Encode(event)
	if err != nil {
		p.logger.Error("encoding audit event", zap.String("type", event.Type), zap.Error(err))
		return
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg); err != nil {
		p.logger.Warn("publishing audit event", zap.String("type", event.Type), zap.Error(err))
	}
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	_ = p.channel.Close()
	return p.conn.Close()
}

// Encode builds the AMQP message for event.
func Encode(event Event) (amqp.Publishing, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         event.Type,
		Body:         body,
	}, nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
