package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/providentiaww/trilix-authserver/internal/logger"
)

// Routing keys for published events.
const (
	ClientRegistered = "client.registered"
	CodeIssued       = "code.issued"
	CodeRedeemed     = "code.redeemed"
	TokenIssued      = "token.issued"
	CodesSwept       = "codes.swept"
)

// Event is the JSON envelope published for each lifecycle change. Payloads
// never carry secrets, plaintext codes or tokens.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Data       map[string]string `json:"data,omitempty"`
}

// Publisher emits events. Publishing is best effort: callers log failures and
// carry on.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]string) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, map[string]string) error { return nil }
func (Nop) Close() error                                             { return nil }

// AMQPPublisher publishes events to a topic exchange.
type AMQPPublisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	logger.L().Info("amqp publisher connected",
		logger.Component("events"),
		zap.String("exchange", exchange),
	)
	return &AMQPPublisher{exchange: exchange, conn: conn, ch: ch}, nil
}

// Publish sends one persistent JSON message routed by eventType.
func (p *AMQPPublisher) Publish(ctx context.Context, eventType string, data map[string]string) error {
	body, err := Encode(eventType, data, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, eventType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Encode builds the wire form of an event.
func Encode(eventType string, data map[string]string, now time.Time) ([]byte, error) {
	evt := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: now.UTC(),
		Data:       data,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return body, nil
}

// Emit publishes and logs failures instead of returning them.
func Emit(ctx context.Context, pub Publisher, eventType string, data map[string]string) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, eventType, data); err != nil {
		logger.From(ctx).Warn("event publish failed",
			logger.Component("events"),
			zap.String("event", eventType),
			logger.Err(err),
		)
	}
}
