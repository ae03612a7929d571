// Package eventbus publishes a best-effort "order.confirmed" event to
// RabbitMQ whenever the gateway confirms a payment. It is a side channel:
// nothing in the coordination fabric waits on it or depends on its
// success, per spec's error-handling policy (ledger writes are logged, not
// retried, not surfaced to the wire).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/icering/coordination/internal/protocol"
)

const orderConfirmedExchange = "order.confirmed"

// Publisher wraps a RabbitMQ channel. A nil *Publisher is valid and turns
// Publish into a no-op, so the event bus can be disabled (AMQP_URL unset)
// without branching at every call site.
type Publisher struct {
	ch     *amqp.Channel
	conn   *amqp.Connection
	logger *slog.Logger
}

// Connect dials url and declares the order.confirmed exchange. Returns a
// nil Publisher (no error) if url is empty.
func Connect(url string, logger *slog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(orderConfirmedExchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Publisher{ch: ch, conn: conn, logger: logger}, nil
}

// confirmedOrderEvent is the payload published for each confirmed order.
type confirmedOrderEvent struct {
	ScreenID string   `json:"screen_id"`
	OrderID  uint64   `json:"order_id"`
	Size     uint64   `json:"size"`
	Flavours []string `json:"flavours"`
}

// PublishConfirmed publishes the event in a fire-and-forget manner. Any
// failure is logged and swallowed.
func (p *Publisher) PublishConfirmed(screenID string, confirmation protocol.PaymentConfirmation) {
	if p == nil {
		return
	}

	body, err := json.Marshal(confirmedOrderEvent{
		ScreenID: screenID,
		OrderID:  confirmation.OrderData.ID,
		Size:     confirmation.OrderData.Size,
		Flavours: confirmation.OrderData.Flavours,
	})
	if err != nil {
		p.logger.Warn("failed to marshal order.confirmed event", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.ch.PublishWithContext(ctx, orderConfirmedExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		p.logger.Warn("failed to publish order.confirmed event", slog.Any("error", err))
	}
}

// Close shuts the channel and connection down. Safe to call on a nil
// Publisher.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.ch.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}
