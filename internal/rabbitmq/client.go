package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"pushgate/internal/config"
)

// Client owns the process-wide broker connection and hands out channels per
// operation. The service is meaningless without a broker connection, so
// callers treat a failed Connect as fatal.
type Client struct {
	conn *amqp.Connection
	cfg  config.RabbitMQ
}

// Connect dials the broker, retrying with the given strategy.
func Connect(cfg config.RabbitMQ, strategy retry.Strategy) (*Client, error) {
	var conn *amqp.Connection

	err := retry.Do(func() error {
		var err error
		conn, err = amqp.Dial(cfg.URL())
		if err != nil {
			zlog.Logger.Warn().Err(err).Msg("failed to dial rabbitmq, retrying")
		}
		return err
	}, strategy)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	return &Client{conn: conn, cfg: cfg}, nil
}

// Channel opens a fresh channel on the shared connection.
func (c *Client) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// DeclareTopology sets up the delayed exchange, the durable main queue bound
// to it, and the dead-letter queue reached via nack without requeue. It is
// idempotent and safe to call from both binaries.
func (c *Client) DeclareTopology() error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	err = ch.ExchangeDeclare(
		c.cfg.Exchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(c.cfg.DLQ, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}

	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.cfg.DLQ,
	}

	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, mainArgs)
	if err != nil {
		return fmt.Errorf("declare main queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind main queue: %w", err)
	}

	return nil
}

// Close shuts the underlying connection and every channel opened from it.
func (c *Client) Close() error {
	return c.conn.Close()
}
