package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/zlog"

	"pushgate/internal/config"
	"pushgate/internal/metrics"
)

// ErrPublishNacked is returned when the broker refuses a published message.
var ErrPublishNacked = errors.New("broker nacked publish")

// confirmChannel is the slice of *amqp.Channel the publisher needs.
type confirmChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// Publisher publishes messages to the delayed exchange and waits for broker
// confirmation before returning. It applies no retry policy of its own; the
// HTTP handlers fail fast and the scheduler sweep retries on its next cycle.
type Publisher struct {
	ch             confirmChannel
	exchange       string
	routingKey     string
	maxDelay       time.Duration
	confirmTimeout time.Duration
	metrics        *metrics.Metrics
}

// NewPublisher puts the channel into confirm mode and returns a publisher
// bound to the configured exchange and routing key.
func NewPublisher(ch *amqp.Channel, cfg config.RabbitMQ, m *metrics.Metrics) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}

	return &Publisher{
		ch:             ch,
		exchange:       cfg.Exchange,
		routingKey:     cfg.RoutingKey,
		maxDelay:       cfg.MaxDelay,
		confirmTimeout: cfg.ConfirmTimeout,
		metrics:        m,
	}, nil
}

// Publish sends body with the given delay, clamped to the broker's maximum
// expressible delay. Delays longer than the cap are handled by the consumer
// rescheduling the message once the capped delay elapses.
func (p *Publisher) Publish(ctx context.Context, body []byte, delay time.Duration) error {
	delay = p.clampDelay(delay)

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
		Headers:      delayHeaders(delay),
	}

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(
		ctx, p.exchange, p.routingKey, false, false, msg,
	)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	select {
	case <-confirmCtx.Done():
		return fmt.Errorf("await confirm: %w", confirmCtx.Err())
	case <-dc.Done():
		if !dc.Acked() {
			return ErrPublishNacked
		}
	}

	zlog.Logger.Debug().
		Int("size", len(body)).
		Dur("delay", delay).
		Msg("message published")
	p.metrics.Published.WithLabelValues(delayedLabel(delay)).Inc()

	return nil
}

// MaxDelay reports the cap applied by Publish.
func (p *Publisher) MaxDelay() time.Duration {
	return p.maxDelay
}

func (p *Publisher) clampDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}

// delayHeaders builds the x-delay header understood by the delayed-message
// plugin. A zero delay publishes with no header at all.
func delayHeaders(delay time.Duration) amqp.Table {
	if delay <= 0 {
		return nil
	}
	return amqp.Table{"x-delay": delay.Milliseconds()}
}

func delayedLabel(delay time.Duration) string {
	if delay > 0 {
		return "true"
	}
	return "false"
}
