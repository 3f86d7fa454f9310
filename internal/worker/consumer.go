package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/zlog"
)

// ErrStreamClosed is returned when the broker ends the delivery stream. The
// process-level supervisor decides whether to reconnect.
var ErrStreamClosed = errors.New("delivery stream closed by broker")

// amqpChannel is the slice of *amqp.Channel the consumer needs.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// deliveryHandler processes one delivery end to end, including its
// acknowledgment.
type deliveryHandler interface {
	Handle(ctx context.Context, delivery amqp.Delivery)
}

// Consumer pulls deliveries one at a time and hands them to the handler
// under a per-message timeout. With prefetch 1 messages are processed
// strictly in order with no overlap.
type Consumer struct {
	ch                amqpChannel
	handler           deliveryHandler
	queue             string
	prefetch          int
	processingTimeout time.Duration
	errorBackoff      time.Duration
}

func NewConsumer(ch amqpChannel, handler deliveryHandler, queue string, prefetch int, processingTimeout, errorBackoff time.Duration) *Consumer {
	return &Consumer{
		ch:                ch,
		handler:           handler,
		queue:             queue,
		prefetch:          prefetch,
		processingTimeout: processingTimeout,
		errorBackoff:      errorBackoff,
	}
}

// Run consumes until ctx is cancelled (returns nil) or the broker closes the
// delivery stream (returns ErrStreamClosed). A failure to start consuming is
// not fatal: the loop backs off briefly and retries. The message being
// processed when cancellation fires is always finished first, so no delivery
// is left unacknowledged on clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	for {
		deliveries, err := c.ch.Consume(c.queue, "push_worker", false, false, false, false, nil)
		if err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to start consuming, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.errorBackoff):
				continue
			}
		}

		zlog.Logger.Info().Str("queue", c.queue).Int("prefetch", c.prefetch).Msg("consuming")

		for {
			select {
			case <-ctx.Done():
				zlog.Logger.Info().Msg("shutdown signal received, closing consumer")
				return nil
			case delivery, ok := <-deliveries:
				if !ok {
					zlog.Logger.Warn().Msg("delivery stream ended")
					return ErrStreamClosed
				}
				c.process(ctx, delivery)
			}
		}
	}
}

// process applies the per-message timeout. The handler's publish and push
// calls honor the deadline, so a timed-out message is nacked by the handler
// itself and redelivered by the broker.
func (c *Consumer) process(ctx context.Context, delivery amqp.Delivery) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.processingTimeout)
	defer cancel()

	c.handler.Handle(tctx, delivery)
}
