package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/zlog"

	"pushgate/internal/metrics"
	"pushgate/internal/model"
)

// delayPublisher republishes a delivery with a new delay.
type delayPublisher interface {
	Publish(ctx context.Context, body []byte, delay time.Duration) error
}

// pushSender performs the device push. Transient failures are retried via
// broker redelivery only; no attempt counter is kept, which means a push that
// fails forever keeps cycling through the queue.
type pushSender interface {
	Send(ctx context.Context, record model.Record) error
}

// looseEnvelope holds only the fields needed for the routing decision.
// Strict decoding into the record shape happens at final delivery.
type looseEnvelope struct {
	ScheduledAt string `json:"scheduled_at"`
}

// Decider decides, per delivery, between rescheduling with a (possibly
// capped) delay and final delivery to the push sender. It owns the
// acknowledgment of every delivery handed to it.
type Decider struct {
	pub      delayPublisher
	sender   pushSender
	maxDelay time.Duration
	validate *validator.Validate
	metrics  *metrics.Metrics
}

func NewDecider(pub delayPublisher, sender pushSender, maxDelay time.Duration, m *metrics.Metrics) *Decider {
	return &Decider{
		pub:      pub,
		sender:   sender,
		maxDelay: maxDelay,
		validate: validator.New(),
		metrics:  m,
	}
}

// Handle processes one delivery to completion: exactly one ack or nack is
// issued on every path.
func (d *Decider) Handle(ctx context.Context, delivery amqp.Delivery) {
	d.metrics.Consumed.Inc()
	zlog.Logger.Info().Int("size", len(delivery.Body)).Msg("received message")

	var env looseEnvelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		zlog.Logger.Error().Err(err).
			Str("payload", truncate(delivery.Body)).
			Msg("malformed message, sending to dead letter queue")
		d.deadLetter(delivery)
		return
	}

	if scheduledAt, ok := parseScheduledAt(env.ScheduledAt); ok {
		remaining := time.Until(scheduledAt)
		// Zero or negative remaining is always due now, never rescheduled,
		// so clock skew cannot produce an infinite reschedule loop.
		if remaining > 0 {
			d.reschedule(ctx, delivery, scheduledAt, remaining)
			return
		}
	}

	d.deliver(ctx, delivery)
}

// reschedule republishes the same, unmodified envelope with the remaining
// delay, capped at the broker maximum, then acknowledges the consumed copy.
func (d *Decider) reschedule(ctx context.Context, delivery amqp.Delivery, scheduledAt time.Time, remaining time.Duration) {
	delay := remaining
	if delay > d.maxDelay {
		delay = d.maxDelay
	}

	if err := d.pub.Publish(ctx, delivery.Body, delay); err != nil {
		zlog.Logger.Warn().Err(err).
			Time("scheduled_at", scheduledAt).
			Msg("failed to republish, requeueing")
		d.requeue(delivery)
		return
	}

	if delay < remaining {
		zlog.Logger.Info().
			Time("scheduled_at", scheduledAt).
			Dur("delay", delay).
			Msg("requeued notification at capped delay, will re-check after it elapses")
	} else {
		zlog.Logger.Info().
			Time("scheduled_at", scheduledAt).
			Dur("delay", delay).
			Msg("requeued notification for remaining delay")
	}

	d.ack(delivery)
	d.metrics.Rescheduled.Inc()
}

// deliver binds the payload to the strict record shape and pushes it.
func (d *Decider) deliver(ctx context.Context, delivery amqp.Delivery) {
	var record model.Record
	if err := json.Unmarshal(delivery.Body, &record); err != nil {
		zlog.Logger.Error().Err(err).
			Str("payload", truncate(delivery.Body)).
			Msg("message does not match record shape, sending to dead letter queue")
		d.deadLetter(delivery)
		return
	}

	if record.Type == "" {
		record.Type = model.TypeImmediate
	}

	if err := d.validate.Struct(record); err != nil {
		zlog.Logger.Error().Err(err).
			Str("payload", truncate(delivery.Body)).
			Msg("record missing required fields, sending to dead letter queue")
		d.deadLetter(delivery)
		return
	}

	zlog.Logger.Info().
		Str("user_id", record.UserID).
		Str("type", string(record.Type)).
		Uint64("delay_secs", record.DelaySecs).
		Msg("processing notification")

	if err := d.sender.Send(ctx, record); err != nil {
		zlog.Logger.Warn().Err(err).
			Str("user_id", record.UserID).
			Msg("push failed, requeueing for retry")
		d.requeue(delivery)
		return
	}

	d.ack(delivery)
	d.metrics.Pushed.WithLabelValues(string(record.Type)).Inc()
}

func (d *Decider) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to ack delivery")
	}
}

func (d *Decider) requeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to nack delivery")
		return
	}
	d.metrics.Requeued.Inc()
}

func (d *Decider) deadLetter(delivery amqp.Delivery) {
	if err := delivery.Nack(false, false); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to dead-letter delivery")
		return
	}
	d.metrics.DeadLettered.Inc()
}

// parseScheduledAt reads the optional RFC3339 target timestamp. A present but
// unparseable value is treated as absent so the message still reaches the
// strict decode instead of looping.
func parseScheduledAt(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("scheduled_at", raw).Msg("unparseable scheduled_at, ignoring")
		return time.Time{}, false
	}
	return ts.UTC(), true
}

const maxLoggedPayload = 256

func truncate(body []byte) string {
	if len(body) > maxLoggedPayload {
		return string(body[:maxLoggedPayload]) + "..."
	}
	return string(body)
}
