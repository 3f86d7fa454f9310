package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/wb-go/wbf/zlog"

	"pushgate/internal/model"
)

// DelayPublisher is the slice of the broker publisher the sweep needs.
type DelayPublisher interface {
	Publish(ctx context.Context, body []byte, delay time.Duration) error
}

// PublisherFactory opens a broker publisher for a single sweep cycle. The
// returned closer releases the underlying channel when the cycle ends.
// Failing to produce a publisher is a cycle-level error, distinct from a
// per-task publish failure.
type PublisherFactory func() (DelayPublisher, io.Closer, error)

// Sweeper periodically promotes due scheduled tasks to the broker. A cycle
// that cannot reach the broker is logged and retried after a longer backoff;
// it never crashes the process.
type Sweeper struct {
	store        *Store
	factory      PublisherFactory
	interval     time.Duration
	errorBackoff time.Duration
}

func NewSweeper(store *Store, factory PublisherFactory, interval, errorBackoff time.Duration) *Sweeper {
	return &Sweeper{
		store:        store,
		factory:      factory,
		interval:     interval,
		errorBackoff: errorBackoff,
	}
}

// Run loops until ctx is cancelled. Cycles are short and bounded, so
// cancellation is only observed between cycles.
func (s *Sweeper) Run(ctx context.Context) {
	zlog.Logger.Info().Dur("interval", s.interval).Msg("starting scheduler sweep")

	for {
		pause := s.interval
		if err := s.cycle(ctx); err != nil {
			zlog.Logger.Error().Err(err).Msg("sweep cycle failed")
			pause = s.errorBackoff
		}

		select {
		case <-ctx.Done():
			zlog.Logger.Info().Msg("scheduler sweep stopped")
			return
		case <-time.After(pause):
		}
	}
}

func (s *Sweeper) cycle(ctx context.Context) error {
	pub, closer, err := s.factory()
	if err != nil {
		return fmt.Errorf("get publisher: %w", err)
	}
	defer closer.Close()

	// Broker calls happen after the lock is released, on a cloned snapshot.
	due := s.store.Sweep(time.Now().UTC())

	for _, task := range due {
		if err := s.publishTask(ctx, pub, task); err != nil {
			zlog.Logger.Error().Err(err).
				Str("id", task.ID.String()).
				Msg("failed to send scheduled task")

			if err := s.store.MarkFailed(task.ID); err != nil {
				zlog.Logger.Error().Err(err).Str("id", task.ID.String()).Msg("failed to mark task failed")
			}
			continue
		}

		if err := s.store.MarkSent(task.ID); err != nil {
			zlog.Logger.Error().Err(err).Str("id", task.ID.String()).Msg("failed to mark task sent")
			continue
		}

		zlog.Logger.Info().Str("id", task.ID.String()).Msg("scheduled task sent")
	}

	return nil
}

// publishTask binds the task's opaque payload to the strict record shape and
// publishes it for immediate delivery.
func (s *Sweeper) publishTask(ctx context.Context, pub DelayPublisher, task model.ScheduledTask) error {
	var record model.Record
	if err := json.Unmarshal(task.Payload, &record); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	record.Type = model.TypeScheduled

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if err := pub.Publish(ctx, body, 0); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}

	return nil
}
