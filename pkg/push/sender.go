package push

import (
	"context"
	"time"

	"github.com/wb-go/wbf/zlog"

	"pushgate/internal/model"
)

// Sender simulates pushing a notification to a recipient's device. Each
// notification class carries a configurable processing cost standing in for
// real channel-specific latency.
type Sender struct {
	immediateLatency time.Duration
	delayedLatency   time.Duration
	scheduledLatency time.Duration
}

func NewSender(immediateLatency, delayedLatency, scheduledLatency time.Duration) *Sender {
	return &Sender{
		immediateLatency: immediateLatency,
		delayedLatency:   delayedLatency,
		scheduledLatency: scheduledLatency,
	}
}

// Send delivers the push, honoring ctx so a processing deadline set by the
// consumer interrupts a slow send.
func (s *Sender) Send(ctx context.Context, record model.Record) error {
	zlog.Logger.Info().
		Str("user_id", record.UserID).
		Str("type", string(record.Type)).
		Msg("sending push notification")

	timer := time.NewTimer(s.latency(record.Type))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	zlog.Logger.Info().Str("user_id", record.UserID).Msg("push notification sent")
	return nil
}

func (s *Sender) latency(t model.Type) time.Duration {
	switch t {
	case model.TypeDelayed:
		return s.delayedLatency
	case model.TypeScheduled:
		return s.scheduledLatency
	default:
		return s.immediateLatency
	}
}
