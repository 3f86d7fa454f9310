package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushgate/internal/metrics"
	"pushgate/internal/model"
)

const testMaxDelay = 7 * 24 * time.Hour

type fakeAcker struct {
	acked   int
	nacked  int
	requeue []bool
}

func (f *fakeAcker) Ack(_ uint64, _ bool) error {
	f.acked++
	return nil
}

func (f *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcker) Reject(_ uint64, requeue bool) error {
	return f.Nack(0, false, requeue)
}

type fakePublisher struct {
	err       error
	published [][]byte
	delays    []time.Duration
}

func (f *fakePublisher) Publish(_ context.Context, body []byte, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	f.delays = append(f.delays, delay)
	return nil
}

type fakeSender struct {
	err  error
	sent []model.Record
}

func (f *fakeSender) Send(_ context.Context, record model.Record) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, record)
	return nil
}

func delivery(body string) (amqp.Delivery, *fakeAcker) {
	acker := &fakeAcker{}
	return amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(body)}, acker
}

func TestDecider_MalformedJSONIsDeadLettered(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	msg, acker := delivery(`{not json`)
	d.Handle(context.Background(), msg)

	assert.Equal(t, 0, acker.acked)
	require.Equal(t, 1, acker.nacked)
	assert.False(t, acker.requeue[0], "malformed message must not be requeued")
	assert.Empty(t, sender.sent)
	assert.Empty(t, pub.published)
}

func TestDecider_WrongShapeIsDeadLettered(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	// Valid JSON but missing the required user_id field.
	msg, acker := delivery(`{"message":"hi"}`)
	d.Handle(context.Background(), msg)

	require.Equal(t, 1, acker.nacked)
	assert.False(t, acker.requeue[0])
	assert.Empty(t, sender.sent)
}

func TestDecider_DueMessageIsDelivered(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	msg, acker := delivery(fmt.Sprintf(
		`{"user_id":"u1","message":"hi","notification_type":"scheduled","scheduled_at":%q}`, past,
	))
	d.Handle(context.Background(), msg)

	assert.Equal(t, 1, acker.acked)
	assert.Equal(t, 0, acker.nacked)
	assert.Empty(t, pub.published, "due message must not be rescheduled")
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "u1", sender.sent[0].UserID)
	assert.Equal(t, model.TypeScheduled, sender.sent[0].Type)
}

func TestDecider_DelayedRecordDeliversImmediately(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	msg, acker := delivery(`{"user_id":"u1","message":"hi","delay_secs":5,"notification_type":"delayed"}`)
	d.Handle(context.Background(), msg)

	assert.Equal(t, 1, acker.acked)
	assert.Empty(t, pub.published)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, model.TypeDelayed, sender.sent[0].Type)
	assert.Equal(t, uint64(5), sender.sent[0].DelaySecs)
}

func TestDecider_MissingTypeDefaultsToImmediate(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	msg, acker := delivery(`{"user_id":"u1","message":"hi"}`)
	d.Handle(context.Background(), msg)

	assert.Equal(t, 1, acker.acked)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, model.TypeImmediate, sender.sent[0].Type)
}

func TestDecider_FutureMessageIsRescheduledWithRemaining(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	body := fmt.Sprintf(
		`{"user_id":"u1","message":"hi","notification_type":"scheduled","scheduled_at":%q}`, future,
	)
	msg, acker := delivery(body)
	d.Handle(context.Background(), msg)

	assert.Equal(t, 1, acker.acked, "rescheduled delivery must be acked")
	assert.Equal(t, 0, acker.nacked)
	assert.Empty(t, sender.sent)
	require.Len(t, pub.published, 1)
	assert.Equal(t, body, string(pub.published[0]), "envelope must be republished unmodified")
	assert.Greater(t, pub.delays[0], 59*time.Minute)
	assert.LessOrEqual(t, pub.delays[0], time.Hour)
}

func TestDecider_FarFutureMessageIsRescheduledAtCap(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	future := time.Now().Add(10 * 24 * time.Hour).UTC().Format(time.RFC3339)
	msg, acker := delivery(fmt.Sprintf(
		`{"user_id":"u1","message":"hi","notification_type":"scheduled","scheduled_at":%q}`, future,
	))
	d.Handle(context.Background(), msg)

	assert.Equal(t, 1, acker.acked)
	assert.Empty(t, sender.sent)
	require.Len(t, pub.delays, 1)
	assert.Equal(t, testMaxDelay, pub.delays[0])
}

func TestDecider_RepublishFailureRequeues(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	sender := &fakeSender{}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	msg, acker := delivery(fmt.Sprintf(
		`{"user_id":"u1","message":"hi","scheduled_at":%q}`, future,
	))
	d.Handle(context.Background(), msg)

	assert.Equal(t, 0, acker.acked)
	require.Equal(t, 1, acker.nacked)
	assert.True(t, acker.requeue[0], "transient failure must requeue")
}

func TestDecider_PushFailureRequeues(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{err: errors.New("device unreachable")}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	msg, acker := delivery(`{"user_id":"u1","message":"hi"}`)
	d.Handle(context.Background(), msg)

	assert.Equal(t, 0, acker.acked)
	require.Equal(t, 1, acker.nacked)
	assert.True(t, acker.requeue[0])
}

func TestDecider_UnparseableScheduledAtFallsThroughToDelivery(t *testing.T) {
	pub := &fakePublisher{}
	sender := &fakeSender{}
	d := NewDecider(pub, sender, testMaxDelay, metrics.New())

	msg, acker := delivery(`{"user_id":"u1","message":"hi","scheduled_at":"not-a-time"}`)
	d.Handle(context.Background(), msg)

	assert.Equal(t, 1, acker.acked)
	assert.Empty(t, pub.published)
	assert.Len(t, sender.sent, 1)
}
