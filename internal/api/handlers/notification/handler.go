package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"pushgate/internal/api/respond"
	"pushgate/internal/model"
)

// delayPublisher publishes a serialized notification with the given delay.
// The publisher applies the broker delay cap itself.
type delayPublisher interface {
	Publish(ctx context.Context, body []byte, delay time.Duration) error
}

// taskStore is the scheduled-task store consumed by the scheduling endpoint.
type taskStore interface {
	Create(userID string, scheduledAt time.Time, payload json.RawMessage) model.ScheduledTask
	Get(id uuid.UUID) (model.ScheduledTask, error)
	List() []model.ScheduledTask
}

// Handler handles the notification HTTP endpoints.
type Handler struct {
	publisher delayPublisher
	store     taskStore
	validator *validator.Validate
}

func NewHandler(publisher delayPublisher, store taskStore, v *validator.Validate) *Handler {
	return &Handler{
		publisher: publisher,
		store:     store,
		validator: v,
	}
}

// NotifyRequest is the body for /notify and /notify-delayed. The
// notification type is set by the endpoint, never trusted from the client.
type NotifyRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	Message   string `json:"message" validate:"required"`
	DelaySecs uint64 `json:"delay_secs"`
}

// NotifyAtRequest is the body for /notify-at.
type NotifyAtRequest struct {
	UserID      string    `json:"user_id" validate:"required"`
	Message     string    `json:"message" validate:"required"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

// ScheduleRequest is the body for /schedule-notification. Payload stays
// opaque until the sweep publishes it.
type ScheduleRequest struct {
	UserID      string          `json:"user_id" validate:"required"`
	ScheduledAt time.Time       `json:"scheduled_at" validate:"required"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
}

// Notify handles POST /notify: one publish, no delay header.
func (h *Handler) Notify(c *ginext.Context) {
	req, ok := h.decodeNotify(c)
	if !ok {
		return
	}

	record := model.Record{
		UserID:  req.UserID,
		Message: req.Message,
		Type:    model.TypeImmediate,
	}

	zlog.Logger.Info().Str("user_id", record.UserID).Msg("sending immediate notification")

	if !h.publish(c, record, 0) {
		return
	}

	respond.OK(c.Writer, map[string]interface{}{
		"status":  "sent",
		"type":    model.TypeImmediate,
		"user_id": record.UserID,
	})
}

// NotifyDelayed handles POST /notify-delayed: delay header = delay_secs * 1000 ms.
func (h *Handler) NotifyDelayed(c *ginext.Context) {
	req, ok := h.decodeNotify(c)
	if !ok {
		return
	}

	record := model.Record{
		UserID:    req.UserID,
		Message:   req.Message,
		DelaySecs: req.DelaySecs,
		Type:      model.TypeDelayed,
	}

	zlog.Logger.Info().
		Str("user_id", record.UserID).
		Uint64("delay_secs", record.DelaySecs).
		Msg("sending delayed notification")

	if !h.publish(c, record, time.Duration(record.DelaySecs)*time.Second) {
		return
	}

	respond.OK(c.Writer, map[string]interface{}{
		"status":        "scheduled",
		"type":          model.TypeDelayed,
		"user_id":       record.UserID,
		"delay_seconds": record.DelaySecs,
	})
}

// NotifyAt handles POST /notify-at. The envelope always carries the target
// timestamp; the publisher caps the first delay and the consumer reschedules
// until the target is due.
func (h *Handler) NotifyAt(c *ginext.Context) {
	var req NotifyAtRequest
	if !h.decode(c, &req) {
		return
	}

	envelope := model.Envelope{
		Record: model.Record{
			UserID:  req.UserID,
			Message: req.Message,
			Type:    model.TypeScheduled,
		},
		ScheduledAt: req.ScheduledAt.UTC(),
	}

	delay := time.Until(envelope.ScheduledAt)

	zlog.Logger.Info().
		Str("user_id", envelope.UserID).
		Time("scheduled_at", envelope.ScheduledAt).
		Dur("delay", delay).
		Msg("scheduling notification")

	if !h.publish(c, envelope, delay) {
		return
	}

	respond.OK(c.Writer, map[string]interface{}{
		"status":       "scheduled",
		"type":         model.TypeScheduled,
		"user_id":      envelope.UserID,
		"scheduled_at": envelope.ScheduledAt,
	})
}

// Schedule handles POST /schedule-notification: no broker interaction, the
// task waits in the store for the sweep.
func (h *Handler) Schedule(c *ginext.Context) {
	var req ScheduleRequest
	if !h.decode(c, &req) {
		return
	}

	task := h.store.Create(req.UserID, req.ScheduledAt.UTC(), req.Payload)

	zlog.Logger.Info().
		Str("id", task.ID.String()).
		Str("user_id", task.UserID).
		Time("scheduled_at", task.ScheduledAt).
		Msg("scheduled notification task created")

	respond.OK(c.Writer, map[string]interface{}{
		"id":           task.ID,
		"status":       "scheduled",
		"scheduled_at": task.ScheduledAt,
		"user_id":      task.UserID,
	})
}

// GetScheduled handles GET /schedule-notification/:id.
func (h *Handler) GetScheduled(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}

	task, err := h.store.Get(id)
	if err != nil {
		if errors.Is(err, model.ErrTaskNotFound) {
			respond.Fail(c.Writer, http.StatusNotFound, err)
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get scheduled task")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, task)
}

// ListScheduled handles GET /schedule-notification.
func (h *Handler) ListScheduled(c *ginext.Context) {
	respond.OK(c.Writer, h.store.List())
}

func (h *Handler) decodeNotify(c *ginext.Context) (NotifyRequest, bool) {
	var req NotifyRequest
	if !h.decode(c, &req) {
		return NotifyRequest{}, false
	}
	return req, true
}

// decode reads and validates the request body, writing the 4xx response on
// failure. No broker interaction happens for a rejected body.
func (h *Handler) decode(c *ginext.Context, req interface{}) bool {
	if err := json.NewDecoder(c.Request.Body).Decode(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return false
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return false
	}

	return true
}

// publish serializes v and publishes it, writing the 5xx response on
// failure. Synchronous endpoints fail fast: no retries here.
func (h *Handler) publish(c *ginext.Context, v interface{}, delay time.Duration) bool {
	body, err := json.Marshal(v)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to marshal notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return false
	}

	if err := h.publisher.Publish(c.Request.Context(), body, delay); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to publish notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("failed to send notification"))
		return false
	}

	return true
}
