package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type classifies how a notification was submitted. The producing endpoint
// sets it authoritatively; values sent by clients are overwritten.
type Type string

const (
	TypeImmediate Type = "immediate"
	TypeDelayed   Type = "delayed"
	TypeScheduled Type = "scheduled"
)

// TaskStatus is the lifecycle state of a ScheduledTask. The only transitions
// are pending -> processing (sweep) and processing -> sent | failed.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusSent       TaskStatus = "sent"
	StatusFailed     TaskStatus = "failed"
)

var ErrTaskNotFound = errors.New("scheduled task not found")

// Record is the unit of work delivered to a recipient.
type Record struct {
	UserID  string `json:"user_id" validate:"required"`
	Message string `json:"message" validate:"required"`
	// DelaySecs is only meaningful when Type != scheduled.
	DelaySecs uint64 `json:"delay_secs"`
	Type      Type   `json:"notification_type"`
}

// Envelope is what travels on the wire for absolute-time scheduling. Once
// published, ScheduledAt never changes in flight; rescheduling republishes
// the same envelope with a recomputed delay header.
type Envelope struct {
	Record
	ScheduledAt time.Time `json:"scheduled_at"`
}

// ScheduledTask is the server-side holding record for a notification created
// via the scheduling endpoint. Tasks are never deleted; terminal entries stay
// around for status queries.
type ScheduledTask struct {
	ID          uuid.UUID       `json:"id"`
	UserID      string          `json:"user_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}
