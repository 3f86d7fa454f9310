package scheduler

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"pushgate/internal/model"
)

// Store holds scheduled tasks that have not yet been handed to the broker.
// It is in-memory only: entries do not survive a process restart, which is a
// stated limitation of the scheduling endpoint. All access goes through one
// mutex, held only for map work, never across a broker call.
type Store struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*model.ScheduledTask
}

func NewStore() *Store {
	return &Store{tasks: make(map[uuid.UUID]*model.ScheduledTask)}
}

// Create inserts a new pending task and returns it. Safe under concurrent
// calls from multiple HTTP handlers.
func (s *Store) Create(userID string, scheduledAt time.Time, payload json.RawMessage) model.ScheduledTask {
	task := model.ScheduledTask{
		ID:          uuid.New(),
		UserID:      userID,
		ScheduledAt: scheduledAt,
		Payload:     payload,
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.tasks[task.ID] = &task
	s.mu.Unlock()

	return task
}

// Sweep flips every due pending task to processing and returns clones of the
// collected tasks. This is the only place a task leaves the pending state, so
// a task can never be collected by two cycles.
func (s *Store) Sweep(now time.Time) []model.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.ScheduledTask
	for _, task := range s.tasks {
		if task.Status == model.StatusPending && !task.ScheduledAt.After(now) {
			task.Status = model.StatusProcessing
			due = append(due, *task)
		}
	}

	return due
}

// MarkSent records that a collected task was handed to the broker.
func (s *Store) MarkSent(id uuid.UUID) error {
	return s.setStatus(id, model.StatusSent)
}

// MarkFailed records that publishing a collected task failed. Failed is
// terminal: the sweep never retries it.
func (s *Store) MarkFailed(id uuid.UUID) error {
	return s.setStatus(id, model.StatusFailed)
}

func (s *Store) setStatus(id uuid.UUID, status model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return model.ErrTaskNotFound
	}
	task.Status = status

	return nil
}

// Get returns a clone of the task with the given id.
func (s *Store) Get(id uuid.UUID) (model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return model.ScheduledTask{}, model.ErrTaskNotFound
	}

	return *task, nil
}

// List returns clones of all tasks, in no particular order.
func (s *Store) List() []model.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}

	return out
}
