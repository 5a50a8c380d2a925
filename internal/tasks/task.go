// Package tasks carries deferred reminder work between the engine and a queue.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTask indicates a task payload that cannot be processed.
var ErrInvalidTask = errors.New("tasks: invalid reminder task")

// ReminderTask asks the worker to re-announce an active event.
// Sequence is the reminder cycle the task belongs to.
type ReminderTask struct {
	FamilyID    string `json:"familyId"`
	EventID     string `json:"eventId"`
	CreatedAtMs int64  `json:"createdAtMs"`
	Sequence    int64  `json:"seq"`
}

// Validate checks that the task identifies an event.
func (t ReminderTask) Validate() error {
	if strings.TrimSpace(t.FamilyID) == "" {
		return fmt.Errorf("%w: missing family id", ErrInvalidTask)
	}
	if strings.TrimSpace(t.EventID) == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidTask)
	}
	if t.CreatedAtMs <= 0 {
		return fmt.Errorf("%w: missing creation time", ErrInvalidTask)
	}
	if t.Sequence < 0 {
		return fmt.Errorf("%w: negative sequence", ErrInvalidTask)
	}
	return nil
}

// Encode serializes the task for transport.
func (t ReminderTask) Encode() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// DecodeReminderTask parses and validates a serialized task.
func DecodeReminderTask(payload []byte) (ReminderTask, error) {
	var task ReminderTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return ReminderTask{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := task.Validate(); err != nil {
		return ReminderTask{}, err
	}
	return task, nil
}

// Handler processes one delivered task. A returned error asks the queue to redeliver.
type Handler func(ctx context.Context, task ReminderTask) error

// Enqueuer schedules a task for delivery no earlier than notBefore.
type Enqueuer interface {
	Enqueue(ctx context.Context, task ReminderTask, notBefore time.Time) error
}
