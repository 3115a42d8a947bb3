// Package fanout defines the messages exchanged by the fan-out/fan-in
// pipeline: tasks sent to workers, completions echoed back, and the single
// batch-complete signal.
package fanout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/validation"
)

// Task is one unit of work belonging to a batch. TaskIndex is unique within
// the batch and lies in [0, BatchSize).
type Task struct {
	BatchID   string `json:"batch_id" validate:"required"`
	BatchSize int    `json:"batch_size" validate:"min=1"`
	TaskIndex int    `json:"task_index" validate:"min=0,ltfield=BatchSize"`
}

// UnmarshalJSON accepts task_id as an alias of task_index and numeric batch IDs.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw struct {
		BatchID   json.RawMessage `json:"batch_id"`
		BatchSize *int            `json:"batch_size"`
		TaskIndex *int            `json:"task_index"`
		TaskID    *int            `json:"task_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Task{TaskIndex: -1}
	if len(raw.BatchID) > 0 && !bytes.Equal(raw.BatchID, []byte("null")) {
		var id string
		if err := json.Unmarshal(raw.BatchID, &id); err != nil {
			var n json.Number
			if err := json.Unmarshal(raw.BatchID, &n); err != nil {
				return fmt.Errorf("batch_id must be a string or number")
			}
			id = n.String()
		}
		t.BatchID = id
	}
	if raw.BatchSize != nil {
		t.BatchSize = *raw.BatchSize
	}
	switch {
	case raw.TaskIndex != nil:
		t.TaskIndex = *raw.TaskIndex
	case raw.TaskID != nil:
		t.TaskIndex = *raw.TaskID
	}
	return nil
}

// Validate checks the task fields.
func (t Task) Validate() error {
	return validation.Struct(t, apperrors.CodeInvalidMessage)
}

// Completion is the record a worker emits when a task finishes. It echoes
// the task payload.
type Completion struct {
	Task
}

// Complete returns the completion record for t.
func (t Task) Complete() Completion {
	return Completion{Task: t}
}

// BatchComplete is the signal published once every task of a batch is done.
type BatchComplete struct {
	BatchID     string    `json:"batch_id" validate:"required"`
	BatchSize   int       `json:"batch_size" validate:"min=1"`
	CompletedAt time.Time `json:"completed_at"`
}

// Validate checks the signal fields.
func (b BatchComplete) Validate() error {
	return validation.Struct(b, apperrors.CodeInvalidMessage)
}

// DecodeTask parses and validates a task message body. Malformed or invalid
// bodies produce validation errors.
func DecodeTask(body string) (Task, error) {
	var t Task
	if err := decode(body, &t); err != nil {
		return Task{}, err
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// DecodeCompletion parses and validates a completion message body.
func DecodeCompletion(body string) (Completion, error) {
	t, err := DecodeTask(body)
	if err != nil {
		return Completion{}, err
	}
	return t.Complete(), nil
}

// DecodeBatchComplete parses and validates a batch-complete message body.
func DecodeBatchComplete(body string) (BatchComplete, error) {
	var b BatchComplete
	if err := decode(body, &b); err != nil {
		return BatchComplete{}, err
	}
	if err := b.Validate(); err != nil {
		return BatchComplete{}, err
	}
	return b, nil
}

func decode(body string, v interface{}) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return apperrors.Validation(apperrors.CodeInvalidMessage, "malformed message body").
			WithCause(err).
			Build()
	}
	return nil
}

// Encode marshals a message body.
func Encode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Internal(apperrors.CodeInvalidMessage, "failed to encode message").WithCause(err).Build()
	}
	return string(b), nil
}

// NewBatchID returns a time-ordered UUIDv7, unique across concurrent generators.
func NewBatchID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}
	return id.String(), nil
}

// NewTasks builds the size tasks of one batch.
func NewTasks(batchID string, size int) []Task {
	tasks := make([]Task, size)
	for i := range tasks {
		tasks[i] = Task{BatchID: batchID, BatchSize: size, TaskIndex: i}
	}
	return tasks
}
