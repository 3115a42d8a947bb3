// Package asyncprocess starts long-running processes through the event bus
// and pushes their completion to subscribed WebSocket clients.
//
// The flow is API -> "start" event -> process -> "done" event -> listener ->
// every connection registered for the process id.
package asyncprocess

import (
	"github.com/aws/aws-lambda-go/events"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/eventbus"
	"github.com/yuryprokashev/public-writing/internal/validation"
)

// DetailTypeProcess is the detail type of every process event. Rules on
// the bus route by the status field.
const DetailTypeProcess = "async-process-event"

// Event statuses.
const (
	StatusStart = "start"
	StatusDone  = "done"
)

// Statuses reported to callers.
const (
	StatePending = "PENDING"
	StateDone    = "DONE"
)

// ProcessEvent is the event detail.
type ProcessEvent struct {
	Status string `json:"status" validate:"required,oneof=start done"`
	ID     string `json:"id" validate:"required"`
}

// ProcessState is what the API and WebSocket clients see.
type ProcessState struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func newEvent(status, id string) eventbus.Event {
	return eventbus.Event{DetailType: DetailTypeProcess, Detail: ProcessEvent{Status: status, ID: id}}
}

// decodeEvent reads and validates the detail of a delivered event.
func decodeEvent(evt events.CloudWatchEvent) (ProcessEvent, error) {
	var pe ProcessEvent
	if err := eventbus.DecodeDetail(evt, &pe); err != nil {
		return ProcessEvent{}, err
	}
	if err := validation.Struct(pe, apperrors.CodeInvalidMessage); err != nil {
		return ProcessEvent{}, err
	}
	return pe, nil
}
