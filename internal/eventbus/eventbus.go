// Package eventbus publishes and decodes EventBridge events.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// MaxEntriesPerCall is the PutEvents entry limit.
const MaxEntriesPerCall = 10

// Event is one event to publish. Detail is marshaled to JSON.
type Event struct {
	DetailType string
	Detail     interface{}
	Resources  []string
}

// Publisher publishes events to the bus.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

// Client is the subset of the EventBridge API the publisher uses.
type Client interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridge implements Publisher using AWS EventBridge.
type EventBridge struct {
	client   Client
	eventBus string
	source   string
	logger   *zap.Logger
	clock    func() time.Time
}

// NewEventBridge creates a publisher. Empty bus and source fall back to
// "default" and "public-writing".
func NewEventBridge(client Client, eventBus, source string, logger *zap.Logger) *EventBridge {
	if eventBus == "" {
		eventBus = "default"
	}
	if source == "" {
		source = "public-writing"
	}
	return &EventBridge{client: client, eventBus: eventBus, source: source, logger: logger, clock: time.Now}
}

// Source returns the source attached to published events.
func (p *EventBridge) Source() string {
	return p.source
}

// Publish sends events in chunks of MaxEntriesPerCall. Any failed entry
// fails the call with a retryable error.
func (p *EventBridge) Publish(ctx context.Context, evts ...Event) error {
	for start := 0; start < len(evts); start += MaxEntriesPerCall {
		end := start + MaxEntriesPerCall
		if end > len(evts) {
			end = len(evts)
		}
		if err := p.publishChunk(ctx, evts[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *EventBridge) publishChunk(ctx context.Context, chunk []Event) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(chunk))
	for _, e := range chunk {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return apperrors.Internal(apperrors.CodeEventPublish, "failed to marshal event detail").
				WithDetails(e.DetailType).
				WithCause(err).
				Build()
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.eventBus),
			Source:       aws.String(p.source),
			DetailType:   aws.String(e.DetailType),
			Detail:       aws.String(string(detail)),
			Resources:    e.Resources,
			Time:         aws.Time(p.clock()),
		})
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return apperrors.FromAWS(err, apperrors.CodeEventPublish, "failed to put events")
	}
	if out.FailedEntryCount > 0 {
		for i, entry := range out.Entries {
			if entry.ErrorCode != nil {
				p.logger.Error("Event entry rejected",
					zap.Int("entry", i),
					zap.String("error_code", aws.ToString(entry.ErrorCode)),
					zap.String("error_message", aws.ToString(entry.ErrorMessage)),
				)
			}
		}
		return apperrors.External(apperrors.CodeEventPublish, "events failed to publish").
			WithDetails(fmt.Sprintf("%d of %d entries failed", out.FailedEntryCount, len(entries))).
			Build()
	}

	p.logger.Debug("Events published", zap.Int("count", len(entries)), zap.String("event_bus", p.eventBus))
	return nil
}

// DecodeDetail unmarshals the detail of a received event.
func DecodeDetail(evt events.CloudWatchEvent, v interface{}) error {
	if err := json.Unmarshal(evt.Detail, v); err != nil {
		return apperrors.Validation(apperrors.CodeInvalidMessage, "malformed event detail").
			WithDetails(evt.DetailType).
			WithCause(err).
			Build()
	}
	return nil
}

// Handler consumes a delivered event.
type Handler func(ctx context.Context, evt events.CloudWatchEvent) error

// Memory is an in-process bus for the local runner and tests. Published
// events are recorded and delivered synchronously to subscribers of their
// detail type.
type Memory struct {
	mu          sync.Mutex
	source      string
	published   []events.CloudWatchEvent
	subscribers map[string][]Handler
	seq         int
}

// NewMemory creates an empty in-memory bus.
func NewMemory(source string) *Memory {
	return &Memory{source: source, subscribers: make(map[string][]Handler)}
}

// Subscribe registers h for events with the given detail type.
func (m *Memory) Subscribe(detailType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[detailType] = append(m.subscribers[detailType], h)
}

func (m *Memory) Publish(ctx context.Context, evts ...Event) error {
	for _, e := range evts {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return apperrors.Internal(apperrors.CodeEventPublish, "failed to marshal event detail").WithCause(err).Build()
		}
		m.mu.Lock()
		m.seq++
		evt := events.CloudWatchEvent{
			Version:    "0",
			ID:         fmt.Sprintf("mem-%d", m.seq),
			DetailType: e.DetailType,
			Source:     m.source,
			Time:       time.Now().UTC(),
			Resources:  e.Resources,
			Detail:     detail,
		}
		m.published = append(m.published, evt)
		handlers := append([]Handler(nil), m.subscribers[e.DetailType]...)
		m.mu.Unlock()

		for _, h := range handlers {
			if err := h(ctx, evt); err != nil {
				return err
			}
		}
	}
	return nil
}

// Published returns the events published so far.
func (m *Memory) Published() []events.CloudWatchEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.CloudWatchEvent(nil), m.published...)
}

var (
	_ Publisher = (*EventBridge)(nil)
	_ Publisher = (*Memory)(nil)
)
