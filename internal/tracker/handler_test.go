package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yuryprokashev/public-writing/internal/fanout"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
)

const dlqURL = "https://sqs.us-east-1.amazonaws.com/123456789012/completions-dlq"

func completionMessage(t *testing.T, id, batchID string, size, index int) events.SQSMessage {
	t.Helper()
	body, err := fanout.Encode(fanout.Task{BatchID: batchID, BatchSize: size, TaskIndex: index}.Complete())
	require.NoError(t, err)
	return events.SQSMessage{MessageId: id, Body: body}
}

func failedIDs(resp events.SQSEventResponse) []string {
	ids := make([]string, 0, len(resp.BatchItemFailures))
	for _, f := range resp.BatchItemFailures {
		ids = append(ids, f.ItemIdentifier)
	}
	return ids
}

type handlerFixture struct {
	store    *flakyStore
	signaler *recordingSignaler
	queues   *queue.Memory
	clock    *fakeClock
	handler  *Handler
}

func newHandlerFixture(dlq string, partial bool) *handlerFixture {
	f := &handlerFixture{
		store:    &flakyStore{MemoryStore: NewMemoryStore()},
		signaler: &recordingSignaler{},
		queues:   queue.NewMemory(),
		clock:    &fakeClock{now: t0},
	}
	logger := zap.NewNop()
	tr := New(f.store, f.signaler, logger, WithClock(f.clock.Now))
	f.handler = NewHandler(tr, queue.NewDeadLetter(f.queues, dlq, logger), partial, logger, observability.Noop{})
	return f
}

func TestHandleSQS_InterleavedBatches(t *testing.T) {
	f := newHandlerFixture("", true)

	event := events.SQSEvent{Records: []events.SQSMessage{
		completionMessage(t, "m1", "a", 2, 0),
		completionMessage(t, "m2", "b", 3, 0),
		completionMessage(t, "m3", "a", 2, 1),
		completionMessage(t, "m4", "b", 3, 1),
	}}

	resp, err := f.handler.HandleSQS(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	assert.Equal(t, 1, f.signaler.count("a"))
	assert.Equal(t, 0, f.signaler.count("b"))

	b, err := f.store.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Count())
}

func TestHandleSQS_PoisonToDeadLetterQueue(t *testing.T) {
	f := newHandlerFixture(dlqURL, true)

	event := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad-json", Body: "{not json"},
		{MessageId: "bad-index", Body: `{"batch_id":"a","batch_size":2,"task_index":5}`},
		completionMessage(t, "m1", "a", 2, 0),
	}}

	resp, err := f.handler.HandleSQS(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures, "dead-lettered messages are acknowledged")
	assert.Equal(t, 2, f.queues.Len(dlqURL))

	dead := f.queues.Receive(dlqURL, 0)
	assert.Equal(t, "{not json", dead.Records[0].Body)
	assert.Equal(t, "bad-json", *dead.Records[0].MessageAttributes["original_message_id"].StringValue)
}

func TestHandleSQS_PoisonWithoutDeadLetterQueueIsReportedFailed(t *testing.T) {
	f := newHandlerFixture("", true)

	event := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad-json", Body: "[]"},
		completionMessage(t, "m1", "a", 1, 0),
	}}

	resp, err := f.handler.HandleSQS(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad-json"}, failedIDs(resp))
	assert.Equal(t, 1, f.signaler.count("a"))
}

func TestHandleSQS_SizeMismatch(t *testing.T) {
	f := newHandlerFixture(dlqURL, true)

	_, err := f.store.Record(context.Background(), "a", 4, []int{0})
	require.NoError(t, err)

	event := events.SQSEvent{Records: []events.SQSMessage{
		completionMessage(t, "m1", "a", 5, 1),
		completionMessage(t, "m2", "a", 5, 2),
		completionMessage(t, "m3", "a", 6, 3),
		completionMessage(t, "m4", "c", 1, 0),
	}}

	resp, err := f.handler.HandleSQS(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 3, f.queues.Len(dlqURL), "every record of the mismatched batch is poison")
	assert.Equal(t, 1, f.signaler.count("c"))
}

func TestHandleSQS_CorruptSizeFirstDoesNotPoisonValidRecords(t *testing.T) {
	f := newHandlerFixture(dlqURL, true)

	_, err := f.store.Record(context.Background(), "a", 2, []int{0})
	require.NoError(t, err)

	event := events.SQSEvent{Records: []events.SQSMessage{
		completionMessage(t, "bad", "a", 3, 2),
		completionMessage(t, "good", "a", 2, 1),
	}}

	resp, err := f.handler.HandleSQS(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	require.Equal(t, 1, f.queues.Len(dlqURL))
	dead := f.queues.Receive(dlqURL, 0)
	assert.Equal(t, "bad", *dead.Records[0].MessageAttributes["original_message_id"].StringValue)

	b, err := f.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, StatusComplete, b.Status)
	assert.Equal(t, 1, f.signaler.count("a"))
}

func TestHandleSQS_NewBatchTakesTheMajoritySize(t *testing.T) {
	f := newHandlerFixture(dlqURL, true)

	event := events.SQSEvent{Records: []events.SQSMessage{
		completionMessage(t, "bad", "n", 9, 7),
		completionMessage(t, "m1", "n", 2, 0),
		completionMessage(t, "m2", "n", 2, 1),
	}}

	resp, err := f.handler.HandleSQS(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 1, f.queues.Len(dlqURL))
	assert.Equal(t, 1, f.signaler.count("n"))
}

func TestHandleSQS_FailingGroupFailsOnlyItsMessages(t *testing.T) {
	f := newHandlerFixture("", true)
	f.signaler.failures = 1

	event := events.SQSEvent{Records: []events.SQSMessage{
		completionMessage(t, "m1", "a", 2, 0),
		completionMessage(t, "m2", "a", 2, 1),
		completionMessage(t, "m3", "b", 3, 0),
	}}

	resp, err := f.handler.HandleSQS(context.Background(), event)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, failedIDs(resp))

	b, err := f.store.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count())
}

func TestHandleSQS_PartialResponsesDisabled(t *testing.T) {
	f := newHandlerFixture("", false)
	f.store.recordErr = errors.New("table unavailable")

	event := events.SQSEvent{Records: []events.SQSMessage{completionMessage(t, "m1", "a", 1, 0)}}

	resp, err := f.handler.HandleSQS(context.Background(), event)
	require.Error(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestHandleSQS_RedeliveryLoopConverges(t *testing.T) {
	f := newHandlerFixture("", true)
	const src = "completions"
	const size = 25

	for i := 0; i < size; i++ {
		body, err := fanout.Encode(fanout.Task{BatchID: "loop", BatchSize: size, TaskIndex: i}.Complete())
		require.NoError(t, err)
		require.NoError(t, f.queues.Send(context.Background(), src, queue.Message{Body: body}))
		if i%4 == 0 {
			require.NoError(t, f.queues.Send(context.Background(), src, queue.Message{Body: body}))
		}
	}
	f.signaler.failures = 2

	for round := 0; f.queues.Len(src) > 0; round++ {
		require.Less(t, round, 50, "queue did not drain")
		event := f.queues.Receive(src, 10)
		resp, err := f.handler.HandleSQS(context.Background(), event)
		require.NoError(t, err)

		failed := make(map[string]bool)
		for _, id := range failedIDs(resp) {
			failed[id] = true
		}
		var back []events.SQSMessage
		for _, msg := range event.Records {
			if failed[msg.MessageId] {
				back = append(back, msg)
			}
		}
		f.queues.Requeue(src, back)
		// Failed messages come back after the visibility timeout.
		f.clock.Advance(DefaultClaimLease + time.Second)
	}

	b, err := f.store.Get(context.Background(), "loop")
	require.NoError(t, err)
	assert.Equal(t, size, b.Count())
	assert.Equal(t, 1, f.signaler.count("loop"), fmt.Sprintf("signals: %v", f.signaler.signals))
}
