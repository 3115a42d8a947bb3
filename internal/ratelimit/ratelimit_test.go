package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yuryprokashev/public-writing/internal/blob"
	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
)

const itemQueue = "items"

type sent struct {
	url string
	msg queue.Message
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingSender) Send(ctx context.Context, url string, msg queue.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{url: url, msg: msg})
	return nil
}

func (r *recordingSender) SendBatch(ctx context.Context, url string, msgs []queue.Message) error {
	for _, m := range msgs {
		_ = r.Send(ctx, url, m)
	}
	return nil
}

func (r *recordingSender) task(t *testing.T, i int) LoadTask {
	t.Helper()
	var task LoadTask
	require.NoError(t, json.Unmarshal([]byte(r.sent[i].msg.Body), &task))
	return task
}

// countingAPI returns items instantly and records the peak number of
// concurrent GetItem calls.
type countingAPI struct {
	inFlight int32
	peak     int32
	fail     map[int]bool
}

func (a *countingAPI) ListItemIDs(ctx context.Context) ([]int, error) {
	return []int{0, 1, 2}, nil
}

func (a *countingAPI) GetItem(ctx context.Context, id int) (Item, error) {
	n := atomic.AddInt32(&a.inFlight, 1)
	defer atomic.AddInt32(&a.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&a.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&a.peak, peak, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	if a.fail[id] {
		return Item{}, errors.New("item API returned 500")
	}
	return Item{ID: id, Name: "x"}, nil
}

var day = time.Date(2024, 6, 1, 15, 4, 5, 0, time.UTC)

func newTestLoader(api ItemAPI, writer blob.Writer, sender queue.Sender) *Loader {
	logger := zap.NewNop()
	l := NewLoader(api, writer, sender, itemQueue, queue.NewDeadLetter(sender, "dlq", logger), true, logger, observability.Noop{})
	l.clock = func() time.Time { return day }
	return l
}

func loadMessage(t *testing.T, task LoadTask) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return events.SQSMessage{MessageId: "m1", Body: string(body)}
}

func refs(n int) []ItemRef {
	out := make([]ItemRef, n)
	for i := range out {
		out[i] = ItemRef{ItemID: i}
	}
	return out
}

func TestGenerator_EnqueuesAllItems(t *testing.T) {
	sender := &recordingSender{}
	api := &SimulatedAPI{Count: 1000}
	g := NewGenerator(api, sender, itemQueue, 100, 60, zap.NewNop())

	task, err := g.Generate(context.Background())
	require.NoError(t, err)
	assert.Len(t, task.Items, 1000)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, int32(60), sender.sent[0].msg.DelaySeconds)
	got := sender.task(t, 0)
	assert.Equal(t, 100, got.RateLimit)
	assert.Equal(t, ItemRef{ItemID: 999}, got.Items[999])
}

func TestLoader_LoadsOneWindowAndRequeuesRest(t *testing.T) {
	api := &countingAPI{}
	writer := blob.NewMemory()
	sender := &recordingSender{}
	l := newTestLoader(api, writer, sender)

	task := LoadTask{RateLimit: 100, DelaySeconds: 60, Items: refs(250)}
	resp, err := l.HandleSQS(context.Background(), events.SQSEvent{Records: []events.SQSMessage{loadMessage(t, task)}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	assert.Len(t, writer.Keys(), 100)
	body, ok := writer.Get("item/2024-06-01/42.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":42,"name":"x"}`, string(body))
	assert.LessOrEqual(t, atomic.LoadInt32(&api.peak), int32(100))

	require.Len(t, sender.sent, 1)
	next := sender.task(t, 0)
	assert.Len(t, next.Items, 150)
	assert.Equal(t, ItemRef{ItemID: 100}, next.Items[0])
	assert.Equal(t, int32(60), sender.sent[0].msg.DelaySeconds)
}

func TestLoader_LastWindowIsNotRequeued(t *testing.T) {
	sender := &recordingSender{}
	l := newTestLoader(&countingAPI{}, blob.NewMemory(), sender)

	task := LoadTask{RateLimit: 10, DelaySeconds: 60, Items: refs(10)}
	_, err := l.HandleSQS(context.Background(), events.SQSEvent{Records: []events.SQSMessage{loadMessage(t, task)}})
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestLoader_BoundsConcurrency(t *testing.T) {
	api := &countingAPI{}
	l := newTestLoader(api, blob.NewMemory(), &recordingSender{})

	task := LoadTask{RateLimit: 3, DelaySeconds: 0, Items: refs(3)}
	require.NoError(t, l.process(context.Background(), loadMessage(t, task).Body, zap.NewNop()))
	assert.LessOrEqual(t, atomic.LoadInt32(&api.peak), int32(3))
}

func TestLoader_DelayIsClamped(t *testing.T) {
	sender := &recordingSender{}
	l := newTestLoader(&countingAPI{}, blob.NewMemory(), sender)

	task := LoadTask{RateLimit: 1, DelaySeconds: 3600, Items: refs(2)}
	_, err := l.HandleSQS(context.Background(), events.SQSEvent{Records: []events.SQSMessage{loadMessage(t, task)}})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, int32(queue.MaxDelaySeconds), sender.sent[0].msg.DelaySeconds)
	assert.Equal(t, 3600, sender.task(t, 0).DelaySeconds)
}

func TestLoader_FailedItemFailsMessageWithoutRequeue(t *testing.T) {
	sender := &recordingSender{}
	l := newTestLoader(&countingAPI{fail: map[int]bool{3: true}}, blob.NewMemory(), sender)

	task := LoadTask{RateLimit: 5, DelaySeconds: 60, Items: refs(8)}
	resp, err := l.HandleSQS(context.Background(), events.SQSEvent{Records: []events.SQSMessage{loadMessage(t, task)}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Empty(t, sender.sent)
}

func TestLoader_PoisonTask(t *testing.T) {
	sender := &recordingSender{}
	l := newTestLoader(&countingAPI{}, blob.NewMemory(), sender)

	event := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "bad", Body: `{"rateLimit":0,"items":[]}`}}}
	resp, err := l.HandleSQS(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "dlq", sender.sent[0].url)
}

type brokenAPI struct{ calls int32 }

func (b *brokenAPI) ListItemIDs(ctx context.Context) ([]int, error) { return nil, errors.New("down") }
func (b *brokenAPI) GetItem(ctx context.Context, id int) (Item, error) {
	atomic.AddInt32(&b.calls, 1)
	return Item{}, errors.New("down")
}

func TestBreakerAPI_OpensAfterFailures(t *testing.T) {
	api := &brokenAPI{}
	cfg := DefaultBreakerConfig("items")
	b := NewBreakerAPI(api, cfg, zap.NewNop())

	for i := 0; i < int(cfg.MinRequests); i++ {
		_, err := b.GetItem(context.Background(), i)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.GetItem(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeThrottled))
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(cfg.MinRequests), atomic.LoadInt32(&api.calls), "open breaker does not call the API")
}
