package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yuryprokashev/public-writing/internal/asyncprocess"
	"github.com/yuryprokashev/public-writing/internal/config"
	"github.com/yuryprokashev/public-writing/internal/generator"
	"github.com/yuryprokashev/public-writing/internal/httpapi"
	"github.com/yuryprokashev/public-writing/internal/nextstage"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/queue"
	"github.com/yuryprokashev/public-writing/internal/tracker"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Worker.MinDelay, cfg.Worker.MaxDelay = 0, 0
	cfg.Notify.ProcessMinDelay, cfg.Notify.ProcessMaxDelay = 0, 0
	return cfg
}

func batchCompletions(t *testing.T, p *Pipeline) []nextstage.BatchCompleted {
	t.Helper()
	var out []nextstage.BatchCompleted
	for _, evt := range p.Bus.Published() {
		if evt.DetailType != nextstage.DetailTypeBatchCompleted {
			continue
		}
		var bc nextstage.BatchCompleted
		require.NoError(t, json.Unmarshal(evt.Detail, &bc))
		out = append(out, bc)
	}
	return out
}

func TestPipeline_BatchTriggersNextStageOnce(t *testing.T) {
	p := NewPipeline(testConfig(), zap.NewNop(), observability.NewCollector("test"))
	ctx := context.Background()

	size := 25
	resp, err := p.Generator.Generate(ctx, generator.Request{BatchSize: &size})
	require.NoError(t, err)
	require.NoError(t, p.Drain(ctx, 100))

	completions := batchCompletions(t, p)
	require.Len(t, completions, 1)
	assert.Equal(t, resp.BatchID, completions[0].BatchID)
	assert.Equal(t, 25, completions[0].BatchSize)

	b, err := p.Store.Get(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusDispatched, b.Status)
	assert.Zero(t, p.Queues.Len(DeadLetterQueue))
}

func TestPipeline_RedeliveredCompletionsDoNotRetrigger(t *testing.T) {
	p := NewPipeline(testConfig(), zap.NewNop(), observability.Noop{})
	ctx := context.Background()

	size := 3
	_, err := p.Generator.Generate(ctx, generator.Request{BatchSize: &size})
	require.NoError(t, err)

	// Run the workers, then duplicate every completion before tracking.
	for p.Queues.Len(TaskQueue) > 0 {
		p.deliver(ctx, p.pumps[0])
	}
	for _, body := range p.Queues.Bodies(TaskDoneQueue) {
		require.NoError(t, p.Queues.Send(ctx, TaskDoneQueue, messageOf(body)))
	}
	require.NoError(t, p.Drain(ctx, 100))

	assert.Len(t, batchCompletions(t, p), 1)
}

func TestPipeline_RoutesGenerateAndProcesses(t *testing.T) {
	p := NewPipeline(testConfig(), zap.NewNop(), observability.Noop{})
	r := httpapi.NewRouter(nil)
	p.Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader(`{"batch_size":4}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 4, p.Queues.Len(TaskQueue))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader(`{"batch_size":0}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/processes/p-1/subscriptions/c-1", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/processes", strings.NewReader(`{"process_id":"p-1"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Eventually(t, func() bool {
		for _, evt := range p.Bus.Published() {
			var pe asyncprocess.ProcessEvent
			if json.Unmarshal(evt.Detail, &pe) == nil && pe.Status == asyncprocess.StatusDone && pe.ID == "p-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func messageOf(body string) queue.Message {
	return queue.Message{Body: body}
}
