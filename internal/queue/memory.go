package queue

import (
	"context"
	"strconv"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// Memory is an in-process Sender used by the local runner and tests.
// Messages are kept per queue URL until received.
type Memory struct {
	mu     sync.Mutex
	seq    int
	queues map[string][]events.SQSMessage
}

// NewMemory creates an empty in-memory queue set.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string][]events.SQSMessage)}
}

// Send enqueues one message.
func (m *Memory) Send(ctx context.Context, queueURL string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueue(queueURL, msg)
	return nil
}

// SendBatch enqueues all messages.
func (m *Memory) SendBatch(ctx context.Context, queueURL string, msgs []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.enqueue(queueURL, msg)
	}
	return nil
}

func (m *Memory) enqueue(queueURL string, msg Message) {
	m.seq++
	sqsMsg := events.SQSMessage{
		MessageId:      "mem-" + strconv.Itoa(m.seq),
		Body:           msg.Body,
		EventSourceARN: queueURL,
	}
	if len(msg.Attributes) > 0 {
		sqsMsg.MessageAttributes = make(map[string]events.SQSMessageAttribute, len(msg.Attributes))
		for k, v := range msg.Attributes {
			v := v
			sqsMsg.MessageAttributes[k] = events.SQSMessageAttribute{DataType: "String", StringValue: &v}
		}
	}
	m.queues[queueURL] = append(m.queues[queueURL], sqsMsg)
}

// Receive removes and returns up to max messages as a Lambda SQS event.
func (m *Memory) Receive(queueURL string, max int) events.SQSEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queueURL]
	if max <= 0 || max > len(q) {
		max = len(q)
	}
	records := append([]events.SQSMessage(nil), q[:max]...)
	m.queues[queueURL] = q[max:]
	return events.SQSEvent{Records: records}
}

// Requeue puts failed messages back at the end of the queue.
func (m *Memory) Requeue(queueURL string, msgs []events.SQSMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queueURL] = append(m.queues[queueURL], msgs...)
}

// Len returns the number of messages waiting on a queue.
func (m *Memory) Len(queueURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queueURL])
}

// Bodies returns the bodies waiting on a queue without removing them.
func (m *Memory) Bodies(queueURL string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues[queueURL]))
	for _, msg := range m.queues[queueURL] {
		out = append(out, msg.Body)
	}
	return out
}

var (
	_ Sender = (*Memory)(nil)
	_ Sender = (*SQS)(nil)
)
