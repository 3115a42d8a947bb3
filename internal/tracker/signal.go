package tracker

import (
	"context"

	"github.com/yuryprokashev/public-writing/internal/fanout"
	"github.com/yuryprokashev/public-writing/internal/queue"
)

// QueueSignaler publishes batch-complete signals to the completion queue.
// FIFO queues deduplicate repeated signals for the same batch.
type QueueSignaler struct {
	sender   queue.Sender
	queueURL string
}

// NewQueueSignaler creates a signaler for the given queue.
func NewQueueSignaler(sender queue.Sender, queueURL string) *QueueSignaler {
	return &QueueSignaler{sender: sender, queueURL: queueURL}
}

func (s *QueueSignaler) Signal(ctx context.Context, msg fanout.BatchComplete) error {
	body, err := fanout.Encode(msg)
	if err != nil {
		return err
	}
	out := queue.Message{Body: body}
	if queue.IsFIFO(s.queueURL) {
		out.GroupID = msg.BatchID
		out.DeduplicationID = msg.BatchID
	}
	return s.sender.Send(ctx, s.queueURL, out)
}

var _ Signaler = (*QueueSignaler)(nil)
