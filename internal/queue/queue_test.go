package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

type mockSQS struct {
	mock.Mock
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*sqs.SendMessageOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSQS) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*sqs.SendMessageBatchOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func messages(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{Body: fmt.Sprintf(`{"n":%d}`, i)}
	}
	return msgs
}

func TestSQS_SendBatchChunksAtTen(t *testing.T) {
	fake := &recordingSQS{}
	sender := NewSQS(fake, 3, zap.NewNop())

	require.NoError(t, sender.SendBatch(context.Background(), "https://sqs.local/task", messages(25)))
	assert.Equal(t, []int{10, 10, 5}, fake.sizes)
}

// recordingSQS acknowledges every entry except those listed in failOnce,
// which fail on their first attempt only.
type recordingSQS struct {
	sizes    []int
	failOnce map[string]bool
}

func (r *recordingSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return &sqs.SendMessageOutput{}, nil
}

func (r *recordingSQS) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	r.sizes = append(r.sizes, len(params.Entries))
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range params.Entries {
		id := aws.ToString(e.Id)
		if r.failOnce[id] {
			delete(r.failOnce, id)
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{Id: e.Id, Code: aws.String("InternalError")})
			continue
		}
		out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

func TestSQS_SendBatchRetriesFailedEntries(t *testing.T) {
	fake := &recordingSQS{failOnce: map[string]bool{"3": true, "7": true}}
	sender := NewSQS(fake, 3, zap.NewNop()).WithBackoff(0)

	require.NoError(t, sender.SendBatch(context.Background(), "https://sqs.local/task", messages(10)))
	assert.Equal(t, []int{10, 2}, fake.sizes)
}

func TestSQS_SendBatchGivesUpAfterRetries(t *testing.T) {
	client := new(mockSQS)
	client.On("SendMessageBatch", mock.Anything, mock.Anything).
		Return(&sqs.SendMessageBatchOutput{
			Failed: []types.BatchResultErrorEntry{{Id: aws.String("0"), Code: aws.String("InternalError")}},
		}, nil)

	sender := NewSQS(client, 2, zap.NewNop()).WithBackoff(0)
	err := sender.SendBatch(context.Background(), "https://sqs.local/task", messages(1))

	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	client.AssertNumberOfCalls(t, "SendMessageBatch", 3)
}

func TestSQS_SenderFaultIsNotRetried(t *testing.T) {
	client := new(mockSQS)
	client.On("SendMessageBatch", mock.Anything, mock.Anything).
		Return(&sqs.SendMessageBatchOutput{
			Failed: []types.BatchResultErrorEntry{{Id: aws.String("0"), Code: aws.String("InvalidMessageContents"), SenderFault: true}},
		}, nil)

	sender := NewSQS(client, 3, zap.NewNop()).WithBackoff(0)
	err := sender.SendBatch(context.Background(), "https://sqs.local/task", messages(1))

	assert.True(t, apperrors.IsValidation(err))
	client.AssertNumberOfCalls(t, "SendMessageBatch", 1)
}

func TestSQS_SendBatchTransportError(t *testing.T) {
	client := new(mockSQS)
	client.On("SendMessageBatch", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	err := NewSQS(client, 3, zap.NewNop()).SendBatch(context.Background(), "https://sqs.local/task", messages(3))
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestSQS_SendFIFOAndDelay(t *testing.T) {
	client := new(mockSQS)
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return aws.ToString(in.MessageGroupId) == "b1" &&
			aws.ToString(in.MessageDeduplicationId) == "b1" &&
			in.DelaySeconds == MaxDelaySeconds &&
			in.MessageAttributes["reason"].StringValue != nil &&
			len(in.MessageAttributes) == 1
	})).Return(&sqs.SendMessageOutput{}, nil)

	err := NewSQS(client, 0, zap.NewNop()).Send(context.Background(), "https://sqs.local/done.fifo", Message{
		Body:            "{}",
		GroupID:         "b1",
		DeduplicationID: "b1",
		DelaySeconds:    3600,
		Attributes:      map[string]string{"reason": "test", "empty": ""},
	})

	require.NoError(t, err)
	client.AssertExpectations(t)
	assert.True(t, IsFIFO("https://sqs.local/done.fifo"))
	assert.False(t, IsFIFO("https://sqs.local/done"))
}

func TestFailures_Response(t *testing.T) {
	var f Failures
	resp, err := f.Response(true)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	f.Add("m1", "m2", "m1")
	assert.Equal(t, 2, f.Len())

	resp, err = f.Response(true)
	require.NoError(t, err)
	assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "m1"}, {ItemIdentifier: "m2"}}, resp.BatchItemFailures)

	_, err = f.Response(false)
	assert.Error(t, err)
}

func TestDeadLetter_Route(t *testing.T) {
	mem := NewMemory()
	poison := apperrors.Validation(apperrors.CodeInvalidMessage, "malformed message body").Build()
	msg := events.SQSMessage{MessageId: "m1", Body: "not json"}

	routed := NewDeadLetter(mem, "https://sqs.local/dlq", zap.NewNop())
	assert.True(t, routed.Route(context.Background(), msg, poison))
	assert.Equal(t, []string{"not json"}, mem.Bodies("https://sqs.local/dlq"))

	delivered := mem.Receive("https://sqs.local/dlq", 1)
	require.Len(t, delivered.Records, 1)
	assert.Equal(t, apperrors.CodeInvalidMessage, *delivered.Records[0].MessageAttributes["error_code"].StringValue)

	redrive := NewDeadLetter(mem, "", zap.NewNop())
	assert.False(t, redrive.Route(context.Background(), msg, poison))
}

func TestDeadLetter_SendFailureKeepsMessage(t *testing.T) {
	client := new(mockSQS)
	client.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	d := NewDeadLetter(NewSQS(client, 0, zap.NewNop()), "https://sqs.local/dlq", zap.NewNop())
	assert.False(t, d.Route(context.Background(), events.SQSMessage{MessageId: "m1"}, errors.New("bad")))
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("a", 255) + "é" + "tail"
	got := truncate(long, 256)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 255), got)

	assert.Equal(t, "short", truncate("short", 256))
	assert.Equal(t, "bad \uFFFD", truncate("bad \xff", 256))
}

func TestDeadLetter_RouteTruncatesMultibyteCause(t *testing.T) {
	q := NewMemory()
	dl := NewDeadLetter(q, "dlq", zap.NewNop())

	cause := apperrors.Validation(apperrors.CodeInvalidMessage, strings.Repeat("ü", 200)).Build()
	require.True(t, dl.Route(context.Background(), events.SQSMessage{MessageId: "m1", Body: "{}"}, cause))

	dead := q.Receive("dlq", 0)
	require.Len(t, dead.Records, 1)
	msg := *dead.Records[0].MessageAttributes["error_message"].StringValue
	assert.True(t, utf8.ValidString(msg))
	assert.LessOrEqual(t, len(msg), 256)
}

func TestMemory_ReceiveAndRequeue(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.SendBatch(context.Background(), "q", messages(5)))

	first := mem.Receive("q", 3)
	require.Len(t, first.Records, 3)
	assert.Equal(t, 2, mem.Len("q"))

	mem.Requeue("q", first.Records[:1])
	rest := mem.Receive("q", 0)
	require.Len(t, rest.Records, 3)
	assert.Equal(t, first.Records[0].MessageId, rest.Records[2].MessageId)

	ids := make(map[string]bool)
	for _, r := range append(first.Records, rest.Records...) {
		ids[r.MessageId] = true
	}
	for i := 1; i <= 5; i++ {
		assert.True(t, ids["mem-"+strconv.Itoa(i)])
	}
}
