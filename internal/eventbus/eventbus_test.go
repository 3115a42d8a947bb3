package eventbus

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

type mockEventBridge struct {
	mock.Mock
}

func (m *mockEventBridge) PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*eventbridge.PutEventsOutput)
	return out, args.Error(1)
}

func TestEventBridge_PublishChunksAtTen(t *testing.T) {
	client := new(mockEventBridge)
	p := NewEventBridge(client, "", "", zap.NewNop())

	var sizes []int
	client.On("PutEvents", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			in := args.Get(1).(*eventbridge.PutEventsInput)
			sizes = append(sizes, len(in.Entries))
			for _, e := range in.Entries {
				assert.Equal(t, "default", aws.ToString(e.EventBusName))
				assert.Equal(t, "public-writing", aws.ToString(e.Source))
			}
		}).
		Return(&eventbridge.PutEventsOutput{}, nil)

	evts := make([]Event, 23)
	for i := range evts {
		evts[i] = Event{DetailType: "test", Detail: map[string]string{"n": strconv.Itoa(i)}}
	}
	require.NoError(t, p.Publish(context.Background(), evts...))
	assert.Equal(t, []int{10, 10, 3}, sizes)
}

func TestEventBridge_DetailIsJSON(t *testing.T) {
	client := new(mockEventBridge)
	p := NewEventBridge(client, "bus", "src", zap.NewNop())

	client.On("PutEvents", mock.Anything, mock.MatchedBy(func(in *eventbridge.PutEventsInput) bool {
		var detail map[string]interface{}
		if err := json.Unmarshal([]byte(aws.ToString(in.Entries[0].Detail)), &detail); err != nil {
			return false
		}
		return detail["id"] == "p1" && aws.ToString(in.Entries[0].DetailType) == "async-process-event"
	})).Return(&eventbridge.PutEventsOutput{}, nil)

	err := p.Publish(context.Background(), Event{DetailType: "async-process-event", Detail: map[string]string{"id": "p1"}})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestEventBridge_FailedEntries(t *testing.T) {
	client := new(mockEventBridge)
	p := NewEventBridge(client, "bus", "src", zap.NewNop())

	client.On("PutEvents", mock.Anything, mock.Anything).Return(&eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries: []types.PutEventsResultEntry{
			{ErrorCode: aws.String("InternalFailure"), ErrorMessage: aws.String("try again")},
		},
	}, nil)

	err := p.Publish(context.Background(), Event{DetailType: "x", Detail: struct{}{}})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestMemory_DeliversToSubscribers(t *testing.T) {
	bus := NewMemory("local")

	var got []string
	bus.Subscribe("ping", func(ctx context.Context, evt events.CloudWatchEvent) error {
		var detail struct {
			ID string `json:"id"`
		}
		require.NoError(t, DecodeDetail(evt, &detail))
		got = append(got, detail.ID)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(),
		Event{DetailType: "ping", Detail: map[string]string{"id": "a"}},
		Event{DetailType: "other", Detail: map[string]string{"id": "b"}},
	))

	assert.Equal(t, []string{"a"}, got)
	assert.Len(t, bus.Published(), 2)
	assert.Equal(t, "local", bus.Published()[0].Source)
}

func TestDecodeDetail_Malformed(t *testing.T) {
	err := DecodeDetail(events.CloudWatchEvent{Detail: json.RawMessage(`"nope"`)}, &struct{ ID string }{})
	assert.True(t, apperrors.IsValidation(err))
}
