package asyncprocess

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	apigwtypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/logging"
	"github.com/yuryprokashev/public-writing/internal/observability"
)

// ErrGone is returned by a Pusher when the connection no longer exists.
var ErrGone = errors.New("connection gone")

// Pusher delivers a message to one WebSocket connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, data []byte) error
}

// ManagementClient is the subset of the API Gateway management API used to
// push to connections.
type ManagementClient interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// GatewayPusher pushes through the API Gateway management API.
type GatewayPusher struct {
	client ManagementClient
}

// NewGatewayPusher creates a pusher.
func NewGatewayPusher(client ManagementClient) *GatewayPusher {
	return &GatewayPusher{client: client}
}

func (p *GatewayPusher) Push(ctx context.Context, connectionID string, data []byte) error {
	_, err := p.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         data,
	})
	if err == nil {
		return nil
	}
	var gone *apigwtypes.GoneException
	if errors.As(err, &gone) {
		return ErrGone
	}
	return apperrors.FromAWS(err, apperrors.CodeNotifyFailed, "failed to post to connection")
}

// Listener notifies subscribed connections when a process is done.
type Listener struct {
	connections ConnectionStore
	pusher      Pusher
	logger      *zap.Logger
	metrics     observability.Metrics
}

// NewListener creates the done-event listener.
func NewListener(connections ConnectionStore, pusher Pusher, logger *zap.Logger, metrics observability.Metrics) *Listener {
	return &Listener{connections: connections, pusher: pusher, logger: logger, metrics: metrics}
}

// HandleEvent pushes {"id","status":"DONE"} to every connection waiting on
// the process. Stale connections are removed. Other push failures fail the
// invocation so the bus retries it; clients may then see the message twice.
func (l *Listener) HandleEvent(ctx context.Context, evt events.CloudWatchEvent) error {
	logger := logging.WithInvocation(ctx, l.logger)
	pe, err := decodeEvent(evt)
	if err != nil {
		return err
	}
	if pe.Status != StatusDone {
		return nil
	}
	err = l.Notify(ctx, pe.ID, logger)
	if ferr := l.metrics.Flush(ctx); ferr != nil {
		logger.Warn("Metrics flush failed", zap.Error(ferr))
	}
	return err
}

// Notify pushes the done state for processID.
func (l *Listener) Notify(ctx context.Context, processID string, logger *zap.Logger) error {
	ids, err := l.connections.List(ctx, processID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ProcessState{ID: processID, Status: StateDone})
	if err != nil {
		return apperrors.Internal(apperrors.CodeNotifyFailed, "failed to encode notification").WithCause(err).Build()
	}

	var firstErr error
	sent := 0
	for _, connID := range ids {
		err := l.pusher.Push(ctx, connID, data)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrGone):
			logger.Info("Found stale connection, deleting", zap.String("connection_id", connID))
			if err := l.connections.Delete(ctx, processID, connID); err != nil {
				logger.Warn("Failed to delete stale connection", zap.String("connection_id", connID), zap.Error(err))
			}
		default:
			logger.Error("Failed to notify connection", zap.String("connection_id", connID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	l.metrics.IncrementCounterBy(observability.MetricNotificationsSent, float64(sent), nil)
	logger.Info("Process completion pushed",
		zap.String("process_id", processID),
		zap.Int("connections", len(ids)),
		zap.Int("sent", sent),
	)
	return firstErr
}

// MemoryConnections is an in-process ConnectionStore.
type MemoryConnections struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
}

// NewMemoryConnections creates an empty store.
func NewMemoryConnections() *MemoryConnections {
	return &MemoryConnections{conns: make(map[string]map[string]struct{})}
}

func (m *MemoryConnections) Put(ctx context.Context, processID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[processID] == nil {
		m.conns[processID] = make(map[string]struct{})
	}
	m.conns[processID][connectionID] = struct{}{}
	return nil
}

func (m *MemoryConnections) List(ctx context.Context, processID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns[processID]))
	for id := range m.conns[processID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryConnections) Delete(ctx context.Context, processID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns[processID], connectionID)
	return nil
}

// LogPusher writes pushes to the log. The local runner has no WebSocket API.
type LogPusher struct {
	Logger *zap.Logger
}

func (p LogPusher) Push(ctx context.Context, connectionID string, data []byte) error {
	p.Logger.Info("Push", zap.String("connection_id", connectionID), zap.ByteString("data", data))
	return nil
}

var (
	_ Pusher          = (*GatewayPusher)(nil)
	_ Pusher          = LogPusher{}
	_ ConnectionStore = (*MemoryConnections)(nil)
)
