package asyncprocess

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/httpapi"
	"github.com/yuryprokashev/public-writing/internal/logging"
)

// ProcessIDParam is the query parameter naming the process to subscribe to.
const ProcessIDParam = "process_id"

// Connector handles the WebSocket $connect route.
type Connector struct {
	connections ConnectionStore
	logger      *zap.Logger
}

// NewConnector creates the connect handler.
func NewConnector(connections ConnectionStore, logger *zap.Logger) *Connector {
	return &Connector{connections: connections, logger: logger}
}

// HandleConnect registers the connection for ?process_id=.
func (c *Connector) HandleConnect(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	logger := logging.WithInvocation(ctx, c.logger)
	connID := req.RequestContext.ConnectionID
	processID := req.QueryStringParameters[ProcessIDParam]
	if processID == "" {
		err := apperrors.Validation(apperrors.CodeInvalidInput, "process_id query parameter is required").Build()
		logger.Warn("Rejecting connection", zap.String("connection_id", connID), zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: httpapi.StatusCode(err), Body: err.Message}, nil
	}

	if err := c.connections.Put(ctx, processID, connID); err != nil {
		logger.Error("Failed to store connection", zap.String("connection_id", connID), zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}, nil
	}
	logger.Info("Connection registered", zap.String("connection_id", connID), zap.String("process_id", processID))
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK}, nil
}
