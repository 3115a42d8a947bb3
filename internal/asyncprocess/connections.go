package asyncprocess

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// DefaultConnectionTTL bounds how long an abandoned connection row lives.
const DefaultConnectionTTL = 2 * time.Hour

const (
	processPrefix    = "PROCESS#"
	connectionPrefix = "CONN#"
)

// DynamoDBClient is the subset of the DynamoDB API the connection store uses.
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// ConnectionStore tracks which WebSocket connections wait on which process.
type ConnectionStore interface {
	Put(ctx context.Context, processID, connectionID string) error
	List(ctx context.Context, processID string) ([]string, error)
	Delete(ctx context.Context, processID, connectionID string) error
}

type connectionItem struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	ExpireAt int64  `dynamodbav:"expireAt"`
}

// DynamoConnections stores one item per (process, connection) pair.
type DynamoConnections struct {
	client    DynamoDBClient
	tableName string
	ttl       time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewDynamoConnections creates the store. A zero ttl uses DefaultConnectionTTL.
func NewDynamoConnections(client DynamoDBClient, tableName string, ttl time.Duration, logger *zap.Logger) *DynamoConnections {
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}
	return &DynamoConnections{client: client, tableName: tableName, ttl: ttl, clock: time.Now, logger: logger}
}

func connectionKey(processID, connectionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: processPrefix + processID},
		"SK": &types.AttributeValueMemberS{Value: connectionPrefix + connectionID},
	}
}

func (s *DynamoConnections) Put(ctx context.Context, processID, connectionID string) error {
	item, err := attributevalue.MarshalMap(connectionItem{
		PK:       processPrefix + processID,
		SK:       connectionPrefix + connectionID,
		ExpireAt: s.clock().Add(s.ttl).Unix(),
	})
	if err != nil {
		return apperrors.Internal(apperrors.CodeStoreFailed, "failed to marshal connection").WithCause(err).Build()
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return apperrors.FromAWS(err, apperrors.CodeStoreFailed, "failed to store connection")
	}
	return nil
}

func (s *DynamoConnections) List(ctx context.Context, processID string) ([]string, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(processPrefix + processID)).
		And(expression.Key("SK").BeginsWith(connectionPrefix))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, apperrors.Internal(apperrors.CodeStoreFailed, "failed to build connection query").WithCause(err).Build()
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperrors.FromAWS(err, apperrors.CodeStoreFailed, "failed to query connections")
		}
		var items []connectionItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, apperrors.Internal(apperrors.CodeStoreFailed, "failed to unmarshal connections").WithCause(err).Build()
		}
		for _, item := range items {
			ids = append(ids, strings.TrimPrefix(item.SK, connectionPrefix))
		}
	}
	return ids, nil
}

func (s *DynamoConnections) Delete(ctx context.Context, processID, connectionID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       connectionKey(processID, connectionID),
	})
	if err != nil {
		return apperrors.FromAWS(err, apperrors.CodeStoreFailed, "failed to delete connection")
	}
	return nil
}

var _ ConnectionStore = (*DynamoConnections)(nil)
