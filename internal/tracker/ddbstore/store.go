// Package ddbstore implements the batch tracker store on DynamoDB.
//
// Each batch is one item keyed PK=BATCH#<id>, SK=COUNTER. Completed task
// indexes live in the number set Done, so recording is an atomic set union
// (ADD) and replays do not inflate the count. State transitions are
// conditional updates on Status.
package ddbstore

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/tracker"
)

const (
	keyPrefix  = "BATCH#"
	counterKey = "COUNTER"
)

// DefaultRecordTTL keeps finished batch records for a week.
const DefaultRecordTTL = 7 * 24 * time.Hour

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Store is a tracker.Store backed by a DynamoDB table.
type Store struct {
	client    Client
	tableName string
	ttl       time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long batch items are kept after their last update.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates a DynamoDB batch store.
func New(client Client, tableName string, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		client:    client,
		tableName: tableName,
		ttl:       DefaultRecordTTL,
		clock:     time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// batchItem is the stored representation. Times are unix milliseconds,
// TTL is unix seconds as DynamoDB expects.
type batchItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	BatchID   string `dynamodbav:"BatchID"`
	Size      int    `dynamodbav:"Size"`
	Done      []int  `dynamodbav:"Done,numberset,omitempty"`
	Status    string `dynamodbav:"Status"`
	ClaimedAt int64  `dynamodbav:"ClaimedAt,omitempty"`
	CreatedAt int64  `dynamodbav:"CreatedAt"`
	UpdatedAt int64  `dynamodbav:"UpdatedAt"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

func (it batchItem) batch() tracker.Batch {
	b := tracker.Batch{
		ID:        it.BatchID,
		Size:      it.Size,
		Completed: append([]int(nil), it.Done...),
		Status:    tracker.Status(it.Status),
		CreatedAt: time.UnixMilli(it.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(it.UpdatedAt).UTC(),
	}
	if it.ClaimedAt > 0 {
		b.ClaimedAt = time.UnixMilli(it.ClaimedAt).UTC()
	}
	sort.Ints(b.Completed)
	return b
}

// numberSet marshals as a DynamoDB NS so that ADD performs a set union.
type numberSet []int

func (ns numberSet) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	values := make([]string, len(ns))
	for i, n := range ns {
		values[i] = strconv.Itoa(n)
	}
	return &types.AttributeValueMemberNS{Value: values}, nil
}

func key(batchID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: keyPrefix + batchID},
		"SK": &types.AttributeValueMemberS{Value: counterKey},
	}
}

// Record adds indexes to the batch's Done set in one conditional update.
// The first record fixes Size; later records must declare the same size.
func (s *Store) Record(ctx context.Context, batchID string, size int, indexes []int) (tracker.Batch, error) {
	if len(indexes) == 0 {
		return s.Get(ctx, batchID)
	}
	now := s.clock()

	update := expression.Add(expression.Name("Done"), expression.Value(numberSet(indexes))).
		Set(expression.Name("BatchID"), expression.Value(batchID)).
		Set(expression.Name("Size"), expression.IfNotExists(expression.Name("Size"), expression.Value(size))).
		Set(expression.Name("Status"), expression.IfNotExists(expression.Name("Status"), expression.Value(string(tracker.StatusPending)))).
		Set(expression.Name("CreatedAt"), expression.IfNotExists(expression.Name("CreatedAt"), expression.Value(now.UnixMilli()))).
		Set(expression.Name("UpdatedAt"), expression.Value(now.UnixMilli()))
	if s.ttl > 0 {
		update = update.Set(expression.Name("TTL"), expression.Value(now.Add(s.ttl).Unix()))
	}
	cond := expression.AttributeNotExists(expression.Name("Size")).
		Or(expression.Name("Size").Equal(expression.Value(size)))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return tracker.Batch{}, apperrors.Internal(apperrors.CodeStoreFailed, "failed to build record expression").WithCause(err).Build()
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 key(batchID),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			var stored batchItem
			_ = attributevalue.UnmarshalMap(ccf.Item, &stored)
			return tracker.Batch{}, tracker.SizeMismatch(batchID, stored.Size, size)
		}
		return tracker.Batch{}, storeError(err, "failed to record completions", batchID)
	}

	var it batchItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return tracker.Batch{}, apperrors.Internal(apperrors.CodeStoreFailed, "failed to unmarshal batch").WithCause(err).Build()
	}
	return it.batch(), nil
}

// Claim takes the signaling claim when the batch is done and either
// PENDING or held by a claim at least lease old.
func (s *Store) Claim(ctx context.Context, batchID string, now time.Time, lease time.Duration) (bool, error) {
	update := expression.Set(expression.Name("Status"), expression.Value(string(tracker.StatusSignaling))).
		Set(expression.Name("ClaimedAt"), expression.Value(now.UnixMilli())).
		Set(expression.Name("UpdatedAt"), expression.Value(now.UnixMilli()))

	pending := expression.Name("Status").Equal(expression.Value(string(tracker.StatusPending)))
	stale := expression.Name("Status").Equal(expression.Value(string(tracker.StatusSignaling))).
		And(expression.Name("ClaimedAt").LessThanEqual(expression.Value(now.Add(-lease).UnixMilli())))
	cond := expression.AttributeExists(expression.Name("PK")).
		And(expression.Name("Done").Size().GreaterThanEqual(expression.Name("Size"))).
		And(expression.Or(pending, stale))

	return s.transition(ctx, batchID, update, cond, "failed to claim batch")
}

// Complete moves SIGNALING to COMPLETE. Any other state is left alone.
func (s *Store) Complete(ctx context.Context, batchID string) error {
	update := expression.Set(expression.Name("Status"), expression.Value(string(tracker.StatusComplete))).
		Set(expression.Name("UpdatedAt"), expression.Value(s.clock().UnixMilli()))
	cond := expression.Name("Status").Equal(expression.Value(string(tracker.StatusSignaling)))

	_, err := s.transition(ctx, batchID, update, cond, "failed to complete batch")
	return err
}

// MarkDispatched moves SIGNALING or COMPLETE to DISPATCHED.
func (s *Store) MarkDispatched(ctx context.Context, batchID string) (bool, error) {
	update := expression.Set(expression.Name("Status"), expression.Value(string(tracker.StatusDispatched))).
		Set(expression.Name("UpdatedAt"), expression.Value(s.clock().UnixMilli()))
	cond := expression.Name("Status").In(
		expression.Value(string(tracker.StatusSignaling)),
		expression.Value(string(tracker.StatusComplete)),
	)

	return s.transition(ctx, batchID, update, cond, "failed to mark batch dispatched")
}

// transition applies a conditional update and reports whether the condition
// held. A failed condition is not an error.
func (s *Store) transition(ctx context.Context, batchID string, update expression.UpdateBuilder, cond expression.ConditionBuilder, msg string) (bool, error) {
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return false, apperrors.Internal(apperrors.CodeStoreFailed, "failed to build transition expression").WithCause(err).Build()
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       key(batchID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			s.logger.Debug("Batch transition condition not met", zap.String("batch_id", batchID), zap.String("op", msg))
			return false, nil
		}
		return false, storeError(err, msg, batchID)
	}
	return true, nil
}

// Get reads the batch with a strongly consistent read.
func (s *Store) Get(ctx context.Context, batchID string) (tracker.Batch, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(batchID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return tracker.Batch{}, storeError(err, "failed to read batch", batchID)
	}
	if len(out.Item) == 0 {
		return tracker.Batch{}, tracker.ErrNotFound(batchID)
	}

	var it batchItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return tracker.Batch{}, apperrors.Internal(apperrors.CodeStoreFailed, "failed to unmarshal batch").WithCause(err).Build()
	}
	return it.batch(), nil
}

func storeError(err error, msg, batchID string) error {
	appErr := apperrors.FromAWS(err, apperrors.CodeStoreFailed, msg)
	appErr.Resource = batchID
	return appErr
}

var _ tracker.Store = (*Store)(nil)
