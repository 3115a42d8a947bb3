// Package athena runs parameterized Athena queries and returns typed rows.
package athena

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// DefaultPollInterval is how often a running query is checked.
const DefaultPollInterval = 100 * time.Millisecond

// Client is the subset of the Athena API the querier uses.
type Client interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

// Options configures a Querier.
type Options struct {
	Database  string
	Workgroup string
	Catalog   string
	// ResultReuseMinutes enables result reuse when positive.
	ResultReuseMinutes int32
	PollInterval       time.Duration
}

// Row is one result row keyed by column name.
type Row map[string]interface{}

// Querier runs queries in one workgroup and database.
type Querier struct {
	client Client
	opts   Options
	logger *zap.Logger
}

// NewQuerier creates a querier. Empty workgroup and catalog default to
// "primary" and "AwsDataCatalog".
func NewQuerier(client Client, opts Options, logger *zap.Logger) *Querier {
	if opts.Workgroup == "" {
		opts.Workgroup = "primary"
	}
	if opts.Catalog == "" {
		opts.Catalog = "AwsDataCatalog"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Querier{client: client, opts: opts, logger: logger}
}

// Query runs sql with positional execution parameters and waits for the
// result.
func (q *Querier) Query(ctx context.Context, sql string, params ...string) ([]Row, error) {
	input := &athena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		QueryExecutionContext: &types.QueryExecutionContext{
			Catalog:  aws.String(q.opts.Catalog),
			Database: aws.String(q.opts.Database),
		},
		WorkGroup: aws.String(q.opts.Workgroup),
	}
	if len(params) > 0 {
		input.ExecutionParameters = params
	}
	if q.opts.ResultReuseMinutes > 0 {
		input.ResultReuseConfiguration = &types.ResultReuseConfiguration{
			ResultReuseByAgeConfiguration: &types.ResultReuseByAgeConfiguration{
				Enabled:         true,
				MaxAgeInMinutes: aws.Int32(q.opts.ResultReuseMinutes),
			},
		}
	}

	start, err := q.client.StartQueryExecution(ctx, input)
	if err != nil {
		return nil, apperrors.FromAWS(err, apperrors.CodeQueryFailed, "failed to start query")
	}
	id := aws.ToString(start.QueryExecutionId)
	logger := q.logger.With(zap.String("query_execution_id", id))
	logger.Debug("Query started")

	if err := q.wait(ctx, id, logger); err != nil {
		return nil, err
	}
	return q.results(ctx, id)
}

func (q *Querier) wait(ctx context.Context, id string, logger *zap.Logger) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		out, err := q.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: aws.String(id)})
		if err != nil {
			return apperrors.FromAWS(err, apperrors.CodeQueryFailed, "failed to get query execution")
		}
		var status types.QueryExecutionStatus
		if out.QueryExecution != nil && out.QueryExecution.Status != nil {
			status = *out.QueryExecution.Status
		}
		switch status.State {
		case types.QueryExecutionStateSucceeded:
			return nil
		case types.QueryExecutionStateFailed, types.QueryExecutionStateCancelled:
			logger.Warn("Query did not succeed", zap.String("state", string(status.State)))
			return apperrors.External(apperrors.CodeQueryFailed, fmt.Sprintf("query status: %s", status.State)).
				WithDetails(aws.ToString(status.StateChangeReason)).
				WithResource(id).
				WithRetryable(false).
				Build()
		}

		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), "query wait cancelled")
		case <-ticker.C:
		}
	}
}

// results pages through the result set. The first row holds the column
// headers and is skipped.
func (q *Querier) results(ctx context.Context, id string) ([]Row, error) {
	paginator := athena.NewGetQueryResultsPaginator(q.client, &athena.GetQueryResultsInput{
		QueryExecutionId: aws.String(id),
	})

	var columns []types.ColumnInfo
	var rows []Row
	header := true
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperrors.FromAWS(err, apperrors.CodeQueryFailed, "failed to get query results")
		}
		if page.ResultSet == nil {
			continue
		}
		if columns == nil && page.ResultSet.ResultSetMetadata != nil {
			columns = page.ResultSet.ResultSetMetadata.ColumnInfo
		}
		for _, raw := range page.ResultSet.Rows {
			if header {
				header = false
				continue
			}
			row, err := parseRow(columns, raw)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func parseRow(columns []types.ColumnInfo, raw types.Row) (Row, error) {
	row := make(Row, len(columns))
	for i, col := range columns {
		var value *string
		if i < len(raw.Data) {
			value = raw.Data[i].VarCharValue
		}
		v, err := ParseValue(aws.ToString(col.Type), value)
		if err != nil {
			return nil, err
		}
		row[aws.ToString(col.Name)] = v
	}
	return row, nil
}

// ParseValue converts an Athena string value to its Go type. A nil value
// stays nil.
func ParseValue(columnType string, value *string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	s := *value
	base := strings.ToLower(columnType)
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}

	var (
		v   interface{}
		err error
	)
	switch base {
	case "varchar", "timestamp", "char", "string", "date", "array":
		v = s
	case "int", "bigint", "integer", "smallint", "tinyint":
		v, err = strconv.ParseInt(s, 10, 64)
	case "double", "float", "decimal":
		v, err = strconv.ParseFloat(s, 64)
	case "boolean":
		v = strings.EqualFold(s, "true")
	default:
		return nil, apperrors.Internal(apperrors.CodeQueryFailed, "unknown Athena column type").WithDetails(columnType).Build()
	}
	if err != nil {
		return nil, apperrors.Internal(apperrors.CodeQueryFailed, "failed to parse column value").
			WithDetails(fmt.Sprintf("%s %q", columnType, s)).
			WithCause(err).
			Build()
	}
	return v, nil
}
