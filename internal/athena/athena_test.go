package athena

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/httpapi"
	"github.com/yuryprokashev/public-writing/internal/observability"
)

type mockAthena struct {
	mock.Mock
}

func (m *mockAthena) StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	args := m.Called(params)
	out, _ := args.Get(0).(*athena.StartQueryExecutionOutput)
	return out, args.Error(1)
}

func (m *mockAthena) GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	args := m.Called(params)
	out, _ := args.Get(0).(*athena.GetQueryExecutionOutput)
	return out, args.Error(1)
}

func (m *mockAthena) GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	args := m.Called(params)
	out, _ := args.Get(0).(*athena.GetQueryResultsOutput)
	return out, args.Error(1)
}

func execution(state types.QueryExecutionState, reason string) *athena.GetQueryExecutionOutput {
	status := &types.QueryExecutionStatus{State: state}
	if reason != "" {
		status.StateChangeReason = aws.String(reason)
	}
	return &athena.GetQueryExecutionOutput{QueryExecution: &types.QueryExecution{Status: status}}
}

func datum(v string) types.Datum { return types.Datum{VarCharValue: aws.String(v)} }

var columns = []types.ColumnInfo{
	{Name: aws.String("symbol"), Type: aws.String("varchar")},
	{Name: aws.String("volume"), Type: aws.String("bigint")},
	{Name: aws.String("daily_return"), Type: aws.String("double")},
	{Name: aws.String("active"), Type: aws.String("boolean")},
}

func newTestQuerier(client Client, reuse int32) *Querier {
	return NewQuerier(client, Options{
		Database:           "stocks",
		Workgroup:          "analytics",
		ResultReuseMinutes: reuse,
		PollInterval:       time.Millisecond,
	}, zap.NewNop())
}

func TestQuerier_PollsAndParsesAllPages(t *testing.T) {
	client := new(mockAthena)
	client.On("StartQueryExecution", mock.MatchedBy(func(in *athena.StartQueryExecutionInput) bool {
		return aws.ToString(in.WorkGroup) == "analytics" &&
			aws.ToString(in.QueryExecutionContext.Database) == "stocks" &&
			aws.ToString(in.QueryExecutionContext.Catalog) == "AwsDataCatalog" &&
			assert.ObjectsAreEqual([]string{"'2023-01-03'"}, in.ExecutionParameters) &&
			in.ResultReuseConfiguration == nil
	})).Return(&athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q-1")}, nil)

	client.On("GetQueryExecution", mock.Anything).Return(execution(types.QueryExecutionStateQueued, ""), nil).Once()
	client.On("GetQueryExecution", mock.Anything).Return(execution(types.QueryExecutionStateRunning, ""), nil).Once()
	client.On("GetQueryExecution", mock.Anything).Return(execution(types.QueryExecutionStateSucceeded, ""), nil).Once()

	page1 := &athena.GetQueryResultsOutput{
		ResultSet: &types.ResultSet{
			ResultSetMetadata: &types.ResultSetMetadata{ColumnInfo: columns},
			Rows: []types.Row{
				{Data: []types.Datum{datum("symbol"), datum("volume"), datum("daily_return"), datum("active")}},
				{Data: []types.Datum{datum("AAPL"), datum("1200"), datum("0.015"), datum("true")}},
			},
		},
		NextToken: aws.String("t-2"),
	}
	page2 := &athena.GetQueryResultsOutput{
		ResultSet: &types.ResultSet{
			ResultSetMetadata: &types.ResultSetMetadata{ColumnInfo: columns},
			Rows: []types.Row{
				{Data: []types.Datum{datum("MSFT"), {}, datum("-0.2"), datum("FALSE")}},
			},
		},
	}
	client.On("GetQueryResults", mock.MatchedBy(func(in *athena.GetQueryResultsInput) bool { return in.NextToken == nil })).Return(page1, nil).Once()
	client.On("GetQueryResults", mock.MatchedBy(func(in *athena.GetQueryResultsInput) bool { return aws.ToString(in.NextToken) == "t-2" })).Return(page2, nil).Once()

	rows, err := newTestQuerier(client, 0).Query(context.Background(), DailyReturnsQuery, "'2023-01-03'")
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{"symbol": "AAPL", "volume": int64(1200), "daily_return": 0.015, "active": true},
		{"symbol": "MSFT", "volume": nil, "daily_return": -0.2, "active": false},
	}, rows)
	client.AssertExpectations(t)
}

func TestQuerier_ResultReuse(t *testing.T) {
	client := new(mockAthena)
	client.On("StartQueryExecution", mock.MatchedBy(func(in *athena.StartQueryExecutionInput) bool {
		cfg := in.ResultReuseConfiguration
		return cfg != nil && cfg.ResultReuseByAgeConfiguration != nil &&
			cfg.ResultReuseByAgeConfiguration.Enabled &&
			aws.ToInt32(cfg.ResultReuseByAgeConfiguration.MaxAgeInMinutes) == 60
	})).Return(&athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q-1")}, nil)
	client.On("GetQueryExecution", mock.Anything).Return(execution(types.QueryExecutionStateSucceeded, ""), nil)
	client.On("GetQueryResults", mock.Anything).Return(&athena.GetQueryResultsOutput{ResultSet: &types.ResultSet{}}, nil)

	rows, err := newTestQuerier(client, 60).Query(context.Background(), "select 1")
	require.NoError(t, err)
	assert.Empty(t, rows)
	client.AssertExpectations(t)
}

func TestQuerier_FailedQuery(t *testing.T) {
	client := new(mockAthena)
	client.On("StartQueryExecution", mock.Anything).Return(&athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q-1")}, nil)
	client.On("GetQueryExecution", mock.Anything).Return(execution(types.QueryExecutionStateFailed, "TABLE_NOT_FOUND: candle"), nil)

	_, err := newTestQuerier(client, 0).Query(context.Background(), DailyReturnsQuery)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TABLE_NOT_FOUND")
	assert.False(t, apperrors.IsRetryable(err))
	client.AssertNotCalled(t, "GetQueryResults", mock.Anything)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		colType string
		value   string
		want    interface{}
	}{
		{"varchar", "AAPL", "AAPL"},
		{"timestamp", "2023-01-03 00:00:00.000", "2023-01-03 00:00:00.000"},
		{"integer", "42", int64(42)},
		{"decimal(10,2)", "3.25", 3.25},
		{"boolean", "True", true},
	}
	for _, tt := range tests {
		t.Run(tt.colType, func(t *testing.T) {
			v := tt.value
			got, err := ParseValue(tt.colType, &v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	v := "x"
	_, err := ParseValue("map", &v)
	assert.Error(t, err)
	_, err = ParseValue("int", &v)
	assert.Error(t, err)
}

type stubRunner struct {
	rows   []Row
	err    error
	params []string
}

func (s *stubRunner) Query(ctx context.Context, sql string, params ...string) ([]Row, error) {
	s.params = params
	return s.rows, s.err
}

func serve(runner Runner, target string) *httptest.ResponseRecorder {
	r := httpapi.NewRouter(nil)
	NewStockAPI(runner, zap.NewNop(), observability.Noop{}).Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestStockAPI_DailyReturns(t *testing.T) {
	runner := &stubRunner{rows: []Row{{"symbol": "AAPL", "daily_return": 0.01}}}
	rec := serve(runner, "/daily-returns?date=2023-01-03")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"symbol":"AAPL","daily_return":0.01}]`, rec.Body.String())
	assert.Equal(t, []string{"'2023-01-03'"}, runner.params)
}

func TestStockAPI_EmptyResultIsArray(t *testing.T) {
	rec := serve(&stubRunner{}, "/daily-returns?date=2023-01-03")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestStockAPI_BadInput(t *testing.T) {
	runner := &stubRunner{}
	for _, target := range []string{"/daily-returns", "/daily-returns?date=03-01-2023", "/daily-returns?date=2023-01-03'--"} {
		rec := serve(runner, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	assert.Nil(t, runner.params)
}

func TestStockAPI_QueryFailure(t *testing.T) {
	rec := serve(&stubRunner{err: errors.New("athena down")}, "/daily-returns?date=2023-01-03")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
