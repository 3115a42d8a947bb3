package athena

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/httpapi"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/validation"
)

// DailyReturnsQuery returns every symbol's close-to-close return on the
// date given as its only parameter.
const DailyReturnsQuery = `
WITH DailyReturnsInput AS (
    SELECT
        symbol,
        timestamp,
        close,
        lag(close) over (PARTITION by symbol order by timestamp) as previous_close
    FROM
        candle
),
DailyReturns AS (
    SELECT
        symbol,
        timestamp,
        (close - previous_close) / previous_close as daily_return
    FROM
        DailyReturnsInput
)
select * from DailyReturns
where timestamp = cast(? as timestamp)
`

// Runner runs a parameterized query.
type Runner interface {
	Query(ctx context.Context, sql string, params ...string) ([]Row, error)
}

// DailyReturnsRequest is the validated query string.
type DailyReturnsRequest struct {
	Date string `json:"date" validate:"required,isodate"`
}

// StockAPI serves stock analytics backed by Athena.
type StockAPI struct {
	runner  Runner
	logger  *zap.Logger
	metrics observability.Metrics
}

// NewStockAPI creates the API.
func NewStockAPI(runner Runner, logger *zap.Logger, metrics observability.Metrics) *StockAPI {
	return &StockAPI{runner: runner, logger: logger, metrics: metrics}
}

// Routes mounts the API on r.
func (a *StockAPI) Routes(r chi.Router) {
	r.Get("/daily-returns", a.dailyReturns)
}

func (a *StockAPI) dailyReturns(w http.ResponseWriter, r *http.Request) {
	req := DailyReturnsRequest{Date: r.URL.Query().Get("date")}
	if err := validation.Struct(req, apperrors.CodeInvalidInput); err != nil {
		httpapi.WriteError(w, err, a.logger)
		return
	}

	rows, err := a.DailyReturns(r.Context(), req.Date)
	if err != nil {
		httpapi.Error(w, http.StatusInternalServerError, err.Error())
		a.logger.Error("Daily returns query failed", zap.String("date", req.Date), zap.Error(err))
		return
	}
	httpapi.Success(w, http.StatusOK, rows)
}

// DailyReturns runs DailyReturnsQuery for date.
func (a *StockAPI) DailyReturns(ctx context.Context, date string) ([]Row, error) {
	start := time.Now()
	rows, err := a.runner.Query(ctx, DailyReturnsQuery, fmt.Sprintf("'%s'", date))
	a.metrics.RecordDuration(observability.MetricQueryDuration, time.Since(start), map[string]string{"query": "daily_returns"})
	if ferr := a.metrics.Flush(ctx); ferr != nil {
		a.logger.Warn("Metrics flush failed", zap.Error(ferr))
	}
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}
