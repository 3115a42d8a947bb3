package records

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/logging"
	"github.com/yuryprokashev/public-writing/internal/observability"
	"github.com/yuryprokashev/public-writing/internal/validation"
)

// Request is the invocation payload. Missing fields take the defaults.
type Request struct {
	Count  *int   `json:"count,omitempty" validate:"omitempty,min=1"`
	Writer string `json:"writer,omitempty"`
}

// Response reports what was written.
type Response struct {
	Writer string `json:"writer"`
	Count  int    `json:"count"`
	WriteResult
	GenerateMillis int64 `json:"generate_ms"`
	WriteMillis    int64 `json:"write_ms"`
}

// Handler generates records and hands them to the named writer.
type Handler struct {
	generator    *Generator
	writers      map[string]Writer
	defaultCount int
	logger       *zap.Logger
	metrics      observability.Metrics
}

// NewHandler creates the handler. Writers are keyed by name.
func NewHandler(generator *Generator, writers map[string]Writer, defaultCount int, logger *zap.Logger, metrics observability.Metrics) *Handler {
	return &Handler{
		generator:    generator,
		writers:      writers,
		defaultCount: defaultCount,
		logger:       logger,
		metrics:      metrics,
	}
}

// Handle is the Lambda entry point.
func (h *Handler) Handle(ctx context.Context, req Request) (Response, error) {
	logger := logging.WithInvocation(ctx, h.logger)
	if err := validation.Struct(req, apperrors.CodeInvalidInput); err != nil {
		return Response{}, err
	}
	count := h.defaultCount
	if req.Count != nil {
		count = *req.Count
	}
	name := req.Writer
	if name == "" {
		name = WriterJSON
	}
	writer, ok := h.writers[name]
	if !ok {
		return Response{}, apperrors.Validation(apperrors.CodeInvalidInput, fmt.Sprintf("writer '%s' not supported", name)).
			WithDetails("supported: " + strings.Join(h.names(), ", ")).
			Build()
	}

	genStart := time.Now()
	recs := h.generator.Generate(count)
	genTime := time.Since(genStart)

	writeStart := time.Now()
	result, err := writer.Write(ctx, recs)
	writeTime := time.Since(writeStart)
	if err != nil {
		return Response{}, apperrors.Wrap(err, "failed to write records")
	}

	h.metrics.IncrementCounterBy(observability.MetricRecordsWritten, float64(result.Written), map[string]string{"writer": name})
	h.metrics.RecordDuration(observability.MetricHandlerDuration, genTime+writeTime, map[string]string{"handler": "record-writer"})
	if err := h.metrics.Flush(ctx); err != nil {
		logger.Warn("Metrics flush failed", zap.Error(err))
	}

	logger.Info("Records written",
		zap.String("writer", name),
		zap.Int("count", count),
		zap.Int("failed_put_count", result.FailedPutCount),
		zap.Duration("generate_duration", genTime),
		zap.Duration("write_duration", writeTime),
	)
	return Response{
		Writer:         name,
		Count:          count,
		WriteResult:    result,
		GenerateMillis: genTime.Milliseconds(),
		WriteMillis:    writeTime.Milliseconds(),
	}, nil
}

func (h *Handler) names() []string {
	names := make([]string, 0, len(h.writers))
	for n := range h.writers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
