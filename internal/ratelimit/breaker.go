package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// BreakerConfig holds configuration for the third-party circuit breaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests calls have been counted.
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker used in front of the item API.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// BreakerAPI guards an ItemAPI with a circuit breaker. While open, calls
// fail fast with a throttled error and the message is retried later.
type BreakerAPI struct {
	api    ItemAPI
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreakerAPI wraps api.
func NewBreakerAPI(api ItemAPI, config BreakerConfig, logger *zap.Logger) *BreakerAPI {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// A cancelled invocation says nothing about the API's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerAPI{api: api, cb: cb, logger: logger}
}

// State reports the breaker state.
func (b *BreakerAPI) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerAPI) ListItemIDs(ctx context.Context) ([]int, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.api.ListItemIDs(ctx)
	})
	if err != nil {
		return nil, b.classify(err)
	}
	return out.([]int), nil
}

func (b *BreakerAPI) GetItem(ctx context.Context, id int) (Item, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.api.GetItem(ctx, id)
	})
	if err != nil {
		return Item{}, b.classify(err)
	}
	return out.(Item), nil
}

func (b *BreakerAPI) classify(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		appErr := apperrors.External(apperrors.CodeThirdPartyFailed, "item API circuit open").WithCause(err).Build()
		appErr.Type = apperrors.ErrorTypeThrottled
		return appErr
	default:
		return apperrors.External(apperrors.CodeThirdPartyFailed, "item API call failed").WithCause(err).Build()
	}
}

var _ ItemAPI = (*BreakerAPI)(nil)
