//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/yuryprokashev/public-writing/internal/nextstage"
	"github.com/yuryprokashev/public-writing/internal/tracker"
)

// InitializeCompletionTracker builds the completion-tracker handler.
func InitializeCompletionTracker(ctx context.Context) (*tracker.Handler, error) {
	wire.Build(
		ConfigProviders,
		AWSProviders,
		InfrastructureProviders,
		TrackerProviders,
	)
	return nil, nil
}

// InitializeNextStage builds the next-stage trigger.
func InitializeNextStage(ctx context.Context) (*nextstage.Trigger, error) {
	wire.Build(
		ConfigProviders,
		AWSProviders,
		InfrastructureProviders,
		NextStageProviders,
	)
	return nil, nil
}
