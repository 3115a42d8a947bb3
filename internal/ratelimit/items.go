// Package ratelimit ingests items from a rate-limited third-party API.
//
// The item generator lists every item ID once and enqueues a LoadTask. Each
// loader invocation fetches at most RateLimit items, stores them, and
// re-enqueues the rest with a delay, so the API sees at most RateLimit
// calls per delay window.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
	"github.com/yuryprokashev/public-writing/internal/validation"
)

// ItemRef names one item to load.
type ItemRef struct {
	ItemID int `json:"item_id" validate:"min=0"`
}

// LoadTask is the item queue message.
type LoadTask struct {
	RateLimit    int       `json:"rateLimit" validate:"min=1"`
	DelaySeconds int       `json:"delaySeconds" validate:"min=0"`
	Items        []ItemRef `json:"items" validate:"dive"`
}

// Validate checks the task fields.
func (t LoadTask) Validate() error {
	return validation.Struct(t, apperrors.CodeInvalidMessage)
}

// Item is an item as returned by the third-party API.
type Item struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ItemAPI is the third-party item service.
type ItemAPI interface {
	ListItemIDs(ctx context.Context) ([]int, error)
	GetItem(ctx context.Context, id int) (Item, error)
}

// SimulatedAPI stands in for the third-party service: listing takes
// ListDelay, each item takes a random duration in [MinItemDelay, MaxItemDelay].
type SimulatedAPI struct {
	Count        int
	ListDelay    time.Duration
	MinItemDelay time.Duration
	MaxItemDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedAPI returns the default simulation: 1000 items, one second to
// list, 100ms to 1s per item.
func NewSimulatedAPI() *SimulatedAPI {
	return &SimulatedAPI{
		Count:        1000,
		ListDelay:    time.Second,
		MinItemDelay: 100 * time.Millisecond,
		MaxItemDelay: time.Second,
	}
}

func (a *SimulatedAPI) ListItemIDs(ctx context.Context) ([]int, error) {
	if err := wait(ctx, a.ListDelay); err != nil {
		return nil, err
	}
	ids := make([]int, a.Count)
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

func (a *SimulatedAPI) GetItem(ctx context.Context, id int) (Item, error) {
	if err := wait(ctx, a.itemDelay()); err != nil {
		return Item{}, err
	}
	return Item{ID: id, Name: fmt.Sprintf("Item %d", id)}, nil
}

func (a *SimulatedAPI) itemDelay() time.Duration {
	span := a.MaxItemDelay - a.MinItemDelay
	if span <= 0 {
		return a.MinItemDelay
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rng == nil {
		a.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return a.MinItemDelay + time.Duration(a.rng.Int63n(int64(span)+1))
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
