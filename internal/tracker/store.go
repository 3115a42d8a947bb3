package tracker

import (
	"context"
	"sync"
	"time"
)

// Store persists batches. Every method is atomic with respect to concurrent
// callers working on the same batch ID.
type Store interface {
	// Record adds task indexes to the batch's completed set, creating the
	// batch on first use, and returns the batch after the update.
	Record(ctx context.Context, batchID string, size int, indexes []int) (Batch, error)
	// Claim takes the signaling claim of a done batch. See Batch.Claim.
	Claim(ctx context.Context, batchID string, now time.Time, lease time.Duration) (bool, error)
	// Complete moves SIGNALING to COMPLETE. Calling it in any other state is a no-op.
	Complete(ctx context.Context, batchID string) error
	// MarkDispatched moves SIGNALING or COMPLETE to DISPATCHED and reports
	// whether this call made the transition.
	MarkDispatched(ctx context.Context, batchID string) (bool, error)
	// Get returns the batch or a NotFound error.
	Get(ctx context.Context, batchID string) (Batch, error)
}

// MemoryStore is a mutex-guarded Store for tests and the local runner.
type MemoryStore struct {
	mu      sync.Mutex
	batches map[string]Batch
	clock   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: make(map[string]Batch), clock: time.Now}
}

func (s *MemoryStore) Record(ctx context.Context, batchID string, size int, indexes []int) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	b, ok := s.batches[batchID]
	if !ok {
		b = NewBatch(batchID, size, now)
	}
	if _, err := b.Add(size, indexes, now); err != nil {
		return Batch{}, err
	}
	s.batches[batchID] = b
	return clone(b), nil
}

func (s *MemoryStore) Claim(ctx context.Context, batchID string, now time.Time, lease time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return false, nil
	}
	claimed := b.Claim(now, lease)
	s.batches[batchID] = b
	return claimed, nil
}

func (s *MemoryStore) Complete(ctx context.Context, batchID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.batches[batchID]; ok {
		b.MarkComplete(s.clock())
		s.batches[batchID] = b
	}
	return nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, batchID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return false, nil
	}
	changed := b.MarkDispatched(s.clock())
	s.batches[batchID] = b
	return changed, nil
}

func (s *MemoryStore) Get(ctx context.Context, batchID string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return Batch{}, ErrNotFound(batchID)
	}
	return clone(b), nil
}

func clone(b Batch) Batch {
	b.Completed = append([]int(nil), b.Completed...)
	return b
}

var _ Store = (*MemoryStore)(nil)
