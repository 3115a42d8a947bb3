// Package tracker accumulates task completions per batch and signals batch
// completion once.
//
// A batch moves through
//
//	PENDING -> SIGNALING -> COMPLETE -> DISPATCHED
//
// PENDING accumulates task indexes. Once every index is present one tracker
// invocation claims the batch (SIGNALING), publishes the batch-complete
// signal and marks it COMPLETE. The next stage marks it DISPATCHED after
// starting downstream work. A SIGNALING claim older than the lease may be
// taken over, which recovers from a crash between claim and completion.
package tracker

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSignaling  Status = "SIGNALING"
	StatusComplete   Status = "COMPLETE"
	StatusDispatched Status = "DISPATCHED"
)

// Signaled reports whether the batch-complete signal has been published.
func (s Status) Signaled() bool {
	return s == StatusComplete || s == StatusDispatched
}

// Batch is the durable per-batch tracker record.
type Batch struct {
	ID        string    `json:"batch_id"`
	Size      int       `json:"size"`
	Completed []int     `json:"completed"`
	Status    Status    `json:"status"`
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Count is the number of distinct completed tasks.
func (b Batch) Count() int {
	return len(b.Completed)
}

// Done reports whether every task of the batch has completed.
func (b Batch) Done() bool {
	return b.Size > 0 && b.Count() >= b.Size
}

// NewBatch starts an empty PENDING batch.
func NewBatch(id string, size int, now time.Time) Batch {
	return Batch{ID: id, Size: size, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
}

// Add records task indexes as completed. The size given must match the size
// fixed by the first record; a mismatch is a validation error. It reports
// whether the completed set changed.
func (b *Batch) Add(size int, indexes []int, now time.Time) (bool, error) {
	if b.Size != size {
		return false, SizeMismatch(b.ID, b.Size, size)
	}
	present := make(map[int]struct{}, len(b.Completed))
	for _, i := range b.Completed {
		present[i] = struct{}{}
	}
	changed := false
	for _, i := range indexes {
		if _, ok := present[i]; ok {
			continue
		}
		present[i] = struct{}{}
		b.Completed = append(b.Completed, i)
		changed = true
	}
	if changed {
		sort.Ints(b.Completed)
		b.UpdatedAt = now
	}
	return changed, nil
}

// Claim moves a done batch from PENDING, or from a SIGNALING claim at least
// lease old, to SIGNALING. It reports whether the caller now holds the claim.
func (b *Batch) Claim(now time.Time, lease time.Duration) bool {
	if !b.Done() {
		return false
	}
	switch b.Status {
	case StatusPending:
	case StatusSignaling:
		if now.Sub(b.ClaimedAt) < lease {
			return false
		}
	default:
		return false
	}
	b.Status = StatusSignaling
	b.ClaimedAt = now
	b.UpdatedAt = now
	return true
}

// MarkComplete moves SIGNALING to COMPLETE and reports whether it changed.
func (b *Batch) MarkComplete(now time.Time) bool {
	if b.Status != StatusSignaling {
		return false
	}
	b.Status = StatusComplete
	b.UpdatedAt = now
	return true
}

// MarkDispatched moves SIGNALING or COMPLETE to DISPATCHED and reports
// whether it changed.
func (b *Batch) MarkDispatched(now time.Time) bool {
	if b.Status != StatusSignaling && b.Status != StatusComplete {
		return false
	}
	b.Status = StatusDispatched
	b.UpdatedAt = now
	return true
}

// SizeMismatch builds the poison error for a record whose declared batch size
// disagrees with the stored one.
func SizeMismatch(batchID string, stored, declared int) error {
	return apperrors.Validation(apperrors.CodeSizeMismatch, "batch size does not match the first record").
		WithResource(batchID).
		WithDetails(fmt.Sprintf("stored %d, declared %d", stored, declared)).
		Build()
}

// ErrNotFound builds the error returned by Get for an unknown batch.
func ErrNotFound(batchID string) error {
	return apperrors.NotFound(apperrors.CodeBatchNotFound, "batch not found").
		WithResource(batchID).
		Build()
}
