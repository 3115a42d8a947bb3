package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delivered(msgID, batchID string, size, index int) Delivered {
	return Delivered{
		MessageID:  msgID,
		Completion: Task{BatchID: batchID, BatchSize: size, TaskIndex: index}.Complete(),
	}
}

func TestPartition_CountsPerBatchNotPerDelivery(t *testing.T) {
	groups := Partition([]Delivered{
		delivered("m1", "a", 3, 0),
		delivered("m2", "b", 2, 0),
		delivered("m3", "a", 3, 1),
		delivered("m4", "b", 2, 1),
		delivered("m5", "a", 3, 2),
	})

	require.Len(t, groups, 2)

	assert.Equal(t, "a", groups[0].BatchID)
	assert.Equal(t, 3, groups[0].Size)
	assert.Equal(t, []int{0, 1, 2}, groups[0].Indexes)
	assert.Equal(t, []string{"m1", "m3", "m5"}, groups[0].MessageIDs)

	assert.Equal(t, "b", groups[1].BatchID)
	assert.Equal(t, []int{0, 1}, groups[1].Indexes)
}

func TestPartition_DeduplicatesIndexes(t *testing.T) {
	groups := Partition([]Delivered{
		delivered("m1", "a", 5, 4),
		delivered("m2", "a", 5, 4),
	})

	require.Len(t, groups, 1)
	assert.Equal(t, []int{4}, groups[0].Indexes)
	assert.Equal(t, 1, groups[0].Duplicates)
	assert.Equal(t, []string{"m1", "m2"}, groups[0].MessageIDs)
}

func TestPartition_SplitsConflictingSizes(t *testing.T) {
	groups := Partition([]Delivered{
		delivered("m1", "a", 6, 5),
		delivered("m2", "b", 2, 0),
		delivered("m3", "a", 5, 1),
		delivered("m4", "a", 5, 2),
	})

	require.Len(t, groups, 3)
	assert.Equal(t, "a", groups[0].BatchID)
	assert.Equal(t, 5, groups[0].Size)
	assert.Equal(t, []string{"m3", "m4"}, groups[0].MessageIDs)
	assert.Equal(t, "a", groups[1].BatchID)
	assert.Equal(t, 6, groups[1].Size)
	assert.Equal(t, []int{5}, groups[1].Indexes)
	assert.Equal(t, "b", groups[2].BatchID)
}

func TestPartition_SizeTieKeepsFirstSeenOrder(t *testing.T) {
	groups := Partition([]Delivered{
		delivered("m1", "a", 3, 2),
		delivered("m2", "a", 2, 1),
	})

	require.Len(t, groups, 2)
	assert.Equal(t, 3, groups[0].Size)
	assert.Equal(t, 2, groups[1].Size)
}

func TestPartition_Empty(t *testing.T) {
	assert.Empty(t, Partition(nil))
}
