package fanout

import "sort"

// Delivered pairs a decoded completion with the transport message that carried it.
type Delivered struct {
	MessageID  string
	Completion Completion
}

// Group holds the completions of one batch and one declared size found in a
// single delivery.
type Group struct {
	BatchID string
	Size    int
	// Indexes are the distinct task indexes, in first-seen order.
	Indexes []int
	// MessageIDs are all messages contributing to the group, duplicates included.
	MessageIDs []string
	// Duplicates counts records whose index already appeared in this group.
	Duplicates int
}

type groupKey struct {
	batchID string
	size    int
}

// Partition groups completions by batch ID and declared size. Batches keep
// their first-seen order. A batch whose records disagree on the size yields
// one group per size, largest first, and the store decides which size is
// valid: the delivery alone cannot tell a corrupt record from a good one.
func Partition(records []Delivered) []*Group {
	byKey := make(map[groupKey]*Group)
	seen := make(map[groupKey]map[int]struct{})
	perBatch := make(map[string][]*Group)
	var order []string

	for _, r := range records {
		c := r.Completion
		key := groupKey{batchID: c.BatchID, size: c.BatchSize}
		g, ok := byKey[key]
		if !ok {
			g = &Group{BatchID: c.BatchID, Size: c.BatchSize}
			byKey[key] = g
			seen[key] = make(map[int]struct{})
			if _, known := perBatch[c.BatchID]; !known {
				order = append(order, c.BatchID)
			}
			perBatch[c.BatchID] = append(perBatch[c.BatchID], g)
		}
		g.MessageIDs = append(g.MessageIDs, r.MessageID)
		if _, dup := seen[key][c.TaskIndex]; dup {
			g.Duplicates++
			continue
		}
		seen[key][c.TaskIndex] = struct{}{}
		g.Indexes = append(g.Indexes, c.TaskIndex)
	}

	groups := make([]*Group, 0, len(byKey))
	for _, id := range order {
		sub := perBatch[id]
		sort.SliceStable(sub, func(i, j int) bool { return len(sub[i].MessageIDs) > len(sub[j].MessageIDs) })
		groups = append(groups, sub...)
	}
	return groups
}
