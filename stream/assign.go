package stream

import (
	"slices"

	"kueuestream/kueue"
)

// Assigner decides which partitions a member owns. Every member runs it with
// the same inputs, so implementations must be deterministic and must give
// each partition to exactly one member.
type Assigner interface {
	Assign(member string, members []string, partitions []kueue.TopicPartition) []kueue.TopicPartition
}

// OwnAll assigns everything to the caller. It is the single-instance default.
type OwnAll struct{}

func (OwnAll) Assign(_ string, _ []string, partitions []kueue.TopicPartition) []kueue.TopicPartition {
	out := append([]kueue.TopicPartition(nil), partitions...)
	sortTopicPartitions(out)
	return out
}

// LeastLoaded walks the partitions in order and gives each one to the member
// currently owning the fewest, breaking ties by member name.
type LeastLoaded struct{}

func (LeastLoaded) Assign(member string, members []string, partitions []kueue.TopicPartition) []kueue.TopicPartition {
	names := normalizeMembers(members)
	if len(names) == 0 {
		return nil
	}
	tps := append([]kueue.TopicPartition(nil), partitions...)
	sortTopicPartitions(tps)

	load := make(map[string]int, len(names))
	var out []kueue.TopicPartition
	for _, tp := range tps {
		owner := names[0]
		for _, m := range names[1:] {
			if load[m] < load[owner] {
				owner = m
			}
		}
		load[owner]++
		if owner == member {
			out = append(out, tp)
		}
	}
	return out
}

// RendezvousHash gives each partition to the member with the highest
// hash(member, partition). Adding or removing a member only moves the
// partitions that member wins or loses.
type RendezvousHash struct{}

func (RendezvousHash) Assign(member string, members []string, partitions []kueue.TopicPartition) []kueue.TopicPartition {
	names := normalizeMembers(members)
	var out []kueue.TopicPartition
	for _, tp := range partitions {
		var (
			owner string
			best  uint32
		)
		for i, m := range names {
			score := kueue.Hash([]byte(m + "|" + tp.String()))
			if i == 0 || score > best {
				owner, best = m, score
			}
		}
		if owner == member {
			out = append(out, tp)
		}
	}
	sortTopicPartitions(out)
	return out
}

// normalizeMembers returns the sorted, de-duplicated member list.
func normalizeMembers(members []string) []string {
	out := slices.Clone(members)
	slices.Sort(out)
	return slices.Compact(out)
}
