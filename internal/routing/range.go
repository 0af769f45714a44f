// Package routing models partition key ranges and routing map access for
// MeridianDB collections.
//
// A collection's hashed key space is covered by a set of half-open ranges
// [MinInclusive, MaxExclusive), each owned by one physical partition. The
// routing map is a snapshot: splits produce child ranges, never in-place
// mutation.
package routing

import (
	"fmt"
	"sort"
)

// Bounds of the full hashed key space.
const (
	MinimumKey = ""
	MaximumKey = "FF"
)

// Range is a half-open interval [Min, Max) over the hashed key space.
type Range struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// FullRange covers the entire key space of a collection.
func FullRange() Range {
	return Range{Min: MinimumKey, Max: MaximumKey}
}

// IsEmpty reports whether the range contains no keys.
func (r Range) IsEmpty() bool {
	return r.Min >= r.Max
}

// Contains reports whether key falls inside the range.
func (r Range) Contains(key string) bool {
	return key >= r.Min && key < r.Max
}

// ContainsRange reports whether other is fully inside r.
func (r Range) ContainsRange(other Range) bool {
	return other.Min >= r.Min && other.Max <= r.Max
}

// Overlaps reports whether the two ranges share at least one key.
func (r Range) Overlaps(other Range) bool {
	return r.Min < other.Max && other.Min < r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%q, %q)", r.Min, r.Max)
}

// PartitionKeyRange is one physical partition's slice of the key space.
//
// Immutable once handed out; a split replaces the range with children whose
// Parents list carries the replaced range id.
type PartitionKeyRange struct {
	ID           string   `json:"id"`
	MinInclusive string   `json:"minInclusive"`
	MaxExclusive string   `json:"maxExclusive"`
	Parents      []string `json:"parents,omitempty"`
}

// Span returns the range's interval.
func (p PartitionKeyRange) Span() Range {
	return Range{Min: p.MinInclusive, Max: p.MaxExclusive}
}

func (p PartitionKeyRange) String() string {
	return fmt.Sprintf("pkrange{%s %s}", p.ID, p.Span())
}

// SortRanges orders ranges by MinInclusive. All drain and merge tie-breaks
// in the query pipeline rely on this order being deterministic.
func SortRanges(ranges []PartitionKeyRange) {
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].MinInclusive < ranges[j].MinInclusive
	})
}

// VerifyCover checks that ranges form a partition of target: sorted by min,
// contiguous, no gaps or overlaps, first min == target.Min and last
// max == target.Max.
func VerifyCover(target Range, ranges []PartitionKeyRange) error {
	if len(ranges) == 0 {
		return fmt.Errorf("routing: no ranges cover %s", target)
	}
	sorted := make([]PartitionKeyRange, len(ranges))
	copy(sorted, ranges)
	SortRanges(sorted)

	if sorted[0].MinInclusive != target.Min {
		return fmt.Errorf("routing: gap before first range %s, target %s", sorted[0], target)
	}
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.MinInclusive != prev.MaxExclusive {
			return fmt.Errorf("routing: ranges %s and %s are not contiguous", prev, cur)
		}
	}
	if last := sorted[len(sorted)-1]; last.MaxExclusive != target.Max {
		return fmt.Errorf("routing: gap after last range %s, target %s", last, target)
	}
	return nil
}
