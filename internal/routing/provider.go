package routing

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Provider resolves routing metadata for a collection.
//
// Snapshot semantics: the returned slices describe the routing map at one
// point in time and are never mutated by the provider afterwards. After a
// 410/range-gone the caller refreshes via ResolveChildren (or evicts a
// cached snapshot and re-resolves).
type Provider interface {
	// ResolveRanges returns the partition key ranges overlapping target,
	// sorted by MinInclusive.
	ResolveRanges(ctx context.Context, collectionRID string, target Range) ([]PartitionKeyRange, error)

	// ResolveChildren returns the replacement ranges for a range that went
	// away in a split. The children cover exactly the parent's interval.
	ResolveChildren(ctx context.Context, collectionRID string, rangeID string) ([]PartitionKeyRange, error)
}

const defaultCacheSize = 256

// CachingProvider decorates a Provider with an LRU snapshot cache keyed by
// collection rid. Readers get a shared immutable snapshot; a split evicts
// the collection entry so the next resolve observes the new map.
//
// Thread safety: all methods are safe for concurrent use.
type CachingProvider struct {
	inner Provider
	cache *lru.Cache[string, []PartitionKeyRange]
	log   *slog.Logger
}

// NewCachingProvider wraps inner with a routing map cache of the given size
// (entries, one per collection; size <= 0 uses the default).
func NewCachingProvider(inner Provider, size int, log *slog.Logger) (*CachingProvider, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, []PartitionKeyRange](size)
	if err != nil {
		return nil, err
	}
	return &CachingProvider{inner: inner, cache: c, log: log}, nil
}

func (cp *CachingProvider) ResolveRanges(ctx context.Context, collectionRID string, target Range) ([]PartitionKeyRange, error) {
	if full, ok := cp.cache.Get(collectionRID); ok {
		return overlapping(full, target), nil
	}
	full, err := cp.inner.ResolveRanges(ctx, collectionRID, FullRange())
	if err != nil {
		return nil, err
	}
	cp.cache.Add(collectionRID, full)
	return overlapping(full, target), nil
}

func (cp *CachingProvider) ResolveChildren(ctx context.Context, collectionRID string, rangeID string) ([]PartitionKeyRange, error) {
	// A gone range means the cached snapshot is stale for this collection.
	cp.Evict(collectionRID)
	cp.log.Debug("routing snapshot evicted after range gone",
		"collection", collectionRID, "range", rangeID)
	return cp.inner.ResolveChildren(ctx, collectionRID, rangeID)
}

// Evict drops the cached snapshot for a collection.
func (cp *CachingProvider) Evict(collectionRID string) {
	cp.cache.Remove(collectionRID)
}

func overlapping(full []PartitionKeyRange, target Range) []PartitionKeyRange {
	out := make([]PartitionKeyRange, 0, len(full))
	for _, r := range full {
		if r.Span().Overlaps(target) {
			out = append(out, r)
		}
	}
	SortRanges(out)
	return out
}
