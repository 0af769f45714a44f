package query

import (
	"golang.org/x/sync/semaphore"
)

// budget is the shared buffered-item budget for one query. Producers
// reserve a page worth of capacity before fetching and trim the reservation
// down to the actual item count after the fetch; the base context releases
// the rest when items are handed downstream. A producer whose buffer is
// empty fetches its next page even when the budget is exhausted, so the
// budget throttles look-ahead without ever wedging the merge. Every release
// pulses freed so a producer waiting for capacity can re-check its buffer.
type budget struct {
	sem   *semaphore.Weighted
	cap   int64
	freed chan struct{}
}

func newBudget(maxBufferedItems int) *budget {
	if maxBufferedItems <= 0 {
		maxBufferedItems = 1
	}
	return &budget{
		sem:   semaphore.NewWeighted(int64(maxBufferedItems)),
		cap:   int64(maxBufferedItems),
		freed: make(chan struct{}, 1),
	}
}

// tryAcquire takes up to n items of capacity without blocking, returning
// how much it got (possibly 0). Requests larger than the whole budget are
// clamped so a single oversized page cannot starve forever.
func (b *budget) tryAcquire(n int) int64 {
	w := int64(n)
	if w > b.cap {
		w = b.cap
	}
	if w <= 0 {
		return 0
	}
	if b.sem.TryAcquire(w) {
		return w
	}
	return 0
}

func (b *budget) release(n int64) {
	if n > 0 {
		b.sem.Release(n)
		select {
		case b.freed <- struct{}{}:
		default:
		}
	}
}
