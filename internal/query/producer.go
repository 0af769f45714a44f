package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/metrics"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// producerState is the terminal disposition of a producer's fetch loop.
type producerState int

const (
	producerActive producerState = iota
	producerDone                 // range exhausted
	producerSplit                // range gone; children resolved
	producerFailed               // retries exhausted or fatal failure
)

// documentProducer owns the fetch loop for one partition key range: a
// bounded look-ahead buffer of pages, one outstanding fetch at a time,
// budget accounting, retry, and split detection.
//
// The fetch loop runs in its own goroutine and delivers pages through a
// channel whose capacity is the prefetch depth; the channel send is the
// low-watermark gate. The loop holds no locks across suspension points.
type documentProducer struct {
	env    *pipelineEnv
	rng    routing.PartitionKeyRange
	seed   string       // continuation the first fetch starts from
	filter *OrderFilter // order-by resume filter, nil unless resuming

	pages    chan *Page
	buffered atomic.Int32

	mu        sync.Mutex
	state     producerState
	err       *qerr.QueryError
	children  []routing.PartitionKeyRange
	childSeed string // continuation the replacement producers start from
}

func newDocumentProducer(env *pipelineEnv, rng routing.PartitionKeyRange, seed string, filter *OrderFilter) *documentProducer {
	depth := env.prefetchDepth
	if depth < 1 {
		depth = 1
	}
	return &documentProducer{
		env:    env,
		rng:    rng,
		seed:   seed,
		filter: filter,
		pages:  make(chan *Page, depth),
	}
}

func (dp *documentProducer) start(ctx context.Context) {
	go dp.run(ctx)
}

func (dp *documentProducer) run(ctx context.Context) {
	defer close(dp.pages)

	cont := dp.seed
	for {
		held, ok := dp.awaitBudget(ctx)
		if !ok {
			dp.finish(producerFailed, qerr.Cancelled(ctx.Err()))
			return
		}

		var page *Page
		var ferr *qerr.QueryError
		if serr := dp.env.sched.do(ctx, func() {
			page, ferr = dp.fetchPage(ctx, cont)
		}); serr != nil {
			dp.env.budget.release(held)
			dp.finish(producerFailed, qerr.Cancelled(serr))
			return
		}

		if ferr != nil {
			dp.env.budget.release(held)
			if ferr.Kind == qerr.KindPartitionGone {
				dp.handleSplit(ctx, cont, ferr)
			} else {
				dp.finish(producerFailed, ferr)
			}
			return
		}

		// Trim the held budget down to what the page actually buffers.
		taken := int64(len(page.Items))
		if taken < held {
			dp.env.budget.release(held - taken)
			page.budgeted = taken
		} else {
			page.budgeted = held
		}
		page.fetchToken = cont
		page.SourceRangeID = dp.rng.ID

		dp.buffered.Add(1)
		select {
		case dp.pages <- page:
		case <-ctx.Done():
			dp.buffered.Add(-1)
			dp.env.budget.release(page.budgeted)
			dp.finish(producerFailed, qerr.Cancelled(ctx.Err()))
			return
		}

		if page.Continuation == "" {
			dp.finish(producerDone, nil)
			return
		}
		cont = page.Continuation
	}
}

// awaitBudget reserves look-ahead capacity for the next fetch. Budget gates
// look-ahead only: a producer with nothing buffered fetches regardless so
// the merge always makes progress. A producer with buffered pages waits for
// capacity, re-checking its buffer on every wake; once the consumer drains
// the buffer it falls through to the unreserved fetch. Waits are woken by
// release pulses, with a timed fallback covering a pulse another waiter
// consumed. Returns ok=false only when ctx ends.
func (dp *documentProducer) awaitBudget(ctx context.Context) (int64, bool) {
	for {
		held := dp.env.budget.tryAcquire(dp.env.pageSize)
		if held > 0 || dp.buffered.Load() == 0 {
			return held, true
		}
		timer := time.NewTimer(50 * time.Millisecond)
		select {
		case <-dp.env.budget.freed:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, false
		}
	}
}

// handleSplit resolves the gone range's children and parks them for the
// base context to swap in, each seeded with the current continuation.
func (dp *documentProducer) handleSplit(ctx context.Context, cont string, cause *qerr.QueryError) {
	children, err := dp.env.routing.ResolveChildren(ctx, dp.env.collectionRID, dp.rng.ID)
	if err != nil {
		dp.finish(producerFailed, dp.env.classifier.Classify(err, dp.rng.ID))
		return
	}
	if len(children) == 0 {
		dp.finish(producerFailed, cause)
		return
	}
	routing.SortRanges(children)
	metrics.SplitsTotal.Inc()
	dp.env.log.Debug("partition split detected",
		"range", dp.rng.ID, "children", len(children))

	dp.mu.Lock()
	dp.state = producerSplit
	dp.children = children
	dp.childSeed = cont
	dp.mu.Unlock()
}

func (dp *documentProducer) finish(state producerState, err *qerr.QueryError) {
	dp.mu.Lock()
	dp.state = state
	dp.err = err
	dp.mu.Unlock()
}

// disposition reports how the closed fetch loop ended.
func (dp *documentProducer) disposition() (producerState, []routing.PartitionKeyRange, string, *qerr.QueryError) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.state, dp.children, dp.childSeed, dp.err
}

// take blocks for the next buffered page. ok=false with a nil page means
// the fetch loop has closed; consult disposition.
func (dp *documentProducer) take(ctx context.Context) (page *Page, ok bool, err error) {
	select {
	case p, open := <-dp.pages:
		if p != nil {
			dp.buffered.Add(-1)
		}
		return p, open, nil
	case <-ctx.Done():
		return nil, false, qerr.Cancelled(ctx.Err())
	}
}

// fetchPage issues one page request, retrying per the policy until it
// succeeds, becomes non-retryable, or retries are exhausted.
func (dp *documentProducer) fetchPage(ctx context.Context, cont string) (*Page, *qerr.QueryError) {
	policy := dp.env.retryFactory.NewRetryPolicy()
	for {
		reqCtx := ctx
		cancel := func() {}
		if dp.env.requestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, dp.env.requestTimeout)
		}
		page, err := dp.env.executor.ExecutePage(reqCtx, dp.pageRequest(cont))
		cancel()
		if err == nil {
			metrics.PartitionPagesTotal.Inc()
			metrics.RequestChargeTotal.Add(page.RequestCharge)
			return page, nil
		}

		ferr := dp.env.classifier.Classify(err, dp.rng.ID)
		if ferr.Kind == qerr.KindCancelled && ctx.Err() == nil {
			// The per-request deadline fired, not the query; retryable.
			ferr = qerr.TimedOut(dp.rng.ID, err)
		}
		delay, retry := policy.ShouldRetry(ctx, ferr)
		if !retry {
			return nil, ferr
		}
		metrics.RetriesTotal.WithLabelValues(ferr.Kind.String()).Inc()
		dp.env.log.Debug("retrying page request",
			"range", dp.rng.ID, "kind", ferr.Kind.String(), "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, qerr.Cancelled(ctx.Err())
		}
	}
}

func (dp *documentProducer) pageRequest(cont string) *PageRequest {
	text := dp.env.queryText
	if strings.Contains(text, FilterPlaceholder) {
		text = strings.Replace(text, FilterPlaceholder, formatOrderFilter(dp.env.orderFields, dp.env.orderDirs, dp.filter), 1)
	}
	return &PageRequest{
		CollectionRID:     dp.env.collectionRID,
		Query:             SQLQuery{Text: text, Parameters: dp.env.parameters},
		Range:             dp.rng,
		Continuation:      cont,
		PageSize:          dp.env.pageSize,
		ActivityID:        dp.env.activityID,
		Timeout:           dp.env.requestTimeout,
		OrderByFields:     dp.env.orderFields,
		OrderByDirections: dp.env.orderDirs,
		Filter:            dp.filter,
		Aggregates:        dp.env.aggregates,
		AggregateField:    dp.env.aggregateField,
	}
}

// formatOrderFilter renders the resume predicate substituted for
// FilterPlaceholder: the lexicographic continuation of the sort key tuple,
// with a rid disambiguator once every key is equal. No resume position
// renders as "true".
func formatOrderFilter(fields []string, dirs []SortOrder, f *OrderFilter) string {
	if f == nil || len(fields) == 0 || len(f.Keys) != len(fields) {
		return "true"
	}
	var terms []string
	var equal []string
	for i, field := range fields {
		op := ">"
		if i < len(dirs) && dirs[i] == Descending {
			op = "<"
		}
		key := formatSQLValue(f.Keys[i])
		terms = append(terms, filterTerm(equal, fmt.Sprintf("c.%s %s %s", field, op, key)))
		equal = append(equal, fmt.Sprintf("c.%s = %s", field, key))
	}
	terms = append(terms, filterTerm(equal, fmt.Sprintf("c._rid > %q", f.RID)))
	return strings.Join(terms, " OR ")
}

// filterTerm joins the equality prefix and one strict comparison into a
// parenthesized conjunction.
func filterTerm(equal []string, strict string) string {
	parts := append(append([]string(nil), equal...), strict)
	return "(" + strings.Join(parts, " AND ") + ")"
}

func formatSQLValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case nil:
		return "null"
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", x)
	}
}
