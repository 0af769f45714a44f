package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// component is one stage of the execution pipeline. Stages compose by
// source-wrapping: the outer stage pulls pages from the inner one. Next
// returns io.EOF once the stream is exhausted.
type component interface {
	Next(ctx context.Context) (*FeedResponse, error)
	Close() error
}

// pipelineEnv bundles the collaborators and knobs shared by every producer
// and base context of one query execution.
type pipelineEnv struct {
	collectionRID string
	queryText     string
	parameters    []Parameter

	executor     RequestExecutor
	routing      routing.Provider
	retryFactory qerr.RetryPolicyFactory
	classifier   *qerr.Classifier

	sched  *fetchScheduler
	budget *budget

	pageSize       int
	prefetchDepth  int
	requestTimeout time.Duration
	activityID     string

	orderFields    []string
	orderDirs      []SortOrder
	aggregates     []AggregateOperator
	aggregateField string

	log    *slog.Logger
	cancel context.CancelFunc
}

// fail cancels every producer of the query. Called by a base context before
// surfacing a fatal error so no fetch keeps running behind a dead query.
func (env *pipelineEnv) fail() {
	if env.cancel != nil {
		env.cancel()
	}
}

// slot tracks one active producer and the consumed position the composite
// continuation reports for its range.
type slot struct {
	dp  *documentProducer
	rng routing.PartitionKeyRange

	// resumeToken is the server token covering the next unconsumed page;
	// "" before the first page and after the last.
	resumeToken string
	complete    bool

	// Order-by consumption state: the page under the cursor, the decoded
	// current row, and the last row emitted from this range.
	page        *Page
	idx         int
	row         *orderRow
	fetchToken  string
	emitted     bool
	lastKeys    []interface{}
	lastRID     string
	resumeOrder *orderState
}

func newSlot(ctx context.Context, env *pipelineEnv, rng routing.PartitionKeyRange, token string, order *orderState) *slot {
	var filter *OrderFilter
	if order != nil {
		order.Keys = NormalizeKeys(order.Keys)
		filter = &OrderFilter{Keys: order.Keys, RID: order.RID}
	}
	s := &slot{
		dp:          newDocumentProducer(env, rng, token, filter),
		rng:         rng,
		resumeToken: token,
		fetchToken:  token,
		resumeOrder: order,
	}
	s.dp.start(ctx)
	return s
}

// spawnSlots builds the initial producer set: one per target range, or, on
// resume, one per range the continuation still names (ranges absent from
// the token finished before it was taken).
func spawnSlots(ctx context.Context, env *pipelineEnv, ranges []routing.PartitionKeyRange, cont *compositeContinuation) ([]*slot, error) {
	slots := make([]*slot, 0, len(ranges))
	if cont == nil {
		for _, rng := range ranges {
			slots = append(slots, newSlot(ctx, env, rng, "", nil))
		}
		return slots, nil
	}
	seeds, err := matchRanges(cont.Ranges, ranges)
	if err != nil {
		return nil, err
	}
	for _, rng := range ranges {
		seed := seeds[rng.ID]
		if !seed.resume {
			continue
		}
		slots = append(slots, newSlot(ctx, env, rng, seed.token, seed.order))
	}
	if len(slots) == 0 {
		return nil, qerr.InvalidContinuation("continuation token matches no active range")
	}
	return slots, nil
}

// replaceSlot swaps slots[idx] for its split children, preserving the
// min-order of the slot list. Children inherit the parent's consumed
// position: its continuation seed and its order-by resume state.
func replaceSlot(ctx context.Context, env *pipelineEnv, slots []*slot, idx int, children []routing.PartitionKeyRange, seed string) []*slot {
	parent := slots[idx]
	order := parent.resumeOrder
	if parent.emitted {
		order = &orderState{Keys: parent.lastKeys, RID: parent.lastRID}
	}
	fresh := make([]*slot, len(children))
	for i, child := range children {
		fresh[i] = newSlot(ctx, env, child, seed, order)
	}
	out := make([]*slot, 0, len(slots)+len(children)-1)
	out = append(out, slots[:idx]...)
	out = append(out, fresh...)
	out = append(out, slots[idx+1:]...)
	return out
}

// continuationFromSlots builds the composite continuation covering every
// unfinished slot, nil when the whole stream is complete.
func continuationFromSlots(env *pipelineEnv, slots []*slot, orderBy bool) *compositeContinuation {
	var ranges []rangeState
	for _, s := range slots {
		if s.complete {
			continue
		}
		rs := rangeState{
			Min:   s.rng.MinInclusive,
			Max:   s.rng.MaxExclusive,
			Token: tokenPtr(slotToken(s, orderBy)),
		}
		if orderBy {
			if s.emitted {
				rs.Order = &orderState{Keys: s.lastKeys, RID: s.lastRID}
			} else {
				rs.Order = s.resumeOrder
			}
		}
		ranges = append(ranges, rs)
	}
	if len(ranges) == 0 {
		return nil
	}
	return &compositeContinuation{
		Version:       ContinuationVersion,
		CollectionRID: env.collectionRID,
		Ranges:        ranges,
	}
}

// slotToken picks the server token a resume should replay from. An order-by
// slot with a partially consumed page replays that page (its fetch token)
// and relies on the order filter to drop the already-emitted prefix.
func slotToken(s *slot, orderBy bool) string {
	if orderBy && s.page != nil {
		return s.fetchToken
	}
	return s.resumeToken
}

func tokenPtr(tok string) *string {
	if tok == "" {
		return nil
	}
	return &tok
}

func allComplete(slots []*slot) bool {
	for _, s := range slots {
		if !s.complete {
			return false
		}
	}
	return true
}

// mergePageMetrics folds a producer page's server metrics into the response
// being assembled, keying by source range when the executor did not.
func mergePageMetrics(resp *FeedResponse, page *Page) {
	if len(page.Metrics) > 0 {
		resp.Metrics = MergeMetrics(resp.Metrics, page.Metrics)
		return
	}
	if page.SourceRangeID != "" {
		resp.Metrics = MergeMetrics(resp.Metrics, map[string]Metrics{
			page.SourceRangeID: {OutputDocumentCount: int64(len(page.Items))},
		})
	}
}

// rawItems clones the raw item slice so downstream mutation of the response
// never aliases a producer buffer.
func rawItems(items []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	copy(out, items)
	return out
}
