package query

import (
	"context"
	"io"
	"log/slog"

	"github.com/meridiandb/meridian-go/internal/config"
	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/logger"
	"github.com/meridiandb/meridian-go/internal/metrics"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// Options assembles the collaborators and knobs a pipeline runs against.
type Options struct {
	Executor     RequestExecutor
	Routing      routing.Provider
	RetryFactory qerr.RetryPolicyFactory
	Config       config.QueryConfig
	Logger       *slog.Logger
	ActivityID   string
	Feed         FeedOptions
}

// Pipeline is one executing cross-partition query: the component chain over
// the fan-out producers, consumed page by page through Next.
type Pipeline struct {
	root   component
	env    *pipelineEnv
	closed bool
}

// NewPipeline plans the fan-out for an already-planned query: resolves the
// target ranges, reconciles any continuation token against them, spawns the
// producers and assembles the component chain top > skip > distinct >
// aggregate > base.
func NewPipeline(ctx context.Context, collectionRID string, q SQLQuery, info *ExecutionInfo, opts Options) (*Pipeline, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	qi := &info.QueryInfo
	if qi.HasTop() && qi.HasLimit() {
		return nil, qerr.PlanRejected("TOP and LIMIT cannot be combined")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	ranges, err := opts.Routing.ResolveRanges(ctx, collectionRID, info.TargetRange)
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		return nil, qerr.Backend(qerr.StatusInternalError, "no partition key range covers the query target")
	}
	routing.SortRanges(ranges)
	// Narrower targets resolve to overlapping ranges that may extend past
	// the target span, so exact cover is only checkable for full fan-out.
	if info.TargetRange == routing.FullRange() {
		if err := routing.VerifyCover(info.TargetRange, ranges); err != nil {
			return nil, err
		}
	}
	if len(ranges) > 1 && info.RequiresCrossPartition && !opts.Feed.EnableCrossPartitionQuery {
		return nil, qerr.BadRequest("query spans %d partitions; set EnableCrossPartitionQuery or target a single partition key", len(ranges))
	}

	var cont *compositeContinuation
	if opts.Feed.RequestContinuation != "" {
		cont, err = decodeContinuation(opts.Feed.RequestContinuation)
		if err != nil {
			return nil, err
		}
		if cont.CollectionRID != "" && cont.CollectionRID != collectionRID {
			return nil, qerr.InvalidContinuation("continuation token was issued for collection %s", cont.CollectionRID)
		}
	}

	pageSize := opts.Feed.MaxItemCount
	if pageSize <= 0 {
		pageSize = opts.Config.DefaultPageSize
	}
	if pageSize <= 0 {
		pageSize = config.DefaultConfig().Query.DefaultPageSize
	}
	maxBuffered := opts.Feed.MaxBufferedItemCount
	if maxBuffered <= 0 {
		maxBuffered = opts.Config.MaxBufferedItemCount
	}
	dop := opts.Feed.MaxDegreeOfParallelism
	if dop == 0 {
		dop = opts.Config.MaxDegreeOfParallelism
	}
	parallelism := config.AutoParallelism(dop, len(ranges))
	prefetch := opts.Config.PrefetchDepth
	if prefetch < 1 {
		prefetch = 1
	}

	queryText := qi.RewrittenQuery
	if queryText == "" {
		queryText = q.Text
	}

	sched, err := newFetchScheduler(parallelism, 0, log)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithCancel(ctx)
	env := &pipelineEnv{
		collectionRID:  collectionRID,
		queryText:      queryText,
		parameters:     q.Parameters,
		executor:       opts.Executor,
		routing:        opts.Routing,
		retryFactory:   opts.RetryFactory,
		classifier:     qerr.NewClassifier(),
		sched:          sched,
		budget:         newBudget(maxBuffered),
		pageSize:       pageSize,
		prefetchDepth:  prefetch,
		requestTimeout: opts.Config.RequestTimeout,
		activityID:     opts.ActivityID,
		orderFields:    qi.OrderByExpressions,
		orderDirs:      qi.OrderBy,
		aggregates:     qi.Aggregates,
		aggregateField: qi.AggregateField,
		log:            log,
		cancel:         cancel,
	}

	var base component
	if qi.HasOrderBy() {
		base, err = newOrderByContext(pctx, env, ranges, cont)
	} else {
		base, err = newParallelContext(pctx, env, ranges, cont)
	}
	if err != nil {
		cancel()
		sched.release()
		return nil, err
	}

	comp := base
	if qi.HasAggregates() {
		comp = newAggregateComponent(comp, qi.Aggregates[0])
	}
	if qi.HasDistinct() {
		var seed []string
		if cont != nil && cont.Outer != nil {
			seed = cont.Outer.DistinctState
		}
		comp = newDistinctComponent(comp, qi.DistinctType, seed)
	}
	if skip, ok := resolveSkip(qi, cont); ok {
		comp = newSkipComponent(comp, skip)
	}
	if take, ok := resolveTake(qi, cont); ok {
		comp = newTopComponent(comp, take)
	}

	log.Debug("query pipeline assembled",
		"collection", collectionRID,
		"ranges", len(ranges),
		"parallelism", parallelism,
		"orderBy", qi.HasOrderBy(),
		"resumed", cont != nil,
		"activity", opts.ActivityID)

	return &Pipeline{root: comp, env: env}, nil
}

func resolveSkip(qi *QueryInfo, cont *compositeContinuation) (int, bool) {
	if cont != nil && cont.Outer != nil && cont.Outer.SkipRemaining != nil {
		return *cont.Outer.SkipRemaining, true
	}
	if qi.HasOffset() {
		return *qi.Offset, true
	}
	return 0, false
}

func resolveTake(qi *QueryInfo, cont *compositeContinuation) (int, bool) {
	if cont != nil && cont.Outer != nil && cont.Outer.TopRemaining != nil {
		return *cont.Outer.TopRemaining, true
	}
	if qi.HasTop() {
		return *qi.Top, true
	}
	if qi.HasLimit() {
		return *qi.Limit, true
	}
	return 0, false
}

// Next returns the next page of the merged feed. The terminal page carries
// an empty Continuation; subsequent calls return io.EOF.
func (p *Pipeline) Next(ctx context.Context) (*FeedResponse, error) {
	if p.closed {
		return nil, io.EOF
	}
	resp, err := p.root.Next(ctx)
	if err != nil {
		return nil, err
	}
	if resp.cont != nil {
		tok, eerr := resp.cont.encode()
		if eerr != nil {
			return nil, qerr.Backend(qerr.StatusInternalError, "continuation encode: "+eerr.Error())
		}
		resp.Continuation = tok
	}
	if resp.ActivityID == "" {
		resp.ActivityID = p.env.activityID
	}
	metrics.PagesTotal.Inc()
	return resp, nil
}

// Close cancels the producers and releases the fetch pool. Safe to call
// more than once.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.root.Close()
	p.env.fail()
	p.env.sched.release()
	return err
}
