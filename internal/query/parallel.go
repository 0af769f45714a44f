package query

import (
	"context"
	"io"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// parallelContext is the unordered base: producers prefetch concurrently
// and Next drains them in range min order, so emission order is fixed for
// a given routing snapshot regardless of fetch timing. One source page per
// feed page keeps the feed page size within the requested maximum and makes
// the composite continuation exact: a page's token is only folded in once
// its items are all emitted.
type parallelContext struct {
	env        *pipelineEnv
	slots      []*slot
	emittedAny bool
	eof        bool
}

func newParallelContext(ctx context.Context, env *pipelineEnv, ranges []routing.PartitionKeyRange, cont *compositeContinuation) (*parallelContext, error) {
	slots, err := spawnSlots(ctx, env, ranges, cont)
	if err != nil {
		return nil, err
	}
	return &parallelContext{env: env, slots: slots}, nil
}

func (pc *parallelContext) Next(ctx context.Context) (*FeedResponse, error) {
	if pc.eof {
		return nil, io.EOF
	}
	resp := &FeedResponse{ActivityID: pc.env.activityID}
	for len(resp.Items) == 0 && !allComplete(pc.slots) {
		if err := pc.step(ctx, resp); err != nil {
			pc.env.fail()
			return nil, err
		}
	}
	resp.cont = continuationFromSlots(pc.env, pc.slots, false)
	if resp.cont == nil {
		pc.eof = true
		if len(resp.Items) == 0 && pc.emittedAny {
			return nil, io.EOF
		}
	}
	pc.emittedAny = true
	return resp, nil
}

// step awaits the first unfinished slot in range order and folds its next
// page into the response. Later producers keep prefetching concurrently;
// only the emission order is serialized. A split re-resolves before the
// next step so fresh child slots take the parent's position.
func (pc *parallelContext) step(ctx context.Context, resp *FeedResponse) error {
	for idx, s := range pc.slots {
		if s.complete {
			continue
		}
		page, ok, err := s.dp.take(ctx)
		if err != nil {
			return err
		}
		if page != nil {
			pc.consume(resp, s, page)
			return nil
		}
		if !ok {
			return pc.resolveClosed(ctx, idx)
		}
		return nil
	}
	return nil
}

func (pc *parallelContext) consume(resp *FeedResponse, s *slot, page *Page) {
	resp.Items = append(resp.Items, page.Items...)
	resp.RequestCharge += page.RequestCharge
	mergePageMetrics(resp, page)
	s.resumeToken = page.Continuation
	if page.Continuation == "" {
		s.complete = true
	}
	pc.env.budget.release(page.budgeted)
}

// resolveClosed settles a slot whose fetch loop has terminated: marks it
// complete, swaps in split children, or surfaces the failure.
func (pc *parallelContext) resolveClosed(ctx context.Context, idx int) error {
	s := pc.slots[idx]
	state, children, seed, perr := s.dp.disposition()
	switch state {
	case producerDone:
		s.complete = true
		return nil
	case producerSplit:
		pc.slots = replaceSlot(ctx, pc.env, pc.slots, idx, children, seed)
		return nil
	case producerFailed:
		if perr != nil {
			return perr
		}
		return qerr.Backend(qerr.StatusInternalError, "producer for range "+s.rng.ID+" terminated without a result")
	default:
		return qerr.Backend(qerr.StatusInternalError, "producer for range "+s.rng.ID+" closed while active")
	}
}

func (pc *parallelContext) Close() error {
	pc.eof = true
	pc.env.fail()
	return nil
}
