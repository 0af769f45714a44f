package query

import (
	"context"
	"encoding/json"
	"io"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
)

// aggregateComponent folds per-partition partial aggregates into the final
// value. It drains the source completely on the first Next and emits one
// terminal page holding a single {"aggregate": value} document, or no
// document at all when the aggregate is undefined (MIN over nothing, SUM
// with no numeric input). Aggregate feeds are not resumable mid-drain.
type aggregateComponent struct {
	source component
	op     AggregateOperator
	done   bool
}

func newAggregateComponent(source component, op AggregateOperator) *aggregateComponent {
	return &aggregateComponent{source: source, op: op}
}

func (a *aggregateComponent) Next(ctx context.Context) (*FeedResponse, error) {
	if a.done {
		return nil, io.EOF
	}
	a.done = true

	acc := newAccumulator(a.op)
	out := &FeedResponse{}
	for {
		resp, err := a.source.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out.RequestCharge += resp.RequestCharge
		out.Metrics = MergeMetrics(out.Metrics, resp.Metrics)
		if resp.ActivityID != "" {
			out.ActivityID = resp.ActivityID
		}
		for _, item := range resp.Items {
			if err := acc.absorb(item); err != nil {
				return nil, err
			}
		}
		if resp.cont == nil {
			break
		}
	}

	if v, ok := acc.result(); ok {
		doc, err := json.Marshal(map[string]interface{}{"aggregate": v})
		if err != nil {
			return nil, qerr.Backend(qerr.StatusInternalError, "aggregate result encode: "+err.Error())
		}
		out.Items = []json.RawMessage{doc}
	}
	return out, nil
}

func (a *aggregateComponent) Close() error { return a.source.Close() }

// accumulator folds partial aggregate rows. Partials arrive as
// {"item": v} for SUM/COUNT/MIN/MAX (item absent when the partition had no
// qualifying input) and {"sum": s, "count": n} for AVERAGE.
type accumulator struct {
	op AggregateOperator

	sum   float64
	count int64

	best    interface{}
	hasBest bool

	defined bool
}

func newAccumulator(op AggregateOperator) *accumulator {
	return &accumulator{op: op}
}

func (acc *accumulator) absorb(raw json.RawMessage) error {
	if acc.op == AggregateAverage {
		var part struct {
			Sum   float64 `json:"sum"`
			Count int64   `json:"count"`
		}
		if err := json.Unmarshal(raw, &part); err != nil {
			return qerr.Backend(qerr.StatusInternalError, "malformed average partial: "+err.Error())
		}
		if part.Count > 0 {
			acc.sum += part.Sum
			acc.count += part.Count
			acc.defined = true
		}
		return nil
	}

	var part struct {
		Item json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(raw, &part); err != nil {
		return qerr.Backend(qerr.StatusInternalError, "malformed aggregate partial: "+err.Error())
	}
	if len(part.Item) == 0 {
		// Undefined partial: the partition had nothing to aggregate.
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(part.Item, &v); err != nil {
		return qerr.Backend(qerr.StatusInternalError, "malformed aggregate partial: "+err.Error())
	}

	switch acc.op {
	case AggregateSum:
		acc.sum += asFloat(v)
		acc.defined = true
	case AggregateCount:
		acc.count += int64(asFloat(v))
		acc.defined = true
	case AggregateMin:
		if !acc.hasBest || CompareValue(v, acc.best) < 0 {
			acc.best = v
			acc.hasBest = true
		}
	case AggregateMax:
		if !acc.hasBest || CompareValue(v, acc.best) > 0 {
			acc.best = v
			acc.hasBest = true
		}
	}
	return nil
}

// result returns the final aggregate value; ok=false means the aggregate is
// undefined and no document is emitted. COUNT is always defined.
func (acc *accumulator) result() (interface{}, bool) {
	switch acc.op {
	case AggregateCount:
		return acc.count, true
	case AggregateSum:
		if !acc.defined {
			return nil, false
		}
		return acc.sum, true
	case AggregateAverage:
		if !acc.defined || acc.count == 0 {
			return nil, false
		}
		return acc.sum / float64(acc.count), true
	case AggregateMin, AggregateMax:
		if !acc.hasBest {
			return nil, false
		}
		return acc.best, true
	}
	return nil, false
}
