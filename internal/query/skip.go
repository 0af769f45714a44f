package query

import "context"

// skipComponent drops the first n items of the merged feed. Pages it
// swallows whole are not surfaced; their charge and metrics roll into the
// next page that does carry items.
type skipComponent struct {
	source    component
	remaining int

	pendingCharge  float64
	pendingMetrics map[string]Metrics
}

func newSkipComponent(source component, n int) *skipComponent {
	return &skipComponent{source: source, remaining: n}
}

func (sc *skipComponent) Next(ctx context.Context) (*FeedResponse, error) {
	for {
		resp, err := sc.source.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case sc.remaining >= len(resp.Items):
			sc.remaining -= len(resp.Items)
			resp.Items = resp.Items[:0]
		case sc.remaining > 0:
			resp.Items = resp.Items[sc.remaining:]
			sc.remaining = 0
		}
		if len(resp.Items) == 0 && resp.cont != nil {
			sc.pendingCharge += resp.RequestCharge
			sc.pendingMetrics = MergeMetrics(sc.pendingMetrics, resp.Metrics)
			continue
		}
		resp.RequestCharge += sc.pendingCharge
		resp.Metrics = MergeMetrics(resp.Metrics, sc.pendingMetrics)
		sc.pendingCharge = 0
		sc.pendingMetrics = nil
		// Persisted even once spent: a resume must see 0 rather than fall
		// back to the query's full OFFSET and re-skip emitted items.
		if resp.cont != nil {
			r := sc.remaining
			resp.cont.outerRef().SkipRemaining = &r
		}
		return resp, nil
	}
}

func (sc *skipComponent) Close() error { return sc.source.Close() }
