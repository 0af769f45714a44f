package query

import (
	"container/heap"
	"context"
	"encoding/json"
	"io"
	"strings"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// orderRow is one decoded row of the order-by rewritten result shape:
// the sort key values, the original document, and its rid tiebreaker.
type orderRow struct {
	keys    []interface{}
	payload json.RawMessage
	rid     string
}

// Undefined marks a sort key the document does not carry. Undefined sorts
// before every defined value, null included. It serializes to a tagged
// object so resume positions keep ranking it correctly after a JSON round
// trip through the continuation token.
type Undefined struct{}

// MarshalJSON implements json.Marshaler.
func (Undefined) MarshalJSON() ([]byte, error) { return []byte(`{"$u":true}`), nil }

// NormalizeKeys rewrites deserialized sort keys in place, restoring
// Undefined values from their tagged form.
func NormalizeKeys(keys []interface{}) []interface{} {
	for i, v := range keys {
		if m, ok := v.(map[string]interface{}); ok && len(m) == 1 {
			if _, tagged := m["$u"]; tagged {
				keys[i] = Undefined{}
			}
		}
	}
	return keys
}

func parseOrderRow(raw json.RawMessage) (*orderRow, error) {
	var env struct {
		OrderByItems []struct {
			Item json.RawMessage `json:"item"`
		} `json:"orderByItems"`
		Payload json.RawMessage `json:"payload"`
		RID     string          `json:"_rid"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, qerr.Backend(qerr.StatusInternalError, "malformed order-by row: "+err.Error())
	}
	keys := make([]interface{}, len(env.OrderByItems))
	for i, cell := range env.OrderByItems {
		if len(cell.Item) == 0 {
			keys[i] = Undefined{}
			continue
		}
		var v interface{}
		if err := json.Unmarshal(cell.Item, &v); err != nil {
			return nil, qerr.Backend(qerr.StatusInternalError, "malformed order-by item: "+err.Error())
		}
		keys[i] = v
	}
	return &orderRow{keys: keys, payload: env.Payload, rid: env.RID}, nil
}

// typeRank orders values across JSON types: undefined < null < bool <
// number < string. Arrays and objects compare equal among themselves.
func typeRank(v interface{}) int {
	switch v.(type) {
	case Undefined:
		return 0
	case nil:
		return 1
	case bool:
		return 2
	case float64, int, int64, json.Number:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	}
	return 0
}

// CompareValue is the total order over single sort key values.
func CompareValue(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 2:
		av, bv := a.(bool), b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case 3:
		av, bv := asFloat(a), asFloat(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case 4:
		return strings.Compare(a.(string), b.(string))
	}
	return 0
}

// CompareKeys compares two sort key tuples under the query's directions.
func CompareKeys(a, b []interface{}, dirs []SortOrder) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		c := CompareValue(a[i], b[i])
		if i < len(dirs) && dirs[i] == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// orderHeap ranks slots by their current row: sort keys first, then rid,
// then range min so ties break identically on every run.
type orderHeap struct {
	slots []*slot
	dirs  []SortOrder
}

func (h *orderHeap) Len() int { return len(h.slots) }

func (h *orderHeap) Less(i, j int) bool {
	a, b := h.slots[i], h.slots[j]
	if c := CompareKeys(a.row.keys, b.row.keys, h.dirs); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.row.rid, b.row.rid); c != 0 {
		return c < 0
	}
	return a.rng.MinInclusive < b.rng.MinInclusive
}

func (h *orderHeap) Swap(i, j int) { h.slots[i], h.slots[j] = h.slots[j], h.slots[i] }

func (h *orderHeap) Push(x any) { h.slots = append(h.slots, x.(*slot)) }

func (h *orderHeap) Pop() any {
	old := h.slots
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	h.slots = old[:n-1]
	return s
}

// orderByContext is the ordered base: a k-way merge over per-range streams
// of the rewritten order-by query. The merge never emits an item while any
// unfinished range has an empty buffer, so the global order holds even when
// one partition lags.
type orderByContext struct {
	env        *pipelineEnv
	slots      []*slot
	h          *orderHeap
	primed     bool
	emittedAny bool
	eof        bool

	// Charges and metrics accrue when pages are taken from producers and
	// drain into the next emitted feed page.
	pendingCharge  float64
	pendingMetrics map[string]Metrics
}

func newOrderByContext(ctx context.Context, env *pipelineEnv, ranges []routing.PartitionKeyRange, cont *compositeContinuation) (*orderByContext, error) {
	slots, err := spawnSlots(ctx, env, ranges, cont)
	if err != nil {
		return nil, err
	}
	return &orderByContext{
		env:   env,
		slots: slots,
		h:     &orderHeap{dirs: env.orderDirs},
	}, nil
}

func (ob *orderByContext) Next(ctx context.Context) (*FeedResponse, error) {
	if ob.eof {
		return nil, io.EOF
	}
	if !ob.primed {
		if err := ob.prime(ctx); err != nil {
			ob.env.fail()
			return nil, err
		}
		ob.primed = true
	}
	resp := &FeedResponse{ActivityID: ob.env.activityID}
	for len(resp.Items) < ob.env.pageSize && ob.h.Len() > 0 {
		s := heap.Pop(ob.h).(*slot)
		resp.Items = append(resp.Items, s.row.payload)
		s.lastKeys = s.row.keys
		s.lastRID = s.row.rid
		s.emitted = true
		s.row = nil
		if err := ob.advance(ctx, s); err != nil {
			ob.env.fail()
			return nil, err
		}
	}
	resp.RequestCharge = ob.pendingCharge
	resp.Metrics = ob.pendingMetrics
	ob.pendingCharge = 0
	ob.pendingMetrics = nil

	resp.cont = continuationFromSlots(ob.env, ob.slots, true)
	if resp.cont == nil {
		ob.eof = true
		if len(resp.Items) == 0 && ob.emittedAny {
			return nil, io.EOF
		}
	}
	ob.emittedAny = true
	return resp, nil
}

// prime loads the first row of every unfinished slot so the heap sees one
// candidate per range before the merge starts.
func (ob *orderByContext) prime(ctx context.Context) error {
	for {
		var pending *slot
		for _, s := range ob.slots {
			if !s.complete && s.row == nil && !ob.inHeap(s) {
				pending = s
				break
			}
		}
		if pending == nil {
			return nil
		}
		if err := ob.advance(ctx, pending); err != nil {
			return err
		}
	}
}

func (ob *orderByContext) inHeap(s *slot) bool {
	for _, h := range ob.h.slots {
		if h == s {
			return true
		}
	}
	return false
}

// advance loads the slot's next row and pushes the slot back onto the heap,
// pulling pages from the producer as needed. When the producer reports a
// split, the slot is swapped for its children and each child is primed.
func (ob *orderByContext) advance(ctx context.Context, s *slot) error {
	for {
		if s.page != nil {
			if s.idx < len(s.page.Items) {
				row, err := parseOrderRow(s.page.Items[s.idx])
				if err != nil {
					return err
				}
				s.idx++
				if ob.behindResume(s, row) {
					continue
				}
				s.row = row
				heap.Push(ob.h, s)
				return nil
			}
			s.page = nil
		}
		page, ok, err := s.dp.take(ctx)
		if err != nil {
			return err
		}
		if page != nil {
			ob.pendingCharge += page.RequestCharge
			ob.accrueMetrics(page)
			ob.env.budget.release(page.budgeted)
			s.page = page
			s.idx = 0
			s.fetchToken = page.fetchToken
			s.resumeToken = page.Continuation
			continue
		}
		if !ok {
			state, children, seed, perr := s.dp.disposition()
			switch state {
			case producerDone:
				s.complete = true
				return nil
			case producerSplit:
				return ob.splitSlot(ctx, s, children, seed)
			case producerFailed:
				if perr != nil {
					return perr
				}
				return qerr.Backend(qerr.StatusInternalError, "producer for range "+s.rng.ID+" terminated without a result")
			default:
				return qerr.Backend(qerr.StatusInternalError, "producer for range "+s.rng.ID+" closed while active")
			}
		}
	}
}

// behindResume drops rows at or before the slot's resume position. The
// server-side filter already excludes most of them; the client-side check
// keeps the stream exact across a replayed page.
func (ob *orderByContext) behindResume(s *slot, row *orderRow) bool {
	var pos *orderState
	if s.emitted {
		pos = &orderState{Keys: s.lastKeys, RID: s.lastRID}
	} else {
		pos = s.resumeOrder
	}
	if pos == nil {
		return false
	}
	c := CompareKeys(row.keys, pos.Keys, ob.env.orderDirs)
	if c != 0 {
		return c < 0
	}
	return row.rid <= pos.RID
}

func (ob *orderByContext) splitSlot(ctx context.Context, s *slot, children []routing.PartitionKeyRange, seed string) error {
	idx := -1
	for i, cand := range ob.slots {
		if cand == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return qerr.Backend(qerr.StatusInternalError, "split producer not found among active ranges")
	}
	ob.slots = replaceSlot(ctx, ob.env, ob.slots, idx, children, seed)
	return ob.prime(ctx)
}

func (ob *orderByContext) accrueMetrics(page *Page) {
	if len(page.Metrics) > 0 {
		ob.pendingMetrics = MergeMetrics(ob.pendingMetrics, page.Metrics)
		return
	}
	if page.SourceRangeID != "" {
		ob.pendingMetrics = MergeMetrics(ob.pendingMetrics, map[string]Metrics{
			page.SourceRangeID: {OutputDocumentCount: int64(len(page.Items))},
		})
	}
}

func (ob *orderByContext) Close() error {
	ob.eof = true
	ob.env.fail()
	return nil
}
