package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
)

// stubSource feeds a fixed page sequence into a component under test. The
// last page carries no continuation, matching base context behavior.
type stubSource struct {
	pages  []*FeedResponse
	idx    int
	closed bool
}

func (s *stubSource) Next(ctx context.Context) (*FeedResponse, error) {
	if s.idx >= len(s.pages) {
		return nil, io.EOF
	}
	p := s.pages[s.idx]
	s.idx++
	return p, nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

func testCont() *compositeContinuation {
	return &compositeContinuation{
		Version:       ContinuationVersion,
		CollectionRID: "col1",
		Ranges:        []rangeState{{Min: "", Max: "FF", Token: strptr("t")}},
	}
}

func pageOf(terminal bool, items ...string) *FeedResponse {
	resp := &FeedResponse{RequestCharge: 1}
	for _, it := range items {
		resp.Items = append(resp.Items, json.RawMessage(it))
	}
	if !terminal {
		resp.cont = testCont()
	}
	return resp
}

func itemStrings(resp *FeedResponse) []string {
	out := make([]string, len(resp.Items))
	for i, it := range resp.Items {
		out[i] = string(it)
	}
	return out
}

func TestTopTruncatesAndStopsSource(t *testing.T) {
	src := &stubSource{pages: []*FeedResponse{
		pageOf(false, `1`, `2`),
		pageOf(false, `3`, `4`),
		pageOf(true, `5`),
	}}
	top := newTopComponent(src, 3)

	first, err := top.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(first.Items) != 2 {
		t.Fatalf("first page items = %d", len(first.Items))
	}
	if first.cont == nil || first.cont.Outer == nil || first.cont.Outer.TopRemaining == nil || *first.cont.Outer.TopRemaining != 1 {
		t.Errorf("first page should persist remaining top of 1")
	}

	second, err := top.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := itemStrings(second); len(got) != 1 || got[0] != `3` {
		t.Fatalf("second page = %v", got)
	}
	if second.cont != nil {
		t.Error("satisfied top should drop the continuation")
	}
	if !src.closed {
		t.Error("satisfied top should close the source")
	}
	if _, err := top.Next(context.Background()); err != io.EOF {
		t.Errorf("after top satisfied, err = %v, want io.EOF", err)
	}
}

func TestSkipSpansPages(t *testing.T) {
	src := &stubSource{pages: []*FeedResponse{
		pageOf(false, `1`, `2`),
		pageOf(false, `3`, `4`),
		pageOf(true, `5`),
	}}
	sk := newSkipComponent(src, 3)

	first, err := sk.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := itemStrings(first); len(got) != 1 || got[0] != `4` {
		t.Fatalf("first visible page = %v", got)
	}
	// Charge from the fully swallowed page rolls forward.
	if first.RequestCharge != 2 {
		t.Errorf("charge = %v, want 2", first.RequestCharge)
	}
	second, err := sk.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := itemStrings(second); len(got) != 1 || got[0] != `5` {
		t.Fatalf("second page = %v", got)
	}
}

func TestSkipPersistsRemaining(t *testing.T) {
	src := &stubSource{pages: []*FeedResponse{
		pageOf(false, `1`, `2`),
		pageOf(false, `3`, `4`, `5`),
		pageOf(true),
	}}
	sk := newSkipComponent(src, 4)
	first, err := sk.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := itemStrings(first); len(got) != 1 || got[0] != `5` {
		t.Fatalf("first visible = %v", got)
	}
	if first.cont == nil || first.cont.Outer == nil || first.cont.Outer.SkipRemaining == nil {
		t.Fatal("spent skip should still annotate the continuation")
	}
	if *first.cont.Outer.SkipRemaining != 0 {
		t.Errorf("skip remaining = %d, want 0", *first.cont.Outer.SkipRemaining)
	}
	// Resume-after-first-swallowed-page path: feed only one page and stop.
	src2 := &stubSource{pages: []*FeedResponse{pageOf(true, `1`)}}
	sk2 := newSkipComponent(src2, 5)
	resp, err := sk2.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(resp.Items) != 0 {
		t.Errorf("all items should be skipped, got %v", itemStrings(resp))
	}
}

func TestDistinctUnordered(t *testing.T) {
	src := &stubSource{pages: []*FeedResponse{
		pageOf(false, `{"a":1,"b":2}`, `{"b":2,"a":1}`),
		pageOf(true, `{"a":1,"b":2}`, `{"a":9}`),
	}}
	d := newDistinctComponent(src, DistinctUnordered, nil)

	first, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(first.Items) != 1 {
		t.Fatalf("key order must not affect distinctness, got %v", itemStrings(first))
	}
	if first.cont == nil || first.cont.Outer == nil || len(first.cont.Outer.DistinctState) != 1 {
		t.Error("fingerprint set should be persisted in the continuation")
	}

	second, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := itemStrings(second); len(got) != 1 || got[0] != `{"a":9}` {
		t.Fatalf("second page = %v", got)
	}
}

func TestDistinctResumeFromState(t *testing.T) {
	fp, err := fingerprint(json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	src := &stubSource{pages: []*FeedResponse{
		pageOf(true, `{"a":1}`, `{"a":2}`),
	}}
	d := newDistinctComponent(src, DistinctUnordered, []string{fp})
	resp, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := itemStrings(resp); len(got) != 1 || got[0] != `{"a":2}` {
		t.Fatalf("seeded duplicate should be dropped, got %v", got)
	}
}

func TestDistinctOrderedCollapsesAdjacent(t *testing.T) {
	src := &stubSource{pages: []*FeedResponse{
		pageOf(true, `{"v":1}`, `{"v":1}`, `{"v":2}`, `{"v":2}`, `{"v":1}`),
	}}
	d := newDistinctComponent(src, DistinctOrdered, nil)
	resp, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := []string{`{"v":1}`, `{"v":2}`, `{"v":1}`}
	got := itemStrings(resp)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAggregateDrainsAndFolds(t *testing.T) {
	cases := []struct {
		op    AggregateOperator
		pages []*FeedResponse
		want  string
	}{
		{AggregateSum, []*FeedResponse{
			pageOf(false, `{"item":3}`),
			pageOf(true, `{"item":4.5}`, `{}`),
		}, `{"aggregate":7.5}`},
		{AggregateCount, []*FeedResponse{
			pageOf(true, `{"item":2}`, `{"item":5}`),
		}, `{"aggregate":7}`},
		{AggregateMin, []*FeedResponse{
			pageOf(true, `{"item":"b"}`, `{"item":3}`, `{}`),
		}, `{"aggregate":3}`},
		{AggregateMax, []*FeedResponse{
			pageOf(true, `{"item":"b"}`, `{"item":3}`),
		}, `{"aggregate":"b"}`},
		{AggregateAverage, []*FeedResponse{
			pageOf(false, `{"sum":10,"count":2}`),
			pageOf(true, `{"sum":2,"count":2}`, `{"sum":0,"count":0}`),
		}, `{"aggregate":3}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.op), func(t *testing.T) {
			agg := newAggregateComponent(&stubSource{pages: tc.pages}, tc.op)
			resp, err := agg.Next(context.Background())
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if len(resp.Items) != 1 || string(resp.Items[0]) != tc.want {
				t.Fatalf("result = %v, want %s", itemStrings(resp), tc.want)
			}
			if resp.cont != nil {
				t.Error("aggregate page must be terminal")
			}
			if _, err := agg.Next(context.Background()); err != io.EOF {
				t.Errorf("second Next = %v, want io.EOF", err)
			}
		})
	}
}

func TestAggregateUndefinedEmitsNoDocument(t *testing.T) {
	for _, op := range []AggregateOperator{AggregateSum, AggregateMin, AggregateMax, AggregateAverage} {
		src := &stubSource{pages: []*FeedResponse{pageOf(true, `{}`, `{"sum":0,"count":0}`)}}
		if op == AggregateAverage {
			src = &stubSource{pages: []*FeedResponse{pageOf(true, `{"sum":0,"count":0}`)}}
		}
		agg := newAggregateComponent(src, op)
		resp, err := agg.Next(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", op, err)
		}
		if len(resp.Items) != 0 {
			t.Errorf("%s over nothing should emit no document, got %v", op, itemStrings(resp))
		}
	}
}

func TestBudgetClampAndTryAcquire(t *testing.T) {
	b := newBudget(5)
	held := b.tryAcquire(10)
	if held != 5 {
		t.Errorf("oversized tryAcquire should clamp to capacity, held %d", held)
	}
	if got := b.tryAcquire(1); got != 0 {
		t.Errorf("tryAcquire on exhausted budget = %d, want 0", got)
	}
	b.release(held)
	select {
	case <-b.freed:
	default:
		t.Error("release should pulse freed")
	}
	if got := b.tryAcquire(3); got != 3 {
		t.Errorf("tryAcquire after release = %d, want 3", got)
	}
}

func TestOrderResumeFilterPredicate(t *testing.T) {
	fields := []string{"cat", "val"}
	dirs := []SortOrder{Ascending, Descending}
	f := &OrderFilter{Keys: []interface{}{"m", float64(7)}, RID: "r9"}
	got := formatOrderFilter(fields, dirs, f)
	want := `(c.cat > "m") OR (c.cat = "m" AND c.val < 7) OR (c.cat = "m" AND c.val = 7 AND c._rid > "r9")`
	if got != want {
		t.Errorf("filter = %s, want %s", got, want)
	}
	if got := formatOrderFilter(fields, dirs, nil); got != "true" {
		t.Errorf("no resume position should render true, got %s", got)
	}
	single := formatOrderFilter([]string{"val"}, []SortOrder{Ascending},
		&OrderFilter{Keys: []interface{}{float64(3)}, RID: "r1"})
	if single != `(c.val > 3) OR (c.val = 3 AND c._rid > "r1")` {
		t.Errorf("single-column filter = %s", single)
	}
}
