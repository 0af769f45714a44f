package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/logger"
	"github.com/meridiandb/meridian-go/internal/query"
	"github.com/meridiandb/meridian-go/internal/routing"
)

func seeded(t *testing.T, ranges, docs int) *Memory {
	t.Helper()
	m := NewMemory(logger.Nop())
	if err := m.CreateCollection("col1", "pk", ranges); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	for i := 0; i < docs; i++ {
		_, err := m.Insert("col1", map[string]interface{}{
			"id":  fmt.Sprintf("d%02d", i),
			"pk":  fmt.Sprintf("p%d", i),
			"val": i,
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	return m
}

func pageReq(rng routing.PartitionKeyRange, cont string, size int) *query.PageRequest {
	return &query.PageRequest{
		CollectionRID: "col1",
		Range:         rng,
		Continuation:  cont,
		PageSize:      size,
	}
}

func itemIDs(t *testing.T, page *query.Page) []string {
	t.Helper()
	var out []string
	for _, raw := range page.Items {
		var doc struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatalf("unmarshal item: %v", err)
		}
		out = append(out, doc.ID)
	}
	return out
}

func TestScanTokenSurvivesSplit(t *testing.T) {
	m := seeded(t, 1, 10)
	ranges, err := m.ResolveRanges(context.Background(), "col1", routing.FullRange())
	if err != nil {
		t.Fatalf("ResolveRanges: %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("want 1 range, got %d", len(ranges))
	}

	first, err := m.ExecutePage(context.Background(), pageReq(ranges[0], "", 4))
	if err != nil {
		t.Fatalf("ExecutePage: %v", err)
	}
	if len(first.Items) != 4 || first.Continuation == "" {
		t.Fatalf("first page: %d items, cont %q", len(first.Items), first.Continuation)
	}
	got := itemIDs(t, first)

	if err := m.Split("col1", ranges[0].ID); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if _, err := m.ExecutePage(context.Background(), pageReq(ranges[0], first.Continuation, 10)); !qerr.IsGone(err) {
		t.Fatalf("parent range after split: err = %v, want gone", err)
	}

	children, err := m.ResolveChildren(context.Background(), "col1", ranges[0].ID)
	if err != nil {
		t.Fatalf("ResolveChildren: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("want 2 children, got %d", len(children))
	}

	// Replaying the parent token against both children must yield exactly
	// the remaining six documents, once each.
	for _, child := range children {
		cont := first.Continuation
		for {
			page, err := m.ExecutePage(context.Background(), pageReq(child, cont, 4))
			if err != nil {
				t.Fatalf("child page: %v", err)
			}
			got = append(got, itemIDs(t, page)...)
			cont = page.Continuation
			if cont == "" {
				break
			}
		}
	}
	if len(got) != 10 {
		t.Fatalf("saw %d documents, want 10: %v", len(got), got)
	}
	seen := make(map[string]bool)
	for _, id := range got {
		if seen[id] {
			t.Errorf("document %s served twice", id)
		}
		seen[id] = true
	}
}

func TestInjectedFailureIsConsumed(t *testing.T) {
	m := seeded(t, 1, 3)
	ranges, _ := m.ResolveRanges(context.Background(), "col1", routing.FullRange())
	m.FailNext(ranges[0].ID, 1, qerr.StatusTooManyRequests, 0)

	_, err := m.ExecutePage(context.Background(), pageReq(ranges[0], "", 10))
	if qerr.KindOf(err) != qerr.KindThrottled {
		t.Fatalf("first request: kind = %v, want throttled", qerr.KindOf(err))
	}
	page, err := m.ExecutePage(context.Background(), pageReq(ranges[0], "", 10))
	if err != nil {
		t.Fatalf("second request should succeed: %v", err)
	}
	if len(page.Items) != 3 {
		t.Errorf("got %d items, want 3", len(page.Items))
	}
}

func TestRangesPartitionDocuments(t *testing.T) {
	m := seeded(t, 3, 30)
	ranges, err := m.ResolveRanges(context.Background(), "col1", routing.FullRange())
	if err != nil {
		t.Fatalf("ResolveRanges: %v", err)
	}
	if err := routing.VerifyCover(routing.FullRange(), ranges); err != nil {
		t.Fatalf("ranges do not cover the key space: %v", err)
	}
	total := 0
	for _, r := range ranges {
		page, err := m.ExecutePage(context.Background(), pageReq(r, "", 100))
		if err != nil {
			t.Fatalf("ExecutePage(%s): %v", r.ID, err)
		}
		total += len(page.Items)
	}
	if total != 30 {
		t.Errorf("ranges served %d documents total, want 30", total)
	}
}

func TestOrderedPageShapeAndFilter(t *testing.T) {
	m := NewMemory(logger.Nop())
	if err := m.CreateCollection("col1", "pk", 1); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	for _, d := range []map[string]interface{}{
		{"id": "a", "pk": "a", "val": 2},
		{"id": "b", "pk": "b", "val": 1},
		{"id": "c", "pk": "c"}, // no val: undefined sorts first
	} {
		if _, err := m.Insert("col1", d); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	ranges, _ := m.ResolveRanges(context.Background(), "col1", routing.FullRange())
	req := pageReq(ranges[0], "", 10)
	req.OrderByFields = []string{"val"}
	req.OrderByDirections = []query.SortOrder{query.Ascending}

	page, err := m.ExecutePage(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecutePage: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("got %d rows", len(page.Items))
	}
	var row struct {
		OrderByItems []map[string]interface{} `json:"orderByItems"`
		Payload      struct {
			ID string `json:"id"`
		} `json:"payload"`
		RID string `json:"_rid"`
	}
	if err := json.Unmarshal(page.Items[0], &row); err != nil {
		t.Fatalf("row shape: %v", err)
	}
	if row.Payload.ID != "c" {
		t.Errorf("undefined key should sort first, got %s", row.Payload.ID)
	}
	if len(row.OrderByItems) != 1 {
		t.Fatalf("orderByItems = %v", row.OrderByItems)
	}
	if _, hasItem := row.OrderByItems[0]["item"]; hasItem {
		t.Error("undefined sort key should omit the item cell")
	}
	if row.RID == "" {
		t.Error("row must carry _rid")
	}

	// An order filter skips everything at or before the position.
	req2 := pageReq(ranges[0], "", 10)
	req2.OrderByFields = []string{"val"}
	req2.OrderByDirections = []query.SortOrder{query.Ascending}
	req2.Filter = &query.OrderFilter{Keys: []interface{}{float64(1)}, RID: "zzz"}
	page2, err := m.ExecutePage(context.Background(), req2)
	if err != nil {
		t.Fatalf("ExecutePage: %v", err)
	}
	if len(page2.Items) != 1 {
		t.Errorf("filter should leave only val=2, got %d rows", len(page2.Items))
	}
}

func TestNarrowSplitRejected(t *testing.T) {
	m := seeded(t, 1, 1)
	ranges, _ := m.ResolveRanges(context.Background(), "col1", routing.FullRange())
	id := ranges[0].ID
	for i := 0; i < 40; i++ {
		if err := m.Split("col1", id); err != nil {
			return // narrowed to a single key, as expected
		}
		children, err := m.ResolveChildren(context.Background(), "col1", id)
		if err != nil {
			t.Fatalf("ResolveChildren: %v", err)
		}
		id = children[0].ID
	}
	t.Error("repeated splits never hit the minimum span")
}
