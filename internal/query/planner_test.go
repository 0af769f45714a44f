package query

import (
	"context"
	"strings"
	"testing"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
)

func plan(t *testing.T, text string) *ExecutionInfo {
	t.Helper()
	info, err := NewSQLPlanner().Plan(context.Background(), "col1", SQLQuery{Text: text})
	if err != nil {
		t.Fatalf("Plan(%q): %v", text, err)
	}
	return info
}

func TestPlanPassthrough(t *testing.T) {
	info := plan(t, "SELECT * FROM c WHERE c.age > 21")
	qi := &info.QueryInfo
	if qi.NeedsPipeline() {
		t.Error("plain filter query should not need pipeline components")
	}
	if qi.RewrittenQuery != "SELECT * FROM c WHERE c.age > 21" {
		t.Errorf("rewritten = %q", qi.RewrittenQuery)
	}
}

func TestPlanTop(t *testing.T) {
	info := plan(t, "SELECT TOP 5 * FROM c")
	if !info.QueryInfo.HasTop() || *info.QueryInfo.Top != 5 {
		t.Errorf("Top = %v", info.QueryInfo.Top)
	}
}

func TestPlanOffsetLimit(t *testing.T) {
	info := plan(t, "SELECT * FROM c OFFSET 2 LIMIT 3")
	qi := &info.QueryInfo
	if !qi.HasOffset() || *qi.Offset != 2 {
		t.Errorf("Offset = %v", qi.Offset)
	}
	if !qi.HasLimit() || *qi.Limit != 3 {
		t.Errorf("Limit = %v", qi.Limit)
	}
}

func TestPlanOrderByRewrite(t *testing.T) {
	info := plan(t, "SELECT * FROM c WHERE c.age > 21 ORDER BY c.age DESC")
	qi := &info.QueryInfo
	if len(qi.OrderBy) != 1 || qi.OrderBy[0] != Descending {
		t.Fatalf("OrderBy = %v", qi.OrderBy)
	}
	if qi.OrderByExpressions[0] != "age" {
		t.Errorf("expression = %q", qi.OrderByExpressions[0])
	}
	rw := qi.RewrittenQuery
	for _, want := range []string{FilterPlaceholder, "orderByItems", "payload", "_rid", "ORDER BY c.age DESC", "(c.age > 21)"} {
		if !strings.Contains(rw, want) {
			t.Errorf("rewritten query missing %q: %s", want, rw)
		}
	}
}

func TestPlanAggregate(t *testing.T) {
	info := plan(t, "SELECT VALUE SUM(c.price) FROM c")
	qi := &info.QueryInfo
	if len(qi.Aggregates) != 1 || qi.Aggregates[0] != AggregateSum {
		t.Fatalf("Aggregates = %v", qi.Aggregates)
	}
	if qi.AggregateField != "price" {
		t.Errorf("AggregateField = %q", qi.AggregateField)
	}
	if !strings.Contains(qi.RewrittenQuery, `{"item": SUM(c.price)}`) {
		t.Errorf("rewritten = %q", qi.RewrittenQuery)
	}
}

func TestPlanAverageCarriesMonoid(t *testing.T) {
	info := plan(t, "SELECT VALUE AVG(c.price) FROM c")
	rw := info.QueryInfo.RewrittenQuery
	if !strings.Contains(rw, "SUM(c.price)") || !strings.Contains(rw, "COUNT(c.price)") {
		t.Errorf("average rewrite should carry sum and count: %q", rw)
	}
}

func TestPlanDistinct(t *testing.T) {
	info := plan(t, "SELECT DISTINCT * FROM c")
	if info.QueryInfo.DistinctType != DistinctUnordered {
		t.Errorf("DistinctType = %v, want unordered", info.QueryInfo.DistinctType)
	}
	info = plan(t, "SELECT DISTINCT * FROM c ORDER BY c.name")
	if info.QueryInfo.DistinctType != DistinctOrdered {
		t.Errorf("DistinctType = %v, want ordered", info.QueryInfo.DistinctType)
	}
}

func TestPlanRejects(t *testing.T) {
	cases := []string{
		"DELETE FROM c",
		"SELECT DISTINCT VALUE SUM(c.price) FROM c",
		"SELECT * FROM c ORDER BY age", // missing alias prefix
	}
	for _, text := range cases {
		_, err := NewSQLPlanner().Plan(context.Background(), "col1", SQLQuery{Text: text})
		if err == nil {
			t.Errorf("Plan(%q) should fail", text)
			continue
		}
		if qerr.KindOf(err) != qerr.KindPlanRejected {
			t.Errorf("Plan(%q) kind = %v, want KindPlanRejected", text, qerr.KindOf(err))
		}
	}
}
