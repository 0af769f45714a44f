package query

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// SQLPlanner plans the dialect subset the client understands natively:
//
//	SELECT [DISTINCT] [TOP n] (* | VALUE agg(c.field) | projection)
//	FROM alias
//	[WHERE predicate]
//	[ORDER BY c.field [ASC|DESC], ...]
//	[OFFSET k LIMIT n]
//
// The WHERE predicate is passed through untouched. Queries outside the
// subset should be planned by the gateway planner instead; SQLPlanner
// rejects what it cannot shape.
type SQLPlanner struct{}

// NewSQLPlanner creates the built-in planner.
func NewSQLPlanner() *SQLPlanner {
	return &SQLPlanner{}
}

var (
	reSelect = regexp.MustCompile(`(?is)^\s*SELECT\s+(DISTINCT\s+)?(?:TOP\s+(\d+)\s+)?(.+?)\s+FROM\s+([A-Za-z_][A-Za-z0-9_]*)\s*(.*)$`)
	reAgg    = regexp.MustCompile(`(?i)^VALUE\s+(SUM|COUNT|MIN|MAX|AVG|AVERAGE)\s*\(\s*(?:([A-Za-z_][A-Za-z0-9_]*)\.)?([A-Za-z0-9_.]+)\s*\)$`)
	reOffset = regexp.MustCompile(`(?is)\bOFFSET\s+(\d+)\s+LIMIT\s+(\d+)\s*$`)
	reOrder  = regexp.MustCompile(`(?is)\bORDER\s+BY\s+(.+)$`)
)

// Plan implements Planner.
func (p *SQLPlanner) Plan(_ context.Context, _ string, q SQLQuery) (*ExecutionInfo, error) {
	m := reSelect.FindStringSubmatch(q.Text)
	if m == nil {
		return nil, qerr.PlanRejected("unparsable query: %q", q.Text)
	}
	distinct, topStr, selectList, alias, tail := m[1] != "", m[2], strings.TrimSpace(m[3]), m[4], strings.TrimSpace(m[5])

	info := &ExecutionInfo{
		TargetRange:            routing.FullRange(),
		RequiresCrossPartition: true,
	}
	qi := &info.QueryInfo

	if topStr != "" {
		n, err := strconv.Atoi(topStr)
		if err != nil {
			return nil, qerr.PlanRejected("invalid TOP value %q", topStr)
		}
		qi.Top = &n
	}

	// Peel OFFSET/LIMIT and ORDER BY off the tail, leaving the WHERE part.
	if om := reOffset.FindStringSubmatch(tail); om != nil {
		k, _ := strconv.Atoi(om[1])
		n, _ := strconv.Atoi(om[2])
		qi.Offset = &k
		qi.Limit = &n
		tail = strings.TrimSpace(tail[:len(tail)-len(om[0])])
	}
	var orderClause string
	if om := reOrder.FindStringSubmatchIndex(tail); om != nil {
		orderClause = strings.TrimSpace(tail[om[2]:om[3]])
		tail = strings.TrimSpace(tail[:om[0]])
	}
	where := strings.TrimSpace(tail)
	if where != "" {
		upper := strings.ToUpper(where)
		if !strings.HasPrefix(upper, "WHERE ") {
			return nil, qerr.PlanRejected("unexpected clause %q", where)
		}
		where = strings.TrimSpace(where[len("WHERE "):])
	}

	if orderClause != "" {
		if err := parseOrderBy(orderClause, alias, qi); err != nil {
			return nil, err
		}
	}

	if distinct {
		if qi.HasOrderBy() {
			qi.DistinctType = DistinctOrdered
		} else {
			qi.DistinctType = DistinctUnordered
		}
	}

	switch {
	case reAgg.MatchString(selectList):
		am := reAgg.FindStringSubmatch(selectList)
		op, field := aggOperator(am[1]), am[3]
		if field == "1" {
			field = ""
		}
		qi.Aggregates = []AggregateOperator{op}
		qi.AggregateField = field
		qi.HasSelectValue = true
		qi.RewrittenQuery = rewriteAggregate(op, alias, field, where)
	case qi.HasOrderBy():
		qi.RewrittenQuery = rewriteOrderBy(alias, selectList, where, qi)
	default:
		qi.RewrittenQuery = rewritePassthrough(alias, selectList, where)
	}

	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

func aggOperator(name string) AggregateOperator {
	switch strings.ToUpper(name) {
	case "SUM":
		return AggregateSum
	case "COUNT":
		return AggregateCount
	case "MIN":
		return AggregateMin
	case "MAX":
		return AggregateMax
	default: // AVG, AVERAGE
		return AggregateAverage
	}
}

func parseOrderBy(clause, alias string, qi *QueryInfo) error {
	for _, part := range strings.Split(clause, ",") {
		part = strings.TrimSpace(part)
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return qerr.PlanRejected("invalid ORDER BY term %q", part)
		}
		expr := strings.TrimPrefix(fields[0], alias+".")
		if expr == fields[0] {
			return qerr.PlanRejected("ORDER BY term %q must reference %s", part, alias)
		}
		dir := Ascending
		if len(fields) == 2 {
			switch strings.ToUpper(fields[1]) {
			case "ASC":
			case "DESC":
				dir = Descending
			default:
				return qerr.PlanRejected("invalid sort direction %q", fields[1])
			}
		}
		qi.OrderByExpressions = append(qi.OrderByExpressions, expr)
		qi.OrderBy = append(qi.OrderBy, dir)
	}
	return nil
}

// rewriteOrderBy lifts each document into {orderByItems, payload, _rid} and
// injects the formattable resume filter into the WHERE clause.
func rewriteOrderBy(alias, selectList, where string, qi *QueryInfo) string {
	items := make([]string, len(qi.OrderByExpressions))
	orderTerms := make([]string, len(qi.OrderByExpressions))
	for i, f := range qi.OrderByExpressions {
		items[i] = fmt.Sprintf(`{"item": %s.%s}`, alias, f)
		orderTerms[i] = fmt.Sprintf("%s.%s %s", alias, f, qi.OrderBy[i])
	}
	cond := FilterPlaceholder
	if where != "" {
		cond = fmt.Sprintf("(%s) AND (%s)", FilterPlaceholder, where)
	}
	_ = selectList // projection applies to payload as-is in this dialect
	return fmt.Sprintf("SELECT [%s] AS orderByItems, %s AS payload, %s._rid AS _rid FROM %s WHERE %s ORDER BY %s",
		strings.Join(items, ", "), alias, alias, alias, cond, strings.Join(orderTerms, ", "))
}

// rewriteAggregate pushes the partial aggregate down to each partition.
// AVERAGE is carried as its (sum, count) monoid.
func rewriteAggregate(op AggregateOperator, alias, field, where string) string {
	ref := alias + "." + field
	if field == "" {
		ref = "1"
	}
	var expr string
	if op == AggregateAverage {
		expr = fmt.Sprintf(`{"sum": SUM(%s), "count": COUNT(%s)}`, ref, ref)
	} else {
		expr = fmt.Sprintf("%s(%s)", strings.ToUpper(string(op)), ref)
	}
	q := fmt.Sprintf(`SELECT VALUE {"item": %s} FROM %s`, expr, alias)
	if where != "" {
		q += " WHERE " + where
	}
	return q
}

func rewritePassthrough(alias, selectList, where string) string {
	q := fmt.Sprintf("SELECT %s FROM %s", selectList, alias)
	if where != "" {
		q += " WHERE " + where
	}
	return q
}
