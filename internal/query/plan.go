package query

import (
	"context"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// SortOrder is the direction of one ORDER BY column.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

func (s SortOrder) String() string {
	if s == Descending {
		return "DESC"
	}
	return "ASC"
}

// AggregateOperator names a supported cross-partition aggregate.
type AggregateOperator string

const (
	AggregateSum     AggregateOperator = "Sum"
	AggregateCount   AggregateOperator = "Count"
	AggregateMin     AggregateOperator = "Min"
	AggregateMax     AggregateOperator = "Max"
	AggregateAverage AggregateOperator = "Average"
)

// DistinctType selects the DISTINCT strategy.
type DistinctType int

const (
	DistinctNone DistinctType = iota
	// DistinctUnordered: hash of seen fingerprints, order not guaranteed.
	DistinctUnordered
	// DistinctOrdered: adjacent equals collapsed on the sorted stream.
	DistinctOrdered
)

// FilterPlaceholder marks where the per-range order-by resume filter is
// substituted into the rewritten query text. Ranges without a resume
// position get "true".
const FilterPlaceholder = "{order-by-filter}"

// QueryInfo is the planner's description of how to execute a query.
type QueryInfo struct {
	// RewrittenQuery is the per-partition query; for ORDER BY queries it
	// lifts each document into {orderByItems, payload, _rid} and contains
	// FilterPlaceholder in its WHERE clause.
	RewrittenQuery string

	OrderBy            []SortOrder
	OrderByExpressions []string // field paths, parallel to OrderBy

	Aggregates []AggregateOperator
	// AggregateField is the field path the aggregate targets; "" for
	// COUNT(1).
	AggregateField string

	Top    *int
	Offset *int
	Limit  *int

	DistinctType   DistinctType
	HasSelectValue bool
}

// HasOrderBy reports whether the query sorts across partitions.
func (qi *QueryInfo) HasOrderBy() bool { return len(qi.OrderBy) > 0 }

// HasAggregates reports whether the query aggregates.
func (qi *QueryInfo) HasAggregates() bool { return len(qi.Aggregates) > 0 }

// HasTop reports a TOP clause.
func (qi *QueryInfo) HasTop() bool { return qi.Top != nil }

// HasOffset reports an OFFSET clause.
func (qi *QueryInfo) HasOffset() bool { return qi.Offset != nil }

// HasLimit reports a LIMIT clause.
func (qi *QueryInfo) HasLimit() bool { return qi.Limit != nil }

// HasDistinct reports a DISTINCT clause.
func (qi *QueryInfo) HasDistinct() bool { return qi.DistinctType != DistinctNone }

// NeedsPipeline reports whether any component beyond the plain parallel
// pass-through is required.
func (qi *QueryInfo) NeedsPipeline() bool {
	return qi.HasOrderBy() || qi.HasAggregates() || qi.HasTop() ||
		qi.HasOffset() || qi.HasLimit() || qi.HasDistinct()
}

// ExecutionInfo is the output of query planning: the rewritten query plus
// the key range it targets. The pipeline factory resolves the range into
// partition key ranges against the live routing snapshot.
type ExecutionInfo struct {
	QueryInfo QueryInfo

	// TargetRange is the key interval the query addresses; fan-out queries
	// target the full range.
	TargetRange routing.Range

	// RequiresCrossPartition is set when the query cannot be answered from
	// a single partition.
	RequiresCrossPartition bool
}

// Validate rejects plan compositions the cross-partition pipeline does not
// support.
func (info *ExecutionInfo) Validate() error {
	qi := &info.QueryInfo
	if len(qi.Aggregates) > 1 {
		return qerr.PlanRejected("only a single aggregate is supported across partitions, got %d", len(qi.Aggregates))
	}
	for _, agg := range qi.Aggregates {
		switch agg {
		case AggregateSum, AggregateCount, AggregateMin, AggregateMax, AggregateAverage:
		default:
			return qerr.PlanRejected("unsupported aggregate operator %q", agg)
		}
	}
	if qi.HasAggregates() && qi.HasDistinct() {
		return qerr.PlanRejected("DISTINCT cannot be combined with an aggregate across partitions")
	}
	if qi.DistinctType == DistinctOrdered && !qi.HasOrderBy() {
		return qerr.PlanRejected("ordered DISTINCT requires an ORDER BY clause")
	}
	if len(qi.OrderByExpressions) != len(qi.OrderBy) {
		return qerr.PlanRejected("order by expressions and directions differ in length")
	}
	if qi.HasTop() && *qi.Top < 0 {
		return qerr.PlanRejected("TOP must be non-negative")
	}
	if qi.HasOffset() && *qi.Offset < 0 {
		return qerr.PlanRejected("OFFSET must be non-negative")
	}
	return nil
}

// Planner produces an ExecutionInfo for a query. The gateway-backed planner
// is external; this package ships SQLPlanner for the supported dialect
// subset.
type Planner interface {
	Plan(ctx context.Context, collectionRID string, q SQLQuery) (*ExecutionInfo, error)
}
