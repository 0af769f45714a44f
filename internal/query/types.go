// Package query implements the cross-partition query execution pipeline of
// the MeridianDB client.
//
// A logical SQL query against a partitioned collection is planned into a
// per-partition rewritten query, fanned out to one document producer per
// target partition key range, and merged back into a single ordered,
// resumable feed by a pipeline of components (top, skip, distinct,
// aggregate, order-by/parallel base).
package query

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridiandb/meridian-go/internal/routing"
)

// SQLQuery is a query text with optional named parameters.
type SQLQuery struct {
	Text       string      `json:"query"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Parameter is a named query parameter (name includes the @ prefix).
type Parameter struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// FeedOptions carries the caller's per-query options. Zero values fall back
// to the client configuration defaults.
type FeedOptions struct {
	// MaxItemCount is the page size of the emitted feed.
	MaxItemCount int

	// RequestContinuation resumes a previous query from a composite
	// continuation token.
	RequestContinuation string

	// MaxDegreeOfParallelism bounds concurrent outstanding per-partition
	// fetches. -1 = auto, 1 = serial, 0 = client configuration default.
	MaxDegreeOfParallelism int

	// MaxBufferedItemCount caps the total look-ahead buffered across all
	// producers of this query.
	MaxBufferedItemCount int

	// EnableCrossPartitionQuery permits fan-out when the query cannot be
	// served by a single partition.
	EnableCrossPartitionQuery bool
}

// Metrics is the server-reported execution cost of one partition's pages.
// Values are additive; Merge keys them by source range id.
type Metrics struct {
	RetrievedDocumentCount int64         `json:"retrievedDocumentCount"`
	RetrievedDocumentSize  int64         `json:"retrievedDocumentSize"`
	OutputDocumentCount    int64         `json:"outputDocumentCount"`
	IndexHitDocumentCount  int64         `json:"indexHitDocumentCount"`
	TotalTime              time.Duration `json:"totalTime"`
}

// Add combines two metrics values.
func (m Metrics) Add(o Metrics) Metrics {
	return Metrics{
		RetrievedDocumentCount: m.RetrievedDocumentCount + o.RetrievedDocumentCount,
		RetrievedDocumentSize:  m.RetrievedDocumentSize + o.RetrievedDocumentSize,
		OutputDocumentCount:    m.OutputDocumentCount + o.OutputDocumentCount,
		IndexHitDocumentCount:  m.IndexHitDocumentCount + o.IndexHitDocumentCount,
		TotalTime:              m.TotalTime + o.TotalTime,
	}
}

// MergeMetrics folds src into dst, adding values for shared keys.
func MergeMetrics(dst, src map[string]Metrics) map[string]Metrics {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]Metrics, len(src))
	}
	for k, v := range src {
		dst[k] = dst[k].Add(v)
	}
	return dst
}

// Page is one per-partition page flowing from the request executor into a
// document producer. Consumed exactly once.
type Page struct {
	Items         []json.RawMessage
	Continuation  string // token for the next page; "" = range exhausted
	RequestCharge float64
	ActivityID    string
	Metrics       map[string]Metrics
	SourceRangeID string

	// fetchToken is the continuation that produced this page, kept so an
	// order-by resume can re-request a partially consumed page.
	fetchToken string

	// budgeted is the buffer budget held by this page, released by the
	// consumer when the items move downstream.
	budgeted int64
}

// FeedResponse is one page of the merged feed surfaced to the consumer.
type FeedResponse struct {
	Items         []json.RawMessage
	Continuation  string // "" on the terminal page
	RequestCharge float64
	ActivityID    string
	Metrics       map[string]Metrics

	// cont carries the structured continuation until the pipeline surface
	// serializes it; outer components annotate their state on it.
	cont *compositeContinuation
}

// OrderFilter restricts a per-range order-by request to items strictly
// after (Keys, RID) in the query's sort order, so a resumed stream never
// re-emits what the consumer already saw.
type OrderFilter struct {
	Keys []interface{} `json:"keys"`
	RID  string        `json:"rid"`
}

// PageRequest is one single-page request against one partition key range.
//
// Query carries the formatted per-range SQL. The structured order-by and
// aggregate fields mirror what the SQL already says, for executors (the
// in-memory backend, test fakes) that honor semantics without parsing SQL.
type PageRequest struct {
	CollectionRID string
	Query         SQLQuery
	Range         routing.PartitionKeyRange
	Continuation  string
	PageSize      int
	ActivityID    string
	Timeout       time.Duration

	OrderByFields     []string
	OrderByDirections []SortOrder
	Filter            *OrderFilter
	Aggregates        []AggregateOperator
	AggregateField    string
}

// RequestExecutor issues one page request. It is the transport collaborator:
// address resolution, wire framing and auth live behind it. Failures come
// back as *errors.QueryError or transport errors the classifier normalizes.
type RequestExecutor interface {
	ExecutePage(ctx context.Context, req *PageRequest) (*Page, error)
}

// ExecutorFunc adapts a function to RequestExecutor.
type ExecutorFunc func(ctx context.Context, req *PageRequest) (*Page, error)

// ExecutePage implements RequestExecutor.
func (f ExecutorFunc) ExecutePage(ctx context.Context, req *PageRequest) (*Page, error) {
	return f(ctx, req)
}
