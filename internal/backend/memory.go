// Package backend provides the in-memory document store used by the shell
// and the test suites. It implements the query transport (RequestExecutor)
// and the routing provider over a partitioned, splittable collection, with
// the same token and failure semantics the pipeline expects from a real
// gateway.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/query"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// epkSpace keeps every effective partition key strictly below the routing
// maximum sentinel.
const epkSpace = 0xEFFFFFFF

type document struct {
	rid  string
	epk  string
	data map[string]interface{}
}

type pkRange struct {
	meta     routing.PartitionKeyRange
	gone     bool
	children []string
}

type collection struct {
	rid     string
	pkField string
	ranges  map[string]*pkRange
	docs    []*document // rid order
	seq     int
	rangeSeq int
}

type injectedFailure struct {
	count     int
	status    int
	subStatus int
}

// Memory is an in-memory partitioned document store.
//
// Continuation tokens it issues are positional (last served rid, or last
// served sort position for ordered scans), so a token taken against a
// parent range replays correctly against its children after a split.
type Memory struct {
	mu       sync.Mutex
	cols     map[string]*collection
	failures map[string]*injectedFailure // keyed by range id
	log      *slog.Logger
}

func NewMemory(log *slog.Logger) *Memory {
	return &Memory{
		cols:     make(map[string]*collection),
		failures: make(map[string]*injectedFailure),
		log:      log,
	}
}

// CreateCollection registers a collection partitioned on pkField, split into
// rangeCount initial partition key ranges of equal key span.
func (m *Memory) CreateCollection(rid, pkField string, rangeCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cols[rid]; ok {
		return fmt.Errorf("collection %s already exists", rid)
	}
	if rangeCount < 1 {
		rangeCount = 1
	}
	col := &collection{
		rid:     rid,
		pkField: pkField,
		ranges:  make(map[string]*pkRange),
	}
	step := uint64(epkSpace+1) / uint64(rangeCount)
	for i := 0; i < rangeCount; i++ {
		min := routing.MinimumKey
		if i > 0 {
			min = fmt.Sprintf("%08X", uint64(i)*step)
		}
		max := routing.MaximumKey
		if i < rangeCount-1 {
			max = fmt.Sprintf("%08X", uint64(i+1)*step)
		}
		id := col.nextRangeID()
		col.ranges[id] = &pkRange{meta: routing.PartitionKeyRange{
			ID:           id,
			MinInclusive: min,
			MaxExclusive: max,
		}}
	}
	m.cols[rid] = col
	return nil
}

func (c *collection) nextRangeID() string {
	c.rangeSeq++
	return strconv.Itoa(c.rangeSeq - 1)
}

// Insert stores a document, assigning its rid and effective partition key.
func (m *Memory) Insert(collectionRID string, doc map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.cols[collectionRID]
	if !ok {
		return "", fmt.Errorf("unknown collection %s", collectionRID)
	}
	col.seq++
	rid := fmt.Sprintf("%s-%08d", col.rid, col.seq)

	data := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		data[k] = v
	}
	data["_rid"] = rid

	col.docs = append(col.docs, &document{
		rid:  rid,
		epk:  effectiveKey(data[col.pkField]),
		data: data,
	})
	return rid, nil
}

// Split replaces an active range with two children at the midpoint of its
// key span. Requests against the parent fail with 410/range-gone until the
// caller re-resolves.
func (m *Memory) Split(collectionRID, rangeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.cols[collectionRID]
	if !ok {
		return fmt.Errorf("unknown collection %s", collectionRID)
	}
	r, ok := col.ranges[rangeID]
	if !ok || r.gone {
		return fmt.Errorf("range %s is not active", rangeID)
	}
	mid := midKey(r.meta.MinInclusive, r.meta.MaxExclusive)
	if mid <= r.meta.MinInclusive || (r.meta.MaxExclusive != routing.MaximumKey && mid >= r.meta.MaxExclusive) {
		return fmt.Errorf("range %s is too narrow to split", rangeID)
	}
	leftID, rightID := col.nextRangeID(), col.nextRangeID()
	col.ranges[leftID] = &pkRange{meta: routing.PartitionKeyRange{
		ID:           leftID,
		MinInclusive: r.meta.MinInclusive,
		MaxExclusive: mid,
		Parents:      []string{rangeID},
	}}
	col.ranges[rightID] = &pkRange{meta: routing.PartitionKeyRange{
		ID:           rightID,
		MinInclusive: mid,
		MaxExclusive: r.meta.MaxExclusive,
		Parents:      []string{rangeID},
	}}
	r.gone = true
	r.children = []string{leftID, rightID}
	if m.log != nil {
		m.log.Debug("range split", "collection", collectionRID,
			"parent", rangeID, "left", leftID, "right", rightID)
	}
	return nil
}

// FailNext makes the next n page requests against rangeID fail with the
// given status.
func (m *Memory) FailNext(rangeID string, n, status, subStatus int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[rangeID] = &injectedFailure{count: n, status: status, subStatus: subStatus}
}

// ResolveRanges implements routing.Provider.
func (m *Memory) ResolveRanges(ctx context.Context, collectionRID string, target routing.Range) ([]routing.PartitionKeyRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.cols[collectionRID]
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", collectionRID)
	}
	var out []routing.PartitionKeyRange
	for _, r := range col.ranges {
		if !r.gone && r.meta.Span().Overlaps(target) {
			out = append(out, r.meta)
		}
	}
	routing.SortRanges(out)
	return out, nil
}

// ResolveChildren implements routing.Provider.
func (m *Memory) ResolveChildren(ctx context.Context, collectionRID string, rangeID string) ([]routing.PartitionKeyRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.cols[collectionRID]
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", collectionRID)
	}
	r, ok := col.ranges[rangeID]
	if !ok {
		return nil, fmt.Errorf("unknown range %s", rangeID)
	}
	out := make([]routing.PartitionKeyRange, 0, len(r.children))
	for _, id := range r.children {
		child := col.ranges[id]
		if child.gone {
			// The child itself split while the producer was down; descend.
			grand, err := m.descendLocked(col, child)
			if err != nil {
				return nil, err
			}
			out = append(out, grand...)
			continue
		}
		out = append(out, child.meta)
	}
	routing.SortRanges(out)
	return out, nil
}

func (m *Memory) descendLocked(col *collection, r *pkRange) ([]routing.PartitionKeyRange, error) {
	var out []routing.PartitionKeyRange
	for _, id := range r.children {
		child := col.ranges[id]
		if child.gone {
			grand, err := m.descendLocked(col, child)
			if err != nil {
				return nil, err
			}
			out = append(out, grand...)
			continue
		}
		out = append(out, child.meta)
	}
	return out, nil
}

// scanToken is the positional continuation for unordered scans.
type scanToken struct {
	RID string `json:"r"`
}

// orderToken is the positional continuation for ordered scans.
type orderToken struct {
	Keys []interface{} `json:"k"`
	RID  string        `json:"r"`
}

// ExecutePage implements query.RequestExecutor.
func (m *Memory) ExecutePage(ctx context.Context, req *query.PageRequest) (*query.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.failures[req.Range.ID]; ok && f.count > 0 {
		f.count--
		return nil, qerr.NewClassifier().FromStatus(f.status, f.subStatus, req.Range.ID, "injected failure")
	}
	col, ok := m.cols[req.CollectionRID]
	if !ok {
		return nil, qerr.BadRequest("unknown collection %s", req.CollectionRID)
	}
	r, ok := col.ranges[req.Range.ID]
	if !ok {
		return nil, qerr.BadRequest("unknown range %s", req.Range.ID)
	}
	if r.gone {
		return nil, qerr.Gone(req.Range.ID)
	}

	docs := col.rangeDocs(r.meta.Span())
	if len(req.Aggregates) > 0 {
		return m.aggregatePage(req, docs)
	}
	if len(req.OrderByFields) > 0 {
		return m.orderedPage(req, col, docs)
	}
	return m.scanPage(req, docs)
}

// rangeDocs returns the documents whose effective key falls in span, in rid
// order.
func (c *collection) rangeDocs(span routing.Range) []*document {
	var out []*document
	for _, d := range c.docs {
		if span.Contains(d.epk) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rid < out[j].rid })
	return out
}

func (m *Memory) scanPage(req *query.PageRequest, docs []*document) (*query.Page, error) {
	after := ""
	if req.Continuation != "" {
		var tok scanToken
		if err := json.Unmarshal([]byte(req.Continuation), &tok); err != nil {
			return nil, qerr.BadRequest("malformed continuation: %v", err)
		}
		after = tok.RID
	}
	page := m.newPage(req)
	var lastRID string
	more := false
	for _, d := range docs {
		if after != "" && d.rid <= after {
			continue
		}
		if len(page.Items) >= req.PageSize {
			more = true
			break
		}
		raw, err := json.Marshal(d.data)
		if err != nil {
			return nil, qerr.Backend(qerr.StatusInternalError, err.Error())
		}
		page.Items = append(page.Items, raw)
		lastRID = d.rid
	}
	if more {
		b, _ := json.Marshal(scanToken{RID: lastRID})
		page.Continuation = string(b)
	}
	m.finishPage(page, req)
	return page, nil
}

func (m *Memory) orderedPage(req *query.PageRequest, col *collection, docs []*document) (*query.Page, error) {
	dirs := req.OrderByDirections
	keysOf := func(d *document) []interface{} {
		keys := make([]interface{}, len(req.OrderByFields))
		for i, f := range req.OrderByFields {
			keys[i] = fieldValue(d.data, f)
		}
		return keys
	}
	sorted := make([]*document, len(docs))
	copy(sorted, docs)
	sort.SliceStable(sorted, func(i, j int) bool {
		c := query.CompareKeys(keysOf(sorted[i]), keysOf(sorted[j]), dirs)
		if c != 0 {
			return c < 0
		}
		return sorted[i].rid < sorted[j].rid
	})

	var pos *orderToken
	if req.Continuation != "" {
		pos = &orderToken{}
		if err := json.Unmarshal([]byte(req.Continuation), pos); err != nil {
			return nil, qerr.BadRequest("malformed continuation: %v", err)
		}
		pos.Keys = query.NormalizeKeys(pos.Keys)
	}

	page := m.newPage(req)
	var last *orderToken
	more := false
	for _, d := range sorted {
		keys := keysOf(d)
		if pos != nil && !afterPosition(keys, d.rid, pos, dirs) {
			continue
		}
		if req.Filter != nil && !afterPosition(keys, d.rid, &orderToken{Keys: req.Filter.Keys, RID: req.Filter.RID}, dirs) {
			continue
		}
		if len(page.Items) >= req.PageSize {
			more = true
			break
		}
		raw, err := orderedRow(keys, d)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, raw)
		last = &orderToken{Keys: keys, RID: d.rid}
	}
	if more && last != nil {
		b, _ := json.Marshal(last)
		page.Continuation = string(b)
	}
	m.finishPage(page, req)
	return page, nil
}

// afterPosition reports whether (keys, rid) sorts strictly after pos.
func afterPosition(keys []interface{}, rid string, pos *orderToken, dirs []query.SortOrder) bool {
	c := query.CompareKeys(keys, pos.Keys, dirs)
	if c != 0 {
		return c > 0
	}
	return rid > pos.RID
}

// orderedRow lifts a document into the order-by result shape. Undefined
// sort keys are omitted from the item cell.
func orderedRow(keys []interface{}, d *document) (json.RawMessage, error) {
	cells := make([]map[string]interface{}, len(keys))
	for i, k := range keys {
		if _, undef := k.(query.Undefined); undef {
			cells[i] = map[string]interface{}{}
		} else {
			cells[i] = map[string]interface{}{"item": k}
		}
	}
	raw, err := json.Marshal(map[string]interface{}{
		"orderByItems": cells,
		"payload":      d.data,
		"_rid":         d.rid,
	})
	if err != nil {
		return nil, qerr.Backend(qerr.StatusInternalError, err.Error())
	}
	return raw, nil
}

func (m *Memory) aggregatePage(req *query.PageRequest, docs []*document) (*query.Page, error) {
	op := req.Aggregates[0]
	field := req.AggregateField
	page := m.newPage(req)

	var sum float64
	var count int64
	var best interface{}
	hasBest := false
	defined := false
	for _, d := range docs {
		if op == query.AggregateCount {
			if field != "" {
				if _, undef := fieldValue(d.data, field).(query.Undefined); undef {
					continue
				}
			}
			count++
			defined = true
			continue
		}
		v := fieldValue(d.data, field)
		if _, undef := v.(query.Undefined); undef {
			continue
		}
		switch op {
		case query.AggregateSum, query.AggregateAverage:
			sum += toNumber(v)
			count++
			defined = true
		case query.AggregateMin:
			if !hasBest || query.CompareValue(v, best) < 0 {
				best, hasBest = v, true
			}
		case query.AggregateMax:
			if !hasBest || query.CompareValue(v, best) > 0 {
				best, hasBest = v, true
			}
		}
	}

	var partial map[string]interface{}
	switch op {
	case query.AggregateAverage:
		partial = map[string]interface{}{"sum": sum, "count": count}
	case query.AggregateCount:
		partial = map[string]interface{}{"item": count}
	case query.AggregateSum:
		if defined {
			partial = map[string]interface{}{"item": sum}
		} else {
			partial = map[string]interface{}{}
		}
	case query.AggregateMin, query.AggregateMax:
		if hasBest {
			partial = map[string]interface{}{"item": best}
		} else {
			partial = map[string]interface{}{}
		}
	default:
		return nil, qerr.PlanRejected("unsupported aggregate %q", op)
	}
	raw, err := json.Marshal(partial)
	if err != nil {
		return nil, qerr.Backend(qerr.StatusInternalError, err.Error())
	}
	page.Items = append(page.Items, raw)
	m.finishPage(page, req)
	return page, nil
}

func (m *Memory) newPage(req *query.PageRequest) *query.Page {
	return &query.Page{
		ActivityID:    req.ActivityID,
		SourceRangeID: req.Range.ID,
	}
}

func (m *Memory) finishPage(page *query.Page, req *query.PageRequest) {
	page.RequestCharge = 2.3 + 0.01*float64(len(page.Items))
	page.Metrics = map[string]query.Metrics{
		req.Range.ID: {
			RetrievedDocumentCount: int64(len(page.Items)),
			OutputDocumentCount:    int64(len(page.Items)),
		},
	}
}

// fieldValue resolves a dotted field path against a document; paths the
// document does not carry resolve to Undefined.
func fieldValue(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return query.Undefined{}
	}
	var cur interface{} = data
	for {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return query.Undefined{}
		}
		head := path
		rest := ""
		for i := 0; i < len(path); i++ {
			if path[i] == '.' {
				head, rest = path[:i], path[i+1:]
				break
			}
		}
		v, ok := obj[head]
		if !ok {
			return query.Undefined{}
		}
		if rest == "" {
			return v
		}
		cur, path = v, rest
	}
}

func toNumber(v interface{}) float64 {
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

// effectiveKey hashes a partition key value into the routing key space.
func effectiveKey(v interface{}) string {
	b, _ := json.Marshal(v)
	h := fnv.New32a()
	h.Write(b)
	return fmt.Sprintf("%08X", uint64(h.Sum32())%uint64(epkSpace))
}

// midKey bisects a key span numerically.
func midKey(min, max string) string {
	lo := uint64(0)
	if min != routing.MinimumKey {
		lo, _ = strconv.ParseUint(min, 16, 64)
	}
	hi := uint64(epkSpace) + 1
	if max != routing.MaximumKey {
		hi, _ = strconv.ParseUint(max, 16, 64)
	}
	return fmt.Sprintf("%08X", lo+(hi-lo)/2)
}
