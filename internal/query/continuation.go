package query

import (
	"encoding/json"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// ContinuationVersion is the current composite continuation format version.
// Decoding accepts any version up to this one; later versions are rejected
// so an old client never silently misreads a newer token.
const ContinuationVersion = 1

// compositeContinuation is the resumable cursor across partitions. Consumers
// treat the serialized form as opaque.
type compositeContinuation struct {
	Version       int          `json:"v"`
	CollectionRID string       `json:"rid"`
	Ranges        []rangeState `json:"ranges"`
	Outer         *outerState  `json:"outer,omitempty"`
}

// rangeState is one unfinished range's resume position. Token null means the
// range has not been fetched yet; completed ranges are omitted entirely.
type rangeState struct {
	Min   string      `json:"min"`
	Max   string      `json:"max"`
	Token *string     `json:"token"`
	Order *orderState `json:"order,omitempty"`
}

// orderState is the order-by resume position for one range: the sort key
// values and rid of the last item emitted from it.
type orderState struct {
	Keys []interface{} `json:"keys"`
	RID  string        `json:"rid"`
}

// outerState carries pipeline component state across a resume.
type outerState struct {
	TopRemaining  *int     `json:"top_remaining,omitempty"`
	SkipRemaining *int     `json:"skip_remaining,omitempty"`
	DistinctState []string `json:"distinct_state,omitempty"`
}

// outerRef returns the component state block, allocating it on first use.
func (c *compositeContinuation) outerRef() *outerState {
	if c.Outer == nil {
		c.Outer = &outerState{}
	}
	return c.Outer
}

func (c *compositeContinuation) encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeContinuation(token string) (*compositeContinuation, error) {
	var c compositeContinuation
	if err := json.Unmarshal([]byte(token), &c); err != nil {
		return nil, qerr.InvalidContinuation("unparsable continuation token: %v", err)
	}
	if c.Version < 1 || c.Version > ContinuationVersion {
		return nil, qerr.InvalidContinuation("unsupported continuation version %d (max %d)", c.Version, ContinuationVersion)
	}
	if len(c.Ranges) == 0 {
		return nil, qerr.InvalidContinuation("continuation token carries no ranges")
	}
	return &c, nil
}

// rangeSeed is the resume position assigned to one current routing range.
type rangeSeed struct {
	token  string
	order  *orderState
	resume bool // false: range completed before the token was taken
}

// matchRanges reconciles the persisted range states against the current
// routing snapshot:
//
//   - exact match: the range resumes from its token;
//   - persisted range covering several current ranges (a split happened
//     since the token was taken): the one token seeds every child;
//   - current range covering a persisted range (a merge): rejected, the
//     token cannot be mapped onto the merged partition;
//   - current range absent from the token: it completed before the token
//     was taken and spawns no producer.
func matchRanges(persisted []rangeState, current []routing.PartitionKeyRange) (map[string]rangeSeed, error) {
	seeds := make(map[string]rangeSeed, len(current))
	for _, cur := range current {
		span := cur.Span()
		matched := false
		for _, p := range persisted {
			pr := routing.Range{Min: p.Min, Max: p.Max}
			switch {
			case pr.ContainsRange(span):
				tok := ""
				if p.Token != nil {
					tok = *p.Token
				}
				seeds[cur.ID] = rangeSeed{token: tok, order: p.Order, resume: true}
				matched = true
			case span.ContainsRange(pr) && span != pr:
				return nil, qerr.InvalidContinuation(
					"range [%s,%s) from the token was merged into %s; the query cannot resume", p.Min, p.Max, cur.ID)
			case pr.Overlaps(span):
				return nil, qerr.InvalidContinuation(
					"range [%s,%s) from the token straddles %s", p.Min, p.Max, cur.ID)
			}
			if matched {
				break
			}
		}
		if !matched {
			seeds[cur.ID] = rangeSeed{resume: false}
		}
	}
	return seeds, nil
}
