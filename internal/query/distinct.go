package query

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	qerr "github.com/meridiandb/meridian-go/internal/errors"
)

// distinctComponent removes duplicate documents from the merged feed.
//
// Ordered mode rides on the sorted stream and collapses adjacent equals,
// keeping only the last fingerprint. Unordered mode keeps the full
// fingerprint set; the set is persisted in the continuation so a resumed
// query stays exact rather than approximately deduplicated.
type distinctComponent struct {
	source  component
	ordered bool

	seen    map[string]struct{}
	last    string
	hasLast bool

	pendingCharge  float64
	pendingMetrics map[string]Metrics
}

func newDistinctComponent(source component, typ DistinctType, seed []string) *distinctComponent {
	d := &distinctComponent{
		source:  source,
		ordered: typ == DistinctOrdered,
	}
	if d.ordered {
		if len(seed) > 0 {
			d.last = seed[len(seed)-1]
			d.hasLast = true
		}
		return d
	}
	d.seen = make(map[string]struct{}, len(seed))
	for _, fp := range seed {
		d.seen[fp] = struct{}{}
	}
	return d
}

func (d *distinctComponent) Next(ctx context.Context) (*FeedResponse, error) {
	for {
		resp, err := d.source.Next(ctx)
		if err != nil {
			return nil, err
		}
		kept := resp.Items[:0]
		for _, item := range resp.Items {
			fp, ferr := fingerprint(item)
			if ferr != nil {
				return nil, ferr
			}
			if d.duplicate(fp) {
				continue
			}
			d.record(fp)
			kept = append(kept, item)
		}
		resp.Items = kept
		if len(resp.Items) == 0 && resp.cont != nil {
			d.pendingCharge += resp.RequestCharge
			d.pendingMetrics = MergeMetrics(d.pendingMetrics, resp.Metrics)
			continue
		}
		resp.RequestCharge += d.pendingCharge
		resp.Metrics = MergeMetrics(resp.Metrics, d.pendingMetrics)
		d.pendingCharge = 0
		d.pendingMetrics = nil
		if resp.cont != nil {
			resp.cont.outerRef().DistinctState = d.state()
		}
		return resp, nil
	}
}

func (d *distinctComponent) duplicate(fp string) bool {
	if d.ordered {
		return d.hasLast && fp == d.last
	}
	_, dup := d.seen[fp]
	return dup
}

func (d *distinctComponent) record(fp string) {
	if d.ordered {
		d.last = fp
		d.hasLast = true
		return
	}
	d.seen[fp] = struct{}{}
}

func (d *distinctComponent) state() []string {
	if d.ordered {
		if !d.hasLast {
			return nil
		}
		return []string{d.last}
	}
	out := make([]string, 0, len(d.seen))
	for fp := range d.seen {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}

func (d *distinctComponent) Close() error { return d.source.Close() }

// fingerprint hashes a document's canonical form (object keys sorted at
// every level) with FNV-64a, so key order in the stored JSON never affects
// distinctness.
func fingerprint(raw json.RawMessage) (string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", qerr.Backend(qerr.StatusInternalError, "undecodable item in distinct: "+err.Error())
	}
	var sb strings.Builder
	writeCanonical(&sb, v)
	h := fnv.New64a()
	h.Write([]byte(sb.String()))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch x := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, x[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(x)
		sb.Write(b)
	}
}
