package query

import (
	"context"
	"io"
)

// topComponent truncates the feed after the first n items and tears the
// source down once satisfied, so producers stop fetching pages nobody will
// read.
type topComponent struct {
	source    component
	remaining int
	done      bool
}

func newTopComponent(source component, n int) *topComponent {
	return &topComponent{source: source, remaining: n}
}

func (t *topComponent) Next(ctx context.Context) (*FeedResponse, error) {
	if t.done {
		return nil, io.EOF
	}
	if t.remaining <= 0 {
		t.done = true
		_ = t.source.Close()
		return &FeedResponse{}, nil
	}
	resp, err := t.source.Next(ctx)
	if err != nil {
		return nil, err
	}
	if len(resp.Items) > t.remaining {
		resp.Items = resp.Items[:t.remaining]
	}
	t.remaining -= len(resp.Items)
	if t.remaining == 0 {
		t.done = true
		resp.cont = nil
		_ = t.source.Close()
	} else if resp.cont != nil {
		r := t.remaining
		resp.cont.outerRef().TopRemaining = &r
	}
	return resp, nil
}

func (t *topComponent) Close() error {
	t.done = true
	return t.source.Close()
}
