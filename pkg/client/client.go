// Package client is the public surface of the MeridianDB Go client: it
// plans SQL queries against a partitioned collection and executes them as
// resumable cross-partition feeds.
package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridiandb/meridian-go/internal/config"
	qerr "github.com/meridiandb/meridian-go/internal/errors"
	"github.com/meridiandb/meridian-go/internal/logger"
	"github.com/meridiandb/meridian-go/internal/metrics"
	"github.com/meridiandb/meridian-go/internal/query"
	"github.com/meridiandb/meridian-go/internal/routing"
)

// Aliases for the query types callers hold.
type (
	SQLQuery     = query.SQLQuery
	Parameter    = query.Parameter
	FeedOptions  = query.FeedOptions
	FeedResponse = query.FeedResponse
)

// Options configures a Client. Executor and Routing are required; the rest
// default sensibly.
type Options struct {
	// Executor issues single-partition page requests (the transport).
	Executor query.RequestExecutor

	// Routing resolves partition key ranges. It is wrapped in the routing
	// cache unless it already is one.
	Routing routing.Provider

	// Planner shapes queries for cross-partition execution; defaults to the
	// built-in SQL planner.
	Planner query.Planner

	Config *config.Config
	Logger *slog.Logger
}

// Client executes queries against a MeridianDB account.
type Client struct {
	executor query.RequestExecutor
	routing  routing.Provider
	planner  query.Planner
	retry    qerr.RetryPolicyFactory
	cfg      *config.Config
	log      *slog.Logger
}

// New builds a Client from opts.
func New(opts Options) (*Client, error) {
	if opts.Executor == nil {
		return nil, errors.New("client: Executor is required")
	}
	if opts.Routing == nil {
		return nil, errors.New("client: Routing is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, nil)
	}
	planner := opts.Planner
	if planner == nil {
		planner = query.NewSQLPlanner()
	}
	rt := opts.Routing
	if _, cached := rt.(*routing.CachingProvider); !cached {
		var err error
		rt, err = routing.NewCachingProvider(rt, cfg.Query.RoutingCacheSize, log)
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		executor: opts.Executor,
		routing:  rt,
		planner:  planner,
		retry: qerr.NewControllerFactory(qerr.ControllerOptions{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		}),
		cfg: cfg,
		log: log,
	}, nil
}

// Feed is one executing query, consumed page by page. Each page carries the
// continuation that resumes the query after the feed is dropped.
type Feed struct {
	pipe     *query.Pipeline
	activity string
	started  time.Time
	settled  bool
}

// ExecuteQuery plans q and starts its execution. The returned feed must be
// drained or closed.
func (c *Client) ExecuteQuery(ctx context.Context, collectionRID string, q SQLQuery, opts *FeedOptions) (*Feed, error) {
	if opts == nil {
		opts = &FeedOptions{}
	}
	activity := uuid.NewString()
	log := c.log.With("activity", activity, "collection", collectionRID)

	info, err := c.planner.Plan(ctx, collectionRID, q)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	pipe, err := query.NewPipeline(ctx, collectionRID, q, info, query.Options{
		Executor:     c.executor,
		Routing:      c.routing,
		RetryFactory: c.retry,
		Config:       c.cfg.Query,
		Logger:       log,
		ActivityID:   activity,
		Feed:         *opts,
	})
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	return &Feed{pipe: pipe, activity: activity, started: time.Now()}, nil
}

// ActivityID identifies this execution in logs and responses.
func (f *Feed) ActivityID() string { return f.activity }

// Next returns the next feed page. io.EOF signals a cleanly drained feed;
// the page before it carries an empty Continuation.
func (f *Feed) Next(ctx context.Context) (*FeedResponse, error) {
	resp, err := f.pipe.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			f.settle("ok")
		} else {
			f.settle("error")
		}
		return nil, err
	}
	return resp, nil
}

// ReadAll drains the feed and returns every page.
func (f *Feed) ReadAll(ctx context.Context) ([]*FeedResponse, error) {
	var pages []*FeedResponse
	for {
		resp, err := f.Next(ctx)
		if errors.Is(err, io.EOF) {
			return pages, nil
		}
		if err != nil {
			return pages, err
		}
		pages = append(pages, resp)
	}
}

// Close releases the feed's producers. Safe after EOF and safe to call
// twice.
func (f *Feed) Close() error {
	f.settle("closed")
	return f.pipe.Close()
}

func (f *Feed) settle(status string) {
	if f.settled {
		return
	}
	f.settled = true
	metrics.QueriesTotal.WithLabelValues(status).Inc()
	metrics.QueryDuration.Observe(time.Since(f.started).Seconds())
	_ = f.pipe.Close()
}
