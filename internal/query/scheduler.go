package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"
)

const schedulerReleaseTimeout = 3 * time.Second

// fetchScheduler bounds the number of producers with a concurrent
// outstanding fetch. Submission blocks while all workers are busy; workers
// run fetches that observe the query context, so a cancelled query drains
// the pool promptly.
type fetchScheduler struct {
	pool *ants.Pool
	log  *slog.Logger
}

func newFetchScheduler(parallelism int, workerExpiry time.Duration, log *slog.Logger) (*fetchScheduler, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	opts := []ants.Option{
		ants.WithPanicHandler(func(v any) {
			log.Error("query fetch panic", "panic", v)
		}),
	}
	if workerExpiry > 0 {
		opts = append(opts, ants.WithExpiryDuration(workerExpiry))
	}
	pool, err := ants.NewPool(parallelism, opts...)
	if err != nil {
		return nil, err
	}
	return &fetchScheduler{pool: pool, log: log}, nil
}

// do runs fn on a pool worker and waits for it to finish. When ctx is
// cancelled the wait returns immediately; the in-flight fn observes the
// same cancellation through its own context and winds down on its own.
func (s *fetchScheduler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.pool.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fetchScheduler) release() {
	_ = s.pool.ReleaseTimeout(schedulerReleaseTimeout)
}
