package errors

import (
	"context"
	"errors"
	"time"
)

// Classifier maps backend responses and transport failures onto the taxonomy.
type Classifier struct{}

// NewClassifier creates a new classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// FromStatus converts a backend status/sub-status pair into a *QueryError.
func (c *Classifier) FromStatus(statusCode, subStatus int, rangeID, msg string) *QueryError {
	switch {
	case statusCode == StatusGone &&
		(subStatus == SubStatusPartitionKeyRangeGone || subStatus == SubStatusCompletingSplit):
		return Gone(rangeID)
	case statusCode == StatusTooManyRequests:
		return Throttled(rangeID, 0)
	case statusCode == StatusRequestTimeout:
		return TimedOut(rangeID, nil)
	case statusCode >= 500:
		qe := Backend(statusCode, msg)
		qe.RangeID = rangeID
		return qe
	case statusCode >= 400:
		qe := BadRequest("%s", msg)
		qe.StatusCode = statusCode
		qe.RangeID = rangeID
		return qe
	default:
		return &QueryError{Kind: KindUnknown, StatusCode: statusCode, RangeID: rangeID, Msg: msg}
	}
}

// Classify normalizes an arbitrary error into the taxonomy. Context errors
// become KindCancelled / KindTimedOut; *QueryError passes through.
func (c *Classifier) Classify(err error, rangeID string) *QueryError {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled(err)
	case errors.Is(err, context.DeadlineExceeded):
		return TimedOut(rangeID, err)
	default:
		return &QueryError{Kind: KindUnknown, RangeID: rangeID, Cause: err}
	}
}

// ShouldRetry reports whether a kind is retryable at all. Queries are reads:
// the read path retries throttling and timeouts, nothing else. A partition
// gone failure is not retried here; it is consumed by split handling.
func (c *Classifier) ShouldRetry(k Kind) bool {
	return k == KindThrottled || k == KindTimedOut
}

// RetryAfterHint extracts the server backoff hint, zero when absent.
func RetryAfterHint(err error) time.Duration {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.RetryAfter
	}
	return 0
}
