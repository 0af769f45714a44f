// Package errors defines the query error taxonomy for the MeridianDB client.
//
// Failures surface as *QueryError values carrying a Kind from the taxonomy
// plus the backend status and sub-status codes that produced them. Producers
// and pipeline components branch on Kind, never on raw status codes.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the query error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPartitionGone: the target range was split away (410 + range-gone).
	// Consumed internally by split handling; never user-visible on success.
	KindPartitionGone
	// KindInvalidContinuation: unparsable token, future version, or a merged
	// range detected on resume. Fatal.
	KindInvalidContinuation
	// KindThrottled: 429, request-rate-too-large. Retried with backoff.
	KindThrottled
	// KindTimedOut: transport-level timeout. Retried.
	KindTimedOut
	// KindCancelled: the caller's context was cancelled.
	KindCancelled
	// KindPlanRejected: the plan asks for an unsupported composition. Fatal.
	KindPlanRejected
	// KindBackend: 5xx after retries. Fatal.
	KindBackend
	// KindBadRequest: any other 4xx. Fatal.
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindPartitionGone:
		return "partition_gone"
	case KindInvalidContinuation:
		return "invalid_continuation"
	case KindThrottled:
		return "throttled"
	case KindTimedOut:
		return "timed_out"
	case KindCancelled:
		return "cancelled"
	case KindPlanRejected:
		return "plan_rejected"
	case KindBackend:
		return "backend"
	case KindBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// Backend status codes the client interprets.
const (
	StatusBadRequest      = 400
	StatusRequestTimeout  = 408
	StatusGone            = 410
	StatusTooManyRequests = 429
	StatusInternalError   = 500
	StatusServiceBusy     = 503
)

// Backend sub-status codes (carried on 410 responses).
const (
	SubStatusPartitionKeyRangeGone = 1002
	SubStatusCompletingSplit       = 1007
)

// QueryError is the failure type flowing through the query pipeline.
type QueryError struct {
	Kind       Kind
	StatusCode int
	SubStatus  int
	RangeID    string        // range whose request failed, if per-range
	RetryAfter time.Duration // server backoff hint, throttling only
	ActivityID string
	Msg        string
	Cause      error
}

func (e *QueryError) Error() string {
	s := fmt.Sprintf("meridian: %s", e.Kind)
	if e.StatusCode != 0 {
		s += fmt.Sprintf(" (status=%d", e.StatusCode)
		if e.SubStatus != 0 {
			s += fmt.Sprintf(", substatus=%d", e.SubStatus)
		}
		s += ")"
	}
	if e.RangeID != "" {
		s += fmt.Sprintf(" range=%s", e.RangeID)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *QueryError) Unwrap() error { return e.Cause }

// Is matches on Kind when the target is a *QueryError with only a Kind set,
// so callers can write errors.Is(err, &QueryError{Kind: KindThrottled}).
func (e *QueryError) Is(target error) bool {
	t, ok := target.(*QueryError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the taxonomy kind, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindUnknown
}

// IsGone reports whether err is a partition range gone failure.
func IsGone(err error) bool { return KindOf(err) == KindPartitionGone }

// Gone builds the 410/range-gone failure for a target range.
func Gone(rangeID string) *QueryError {
	return &QueryError{
		Kind:       KindPartitionGone,
		StatusCode: StatusGone,
		SubStatus:  SubStatusPartitionKeyRangeGone,
		RangeID:    rangeID,
	}
}

// Throttled builds a 429 failure carrying the server's backoff hint.
func Throttled(rangeID string, retryAfter time.Duration) *QueryError {
	return &QueryError{
		Kind:       KindThrottled,
		StatusCode: StatusTooManyRequests,
		RangeID:    rangeID,
		RetryAfter: retryAfter,
	}
}

// TimedOut wraps a transport timeout as a per-range retryable failure.
func TimedOut(rangeID string, cause error) *QueryError {
	return &QueryError{
		Kind:       KindTimedOut,
		StatusCode: StatusRequestTimeout,
		RangeID:    rangeID,
		Cause:      cause,
	}
}

// Cancelled wraps a context cancellation.
func Cancelled(cause error) *QueryError {
	return &QueryError{Kind: KindCancelled, Cause: cause}
}

// InvalidContinuation builds the fatal resume failure.
func InvalidContinuation(format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: KindInvalidContinuation, Msg: fmt.Sprintf(format, args...)}
}

// PlanRejected builds the fatal planner-boundary failure.
func PlanRejected(format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: KindPlanRejected, StatusCode: StatusBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// Backend builds a fatal 5xx failure.
func Backend(statusCode int, msg string) *QueryError {
	return &QueryError{Kind: KindBackend, StatusCode: statusCode, Msg: msg}
}

// BadRequest builds a fatal 4xx failure.
func BadRequest(format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: KindBadRequest, StatusCode: StatusBadRequest, Msg: fmt.Sprintf(format, args...)}
}
