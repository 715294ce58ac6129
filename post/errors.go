package post

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind partitions publish failures into the three classes the dispatch
// loop acts on. Adapters must classify every failure before returning it.
type ErrorKind int

const (
	// KindTransient indicates a failure worth retrying with backoff.
	KindTransient ErrorKind = iota
	// KindPermanent indicates a failure that will not succeed on retry.
	KindPermanent
	// KindRateLimit indicates destination backpressure. It never consumes
	// an attempt; the item is deferred until the window resets.
	KindRateLimit
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// RateLimitError reports destination backpressure and when to try again.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientError wraps a retryable failure.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that must not be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps err as non-retryable.
func Permanent(err error) error { return &PermanentError{Err: err} }

// KindOf maps an adapter error to its kind. Unclassified errors are treated
// as transient so a flaky adapter cannot burn items to failed prematurely.
func KindOf(err error) ErrorKind {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimit
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return KindPermanent
	}
	return KindTransient
}

// ClassifyStatus maps an HTTP response status from a destination into a
// classified error. retryAfter applies to 429 responses; when the
// destination supplies no reset hint the caller passes zero and the retry
// policy default is used downstream.
func ClassifyStatus(status int, retryAfter time.Duration) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter}
	case status >= 500:
		return Transient(fmt.Errorf("destination returned %d", status))
	case status >= 400:
		return Permanent(fmt.Errorf("destination rejected request with %d", status))
	default:
		return nil
	}
}

// ClassifyTransport classifies a raw transport error. Network-level
// failures are always transient; anything unrecognized is transient too,
// matching KindOf's default.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	permanentPatterns := []string{
		"unsupported protocol scheme",
		"invalid url",
		"malformed",
	}
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return Permanent(err)
		}
	}
	return Transient(err)
}

// InvalidScheduleError rejects a schedule request synchronously; no item is
// created when it is returned.
type InvalidScheduleError struct{ Reason string }

func (e *InvalidScheduleError) Error() string { return "invalid schedule: " + e.Reason }

// Store sentinels.
var (
	// ErrNotFound reports an unknown post id.
	ErrNotFound = errors.New("post not found")
	// ErrConflict reports a conditional status update that matched no row,
	// i.e. the item was not in the required state.
	ErrConflict = errors.New("post not in required state")
)
