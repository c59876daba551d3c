package llm

import (
	"context"
	"errors"
	"strings"
)

// Failure taxonomy for the model provider. Unavailable covers outages and
// timeouts and may be retried before any chunk has been relayed; Rejected is
// a definitive provider refusal and is never retried.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamRejected    = errors.New("upstream rejected request")
	ErrStreamTimeout       = errors.New("stream chunk timeout")
)

var rejectionMarkers = []string{
	"status code: 400",
	"status code: 401",
	"status code: 403",
	"status code: 404",
	"status code: 413",
	"status code: 422",
	"invalid_request",
	"invalid request",
	"content_filter",
	"content filter",
	"policy violation",
	"context length",
	"maximum context",
	"api key",
	"unauthorized",
	"permission denied",
}

// classify maps a provider error onto the taxonomy. Caller cancellation is
// passed through untouched so disconnects are not mistaken for outages.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return errWrap(ErrStreamTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return errWrap(ErrUpstreamRejected, err)
		}
	}
	return errWrap(ErrUpstreamUnavailable, err)
}

func errWrap(sentinel, cause error) error {
	return &classifiedError{sentinel: sentinel, cause: cause}
}

type classifiedError struct {
	sentinel error
	cause    error
}

func (e *classifiedError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *classifiedError) Is(target error) bool {
	if target == e.sentinel {
		return true
	}
	// A stalled stream counts as unavailability for retry decisions.
	return e.sentinel == ErrStreamTimeout && target == ErrUpstreamUnavailable
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}
