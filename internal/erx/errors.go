package erx

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork  = errors.New("pharmacy network unavailable")
	ErrRejected = errors.New("pharmacy network rejected the request")
)

// NetworkError is a transport-level fault: timeout, connection failure, 5xx, 429 or an open
// circuit. It is returned only after the retry budget is spent.
type NetworkError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Retryable  bool
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("erx %s: network error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("erx %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// RejectedError is an explicit refusal by the network. Never retried.
type RejectedError struct {
	Op         string
	StatusCode int
	Code       string
	Reason     string
	RawPayload []byte
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("erx %s: rejected (%s): %s", e.Op, e.Code, e.Reason)
	}
	return fmt.Sprintf("erx %s: rejected: %s", e.Op, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// IsRetryable reports whether err is a transient network fault.
func IsRetryable(err error) bool {
	var nErr *NetworkError
	return errors.As(err, &nErr) && nErr.Retryable
}
