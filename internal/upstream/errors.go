package upstream

import "fmt"

// TransportError indicates the upstream endpoint could not be reached or
// timed out before a response arrived. Retryable by the caller.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable marks transport failures as safe to retry.
func (e *TransportError) Retryable() bool { return true }

// ProtocolError indicates the upstream endpoint rejected the request with
// a non-success status. Treated like a transport failure for retry
// purposes: rejections are frequently transient (rate limits, overload).
type ProtocolError struct {
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// Retryable marks rejected requests as safe to retry.
func (e *ProtocolError) Retryable() bool { return true }
