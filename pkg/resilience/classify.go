package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	"gorm.io/gorm"

	errorsx "github.com/instill-ai/x/errors"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

// ErrorKind drives the retry decision for an error.
type ErrorKind int

const (
	// NotRetryable errors are surfaced immediately.
	NotRetryable ErrorKind = iota
	// Transient errors are retried with backoff.
	Transient
	// Cancelled aborts the remaining work without being a failure.
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Cancelled:
		return "cancelled"
	default:
		return "not_retryable"
	}
}

// Classifier maps an error to its ErrorKind.
type Classifier func(error) ErrorKind

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"closed the connection",
	"connection has been closed",
	"connection already closed",
	"terminating connection",
	"bad connection",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"too many clients",
	"deadlock detected",
	"unexpected eof",
}

// DefaultClassifier treats cancellation as Cancelled, connection and timeout
// errors as Transient, and everything else, including not found and invalid
// argument errors, as NotRetryable.
func DefaultClassifier(err error) ErrorKind {
	switch {
	case err == nil:
		return NotRetryable
	case errors.Is(err, context.Canceled), errors.Is(err, errdomain.ErrStopExecution):
		return Cancelled
	case errors.Is(err, errdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, errdomain.ErrInvalidArgument),
		errors.Is(err, errdomain.ErrInvalidTransition),
		errors.Is(err, errdomain.ErrCircuitOpen):
		return NotRetryable
	case errors.Is(err, errdomain.ErrStaleConnection),
		errors.Is(err, context.DeadlineExceeded):
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return Transient
		}
	}

	return NotRetryable
}

// Truncate bounds an error message to n characters for persistence.
func Truncate(err error, n int) string {
	if err == nil {
		return ""
	}
	msg := errorsx.MessageOrErr(err)
	if n <= 0 || len([]rune(msg)) <= n {
		return msg
	}
	return string([]rune(msg)[:n])
}
