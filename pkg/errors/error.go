// package errors contains domain errors that different layers can use to add
// meaning to an error and that the resilience layer can transform into a
// retry decision. This is implemented as a separate package in order to avoid
// cycle import errors.
package errors

import (
	"fmt"

	errorsx "github.com/instill-ai/x/errors"
)

// The following errors serve as domain errors that can be used by the
// different layers.
var (
	// ErrInvalidArgument is used when the provided argument is incorrect (e.g.
	// format, reserved).
	ErrInvalidArgument = errorsx.ErrInvalidArgument
	// ErrNotFound is used when a resource doesn't exist.
	ErrNotFound = errorsx.ErrNotFound
	// ErrInvalidTransition is used when a status update would move an
	// execution or file execution out of a terminal status, or backwards.
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
	// ErrStopExecution is raised when the whole execution has been cancelled
	// externally. It is not a failure and aborts the remaining work of a
	// batch.
	ErrStopExecution = errorsx.AddMessage(fmt.Errorf("execution stopped"), "Execution was stopped.")
	// ErrCircuitOpen is returned without invoking the operation while its
	// circuit breaker is open.
	ErrCircuitOpen = fmt.Errorf("circuit breaker open")
	// ErrStaleConnection marks a database error raised on a poisoned pooled
	// connection.
	ErrStaleConnection = fmt.Errorf("stale database connection")
)
