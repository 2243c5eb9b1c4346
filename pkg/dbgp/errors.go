package dbgp

import (
	"errors"
	"fmt"
)

// Sentinel errors for link-level failures.
var (
	// ErrNoAvailablePort means every port in the configured range was taken.
	ErrNoAvailablePort = errors.New("no available port in configured range")
	// ErrNotConnected means no debuggee connection exists (or it closed).
	ErrNotConnected = errors.New("debuggee not connected")
	// ErrTimeout means an awaitable ran out of time. The underlying command
	// stays pending until a matching response arrives or the link closes.
	ErrTimeout = errors.New("operation timed out")
)

// CodePropertyNotFound is the DBGp error code for a missing property; the
// link converts it to a nil result instead of an error.
const CodePropertyNotFound = 300

// DBGpError is a protocol-level error reported by the debuggee inside a
// <response><error> element.
type DBGpError struct {
	Code    int
	Message string
}

func (e *DBGpError) Error() string {
	return fmt.Sprintf("DBGp error %d: %s", e.Code, e.Message)
}

// IsPropertyNotFound reports whether err is DBGp error 300.
func IsPropertyNotFound(err error) bool {
	var de *DBGpError
	return errors.As(err, &de) && de.Code == CodePropertyNotFound
}
