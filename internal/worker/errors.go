package worker

import (
	"errors"
	"fmt"
)

// Dispatch failure classes. Every error returned by Pool.Dispatch and
// Client.Execute matches exactly one of these with errors.Is.
var (
	// ErrNoCapacity is returned when no Up worker has room in its queue.
	ErrNoCapacity = errors.New("no worker capacity available")

	// ErrConnectFailure is returned when the worker could not be reached.
	ErrConnectFailure = errors.New("worker connect failure")

	// ErrExecutionTimeout is returned when the worker accepted the
	// connection but did not answer within the execution timeout.
	ErrExecutionTimeout = errors.New("worker execution timeout")

	// ErrRemote is returned when the worker answered with an error status,
	// an undecodable body or refused the task.
	ErrRemote = errors.New("worker remote error")

	// ErrInvalidNode is returned for a heartbeat that fails validation.
	ErrInvalidNode = errors.New("invalid worker report")
)

// DispatchError records the worker a failed dispatch was sent to.
type DispatchError struct {
	Host string
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s: %v", e.Host, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// HostOf returns the worker recorded in err, if any.
func HostOf(err error) string {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Host
	}
	return ""
}
