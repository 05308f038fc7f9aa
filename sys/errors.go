package sys

import "errors"

var (
	// ErrDuplicateService is returned when a name is registered twice on a bus.
	ErrDuplicateService = errors.New("service already registered")

	// ErrUnknownService is returned when a message targets a name that is
	// not registered, or when its mailbox refused the message.
	ErrUnknownService = errors.New("unknown service or mailbox full")

	// ErrTimeout is returned by synchronous calls whose response did not
	// arrive in time.
	ErrTimeout = errors.New("response timeout")

	// ErrServiceClosed is returned when a destroyed service is asked to
	// send or run.
	ErrServiceClosed = errors.New("service closed")

	// ErrAlreadyRunning is returned when a service is started twice.
	ErrAlreadyRunning = errors.New("service already running")

	// ErrUnexpectedResponse is returned by Call when the response payload
	// does not have the requested type.
	ErrUnexpectedResponse = errors.New("unexpected response payload")

	// ErrRequestFailed wraps a response whose code is not ReturnSuccess.
	ErrRequestFailed = errors.New("request failed")

	// ErrMissingDependency is returned by Boot when a manifest depends on
	// a service nobody defined.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrDependencyCycle is returned by Boot when manifests depend on each
	// other in a loop.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrDependencyFailed marks services skipped because a dependency did
	// not start.
	ErrDependencyFailed = errors.New("dependency failed to start")

	// ErrInitFailed is returned when a service's InitHandler failed.
	ErrInitFailed = errors.New("service init failed")

	// ErrPowerModeRejected is returned when a service refused a power mode.
	ErrPowerModeRejected = errors.New("power mode rejected")
)
