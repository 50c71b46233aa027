// Package errdefs defines the error taxonomy shared across kernelbridge.
//
// Infrastructure failures (connecting to a target, launching a backend,
// provisioning software) carry typed errors so callers can distinguish them
// from ordinary failed executions, which travel back as normal error replies
// on the wire.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError reports an auth or network failure reaching a target.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("connection failed: %v", e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// LaunchError reports a backend that failed to start or emitted a malformed
// bootstrap object. Output holds whatever the process printed before dying.
type LaunchError struct {
	Output string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("backend launch failed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("backend launch failed: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ProvisionError reports a failed external provisioning workflow.
type ProvisionError struct {
	Workflow string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning workflow %q failed: %v", e.Workflow, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// TimeoutError reports a bounded wait that exceeded its limit.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %s", e.Op, e.After)
}

// ProtocolError reports a malformed or unverifiable relay message.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// NotFoundError reports an unknown binding name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no binding named %q", e.Name)
}

// CapabilityError reports an operation the binding's backend does not
// support, e.g. upload on a backend without file transfer.
type CapabilityError struct {
	Capability string
	Backend    string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s is not supported for %s backends", e.Capability, e.Backend)
}

func IsConnection(err error) bool { var t *ConnectionError; return errors.As(err, &t) }
func IsLaunch(err error) bool     { var t *LaunchError; return errors.As(err, &t) }
func IsProvision(err error) bool  { var t *ProvisionError; return errors.As(err, &t) }
func IsTimeout(err error) bool    { var t *TimeoutError; return errors.As(err, &t) }
func IsProtocol(err error) bool   { var t *ProtocolError; return errors.As(err, &t) }
func IsNotFound(err error) bool   { var t *NotFoundError; return errors.As(err, &t) }
func IsCapability(err error) bool { var t *CapabilityError; return errors.As(err, &t) }
