package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks requests rejected before anything was provisioned.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProvisioning marks failures to bring up or drive the isolation unit.
	// It is the only failure a caller sees as an error once a request is valid.
	ErrProvisioning = errors.New("provisioning failed")
	// ErrServerStart marks a render whose static file server did not come up.
	ErrServerStart = errors.New("static server failed to start")
)

// ProvisioningError records which stage of bringing up a unit failed.
type ProvisioningError struct {
	Stage string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() []error {
	return []error{ErrProvisioning, e.Err}
}

func provisioning(stage string, err error) error {
	return &ProvisioningError{Stage: stage, Err: err}
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}
