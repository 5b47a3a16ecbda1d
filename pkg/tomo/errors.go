package tomo

import (
	"errors"
	"fmt"

	"ctrecon/pkg/device"
	"ctrecon/pkg/engine"
	"ctrecon/pkg/plan"
)

// Every error returned by a Session wraps exactly one of these
// sentinels, so callers can sort failures with errors.Is without
// parsing messages.
var (
	// ErrConfiguration is returned for rejected parameter values and
	// buffer lengths that do not match the configured extents.
	ErrConfiguration = errors.New("tomo: invalid configuration")

	// ErrState is returned when an operation requires configuration
	// that has not been set yet.
	ErrState = errors.New("tomo: required configuration not set")

	// ErrResource is returned when no usable device exists or the
	// smallest possible chunk exceeds every device budget.
	ErrResource = errors.New("tomo: insufficient device resources")

	// ErrTransfer is returned when a host/device copy fails.
	ErrTransfer = errors.New("tomo: data transfer failed")

	// ErrKernel is returned when a kernel invocation fails.
	ErrKernel = errors.New("tomo: kernel execution failed")
)

// classify maps engine and planner errors onto the session taxonomy.
// Context cancellation passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, plan.ErrBudget),
		errors.Is(err, device.ErrNoDevice),
		errors.Is(err, device.ErrNoBackend):
		return fmt.Errorf("%w: %v", ErrResource, err)
	case errors.Is(err, engine.ErrTransfer):
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	case errors.Is(err, engine.ErrKernel):
		return fmt.Errorf("%w: %v", ErrKernel, err)
	case errors.Is(err, engine.ErrBufferSize):
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	case errors.Is(err, engine.ErrBusy):
		return fmt.Errorf("%w: %v", ErrState, err)
	}
	return err
}

func configErr(err error) error {
	return fmt.Errorf("%w: %v", ErrConfiguration, err)
}
