package device

import "errors"

var (
	// ErrNoBackend is returned when no compute backend is registered.
	ErrNoBackend = errors.New("device: no backend registered")

	// ErrNoDevice is returned when a device index is out of range or the
	// roster is empty.
	ErrNoDevice = errors.New("device: no such device")

	// ErrLengthMismatch is returned when a host slice does not cover the
	// requested buffer range.
	ErrLengthMismatch = errors.New("device: length mismatch")

	// ErrOutOfRange is returned for buffer sub-views that exceed the
	// parent buffer extent.
	ErrOutOfRange = errors.New("device: slice out of range")

	// ErrClosed is returned for operations on a released buffer or
	// context.
	ErrClosed = errors.New("device: closed")
)
