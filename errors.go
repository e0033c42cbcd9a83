package m2m

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNotOpen is returned when an operation needs an open device.
	ErrNotOpen = errors.New("m2m: device not open")

	// ErrNoSupportedFormat is returned by Open when the device reports no
	// usable format on either queue, or when a requested format is unknown.
	ErrNoSupportedFormat = errors.New("m2m: no supported format")

	// ErrNotNegotiated is returned by Submit before SetFormat succeeded.
	ErrNotNegotiated = errors.New("m2m: format not negotiated")

	// ErrPoolExhausted is fatal: a pool could not be allocated, or a resize
	// was attempted while buffers were still outstanding.
	ErrPoolExhausted = errors.New("m2m: buffer pool exhausted")

	// ErrDeviceIO is fatal: the device failed a control or queue operation.
	ErrDeviceIO = errors.New("m2m: device I/O error")

	// ErrCorruptedCompletion marks a completion the hardware flagged as
	// partial or garbage. It is retried internally.
	ErrCorruptedCompletion = errors.New("m2m: corrupted completion")

	// ErrFlushing is returned from blocking waits that were unblocked.
	// It is not a failure.
	ErrFlushing = errors.New("m2m: flushing")

	// ErrStartTaskFailed is returned when the processing task cannot start.
	ErrStartTaskFailed = errors.New("m2m: failed to start processing task")

	// ErrFrameTooLarge is returned by Submit when an access unit does not
	// fit in an input buffer. The frame is left with the caller.
	ErrFrameTooLarge = errors.New("m2m: frame larger than input buffer")

	// ErrInvalidConfig is returned for configurations that cannot work.
	ErrInvalidConfig = errors.New("m2m: invalid configuration")

	ErrQueueFull           = errors.New("m2m: queue full")
	ErrNotStreaming        = errors.New("m2m: queue not streaming")
	ErrCommandNotSupported = errors.New("m2m: command not supported")
	ErrClosed              = errors.New("m2m: pump closed")
	ErrPumpFailed          = errors.New("m2m: pump in error state")

	// ErrSourceChange is reported by a device when the stream geometry
	// changed and the output side must be renegotiated.
	ErrSourceChange = errors.New("m2m: source change")

	// ErrEndOfStream is reported by a device whose output queue has
	// already returned its last buffer.
	ErrEndOfStream = errors.New("m2m: end of stream")
)

// DeviceError wraps a failed device syscall.
type DeviceError struct {
	Op    string
	Errno syscall.Errno
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("m2m: %s: %v", e.Op, e.Errno)
}

// Unwrap lets errors.Is match both ErrDeviceIO and the errno.
func (e *DeviceError) Unwrap() []error {
	return []error{ErrDeviceIO, e.Errno}
}

// IsFatal reports whether err leaves the pump in the error state.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrFlushing), errors.Is(err, ErrCorruptedCompletion):
		return false
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrDeviceIO),
		errors.Is(err, ErrStartTaskFailed), errors.Is(err, ErrPumpFailed):
		return true
	default:
		return false
	}
}
