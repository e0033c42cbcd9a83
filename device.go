package m2m

import (
	"context"
	"time"
)

// Command is a device-level stream command.
type Command int

const (
	CommandStart Command = iota // Resume after a stop
	CommandStop                 // Flush to completion, then mark the last buffer
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Device is the control surface of a memory-to-memory codec.
//
// WaitBuffer must return promptly with ctx.Err() once ctx is cancelled,
// whether or not the hardware makes progress. SubmitBuffer and WaitBuffer
// may be called concurrently from different goroutines.
type Device interface {
	// ProbeFormats lists the formats a queue supports.
	ProbeFormats(dir Direction) ([]FormatDescriptor, error)

	// Configure applies fd to a queue and returns what the device chose,
	// which may differ in size or alignment.
	Configure(dir Direction, fd FormatDescriptor) (FormatDescriptor, error)

	// RequestBuffers allocates count buffers for a queue. A count of zero
	// frees them. The device may return more than requested.
	RequestBuffers(dir Direction, count int) ([]*DeviceBuffer, error)

	QueueStart(dir Direction) error
	QueueStop(dir Direction) error

	// SubmitBuffer hands a buffer to the device. A zero BytesUsed on the
	// input queue is an end-of-stream sentinel.
	SubmitBuffer(dir Direction, buf *DeviceBuffer) error

	// WaitBuffer blocks until the device returns a buffer on dir.
	WaitBuffer(ctx context.Context, dir Direction) (*DeviceBuffer, error)

	// SendCommand issues a stream command. Devices without command
	// support return ErrCommandNotSupported.
	SendCommand(cmd Command, flags uint32) error

	Close() error
}

// SourceChangeDevice is implemented by devices that report geometry
// changes on the output queue. WaitBuffer returns ErrSourceChange and
// CurrentFormat reports the new geometry.
type SourceChangeDevice interface {
	CurrentFormat(dir Direction) (FormatDescriptor, error)
}

// BufferOwner tracks who holds a DeviceBuffer.
type BufferOwner int32

const (
	OwnerPool   BufferOwner = iota // Free in its pool
	OwnerDevice                    // Queued to the hardware
	OwnerCaller                    // Held by the pump or a consumer
)

func (o BufferOwner) String() string {
	switch o {
	case OwnerPool:
		return "pool"
	case OwnerDevice:
		return "device"
	case OwnerCaller:
		return "caller"
	default:
		return "unknown"
	}
}

// BufferFlags carries per-completion status bits.
type BufferFlags uint32

const (
	BufferFlagKeyframe  BufferFlags = 1 << iota // Output is a keyframe
	BufferFlagCorrupted                         // Hardware reported partial output
	BufferFlagLast                              // Last buffer before the stop completes
)

// Has reports whether all bits in mask are set.
func (f BufferFlags) Has(mask BufferFlags) bool { return f&mask == mask }

// DeviceBuffer is a hardware-addressable memory region of one queue.
type DeviceBuffer struct {
	Index     int
	Direction Direction
	BytesUsed int
	Flags     BufferFlags
	Timestamp time.Duration
	Meta      *MotionVectorMeta

	mem   []byte
	owner BufferOwner // guarded by the pool's lock
}

// NewDeviceBuffer wraps mem for a device implementation.
func NewDeviceBuffer(dir Direction, index int, mem []byte) *DeviceBuffer {
	return &DeviceBuffer{Index: index, Direction: dir, mem: mem}
}

// Capacity returns the buffer size in bytes.
func (b *DeviceBuffer) Capacity() int { return len(b.mem) }

// Mem returns the whole mapped region.
func (b *DeviceBuffer) Mem() []byte { return b.mem }

// Bytes returns the occupied part of the buffer.
func (b *DeviceBuffer) Bytes() []byte {
	n := min(max(b.BytesUsed, 0), len(b.mem))
	return b.mem[:n]
}

// Fill copies p into the buffer and sets BytesUsed. It returns false if p
// does not fit.
func (b *DeviceBuffer) Fill(p []byte) bool {
	if len(p) > len(b.mem) {
		return false
	}
	b.BytesUsed = copy(b.mem, p)
	return true
}

func (b *DeviceBuffer) reset() {
	b.BytesUsed = 0
	b.Flags = 0
	b.Timestamp = 0
	b.Meta = nil
}
