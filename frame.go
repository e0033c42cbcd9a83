// Core work-item types tracked through the pump.
package m2m

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// PTSUndefined marks a frame without a presentation timestamp.
// Such frames sort after every timestamped frame.
const PTSUndefined time.Duration = math.MinInt64

// FrameState is the completion state of a CodecFrame.
type FrameState int32

const (
	FrameStatePending   FrameState = iota // Created, not yet submitted
	FrameStateSubmitted                   // Payload queued to the device
	FrameStateDone                        // Output attached
	FrameStateDropped                     // Discarded by flush, skip or failure
)

func (s FrameState) String() string {
	switch s {
	case FrameStatePending:
		return "pending"
	case FrameStateSubmitted:
		return "submitted"
	case FrameStateDone:
		return "done"
	case FrameStateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // Reference P frame
	FrameTypeNonRef            // Disposable frame nothing else references
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	case FrameTypeNonRef:
		return "NonRef"
	default:
		return "Unknown"
	}
}

// CodecFrame is one access unit tracked end to end.
//
// Ownership moves to the pump on Submit and back to the caller when the
// frame is returned as done or dropped. Output is only valid until
// Release; call Detach to keep it longer.
type CodecFrame struct {
	PTS       time.Duration // PTSUndefined if unknown
	Duration  time.Duration
	FrameType FrameType
	Input     []byte

	// Filled in by the pump.
	Output   []byte
	Keyframe bool
	Meta     *MotionVectorMeta

	seq   uint64
	state atomic.Int32

	relMu   sync.Mutex
	buf     *DeviceBuffer
	release func(*DeviceBuffer)
}

// NewCodecFrame wraps one input access unit.
func NewCodecFrame(input []byte, pts time.Duration) *CodecFrame {
	return &CodecFrame{Input: input, PTS: pts}
}

// Seq returns the sequence number assigned at submission (0 before).
func (f *CodecFrame) Seq() uint64 { return f.seq }

// State returns the frame's completion state.
func (f *CodecFrame) State() FrameState { return FrameState(f.state.Load()) }

func (f *CodecFrame) setState(s FrameState) { f.state.Store(int32(s)) }

// HasPTS reports whether the frame carries a presentation timestamp.
func (f *CodecFrame) HasPTS() bool { return f.PTS != PTSUndefined }

// IsKeyframe reports whether the input was marked as a keyframe.
func (f *CodecFrame) IsKeyframe() bool { return f.FrameType == FrameTypeKey }

// attach binds a completed output buffer to the frame.
func (f *CodecFrame) attach(buf *DeviceBuffer, release func(*DeviceBuffer)) {
	f.relMu.Lock()
	f.buf = buf
	f.release = release
	f.relMu.Unlock()

	f.Output = buf.Bytes()
	f.Keyframe = buf.Flags.Has(BufferFlagKeyframe)
	f.Meta = buf.Meta
	f.setState(FrameStateDone)
}

// Release hands the output buffer back to the pump. It is safe to call
// more than once and on frames without a buffer.
func (f *CodecFrame) Release() {
	f.relMu.Lock()
	buf, release := f.buf, f.release
	f.buf, f.release = nil, nil
	f.relMu.Unlock()

	if buf != nil && release != nil {
		f.Output = nil
		f.Meta = nil
		release(buf)
	}
}

// Detach copies the output payload and side data into frame-owned memory
// and releases the device buffer.
func (f *CodecFrame) Detach() {
	f.relMu.Lock()
	held := f.buf != nil
	f.relMu.Unlock()
	if !held {
		return
	}
	out := make([]byte, len(f.Output))
	copy(out, f.Output)
	meta := f.Meta.Clone()
	f.Release()
	f.Output = out
	f.Meta = meta
}

// Clone returns a deep copy detached from any device buffer.
func (f *CodecFrame) Clone() *CodecFrame {
	c := &CodecFrame{
		PTS:       f.PTS,
		Duration:  f.Duration,
		FrameType: f.FrameType,
		Keyframe:  f.Keyframe,
		seq:       f.seq,
		Meta:      f.Meta.Clone(),
	}
	c.state.Store(f.state.Load())
	if f.Input != nil {
		c.Input = make([]byte, len(f.Input))
		copy(c.Input, f.Input)
	}
	if f.Output != nil {
		c.Output = make([]byte, len(f.Output))
		copy(c.Output, f.Output)
	}
	return c
}
