package m2m

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"
)

// SimConfig configures a SimDevice.
type SimConfig struct {
	InputFormats  []FormatDescriptor
	OutputFormats []FormatDescriptor

	// ReorderDepth is how many inputs the device holds before it emits
	// one, like a decoder waiting for B-frame references.
	ReorderDepth int

	// Pick chooses which held input completes next. The default takes
	// the lowest timestamp.
	Pick func(window []SimJob) int

	// Transform maps an input payload to its output. The default copies.
	Transform func(in []byte) []byte

	// CommandSupport enables the stop and start commands. Without it,
	// end of stream is signalled with an empty input buffer.
	CommandSupport bool

	// MinOutputBuffers is reported as the output BufferCount.
	MinOutputBuffers int

	// MotionVectors attaches n vectors to every completion.
	MotionVectors int

	// AcceptControl filters SetControl. Nil accepts everything.
	AcceptControl func(id ControlID, value int32) bool
}

// SimJob is an input the simulated device has accepted but not completed.
type SimJob struct {
	Timestamp time.Duration
	Keyframe  bool
	Payload   []byte
}

// SimDevice is an in-memory Device for tests and demos. It completes
// inputs in a configurable order and can inject corruption, failures and
// source changes.
type SimDevice struct {
	cfg SimConfig

	mu        sync.Mutex
	formats   [2]FormatDescriptor
	bufs      [2][]*DeviceBuffer
	streaming [2]bool
	queued    [2][]*DeviceBuffer // handed to the device
	done      [2][]*DeviceBuffer // ready for WaitBuffer
	window    []SimJob
	draining  bool
	lastSent  bool
	stalled   bool
	corrupt   int
	failErr   error
	change    *FormatDescriptor
	changing  bool
	controls  map[ControlID]int32
	wake      chan struct{}
	closed    bool

	stats SimStats
}

// SimStats counts device activity.
type SimStats struct {
	Inputs      int
	Sentinels   int
	Completions int
	Corrupted   int
	Allocations [2]int
	Commands    []Command
}

// NewSimDevice creates a simulated device.
func NewSimDevice(cfg SimConfig) *SimDevice {
	if cfg.ReorderDepth <= 0 {
		cfg.ReorderDepth = 1
	}
	if cfg.Pick == nil {
		cfg.Pick = pickLowestTimestamp
	}
	return &SimDevice{
		cfg:      cfg,
		controls: make(map[ControlID]int32),
		wake:     make(chan struct{}),
	}
}

func pickLowestTimestamp(window []SimJob) int {
	best := 0
	for i, j := range window {
		if j.Timestamp < window[best].Timestamp {
			best = i
		}
	}
	return best
}

// SimDecoderConfig returns an H.264 to NV12 decoder at the given size.
func SimDecoderConfig(width, height, reorder int) SimConfig {
	return SimConfig{
		InputFormats: []FormatDescriptor{
			{Fourcc: FourccH264, Width: width, Height: height},
			{Fourcc: FourccHEVC, Width: width, Height: height},
			{Fourcc: FourccVP8, Width: width, Height: height},
		},
		OutputFormats: []FormatDescriptor{
			{Fourcc: FourccNV12, Width: width, Height: height},
		},
		ReorderDepth:     reorder,
		CommandSupport:   true,
		MinOutputBuffers: reorder + 1,
	}
}

func (d *SimDevice) broadcastLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}

func simErr(op string, errno syscall.Errno) error {
	return &DeviceError{Op: op, Errno: errno}
}

// ProbeFormats implements Device.
func (d *SimDevice) ProbeFormats(dir Direction) ([]FormatDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, simErr("ENUM_FMT", syscall.EBADF)
	}
	if dir == DirectionInput {
		return slices.Clone(d.cfg.InputFormats), nil
	}
	return slices.Clone(d.cfg.OutputFormats), nil
}

// Configure implements Device.
func (d *SimDevice) Configure(dir Direction, fd FormatDescriptor) (FormatDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming[dir] {
		return fd, simErr("S_FMT", syscall.EBUSY)
	}
	formats := d.cfg.OutputFormats
	if dir == DirectionInput {
		formats = d.cfg.InputFormats
	}
	if _, ok := FindFormat(formats, fd.Fourcc); !ok {
		return fd, simErr("S_FMT", syscall.EINVAL)
	}
	if fd.SizeImage == 0 {
		fd.SizeImage = fd.FrameSize()
	}
	if dir == DirectionOutput {
		fd.BufferCount = max(fd.BufferCount, d.cfg.MinOutputBuffers)
	}
	d.formats[dir] = fd
	return fd, nil
}

// CurrentFormat implements SourceChangeDevice.
func (d *SimDevice) CurrentFormat(dir Direction) (FormatDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formats[dir], nil
}

// RequestBuffers implements Device.
func (d *SimDevice) RequestBuffers(dir Direction, count int) ([]*DeviceBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming[dir] {
		return nil, simErr("REQBUFS", syscall.EBUSY)
	}
	d.queued[dir], d.done[dir] = nil, nil
	if count == 0 {
		d.bufs[dir] = nil
		return nil, nil
	}
	size := d.formats[dir].FrameSize()
	bufs := make([]*DeviceBuffer, count)
	for i := range bufs {
		bufs[i] = NewDeviceBuffer(dir, i, make([]byte, size))
	}
	d.bufs[dir] = bufs
	d.stats.Allocations[dir]++
	return bufs, nil
}

// QueueStart implements Device.
func (d *SimDevice) QueueStart(dir Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.bufs[dir]) == 0 {
		return simErr("STREAMON", syscall.EINVAL)
	}
	d.streaming[dir] = true
	if dir == DirectionOutput && d.changing {
		d.changing = false
	}
	d.emitLocked()
	return nil
}

// QueueStop implements Device. Stopping the input queue discards held
// inputs and ends a drain.
func (d *SimDevice) QueueStop(dir Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming[dir] = false
	d.queued[dir], d.done[dir] = nil, nil
	if dir == DirectionInput {
		d.window = nil
		d.draining, d.lastSent = false, false
	}
	if dir == DirectionOutput && d.change != nil {
		d.changing = true
	}
	d.broadcastLocked()
	return nil
}

// SubmitBuffer implements Device.
func (d *SimDevice) SubmitBuffer(dir Direction, buf *DeviceBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.streaming[dir] {
		return simErr("QBUF", syscall.EINVAL)
	}
	if dir == DirectionOutput {
		d.queued[dir] = append(d.queued[dir], buf)
		d.emitLocked()
		return nil
	}

	if buf.BytesUsed == 0 {
		d.stats.Sentinels++
		d.draining = true
	} else {
		d.stats.Inputs++
		payload := buf.Bytes()
		if d.cfg.Transform != nil {
			payload = d.cfg.Transform(payload)
		} else {
			payload = slices.Clone(payload)
		}
		d.window = append(d.window, SimJob{
			Timestamp: buf.Timestamp,
			Keyframe:  buf.Flags.Has(BufferFlagKeyframe),
			Payload:   payload,
		})
	}
	// Inputs are consumed as soon as they are parsed.
	d.done[dir] = append(d.done[dir], buf)
	d.emitLocked()
	return nil
}

// emitLocked completes held inputs while output buffers are available.
func (d *SimDevice) emitLocked() {
	defer d.broadcastLocked()
	out := DirectionOutput
	for !d.stalled && !d.changing && d.change == nil && d.streaming[out] && len(d.queued[out]) > 0 {
		if len(d.window) == 0 {
			if d.draining && !d.lastSent {
				buf := d.takeOutputLocked()
				buf.BytesUsed = 0
				buf.Flags = BufferFlagLast
				d.done[out] = append(d.done[out], buf)
				d.lastSent = true
			}
			return
		}
		if len(d.window) < d.cfg.ReorderDepth && !d.draining {
			return
		}

		i := d.cfg.Pick(d.window)
		job := d.window[i]
		buf := d.takeOutputLocked()
		buf.Timestamp = 0
		buf.Flags = 0
		if d.corrupt > 0 {
			// The job stays held and is emitted again.
			d.corrupt--
			d.stats.Corrupted++
			buf.BytesUsed = copy(buf.Mem(), job.Payload) / 2
			buf.Flags = BufferFlagCorrupted
			d.done[out] = append(d.done[out], buf)
			continue
		}
		d.window = slices.Delete(d.window, i, i+1)
		buf.BytesUsed = copy(buf.Mem(), job.Payload)
		buf.Timestamp = job.Timestamp
		if job.Keyframe {
			buf.Flags |= BufferFlagKeyframe
		}
		if n := d.cfg.MotionVectors; n > 0 {
			buf.Meta = simMotionVectors(n)
		}
		d.stats.Completions++
		d.done[out] = append(d.done[out], buf)
	}
}

func (d *SimDevice) takeOutputLocked() *DeviceBuffer {
	out := DirectionOutput
	buf := d.queued[out][0]
	d.queued[out] = d.queued[out][1:]
	return buf
}

func simMotionVectors(n int) *MotionVectorMeta {
	mv := make([]MotionVector, min(n, MaxMotionVectors))
	for i := range mv {
		mv[i] = MotionVector{X: int16(i % 16), Y: int16(i / 16), Weight: uint32(i)}
	}
	m := &MotionVectorMeta{}
	m.Set(mv)
	return m
}

// WaitBuffer implements Device.
func (d *SimDevice) WaitBuffer(ctx context.Context, dir Direction) (*DeviceBuffer, error) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, simErr("DQBUF", syscall.EBADF)
		}
		if dir == DirectionOutput {
			if err := d.failErr; err != nil {
				d.failErr = nil
				d.mu.Unlock()
				return nil, err
			}
			if d.change != nil && len(d.done[dir]) == 0 {
				d.formats[dir] = *d.change
				d.change = nil
				d.changing = true
				d.mu.Unlock()
				return nil, ErrSourceChange
			}
		}
		if len(d.done[dir]) > 0 {
			buf := d.done[dir][0]
			d.done[dir] = d.done[dir][1:]
			d.mu.Unlock()
			return buf, nil
		}
		wake := d.wake
		d.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendCommand implements Device.
func (d *SimDevice) SendCommand(cmd Command, flags uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cfg.CommandSupport {
		return ErrCommandNotSupported
	}
	d.stats.Commands = append(d.stats.Commands, cmd)
	switch cmd {
	case CommandStop:
		d.draining = true
		d.emitLocked()
	case CommandStart:
		d.draining, d.lastSent = false, false
	default:
		return simErr("DECODER_CMD", syscall.EINVAL)
	}
	return nil
}

// SetControl implements ControlDevice.
func (d *SimDevice) SetControl(id ControlID, value int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.AcceptControl != nil && !d.cfg.AcceptControl(id, value) {
		return simErr("S_CTRL", syscall.ERANGE)
	}
	d.controls[id] = value
	return nil
}

// GetControl implements ControlDevice.
func (d *SimDevice) GetControl(id ControlID) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.controls[id]
	if !ok {
		return 0, simErr("G_CTRL", syscall.EINVAL)
	}
	return v, nil
}

// Close implements Device.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return simErr("close", syscall.EBADF)
	}
	d.closed = true
	d.broadcastLocked()
	return nil
}

// CorruptNext flags the next n completions as corrupted.
func (d *SimDevice) CorruptNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt += n
}

// FailNext makes the next output wait return err.
func (d *SimDevice) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErr = err
	d.broadcastLocked()
}

// Stall stops or resumes completions.
func (d *SimDevice) Stall(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stalled = on
	if !on {
		d.emitLocked()
	} else {
		d.broadcastLocked()
	}
}

// SourceChange reports a new output geometry once the completions
// already produced have been collected.
func (d *SimDevice) SourceChange(fd FormatDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fd.SizeImage == 0 {
		fd.SizeImage = fd.FrameSize()
	}
	fd.BufferCount = max(fd.BufferCount, d.cfg.MinOutputBuffers)
	d.change = &fd
	d.broadcastLocked()
}

// Stats returns a snapshot of device counters.
func (d *SimDevice) Stats() SimStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Commands = slices.Clone(s.Commands)
	return s
}

// Held returns the number of inputs accepted but not completed.
func (d *SimDevice) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}

// String describes the device.
func (d *SimDevice) String() string {
	return fmt.Sprintf("sim(reorder=%d, commands=%t)", d.cfg.ReorderDepth, d.cfg.CommandSupport)
}
