package m2m

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// PumpState is the lifecycle state of a Pump.
type PumpState int32

const (
	PumpStateClosed     PumpState = iota // No device
	PumpStateOpen                        // Device open, formats probed
	PumpStateNegotiated                  // Formats fixed, not streaming
	PumpStateStreaming                   // Queues on, accepting frames
	PumpStateDraining                    // Completing in-flight frames
	PumpStateError                       // Fatal error, Close to recover
)

func (s PumpState) String() string {
	switch s {
	case PumpStateClosed:
		return "closed"
	case PumpStateOpen:
		return "open"
	case PumpStateNegotiated:
		return "negotiated"
	case PumpStateStreaming:
		return "streaming"
	case PumpStateDraining:
		return "draining"
	case PumpStateError:
		return "error"
	default:
		return "unknown"
	}
}

// sentinelInterval paces end-of-stream sentinels on devices without a
// stop command.
const sentinelInterval = 2 * time.Millisecond

// Pump drives a two-queue memory-to-memory codec.
//
// A caller goroutine submits access units; one worker goroutine collects
// completions and returns frames in presentation order. Caller operations
// are serialized. Flush and Close may be called from any goroutine and
// interrupt blocked Submit, SetFormat and Drain calls.
type Pump struct {
	cfg PumpConfig
	log *slog.Logger
	id  uuid.UUID

	opMu sync.Mutex // serializes caller operations, never taken by the worker

	mu          sync.Mutex // guards the fields below, never held across a wait
	state       atomic.Int32
	dev         Device
	inFormats   []FormatDescriptor
	outFormats  []FormatDescriptor
	inReq       FormatDescriptor // last format passed to SetFormat
	inFmt       FormatDescriptor
	outFmt      FormatDescriptor
	queues      QueuePair
	pending     *PendingSet
	task        *processingTask
	abort       chan struct{}
	aborted     bool
	epoch       uint64
	seq         uint64
	stopped     bool // streaming was stopped by a drain
	err         error
	negotiated  ProfileLevel
	deviceLabel string

	doneMu   sync.Mutex
	done     []*CodecFrame
	doneWake chan struct{}

	stats   PumpStats
	statsMu sync.Mutex
}

// PumpStats provides pump statistics.
type PumpStats struct {
	Session              string
	State                PumpState
	FramesSubmitted      uint64
	FramesCompleted      uint64
	FramesDropped        uint64
	FramesSkipped        uint64
	BytesSubmitted       uint64
	BytesCompleted       uint64
	CorruptedCompletions uint64
	UnmatchedCompletions uint64
	SentinelsSent        uint64
	Drains               uint64
	Flushes              uint64
	Renegotiations       uint64
	SourceChanges        uint64
	Pending              int
	LastError            error
}

// NewPump creates a closed pump.
func NewPump(cfg PumpConfig) (*Pump, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	id := uuid.New()
	p := &Pump{
		cfg:      cfg,
		id:       id,
		log:      cfg.Logger.With("session", id.String()),
		abort:    make(chan struct{}),
		doneWake: make(chan struct{}),
	}
	p.stats.Session = id.String()
	p.state.Store(int32(PumpStateClosed))
	return p, nil
}

// ID returns the pump's session id.
func (p *Pump) ID() uuid.UUID { return p.id }

// State returns the current lifecycle state.
func (p *Pump) State() PumpState { return PumpState(p.state.Load()) }

func (p *Pump) setState(s PumpState) {
	old := PumpState(p.state.Swap(int32(s)))
	if old != s {
		p.log.Debug("state change", "from", old, "to", s)
	}
}

// Open opens a device and probes the formats of both queues.
func (p *Pump) Open(deviceID string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if st := p.State(); st != PumpStateClosed {
		return fmt.Errorf("m2m: pump already %s", st)
	}

	open := p.cfg.OpenDevice
	if open == nil {
		provider := GetDeviceProvider()
		if provider == nil {
			return fmt.Errorf("%w: no device provider registered", ErrNotOpen)
		}
		open = provider.OpenDevice
	}
	dev, err := open(deviceID)
	if err != nil {
		return fmt.Errorf("open device %q: %w", deviceID, err)
	}

	inFormats, outFormats, err := probeFormats(dev)
	if err != nil {
		dev.Close()
		return err
	}

	inPool := NewBufferPool(dev, DirectionInput)
	outPool := NewBufferPool(dev, DirectionOutput)

	p.mu.Lock()
	p.dev = dev
	p.deviceLabel = deviceID
	p.inFormats, p.outFormats = inFormats, outFormats
	p.inReq, p.inFmt, p.outFmt = FormatDescriptor{}, FormatDescriptor{}, FormatDescriptor{}
	p.queues = QueuePair{
		In:  NewQueue(dev, inPool, p.cfg.QueueDepth),
		Out: NewQueue(dev, outPool, p.cfg.QueueDepth),
	}
	p.pending = NewPendingSet(p.cfg.OutputBuffers)
	p.err = nil
	p.stopped = false
	p.resetAbortLocked()
	p.mu.Unlock()

	p.setState(PumpStateOpen)
	p.log.Info("device opened", "device", deviceID,
		"input_formats", len(inFormats), "output_formats", len(outFormats))
	return nil
}

func probeFormats(dev Device) (in, out []FormatDescriptor, err error) {
	in, err = dev.ProbeFormats(DirectionInput)
	if err != nil {
		return nil, nil, fmt.Errorf("probe input formats: %w", err)
	}
	out, err = dev.ProbeFormats(DirectionOutput)
	if err != nil {
		return nil, nil, fmt.Errorf("probe output formats: %w", err)
	}
	if len(in) == 0 || len(out) == 0 {
		return nil, nil, fmt.Errorf("%w: device reports %d input and %d output formats",
			ErrNoSupportedFormat, len(in), len(out))
	}
	return in, out, nil
}

// Formats returns the probed formats of one queue.
func (p *Pump) Formats(dir Direction) []FormatDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dir == DirectionInput {
		return append([]FormatDescriptor(nil), p.inFormats...)
	}
	return append([]FormatDescriptor(nil), p.outFormats...)
}

// Format returns the active descriptor of one queue.
func (p *Pump) Format(dir Direction) FormatDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dir == DirectionInput {
		return p.inFmt
	}
	return p.outFmt
}

// ProfileLevel returns what the device selected during negotiation.
func (p *Pump) ProfileLevel() ProfileLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.negotiated
}

// SetFormat fixes the input format. It reports false when fd equals the
// active format. A change while streaming drains in-flight frames first,
// then reallocates both pools and restarts the queues.
func (p *Pump) SetFormat(ctx context.Context, fd FormatDescriptor) (bool, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	st := p.State()
	switch st {
	case PumpStateClosed:
		return false, ErrNotOpen
	case PumpStateError:
		return false, p.failure()
	}

	p.mu.Lock()
	cur, formats := p.inReq, p.inFormats
	p.mu.Unlock()
	if st != PumpStateOpen && cur.Equal(fd) {
		return false, nil
	}
	probed, ok := FindFormat(formats, fd.Fourcc)
	if !ok {
		return false, fmt.Errorf("%w: input %s", ErrNoSupportedFormat, fd.Fourcc)
	}

	renegotiate := st == PumpStateStreaming
	if renegotiate {
		p.log.Info("renegotiating", "from", cur, "to", fd, "pending", p.pending.Len())
		if err := p.drainLocked(ctx); err != nil {
			return false, err
		}
	}

	if err := p.releasePools(ctx); err != nil {
		return false, p.fatal(err)
	}

	inFmt, outFmt, err := p.configure(mergeFormat(fd, probed))
	if err != nil {
		return false, p.fatal(err)
	}

	p.mu.Lock()
	p.inReq, p.inFmt, p.outFmt = fd, inFmt, outFmt
	p.mu.Unlock()
	p.applyControls()

	if renegotiate {
		if err := p.activatePools(); err != nil {
			return false, p.fatal(err)
		}
		if err := p.queues.Start(); err != nil {
			return false, p.fatal(err)
		}
		p.mu.Lock()
		p.stopped = false
		p.mu.Unlock()
		p.setState(PumpStateStreaming)
		p.statsMu.Lock()
		p.stats.Renegotiations++
		p.statsMu.Unlock()
	} else {
		p.setState(PumpStateNegotiated)
	}

	p.log.Info("format set", "input", inFmt, "output", outFmt)
	return true, nil
}

// configure applies the input format, derives the output format from it
// and re-probes both queues.
func (p *Pump) configure(want FormatDescriptor) (FormatDescriptor, FormatDescriptor, error) {
	inFmt, err := p.dev.Configure(DirectionInput, want)
	if err != nil {
		return inFmt, FormatDescriptor{}, fmt.Errorf("configure input %s: %w", want, err)
	}

	p.mu.Lock()
	outFormats := p.outFormats
	p.mu.Unlock()
	fourcc := p.cfg.OutputFourcc
	if fourcc == 0 {
		fourcc = outFormats[0].Fourcc
	}
	probedOut, ok := FindFormat(outFormats, fourcc)
	if !ok {
		return inFmt, FormatDescriptor{}, fmt.Errorf("%w: output %s", ErrNoSupportedFormat, fourcc)
	}
	outWant := FormatDescriptor{
		Fourcc:        fourcc,
		Width:         inFmt.Width,
		Height:        inFmt.Height,
		FrameInterval: inFmt.FrameInterval,
		SizeImage:     probedOut.SizeImage,
	}
	outFmt, err := p.dev.Configure(DirectionOutput, outWant)
	if err != nil {
		return inFmt, outFmt, fmt.Errorf("configure output %s: %w", outWant, err)
	}

	in, out, err := probeFormats(p.dev)
	if err != nil {
		return inFmt, outFmt, err
	}
	p.mu.Lock()
	p.inFormats, p.outFormats = in, out
	p.mu.Unlock()
	return inFmt, outFmt, nil
}

// applyControls programs rate control and negotiates profile and level
// on devices that expose controls. Failures are logged, not fatal.
func (p *Pump) applyControls() {
	cd, ok := p.dev.(ControlDevice)
	if !ok {
		return
	}
	for id, v := range p.cfg.controls() {
		if err := cd.SetControl(id, v); err != nil {
			p.log.Warn("control rejected", "id", fmt.Sprintf("%#x", uint32(id)), "value", v, "err", err)
		}
	}

	p.mu.Lock()
	codec := p.outFmt.Codec()
	if codec == VideoCodecUnknown {
		codec = p.inFmt.Codec()
	}
	p.mu.Unlock()
	c, ok := CapabilityFor(codec)
	if !ok || (len(p.cfg.Profiles) == 0 && len(p.cfg.Levels) == 0) {
		return
	}
	pl, err := NegotiateProfileLevel(cd, c, p.cfg.Profiles, p.cfg.Levels)
	if err != nil {
		p.log.Warn("profile/level negotiation failed", "codec", codec, "err", err)
		return
	}
	p.mu.Lock()
	p.negotiated = pl
	p.mu.Unlock()
	p.log.Info("profile/level negotiated", "codec", codec, "profile", pl.Profile, "level", pl.Level)
}

// releasePools frees both pools so the device accepts a new format.
func (p *Pump) releasePools(ctx context.Context) error {
	if p.cfg.ZeroCopy {
		if err := p.queues.Out.Pool().WaitIdle(ctx); err != nil {
			return err
		}
	}
	if err := p.queues.In.Pool().Deactivate(); err != nil {
		return err
	}
	return p.queues.Out.Pool().Deactivate()
}

func (p *Pump) activatePools() error {
	p.mu.Lock()
	inFmt, outFmt := p.inFmt, p.outFmt
	p.mu.Unlock()

	if err := p.queues.In.Pool().Activate(inFmt, p.cfg.inputCount(inFmt)); err != nil {
		return err
	}
	out := p.queues.Out.Pool()
	if err := out.Activate(outFmt, p.cfg.outputCount(outFmt)); err != nil {
		return err
	}
	p.pending.SetCapacity(out.Len())
	return nil
}

// Submit hands one access unit to the device. It returns once the
// payload is queued, blocking while the device has no free input buffer
// or the completed queue is full. A frame interrupted by Flush is dropped
// and Submit returns nil.
func (p *Pump) Submit(ctx context.Context, f *CodecFrame) error {
	if f == nil || len(f.Input) == 0 {
		return errors.New("m2m: empty access unit")
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()

	switch st := p.State(); st {
	case PumpStateClosed:
		return ErrNotOpen
	case PumpStateOpen:
		return ErrNotNegotiated
	case PumpStateError:
		return p.failure()
	}

	if p.skip(f) {
		p.statsMu.Lock()
		p.stats.FramesSkipped++
		p.statsMu.Unlock()
		p.drop(f)
		return nil
	}

	if err := p.ensureStreaming(); err != nil {
		return p.fatal(err)
	}

	p.mu.Lock()
	epoch, abort := p.epoch, p.abort
	p.mu.Unlock()

	if err := p.waitCompletedRoom(ctx, abort); err != nil {
		return p.interrupted(f, err)
	}
	if err := p.pending.Reserve(ctx, abort); err != nil {
		return p.interrupted(f, err)
	}
	buf, err := p.acquireInput(ctx)
	if err != nil {
		p.pending.Unreserve()
		return p.interrupted(f, err)
	}
	in := p.queues.In
	if !buf.Fill(f.Input) {
		in.Pool().Release(buf)
		p.pending.Unreserve()
		return fmt.Errorf("%w: %d byte access unit, %d byte buffers",
			ErrFrameTooLarge, len(f.Input), buf.Capacity())
	}
	if f.HasPTS() {
		buf.Timestamp = f.PTS
	}
	if f.IsKeyframe() {
		buf.Flags |= BufferFlagKeyframe
	}

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		in.Pool().Release(buf)
		p.pending.Unreserve()
		p.drop(f)
		return nil
	}
	p.seq++
	f.seq = p.seq
	p.mu.Unlock()

	// Track before queueing so a fast completion finds the frame.
	if err := p.pending.Track(f); err != nil {
		in.Pool().Release(buf)
		p.pending.Unreserve()
		return p.fatal(err)
	}
	if err := in.Enqueue(buf); err != nil {
		in.Pool().Release(buf)
		if p.pending.Remove(f) {
			p.drop(f)
		}
		if errors.Is(err, ErrFlushing) {
			return p.failureOr(nil)
		}
		return p.fatal(err)
	}

	p.statsMu.Lock()
	p.stats.FramesSubmitted++
	p.stats.BytesSubmitted += uint64(len(f.Input))
	p.statsMu.Unlock()
	p.log.Debug("submitted", "seq", f.seq, "pts", f.PTS, "bytes", len(f.Input))
	return nil
}

// skip applies the skip-frames mode.
func (p *Pump) skip(f *CodecFrame) bool {
	if p.cfg.SkipFrames == SkipNone {
		return false
	}
	ft := f.FrameType
	if ft == FrameTypeUnknown {
		ft = ClassifyAccessUnit(p.Format(DirectionInput).Codec(), f.Input)
		f.FrameType = ft
	}
	switch p.cfg.SkipFrames {
	case SkipNonRef:
		return ft == FrameTypeNonRef
	case SkipNonKey:
		return ft != FrameTypeKey
	default:
		return false
	}
}

// ensureStreaming starts the queues and the task on first use.
func (p *Pump) ensureStreaming() error {
	if p.State() == PumpStateNegotiated {
		if err := p.activatePools(); err != nil {
			return err
		}
		if err := p.queues.In.Start(); err != nil {
			return err
		}
		p.mu.Lock()
		restart := p.stopped
		p.stopped = false
		p.mu.Unlock()
		if restart {
			if err := p.dev.SendCommand(CommandStart, 0); err != nil && !errors.Is(err, ErrCommandNotSupported) {
				return fmt.Errorf("restart device: %w", err)
			}
		}
		p.setState(PumpStateStreaming)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task != nil {
		return nil
	}
	t := newProcessingTask(p)
	if err := t.start(); err != nil {
		return err
	}
	p.task = t
	return nil
}

// acquireInput returns a free input buffer, reclaiming one the device has
// consumed when the pool is empty.
func (p *Pump) acquireInput(ctx context.Context) (*DeviceBuffer, error) {
	in := p.queues.In
	if buf := in.Pool().TryAcquire(); buf != nil {
		return buf, nil
	}
	if in.Queued() == 0 {
		return in.Pool().Acquire(ctx)
	}
	buf, err := in.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	buf.reset()
	return buf, nil
}

// interrupted maps a wait error in Submit to its result.
func (p *Pump) interrupted(f *CodecFrame, err error) error {
	if errors.Is(err, ErrFlushing) {
		p.drop(f)
		return p.failureOr(nil)
	}
	if IsFatal(err) {
		return p.fatal(err)
	}
	return err
}

func (p *Pump) waitCompletedRoom(ctx context.Context, abort <-chan struct{}) error {
	if p.cfg.OnFrame != nil {
		return nil
	}
	for {
		p.doneMu.Lock()
		if len(p.done) < p.cfg.CompletedDepth {
			p.doneMu.Unlock()
			return nil
		}
		wake := p.doneWake
		p.doneMu.Unlock()

		select {
		case <-wake:
		case <-abort:
			return ErrFlushing
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// deliver attaches a completed buffer to its frame and hands it on.
// Called by the worker.
func (p *Pump) deliver(f *CodecFrame, buf *DeviceBuffer) {
	n := buf.BytesUsed
	f.attach(buf, p.queues.Out.Pool().Release)
	if !p.cfg.ZeroCopy {
		f.Detach()
	}

	p.statsMu.Lock()
	p.stats.FramesCompleted++
	p.stats.BytesCompleted += uint64(n)
	p.statsMu.Unlock()
	p.log.Debug("completed", "seq", f.seq, "pts", f.PTS, "bytes", n)

	if cb := p.cfg.OnFrame; cb != nil {
		cb(f)
		return
	}
	p.doneMu.Lock()
	p.done = append(p.done, f)
	p.broadcastDoneLocked()
	p.doneMu.Unlock()
}

// wakeCompleted wakes NextCompleted callers to re-check the state.
func (p *Pump) wakeCompleted() {
	p.doneMu.Lock()
	p.broadcastDoneLocked()
	p.doneMu.Unlock()
}

func (p *Pump) broadcastDoneLocked() {
	close(p.doneWake)
	p.doneWake = make(chan struct{})
}

// PollCompleted returns the next finished frame without blocking.
func (p *Pump) PollCompleted() (*CodecFrame, bool) {
	p.doneMu.Lock()
	defer p.doneMu.Unlock()
	if len(p.done) == 0 {
		return nil, false
	}
	f := p.done[0]
	p.done[0] = nil
	p.done = p.done[1:]
	p.broadcastDoneLocked()
	return f, true
}

// NextCompleted blocks for the next finished frame. It fails once the pump
// is closed or failed and nothing is left to return.
func (p *Pump) NextCompleted(ctx context.Context) (*CodecFrame, error) {
	for {
		if f, ok := p.PollCompleted(); ok {
			return f, nil
		}
		switch p.State() {
		case PumpStateClosed:
			return nil, ErrClosed
		case PumpStateError:
			return nil, p.failure()
		}

		p.doneMu.Lock()
		wake := p.doneWake
		empty := len(p.done) == 0
		p.doneMu.Unlock()
		if !empty {
			continue
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain completes every accepted frame and stops streaming. The pump is
// left negotiated; the next Submit restarts it.
func (p *Pump) Drain(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.drainLocked(ctx)
}

func (p *Pump) drainLocked(ctx context.Context) error {
	switch st := p.State(); st {
	case PumpStateClosed:
		return ErrNotOpen
	case PumpStateError:
		return p.failure()
	case PumpStateOpen, PumpStateNegotiated:
		return nil
	}

	p.mu.Lock()
	t := p.task
	p.mu.Unlock()
	p.setState(PumpStateDraining)
	p.statsMu.Lock()
	p.stats.Drains++
	p.statsMu.Unlock()

	if t == nil {
		return p.stopStreaming()
	}
	t.setState(TaskDraining)

	err := p.dev.SendCommand(CommandStop, 0)
	switch {
	case err == nil:
		p.log.Debug("draining with stop command", "pending", p.pending.Len())
		select {
		case <-t.done:
		case <-ctx.Done():
			p.stopStreaming()
			return ctx.Err()
		}
	case errors.Is(err, ErrCommandNotSupported):
		p.log.Debug("draining with sentinels", "pending", p.pending.Len())
		if err := p.pushSentinels(ctx, t); err != nil {
			p.stopStreaming()
			return p.failureOr(err)
		}
	default:
		return p.fatal(fmt.Errorf("stop command: %w", err))
	}

	if t.err != nil {
		return p.failure()
	}
	if err := p.stopStreaming(); err != nil {
		return p.fatal(err)
	}
	p.log.Info("drained")
	return nil
}

// pushSentinels feeds zero-length buffers until the worker exits.
func (p *Pump) pushSentinels(ctx context.Context, t *processingTask) error {
	in := p.queues.In
	tick := time.NewTicker(sentinelInterval)
	defer tick.Stop()
	for {
		select {
		case <-t.done:
			return nil
		default:
		}

		buf, err := p.acquireInput(ctx)
		if err != nil {
			if errors.Is(err, ErrFlushing) {
				<-t.done
				return nil
			}
			return err
		}
		buf.BytesUsed = 0
		if err := in.Enqueue(buf); err != nil {
			in.Pool().Release(buf)
			if errors.Is(err, ErrFlushing) {
				<-t.done
				return nil
			}
			return err
		}
		p.statsMu.Lock()
		p.stats.SentinelsSent++
		p.statsMu.Unlock()

		select {
		case <-t.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// stopStreaming stops the worker, drops what is still pending and turns
// both queues off.
func (p *Pump) stopStreaming() error {
	p.queues.Unblock()
	p.mu.Lock()
	t := p.task
	p.task = nil
	p.mu.Unlock()
	if t != nil {
		t.stop()
	}
	p.dropPending()

	err := p.queues.Stop()
	p.queues.Reset()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if p.State() != PumpStateError {
		p.setState(PumpStateNegotiated)
	}
	return err
}

// Flush discards every in-flight frame and restarts the queues without
// renegotiating. Blocked Submit and Drain calls return immediately.
func (p *Pump) Flush() error {
	p.mu.Lock()
	p.epoch++
	p.abortLocked()
	queues := p.queues
	p.mu.Unlock()
	if queues.In != nil {
		queues.Unblock()
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()
	defer func() {
		p.mu.Lock()
		p.resetAbortLocked()
		p.mu.Unlock()
	}()

	st := p.State()
	switch st {
	case PumpStateClosed, PumpStateOpen:
		return nil
	}

	p.mu.Lock()
	t := p.task
	p.task = nil
	p.mu.Unlock()
	if t != nil {
		t.stop()
	}
	p.dropPending()

	p.statsMu.Lock()
	p.stats.Flushes++
	p.statsMu.Unlock()

	err := p.queues.Stop()
	p.queues.Reset()
	if st == PumpStateError {
		return nil
	}
	if err != nil {
		return p.fatal(err)
	}
	if st == PumpStateStreaming {
		if err := p.queues.Start(); err != nil {
			return p.fatal(err)
		}
	}
	p.log.Debug("flushed", "state", p.State())
	return nil
}

// Close stops everything, frees the buffers and closes the device.
func (p *Pump) Close() error {
	p.mu.Lock()
	p.abortLocked()
	queues := p.queues
	p.mu.Unlock()
	if queues.In != nil {
		queues.Unblock()
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.State() == PumpStateClosed {
		return nil
	}

	p.mu.Lock()
	t := p.task
	p.task = nil
	dev := p.dev
	p.dev = nil
	p.mu.Unlock()
	if t != nil {
		t.stop()
	}
	p.dropPending()

	p.doneMu.Lock()
	done := p.done
	p.done = nil
	p.broadcastDoneLocked()
	p.doneMu.Unlock()
	for _, f := range done {
		f.Release()
	}

	var result *multierror.Error
	if err := p.queues.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.queues.In.Pool().Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.queues.Out.Pool().Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := dev.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close device: %w", err))
	}

	p.setState(PumpStateClosed)
	p.wakeCompleted()
	p.log.Info("closed", "device", p.deviceLabel)
	return result.ErrorOrNil()
}

// renegotiateOutput follows a source change reported on the output
// queue. Called by the worker.
func (p *Pump) renegotiateOutput(ctx context.Context) error {
	scd, ok := p.dev.(SourceChangeDevice)
	if !ok {
		return fmt.Errorf("%w: source change on a device without format query", ErrDeviceIO)
	}
	fd, err := scd.CurrentFormat(DirectionOutput)
	if err != nil {
		return fmt.Errorf("query output format: %w", err)
	}

	out := p.queues.Out
	if err := out.Stop(); err != nil {
		return err
	}
	if p.cfg.ZeroCopy {
		if err := out.Pool().WaitIdle(ctx); err != nil {
			return err
		}
	}
	if err := out.Pool().Resize(fd, p.cfg.outputCount(fd)); err != nil {
		return err
	}
	p.pending.SetCapacity(out.Pool().Len())
	if err := out.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	p.outFmt = fd
	p.mu.Unlock()
	p.statsMu.Lock()
	p.stats.SourceChanges++
	p.statsMu.Unlock()
	p.log.Info("source change", "output", fd, "buffers", out.Pool().Len())
	return nil
}

// fail moves the pump to the error state. The first error wins and is
// reported once through OnError.
func (p *Pump) fail(err error) {
	p.mu.Lock()
	if p.State() == PumpStateError {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.state.Store(int32(PumpStateError))
	p.abortLocked()
	queues := p.queues
	p.mu.Unlock()

	p.log.Error("pump failed", "err", err)
	if queues.In != nil {
		queues.Unblock()
	}
	p.dropPending()
	p.wakeCompleted()

	p.statsMu.Lock()
	p.stats.LastError = err
	p.statsMu.Unlock()

	if cb := p.cfg.OnError; cb != nil {
		go cb(err)
	}
}

// fatal fails the pump on fatal errors and returns the caller's error.
func (p *Pump) fatal(err error) error {
	if IsFatal(err) {
		p.fail(err)
		return p.failure()
	}
	return err
}

// failure returns the error that put the pump in the error state.
func (p *Pump) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return ErrPumpFailed
	}
	return fmt.Errorf("%w: %w", ErrPumpFailed, p.err)
}

func (p *Pump) failureOr(err error) error {
	if p.State() == PumpStateError {
		return p.failure()
	}
	return err
}

func (p *Pump) drop(f *CodecFrame) {
	f.setState(FrameStateDropped)
	p.statsMu.Lock()
	p.stats.FramesDropped++
	p.statsMu.Unlock()
	if cb := p.cfg.OnDrop; cb != nil {
		cb(f)
	}
}

func (p *Pump) dropPending() {
	if p.pending == nil {
		return
	}
	dropped := p.pending.DropAll()
	if len(dropped) == 0 {
		return
	}
	p.log.Debug("dropping pending frames", "count", len(dropped))
	for _, f := range dropped {
		p.drop(f)
	}
}

func (p *Pump) abortLocked() {
	if !p.aborted {
		close(p.abort)
		p.aborted = true
	}
}

func (p *Pump) resetAbortLocked() {
	if p.aborted && p.State() != PumpStateError {
		p.abort = make(chan struct{})
		p.aborted = false
	}
}

func (p *Pump) countCorrupted() {
	p.statsMu.Lock()
	p.stats.CorruptedCompletions++
	p.statsMu.Unlock()
}

func (p *Pump) countUnmatched() {
	p.statsMu.Lock()
	p.stats.UnmatchedCompletions++
	p.statsMu.Unlock()
}

// Stats returns pump statistics.
func (p *Pump) Stats() PumpStats {
	p.statsMu.Lock()
	s := p.stats
	p.statsMu.Unlock()
	s.State = p.State()
	if p.pending != nil {
		s.Pending = p.pending.Len()
	}
	return s
}
