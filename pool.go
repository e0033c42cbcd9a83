package m2m

import (
	"context"
	"fmt"
	"sync"
)

// BufferPool owns the fixed buffer set of one queue.
//
// Buffers cycle POOL -> DEVICE -> (POOL | CALLER) -> POOL. A buffer is
// briefly CALLER-owned between Acquire and Enqueue, and a completed output
// buffer stays CALLER-owned until its frame is released back to the pool.
// Buffers are allocated once per format epoch and never reallocated while
// streaming.
type BufferPool struct {
	dir Direction
	dev Device

	mu       sync.Mutex
	bufs     []*DeviceBuffer
	free     []int // FIFO of POOL-owned indices
	wake     chan struct{}
	flushing bool
	format   FormatDescriptor
	active   bool

	maxInUse int
}

// NewBufferPool creates an inactive pool for one queue of dev.
func NewBufferPool(dev Device, dir Direction) *BufferPool {
	return &BufferPool{dir: dir, dev: dev, wake: make(chan struct{})}
}

// Direction returns the queue this pool serves.
func (p *BufferPool) Direction() Direction { return p.dir }

// Active reports whether buffers are allocated.
func (p *BufferPool) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Len returns the number of allocated buffers.
func (p *BufferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs)
}

// Format returns the descriptor the pool was sized from.
func (p *BufferPool) Format() FormatDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Activate allocates count buffers sized for fd. It is a no-op when the
// pool is already active.
func (p *BufferPool) Activate(fd FormatDescriptor, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return nil
	}
	return p.allocLocked(fd, count)
}

func (p *BufferPool) allocLocked(fd FormatDescriptor, count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: %s pool needs at least one buffer", ErrPoolExhausted, p.dir)
	}
	bufs, err := p.dev.RequestBuffers(p.dir, count)
	if err != nil {
		return fmt.Errorf("%w: request %d %s buffers: %w", ErrPoolExhausted, count, p.dir, err)
	}
	if len(bufs) == 0 {
		return fmt.Errorf("%w: device returned no %s buffers", ErrPoolExhausted, p.dir)
	}
	p.bufs = bufs
	p.free = p.free[:0]
	for i, b := range bufs {
		b.Index = i
		b.Direction = p.dir
		b.owner = OwnerPool
		b.reset()
		p.free = append(p.free, i)
	}
	p.format = fd
	p.active = true
	p.maxInUse = 0
	return nil
}

// Deactivate frees every buffer. All buffers must be back in the pool.
func (p *BufferPool) Deactivate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil
	}
	if err := p.checkIdleLocked(); err != nil {
		return err
	}
	return p.freeLocked()
}

func (p *BufferPool) freeLocked() error {
	p.active = false
	p.bufs = nil
	p.free = p.free[:0]
	p.broadcastLocked()
	if _, err := p.dev.RequestBuffers(p.dir, 0); err != nil {
		return fmt.Errorf("free %s buffers: %w", p.dir, err)
	}
	return nil
}

// Resize reallocates the pool for a new format epoch. It fails with
// ErrPoolExhausted if any buffer is held by the device or a caller.
func (p *BufferPool) Resize(fd FormatDescriptor, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		if err := p.checkIdleLocked(); err != nil {
			return err
		}
		if err := p.freeLocked(); err != nil {
			return err
		}
	}
	return p.allocLocked(fd, count)
}

func (p *BufferPool) checkIdleLocked() error {
	if out := len(p.bufs) - len(p.free); out > 0 {
		return fmt.Errorf("%w: %d %s buffers outstanding", ErrPoolExhausted, out, p.dir)
	}
	return nil
}

// Idle reports whether every buffer is in the pool.
func (p *BufferPool) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) == len(p.bufs)
}

// WaitIdle blocks until every buffer is back in the pool or ctx is done.
func (p *BufferPool) WaitIdle(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.free) == len(p.bufs) {
			p.mu.Unlock()
			return nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %s buffers: %w", ErrPoolExhausted, p.dir, ctx.Err())
		}
	}
}

// SetFlushing makes blocked and future Acquire calls fail with
// ErrFlushing until it is cleared.
func (p *BufferPool) SetFlushing(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushing = on
	if on {
		p.broadcastLocked()
	}
}

// Acquire returns a free buffer, blocking until one is released, the
// pool is flushing, or ctx is done.
func (p *BufferPool) Acquire(ctx context.Context) (*DeviceBuffer, error) {
	for {
		p.mu.Lock()
		if p.flushing {
			p.mu.Unlock()
			return nil, ErrFlushing
		}
		if !p.active {
			p.mu.Unlock()
			return nil, ErrFlushing
		}
		if buf := p.popLocked(); buf != nil {
			p.mu.Unlock()
			return buf, nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire returns a free buffer or nil without blocking.
func (p *BufferPool) TryAcquire() *DeviceBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushing || !p.active {
		return nil
	}
	return p.popLocked()
}

func (p *BufferPool) popLocked() *DeviceBuffer {
	if len(p.free) == 0 {
		return nil
	}
	idx := p.free[0]
	p.free = p.free[1:]
	buf := p.bufs[idx]
	buf.owner = OwnerCaller
	buf.reset()
	if out := len(p.bufs) - len(p.free); out > p.maxInUse {
		p.maxInUse = out
	}
	return buf
}

// Release returns a CALLER- or DEVICE-owned buffer to the pool.
// Releasing a buffer that is already free panics.
func (p *BufferPool) Release(buf *DeviceBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ownsLocked(buf) {
		// Stale buffer from a previous epoch.
		return
	}
	if buf.owner == OwnerPool {
		panic(fmt.Sprintf("m2m: %s buffer %d released twice", p.dir, buf.Index))
	}
	buf.owner = OwnerPool
	p.free = append(p.free, buf.Index)
	p.broadcastLocked()
}

func (p *BufferPool) ownsLocked(buf *DeviceBuffer) bool {
	return p.active && buf.Index >= 0 && buf.Index < len(p.bufs) && p.bufs[buf.Index] == buf
}

// transfer moves buf between owners, panicking on an illegal transition.
func (p *BufferPool) transfer(buf *DeviceBuffer, from, to BufferOwner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ownsLocked(buf) {
		panic(fmt.Sprintf("m2m: %s buffer %d does not belong to this pool", p.dir, buf.Index))
	}
	if buf.owner != from {
		panic(fmt.Sprintf("m2m: %s buffer %d owned by %s, expected %s", p.dir, buf.Index, buf.owner, from))
	}
	buf.owner = to
}

// owner returns buf's current owner. Buffers from a previous epoch report
// OwnerPool.
func (p *BufferPool) owner(buf *DeviceBuffer) BufferOwner {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ownsLocked(buf) {
		return OwnerPool
	}
	return buf.owner
}

func (p *BufferPool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// PoolSnapshot lists buffer indices by owner.
type PoolSnapshot struct {
	Free     []int
	Device   []int
	Caller   []int
	MaxInUse int
}

// Snapshot reports the current ownership of every buffer.
func (p *BufferPool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolSnapshot{MaxInUse: p.maxInUse}
	for _, b := range p.bufs {
		switch b.owner {
		case OwnerPool:
			s.Free = append(s.Free, b.Index)
		case OwnerDevice:
			s.Device = append(s.Device, b.Index)
		case OwnerCaller:
			s.Caller = append(s.Caller, b.Index)
		}
	}
	return s
}

// Close frees the buffers even if some are still outstanding. Buffers
// released afterwards are ignored.
func (p *BufferPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil
	}
	return p.freeLocked()
}
