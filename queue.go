package m2m

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// QueueState is the streaming state of one device queue.
type QueueState int32

const (
	QueueStopped QueueState = iota
	QueueStreaming
)

func (s QueueState) String() string {
	switch s {
	case QueueStopped:
		return "stopped"
	case QueueStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Queue wraps one of the device's two queues.
//
// Dequeue is the hardware wait. It runs without the queue lock held and
// is woken by Unblock without any device progress.
type Queue struct {
	dir   Direction
	dev   Device
	pool  *BufferPool
	depth int // 0 = bounded by the pool only

	mu         sync.Mutex
	state      QueueState
	queued     map[*DeviceBuffer]struct{}
	unblocked  bool
	waiters    map[uint64]context.CancelFunc
	nextWaiter uint64
}

// NewQueue creates a stopped queue backed by pool.
func NewQueue(dev Device, pool *BufferPool, depth int) *Queue {
	return &Queue{
		dir:     pool.Direction(),
		dev:     dev,
		pool:    pool,
		depth:   depth,
		queued:  make(map[*DeviceBuffer]struct{}),
		waiters: make(map[uint64]context.CancelFunc),
	}
}

// Direction returns the queue's direction.
func (q *Queue) Direction() Direction { return q.dir }

// Pool returns the backing pool.
func (q *Queue) Pool() *BufferPool { return q.pool }

// State returns the streaming state.
func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Queued returns the number of buffers held by the device.
func (q *Queue) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Start turns streaming on. Calling it on a streaming queue is a no-op.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == QueueStreaming {
		return nil
	}
	if err := q.dev.QueueStart(q.dir); err != nil {
		return fmt.Errorf("start %s queue: %w", q.dir, err)
	}
	q.state = QueueStreaming
	return nil
}

// Stop turns streaming off and returns every device-held buffer to the
// pool. Callers unblock and stop the worker before calling Stop.
func (q *Queue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var err error
	if q.state == QueueStreaming {
		if serr := q.dev.QueueStop(q.dir); serr != nil {
			err = fmt.Errorf("stop %s queue: %w", q.dir, serr)
		}
	}
	for buf := range q.queued {
		q.pool.Release(buf)
	}
	clear(q.queued)
	q.state = QueueStopped
	return err
}

// Enqueue hands a CALLER-owned buffer to the device.
func (q *Queue) Enqueue(buf *DeviceBuffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unblocked {
		return ErrFlushing
	}
	if q.state != QueueStreaming {
		return ErrNotStreaming
	}
	if q.depth > 0 && len(q.queued) >= q.depth {
		return ErrQueueFull
	}

	q.pool.transfer(buf, OwnerCaller, OwnerDevice)
	q.queued[buf] = struct{}{}
	if err := q.dev.SubmitBuffer(q.dir, buf); err != nil {
		delete(q.queued, buf)
		q.pool.transfer(buf, OwnerDevice, OwnerCaller)
		return fmt.Errorf("submit %s buffer %d: %w", q.dir, buf.Index, err)
	}
	return nil
}

// Dequeue waits for the device to return a buffer. It returns
// ErrFlushing once the queue is unblocked or stopped, and ctx.Err() when
// ctx ends first.
func (q *Queue) Dequeue(ctx context.Context) (*DeviceBuffer, error) {
	q.mu.Lock()
	if q.unblocked || q.state != QueueStreaming {
		q.mu.Unlock()
		return nil, ErrFlushing
	}
	wctx, cancel := context.WithCancel(ctx)
	id := q.nextWaiter
	q.nextWaiter++
	q.waiters[id] = cancel
	q.mu.Unlock()

	buf, err := q.dev.WaitBuffer(wctx, q.dir)

	q.mu.Lock()
	delete(q.waiters, id)
	unblocked := q.unblocked
	cancel()
	if err != nil {
		q.mu.Unlock()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case unblocked, errors.Is(err, ErrFlushing), errors.Is(err, context.Canceled):
			return nil, ErrFlushing
		default:
			return nil, err
		}
	}
	defer q.mu.Unlock()
	if _, ok := q.queued[buf]; !ok {
		return nil, fmt.Errorf("%w: %s buffer %d was not queued", ErrDeviceIO, q.dir, buf.Index)
	}
	delete(q.queued, buf)
	q.pool.transfer(buf, OwnerDevice, OwnerCaller)
	return buf, nil
}

// Unblock wakes every Dequeue and pool Acquire with ErrFlushing and
// rejects new work until Reset.
func (q *Queue) Unblock() {
	q.mu.Lock()
	q.unblocked = true
	for _, cancel := range q.waiters {
		cancel()
	}
	q.mu.Unlock()
	q.pool.SetFlushing(true)
}

// Reset clears a previous Unblock.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.unblocked = false
	q.mu.Unlock()
	q.pool.SetFlushing(false)
}

// Recycle re-queues a dequeued buffer the worker could not use, such as
// a corrupted completion, or returns it to the pool when the queue is not
// accepting buffers. Consumers release through the pool instead.
func (q *Queue) Recycle(buf *DeviceBuffer) {
	switch q.pool.owner(buf) {
	case OwnerCaller:
	case OwnerDevice:
		q.pool.Release(buf)
		return
	default:
		return
	}
	buf.reset()
	if err := q.Enqueue(buf); err != nil {
		q.pool.Release(buf)
	}
}

// QueuePair groups the submission and completion queues of one device.
type QueuePair struct {
	In  *Queue
	Out *Queue
}

// Start starts both queues.
func (qp QueuePair) Start() error {
	if err := qp.In.Start(); err != nil {
		return err
	}
	return qp.Out.Start()
}

// Unblock wakes every waiter on both queues.
func (qp QueuePair) Unblock() {
	qp.In.Unblock()
	qp.Out.Unblock()
}

// Reset clears the unblock flag on both queues.
func (qp QueuePair) Reset() {
	qp.In.Reset()
	qp.Out.Reset()
}

// Stop stops both queues, reporting the first error.
func (qp QueuePair) Stop() error {
	errIn := qp.In.Stop()
	errOut := qp.Out.Stop()
	if errIn != nil {
		return errIn
	}
	return errOut
}
