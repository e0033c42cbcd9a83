package m2m

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// TaskState is the state of the processing task.
type TaskState int32

const (
	TaskIdle     TaskState = iota // Not started
	TaskRunning                   // Completing frames
	TaskDraining                  // Stop command sent, completing what was accepted
	TaskStopping                  // Exiting after a flush or the last buffer
	TaskError                     // Exited on a fatal error
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskDraining:
		return "draining"
	case TaskStopping:
		return "stopping"
	case TaskError:
		return "error"
	default:
		return "unknown"
	}
}

// processingTask is the single worker on the completion side. It keeps
// the output queue supplied with free buffers, waits for the hardware and
// splices each completion onto the oldest pending frame.
type processingTask struct {
	p       *Pump
	in      *Queue
	out     *Queue
	pending *PendingSet
	log     *slog.Logger

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error // valid after done is closed
}

func newProcessingTask(p *Pump) *processingTask {
	ctx, cancel := context.WithCancel(context.Background())
	return &processingTask{
		p:       p,
		in:      p.queues.In,
		out:     p.queues.Out,
		pending: p.pending,
		log:     p.log.With("component", "task"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (t *processingTask) State() TaskState { return TaskState(t.state.Load()) }

func (t *processingTask) setState(s TaskState) { t.state.Store(int32(s)) }

// start launches the worker goroutine.
func (t *processingTask) start() error {
	if t.State() != TaskIdle {
		return fmt.Errorf("%w: task already %s", ErrStartTaskFailed, t.State())
	}
	if err := t.out.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrStartTaskFailed, err)
	}
	t.setState(TaskRunning)
	go t.run()
	return nil
}

// stop cancels the worker and waits for it to exit.
func (t *processingTask) stop() {
	t.cancel()
	<-t.done
}

func (t *processingTask) run() {
	defer close(t.done)
	// A drain feeding sentinels waits on the input side; wake it.
	defer t.in.Unblock()
	defer t.cancel()

	for {
		if err := t.topUp(); err != nil {
			t.exit(err)
			return
		}

		buf, err := t.dequeue()
		if err != nil {
			if errors.Is(err, ErrSourceChange) {
				if err := t.p.renegotiateOutput(t.ctx); err != nil {
					t.exit(err)
					return
				}
				continue
			}
			if errors.Is(err, ErrEndOfStream) {
				t.log.Debug("output queue at end of stream", "state", t.State())
				err = nil
			}
			t.exit(err)
			return
		}

		if buf.Flags.Has(BufferFlagCorrupted) {
			t.log.Warn("corrupted completion, retrying", "index", buf.Index)
			t.p.countCorrupted()
			t.out.Recycle(buf)
			continue
		}

		last := buf.Flags.Has(BufferFlagLast)
		if last && buf.BytesUsed == 0 {
			t.out.Pool().Release(buf)
			t.exit(nil)
			return
		}

		frame, ok := t.pending.ResolveOldest()
		if !ok {
			t.log.Warn("device produced more buffers than submitted frames", "index", buf.Index, "bytes", buf.BytesUsed)
			t.p.countUnmatched()
			t.out.Recycle(buf)
		} else {
			t.p.deliver(frame, buf)
		}
		if last {
			t.exit(nil)
			return
		}
	}
}

// topUp queues every free output buffer. It blocks for a released buffer
// only when the device holds none, since the device cannot complete
// anything without one.
func (t *processingTask) topUp() error {
	pool := t.out.Pool()
	for {
		buf := pool.TryAcquire()
		if buf == nil {
			break
		}
		if err := t.out.Enqueue(buf); err != nil {
			pool.Release(buf)
			if errors.Is(err, ErrQueueFull) {
				return nil
			}
			return err
		}
	}
	if t.out.Queued() > 0 {
		return nil
	}

	buf, err := pool.Acquire(t.ctx)
	if err != nil {
		return err
	}
	if err := t.out.Enqueue(buf); err != nil {
		pool.Release(buf)
		if errors.Is(err, ErrQueueFull) {
			return nil
		}
		return err
	}
	return nil
}

// dequeue is the hardware wait. With a watchdog configured, a silent
// device while frames are pending is a device failure.
func (t *processingTask) dequeue() (*DeviceBuffer, error) {
	timeout := t.p.cfg.CompletionTimeout
	if timeout <= 0 {
		return t.out.Dequeue(t.ctx)
	}
	for {
		ctx, cancel := context.WithTimeout(t.ctx, timeout)
		buf, err := t.out.Dequeue(ctx)
		cancel()
		if err == nil || !errors.Is(err, context.DeadlineExceeded) || t.ctx.Err() != nil {
			return buf, err
		}
		if t.pending.Len() > 0 {
			return nil, fmt.Errorf("%w: no completion within %s", ErrDeviceIO, timeout)
		}
	}
}

// exit classifies the reason the loop ended.
func (t *processingTask) exit(err error) {
	switch {
	case err == nil, errors.Is(err, ErrFlushing), t.ctx.Err() != nil:
		t.setState(TaskStopping)
		t.log.Debug("task stopping", "pending", t.pending.Len())
	default:
		t.err = err
		t.setState(TaskError)
		t.p.fail(err)
	}
}
