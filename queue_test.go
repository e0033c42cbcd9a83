package m2m

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestQueues(t *testing.T, depth int) (QueuePair, *SimDevice) {
	t.Helper()
	dev := NewSimDevice(SimDecoderConfig(64, 64, 1))
	in, err := dev.Configure(DirectionInput, FormatDescriptor{Fourcc: FourccH264, Width: 64, Height: 64})
	require.NoError(t, err)
	out, err := dev.Configure(DirectionOutput, FormatDescriptor{Fourcc: FourccNV12, Width: 64, Height: 64})
	require.NoError(t, err)

	inPool := NewBufferPool(dev, DirectionInput)
	outPool := NewBufferPool(dev, DirectionOutput)
	require.NoError(t, inPool.Activate(in, 3))
	require.NoError(t, outPool.Activate(out, 3))
	return QueuePair{
		In:  NewQueue(dev, inPool, depth),
		Out: NewQueue(dev, outPool, depth),
	}, dev
}

func TestQueue_EnqueueRequiresStreaming(t *testing.T) {
	qp, _ := newTestQueues(t, 0)
	buf := qp.Out.Pool().TryAcquire()

	require.ErrorIs(t, qp.Out.Enqueue(buf), ErrNotStreaming)
	require.Equal(t, OwnerCaller, qp.Out.Pool().owner(buf))

	require.NoError(t, qp.Start())
	require.NoError(t, qp.Start(), "Start is idempotent")
	require.Equal(t, QueueStreaming, qp.Out.State())
	require.NoError(t, qp.Out.Enqueue(buf))
	require.Equal(t, OwnerDevice, qp.Out.Pool().owner(buf))
	require.Equal(t, 1, qp.Out.Queued())
}

func TestQueue_DepthLimit(t *testing.T) {
	qp, _ := newTestQueues(t, 1)
	require.NoError(t, qp.Start())
	a := qp.Out.Pool().TryAcquire()
	b := qp.Out.Pool().TryAcquire()
	require.NoError(t, qp.Out.Enqueue(a))
	require.ErrorIs(t, qp.Out.Enqueue(b), ErrQueueFull)
	require.Equal(t, OwnerCaller, qp.Out.Pool().owner(b))
}

func TestQueue_RoundTrip(t *testing.T) {
	qp, dev := newTestQueues(t, 0)
	require.NoError(t, qp.Start())

	out := qp.Out.Pool().TryAcquire()
	require.NoError(t, qp.Out.Enqueue(out))

	in := qp.In.Pool().TryAcquire()
	require.True(t, in.Fill([]byte("access-unit")))
	in.Timestamp = 40 * time.Millisecond
	require.NoError(t, qp.In.Enqueue(in))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	consumed, err := qp.In.Dequeue(ctx)
	require.NoError(t, err)
	require.Same(t, in, consumed)
	require.Equal(t, OwnerCaller, qp.In.Pool().owner(consumed))

	done, err := qp.Out.Dequeue(ctx)
	require.NoError(t, err)
	require.Same(t, out, done)
	require.Equal(t, "access-unit", string(done.Bytes()))
	require.Equal(t, 40*time.Millisecond, done.Timestamp)
	require.Equal(t, 1, dev.Stats().Completions)

	qp.Out.Recycle(done)
	require.Equal(t, OwnerDevice, qp.Out.Pool().owner(done))
	require.Zero(t, done.BytesUsed)
}

func TestQueue_UnblockWakesDequeue(t *testing.T) {
	qp, _ := newTestQueues(t, 0)
	require.NoError(t, qp.Start())

	errc := make(chan error, 2)
	for _, q := range []*Queue{qp.In, qp.Out} {
		go func(q *Queue) {
			_, err := q.Dequeue(context.Background())
			errc <- err
		}(q)
	}
	time.Sleep(20 * time.Millisecond)
	qp.Unblock()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			require.ErrorIs(t, err, ErrFlushing)
		case <-time.After(time.Second):
			t.Fatal("Unblock did not wake Dequeue")
		}
	}

	buf := qp.In.Pool().TryAcquire()
	require.Nil(t, buf, "pool is flushing")

	qp.Reset()
	buf = qp.In.Pool().TryAcquire()
	require.NotNil(t, buf)
	require.True(t, buf.Fill([]byte{1}))
	require.NoError(t, qp.In.Enqueue(buf))
}

func TestQueue_DequeueHonorsContext(t *testing.T) {
	qp, _ := newTestQueues(t, 0)
	require.NoError(t, qp.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := qp.Out.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_StopReturnsBuffers(t *testing.T) {
	qp, _ := newTestQueues(t, 0)
	require.NoError(t, qp.Start())
	for {
		buf := qp.Out.Pool().TryAcquire()
		if buf == nil {
			break
		}
		require.NoError(t, qp.Out.Enqueue(buf))
	}
	require.Equal(t, 3, qp.Out.Queued())

	require.NoError(t, qp.Stop())
	require.Equal(t, QueueStopped, qp.Out.State())
	require.Zero(t, qp.Out.Queued())
	require.True(t, qp.Out.Pool().Idle())

	_, err := qp.Out.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrFlushing)
}
