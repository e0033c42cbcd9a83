package m2m

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// PendingSet orders submitted frames by presentation timestamp.
//
// Frames without a timestamp sort last; equal timestamps keep submission
// order. Capacity is the output pool depth: Reserve blocks while that many
// frames are reserved or tracked.
type PendingSet struct {
	mu       sync.Mutex
	frames   []*CodecFrame
	capacity int
	used     int // reservations, tracked frames included
	wake     chan struct{}
}

// NewPendingSet creates a set bounded at capacity (0 = unbounded).
func NewPendingSet(capacity int) *PendingSet {
	return &PendingSet{capacity: capacity, wake: make(chan struct{})}
}

// SetCapacity changes the bound, waking blocked reservations.
func (s *PendingSet) SetCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
	s.broadcastLocked()
}

// Capacity returns the current bound.
func (s *PendingSet) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Reserve claims room for one frame. It blocks while the set is full
// until room frees up, abort is closed (ErrFlushing) or ctx ends.
func (s *PendingSet) Reserve(ctx context.Context, abort <-chan struct{}) error {
	for {
		s.mu.Lock()
		if s.capacity <= 0 || s.used < s.capacity {
			s.used++
			s.mu.Unlock()
			return nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-abort:
			return ErrFlushing
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unreserve returns a reservation that was never tracked.
func (s *PendingSet) Unreserve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(1)
}

// Track inserts a frame after every frame with a lower or equal
// timestamp. The caller must hold a reservation.
func (s *PendingSet) Track(f *CodecFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && len(s.frames) >= s.capacity {
		return fmt.Errorf("%w: %d frames pending", ErrPoolExhausted, len(s.frames))
	}
	i, _ := slices.BinarySearchFunc(s.frames, f, func(e, t *CodecFrame) int {
		if ptsLess(t, e) {
			return 1
		}
		return -1
	})
	s.frames = slices.Insert(s.frames, i, f)
	f.setState(FrameStateSubmitted)
	return nil
}

// ptsLess orders undefined timestamps after defined ones.
func ptsLess(a, b *CodecFrame) bool {
	switch {
	case !a.HasPTS():
		return false
	case !b.HasPTS():
		return true
	default:
		return a.PTS < b.PTS
	}
}

// ResolveOldest removes and returns the frame with the minimum timestamp.
func (s *PendingSet) ResolveOldest() (*CodecFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, false
	}
	f := s.frames[0]
	s.frames[0] = nil
	s.frames = s.frames[1:]
	s.releaseLocked(1)
	return f, true
}

// Remove takes one frame out of the set, reporting whether it was there.
func (s *PendingSet) Remove(f *CodecFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.frames, f)
	if i < 0 {
		return false
	}
	s.frames = slices.Delete(s.frames, i, i+1)
	s.releaseLocked(1)
	return true
}

// DropAll empties the set, marking every frame dropped. Frames are
// returned in timestamp order.
func (s *PendingSet) DropAll() []*CodecFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := s.frames
	s.frames = nil
	s.releaseLocked(len(dropped))
	for _, f := range dropped {
		f.setState(FrameStateDropped)
	}
	return dropped
}

// Len returns the number of tracked frames.
func (s *PendingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Oldest returns the minimum-timestamp frame without removing it.
func (s *PendingSet) Oldest() (*CodecFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, false
	}
	return s.frames[0], true
}

func (s *PendingSet) releaseLocked(n int) {
	if n == 0 {
		return
	}
	s.used = max(s.used-n, 0)
	s.broadcastLocked()
}

func (s *PendingSet) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}
