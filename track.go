package m2m

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// TrackSink writes coded output frames to a WebRTC sample track, which
// pion packetizes per peer connection.
type TrackSink struct {
	track    *webrtc.TrackLocalStaticSample
	interval time.Duration

	mu      sync.Mutex
	lastPTS time.Duration
	havePTS bool
	frames  uint64
}

// NewTrackSink creates a local video track for codec. interval is the
// fallback sample duration for frames without usable timestamps.
func NewTrackSink(codec VideoCodec, id, streamID string, interval time.Duration) (*TrackSink, error) {
	mime := codec.MimeType()
	if mime == "" {
		return nil, fmt.Errorf("%w: %s cannot be sent over WebRTC", ErrNoSupportedFormat, codec)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime, ClockRate: codec.ClockRate()},
		id, streamID,
	)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Second / 30
	}
	return &TrackSink{track: track, interval: interval}, nil
}

// Track returns the pion track to add to a peer connection.
func (s *TrackSink) Track() *webrtc.TrackLocalStaticSample { return s.track }

// WriteFrame implements Sink. The sample duration is the PTS delta to
// the previous frame.
func (s *TrackSink) WriteFrame(f *CodecFrame) error {
	if len(f.Output) == 0 {
		return nil
	}
	s.mu.Lock()
	d := s.sampleDuration(f)
	s.frames++
	s.mu.Unlock()

	return s.track.WriteSample(media.Sample{Data: f.Output, Duration: d})
}

func (s *TrackSink) sampleDuration(f *CodecFrame) time.Duration {
	d := f.Duration
	if f.HasPTS() {
		if s.havePTS && f.PTS > s.lastPTS {
			d = f.PTS - s.lastPTS
		}
		s.lastPTS, s.havePTS = f.PTS, true
	}
	if d <= 0 {
		d = s.interval
	}
	return d
}

// Frames returns the number of samples written.
func (s *TrackSink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close implements Sink. The track is owned by its peer connections.
func (s *TrackSink) Close() error { return nil }
