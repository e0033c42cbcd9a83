package m2m

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/asticode/go-astits"
	"github.com/hashicorp/go-multierror"
)

const tsVideoPID = 0x100

func tsStreamType(codec VideoCodec) (astits.StreamType, bool) {
	switch codec {
	case VideoCodecH264:
		return astits.StreamTypeH264Video, true
	case VideoCodecH265:
		return astits.StreamTypeH265Video, true
	default:
		return 0, false
	}
}

// TSSink muxes encoded H.264 or HEVC output into an MPEG transport
// stream with one video PID. Tables are repeated before every keyframe.
type TSSink struct {
	mu     sync.Mutex
	mx     *astits.Muxer
	bw     *bufio.Writer
	c      io.Closer
	last   time.Duration
	frames int
}

// NewTSSink writes a transport stream to w. If w is an io.Closer it is
// closed with the sink.
func NewTSSink(w io.Writer, codec VideoCodec) (*TSSink, error) {
	st, ok := tsStreamType(codec)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be carried in a transport stream", ErrNoSupportedFormat, codec)
	}
	bw := bufio.NewWriterSize(w, 1000*tsPacketSize)
	mx := astits.NewMuxer(context.Background(), bw)
	if err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: tsVideoPID,
		StreamType:    st,
	}); err != nil {
		return nil, err
	}
	mx.SetPCRPID(tsVideoPID)

	s := &TSSink{mx: mx, bw: bw}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s, nil
}

// WriteFrame implements Sink.
func (s *TSSink) WriteFrame(f *CodecFrame) error {
	if len(f.Output) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.last + f.Duration
	if f.HasPTS() {
		at = f.PTS
	}
	s.last = at

	if f.Keyframe || s.frames == 0 {
		if _, err := s.mx.WriteTables(); err != nil {
			return err
		}
	}
	// PES payloads are copied into TS packets; Output is not retained.
	_, err := s.mx.WriteData(&astits.MuxerData{
		PID:             tsVideoPID,
		AdaptationField: &astits.PacketAdaptationField{RandomAccessIndicator: f.Keyframe},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				StreamID: 224,
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: durationToTicks(at, 90000)},
				},
			},
			Data: f.Output,
		},
	})
	if err != nil {
		return err
	}
	s.frames++
	return nil
}

// Frames returns the number of access units muxed.
func (s *TSSink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close flushes buffered packets and closes the underlying writer.
func (s *TSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *multierror.Error
	if err := s.bw.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if s.c != nil {
		if err := s.c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// durationToTicks is the inverse of ticksToDuration, wrapped to 33 bits.
func durationToTicks(d time.Duration, rate int64) int64 {
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return (sec*rate + rem*rate/int64(time.Second)) & (1<<33 - 1)
}
