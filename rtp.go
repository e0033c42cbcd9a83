package m2m

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// DefaultMTU leaves room for IP, UDP and SRTP overhead.
const DefaultMTU = 1200

// RTPPacketWriter accepts RTP packets. webrtc.TrackLocalStaticRTP
// satisfies it.
type RTPPacketWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// UDPPacketWriter sends marshalled packets over a connected socket.
type UDPPacketWriter struct {
	conn net.Conn
	buf  []byte
}

// DialRTP connects a UDP socket to addr.
func DialRTP(addr string) (*UDPPacketWriter, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPPacketWriter{conn: conn, buf: make([]byte, 1500)}, nil
}

// WriteRTP implements RTPPacketWriter.
func (w *UDPPacketWriter) WriteRTP(p *rtp.Packet) error {
	n, err := p.MarshalTo(w.buf)
	if err != nil {
		return err
	}
	_, err = w.conn.Write(w.buf[:n])
	return err
}

// Close closes the socket.
func (w *UDPPacketWriter) Close() error { return w.conn.Close() }

// payloaderFor returns the RTP payload format for a codec.
func payloaderFor(codec VideoCodec) (rtp.Payloader, error) {
	switch codec {
	case VideoCodecH264:
		return &codecs.H264Payloader{}, nil
	case VideoCodecH265:
		return &codecs.H265Payloader{}, nil
	case VideoCodecVP8:
		return &codecs.VP8Payloader{EnablePictureID: true}, nil
	case VideoCodecVP9:
		return &codecs.VP9Payloader{}, nil
	case VideoCodecAV1:
		return &codecs.AV1Payloader{}, nil
	default:
		return nil, fmt.Errorf("%w: no RTP payload format for %s", ErrNoSupportedFormat, codec)
	}
}

// RTPSinkConfig configures an RTPSink.
type RTPSinkConfig struct {
	Codec       VideoCodec
	PayloadType uint8 // 0 = codec default
	SSRC        uint32
	MTU         int // 0 = DefaultMTU
}

// RTPSink packetizes coded output frames. RTP timestamps follow the
// frame PTS at the codec clock rate; frames without a PTS advance by
// their Duration.
type RTPSink struct {
	mu         sync.Mutex
	w          RTPPacketWriter
	packetizer rtp.Packetizer
	clockRate  uint32
	base       uint32
	last       time.Duration
	packets    uint64
}

// NewRTPSink returns a sink writing to w.
func NewRTPSink(w RTPPacketWriter, cfg RTPSinkConfig) (*RTPSink, error) {
	payloader, err := payloaderFor(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = cfg.Codec.DefaultPayloadType()
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	return &RTPSink{
		w:          w,
		packetizer: rtp.NewPacketizer(uint16(cfg.MTU), cfg.PayloadType, cfg.SSRC, payloader, rtp.NewRandomSequencer(), cfg.Codec.ClockRate()),
		clockRate:  cfg.Codec.ClockRate(),
		base:       rand.Uint32(),
	}, nil
}

// WriteFrame implements Sink.
func (s *RTPSink) WriteFrame(f *CodecFrame) error {
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
	ts := s.base + uint32(int64(at)*int64(s.clockRate)/int64(time.Second))

	for _, p := range s.packetizer.Packetize(f.Output, 0) {
		p.Timestamp = ts
		if err := s.w.WriteRTP(p); err != nil {
			return err
		}
		s.packets++
	}
	return nil
}

// Packets returns the number of packets written.
func (s *RTPSink) Packets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

// Close closes the writer if it is closable.
func (s *RTPSink) Close() error {
	if c, ok := s.w.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
