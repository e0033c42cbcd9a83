package m2m

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

const (
	flvCodecAVC       = 7
	flvFrameKey       = 1
	flvAVCSeqHeader   = 0
	flvAVCNALU        = 1
	flvAVCEndOfSeq    = 2
	rtmpFrameQueueLen = 60
)

// ErrPublisherGone is returned by RTMPSource.ReadFrame after the
// publishing client disconnected.
var ErrPublisherGone = errors.New("m2m: rtmp publisher disconnected")

type rtmpItem struct {
	frame *CodecFrame
	err   error
}

// RTMPSource accepts one RTMP publisher at a time and yields its H.264
// video as Annex-B access units. Parameter sets are repeated in front of
// every keyframe.
type RTMPSource struct {
	ln     net.Listener
	srv    *rtmp.Server
	log    *slog.Logger
	items  chan rtmpItem
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	sps, pps  [][]byte
	format    FormatDescriptor
	publisher *rtmpHandler

	dropped atomic.Int64
}

// ListenRTMP starts an RTMP server on addr, e.g. ":1935".
func ListenRTMP(addr string, log *slog.Logger) (*RTMPSource, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := newRTMPSource(log)
	s.ln = ln
	s.srv = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpHandler{src: s},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	go func() {
		if err := s.srv.Serve(ln); err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Error("rtmp server stopped", "error", err)
			}
		}
	}()
	s.log.Info("rtmp listening", "addr", ln.Addr().String())
	return s, nil
}

func newRTMPSource(log *slog.Logger) *RTMPSource {
	return &RTMPSource{
		log:    log.With("source", "rtmp"),
		items:  make(chan rtmpItem, rtmpFrameQueueLen),
		closed: make(chan struct{}),
		format: FormatDescriptor{Fourcc: FourccH264},
	}
}

// Addr returns the listening address.
func (s *RTMPSource) Addr() net.Addr { return s.ln.Addr() }

// Dropped returns the number of frames discarded because the reader fell
// behind.
func (s *RTMPSource) Dropped() int64 { return s.dropped.Load() }

// ReadFrame implements Source. After a publisher disconnects it returns
// ErrPublisherGone once; the next publisher's frames follow.
func (s *RTMPSource) ReadFrame(ctx context.Context) (*CodecFrame, error) {
	select {
	case it := <-s.items:
		return it.frame, it.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, io.EOF
	}
}

// Publishing reports whether a publisher is connected.
func (s *RTMPSource) Publishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisher != nil
}

// Format implements Source.
func (s *RTMPSource) Format() FormatDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Close stops the server.
func (s *RTMPSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		if s.srv != nil {
			err = s.srv.Close()
		}
	})
	return err
}

func (s *RTMPSource) push(it rtmpItem) {
	select {
	case s.items <- it:
		return
	default:
	}
	if it.err != nil {
		// End-of-publish must not be lost; make room for it.
		select {
		case <-s.items:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.items <- it:
		default:
		}
		return
	}
	s.dropped.Add(1)
}

// handleVideo parses one FLV video tag body.
func (s *RTMPSource) handleVideo(timestamp uint32, data []byte) error {
	if len(data) < 5 {
		return nil
	}
	frameType := (data[0] >> 4) & 0x0F
	codecID := data[0] & 0x0F
	if codecID != flvCodecAVC {
		return nil
	}

	switch data[1] {
	case flvAVCSeqHeader:
		return s.setDecoderConfig(data[5:])

	case flvAVCNALU:
		s.mu.Lock()
		sps, pps := s.sps, s.pps
		s.mu.Unlock()
		if sps == nil {
			return nil
		}

		// Composition time offset, signed 24 bit.
		cts := int32(uint32(data[2])<<16|uint32(data[3])<<8|uint32(data[4])) << 8 >> 8
		pts := time.Duration(int64(timestamp)+int64(cts)) * time.Millisecond

		sample := avc.ConvertSampleToByteStream(bytes.Clone(data[5:]))
		key := frameType == flvFrameKey
		if key {
			var out []byte
			for _, ps := range append(append([][]byte{}, sps...), pps...) {
				out = append(out, 0, 0, 0, 1)
				out = append(out, ps...)
			}
			sample = append(out, sample...)
		}

		f := NewCodecFrame(sample, pts)
		if key {
			f.FrameType = FrameTypeKey
		} else {
			f.FrameType = ClassifyAccessUnit(VideoCodecH264, sample)
		}
		s.push(rtmpItem{frame: f})

	case flvAVCEndOfSeq:
		s.log.Debug("end of sequence")
	}
	return nil
}

func (s *RTMPSource) setDecoderConfig(rec []byte) error {
	conf, err := avc.DecodeAVCDecConfRec(rec)
	if err != nil {
		s.log.Warn("bad AVC decoder configuration", "error", err)
		return nil
	}
	if len(conf.SPSnalus) == 0 {
		return nil
	}

	fd := FormatDescriptor{Fourcc: FourccH264}
	if sps, err := avc.ParseSPSNALUnit(conf.SPSnalus[0], false); err == nil {
		fd.Width, fd.Height = int(sps.Width), int(sps.Height)
	}

	s.mu.Lock()
	s.sps, s.pps = conf.SPSnalus, conf.PPSnalus
	s.format = fd
	s.mu.Unlock()
	s.log.Info("video configuration", "format", fd)
	return nil
}

func (s *RTMPSource) setPublisher(h *rtmpHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisher != nil && s.publisher != h {
		return false
	}
	s.publisher = h
	return true
}

func (s *RTMPSource) endPublish(h *rtmpHandler) {
	s.mu.Lock()
	if s.publisher != h {
		s.mu.Unlock()
		return
	}
	s.publisher = nil
	s.sps, s.pps = nil, nil
	s.mu.Unlock()
	s.push(rtmpItem{err: ErrPublisherGone})
}

type rtmpHandler struct {
	rtmp.DefaultHandler
	src        *RTMPSource
	publishing bool
}

func (h *rtmpHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	if !h.src.setPublisher(h) {
		return fmt.Errorf("stream already being published")
	}
	h.publishing = true
	h.src.log.Info("publishing", "name", cmd.PublishingName)
	return nil
}

func (h *rtmpHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if !h.publishing {
		return nil
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}
	return h.src.handleVideo(timestamp, buf.Bytes())
}

func (h *rtmpHandler) OnClose() {
	if h.publishing {
		h.src.log.Info("publisher disconnected")
		h.src.endPublish(h)
	}
}

func init() {
	RegisterSource(SourceTypeRTMP, func(cfg SourceConfig) (Source, error) {
		return ListenRTMP(cfg.URI, cfg.Logger)
	})
}
