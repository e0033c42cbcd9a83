package m2m

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Comcast/gots/v2/packet"
	"github.com/Comcast/gots/v2/psi"
	"github.com/asticode/go-astits"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const tsPacketSize = 188

// ProbeTransportStream reads the PAT and PMTs at the start of r and
// returns the first H.264 or H.265 elementary stream.
func ProbeTransportStream(r io.Reader) (pid int, codec VideoCodec, err error) {
	br := bufio.NewReader(r)
	if _, err := packet.Sync(br); err != nil {
		return 0, VideoCodecUnknown, fmt.Errorf("syncing with reader %w", err)
	}
	pat, err := psi.ReadPAT(br)
	if err != nil {
		return 0, VideoCodecUnknown, fmt.Errorf("reading PAT %w", err)
	}

	pm := pat.ProgramMap()
	programs := maps.Keys(pm)
	slices.Sort(programs)
	for _, program := range programs {
		pmt, err := psi.ReadPMT(br, pm[program])
		if err != nil {
			return 0, VideoCodecUnknown, fmt.Errorf("reading PMT %w", err)
		}
		for _, es := range pmt.ElementaryStreams() {
			switch es.StreamType() {
			case psi.PmtStreamTypeMpeg4VideoH264:
				return es.ElementaryPid(), VideoCodecH264, nil
			case psi.PmtStreamTypeMpeg4VideoH265:
				return es.ElementaryPid(), VideoCodecH265, nil
			}
		}
	}
	return 0, VideoCodecUnknown, fmt.Errorf("%w: no H.264 or H.265 stream in PMT", ErrNoSupportedFormat)
}

// TSSource demuxes one video elementary stream from MPEG-TS. Each PES
// packet is one access unit.
type TSSource struct {
	closer io.Closer
	dmx    *astits.Demuxer
	cancel context.CancelFunc
	log    *slog.Logger

	pid    int // -1 until the PMT names a video stream
	codec  VideoCodec
	format FormatDescriptor
	frames int
}

// NewTSSource demuxes r. A negative pid selects the first H.264 or H.265
// stream announced by the PMT.
func NewTSSource(r io.Reader, pid int, codec VideoCodec, log *slog.Logger) *TSSource {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TSSource{
		dmx:    astits.NewDemuxer(ctx, bufio.NewReaderSize(r, 1000*tsPacketSize)),
		cancel: cancel,
		log:    log.With("source", "ts"),
		pid:    pid,
		codec:  codec,
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	if codec != VideoCodecUnknown {
		s.format.Fourcc = codec.Fourcc()
	}
	return s
}

// OpenTSFile opens a transport stream file, or stdin for "-".
func OpenTSFile(path string, log *slog.Logger) (*TSSource, error) {
	if path == "-" {
		return NewTSSource(os.Stdin, -1, VideoCodecUnknown, log), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	pid, codec, err := ProbeTransportStream(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return NewTSSource(f, pid, codec, log), nil
}

// ReadFrame implements Source.
func (s *TSSource) ReadFrame(ctx context.Context) (*CodecFrame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := s.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("reading next data %w", err)
		}

		if s.pid < 0 && d.PMT != nil {
			s.selectStream(d.PMT)
		}
		if d.PES == nil || int(d.PID) != s.pid || len(d.PES.Data) == 0 {
			continue
		}

		pts := PTSUndefined
		if oh := d.PES.Header.OptionalHeader; oh != nil && oh.PTS != nil {
			pts = ticksToDuration(oh.PTS.Base, 90000)
		}
		f := NewCodecFrame(d.PES.Data, pts)
		f.FrameType = ClassifyAccessUnit(s.codec, f.Input)
		if s.format.Width == 0 {
			if fd, ok := ProbeStreamFormat(s.codec, f.Input); ok {
				s.format = fd
				s.log.Info("stream format", "pid", s.pid, "format", fd)
			}
		}
		s.frames++
		return f, nil
	}
}

func (s *TSSource) selectStream(pmt *astits.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case astits.StreamTypeH264Video:
			s.codec = VideoCodecH264
		case astits.StreamTypeH265Video:
			s.codec = VideoCodecH265
		default:
			continue
		}
		s.pid = int(es.ElementaryPID)
		s.format.Fourcc = s.codec.Fourcc()
		s.log.Debug("video stream selected", "pid", s.pid, "codec", s.codec)
		return
	}
}

// Codec returns the stream codec, or VideoCodecUnknown before the PMT.
func (s *TSSource) Codec() VideoCodec { return s.codec }

// Format implements Source.
func (s *TSSource) Format() FormatDescriptor { return s.format }

// Close implements Source.
func (s *TSSource) Close() error {
	s.cancel()
	if s.closer != nil && s.closer != io.Closer(os.Stdin) {
		return s.closer.Close()
	}
	return nil
}

// ticksToDuration converts a clock tick count at rate Hz.
func ticksToDuration(ticks int64, rate int64) time.Duration {
	sec := ticks / rate
	rem := ticks % rate
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(rate)
}

func init() {
	RegisterSource(SourceTypeTransportStream, func(cfg SourceConfig) (Source, error) {
		return OpenTSFile(cfg.URI, cfg.Logger)
	})
}
