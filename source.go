package m2m

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// SourceType identifies the kind of frame source.
type SourceType int

const (
	SourceTypeUnknown         SourceType = iota
	SourceTypeTransportStream            // MPEG-TS file or stream
	SourceTypeRTMP                       // RTMP publish ingest
	SourceTypeCamera                     // V4L2 capture node
)

func (s SourceType) String() string {
	switch s {
	case SourceTypeTransportStream:
		return "TransportStream"
	case SourceTypeRTMP:
		return "RTMP"
	case SourceTypeCamera:
		return "Camera"
	default:
		return "Unknown"
	}
}

// ParseSourceType parses the names used in configuration files.
func ParseSourceType(s string) (SourceType, error) {
	switch s {
	case "ts", "mpegts", "TransportStream":
		return SourceTypeTransportStream, nil
	case "rtmp", "RTMP":
		return SourceTypeRTMP, nil
	case "camera", "Camera":
		return SourceTypeCamera, nil
	default:
		return SourceTypeUnknown, fmt.Errorf("m2m: unknown source type %q", s)
	}
}

// SourceConfig describes where frames come from.
type SourceConfig struct {
	Type SourceType
	URI  string // file path, listen address or device node

	// Raw capture geometry; ignored by bitstream sources.
	Width  int
	Height int
	FPS    int
	Format Fourcc

	Logger *slog.Logger
}

// Source produces frames for a pump, in decode order.
type Source interface {
	io.Closer

	// ReadFrame returns the next frame. It returns io.EOF at the end of
	// the stream.
	ReadFrame(ctx context.Context) (*CodecFrame, error)

	// Format describes the stream. Geometry may be zero until the first
	// parameter sets have been seen.
	Format() FormatDescriptor
}

// SourceFactory creates a source from its configuration.
type SourceFactory func(cfg SourceConfig) (Source, error)

// sourceRegistry holds registered source factories.
type sourceRegistry struct {
	factories map[SourceType]SourceFactory
	mu        sync.RWMutex
}

var globalSourceRegistry = &sourceRegistry{
	factories: make(map[SourceType]SourceFactory),
}

// RegisterSource registers a source factory for a source type.
func RegisterSource(stype SourceType, factory SourceFactory) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.factories[stype] = factory
}

// CreateSource creates a source of the configured type.
func CreateSource(cfg SourceConfig) (Source, error) {
	globalSourceRegistry.mu.RLock()
	factory, ok := globalSourceRegistry.factories[cfg.Type]
	globalSourceRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("source type not available: %v", cfg.Type)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return factory(cfg)
}

// IsSourceAvailable checks if a source type is available.
func IsSourceAvailable(stype SourceType) bool {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()
	_, ok := globalSourceRegistry.factories[stype]
	return ok
}

// AvailableSources returns the registered source types.
func AvailableSources() []SourceType {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()

	types := make([]SourceType, 0, len(globalSourceRegistry.factories))
	for t := range globalSourceRegistry.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// SliceSource replays a fixed list of frames.
type SliceSource struct {
	format FormatDescriptor
	frames []*CodecFrame
	next   int
	// Interval paces reads when non-zero.
	Interval time.Duration
}

// NewSliceSource returns a source over frames.
func NewSliceSource(format FormatDescriptor, frames []*CodecFrame) *SliceSource {
	return &SliceSource{format: format, frames: frames}
}

// ReadFrame implements Source.
func (s *SliceSource) ReadFrame(ctx context.Context) (*CodecFrame, error) {
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	if s.Interval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Interval):
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// Format implements Source.
func (s *SliceSource) Format() FormatDescriptor { return s.format }

// Close implements Source.
func (s *SliceSource) Close() error { return nil }
