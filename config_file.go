package m2m

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML form of a source -> device -> sinks pipeline.
type FileConfig struct {
	Device string           `yaml:"device"` // empty: first device that fits
	Source SourceFileConfig `yaml:"source"`
	Pump   PumpFileConfig   `yaml:"pump"`
	Sinks  []SinkFileConfig `yaml:"sinks"`
}

// SourceFileConfig selects and configures the source.
type SourceFileConfig struct {
	Type   string `yaml:"type"` // ts, rtmp, camera
	URI    string `yaml:"uri"`  // file, listen address or device node
	Width  int    `yaml:"width,omitempty"`
	Height int    `yaml:"height,omitempty"`
	FPS    int    `yaml:"fps,omitempty"`
	Format string `yaml:"format,omitempty"` // camera fourcc, e.g. YUYV
}

// PumpFileConfig mirrors PumpConfig.
type PumpFileConfig struct {
	OutputFormat      string        `yaml:"output_format,omitempty"`
	InputBuffers      int           `yaml:"input_buffers,omitempty"`
	OutputBuffers     int           `yaml:"output_buffers,omitempty"`
	ExtraBuffers      int           `yaml:"extra_buffers,omitempty"`
	QueueDepth        int           `yaml:"queue_depth,omitempty"`
	CompletedDepth    int           `yaml:"completed_depth,omitempty"`
	ZeroCopy          bool          `yaml:"zero_copy,omitempty"`
	SkipFrames        string        `yaml:"skip_frames,omitempty"`
	Profiles          []string      `yaml:"profiles,omitempty"`
	Levels            []string      `yaml:"levels,omitempty"`
	CompletionTimeout time.Duration `yaml:"completion_timeout,omitempty"`
	Encoder           struct {
		Bitrate        int32 `yaml:"bitrate,omitempty"`
		PeakBitrate    int32 `yaml:"peak_bitrate,omitempty"`
		ConstantRate   bool  `yaml:"constant_rate,omitempty"`
		IFrameInterval int32 `yaml:"iframe_interval,omitempty"`
	} `yaml:"encoder,omitempty"`
}

// SinkFileConfig configures one sink.
type SinkFileConfig struct {
	Type string `yaml:"type"` // file, ts, rtp, snapshot

	Path string `yaml:"path,omitempty"` // file, ts: output file; snapshot: directory
	Addr string `yaml:"addr,omitempty"` // rtp: host:port

	Codec       string `yaml:"codec,omitempty"` // default: from output_format
	PayloadType uint8  `yaml:"payload_type,omitempty"`
	SSRC        uint32 `yaml:"ssrc,omitempty"`
	MTU         int    `yaml:"mtu,omitempty"`

	Every   int  `yaml:"every,omitempty"`
	Width   uint `yaml:"width,omitempty"`
	Quality int  `yaml:"quality,omitempty"`
}

// LoadConfig reads and validates a YAML pipeline configuration.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration data.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem in the configuration.
func (c *FileConfig) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if _, err := ParseSourceType(c.Source.Type); err != nil {
		add("%v", err)
	}
	if c.Source.URI == "" {
		add("source uri is required")
	}
	if c.Source.Format != "" {
		if _, err := ParseFourcc(c.Source.Format); err != nil {
			add("source format %q", c.Source.Format)
		}
	}
	if c.Pump.OutputFormat != "" {
		if _, err := ParseFourcc(c.Pump.OutputFormat); err != nil {
			add("output format %q", c.Pump.OutputFormat)
		}
	}
	if _, err := ParseSkipFrames(c.Pump.SkipFrames); err != nil {
		add("%v", err)
	}
	if c.Pump.CompletionTimeout < 0 {
		add("negative completion timeout")
	}

	if len(c.Sinks) == 0 {
		add("at least one sink is required")
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "file", "ts":
			if s.Path == "" {
				add("sink %d: path is required", i)
			}
		case "snapshot":
			if s.Path == "" {
				add("sink %d: directory is required", i)
			}
		case "rtp":
			if s.Addr == "" {
				add("sink %d: addr is required", i)
			}
		default:
			add("sink %d: unknown type %q", i, s.Type)
			continue
		}
		if s.Type == "ts" || s.Type == "rtp" {
			if c.sinkCodec(s) == VideoCodecUnknown {
				add("sink %d: %s needs a codec", i, s.Type)
			}
		}
	}
	return result.ErrorOrNil()
}

func (c *FileConfig) outputFourcc() Fourcc {
	if c.Pump.OutputFormat == "" {
		return 0
	}
	f, _ := ParseFourcc(c.Pump.OutputFormat)
	return f
}

func (c *FileConfig) sinkCodec(s SinkFileConfig) VideoCodec {
	if s.Codec != "" {
		return ParseVideoCodec(s.Codec)
	}
	return CodecForFourcc(c.outputFourcc())
}

// PumpConfig converts the pump section.
func (c *FileConfig) PumpConfig(log *slog.Logger) (PumpConfig, error) {
	skip, err := ParseSkipFrames(c.Pump.SkipFrames)
	if err != nil {
		return PumpConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := DefaultPumpConfig()
	cfg.OutputFourcc = c.outputFourcc()
	if c.Pump.InputBuffers > 0 {
		cfg.InputBuffers = c.Pump.InputBuffers
	}
	if c.Pump.OutputBuffers > 0 {
		cfg.OutputBuffers = c.Pump.OutputBuffers
	}
	if c.Pump.ExtraBuffers > 0 {
		cfg.ExtraBuffers = c.Pump.ExtraBuffers
	}
	if c.Pump.QueueDepth > 0 {
		cfg.QueueDepth = c.Pump.QueueDepth
	}
	if c.Pump.CompletedDepth > 0 {
		cfg.CompletedDepth = c.Pump.CompletedDepth
	}
	cfg.ZeroCopy = c.Pump.ZeroCopy
	cfg.SkipFrames = skip
	cfg.Profiles = c.Pump.Profiles
	cfg.Levels = c.Pump.Levels
	cfg.CompletionTimeout = c.Pump.CompletionTimeout
	cfg.Encoder = EncoderSettings{
		Bitrate:        c.Pump.Encoder.Bitrate,
		PeakBitrate:    c.Pump.Encoder.PeakBitrate,
		ConstantRate:   c.Pump.Encoder.ConstantRate,
		IFrameInterval: c.Pump.Encoder.IFrameInterval,
	}
	if log != nil {
		cfg.Logger = log
	}
	return cfg, nil
}

// SourceConfig converts the source section.
func (c *FileConfig) SourceConfig(log *slog.Logger) SourceConfig {
	var format Fourcc
	if c.Source.Format != "" {
		format, _ = ParseFourcc(c.Source.Format)
	}
	st, _ := ParseSourceType(c.Source.Type)
	return SourceConfig{
		Type:   st,
		URI:    c.Source.URI,
		Width:  c.Source.Width,
		Height: c.Source.Height,
		FPS:    c.Source.FPS,
		Format: format,
		Logger: log,
	}
}

// OpenSinks creates every configured sink. format reports the pump's
// current output format for sinks that need geometry.
func (c *FileConfig) OpenSinks(format func() FormatDescriptor) (Sink, error) {
	var sinks MultiSink
	fail := func(err error) (Sink, error) {
		if cerr := sinks.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
		return nil, err
	}

	for i, s := range c.Sinks {
		var (
			sink Sink
			err  error
		)
		switch s.Type {
		case "file":
			sink, err = CreateFileSink(s.Path)
		case "ts":
			var f *os.File
			if f, err = os.Create(s.Path); err == nil {
				if sink, err = NewTSSink(f, c.sinkCodec(s)); err != nil {
					f.Close()
				}
			}
		case "rtp":
			var w *UDPPacketWriter
			if w, err = DialRTP(s.Addr); err == nil {
				sink, err = NewRTPSink(w, RTPSinkConfig{
					Codec:       c.sinkCodec(s),
					PayloadType: s.PayloadType,
					SSRC:        s.SSRC,
					MTU:         s.MTU,
				})
				if err != nil {
					w.Close()
				}
			}
		case "snapshot":
			sink, err = NewSnapshotSink(SnapshotConfig{
				Dir:     s.Path,
				Every:   s.Every,
				Width:   s.Width,
				Quality: s.Quality,
				Format:  format,
			})
		default:
			err = fmt.Errorf("%w: unknown sink type %q", ErrInvalidConfig, s.Type)
		}
		if err != nil {
			return fail(fmt.Errorf("sink %d (%s): %w", i, s.Type, err))
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// Build opens the source, the device and the sinks and returns an idle
// pipeline. Without a configured device, the registered provider is
// searched for one that accepts the source format.
func (c *FileConfig) Build(ctx context.Context, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	src, err := CreateSource(c.SourceConfig(log))
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}

	pcfg, err := c.PumpConfig(log)
	if err != nil {
		src.Close()
		return nil, err
	}
	pump, err := NewPump(pcfg)
	if err != nil {
		src.Close()
		return nil, err
	}

	device := c.Device
	if device == "" {
		info, err := FindCodecDevice(ctx, src.Format().Fourcc, pcfg.OutputFourcc)
		if err != nil {
			src.Close()
			return nil, err
		}
		device = info.DeviceID
		log.Info("device selected", "device", device, "label", info.Label, "kind", info.Kind)
	}
	if err := pump.Open(device); err != nil {
		src.Close()
		return nil, err
	}

	sink, err := c.OpenSinks(func() FormatDescriptor { return pump.Format(DirectionOutput) })
	if err != nil {
		src.Close()
		pump.Close()
		return nil, err
	}

	return NewPipeline(PipelineConfig{Source: src, Pump: pump, Sink: sink, Logger: log})
}
