package m2m

import (
	"fmt"
	"log/slog"
	"time"
)

// SkipFrames selects which input frames the pump discards before
// submission.
type SkipFrames int

const (
	SkipNone   SkipFrames = iota // Decode all frames
	SkipNonRef                   // Drop frames nothing references
	SkipNonKey                   // Decode key frames only
)

func (s SkipFrames) String() string {
	switch s {
	case SkipNone:
		return "decode_all"
	case SkipNonRef:
		return "decode_non_ref"
	case SkipNonKey:
		return "decode_key"
	default:
		return "unknown"
	}
}

// ParseSkipFrames accepts the names returned by String.
func ParseSkipFrames(s string) (SkipFrames, error) {
	switch s {
	case "", "decode_all":
		return SkipNone, nil
	case "decode_non_ref":
		return SkipNonRef, nil
	case "decode_key":
		return SkipNonKey, nil
	default:
		return SkipNone, fmt.Errorf("unknown skip-frames mode %q", s)
	}
}

// EncoderSettings are rate-control knobs applied as device controls.
// Zero values leave the device default.
type EncoderSettings struct {
	Bitrate        int32 // bits per second
	PeakBitrate    int32 // bits per second, VBR only
	ConstantRate   bool  // CBR instead of VBR
	IFrameInterval int32 // frames between key frames
}

// Controls returns the settings as control values.
func (s EncoderSettings) Controls() map[ControlID]int32 {
	ctrls := make(map[ControlID]int32)
	if s.Bitrate > 0 {
		ctrls[ControlBitrate] = s.Bitrate
	}
	if s.PeakBitrate > 0 && !s.ConstantRate {
		ctrls[ControlBitratePeak] = s.PeakBitrate
	}
	if s.ConstantRate {
		ctrls[ControlBitrateMode] = BitrateModeCBR
	} else if s.Bitrate > 0 {
		ctrls[ControlBitrateMode] = BitrateModeVBR
	}
	if s.IFrameInterval > 0 {
		ctrls[ControlGOPSize] = s.IFrameInterval
	}
	return ctrls
}

// PumpConfig configures a Pump.
type PumpConfig struct {
	// OpenDevice opens the device named by Open's argument. Nil uses the
	// registered DeviceProvider.
	OpenDevice func(id string) (Device, error)

	// OutputFourcc picks the completion-side format. Zero takes the first
	// format the device reports.
	OutputFourcc Fourcc

	InputBuffers  int // submission pool size (default: 4)
	OutputBuffers int // completion pool size floor (default: 4)
	ExtraBuffers  int // added on top of the device minimum
	QueueDepth    int // per-queue device depth, 0 = pool size

	// CompletedDepth bounds finished frames waiting in PollCompleted.
	// Submit blocks while it is full. Ignored when OnFrame is set.
	CompletedDepth int

	// ZeroCopy hands out frames whose Output aliases the device buffer
	// until Release. Otherwise output is copied and the buffer recycled
	// immediately.
	ZeroCopy bool

	SkipFrames SkipFrames

	// Profile and level preferences, most preferred first. Applied when
	// the device implements ControlDevice.
	Profiles []string
	Levels   []string
	Encoder  EncoderSettings
	Controls map[ControlID]int32

	// CompletionTimeout turns a device that stops completing frames into
	// a fatal ErrDeviceIO. Zero disables the watchdog.
	CompletionTimeout time.Duration

	Logger *slog.Logger

	OnFrame func(*CodecFrame) // push delivery, replaces PollCompleted
	OnDrop  func(*CodecFrame) // frames discarded by flush, skip or failure
	OnError func(error)       // fatal errors, reported once
}

// DefaultPumpConfig returns a configuration with default buffer counts.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		InputBuffers:   4,
		OutputBuffers:  4,
		ExtraBuffers:   0,
		CompletedDepth: 16,
		Logger:         slog.Default(),
	}
}

func (c *PumpConfig) applyDefaults() {
	d := DefaultPumpConfig()
	if c.InputBuffers <= 0 {
		c.InputBuffers = d.InputBuffers
	}
	if c.OutputBuffers <= 0 {
		c.OutputBuffers = d.OutputBuffers
	}
	if c.ExtraBuffers < 0 {
		c.ExtraBuffers = 0
	}
	if c.CompletedDepth <= 0 {
		c.CompletedDepth = d.CompletedDepth
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Validate checks the configuration.
func (c PumpConfig) Validate() error {
	if c.SkipFrames < SkipNone || c.SkipFrames > SkipNonKey {
		return fmt.Errorf("%w: skip-frames mode %d", ErrInvalidConfig, c.SkipFrames)
	}
	if c.CompletionTimeout < 0 {
		return fmt.Errorf("%w: negative completion timeout", ErrInvalidConfig)
	}
	return nil
}

// controls merges Encoder and Controls, explicit Controls winning.
func (c PumpConfig) controls() map[ControlID]int32 {
	ctrls := c.Encoder.Controls()
	for id, v := range c.Controls {
		ctrls[id] = v
	}
	return ctrls
}

func (c PumpConfig) outputCount(fd FormatDescriptor) int {
	return max(fd.BufferCount, c.OutputBuffers) + c.ExtraBuffers
}

func (c PumpConfig) inputCount(fd FormatDescriptor) int {
	return max(fd.BufferCount, c.InputBuffers)
}
