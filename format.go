package m2m

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// Direction selects one of the device's two queues.
type Direction int

const (
	// DirectionInput is the submission queue (V4L2 OUTPUT): payloads go in.
	DirectionInput Direction = iota
	// DirectionOutput is the completion queue (V4L2 CAPTURE): results come out.
	DirectionOutput
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Fourcc is a four character pixel or bitstream format code.
type Fourcc uint32

// NewFourcc packs four ASCII bytes little-endian, as V4L2 does.
func NewFourcc(a, b, c, d byte) Fourcc {
	return Fourcc(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// ParseFourcc builds a Fourcc from a string of at most four characters.
func ParseFourcc(s string) (Fourcc, error) {
	if len(s) == 0 || len(s) > 4 {
		return 0, fmt.Errorf("%w: bad fourcc %q", ErrNoSupportedFormat, s)
	}
	var b [4]byte
	for i := range b {
		b[i] = ' '
	}
	copy(b[:], s)
	return NewFourcc(b[0], b[1], b[2], b[3]), nil
}

func (f Fourcc) String() string {
	if f == 0 {
		return "none"
	}
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

var (
	FourccH264  = NewFourcc('H', '2', '6', '4')
	FourccHEVC  = NewFourcc('H', 'E', 'V', 'C')
	FourccVP8   = NewFourcc('V', 'P', '8', '0')
	FourccVP9   = NewFourcc('V', 'P', '9', '0')
	FourccAV1   = NewFourcc('A', 'V', '0', '1')
	FourccMJPEG = NewFourcc('M', 'J', 'P', 'G')

	FourccNV12    = NewFourcc('N', 'V', '1', '2')
	FourccNV12M   = NewFourcc('N', 'M', '1', '2')
	FourccYUV420  = NewFourcc('Y', 'U', '1', '2')
	FourccYUV420M = NewFourcc('Y', 'M', '1', '2')
	FourccYUYV    = NewFourcc('Y', 'U', 'Y', 'V')
)

// IsCompressed reports whether f names a bitstream rather than raw pixels.
func (f Fourcc) IsCompressed() bool {
	return CodecForFourcc(f) != VideoCodecUnknown
}

// FormatDescriptor is the negotiated geometry of one queue.
//
// The output pool is sized from the active descriptor only; changing it
// requires every buffer of the previous epoch to be back in its pool.
type FormatDescriptor struct {
	Fourcc        Fourcc
	Width         int
	Height        int
	FrameInterval time.Duration // 0 = unspecified
	SizeImage     int           // bytes per buffer, 0 = device default
	BufferCount   int           // 0 = config default
}

// Equal reports whether two descriptors describe the same epoch.
func (f FormatDescriptor) Equal(o FormatDescriptor) bool {
	return f == o
}

// IsZero reports whether no format has been set.
func (f FormatDescriptor) IsZero() bool {
	return f == FormatDescriptor{}
}

// Codec returns the bitstream codec, or VideoCodecUnknown for raw formats.
func (f FormatDescriptor) Codec() VideoCodec {
	return CodecForFourcc(f.Fourcc)
}

// FrameSize returns a conservative buffer size for the descriptor.
func (f FormatDescriptor) FrameSize() int {
	if f.SizeImage > 0 {
		return f.SizeImage
	}
	px := f.Width * f.Height
	switch {
	case px <= 0:
		return 1 << 20
	case f.Fourcc.IsCompressed():
		// Compressed access units rarely exceed half a raw 4:2:0 frame.
		return max(px*3/4, 64<<10)
	case f.Fourcc == FourccYUYV:
		return px * 2
	default:
		return px * 3 / 2
	}
}

func (f FormatDescriptor) String() string {
	s := fmt.Sprintf("%s %dx%d", f.Fourcc, f.Width, f.Height)
	if f.FrameInterval > 0 {
		s += fmt.Sprintf(" @%.2ffps", float64(time.Second)/float64(f.FrameInterval))
	}
	return s
}

// FindFormat returns the first descriptor with the given fourcc.
func FindFormat(formats []FormatDescriptor, fourcc Fourcc) (FormatDescriptor, bool) {
	i := slices.IndexFunc(formats, func(f FormatDescriptor) bool { return f.Fourcc == fourcc })
	if i < 0 {
		return FormatDescriptor{}, false
	}
	return formats[i], true
}

// mergeFormat fills the unset geometry of want from the probed candidate.
func mergeFormat(want, probed FormatDescriptor) FormatDescriptor {
	if want.Width == 0 {
		want.Width = probed.Width
	}
	if want.Height == 0 {
		want.Height = probed.Height
	}
	if want.SizeImage == 0 {
		want.SizeImage = probed.SizeImage
	}
	if want.FrameInterval == 0 {
		want.FrameInterval = probed.FrameInterval
	}
	return want
}
