package m2m

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDetectVideoCodec(t *testing.T) {
	ivf := func(fourcc string) []byte {
		h := make([]byte, 32)
		copy(h, "DKIF")
		h[6] = 32
		copy(h[8:], fourcc)
		return h
	}

	tests := []struct {
		name string
		data []byte
		want VideoCodec
	}{
		{"h264 sps 4-byte start code", annexB(testSPS, testPPS), VideoCodecH264},
		{"h264 idr", annexB([]byte{0x65, 0x88, 0x84}), VideoCodecH264},
		{"h264 slice 3-byte start code", []byte{0x00, 0x00, 0x01, 0x41, 0x9a, 0x02}, VideoCodecH264},
		{"h264 pic timing sei", annexB([]byte{0x06, 0x01, 0x04}), VideoCodecH264},
		{"h264 aud", annexB([]byte{0x09, 0xf0}), VideoCodecH264},
		{"h265 vps", annexB([]byte{0x40, 0x01, 0x0c}), VideoCodecH265},
		{"h265 aud", annexB([]byte{0x46, 0x01, 0x50}), VideoCodecH265},
		{"h265 idr", annexB([]byte{0x26, 0x01, 0xaf}), VideoCodecH265},
		{"h265 trail_r", []byte{0x00, 0x00, 0x01, 0x02, 0x01, 0xd0}, VideoCodecH265},
		{"vp8 key frame", []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00}, VideoCodecVP8},
		{"vp9", []byte{0x82, 0x49, 0x83, 0x42}, VideoCodecVP9},
		{"av1 temporal delimiter", []byte{0x12, 0x00, 0x0a, 0x0b}, VideoCodecAV1},
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, VideoCodecMJPEG},
		{"ivf vp8", ivf("VP80"), VideoCodecVP8},
		{"ivf vp9", ivf("VP90"), VideoCodecVP9},
		{"ivf av1", ivf("AV01"), VideoCodecAV1},
		{"ivf unknown", ivf("XXXX"), VideoCodecUnknown},
		{"annex-b forbidden type", annexB([]byte{0x00, 0x00}), VideoCodecUnknown},
		{"short", []byte{0x00, 0x00, 0x01}, VideoCodecUnknown},
		{"empty", nil, VideoCodecUnknown},
		{"garbage", []byte{0xc0, 0xc1, 0xc2, 0xc3}, VideoCodecUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectVideoCodec(tt.data); got != tt.want {
				t.Errorf("DetectVideoCodec() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbeStreamFormat_VP8(t *testing.T) {
	fd, ok := ProbeStreamFormat(VideoCodecVP8, []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00})
	require.True(t, ok)
	require.Equal(t, FormatDescriptor{Fourcc: FourccVP8, Width: 320, Height: 240}, fd)

	_, ok = ProbeStreamFormat(VideoCodecVP8, []byte{0x11, 0x02, 0x00, 0x00})
	require.False(t, ok, "inter frames carry no size")
}

func TestPipeline_DetectsUnlabelledSource(t *testing.T) {
	pump, _ := openTestPump(t, SimDecoderConfig(320, 240, 1))
	idr := annexB(testSPS, testPPS, []byte{0x65, 0x88, 0x84})
	frames := []*CodecFrame{
		NewCodecFrame(idr, 0),
		NewCodecFrame(annexB([]byte{0x41, 0x9a, 0x02}), 40*time.Millisecond),
	}
	src := NewSliceSource(FormatDescriptor{}, frames)
	sink := &recordSink{}
	pl, err := NewPipeline(PipelineConfig{Source: src, Pump: pump, Sink: sink, Logger: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pl.Run(ctx))

	require.Len(t, sink.PTS(), 2)
	in := pump.Format(DirectionInput)
	require.Equal(t, FourccH264, in.Fourcc)
	require.Equal(t, 320, in.Width)
	require.Equal(t, 240, in.Height)
	require.Zero(t, pl.Stats().Renegotiations)
}

func TestPipeline_UndetectableSource(t *testing.T) {
	pump, _ := openTestPump(t, SimDecoderConfig(320, 240, 1))
	src := NewSliceSource(FormatDescriptor{}, []*CodecFrame{NewCodecFrame([]byte{0xc0, 0xc1, 0xc2, 0xc3}, 0)})
	pl, err := NewPipeline(PipelineConfig{Source: src, Pump: pump, Sink: &recordSink{}, Logger: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, pl.Run(ctx), ErrNoSupportedFormat)
}

// FuzzDetectVideoCodec checks detection never panics on arbitrary input.
// Run with: go test -fuzz=FuzzDetectVideoCodec -fuzztime=30s
func FuzzDetectVideoCodec(f *testing.F) {
	seeds := [][]byte{
		{0x00, 0x00, 0x00, 0x01, 0x67},
		{0x00, 0x00, 0x01, 0x40, 0x01},
		{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x00, 0x00, 0x00, 0x00},
		{0x82, 0x49, 0x83, 0x00},
		{0x12, 0x00, 0x00, 0x00},
		{'D', 'K', 'I', 'F', 0, 0, 32, 0, 'V', 'P', '8', '0', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		{},
		{0x00},
		{0xff, 0xff, 0xff, 0xff},
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		codec := DetectVideoCodec(data)
		if codec < VideoCodecUnknown || codec > VideoCodecMJPEG {
			t.Errorf("DetectVideoCodec returned invalid codec: %d", codec)
		}
		if codec != VideoCodecUnknown {
			ProbeStreamFormat(codec, data)
			ClassifyAccessUnit(codec, data)
		}
	})
}
