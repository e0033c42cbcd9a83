package m2m

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/require"
)

const decodeConfig = `
device: sim0
source:
  type: ts
  uri: %s
pump:
  output_format: NV12
  extra_buffers: 2
  skip_frames: decode_non_ref
  completion_timeout: 2s
  profiles: [high, main]
sinks:
  - type: file
    path: %s
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
source:
  type: camera
  uri: /dev/video0
  width: 640
  height: 480
  format: YUYV
pump:
  output_format: H264
  encoder:
    bitrate: 2000000
    iframe_interval: 60
sinks:
  - type: rtp
    addr: 127.0.0.1:5004
  - type: ts
    path: out.ts
`))
	require.NoError(t, err)

	pc, err := cfg.PumpConfig(testLogger())
	require.NoError(t, err)
	require.Equal(t, FourccH264, pc.OutputFourcc)
	require.Equal(t, int32(2000000), pc.Encoder.Bitrate)
	require.Equal(t, int32(60), pc.Encoder.Controls()[ControlGOPSize])
	defaults := DefaultPumpConfig()
	require.Equal(t, defaults.CompletedDepth, pc.CompletedDepth)
	require.Equal(t, defaults.InputBuffers, pc.InputBuffers)
	require.Equal(t, defaults.OutputBuffers, pc.OutputBuffers)
	require.Zero(t, pc.QueueDepth)

	sc := cfg.SourceConfig(nil)
	require.Equal(t, SourceTypeCamera, sc.Type)
	require.Equal(t, FourccYUYV, sc.Format)
	require.Equal(t, 640, sc.Width)

	require.Equal(t, VideoCodecH264, cfg.sinkCodec(cfg.Sinks[0]))
}

func TestParseConfig_Durations(t *testing.T) {
	cfg, err := ParseConfig([]byte("source: {type: rtmp, uri: ':1935'}\npump: {completion_timeout: 1500ms}\nsinks: [{type: file, path: out.h264}]\n"))
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, cfg.Pump.CompletionTimeout)
}

func TestFileConfig_PumpOverrides(t *testing.T) {
	cfg, err := ParseConfig([]byte("source: {type: rtmp, uri: ':1935'}\npump: {input_buffers: 8, queue_depth: 2, completed_depth: 4}\nsinks: [{type: file, path: out.h264}]\n"))
	require.NoError(t, err)

	pc, err := cfg.PumpConfig(nil)
	require.NoError(t, err)
	require.Equal(t, 8, pc.InputBuffers)
	require.Equal(t, 2, pc.QueueDepth)
	require.Equal(t, 4, pc.CompletedDepth)
	require.Equal(t, DefaultPumpConfig().OutputBuffers, pc.OutputBuffers)
}

func TestFileConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown source", "source: {type: rtsp, uri: x}\nsinks: [{type: file, path: a}]", "unknown source type"},
		{"missing uri", "source: {type: ts}\nsinks: [{type: file, path: a}]", "uri is required"},
		{"no sinks", "source: {type: ts, uri: a.ts}", "at least one sink"},
		{"bad skip mode", "source: {type: ts, uri: a.ts}\npump: {skip_frames: most}\nsinks: [{type: file, path: a}]", "skip-frames"},
		{"rtp without codec", "source: {type: ts, uri: a.ts}\nsinks: [{type: rtp, addr: 'h:1'}]", "needs a codec"},
		{"unknown sink", "source: {type: ts, uri: a.ts}\nsinks: [{type: hdmi}]", "unknown type"},
		{"long fourcc", "source: {type: camera, uri: /dev/video0, format: YUYV2}\nsinks: [{type: file, path: a}]", "source format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.ErrorContains(t, err, tt.want)
		})
	}

	_, err := ParseConfig([]byte("source: [not, a, map]"))
	require.ErrorContains(t, err, "failed to parse config")
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileConfig_Build(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.ts")
	output := filepath.Join(dir, "out.nv12")
	aus := [][]byte{
		annexB(testSPS, testPPS, []byte{0x65, 0x88, 0x84, 0x00}),
		annexB([]byte{0x41, 0x9a, 0x02, 0x00}),
		annexB([]byte{0x41, 0x9a, 0x03, 0x00}),
	}
	require.NoError(t, os.WriteFile(input, muxTS(t, astits.StreamTypeH264Video, aus...), 0o644))

	provider := NewSimProvider()
	provider.Add("sim0", SimDecoderConfig(320, 240, 2))
	withProvider(t, provider)

	path := filepath.Join(dir, "m2m.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(decodeConfig, input, output)), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	pl, err := cfg.Build(context.Background(), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pl.Run(ctx))
	require.NoError(t, pl.Close())

	// The simulated decoder copies payloads; reference frames survive
	// decode_non_ref.
	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, bytes.Join(aus, nil), data)
	require.Equal(t, uint64(3), pl.Stats().FramesWritten)
}
