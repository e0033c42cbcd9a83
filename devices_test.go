package m2m

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// withProvider installs p for the duration of the test.
func withProvider(t *testing.T, p DeviceProvider) {
	t.Helper()
	prev := GetDeviceProvider()
	RegisterDeviceProvider(p)
	t.Cleanup(func() { RegisterDeviceProvider(prev) })
}

func simEncoderConfig() SimConfig {
	return SimConfig{
		InputFormats:  []FormatDescriptor{{Fourcc: FourccNV12, Width: 640, Height: 480}},
		OutputFormats: []FormatDescriptor{{Fourcc: FourccH264, Width: 640, Height: 480}, {Fourcc: FourccVP8, Width: 640, Height: 480}},
	}
}

func TestClassifyDevice(t *testing.T) {
	raw := []FormatDescriptor{{Fourcc: FourccNV12}}
	coded := []FormatDescriptor{{Fourcc: FourccYUYV}, {Fourcc: FourccH264}}

	tests := []struct {
		name    string
		in, out []FormatDescriptor
		want    DeviceKind
	}{
		{"decoder", coded, raw, DeviceKindDecoder},
		{"encoder", raw, coded, DeviceKindEncoder},
		{"converter", raw, raw, DeviceKindConverter},
		{"transcoder", coded, coded, DeviceKindTranscoder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, classifyDevice(tt.in, tt.out))
			require.Equal(t, tt.name, tt.want.String())
		})
	}
}

func TestSimProvider_ListCodecDevices(t *testing.T) {
	p := NewSimProvider()
	p.Add("sim-enc", simEncoderConfig())
	p.Add("sim-dec", SimDecoderConfig(1280, 720, 2))
	p.Add("sim-empty", SimConfig{})

	devices, err := p.ListCodecDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2, "devices without formats are skipped")

	require.Equal(t, "sim-dec", devices[0].DeviceID)
	require.Equal(t, DeviceKindDecoder, devices[0].Kind)
	require.Equal(t, "sim", devices[0].Driver)
	require.Equal(t, "sim-enc", devices[1].DeviceID)
	require.Equal(t, DeviceKindEncoder, devices[1].Kind)

	require.True(t, devices[0].Accepts(FourccHEVC, FourccNV12))
	require.True(t, devices[0].Accepts(0, FourccNV12))
	require.False(t, devices[0].Accepts(FourccNV12, 0))
	require.Empty(t, p.Opened("sim-dec"), "listing does not track devices")
}

func TestSimProvider_OpenDevice(t *testing.T) {
	p := NewSimProvider()
	p.Add("sim0", SimDecoderConfig(320, 240, 1))

	dev, err := p.OpenDevice("sim0")
	require.NoError(t, err)
	require.Len(t, p.Opened("sim0"), 1)
	require.NoError(t, dev.Close())

	_, err = p.OpenDevice("missing")
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestFindCodecDevice(t *testing.T) {
	p := NewSimProvider()
	p.Add("sim-dec", SimDecoderConfig(1280, 720, 1))
	p.Add("sim-enc", simEncoderConfig())
	withProvider(t, p)

	ctx := context.Background()
	info, err := FindCodecDevice(ctx, FourccNV12, FourccVP8)
	require.NoError(t, err)
	require.Equal(t, "sim-enc", info.DeviceID)

	info, err = FindCodecDevice(ctx, FourccH264, 0)
	require.NoError(t, err)
	require.Equal(t, "sim-dec", info.DeviceID)

	_, err = FindCodecDevice(ctx, FourccAV1, FourccNV12)
	require.ErrorIs(t, err, ErrNoSupportedFormat)
}

func TestPump_OpenUsesProvider(t *testing.T) {
	p := NewSimProvider()
	p.Add("sim0", SimDecoderConfig(320, 240, 1))
	withProvider(t, p)

	cfg := DefaultPumpConfig()
	cfg.Logger = testLogger()
	pump, err := NewPump(cfg)
	require.NoError(t, err)
	defer pump.Close()

	require.NoError(t, pump.Open("sim0"))
	require.Len(t, p.Opened("sim0"), 1)
	require.NotEmpty(t, pump.Formats(DirectionInput))
}
