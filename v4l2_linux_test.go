//go:build linux

package m2m

import (
	"context"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestV4L2ABILayout(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"v4l2_capability", unsafe.Sizeof(v4l2Capability{}), 104},
		{"v4l2_fmtdesc", unsafe.Sizeof(v4l2FmtDesc{}), 64},
		{"v4l2_format", unsafe.Sizeof(v4l2Format{}), 208},
		{"v4l2_pix_format_mplane", unsafe.Sizeof(v4l2PixFormatMplane{}), 192},
		{"v4l2_requestbuffers", unsafe.Sizeof(v4l2RequestBuffers{}), 20},
		{"v4l2_buffer", unsafe.Sizeof(v4l2Buffer{}), 88},
		{"v4l2_plane", unsafe.Sizeof(v4l2Plane{}), 64},
		{"v4l2_control", unsafe.Sizeof(v4l2Control{}), 8},
		{"v4l2_decoder_cmd", unsafe.Sizeof(v4l2StreamCmd{}), 40},
		{"v4l2_event_subscription", unsafe.Sizeof(v4l2EventSubscription{}), 32},
		{"v4l2_event", unsafe.Sizeof(v4l2Event{}), 136},
	}
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("layout checked on 64-bit targets")
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.got)
		})
	}

	require.Equal(t, uintptr(64), unsafe.Offsetof(v4l2Buffer{}.Planes))
	require.Equal(t, uintptr(24), unsafe.Offsetof(v4l2Buffer{}.Timestamp))
	require.Equal(t, uintptr(8), unsafe.Offsetof(v4l2Plane{}.MemOffset))
}

func TestV4L2IoctlNumbers(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("ioctl numbers checked on 64-bit targets")
	}
	// Values from the kernel headers on x86_64 and arm64.
	require.Equal(t, uintptr(0x80685600), vidiocQueryCap)
	require.Equal(t, uintptr(0xc0d05605), vidiocSFmt)
	require.Equal(t, uintptr(0xc058560f), vidiocQBuf)
	require.Equal(t, uintptr(0xc0585611), vidiocDQBuf)
	require.Equal(t, uintptr(0x40045612), vidiocStreamOn)
	require.Equal(t, uintptr(0xc0285660), vidiocDecoderCmd)
	require.Equal(t, uintptr(0x80885659), vidiocDQEvent)
}

func TestV4L2ProviderListing(t *testing.T) {
	if _, err := os.Stat("/dev/video0"); err != nil {
		t.Skip("no video nodes present")
	}
	devices, err := NewV4L2Provider(V4L2Config{Logger: testLogger()}).ListCodecDevices(context.Background())
	require.NoError(t, err)
	for _, d := range devices {
		t.Logf("%s: %s (%s) %s, %d input / %d output formats",
			d.DeviceID, d.Label, d.Driver, d.Kind, len(d.InputFormats), len(d.OutputFormats))
		require.NotEmpty(t, d.InputFormats)
		require.NotEmpty(t, d.OutputFormats)
	}
}

func TestOpenV4L2_NotADevice(t *testing.T) {
	_, err := OpenV4L2("/dev/null", V4L2Config{Logger: testLogger()})
	require.Error(t, err)
}

func TestCString(t *testing.T) {
	require.Equal(t, "vicodec", cString([]byte{'v', 'i', 'c', 'o', 'd', 'e', 'c', 0, 'x'}))
	require.Equal(t, "abc", cString([]byte("abc")))
}
