//go:build linux

package m2m

import (
	"os"
	"testing"

	"github.com/blackjack/webcam"
	"github.com/stretchr/testify/require"
)

func TestPickCameraFormat(t *testing.T) {
	supported := map[webcam.PixelFormat]string{
		webcam.PixelFormat(FourccMJPEG): "Motion-JPEG",
		webcam.PixelFormat(FourccNV12):  "Y/CbCr 4:2:0",
	}

	tests := []struct {
		name string
		want Fourcc
		got  Fourcc
		ok   bool
	}{
		{"prefers raw", 0, FourccNV12, true},
		{"explicit mjpeg", FourccMJPEG, FourccMJPEG, true},
		{"unsupported", FourccYUYV, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf, ok := pickCameraFormat(supported, tt.want)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.got, Fourcc(pf))
		})
	}
}

func TestOpenCamera_MissingDevice(t *testing.T) {
	path := "/dev/video-does-not-exist"
	if _, err := os.Stat(path); err == nil {
		t.Skip("unexpected device node present")
	}
	_, err := OpenCamera(CameraConfig{DeviceID: path, Logger: testLogger()})
	require.Error(t, err)
}
