package m2m

import (
	"testing"
)

var (
	startCode = []byte{0x00, 0x00, 0x00, 0x01}
	// Baseline 320x240, no VUI.
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x05, 0x07, 0xe4}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}

func TestClassifyAccessUnit(t *testing.T) {
	tests := []struct {
		name  string
		codec VideoCodec
		data  []byte
		want  FrameType
	}{
		{"h264 idr", VideoCodecH264, annexB(testSPS, testPPS, []byte{0x65, 0x88, 0x84}), FrameTypeKey},
		{"h264 reference p", VideoCodecH264, annexB([]byte{0x41, 0x9a, 0x02}), FrameTypeDelta},
		{"h264 disposable b", VideoCodecH264, annexB([]byte{0x01, 0x9e, 0x04}), FrameTypeNonRef},
		{"h264 parameter sets only", VideoCodecH264, annexB(testSPS, testPPS), FrameTypeUnknown},
		{"h265 idr", VideoCodecH265, annexB([]byte{0x26, 0x01, 0xaf}), FrameTypeKey},
		{"h265 cra", VideoCodecH265, annexB([]byte{0x2a, 0x01, 0xaf}), FrameTypeKey},
		{"h265 trail_r", VideoCodecH265, annexB([]byte{0x02, 0x01, 0xd0}), FrameTypeDelta},
		{"h265 trail_n", VideoCodecH265, annexB([]byte{0x00, 0x01, 0xd0}), FrameTypeNonRef},
		{"vp8 key", VideoCodecVP8, []byte{0x10, 0x02, 0x00}, FrameTypeKey},
		{"vp8 inter", VideoCodecVP8, []byte{0x11, 0x02, 0x00}, FrameTypeDelta},
		{"vp9 key", VideoCodecVP9, []byte{0x80, 0x49}, FrameTypeKey},
		{"vp9 inter", VideoCodecVP9, []byte{0x84, 0x00}, FrameTypeDelta},
		{"vp9 show existing", VideoCodecVP9, []byte{0x88}, FrameTypeUnknown},
		{"vp9 bad marker", VideoCodecVP9, []byte{0x00}, FrameTypeUnknown},
		{"mjpeg", VideoCodecMJPEG, []byte{0xff, 0xd8}, FrameTypeKey},
		{"empty", VideoCodecH264, nil, FrameTypeUnknown},
		{"av1", VideoCodecAV1, []byte{0x12, 0x00}, FrameTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyAccessUnit(tt.codec, tt.data); got != tt.want {
				t.Errorf("ClassifyAccessUnit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbeStreamFormat(t *testing.T) {
	fd, ok := ProbeStreamFormat(VideoCodecH264, annexB(testSPS, testPPS, []byte{0x65, 0x88}))
	if !ok {
		t.Fatal("no SPS found")
	}
	if fd.Fourcc != FourccH264 || fd.Width != 320 || fd.Height != 240 {
		t.Errorf("ProbeStreamFormat() = %v, want H264 320x240", fd)
	}

	if _, ok := ProbeStreamFormat(VideoCodecH264, annexB([]byte{0x41, 0x9a})); ok {
		t.Error("found SPS in a slice-only access unit")
	}
	if _, ok := ProbeStreamFormat(VideoCodecVP8, []byte{0x10}); ok {
		t.Error("VP8 has no parameter sets")
	}
}
