package m2m

import (
	"testing"
)

func TestVideoCodec_String(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecVP8, "VP8"},
		{VideoCodecVP9, "VP9"},
		{VideoCodecH264, "H264"},
		{VideoCodecH265, "H265"},
		{VideoCodecAV1, "AV1"},
		{VideoCodecMJPEG, "MJPEG"},
		{VideoCodecUnknown, "Unknown"},
		{VideoCodec(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.codec.String(); got != tt.want {
				t.Errorf("VideoCodec.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVideoCodec_MimeType(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecVP8, "video/VP8"},
		{VideoCodecVP9, "video/VP9"},
		{VideoCodecH264, "video/H264"},
		{VideoCodecH265, "video/H265"},
		{VideoCodecAV1, "video/AV1"},
		{VideoCodecUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if got := tt.codec.MimeType(); got != tt.want {
				t.Errorf("VideoCodec.MimeType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVideoCodec_FourccRoundTrip(t *testing.T) {
	codecs := []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecH265, VideoCodecAV1, VideoCodecMJPEG}

	for _, codec := range codecs {
		t.Run(codec.String(), func(t *testing.T) {
			f := codec.Fourcc()
			if !f.IsCompressed() {
				t.Errorf("%s fourcc %s not compressed", codec, f)
			}
			if got := CodecForFourcc(f); got != codec {
				t.Errorf("CodecForFourcc(%s) = %v, want %v", f, got, codec)
			}
		})
	}

	if got := CodecForFourcc(FourccNV12); got != VideoCodecUnknown {
		t.Errorf("CodecForFourcc(NV12) = %v, want Unknown", got)
	}
}

func TestParseVideoCodec(t *testing.T) {
	tests := []struct {
		in   string
		want VideoCodec
	}{
		{"h264", VideoCodecH264},
		{"avc", VideoCodecH264},
		{"hevc", VideoCodecH265},
		{"H265", VideoCodecH265},
		{"vp9", VideoCodecVP9},
		{"mjpeg", VideoCodecMJPEG},
		{"theora", VideoCodecUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseVideoCodec(tt.in); got != tt.want {
				t.Errorf("ParseVideoCodec(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestVideoCodec_ClockRate(t *testing.T) {
	// All video codecs should use 90kHz clock
	codecs := []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecH265, VideoCodecAV1}

	for _, codec := range codecs {
		t.Run(codec.String(), func(t *testing.T) {
			if got := codec.ClockRate(); got != 90000 {
				t.Errorf("VideoCodec.ClockRate() = %v, want 90000", got)
			}
		})
	}
}

func TestVideoCodec_DefaultPayloadType(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  uint8
	}{
		{VideoCodecVP8, 96},
		{VideoCodecVP9, 98},
		{VideoCodecH264, 102},
		{VideoCodecH265, 104},
		{VideoCodecAV1, 35},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if got := tt.codec.DefaultPayloadType(); got != tt.want {
				t.Errorf("VideoCodec.DefaultPayloadType() = %v, want %v", got, tt.want)
			}
		})
	}
}
