package m2m

import (
	"testing"
	"time"
)

func TestFourcc_String(t *testing.T) {
	tests := []struct {
		f    Fourcc
		want string
	}{
		{FourccH264, "H264"},
		{FourccHEVC, "HEVC"},
		{FourccNV12, "NV12"},
		{FourccVP8, "VP80"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.f.String(); got != tt.want {
				t.Errorf("Fourcc.String() = %v, want %v", got, tt.want)
			}
			parsed, err := ParseFourcc(tt.want)
			if err != nil {
				t.Fatalf("ParseFourcc(%q): %v", tt.want, err)
			}
			if parsed != tt.f {
				t.Errorf("ParseFourcc(%q) = %v, want %v", tt.want, parsed, tt.f)
			}
		})
	}

	if _, err := ParseFourcc("H2645"); err == nil {
		t.Error("ParseFourcc accepted a five character code")
	}
	if f, _ := ParseFourcc("Y8"); f.String() != "Y8  " {
		t.Errorf("short fourcc not padded: %q", f.String())
	}
}

func TestFormatDescriptor_FrameSize(t *testing.T) {
	tests := []struct {
		name string
		fd   FormatDescriptor
		want int
	}{
		{"explicit", FormatDescriptor{Fourcc: FourccNV12, Width: 640, Height: 480, SizeImage: 1000}, 1000},
		{"nv12", FormatDescriptor{Fourcc: FourccNV12, Width: 640, Height: 480}, 640 * 480 * 3 / 2},
		{"yuyv", FormatDescriptor{Fourcc: FourccYUYV, Width: 640, Height: 480}, 640 * 480 * 2},
		{"h264", FormatDescriptor{Fourcc: FourccH264, Width: 1920, Height: 1080}, 1920 * 1080 * 3 / 4},
		{"small h264", FormatDescriptor{Fourcc: FourccH264, Width: 16, Height: 16}, 64 << 10},
		{"no geometry", FormatDescriptor{Fourcc: FourccH264}, 1 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fd.FrameSize(); got != tt.want {
				t.Errorf("FrameSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFormatDescriptor_String(t *testing.T) {
	fd := FormatDescriptor{Fourcc: FourccH264, Width: 1280, Height: 720, FrameInterval: time.Second / 30}
	if got, want := fd.String(), "H264 1280x720 @30.00fps"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestFindFormat(t *testing.T) {
	formats := []FormatDescriptor{
		{Fourcc: FourccH264, Width: 1920},
		{Fourcc: FourccVP8, Width: 1280},
	}
	fd, ok := FindFormat(formats, FourccVP8)
	if !ok || fd.Width != 1280 {
		t.Errorf("FindFormat(VP8) = %v, %v", fd, ok)
	}
	if _, ok := FindFormat(formats, FourccAV1); ok {
		t.Error("FindFormat(AV1) found a format")
	}
}

func TestMergeFormat(t *testing.T) {
	probed := FormatDescriptor{Fourcc: FourccH264, Width: 1920, Height: 1080, SizeImage: 4096, FrameInterval: time.Second / 25}
	got := mergeFormat(FormatDescriptor{Fourcc: FourccH264, Width: 640}, probed)
	want := FormatDescriptor{Fourcc: FourccH264, Width: 640, Height: 1080, SizeImage: 4096, FrameInterval: time.Second / 25}
	if !got.Equal(want) {
		t.Errorf("mergeFormat() = %+v, want %+v", got, want)
	}
}

func TestDirection_String(t *testing.T) {
	if DirectionInput.String() != "input" || DirectionOutput.String() != "output" {
		t.Error("unexpected direction names")
	}
}
