package m2m

// VideoCodec identifies the coded stream carried by one side of the device.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecH265
	VideoCodecAV1
	VideoCodecMJPEG
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	case VideoCodecAV1:
		return "AV1"
	case VideoCodecMJPEG:
		return "MJPEG"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecH264:
		return "video/H264"
	case VideoCodecH265:
		return "video/H265"
	case VideoCodecAV1:
		return "video/AV1"
	default:
		return ""
	}
}

// Fourcc returns the compressed pixel format the device uses for this codec.
func (c VideoCodec) Fourcc() Fourcc {
	switch c {
	case VideoCodecVP8:
		return FourccVP8
	case VideoCodecVP9:
		return FourccVP9
	case VideoCodecH264:
		return FourccH264
	case VideoCodecH265:
		return FourccHEVC
	case VideoCodecAV1:
		return FourccAV1
	case VideoCodecMJPEG:
		return FourccMJPEG
	default:
		return 0
	}
}

// CodecForFourcc maps a compressed fourcc back to its codec.
func CodecForFourcc(f Fourcc) VideoCodec {
	switch f {
	case FourccVP8:
		return VideoCodecVP8
	case FourccVP9:
		return VideoCodecVP9
	case FourccH264:
		return VideoCodecH264
	case FourccHEVC:
		return VideoCodecH265
	case FourccAV1:
		return VideoCodecAV1
	case FourccMJPEG:
		return VideoCodecMJPEG
	default:
		return VideoCodecUnknown
	}
}

// ParseVideoCodec accepts the names used in config files ("h264", "hevc", ...).
func ParseVideoCodec(s string) VideoCodec {
	switch s {
	case "vp8", "VP8":
		return VideoCodecVP8
	case "vp9", "VP9":
		return VideoCodecVP9
	case "h264", "H264", "avc":
		return VideoCodecH264
	case "h265", "H265", "hevc", "HEVC":
		return VideoCodecH265
	case "av1", "AV1":
		return VideoCodecAV1
	case "mjpeg", "MJPEG":
		return VideoCodecMJPEG
	default:
		return VideoCodecUnknown
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
// Note: Actual payload type is negotiated via SDP.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecVP8:
		return 96
	case VideoCodecVP9:
		return 98
	case VideoCodecH264:
		return 102
	case VideoCodecH265:
		return 104
	case VideoCodecAV1:
		return 35
	default:
		return 96
	}
}
