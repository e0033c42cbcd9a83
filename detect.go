package m2m

import (
	"encoding/binary"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
)

// DetectVideoCodec detects the codec of one compressed access unit.
// Supports detection of:
//   - H.264 and H.265 in Annex-B byte stream format
//   - VP8 key frames (RFC 6386 start code)
//   - VP9 frames (frame marker)
//   - AV1 OBUs
//   - IVF headers and JPEG images
//
// Returns VideoCodecUnknown if the codec cannot be determined. Delta
// frames of VP8 carry no signature; detect on a key frame.
func DetectVideoCodec(data []byte) VideoCodec {
	if len(data) < 4 {
		return VideoCodecUnknown
	}

	if data[0] == 0xFF && data[1] == 0xD8 {
		return VideoCodecMJPEG
	}

	if off := annexBPayload(data); off > 0 {
		if isHEVCNALHeader(data[off:]) {
			return VideoCodecH265
		}
		if isH264NALType(avc.GetNaluType(data[off])) {
			return VideoCodecH264
		}
		return VideoCodecUnknown
	}

	// IVF file header
	if len(data) >= 32 && string(data[0:4]) == "DKIF" {
		return CodecForFourcc(Fourcc(binary.LittleEndian.Uint32(data[8:12])))
	}

	if isVP8Keyframe(data) {
		return VideoCodecVP8
	}
	if isVP9Frame(data) {
		return VideoCodecVP9
	}
	if isAV1OBU(data) {
		return VideoCodecAV1
	}
	return VideoCodecUnknown
}

// annexBPayload returns the offset of the first NAL header after a
// leading start code, or 0.
func annexBPayload(data []byte) int {
	switch {
	case len(data) > 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1:
		return 4
	case len(data) > 3 && data[0] == 0 && data[1] == 0 && data[2] == 1:
		return 3
	default:
		return 0
	}
}

// isH264NALType checks a type against ITU-T H.264 Table 7-1.
func isH264NALType(t avc.NaluType) bool {
	return (t >= 1 && t <= 12) || (t >= 19 && t <= 21)
}

// isHEVCNALHeader checks for a two byte H.265 NAL header in the base
// layer with a parameter set, AUD, SEI or slice type. 0x06 and 0x0C
// followed by 0x01 are H.264 SEI and filler bytes.
func isHEVCNALHeader(nal []byte) bool {
	if len(nal) < 2 || nal[0]&0x81 != 0 || nal[1] != 0x01 {
		return false
	}
	if nal[0] == 0x06 || nal[0] == 0x0C {
		return false
	}
	t := hevc.GetNaluType(nal[0])
	return t <= hevc.NALU_CRA || (t >= hevc.NALU_VPS && t <= hevc.NALU_SEI_SUFFIX)
}

// isVP8Keyframe checks the RFC 6386 key frame start code after the
// three byte frame tag.
func isVP8Keyframe(data []byte) bool {
	if len(data) < 10 || data[0]&0x01 != 0 {
		return false
	}
	return data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A
}

// isVP9Frame checks the two bit frame marker of the uncompressed header.
func isVP9Frame(data []byte) bool {
	return len(data) >= 3 && (data[0]>>6)&0x03 == 0x02
}

// isAV1OBU checks for a valid OBU header: forbidden bit clear and a
// defined obu_type.
func isAV1OBU(data []byte) bool {
	if len(data) < 2 || data[0]&0x80 != 0 {
		return false
	}
	t := (data[0] >> 3) & 0x0F
	return (t >= 1 && t <= 8) || t == 15
}

// vp8KeyframeSize reads the 14 bit dimensions of a VP8 key frame.
func vp8KeyframeSize(data []byte) (w, h int, ok bool) {
	if !isVP8Keyframe(data) {
		return 0, 0, false
	}
	w = int(binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF)
	h = int(binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF)
	return w, h, w > 0 && h > 0
}
