package m2m

import (
	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
)

// ClassifyAccessUnit inspects a compressed access unit and reports its
// frame type. Unparseable data is FrameTypeUnknown.
func ClassifyAccessUnit(codec VideoCodec, au []byte) FrameType {
	if len(au) == 0 {
		return FrameTypeUnknown
	}
	switch codec {
	case VideoCodecH264:
		return classifyAVC(au)
	case VideoCodecH265:
		return classifyHEVC(au)
	case VideoCodecVP8:
		// Bit 0 of the frame tag is the inverse key frame flag.
		if au[0]&0x01 == 0 {
			return FrameTypeKey
		}
		return FrameTypeDelta
	case VideoCodecVP9:
		return classifyVP9(au)
	case VideoCodecMJPEG:
		return FrameTypeKey
	default:
		return FrameTypeUnknown
	}
}

func classifyAVC(au []byte) FrameType {
	ft := FrameTypeUnknown
	for _, nalu := range avc.ExtractNalusFromByteStream(au) {
		if len(nalu) == 0 {
			continue
		}
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_IDR:
			return FrameTypeKey
		case avc.NALU_NON_IDR:
			// nal_ref_idc of zero: no other picture predicts from this one.
			if nalu[0]&0x60 == 0 {
				if ft == FrameTypeUnknown {
					ft = FrameTypeNonRef
				}
			} else {
				ft = FrameTypeDelta
			}
		}
	}
	return ft
}

func classifyHEVC(au []byte) FrameType {
	ft := FrameTypeUnknown
	for _, nalu := range avc.ExtractNalusFromByteStream(au) {
		if len(nalu) < 2 {
			continue
		}
		t := hevc.GetNaluType(nalu[0])
		switch {
		case t == hevc.NALU_IDR_W_RADL, t == hevc.NALU_IDR_N_LP, t == hevc.NALU_CRA:
			return FrameTypeKey
		case t <= 14:
			// Even VCL types up to RSV_VCL_N14 are sub-layer non-reference.
			if t%2 == 0 {
				if ft == FrameTypeUnknown {
					ft = FrameTypeNonRef
				}
			} else {
				ft = FrameTypeDelta
			}
		}
	}
	return ft
}

func classifyVP9(au []byte) FrameType {
	r := bitReader{data: au}
	if r.bits(2) != 2 { // frame_marker
		return FrameTypeUnknown
	}
	profile := r.bits(1) | r.bits(1)<<1
	if profile == 3 {
		r.bits(1)
	}
	if r.bits(1) == 1 { // show_existing_frame
		return FrameTypeUnknown
	}
	if r.err {
		return FrameTypeUnknown
	}
	if r.bits(1) == 0 {
		return FrameTypeKey
	}
	return FrameTypeDelta
}

type bitReader struct {
	data []byte
	pos  int
	err  bool
}

func (r *bitReader) bits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := r.pos / 8
		if byteIdx >= len(r.data) {
			r.err = true
			return 0
		}
		bit := (r.data[byteIdx] >> (7 - uint(r.pos%8))) & 1
		v = v<<1 | uint32(bit)
		r.pos++
	}
	return v
}

// ProbeStreamFormat reads the coded size from the first sequence
// parameter set in an H.264 or H.265 access unit, or from a VP8 key
// frame header.
func ProbeStreamFormat(codec VideoCodec, au []byte) (FormatDescriptor, bool) {
	fd := FormatDescriptor{Fourcc: codec.Fourcc()}
	switch codec {
	case VideoCodecH264:
		for _, nalu := range avc.ExtractNalusFromByteStream(au) {
			if len(nalu) == 0 || avc.GetNaluType(nalu[0]) != avc.NALU_SPS {
				continue
			}
			sps, err := avc.ParseSPSNALUnit(nalu, true)
			if err != nil {
				return fd, false
			}
			fd.Width, fd.Height = int(sps.Width), int(sps.Height)
			return fd, true
		}
	case VideoCodecH265:
		for _, nalu := range avc.ExtractNalusFromByteStream(au) {
			if len(nalu) < 2 || hevc.GetNaluType(nalu[0]) != hevc.NALU_SPS {
				continue
			}
			sps, err := hevc.ParseSPSNALUnit(nalu)
			if err != nil {
				return fd, false
			}
			w, h := sps.ImageSize()
			fd.Width, fd.Height = int(w), int(h)
			return fd, true
		}
	case VideoCodecVP8:
		if w, h, ok := vp8KeyframeSize(au); ok {
			fd.Width, fd.Height = w, h
			return fd, true
		}
	}
	return fd, false
}
