//go:build linux

package m2m

import "unsafe"

// Kernel ABI for the V4L2 memory-to-memory codec interface
// (include/uapi/linux/videodev2.h), 64-bit layout.

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

var (
	vidiocQueryCap       = ioc(iocRead, 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocEnumFmt        = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(v4l2FmtDesc{}))
	vidiocGFmt           = ioc(iocRead|iocWrite, 4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt           = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqBufs        = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQueryBuf       = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQBuf           = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDQBuf          = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn       = ioc(iocWrite, 18, 4)
	vidiocStreamOff      = ioc(iocWrite, 19, 4)
	vidiocGCtrl          = ioc(iocRead|iocWrite, 27, unsafe.Sizeof(v4l2Control{}))
	vidiocSCtrl          = ioc(iocRead|iocWrite, 28, unsafe.Sizeof(v4l2Control{}))
	vidiocEncoderCmd     = ioc(iocRead|iocWrite, 77, unsafe.Sizeof(v4l2StreamCmd{}))
	vidiocDQEvent        = ioc(iocRead, 89, unsafe.Sizeof(v4l2Event{}))
	vidiocSubscribeEvent = ioc(iocWrite, 90, unsafe.Sizeof(v4l2EventSubscription{}))
	vidiocDecoderCmd     = ioc(iocRead|iocWrite, 96, unsafe.Sizeof(v4l2StreamCmd{}))
)

const (
	v4l2CapVideoM2MMplane = 0x00004000
	v4l2CapVideoM2M       = 0x00008000
	v4l2CapStreaming      = 0x04000000
	v4l2CapDeviceCaps     = 0x80000000

	v4l2BufTypeCaptureMplane = 9
	v4l2BufTypeOutputMplane  = 10

	v4l2MemoryMmap = 1
	v4l2FieldNone  = 1

	v4l2FmtFlagCompressed = 0x0001

	v4l2BufFlagKeyframe      = 0x00000008
	v4l2BufFlagError         = 0x00000040
	v4l2BufFlagTimestampCopy = 0x00004000
	v4l2BufFlagLast          = 0x00100000

	v4l2EventEOS          = 2
	v4l2EventSourceChange = 5

	v4l2CmdStart = 0
	v4l2CmdStop  = 1

	videoMaxPlanes = 8
)

type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type v4l2FmtDesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]byte
	PixelFormat uint32
	MbusCode    uint32
	Reserved    [3]uint32
}

type v4l2PlanePixFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
	Reserved     [6]uint16
}

type v4l2PixFormatMplane struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	Colorspace   uint32
	PlaneFmt     [videoMaxPlanes]v4l2PlanePixFormat
	NumPlanes    uint8
	Flags        uint8
	YCbCrEnc     uint8
	Quantization uint8
	XferFunc     uint8
	Reserved     [7]uint8
}

// v4l2Format carries the 200-byte format union, 8-byte aligned.
type v4l2Format struct {
	Type uint32
	_    uint32
	Fmt  [200]byte
}

func (f *v4l2Format) pixMp() *v4l2PixFormatMplane {
	return (*v4l2PixFormatMplane)(unsafe.Pointer(&f.Fmt[0]))
}

type v4l2RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

type v4l2Timeval struct {
	Sec  int64
	Usec int64
}

type v4l2Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	_         uint32
	Timestamp v4l2Timeval
	Timecode  v4l2Timecode
	Sequence  uint32
	Memory    uint32
	Planes    uintptr // m.planes
	Length    uint32
	Reserved2 uint32
	RequestFD int32
	_         uint32
}

type v4l2Plane struct {
	BytesUsed  uint32
	Length     uint32
	MemOffset  uint64 // m.mem_offset, widened by the union
	DataOffset uint32
	Reserved   [11]uint32
}

// v4l2BufferMplane keeps the plane array next to the buffer so both
// live in one heap object for the duration of the ioctl.
type v4l2BufferMplane struct {
	buf    v4l2Buffer
	planes [videoMaxPlanes]v4l2Plane
}

func newBufferMplane(typ, index uint32) *v4l2BufferMplane {
	b := &v4l2BufferMplane{}
	b.buf.Type = typ
	b.buf.Index = index
	b.buf.Memory = v4l2MemoryMmap
	b.buf.Length = videoMaxPlanes
	b.buf.Planes = uintptr(unsafe.Pointer(&b.planes[0]))
	return b
}

type v4l2Control struct {
	ID    uint32
	Value int32
}

// v4l2StreamCmd matches both v4l2_decoder_cmd and v4l2_encoder_cmd.
type v4l2StreamCmd struct {
	Cmd   uint32
	Flags uint32
	Raw   [8]uint32
}

type v4l2EventSubscription struct {
	Type     uint32
	ID       uint32
	Flags    uint32
	Reserved [5]uint32
}

type v4l2Event struct {
	Type      uint32
	_         uint32
	U         [64]byte
	Pending   uint32
	Sequence  uint32
	Timestamp [2]int64
	ID        uint32
	Reserved  [8]uint32
	_         uint32
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
