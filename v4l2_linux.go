//go:build linux

package m2m

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

const (
	cidMinBuffersForCapture ControlID = 0x00980927
	cidMinBuffersForOutput  ControlID = 0x00980928
)

// V4L2Config configures a V4L2Device.
type V4L2Config struct {
	// UseLibV4L2 routes syscalls through libv4l2 when it can be loaded.
	UseLibV4L2 bool
	Logger     *slog.Logger
}

// V4L2Device drives a V4L2 multi-planar memory-to-memory codec node.
// Only single-plane formats are supported.
type V4L2Device struct {
	path string
	fd   int
	sys  v4l2Sys
	log  *slog.Logger
	caps v4l2Capability

	mu       sync.Mutex
	bufs     [2][]*DeviceBuffer
	formats  [2]FormatDescriptor
	wake     [2]int // eventfds that interrupt poll
	stopping bool   // a stop command is in flight
	changed  bool   // source change seen, not yet reported
	closed   bool
}

var (
	_ Device             = (*V4L2Device)(nil)
	_ ControlDevice      = (*V4L2Device)(nil)
	_ SourceChangeDevice = (*V4L2Device)(nil)
)

// OpenV4L2 opens a codec node such as /dev/video10.
func OpenV4L2(path string, cfg V4L2Config) (*V4L2Device, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var sys v4l2Sys = kernelSys{}
	if cfg.UseLibV4L2 {
		s, err := newLibV4L2Sys()
		if err != nil {
			cfg.Logger.Warn("libv4l2 unavailable, using kernel interface", "error", err)
		} else {
			sys = s
		}
	}

	fd, err := sys.open(path, unix.O_RDWR|unix.O_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d := &V4L2Device{path: path, fd: fd, sys: sys, wake: [2]int{-1, -1}}
	if err := d.ioctl("VIDIOC_QUERYCAP", vidiocQueryCap, unsafe.Pointer(&d.caps)); err != nil {
		sys.close(fd)
		return nil, err
	}
	if d.deviceCaps()&v4l2CapVideoM2MMplane == 0 {
		sys.close(fd)
		return nil, fmt.Errorf("%s: not a multi-planar m2m device: %w", path, ErrNoSupportedFormat)
	}
	for i := range d.wake {
		efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("eventfd: %w", err)
		}
		d.wake[i] = efd
	}
	d.log = cfg.Logger.With("device", path, "driver", cString(d.caps.Driver[:]), "sys", sys.name())

	for _, ev := range []uint32{v4l2EventSourceChange, v4l2EventEOS} {
		sub := v4l2EventSubscription{Type: ev}
		if err := d.ioctl("VIDIOC_SUBSCRIBE_EVENT", vidiocSubscribeEvent, unsafe.Pointer(&sub)); err != nil {
			d.log.Debug("event not supported", "event", ev, "error", err)
		}
	}
	return d, nil
}

func (d *V4L2Device) deviceCaps() uint32 {
	if d.caps.Capabilities&v4l2CapDeviceCaps != 0 {
		return d.caps.DeviceCaps
	}
	return d.caps.Capabilities
}

func (d *V4L2Device) ioctl(op string, req uintptr, arg unsafe.Pointer) error {
	if err := d.sys.ioctl(d.fd, req, arg); err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return &DeviceError{Op: op, Errno: errno}
		}
		return fmt.Errorf("%w: %s: %w", ErrDeviceIO, op, err)
	}
	return nil
}

func bufType(dir Direction) uint32 {
	if dir == DirectionInput {
		return v4l2BufTypeOutputMplane
	}
	return v4l2BufTypeCaptureMplane
}

func (d *V4L2Device) String() string {
	return fmt.Sprintf("%s (%s)", d.path, cString(d.caps.Card[:]))
}

// Label returns the card name reported by the driver.
func (d *V4L2Device) Label() string { return cString(d.caps.Card[:]) }

// ProbeFormats implements Device.
func (d *V4L2Device) ProbeFormats(dir Direction) ([]FormatDescriptor, error) {
	var out []FormatDescriptor
	for i := uint32(0); ; i++ {
		desc := v4l2FmtDesc{Index: i, Type: bufType(dir)}
		if err := d.ioctl("VIDIOC_ENUM_FMT", vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			if errors.Is(err, syscall.EINVAL) {
				break
			}
			return nil, err
		}
		out = append(out, FormatDescriptor{Fourcc: Fourcc(desc.PixelFormat)})
	}
	return out, nil
}

// Configure implements Device.
func (d *V4L2Device) Configure(dir Direction, fd FormatDescriptor) (FormatDescriptor, error) {
	f := v4l2Format{Type: bufType(dir)}
	pix := f.pixMp()
	pix.Width = uint32(fd.Width)
	pix.Height = uint32(fd.Height)
	pix.PixelFormat = uint32(fd.Fourcc)
	pix.Field = v4l2FieldNone
	pix.NumPlanes = 1
	if fd.SizeImage > 0 {
		pix.PlaneFmt[0].SizeImage = uint32(fd.SizeImage)
	} else if fd.Fourcc.IsCompressed() {
		pix.PlaneFmt[0].SizeImage = uint32(fd.FrameSize())
	}
	if err := d.ioctl("VIDIOC_S_FMT", vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return FormatDescriptor{}, err
	}

	got, err := d.formatFrom(dir, &f)
	if err != nil {
		return FormatDescriptor{}, err
	}
	got.FrameInterval = fd.FrameInterval
	got.BufferCount = max(got.BufferCount, fd.BufferCount)

	d.mu.Lock()
	d.formats[dir] = got
	d.mu.Unlock()
	d.log.Debug("format set", "dir", dir, "format", got, "buffers", got.BufferCount)
	return got, nil
}

// CurrentFormat implements SourceChangeDevice.
func (d *V4L2Device) CurrentFormat(dir Direction) (FormatDescriptor, error) {
	f := v4l2Format{Type: bufType(dir)}
	if err := d.ioctl("VIDIOC_G_FMT", vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return FormatDescriptor{}, err
	}
	got, err := d.formatFrom(dir, &f)
	if err != nil {
		return FormatDescriptor{}, err
	}
	d.mu.Lock()
	got.FrameInterval = d.formats[dir].FrameInterval
	d.formats[dir] = got
	d.mu.Unlock()
	return got, nil
}

func (d *V4L2Device) formatFrom(dir Direction, f *v4l2Format) (FormatDescriptor, error) {
	pix := f.pixMp()
	if pix.NumPlanes > 1 {
		return FormatDescriptor{}, fmt.Errorf("%w: %s uses %d planes", ErrNoSupportedFormat, Fourcc(pix.PixelFormat), pix.NumPlanes)
	}
	fd := FormatDescriptor{
		Fourcc:    Fourcc(pix.PixelFormat),
		Width:     int(pix.Width),
		Height:    int(pix.Height),
		SizeImage: int(pix.PlaneFmt[0].SizeImage),
	}
	cid := cidMinBuffersForOutput
	if dir == DirectionOutput {
		cid = cidMinBuffersForCapture
	}
	if n, err := d.GetControl(cid); err == nil {
		fd.BufferCount = int(n)
	}
	return fd, nil
}

// RequestBuffers implements Device.
func (d *V4L2Device) RequestBuffers(dir Direction, count int) ([]*DeviceBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result *multierror.Error
	for _, b := range d.bufs[dir] {
		if err := d.sys.munmap(b.Mem()); err != nil {
			result = multierror.Append(result, fmt.Errorf("munmap %s buffer %d: %w", dir, b.Index, err))
		}
	}
	d.bufs[dir] = nil
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	req := v4l2RequestBuffers{Count: uint32(count), Type: bufType(dir), Memory: v4l2MemoryMmap}
	if err := d.ioctl("VIDIOC_REQBUFS", vidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	bufs := make([]*DeviceBuffer, 0, req.Count)
	for i := uint32(0); i < req.Count; i++ {
		b := newBufferMplane(bufType(dir), i)
		if err := d.ioctl("VIDIOC_QUERYBUF", vidiocQueryBuf, unsafe.Pointer(&b.buf)); err != nil {
			d.unmapLocked(dir, bufs)
			return nil, err
		}
		mem, err := d.sys.mmap(d.fd, int64(b.planes[0].MemOffset), int(b.planes[0].Length))
		if err != nil {
			d.unmapLocked(dir, bufs)
			return nil, fmt.Errorf("%w: mmap %s buffer %d: %w", ErrPoolExhausted, dir, i, err)
		}
		bufs = append(bufs, NewDeviceBuffer(dir, int(i), mem))
	}
	d.bufs[dir] = bufs
	d.log.Debug("buffers allocated", "dir", dir, "requested", count, "count", len(bufs))
	return bufs, nil
}

func (d *V4L2Device) unmapLocked(dir Direction, bufs []*DeviceBuffer) {
	for _, b := range bufs {
		d.sys.munmap(b.Mem())
	}
	req := v4l2RequestBuffers{Type: bufType(dir), Memory: v4l2MemoryMmap}
	d.ioctl("VIDIOC_REQBUFS", vidiocReqBufs, unsafe.Pointer(&req))
}

// QueueStart implements Device.
func (d *V4L2Device) QueueStart(dir Direction) error {
	typ := int32(bufType(dir))
	return d.ioctl("VIDIOC_STREAMON", vidiocStreamOn, unsafe.Pointer(&typ))
}

// QueueStop implements Device. The driver returns every queued buffer.
func (d *V4L2Device) QueueStop(dir Direction) error {
	typ := int32(bufType(dir))
	err := d.ioctl("VIDIOC_STREAMOFF", vidiocStreamOff, unsafe.Pointer(&typ))
	d.mu.Lock()
	if dir == DirectionOutput {
		d.changed = false
	} else {
		d.stopping = false
	}
	d.mu.Unlock()
	return err
}

// SubmitBuffer implements Device.
func (d *V4L2Device) SubmitBuffer(dir Direction, buf *DeviceBuffer) error {
	b := newBufferMplane(bufType(dir), uint32(buf.Index))
	b.buf.Length = 1
	b.buf.Field = v4l2FieldNone
	b.planes[0].Length = uint32(buf.Capacity())
	if dir == DirectionInput {
		b.planes[0].BytesUsed = uint32(buf.BytesUsed)
		b.buf.Flags = v4l2BufFlagTimestampCopy
		b.buf.Timestamp = v4l2Timeval{
			Sec:  int64(buf.Timestamp / time.Second),
			Usec: int64(buf.Timestamp % time.Second / time.Microsecond),
		}
		if buf.Flags.Has(BufferFlagKeyframe) {
			b.buf.Flags |= v4l2BufFlagKeyframe
		}
	}
	return d.ioctl("VIDIOC_QBUF", vidiocQBuf, unsafe.Pointer(&b.buf))
}

// WaitBuffer implements Device. It polls the node together with an
// eventfd that ctx cancellation writes to.
func (d *V4L2Device) WaitBuffer(ctx context.Context, dir Direction) (*DeviceBuffer, error) {
	stop := context.AfterFunc(ctx, func() { d.signal(dir) })
	defer stop()

	events := int16(unix.POLLOUT)
	if dir == DirectionOutput {
		events = unix.POLLIN | unix.POLLPRI
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf, err := d.dequeue(dir)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, syscall.EAGAIN) {
			return nil, err
		}
		if dir == DirectionOutput && d.takeChange() {
			return nil, ErrSourceChange
		}

		fds := []unix.PollFd{
			{Fd: int32(d.fd), Events: events},
			{Fd: int32(d.wake[dir]), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			var errno syscall.Errno
			if errors.As(err, &errno) {
				return nil, &DeviceError{Op: "poll", Errno: errno}
			}
			return nil, err
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			d.drainWake(dir)
		}
		if fds[0].Revents&unix.POLLERR != 0 {
			return nil, &DeviceError{Op: "poll", Errno: syscall.EIO}
		}
		if fds[0].Revents&unix.POLLPRI != 0 {
			if err := d.dequeueEvents(); err != nil {
				return nil, err
			}
		}
	}
}

func (d *V4L2Device) dequeue(dir Direction) (*DeviceBuffer, error) {
	b := newBufferMplane(bufType(dir), 0)
	if err := d.ioctl("VIDIOC_DQBUF", vidiocDQBuf, unsafe.Pointer(&b.buf)); err != nil {
		if dir == DirectionOutput && errors.Is(err, syscall.EPIPE) {
			if d.takeChange() {
				return nil, ErrSourceChange
			}
			return nil, ErrEndOfStream
		}
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if int(b.buf.Index) >= len(d.bufs[dir]) {
		return nil, fmt.Errorf("%w: dequeued unknown %s buffer %d", ErrDeviceIO, dir, b.buf.Index)
	}
	buf := d.bufs[dir][b.buf.Index]
	buf.BytesUsed = int(b.planes[0].BytesUsed)
	buf.Timestamp = time.Duration(b.buf.Timestamp.Sec)*time.Second + time.Duration(b.buf.Timestamp.Usec)*time.Microsecond
	buf.Flags = 0
	if b.buf.Flags&v4l2BufFlagKeyframe != 0 {
		buf.Flags |= BufferFlagKeyframe
	}
	if b.buf.Flags&v4l2BufFlagError != 0 {
		buf.Flags |= BufferFlagCorrupted
	}
	if b.buf.Flags&v4l2BufFlagLast != 0 {
		if d.stopping {
			buf.Flags |= BufferFlagLast
		} else {
			// A LAST buffer outside a drain ends the old geometry.
			d.changed = true
			if buf.BytesUsed == 0 {
				d.changed = false
				return nil, ErrSourceChange
			}
		}
	}
	return buf, nil
}

func (d *V4L2Device) dequeueEvents() error {
	for {
		var ev v4l2Event
		if err := d.ioctl("VIDIOC_DQEVENT", vidiocDQEvent, unsafe.Pointer(&ev)); err != nil {
			if errors.Is(err, syscall.ENOENT) {
				return nil
			}
			return err
		}
		switch ev.Type {
		case v4l2EventSourceChange:
			d.log.Debug("source change event")
			d.mu.Lock()
			d.changed = true
			d.mu.Unlock()
		case v4l2EventEOS:
			d.log.Debug("end of stream event")
		}
		if ev.Pending == 0 {
			return nil
		}
	}
}

func (d *V4L2Device) takeChange() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.changed
	d.changed = false
	return c
}

func (d *V4L2Device) signal(dir Direction) {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	unix.Write(d.wake[dir], b[:])
}

func (d *V4L2Device) drainWake(dir Direction) {
	var b [8]byte
	unix.Read(d.wake[dir], b[:])
}

// SendCommand implements Device with VIDIOC_DECODER_CMD for bitstream
// input and VIDIOC_ENCODER_CMD otherwise.
func (d *V4L2Device) SendCommand(cmd Command, flags uint32) error {
	c := v4l2StreamCmd{Flags: flags}
	switch cmd {
	case CommandStart:
		c.Cmd = v4l2CmdStart
	case CommandStop:
		c.Cmd = v4l2CmdStop
	default:
		return ErrCommandNotSupported
	}

	d.mu.Lock()
	decoder := d.formats[DirectionInput].Fourcc.IsCompressed()
	d.mu.Unlock()

	op, req := "VIDIOC_ENCODER_CMD", vidiocEncoderCmd
	if decoder {
		op, req = "VIDIOC_DECODER_CMD", vidiocDecoderCmd
	}
	if err := d.ioctl(op, req, unsafe.Pointer(&c)); err != nil {
		if errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL) {
			return fmt.Errorf("%w: %w", ErrCommandNotSupported, err)
		}
		return err
	}

	d.mu.Lock()
	d.stopping = cmd == CommandStop
	d.mu.Unlock()
	return nil
}

// SetControl implements ControlDevice.
func (d *V4L2Device) SetControl(id ControlID, value int32) error {
	c := v4l2Control{ID: uint32(id), Value: value}
	return d.ioctl("VIDIOC_S_CTRL", vidiocSCtrl, unsafe.Pointer(&c))
}

// GetControl implements ControlDevice.
func (d *V4L2Device) GetControl(id ControlID) (int32, error) {
	c := v4l2Control{ID: uint32(id)}
	if err := d.ioctl("VIDIOC_G_CTRL", vidiocGCtrl, unsafe.Pointer(&c)); err != nil {
		if errors.Is(err, syscall.EINVAL) {
			return 0, fmt.Errorf("%w: %w", ErrCommandNotSupported, err)
		}
		return 0, err
	}
	return c.Value, nil
}

// Close unmaps every buffer and closes the node.
func (d *V4L2Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var result *multierror.Error
	for dir := range d.bufs {
		for _, b := range d.bufs[dir] {
			if err := d.sys.munmap(b.Mem()); err != nil {
				result = multierror.Append(result, err)
			}
		}
		d.bufs[dir] = nil
	}
	d.mu.Unlock()

	for _, efd := range d.wake {
		if efd >= 0 {
			unix.Close(efd)
		}
	}
	if err := d.sys.close(d.fd); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", d.path, err))
	}
	return result.ErrorOrNil()
}

// V4L2Provider discovers codec nodes under /dev.
type V4L2Provider struct {
	cfg  V4L2Config
	glob string
}

// NewV4L2Provider returns a provider scanning /dev/video*.
func NewV4L2Provider(cfg V4L2Config) *V4L2Provider {
	return &V4L2Provider{cfg: cfg, glob: "/dev/video*"}
}

// ListCodecDevices implements DeviceProvider. Nodes that cannot be opened
// or are not memory-to-memory devices are skipped.
func (p *V4L2Provider) ListCodecDevices(ctx context.Context) ([]DeviceInfo, error) {
	paths, err := filepath.Glob(p.glob)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var devices []DeviceInfo
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		d, err := OpenV4L2(path, p.cfg)
		if err != nil {
			continue
		}
		info, err := describeDevice(path, d)
		d.Close()
		if err != nil {
			continue
		}
		info.Driver = cString(d.caps.Driver[:])
		info.BusInfo = cString(d.caps.BusInfo[:])
		devices = append(devices, info)
	}
	return devices, nil
}

// OpenDevice implements DeviceProvider.
func (p *V4L2Provider) OpenDevice(deviceID string) (Device, error) {
	return OpenV4L2(deviceID, p.cfg)
}

func init() {
	if GetDeviceProvider() == nil {
		RegisterDeviceProvider(NewV4L2Provider(V4L2Config{}))
	}
}
