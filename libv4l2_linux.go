//go:build linux

package m2m

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

// v4l2Sys is the syscall layer under V4L2Device. The kernel layer talks
// to the driver directly; the libv4l2 layer routes through the userspace
// plugin library, which some vendor codecs require.
type v4l2Sys interface {
	open(path string, flags int) (int, error)
	ioctl(fd int, req uintptr, arg unsafe.Pointer) error
	mmap(fd int, offset int64, length int) ([]byte, error)
	munmap(b []byte) error
	close(fd int) error
	name() string
}

type kernelSys struct{}

func (kernelSys) open(path string, flags int) (int, error) {
	return unix.Open(path, flags|unix.O_CLOEXEC, 0)
}

func (kernelSys) ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func (kernelSys) mmap(fd int, offset int64, length int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (kernelSys) munmap(b []byte) error { return unix.Munmap(b) }
func (kernelSys) close(fd int) error    { return unix.Close(fd) }
func (kernelSys) name() string          { return "kernel" }

var (
	// libv4l2 library state
	libv4l2Once    sync.Once
	libv4l2Handle  uintptr
	libcHandle     uintptr
	libv4l2InitErr error
	libv4l2Loaded  bool
)

// libv4l2 function pointers
var (
	libv4l2Open   func(path string, flags int32, mode int32) int32
	libv4l2Close  func(fd int32) int32
	libv4l2Ioctl  func(fd int32, req uintptr, arg unsafe.Pointer) int32
	libv4l2Mmap   func(start uintptr, length uintptr, prot, flags, fd int32, offset int64) uintptr
	libv4l2Munmap func(start unsafe.Pointer, length uintptr) int32
	libcErrno     func() unsafe.Pointer
)

// findLibrary searches for a shared library in common locations.
func findLibrary(libName string) string {
	searchPaths := []string{
		os.Getenv("M2M_LIB_PATH"),
	}
	if exe, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Dir(exe))
	}
	searchPaths = append(searchPaths,
		"/usr/local/lib",
		"/usr/lib",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib/aarch64-linux-gnu",
		"/usr/lib/arm-linux-gnueabihf",
		"/usr/lib64",
	)

	for _, p := range searchPaths {
		if p == "" {
			continue
		}
		candidate := filepath.Join(p, libName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func initLibV4L2() {
	libv4l2Once.Do(func() {
		libPath := findLibrary("libv4l2.so.0")
		if libPath == "" {
			libv4l2InitErr = fmt.Errorf("libv4l2.so.0 not found")
			return
		}

		var err error
		libv4l2Handle, err = purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			libv4l2InitErr = fmt.Errorf("failed to load %s: %w", libPath, err)
			return
		}
		libcHandle, err = purego.Dlopen("libc.so.6", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			libv4l2InitErr = fmt.Errorf("failed to load libc: %w", err)
			return
		}

		purego.RegisterLibFunc(&libv4l2Open, libv4l2Handle, "v4l2_open")
		purego.RegisterLibFunc(&libv4l2Close, libv4l2Handle, "v4l2_close")
		purego.RegisterLibFunc(&libv4l2Ioctl, libv4l2Handle, "v4l2_ioctl")
		purego.RegisterLibFunc(&libv4l2Mmap, libv4l2Handle, "v4l2_mmap")
		purego.RegisterLibFunc(&libv4l2Munmap, libv4l2Handle, "v4l2_munmap")
		purego.RegisterLibFunc(&libcErrno, libcHandle, "__errno_location")

		libv4l2Loaded = true
	})
}

// IsLibV4L2Available reports whether the libv4l2 plugin library loaded.
func IsLibV4L2Available() bool {
	initLibV4L2()
	return libv4l2Loaded
}

type libv4l2Sys struct{}

func newLibV4L2Sys() (v4l2Sys, error) {
	initLibV4L2()
	if !libv4l2Loaded {
		return nil, libv4l2InitErr
	}
	return libv4l2Sys{}, nil
}

// call runs fn on a locked thread so errno is read from the thread that
// set it.
func (libv4l2Sys) call(fn func() int32) (int32, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	r := fn()
	if r < 0 {
		return r, errnoValue()
	}
	return r, nil
}

func (s libv4l2Sys) open(path string, flags int) (int, error) {
	fd, err := s.call(func() int32 { return libv4l2Open(path, int32(flags|unix.O_CLOEXEC), 0) })
	return int(fd), err
}

func (s libv4l2Sys) ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, err := s.call(func() int32 { return libv4l2Ioctl(int32(fd), req, arg) })
		if err == syscall.EINTR {
			continue
		}
		return err
	}
}

func (s libv4l2Sys) mmap(fd int, offset int64, length int) ([]byte, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	addr := libv4l2Mmap(0, uintptr(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, int32(fd), offset)
	if addr == ^uintptr(0) {
		return nil, errnoValue()
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func (s libv4l2Sys) munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := s.call(func() int32 { return libv4l2Munmap(unsafe.Pointer(&b[0]), uintptr(len(b))) })
	return err
}

func (s libv4l2Sys) close(fd int) error {
	_, err := s.call(func() int32 { return libv4l2Close(int32(fd)) })
	return err
}

func (libv4l2Sys) name() string { return "libv4l2" }

func errnoValue() syscall.Errno {
	return syscall.Errno(*(*int32)(libcErrno()))
}
