package m2m

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"github.com/nfnt/resize"
)

// RawImage converts one raw output frame to an image. NV12, I420 and
// YUYV are supported; the data is copied.
func RawImage(fd FormatDescriptor, data []byte) (image.Image, error) {
	w, h := fd.Width, fd.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: no geometry for %s", ErrNoSupportedFormat, fd.Fourcc)
	}
	rect := image.Rect(0, 0, w, h)
	cw, ch := (w+1)/2, (h+1)/2

	switch fd.Fourcc {
	case FourccNV12, FourccNV12M:
		if len(data) < w*h+cw*ch*2 {
			return nil, fmt.Errorf("short NV12 frame: %d bytes", len(data))
		}
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
		copy(img.Y, data[:w*h])
		uv := data[w*h:]
		for i := 0; i < cw*ch; i++ {
			img.Cb[i] = uv[2*i]
			img.Cr[i] = uv[2*i+1]
		}
		return img, nil

	case FourccYUV420, FourccYUV420M:
		if len(data) < w*h+cw*ch*2 {
			return nil, fmt.Errorf("short I420 frame: %d bytes", len(data))
		}
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
		copy(img.Y, data[:w*h])
		copy(img.Cb, data[w*h:w*h+cw*ch])
		copy(img.Cr, data[w*h+cw*ch:])
		return img, nil

	case FourccYUYV:
		if len(data) < w*h*2 {
			return nil, fmt.Errorf("short YUYV frame: %d bytes", len(data))
		}
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		for y := 0; y < h; y++ {
			row := data[y*w*2:]
			for x := 0; x+1 < w; x += 2 {
				img.Y[y*img.YStride+x] = row[2*x]
				img.Y[y*img.YStride+x+1] = row[2*x+2]
				img.Cb[y*img.CStride+x/2] = row[2*x+1]
				img.Cr[y*img.CStride+x/2] = row[2*x+3]
			}
		}
		return img, nil

	default:
		return nil, fmt.Errorf("%w: cannot convert %s to an image", ErrNoSupportedFormat, fd.Fourcc)
	}
}

// SnapshotConfig configures a SnapshotSink.
type SnapshotConfig struct {
	Dir     string                  // output directory
	Every   int                     // keep one frame in Every (default: 1)
	Width   uint                    // scaled width, 0 keeps the source width
	Quality int                     // JPEG quality (default: 85)
	Format  func() FormatDescriptor // current raw output format
}

// SnapshotSink writes decoded frames as JPEG files, named by sequence.
type SnapshotSink struct {
	cfg SnapshotConfig

	mu      sync.Mutex
	seen    int
	written int
	last    string
}

// NewSnapshotSink creates the output directory if needed.
func NewSnapshotSink(cfg SnapshotConfig) (*SnapshotSink, error) {
	if cfg.Format == nil {
		return nil, fmt.Errorf("%w: snapshot sink needs a format source", ErrInvalidConfig)
	}
	if cfg.Every <= 0 {
		cfg.Every = 1
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 85
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &SnapshotSink{cfg: cfg}, nil
}

// WriteFrame implements Sink.
func (s *SnapshotSink) WriteFrame(f *CodecFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen++
	if (s.seen-1)%s.cfg.Every != 0 || len(f.Output) == 0 {
		return nil
	}

	img, err := RawImage(s.cfg.Format(), f.Output)
	if err != nil {
		return err
	}
	if s.cfg.Width > 0 && int(s.cfg.Width) != img.Bounds().Dx() {
		img = resize.Resize(s.cfg.Width, 0, img, resize.Bilinear)
	}

	name := filepath.Join(s.cfg.Dir, fmt.Sprintf("frame-%06d.jpg", s.seen-1))
	out, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	s.written++
	s.last = name
	return nil
}

// Last returns the path of the most recent snapshot.
func (s *SnapshotSink) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Written returns the number of snapshots written.
func (s *SnapshotSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *SnapshotSink) Close() error { return nil }
