//go:build linux

package m2m

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blackjack/webcam"
)

const cameraWaitTimeout = 1 // seconds per WaitForFrame

// CameraConfig configures a camera capture source.
type CameraConfig struct {
	DeviceID string // Device node (default: /dev/video0)
	Width    int    // Target frame width (default: 1280)
	Height   int    // Target frame height (default: 720)
	FPS      int    // Nominal frames per second, used for timestamps (default: 30)
	Format   Fourcc // Capture format (default: first of YUYV, NV12, MJPG)
	Logger   *slog.Logger
}

// DefaultCameraConfig returns a default camera configuration.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		DeviceID: "/dev/video0",
		Width:    1280,
		Height:   720,
		FPS:      30,
	}
}

// CameraSource captures raw or MJPEG frames from a V4L2 capture node and
// feeds them to an encoder pump. Every frame is a keyframe.
type CameraSource struct {
	cam    *webcam.Webcam
	log    *slog.Logger
	format FormatDescriptor

	mu        sync.Mutex
	started   bool
	closed    bool
	startTime time.Time
	frames    uint64
}

// OpenCamera opens and configures a camera. Capture starts on the first
// ReadFrame.
func OpenCamera(cfg CameraConfig) (*CameraSource, error) {
	d := DefaultCameraConfig()
	if cfg.DeviceID == "" {
		cfg.DeviceID = d.DeviceID
	}
	if cfg.Width <= 0 {
		cfg.Width = d.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = d.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = d.FPS
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	// Ensure even dimensions for 4:2:x formats
	cfg.Width = (cfg.Width + 1) &^ 1
	cfg.Height = (cfg.Height + 1) &^ 1

	cam, err := webcam.Open(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %s: %w", cfg.DeviceID, err)
	}

	supported := cam.GetSupportedFormats()
	pf, ok := pickCameraFormat(supported, cfg.Format)
	if !ok {
		cam.Close()
		return nil, fmt.Errorf("%w: camera %s offers none of the requested formats", ErrNoSupportedFormat, cfg.DeviceID)
	}

	got, w, h, err := cam.SetImageFormat(pf, uint32(cfg.Width), uint32(cfg.Height))
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("failed to set camera format: %w", err)
	}

	s := &CameraSource{
		cam: cam,
		log: cfg.Logger.With("source", "camera", "device", cfg.DeviceID),
		format: FormatDescriptor{
			Fourcc:        Fourcc(got),
			Width:         int(w),
			Height:        int(h),
			FrameInterval: time.Second / time.Duration(cfg.FPS),
		},
	}
	s.log.Info("camera configured", "format", s.format, "name", supported[got])
	return s, nil
}

func pickCameraFormat(supported map[webcam.PixelFormat]string, want Fourcc) (webcam.PixelFormat, bool) {
	candidates := []Fourcc{FourccYUYV, FourccNV12, FourccMJPEG}
	if want != 0 {
		candidates = []Fourcc{want}
	}
	for _, c := range candidates {
		if _, ok := supported[webcam.PixelFormat(c)]; ok {
			return webcam.PixelFormat(c), true
		}
	}
	return 0, false
}

// ReadFrame implements Source. Timestamps count frames at the nominal
// rate from the first capture.
func (s *CameraSource) ReadFrame(ctx context.Context) (*CodecFrame, error) {
	if err := s.start(); err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.cam.WaitForFrame(cameraWaitTimeout)
		var timeout *webcam.Timeout
		switch {
		case err == nil:
		case errors.As(err, &timeout):
			continue
		default:
			return nil, err
		}

		data, err := s.cam.ReadFrame()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		s.mu.Lock()
		pts := time.Duration(s.frames) * s.format.FrameInterval
		s.frames++
		s.mu.Unlock()

		f := NewCodecFrame(bytes.Clone(data), pts)
		f.FrameType = FrameTypeKey
		return f, nil
	}
}

func (s *CameraSource) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	if err := s.cam.StartStreaming(); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}
	s.started = true
	s.startTime = time.Now()
	return nil
}

// Format implements Source.
func (s *CameraSource) Format() FormatDescriptor { return s.format }

// Close stops capture and releases the device.
func (s *CameraSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.started {
		s.cam.StopStreaming()
	}
	return s.cam.Close()
}

func init() {
	RegisterSource(SourceTypeCamera, func(cfg SourceConfig) (Source, error) {
		return OpenCamera(CameraConfig{
			DeviceID: cfg.URI,
			Width:    cfg.Width,
			Height:   cfg.Height,
			FPS:      cfg.FPS,
			Format:   cfg.Format,
			Logger:   cfg.Logger,
		})
	})
}
