//go:build !linux

package m2m

import (
	"context"
	"errors"
	"log/slog"
)

var errV4L2Unsupported = errors.New("m2m: V4L2 is only available on linux")

// V4L2Config configures a V4L2Device.
type V4L2Config struct {
	UseLibV4L2 bool
	Logger     *slog.Logger
}

// V4L2Device is unavailable on this platform.
type V4L2Device struct{ Device }

// OpenV4L2 always fails on this platform.
func OpenV4L2(path string, cfg V4L2Config) (*V4L2Device, error) {
	return nil, errV4L2Unsupported
}

// IsLibV4L2Available always reports false on this platform.
func IsLibV4L2Available() bool { return false }

// V4L2Provider lists no devices on this platform.
type V4L2Provider struct{}

// NewV4L2Provider returns an empty provider.
func NewV4L2Provider(cfg V4L2Config) *V4L2Provider { return &V4L2Provider{} }

// ListCodecDevices implements DeviceProvider.
func (p *V4L2Provider) ListCodecDevices(ctx context.Context) ([]DeviceInfo, error) {
	return nil, nil
}

// OpenDevice implements DeviceProvider.
func (p *V4L2Provider) OpenDevice(deviceID string) (Device, error) {
	return nil, errV4L2Unsupported
}
