package m2m

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// DeviceKind classifies a codec device by what it converts.
type DeviceKind int

const (
	DeviceKindDecoder   DeviceKind = iota // Bitstream in, raw frames out
	DeviceKindEncoder                     // Raw frames in, bitstream out
	DeviceKindConverter                   // Raw in, raw out (scaler, colour converter)
	DeviceKindTranscoder                  // Bitstream in, bitstream out
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindDecoder:
		return "decoder"
	case DeviceKindEncoder:
		return "encoder"
	case DeviceKindConverter:
		return "converter"
	case DeviceKindTranscoder:
		return "transcoder"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a codec device.
type DeviceInfo struct {
	DeviceID      string // Path or identifier passed to OpenDevice
	Label         string // Human-readable name
	Driver        string
	BusInfo       string
	Kind          DeviceKind
	InputFormats  []FormatDescriptor
	OutputFormats []FormatDescriptor
}

// Accepts reports whether the device converts in to out. A zero fourcc
// matches anything.
func (d DeviceInfo) Accepts(in, out Fourcc) bool {
	if in != 0 {
		if _, ok := FindFormat(d.InputFormats, in); !ok {
			return false
		}
	}
	if out != 0 {
		if _, ok := FindFormat(d.OutputFormats, out); !ok {
			return false
		}
	}
	return true
}

// DeviceProvider is implemented by platform-specific codec backends.
type DeviceProvider interface {
	// ListCodecDevices returns the available codec devices.
	ListCodecDevices(ctx context.Context) ([]DeviceInfo, error)

	// OpenDevice opens a device by its DeviceID.
	OpenDevice(deviceID string) (Device, error)
}

// deviceRegistry holds the registered device provider.
type deviceRegistry struct {
	provider DeviceProvider
	mu       sync.RWMutex
}

var globalDeviceRegistry = &deviceRegistry{}

// RegisterDeviceProvider registers a platform-specific device provider.
func RegisterDeviceProvider(provider DeviceProvider) {
	globalDeviceRegistry.mu.Lock()
	defer globalDeviceRegistry.mu.Unlock()
	globalDeviceRegistry.provider = provider
}

// GetDeviceProvider returns the registered device provider.
func GetDeviceProvider() DeviceProvider {
	globalDeviceRegistry.mu.RLock()
	defer globalDeviceRegistry.mu.RUnlock()
	return globalDeviceRegistry.provider
}

// FindCodecDevice returns the first device of the registered provider
// that converts in to out.
func FindCodecDevice(ctx context.Context, in, out Fourcc) (DeviceInfo, error) {
	provider := GetDeviceProvider()
	if provider == nil {
		return DeviceInfo{}, fmt.Errorf("no device provider registered")
	}
	devices, err := provider.ListCodecDevices(ctx)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to list codec devices: %w", err)
	}
	for _, d := range devices {
		if d.Accepts(in, out) {
			return d, nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("%w: no device converts %s to %s", ErrNoSupportedFormat, in, out)
}

// describeDevice probes both queues of an open device.
func describeDevice(id string, dev Device) (DeviceInfo, error) {
	in, err := dev.ProbeFormats(DirectionInput)
	if err != nil {
		return DeviceInfo{}, err
	}
	out, err := dev.ProbeFormats(DirectionOutput)
	if err != nil {
		return DeviceInfo{}, err
	}
	if len(in) == 0 || len(out) == 0 {
		return DeviceInfo{}, ErrNoSupportedFormat
	}

	info := DeviceInfo{
		DeviceID:      id,
		Label:         id,
		InputFormats:  in,
		OutputFormats: out,
		Kind:          classifyDevice(in, out),
	}
	if l, ok := dev.(interface{ Label() string }); ok {
		info.Label = l.Label()
	}
	return info, nil
}

func classifyDevice(in, out []FormatDescriptor) DeviceKind {
	compressed := func(fs []FormatDescriptor) bool {
		for _, f := range fs {
			if f.Fourcc.IsCompressed() {
				return true
			}
		}
		return false
	}
	switch ci, co := compressed(in), compressed(out); {
	case ci && co:
		return DeviceKindTranscoder
	case ci:
		return DeviceKindDecoder
	case co:
		return DeviceKindEncoder
	default:
		return DeviceKindConverter
	}
}

// SimProvider serves simulated devices by name, for tests and dry runs.
type SimProvider struct {
	mu      sync.Mutex
	configs map[string]SimConfig
	opened  map[string][]*SimDevice
}

// NewSimProvider returns an empty simulated provider.
func NewSimProvider() *SimProvider {
	return &SimProvider{configs: make(map[string]SimConfig), opened: make(map[string][]*SimDevice)}
}

// Add registers a simulated device under id.
func (p *SimProvider) Add(id string, cfg SimConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[id] = cfg
}

// Opened returns the devices opened under id, oldest first.
func (p *SimProvider) Opened(id string) []*SimDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*SimDevice(nil), p.opened[id]...)
}

// ListCodecDevices implements DeviceProvider.
func (p *SimProvider) ListCodecDevices(ctx context.Context) ([]DeviceInfo, error) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.configs))
	for id := range p.configs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	slices.Sort(ids)

	devices := make([]DeviceInfo, 0, len(ids))
	for _, id := range ids {
		dev, err := p.open(id, false)
		if err != nil {
			return nil, err
		}
		info, err := describeDevice(id, dev)
		dev.Close()
		if err != nil {
			continue
		}
		info.Driver = "sim"
		devices = append(devices, info)
	}
	return devices, nil
}

// OpenDevice implements DeviceProvider.
func (p *SimProvider) OpenDevice(deviceID string) (Device, error) {
	return p.open(deviceID, true)
}

func (p *SimProvider) open(id string, track bool) (*SimDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %q", ErrNotOpen, id)
	}
	dev := NewSimDevice(cfg)
	if track {
		p.opened[id] = append(p.opened[id], dev)
	}
	return dev, nil
}
