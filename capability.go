package m2m

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// ControlID identifies a device control (V4L2 control IDs).
type ControlID uint32

const (
	mpegControlBase ControlID = 0x00990900

	ControlGOPSize       = mpegControlBase + 203
	ControlBitrateMode   = mpegControlBase + 206
	ControlBitrate       = mpegControlBase + 207
	ControlBitratePeak   = mpegControlBase + 208
	ControlFrameSkipMode = mpegControlBase + 215 // 0 disabled, 1 level limit, 2 buffer limit
	ControlForceKeyFrame = mpegControlBase + 229
	ControlH264Level     = mpegControlBase + 359
	ControlH264Profile   = mpegControlBase + 363
	ControlVP8Profile    = mpegControlBase + 511
	ControlVP9Profile    = mpegControlBase + 512
	ControlHEVCProfile   = mpegControlBase + 615
	ControlHEVCLevel     = mpegControlBase + 616
)

// Bitrate modes for ControlBitrateMode.
const (
	BitrateModeVBR int32 = 0
	BitrateModeCBR int32 = 1
)

// ControlDevice is implemented by devices that expose codec controls.
type ControlDevice interface {
	SetControl(id ControlID, value int32) error
	GetControl(id ControlID) (int32, error)
}

// namedValue is one row of a profile or level table.
type namedValue struct {
	name  string
	value int32
}

// CodecCapability describes how one codec's profile and level map onto
// device control values. The tables double as the to-string and
// from-string strategies for that codec.
type CodecCapability struct {
	Codec      VideoCodec
	ProfileCID ControlID // 0 = no profile control
	LevelCID   ControlID // 0 = no level control

	profiles []namedValue
	levels   []namedValue
	aliases  map[string]string
}

// ProfileFromString returns the control value for a profile name.
func (c CodecCapability) ProfileFromString(s string) (int32, bool) {
	return lookupValue(c.profiles, c.alias(s))
}

// ProfileToString returns the name for a profile control value.
func (c CodecCapability) ProfileToString(v int32) (string, bool) {
	return lookupName(c.profiles, v)
}

// LevelFromString returns the control value for a level name.
func (c CodecCapability) LevelFromString(s string) (int32, bool) {
	return lookupValue(c.levels, c.alias(s))
}

// LevelToString returns the name for a level control value.
func (c CodecCapability) LevelToString(v int32) (string, bool) {
	return lookupName(c.levels, v)
}

// Profiles lists the known profile names in control-value order.
func (c CodecCapability) Profiles() []string {
	names := make([]string, len(c.profiles))
	for i, p := range c.profiles {
		names[i] = p.name
	}
	return names
}

func (c CodecCapability) alias(s string) string {
	if a, ok := c.aliases[s]; ok {
		return a
	}
	return s
}

func lookupValue(tbl []namedValue, s string) (int32, bool) {
	for _, nv := range tbl {
		if nv.name == s {
			return nv.value, true
		}
	}
	return -1, false
}

func lookupName(tbl []namedValue, v int32) (string, bool) {
	for _, nv := range tbl {
		if nv.value == v {
			return nv.name, true
		}
	}
	return "", false
}

var vpxProfiles = []namedValue{{"0", 0}, {"1", 1}, {"2", 2}, {"3", 3}}

var capabilityRegistry = struct {
	mu   sync.RWMutex
	caps map[VideoCodec]CodecCapability
}{
	caps: map[VideoCodec]CodecCapability{
		VideoCodecH264: {
			Codec:      VideoCodecH264,
			ProfileCID: ControlH264Profile,
			LevelCID:   ControlH264Level,
			profiles: []namedValue{
				{"baseline", 0}, {"constrained-baseline", 1}, {"main", 2},
				{"extended", 3}, {"high", 4}, {"high-10", 5},
				{"high-4:2:2", 6}, {"high-4:4:4", 7}, {"high-10-intra", 8},
				{"high-4:2:2-intra", 9}, {"high-4:4:4-intra", 10},
				{"cavlc-4:4:4-intra", 11}, {"scalable-baseline", 12},
				{"scalable-high", 13}, {"scalable-high-intra", 14},
				{"stereo-high", 15}, {"multiview-high", 16},
			},
			levels: []namedValue{
				{"1", 0}, {"1b", 1}, {"1.1", 2}, {"1.2", 3}, {"1.3", 4},
				{"2", 5}, {"2.1", 6}, {"2.2", 7}, {"3", 8}, {"3.1", 9},
				{"3.2", 10}, {"4", 11}, {"4.1", 12}, {"4.2", 13},
				{"5", 14}, {"5.1", 15},
			},
			aliases: map[string]string{"1.0": "1", "2.0": "2", "3.0": "3", "4.0": "4", "5.0": "5"},
		},
		VideoCodecH265: {
			Codec:      VideoCodecH265,
			ProfileCID: ControlHEVCProfile,
			// Level is left to the encoder; the control is read-only on
			// several devices.
			profiles: []namedValue{{"main", 0}, {"mainstillpicture", 1}, {"main10", 2}},
			aliases:  map[string]string{"main-10": "main10", "main-still-picture": "mainstillpicture"},
		},
		VideoCodecVP8: {
			Codec:      VideoCodecVP8,
			ProfileCID: ControlVP8Profile,
			profiles:   vpxProfiles,
		},
		VideoCodecVP9: {
			Codec:      VideoCodecVP9,
			ProfileCID: ControlVP9Profile,
			profiles:   vpxProfiles,
		},
	},
}

// RegisterCapability adds or replaces the capability for a codec.
func RegisterCapability(c CodecCapability) {
	capabilityRegistry.mu.Lock()
	defer capabilityRegistry.mu.Unlock()
	capabilityRegistry.caps[c.Codec] = c
}

// CapabilityFor returns the registered capability for a codec.
func CapabilityFor(codec VideoCodec) (CodecCapability, bool) {
	capabilityRegistry.mu.RLock()
	defer capabilityRegistry.mu.RUnlock()
	c, ok := capabilityRegistry.caps[codec]
	return c, ok
}

// NewCodecCapability builds a capability from explicit name/value tables.
func NewCodecCapability(codec VideoCodec, profileCID, levelCID ControlID, profiles, levels map[string]int32) CodecCapability {
	c := CodecCapability{Codec: codec, ProfileCID: profileCID, LevelCID: levelCID}
	for name, v := range profiles {
		c.profiles = append(c.profiles, namedValue{name, v})
	}
	for name, v := range levels {
		c.levels = append(c.levels, namedValue{name, v})
	}
	sortNamed(c.profiles)
	sortNamed(c.levels)
	return c
}

func sortNamed(tbl []namedValue) {
	slices.SortFunc(tbl, func(a, b namedValue) int { return int(a.value - b.value) })
}

// ProfileLevel is the outcome of a negotiation.
type ProfileLevel struct {
	Profile string
	Level   string
}

// NegotiateProfileLevel programs the first profile (and level) from the
// preference lists the device accepts, then reads back what the device
// actually selected. Empty preference lists keep the device defaults.
func NegotiateProfileLevel(dev ControlDevice, c CodecCapability, profiles, levels []string) (ProfileLevel, error) {
	var out ProfileLevel

	if c.ProfileCID != 0 {
		name, err := negotiateControl(dev, c.ProfileCID, profiles, c.ProfileFromString, c.ProfileToString)
		if err != nil {
			return out, fmt.Errorf("%s profile: %w", c.Codec, err)
		}
		out.Profile = name
	}
	if c.LevelCID != 0 {
		name, err := negotiateControl(dev, c.LevelCID, levels, c.LevelFromString, c.LevelToString)
		if err != nil {
			return out, fmt.Errorf("%s level: %w", c.Codec, err)
		}
		out.Level = name
	}
	return out, nil
}

func negotiateControl(dev ControlDevice, cid ControlID, prefs []string,
	from func(string) (int32, bool), to func(int32) (string, bool)) (string, error) {
	var lastErr error
	for _, name := range prefs {
		v, ok := from(name)
		if !ok {
			continue
		}
		if err := dev.SetControl(cid, v); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: no acceptable value in %v: %v", ErrNoSupportedFormat, prefs, lastErr)
	}

	v, err := dev.GetControl(cid)
	if err != nil {
		if len(prefs) == 0 || errors.Is(err, ErrCommandNotSupported) {
			return "", nil
		}
		return "", err
	}
	name, ok := to(v)
	if !ok {
		return "", fmt.Errorf("%w: unknown control value %d", ErrNoSupportedFormat, v)
	}
	return name, nil
}
