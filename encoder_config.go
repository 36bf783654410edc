package rtctrack

import "fmt"

// OrientationMode controls the orientation of the encoded stream.
type OrientationMode int

const (
	// OrientationAdaptive follows the orientation of the captured frames.
	OrientationAdaptive OrientationMode = iota
	// OrientationFixedLandscape always encodes landscape frames.
	OrientationFixedLandscape
	// OrientationFixedPortrait always encodes portrait frames.
	OrientationFixedPortrait
)

func (m OrientationMode) String() string {
	switch m {
	case OrientationAdaptive:
		return "adaptive"
	case OrientationFixedLandscape:
		return "fixed-landscape"
	case OrientationFixedPortrait:
		return "fixed-portrait"
	default:
		return fmt.Sprintf("orientation(%d)", int(m))
	}
}

// Valid reports whether m is a known mode.
func (m OrientationMode) Valid() bool {
	return m >= OrientationAdaptive && m <= OrientationFixedPortrait
}

// BitrateUnset asks the engine to derive a bitrate from resolution and
// frame rate.
const BitrateUnset = -1

// VideoEncoderConfiguration is the application-facing encoder configuration
// of a local track.
type VideoEncoderConfiguration struct {
	Codec           VideoCodec
	Width           int
	Height          int
	FrameRate       int
	BitrateKbps     int // BitrateUnset or 0 derive a standard bitrate
	MinBitrateKbps  int // BitrateUnset or 0 disable the floor
	OrientationMode OrientationMode
}

// DefaultVideoEncoderConfiguration returns 640x360 at 15 fps with a derived
// bitrate.
func DefaultVideoEncoderConfiguration() VideoEncoderConfiguration {
	return VideoEncoderConfiguration{
		Codec:          VideoCodecVP8,
		Width:          640,
		Height:         360,
		FrameRate:      15,
		BitrateKbps:    BitrateUnset,
		MinBitrateKbps: BitrateUnset,
	}
}

// Validate checks the bounds every configuration must satisfy.
func (c VideoEncoderConfiguration) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidArgument, c.Width, c.Height)
	case c.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate %d", ErrInvalidArgument, c.FrameRate)
	case c.BitrateKbps < BitrateUnset:
		return fmt.Errorf("%w: bitrate %d", ErrInvalidArgument, c.BitrateKbps)
	case c.MinBitrateKbps < BitrateUnset:
		return fmt.Errorf("%w: min bitrate %d", ErrInvalidArgument, c.MinBitrateKbps)
	case !c.OrientationMode.Valid():
		return fmt.Errorf("%w: orientation mode %d", ErrInvalidArgument, int(c.OrientationMode))
	}
	return nil
}

// OutputSize returns the encoded dimensions implied by the orientation mode:
// fixed modes force the matching orientation, adaptive keeps the configured
// dimensions.
func (c VideoEncoderConfiguration) OutputSize() (width, height int) {
	return orientSize(c.Width, c.Height, c.OrientationMode)
}

func orientSize(w, h int, mode OrientationMode) (int, int) {
	switch mode {
	case OrientationFixedPortrait:
		if w > h {
			return h, w
		}
	case OrientationFixedLandscape:
		if h > w {
			return h, w
		}
	}
	return w, h
}

// TargetBitrateBps resolves the configured bitrate in bits per second.
func (c VideoEncoderConfiguration) TargetBitrateBps() int {
	if c.BitrateKbps > 0 {
		return c.BitrateKbps * 1000
	}
	return StandardBitrateKbps(c.Width, c.Height, c.FrameRate) * 1000
}

// MinBitrateBps resolves the bitrate floor in bits per second, 0 for none.
func (c VideoEncoderConfiguration) MinBitrateBps() int {
	if c.MinBitrateKbps > 0 {
		return c.MinBitrateKbps * 1000
	}
	return 0
}

// StandardBitrateKbps derives a bitrate from resolution and frame rate,
// anchored at 800 kbps for 640x480 at 15 fps.
func StandardBitrateKbps(width, height, frameRate int) int {
	if width <= 0 || height <= 0 || frameRate <= 0 {
		return 0
	}
	pixels := width * height
	kbps := 800 * pixels / (640 * 480)
	// Frame rate scales sub-linearly: doubling fps costs about 1.5x.
	kbps = kbps * (frameRate + 15) / 30
	if kbps < 65 {
		kbps = 65
	}
	return kbps
}

// SimulcastStreamConfig configures the minor (low quality) stream.
type SimulcastStreamConfig struct {
	Width       int
	Height      int
	FrameRate   int
	BitrateKbps int
}

// DefaultSimulcastStreamConfig returns 160x120 at 7 fps, 65 kbps.
func DefaultSimulcastStreamConfig() SimulcastStreamConfig {
	return SimulcastStreamConfig{Width: 160, Height: 120, FrameRate: 7, BitrateKbps: 65}
}

// Validate checks the layer bounds.
func (c SimulcastStreamConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.FrameRate <= 0 || c.BitrateKbps < BitrateUnset {
		return fmt.Errorf("%w: simulcast layer %dx%d@%d %dkbps", ErrInvalidArgument,
			c.Width, c.Height, c.FrameRate, c.BitrateKbps)
	}
	return nil
}

// derive builds the encoder configuration of the minor stream from the
// major one.
func (c SimulcastStreamConfig) derive(major VideoEncoderConfiguration) VideoEncoderConfiguration {
	minor := major
	minor.Width, minor.Height = c.Width, c.Height
	minor.FrameRate = c.FrameRate
	minor.BitrateKbps = c.BitrateKbps
	minor.MinBitrateKbps = BitrateUnset
	return minor
}

// ParameterChecker enforces product policy limits (resolution, frame rate,
// bitrate) before an encoder configuration is applied.
type ParameterChecker interface {
	CheckEncoderConfiguration(cfg VideoEncoderConfiguration) error
}

// ParameterCheckerFunc adapts a function to ParameterChecker.
type ParameterCheckerFunc func(cfg VideoEncoderConfiguration) error

func (f ParameterCheckerFunc) CheckEncoderConfiguration(cfg VideoEncoderConfiguration) error {
	return f(cfg)
}
