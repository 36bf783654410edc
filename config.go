package rtctrack

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Stats   StatsConfig   `mapstructure:"stats"`
	Local   LocalConfig   `mapstructure:"local"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Network NetworkConfig `mapstructure:"network"`
}

// LogConfig selects the log level and output format ("text" or "json").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatsConfig controls statistics polling of remote tracks.
type StatsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LocalConfig holds the defaults of local tracks.
type LocalConfig struct {
	Codec             string `mapstructure:"codec"`
	Width             int    `mapstructure:"width"`
	Height            int    `mapstructure:"height"`
	FrameRate         int    `mapstructure:"frame_rate"`
	BitrateKbps       int    `mapstructure:"bitrate_kbps"`
	MinBitrateKbps    int    `mapstructure:"min_bitrate_kbps"`
	MaxBitrateKbps    int    `mapstructure:"max_bitrate_kbps"`
	OrientationMode   string `mapstructure:"orientation_mode"`
	CongestionControl string `mapstructure:"congestion_control"`
	SendOrientation   bool   `mapstructure:"send_orientation"`
}

// RemoteConfig holds the receive side timings.
type RemoteConfig struct {
	FreezeTimeout          time.Duration `mapstructure:"freeze_timeout"`
	ReceiverReportInterval time.Duration `mapstructure:"receiver_report_interval"`
	KeyframeRequestBackoff time.Duration `mapstructure:"keyframe_request_backoff"`
}

// NetworkConfig holds transport settings.
type NetworkConfig struct {
	MTU int `mapstructure:"mtu"`
}

const envPrefix = "RTCTRACK"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("stats.poll_interval", "500ms")

	v.SetDefault("local.codec", "vp8")
	v.SetDefault("local.width", 640)
	v.SetDefault("local.height", 360)
	v.SetDefault("local.frame_rate", 15)
	v.SetDefault("local.bitrate_kbps", BitrateUnset)
	v.SetDefault("local.min_bitrate_kbps", BitrateUnset)
	v.SetDefault("local.max_bitrate_kbps", 2500)
	v.SetDefault("local.orientation_mode", "adaptive")
	v.SetDefault("local.congestion_control", string(CongestionGCC))
	v.SetDefault("local.send_orientation", false)

	v.SetDefault("remote.freeze_timeout", "1s")
	v.SetDefault("remote.receiver_report_interval", "1s")
	v.SetDefault("remote.keyframe_request_backoff", "500ms")

	v.SetDefault("network.mtu", DefaultMTU)
}

// DefaultConfig returns the built-in defaults, ignoring the environment.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("rtctrack: default config: %v", err))
	}
	return cfg
}

// LoadConfig reads the YAML file at path on top of the defaults. Every key
// can be overridden from the environment, for example
// RTCTRACK_LOCAL_BITRATE_KBPS. An empty path loads defaults and environment
// only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("%w: config file %s not found", ErrInvalidArgument, path)
			}
			return Config{}, fmt.Errorf("%w: read config %s: %v", ErrInvalidArgument, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode config: %v", ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that have no sensible fallback.
func (c Config) Validate() error {
	if _, err := c.Local.EncoderConfiguration(); err != nil {
		return err
	}
	if _, err := ParseCongestionMode(c.Local.CongestionControl); err != nil {
		return err
	}
	switch {
	case c.Stats.PollInterval <= 0:
		return fmt.Errorf("%w: stats.poll_interval must be positive", ErrInvalidArgument)
	case c.Remote.FreezeTimeout <= 0:
		return fmt.Errorf("%w: remote.freeze_timeout must be positive", ErrInvalidArgument)
	case c.Remote.ReceiverReportInterval <= 0:
		return fmt.Errorf("%w: remote.receiver_report_interval must be positive", ErrInvalidArgument)
	case c.Network.MTU < 256:
		return fmt.Errorf("%w: network.mtu %d too small", ErrInvalidArgument, c.Network.MTU)
	}
	return nil
}

// EncoderConfiguration converts the local defaults to an encoder
// configuration.
func (c LocalConfig) EncoderConfiguration() (VideoEncoderConfiguration, error) {
	codec, err := ParseVideoCodec(c.Codec)
	if err != nil {
		return VideoEncoderConfiguration{}, err
	}
	mode, err := ParseOrientationMode(c.OrientationMode)
	if err != nil {
		return VideoEncoderConfiguration{}, err
	}
	cfg := VideoEncoderConfiguration{
		Codec:           codec,
		Width:           c.Width,
		Height:          c.Height,
		FrameRate:       c.FrameRate,
		BitrateKbps:     c.BitrateKbps,
		MinBitrateKbps:  c.MinBitrateKbps,
		OrientationMode: mode,
	}
	return cfg, cfg.Validate()
}

// ParseOrientationMode maps "adaptive", "fixed-landscape" or
// "fixed-portrait" to a mode.
func ParseOrientationMode(s string) (OrientationMode, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case "", "adaptive":
		return OrientationAdaptive, nil
	case "fixed-landscape", "landscape":
		return OrientationFixedLandscape, nil
	case "fixed-portrait", "portrait":
		return OrientationFixedPortrait, nil
	}
	return 0, fmt.Errorf("%w: orientation mode %q", ErrInvalidArgument, s)
}
