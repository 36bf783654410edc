package rtctrack

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SourceType identifies the kind of capture source feeding a local track.
type SourceType int

const (
	SourceTypeUnknown     SourceType = iota
	SourceTypeCamera                 // Camera capture (platform backend)
	SourceTypeScreen                 // Screen capture (platform backend)
	SourceTypeCustom                 // Application-pushed frames
	SourceTypeMixer                  // Output of a video mixer
	SourceTypeTranscoder             // Decoded remote stream re-fed locally
	SourceTypeTestPattern            // Synthetic test pattern generator
)

func (s SourceType) String() string {
	switch s {
	case SourceTypeCamera:
		return "Camera"
	case SourceTypeScreen:
		return "Screen"
	case SourceTypeCustom:
		return "Custom"
	case SourceTypeMixer:
		return "Mixer"
	case SourceTypeTranscoder:
		return "Transcoder"
	case SourceTypeTestPattern:
		return "TestPattern"
	default:
		return "Unknown"
	}
}

// ScreenContent reports whether the source captures screen content.
// Simulcast is not offered for screen content.
func (s SourceType) ScreenContent() bool { return s == SourceTypeScreen }

// SourceConfig describes a source's identity and capture format.
type SourceConfig struct {
	ID         string      // Unique id used in device events
	Width      int         // Frame width in pixels
	Height     int         // Frame height in pixels
	FPS        int         // Frames per second
	Format     PixelFormat // Pixel format
	SourceType SourceType  // Type of source
}

// VideoFrameCallback is called when a frame is available.
type VideoFrameCallback func(frame *VideoFrame)

// VideoSource produces raw video frames in push mode. Device state changes
// are published on the event bus the source is bound to.
type VideoSource interface {
	// Start begins capture/generation.
	Start(ctx context.Context) error

	// Stop halts capture/generation. Stopping a stopped source is a no-op.
	Stop() error

	// SetCallback sets the frame callback. A nil callback discards frames.
	SetCallback(cb VideoFrameCallback)

	// Config returns the source configuration.
	Config() SourceConfig
}

// CaptureFormatSetter is implemented by sources whose capture format can be
// changed at runtime.
type CaptureFormatSetter interface {
	SetCaptureFormat(width, height, fps int) error
}

// EventBusBinder is implemented by sources that publish device events. A
// track binds its engine's bus when the source is handed to it.
type EventBusBinder interface {
	BindEventBus(bus *EventBus)
}

// VideoSourceFactory creates a video source with the given configuration.
type VideoSourceFactory func(config any) (VideoSource, error)

// SourceRegistry maps source types to factories. Each Engine owns one.
type SourceRegistry struct {
	mu        sync.RWMutex
	factories map[SourceType]VideoSourceFactory
}

// NewSourceRegistry returns a registry with the built-in test pattern and
// custom sources registered.
func NewSourceRegistry() *SourceRegistry {
	r := &SourceRegistry{factories: make(map[SourceType]VideoSourceFactory)}
	r.Register(SourceTypeTestPattern, func(config any) (VideoSource, error) {
		cfg, ok := config.(TestPatternConfig)
		if !ok {
			cfg = DefaultTestPatternConfig()
		}
		return NewTestPatternSource(cfg), nil
	})
	r.Register(SourceTypeCustom, func(config any) (VideoSource, error) {
		cfg, _ := config.(SourceConfig)
		return NewFrameInjector(cfg), nil
	})
	return r
}

// Register installs factory for stype, replacing any previous one.
func (r *SourceRegistry) Register(stype SourceType, factory VideoSourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stype] = factory
}

// Create builds a source of type stype.
func (r *SourceRegistry) Create(stype SourceType, config any) (VideoSource, error) {
	r.mu.RLock()
	factory, ok := r.factories[stype]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: video source type %v not available", ErrNotSupported, stype)
	}
	return factory(config)
}

// Available lists the registered source types in ascending order.
func (r *SourceRegistry) Available() []SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]SourceType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
