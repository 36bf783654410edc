package rtctrack

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FrameInjector is a custom source: the application pushes frames into it.
type FrameInjector struct {
	mu       sync.Mutex
	config   SourceConfig
	running  bool
	callback VideoFrameCallback
	bus      *EventBus
}

// NewFrameInjector creates a stopped custom source. The source type is
// taken from cfg when set, so a mixer or transcoder output can be fed
// through an injector too.
func NewFrameInjector(cfg SourceConfig) *FrameInjector {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.SourceType == SourceTypeUnknown {
		cfg.SourceType = SourceTypeCustom
	}
	return &FrameInjector{config: cfg}
}

func (s *FrameInjector) BindEventBus(bus *EventBus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
}

func (s *FrameInjector) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.publish(DeviceStateChanged{State: DeviceStateStarted})
	return nil
}

func (s *FrameInjector) Stop() error {
	s.mu.Lock()
	was := s.running
	s.running = false
	s.mu.Unlock()
	if was {
		s.publish(DeviceStateChanged{State: DeviceStateStopped})
	}
	return nil
}

func (s *FrameInjector) SetCallback(cb VideoFrameCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

func (s *FrameInjector) Config() SourceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// PushFrame delivers frame to the track. The frame must not be modified
// afterwards.
func (s *FrameInjector) PushFrame(frame *VideoFrame) error {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 || !frame.Rotation.Valid() {
		return fmt.Errorf("%w: bad frame", ErrInvalidArgument)
	}
	s.mu.Lock()
	running, cb, id := s.running, s.callback, s.config.ID
	if running {
		s.config.Width, s.config.Height = frame.Width, frame.Height
	}
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: source %s not started", ErrInvalidState, id)
	}
	if cb != nil {
		cb(frame)
	}
	return nil
}

// Fail reports a device failure on the bus, as a capture backend would.
func (s *FrameInjector) Fail(err error) {
	s.publish(DeviceStateChanged{State: DeviceStateFailed, Err: err})
}

func (s *FrameInjector) publish(ev DeviceStateChanged) {
	s.mu.Lock()
	bus := s.bus
	ev.SourceID = s.config.ID
	s.mu.Unlock()
	if bus != nil {
		Post(bus, ev)
	}
}
