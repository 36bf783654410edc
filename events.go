package rtctrack

import "context"

// DeviceState is the state a capture device reports on the event bus.
type DeviceState int

const (
	DeviceStateStarted DeviceState = iota
	DeviceStateStopped
	DeviceStateFailed
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateStarted:
		return "started"
	case DeviceStateStopped:
		return "stopped"
	case DeviceStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeviceStateChanged is published by capture sources when the underlying
// device starts, stops or fails.
type DeviceStateChanged struct {
	SourceID string
	State    DeviceState
	Err      error
}

// CaptureFormatChanged is published by capture sources when the delivered
// format changes.
type CaptureFormatChanged struct {
	SourceID  string
	Width     int
	Height    int
	FrameRate int
}

// FrameSizeChanged is published from the data path when the frames reaching
// a track's rotator change size.
type FrameSizeChanged struct {
	TrackID  string
	Width    int
	Height   int
	Rotation Rotation
}

// FirstFrameRendered is published by a renderer stage for its first frame.
type FirstFrameRendered struct {
	TrackID   string
	Width     int
	Height    int
	Timestamp int64 // wall clock, milliseconds
}

// eventHandler adapts a function to Handler. Tracks keep their handlers
// alive and the bus only holds them weakly.
type eventHandler[E any] struct {
	fn func(ctx context.Context, event E)
}

func newEventHandler[E any](fn func(ctx context.Context, event E)) *eventHandler[E] {
	return &eventHandler[E]{fn: fn}
}

func (h *eventHandler[E]) OnEvent(ctx context.Context, event E) { h.fn(ctx, event) }
