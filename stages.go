package rtctrack

import (
	"reflect"
	"sync/atomic"
	"time"
)

// FilterPosition selects the filter chain of a local track.
type FilterPosition int

const (
	// FilterPostCapture filters run right after the capture source, before
	// the preview tee.
	FilterPostCapture FilterPosition = iota
	// FilterPreEncoder filters run after adapting and rotating, before the
	// major tee.
	FilterPreEncoder
)

func (p FilterPosition) String() string {
	switch p {
	case FilterPostCapture:
		return "post-capture"
	case FilterPreEncoder:
		return "pre-encoder"
	default:
		return "unknown"
	}
}

// VideoFilter is an application frame filter. It is a Processor: returning
// false drops the frame.
type VideoFilter = Processor

// OutputFormat is the format an adapter produces.
type OutputFormat struct {
	Width     int
	Height    int
	FrameRate int
}

type adapterTarget struct {
	width, height, frameRate int
	mode                     OrientationMode
}

// frameAdapter scales and frame-rate limits frames to an encoder format. The
// target is swapped atomically by the control plane; Process runs on the
// data worker.
type frameAdapter struct {
	target atomic.Pointer[adapterTarget]

	// data worker only
	nextDue int64
}

func newFrameAdapter(cfg VideoEncoderConfiguration) *frameAdapter {
	a := &frameAdapter{}
	a.SetTarget(cfg)
	return a
}

// SetTarget replaces the output format.
func (a *frameAdapter) SetTarget(cfg VideoEncoderConfiguration) {
	a.target.Store(&adapterTarget{
		width:     cfg.Width,
		height:    cfg.Height,
		frameRate: cfg.FrameRate,
		mode:      cfg.OrientationMode,
	})
}

// OutputFormat reports the configured output format.
func (a *frameAdapter) OutputFormat() OutputFormat {
	t := a.target.Load()
	w, h := orientSize(t.width, t.height, t.mode)
	return OutputFormat{Width: w, Height: h, FrameRate: t.frameRate}
}

func (a *frameAdapter) Process(f *VideoFrame) (*VideoFrame, bool) {
	t := a.target.Load()
	if t == nil || t.width <= 0 || t.height <= 0 {
		return f, true
	}

	if t.frameRate > 0 {
		interval := int64(time.Second) / int64(t.frameRate)
		if a.nextDue != 0 && f.Timestamp < a.nextDue-interval/4 {
			return nil, false
		}
		if a.nextDue == 0 || f.Timestamp-a.nextDue > interval {
			a.nextDue = f.Timestamp + interval
		} else {
			a.nextDue += interval
		}
	}

	// Size of the frame once its pending rotation is applied.
	inW, inH := f.Width, f.Height
	if f.Rotation.SwapsDimensions() {
		inW, inH = inH, inW
	}
	w, h := orientSize(t.width, t.height, t.mode)
	if t.mode == OrientationAdaptive && (inH > inW) != (h > w) {
		w, h = h, w
	}
	// The rotator runs after the adapter, so scale in pre-rotation space.
	if f.Rotation.SwapsDimensions() {
		w, h = h, w
	}
	return ScaleI420(f, w, h, ScaleModeFill), true
}

// rotator applies the pending rotation of a frame. When deferred it leaves
// the rotation for the receiver to apply (signalled through CVO).
type rotator struct {
	deferred atomic.Bool
}

func (r *rotator) Process(f *VideoFrame) (*VideoFrame, bool) {
	if f.Rotation == Rotation0 || r.deferred.Load() {
		return f, true
	}
	return RotateI420(f, f.Rotation), true
}

// captureStage is the processor of a source node. It watches the size of
// captured frames.
type captureStage struct {
	onSize func(width, height int, rotation Rotation)

	// data worker only
	width, height int
	rotation      Rotation
}

func (c *captureStage) Process(f *VideoFrame) (*VideoFrame, bool) {
	if f.Width != c.width || f.Height != c.height || f.Rotation != c.rotation {
		c.width, c.height, c.rotation = f.Width, f.Height, f.Rotation
		if c.onSize != nil {
			c.onSize(f.Width, f.Height, f.Rotation)
		}
	}
	return f, true
}

// VideoRenderer consumes frames for display.
type VideoRenderer interface {
	RenderFrame(frame *VideoFrame) error
}

// TrackRenderer is implemented by renderers owned by the engine rather than
// the application. They are bound to the owning user id and to the track's
// shared render statistics when added.
type TrackRenderer interface {
	VideoRenderer
	BindTrack(uid string, stats *RenderStats)
}

// RenderStats measures render frame rate over one second windows. It is
// shared by every renderer of a track.
type RenderStats struct {
	rendered atomic.Uint64
	errors   atomic.Uint64
	meter    rateMeter
}

// Record counts one rendered frame at now.
func (s *RenderStats) Record(now time.Time) {
	s.rendered.Add(1)
	s.meter.add(now, 0)
}

// FramesRendered returns the total number of frames rendered.
func (s *RenderStats) FramesRendered() uint64 { return s.rendered.Load() }

// Errors returns the number of frames renderers rejected.
func (s *RenderStats) Errors() uint64 { return s.errors.Load() }

// FrameRate returns the render frame rate of the last complete window.
func (s *RenderStats) FrameRate() int {
	fps, _ := s.meter.read(time.Now())
	return fps
}

type renderStage struct {
	renderer VideoRenderer
	stats    *RenderStats
	first    atomic.Bool
	onFirst  func(f *VideoFrame)
}

func (r *renderStage) Process(f *VideoFrame) (*VideoFrame, bool) {
	if err := r.renderer.RenderFrame(f); err != nil {
		r.stats.errors.Add(1)
		return nil, false
	}
	r.stats.Record(time.Now())
	if !r.first.Swap(true) && r.onFirst != nil {
		r.onFirst(f)
	}
	return nil, false
}

// FuncRenderer adapts a function to VideoRenderer. Tracks identify
// renderers by pointer, so pass a *FuncRenderer.
type FuncRenderer struct {
	Fn func(frame *VideoFrame) error
}

func (r *FuncRenderer) RenderFrame(frame *VideoFrame) error { return r.Fn(frame) }

// FuncFilter adapts a function to VideoFilter.
type FuncFilter struct {
	Fn func(frame *VideoFrame) (*VideoFrame, bool)
}

func (f *FuncFilter) Process(frame *VideoFrame) (*VideoFrame, bool) { return f.Fn(frame) }

// sameInstance compares two filters or renderers by identity. Values of
// non-comparable types never match.
func sameInstance(a, b any) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

func isComparable(v any) bool {
	t := reflect.TypeOf(v)
	return t != nil && t.Comparable()
}
