package rtctrack

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternMovingBox                       // Moving box (animated)
)

var patternNames = [...]string{"ColorBars", "Gradient", "Checkerboard", "SolidColor", "MovingBox"}

func (p PatternType) String() string {
	if p < 0 || int(p) >= len(patternNames) {
		return "Unknown"
	}
	return patternNames[p]
}

// TestPatternConfig configures a test pattern source.
type TestPatternConfig struct {
	ID       string      // Source id (default: random)
	Width    int         // Frame width (default: 640)
	Height   int         // Frame height (default: 480)
	FPS      int         // Frames per second (default: 15)
	Pattern  PatternType // Pattern type (default: ColorBars)
	Rotation Rotation    // Rotation tagged on every frame, as a rotated sensor would

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// For Checkerboard pattern
	CheckerSize int // Size of each checker square (default: 32)
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:       640,
		Height:      480,
		FPS:         15,
		Pattern:     PatternColorBars,
		CheckerSize: 32,
	}
}

// TestPatternSource generates synthetic I420 frames. It behaves like a camera:
// it publishes device state and capture format changes on its bus.
type TestPatternSource struct {
	mu       sync.RWMutex
	config   TestPatternConfig
	callback VideoFrameCallback
	bus      *EventBus

	running atomic.Bool
	cancel  context.CancelFunc
	doneCh  chan struct{}

	frameCount uint64
}

// NewTestPatternSource creates a new test pattern video source.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	def := DefaultTestPatternConfig()
	if config.Width <= 0 {
		config.Width = def.Width
	}
	if config.Height <= 0 {
		config.Height = def.Height
	}
	if config.FPS <= 0 {
		config.FPS = def.FPS
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = def.CheckerSize
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	return &TestPatternSource{config: config}
}

// BindEventBus sets the bus device events are published on.
func (s *TestPatternSource) BindEventBus(bus *EventBus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
}

// Start begins generating frames.
func (s *TestPatternSource) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: source already running", ErrInvalidState)
	}
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.doneCh = make(chan struct{})
	go s.generateLoop(ctx, s.doneCh)
	s.publishState(DeviceStateStarted, nil)
	return nil
}

// Stop stops generating frames and waits for the goroutine to exit.
func (s *TestPatternSource) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	<-s.doneCh
	s.publishState(DeviceStateStopped, nil)
	return nil
}

// SetCallback sets the frame callback.
func (s *TestPatternSource) SetCallback(cb VideoFrameCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// SetCaptureFormat changes the generated format. It takes effect with the
// next frame.
func (s *TestPatternSource) SetCaptureFormat(width, height, fps int) error {
	if width <= 0 || height <= 0 || fps <= 0 {
		return fmt.Errorf("%w: capture format %dx%d@%d", ErrInvalidArgument, width, height, fps)
	}
	s.mu.Lock()
	s.config.Width, s.config.Height, s.config.FPS = width, height, fps
	bus, id := s.bus, s.config.ID
	s.mu.Unlock()
	if bus != nil {
		Post(bus, CaptureFormatChanged{SourceID: id, Width: width, Height: height, FrameRate: fps})
	}
	return nil
}

// Config returns the source configuration.
func (s *TestPatternSource) Config() SourceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SourceConfig{
		ID:         s.config.ID,
		Width:      s.config.Width,
		Height:     s.config.Height,
		FPS:        s.config.FPS,
		Format:     PixelFormatI420,
		SourceType: SourceTypeTestPattern,
	}
}

func (s *TestPatternSource) publishState(state DeviceState, err error) {
	s.mu.RLock()
	bus, id := s.bus, s.config.ID
	s.mu.RUnlock()
	if bus != nil {
		Post(bus, DeviceStateChanged{SourceID: id, State: state, Err: err})
	}
}

func (s *TestPatternSource) generateLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.mu.RLock()
	interval := time.Second / time.Duration(s.config.FPS)
	s.mu.RUnlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.RLock()
			cfg, cb := s.config, s.callback
			s.mu.RUnlock()

			if next := time.Second / time.Duration(cfg.FPS); next != interval {
				interval = next
				ticker.Reset(interval)
			}
			s.frameCount++
			if cb == nil {
				continue
			}
			frame := NewI420Frame(cfg.Width, cfg.Height, now.UnixNano())
			frame.Rotation = cfg.Rotation
			drawPattern(frame, cfg, s.frameCount)
			cb(frame)
		}
	}
}

// drawPattern fills an I420 frame with the configured pattern.
func drawPattern(f *VideoFrame, cfg TestPatternConfig, frameNum uint64) {
	switch cfg.Pattern {
	case PatternSolidColor:
		fillColor(f, cfg.SolidR, cfg.SolidG, cfg.SolidB)
	case PatternColorBars:
		drawColorBars(f)
	default:
		lumaPlane(f, patternLuma(f, cfg, frameNum))
	}
}

// patternLuma returns the luma function of the monochrome patterns.
func patternLuma(f *VideoFrame, cfg TestPatternConfig, frameNum uint64) func(x, y int) uint8 {
	switch cfg.Pattern {
	case PatternGradient:
		return func(x, _ int) uint8 { return uint8(x * 255 / f.Width) }
	case PatternCheckerboard:
		size := max(cfg.CheckerSize, 1)
		return func(x, y int) uint8 {
			if (x/size+y/size)%2 == 0 {
				return lumaWhite
			}
			return lumaBlack
		}
	case PatternMovingBox:
		side := max(min(f.Width, f.Height)/5, 2)
		r := float64(min(f.Width, f.Height)) / 4
		phase := float64(frameNum) * 0.05
		x0 := f.Width/2 + int(r*math.Cos(phase)) - side/2
		y0 := f.Height/2 + int(r*math.Sin(phase)) - side/2
		return func(x, y int) uint8 {
			if x >= x0 && x < x0+side && y >= y0 && y < y0+side {
				return lumaWhite
			}
			return lumaBlack
		}
	}
	return func(int, int) uint8 { return lumaBlack }
}

const (
	lumaBlack = 16
	lumaWhite = 235
)

func lumaPlane(f *VideoFrame, luma func(x, y int) uint8) {
	for y := range f.Height {
		row := f.Data[0][y*f.Stride[0]:]
		for x := range f.Width {
			row[x] = luma(x, y)
		}
	}
}

// eight bars at 75% intensity, black last
var colorBars = [8][3]uint8{
	{192, 192, 192}, {192, 192, 0}, {0, 192, 192}, {0, 192, 0},
	{192, 0, 192}, {192, 0, 0}, {0, 0, 192}, {16, 16, 16},
}

func drawColorBars(f *VideoFrame) {
	var yuv [8][3]uint8
	for i, c := range colorBars {
		yuv[i][0], yuv[i][1], yuv[i][2] = rgbToYUV(c[0], c[1], c[2])
	}
	bar := max(f.Width/8, 1)
	for y := range f.Height {
		for x := range f.Width {
			c := yuv[min(x/bar, 7)]
			f.Data[0][y*f.Stride[0]+x] = c[0]
			if x%2 == 0 && y%2 == 0 {
				ci := (y/2)*f.Stride[1] + x/2
				f.Data[1][ci], f.Data[2][ci] = c[1], c[2]
			}
		}
	}
}

func fillColor(f *VideoFrame, r, g, b uint8) {
	y, u, v := rgbToYUV(r, g, b)
	fill(f.Data[0], y)
	fill(f.Data[1], u)
	fill(f.Data[2], v)
}

func fill(plane []byte, v byte) {
	for i := range plane {
		plane[i] = v
	}
}

// rgbToYUV converts full range RGB to studio range BT.601.
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	y = uint8(min(max(16+65.481*rf+128.553*gf+24.966*bf, 16), 235))
	u = uint8(min(max(128-37.797*rf-74.203*gf+112*bf, 16), 240))
	v = uint8(min(max(128+112*rf-93.786*gf-18.214*bf, 16), 240))
	return y, u, v
}
