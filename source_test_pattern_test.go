package rtctrack

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTestPatternSource_Defaults(t *testing.T) {
	src := NewTestPatternSource(TestPatternConfig{})
	cfg := src.Config()
	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 480, cfg.Height)
	assert.Equal(t, 15, cfg.FPS)
	assert.Equal(t, PixelFormatI420, cfg.Format)
	assert.Equal(t, SourceTypeTestPattern, cfg.SourceType)

	custom := NewTestPatternSource(TestPatternConfig{ID: "bars", Width: 320, Height: 240, FPS: 30})
	cfg = custom.Config()
	assert.Equal(t, "bars", cfg.ID)
	assert.Equal(t, [3]int{320, 240, 30}, [3]int{cfg.Width, cfg.Height, cfg.FPS})
}

func TestPatternType_String(t *testing.T) {
	assert.Equal(t, "ColorBars", PatternColorBars.String())
	assert.Equal(t, "MovingBox", PatternMovingBox.String())
	assert.Equal(t, "Unknown", PatternType(42).String())
}

func TestTestPatternSource_StartStop(t *testing.T) {
	worker := newTestWorker(t, "bus")
	bus := NewEventBus(worker, nil)
	h := &recordingHandler{}
	AddHandler[DeviceStateChanged](context.Background(), bus, h, nil)

	src := NewTestPatternSource(TestPatternConfig{Width: 32, Height: 16, FPS: 50, Rotation: Rotation270})
	src.BindEventBus(bus)

	var mu sync.Mutex
	var frames []*VideoFrame
	src.SetCallback(func(f *VideoFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, src.Start(ctx))
	assert.ErrorIs(t, src.Start(ctx), ErrInvalidState)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop(), "stopping a stopped source is a no-op")

	mu.Lock()
	n := len(frames)
	first := frames[0]
	mu.Unlock()
	assert.Equal(t, 32, first.Width)
	assert.Equal(t, 16, first.Height)
	assert.Equal(t, Rotation270, first.Rotation)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, n, len(frames), "no frames after stop")
	mu.Unlock()

	flush(t, worker)
	events, _ := h.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, DeviceStateStarted, events[0].State)
	assert.Equal(t, DeviceStateStopped, events[1].State)
	assert.Equal(t, src.Config().ID, events[0].SourceID)
	runtime.KeepAlive(h)
}

func TestTestPatternSource_SetCaptureFormat(t *testing.T) {
	worker := newTestWorker(t, "bus")
	bus := NewEventBus(worker, nil)

	var got []CaptureFormatChanged
	h := newEventHandler(func(_ context.Context, ev CaptureFormatChanged) { got = append(got, ev) })
	AddHandler[CaptureFormatChanged](context.Background(), bus, h, nil)

	src := NewTestPatternSource(TestPatternConfig{ID: "cam"})
	assert.ErrorIs(t, src.SetCaptureFormat(0, 240, 15), ErrInvalidArgument)
	require.NoError(t, src.SetCaptureFormat(320, 240, 10), "no bus bound yet")

	src.BindEventBus(bus)
	require.NoError(t, src.SetCaptureFormat(160, 120, 7))
	flush(t, worker)

	assert.Equal(t, []CaptureFormatChanged{{SourceID: "cam", Width: 160, Height: 120, FrameRate: 7}}, got)
	cfg := src.Config()
	assert.Equal(t, [3]int{160, 120, 7}, [3]int{cfg.Width, cfg.Height, cfg.FPS})
	runtime.KeepAlive(h)
}

func TestDrawPattern(t *testing.T) {
	tests := []struct {
		name  string
		cfg   TestPatternConfig
		check func(t *testing.T, f *VideoFrame)
	}{
		{
			name: "solid",
			cfg:  TestPatternConfig{Pattern: PatternSolidColor},
			check: func(t *testing.T, f *VideoFrame) {
				y, u, v := rgbToYUV(0, 0, 0)
				assert.Equal(t, y, f.Data[0][0])
				assert.Equal(t, u, f.Data[1][0])
				assert.Equal(t, v, f.Data[2][0])
			},
		},
		{
			name: "gradient",
			cfg:  TestPatternConfig{Pattern: PatternGradient},
			check: func(t *testing.T, f *VideoFrame) {
				assert.Zero(t, f.Data[0][0])
				assert.Less(t, f.Data[0][0], f.Data[0][f.Width-1])
			},
		},
		{
			name: "checkerboard",
			cfg:  TestPatternConfig{Pattern: PatternCheckerboard, CheckerSize: 4},
			check: func(t *testing.T, f *VideoFrame) {
				assert.Equal(t, uint8(235), f.Data[0][0])
				assert.Equal(t, uint8(16), f.Data[0][4])
				assert.Equal(t, uint8(16), f.Data[0][4*f.Stride[0]])
			},
		},
		{
			name: "color bars",
			cfg:  TestPatternConfig{Pattern: PatternColorBars},
			check: func(t *testing.T, f *VideoFrame) {
				white, _, _ := rgbToYUV(192, 192, 192)
				black, _, _ := rgbToYUV(16, 16, 16)
				assert.Equal(t, white, f.Data[0][0])
				assert.Equal(t, black, f.Data[0][f.Width-1])
			},
		},
		{
			name: "moving box",
			cfg:  TestPatternConfig{Pattern: PatternMovingBox},
			check: func(t *testing.T, f *VideoFrame) {
				assert.Contains(t, f.Data[0], uint8(235))
				assert.Contains(t, f.Data[0], uint8(16))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewI420Frame(32, 32, 0)
			drawPattern(f, tt.cfg, 1)
			tt.check(t, f)
		})
	}
}

func TestRGBToYUV(t *testing.T) {
	y, u, v := rgbToYUV(255, 255, 255)
	assert.InDelta(t, 235, int(y), 1)
	assert.InDelta(t, 128, int(u), 1)
	assert.InDelta(t, 128, int(v), 1)
	y, u, v = rgbToYUV(0, 0, 0)
	assert.Equal(t, [3]uint8{16, 128, 128}, [3]uint8{y, u, v})
}
