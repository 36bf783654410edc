package rtctrack

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameAdapter_LimitsFrameRate(t *testing.T) {
	cfg := DefaultVideoEncoderConfiguration()
	cfg.Width, cfg.Height, cfg.FrameRate = 64, 36, 15
	a := newFrameAdapter(cfg)

	start := int64(time.Second)
	interval := int64(time.Second) / 30
	passed := 0
	for i := range 30 {
		if _, ok := a.Process(NewI420Frame(64, 36, start+int64(i)*interval)); ok {
			passed++
		}
	}
	assert.Equal(t, 15, passed)
}

func TestFrameAdapter_Orientation(t *testing.T) {
	tests := []struct {
		name       string
		mode       OrientationMode
		inW, inH   int
		rotation   Rotation
		outW, outH int
		reportedW  int
		reportedH  int
	}{
		{"adaptive landscape", OrientationAdaptive, 128, 72, Rotation0, 64, 36, 64, 36},
		{"adaptive portrait", OrientationAdaptive, 72, 128, Rotation0, 36, 64, 64, 36},
		{"adaptive rotated sensor", OrientationAdaptive, 128, 72, Rotation90, 64, 36, 64, 36},
		{"fixed landscape portrait input", OrientationFixedLandscape, 72, 128, Rotation0, 64, 36, 64, 36},
		{"fixed portrait", OrientationFixedPortrait, 128, 72, Rotation0, 36, 64, 36, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultVideoEncoderConfiguration()
			cfg.Width, cfg.Height, cfg.FrameRate = 64, 36, 0
			cfg.OrientationMode = tt.mode
			a := newFrameAdapter(cfg)

			in := NewI420Frame(tt.inW, tt.inH, 1)
			in.Rotation = tt.rotation
			out, ok := a.Process(in)
			require.True(t, ok)
			assert.Equal(t, tt.outW, out.Width)
			assert.Equal(t, tt.outH, out.Height)
			assert.Equal(t, tt.rotation, out.Rotation)

			f := a.OutputFormat()
			assert.Equal(t, tt.reportedW, f.Width)
			assert.Equal(t, tt.reportedH, f.Height)
		})
	}
}

func TestFrameAdapter_SetTarget(t *testing.T) {
	cfg := DefaultVideoEncoderConfiguration()
	cfg.FrameRate = 0
	a := newFrameAdapter(cfg)

	cfg.Width, cfg.Height, cfg.FrameRate = 320, 180, 30
	a.SetTarget(cfg)
	assert.Equal(t, OutputFormat{Width: 320, Height: 180, FrameRate: 30}, a.OutputFormat())

	out, ok := a.Process(NewI420Frame(640, 360, 1))
	require.True(t, ok)
	assert.Equal(t, 320, out.Width)
}

func TestRotator(t *testing.T) {
	r := &rotator{}
	in := NewI420Frame(8, 4, 1)
	in.Rotation = Rotation90

	out, ok := r.Process(in)
	require.True(t, ok)
	assert.Equal(t, 4, out.Width)
	assert.Equal(t, 8, out.Height)
	assert.Equal(t, Rotation0, out.Rotation)

	r.deferred.Store(true)
	out, ok = r.Process(in)
	require.True(t, ok)
	assert.Same(t, in, out)
}

func TestCaptureStage_ReportsSizeChanges(t *testing.T) {
	var calls []OutputFormat
	c := &captureStage{onSize: func(w, h int, _ Rotation) {
		calls = append(calls, OutputFormat{Width: w, Height: h})
	}}
	c.Process(NewI420Frame(64, 36, 1))
	c.Process(NewI420Frame(64, 36, 2))
	c.Process(NewI420Frame(36, 64, 3))
	assert.Equal(t, []OutputFormat{{Width: 64, Height: 36}, {Width: 36, Height: 64}}, calls)
}

func TestRenderStage(t *testing.T) {
	stats := &RenderStats{}
	fail := false
	firsts := 0
	r := &renderStage{
		renderer: &FuncRenderer{Fn: func(*VideoFrame) error {
			if fail {
				return errors.New("surface lost")
			}
			return nil
		}},
		stats:   stats,
		onFirst: func(*VideoFrame) { firsts++ },
	}

	for range 3 {
		_, ok := r.Process(NewI420Frame(2, 2, 1))
		assert.False(t, ok, "renderers are terminal")
	}
	fail = true
	r.Process(NewI420Frame(2, 2, 1))

	assert.Equal(t, uint64(3), stats.FramesRendered())
	assert.Equal(t, uint64(1), stats.Errors())
	assert.Equal(t, 1, firsts)
}

func TestSameInstance(t *testing.T) {
	a := &FuncFilter{Fn: func(f *VideoFrame) (*VideoFrame, bool) { return f, true }}
	b := &FuncFilter{Fn: a.Fn}
	fn := ProcessorFunc(func(f *VideoFrame) (*VideoFrame, bool) { return f, true })

	assert.True(t, sameInstance(a, a))
	assert.False(t, sameInstance(a, b))
	assert.False(t, sameInstance(a, &FuncRenderer{}))
	assert.False(t, sameInstance(fn, fn), "functions are never comparable")
	assert.False(t, sameInstance(nil, nil))

	assert.True(t, isComparable(a))
	assert.False(t, isComparable(fn))
	assert.False(t, isComparable(nil))
}

func TestFilterPosition_String(t *testing.T) {
	assert.Equal(t, "post-capture", FilterPostCapture.String())
	assert.Equal(t, "pre-encoder", FilterPreEncoder.String())
	assert.Equal(t, "unknown", FilterPosition(7).String())
}
