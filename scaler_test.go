package rtctrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleI420_NoScaling(t *testing.T) {
	frame := NewI420Frame(640, 480, 12345)
	out := ScaleI420(frame, 640, 480, ScaleModeStretch)
	assert.Same(t, frame, out)
}

func TestScaleI420_Downscale(t *testing.T) {
	frame := NewI420Frame(640, 480, 12345)
	for i := range frame.Data[0] {
		frame.Data[0][i] = 77
	}
	frame.Rotation = Rotation90

	out := ScaleI420(frame, 320, 240, ScaleModeStretch)
	require.NotSame(t, frame, out)
	assert.Equal(t, 320, out.Width)
	assert.Equal(t, 240, out.Height)
	assert.Equal(t, int64(12345), out.Timestamp)
	assert.Equal(t, Rotation90, out.Rotation)
	assert.Len(t, out.Data[0], 320*240)
	assert.Len(t, out.Data[1], 160*120)
	assert.Equal(t, byte(77), out.Data[0][160*240/2])
}

func TestScaleI420_Upscale(t *testing.T) {
	frame := NewI420Frame(160, 120, 0)
	out := ScaleI420(frame, 640, 480, ScaleModeStretch)
	assert.Equal(t, 640, out.Width)
	assert.Equal(t, 480, out.Height)
	assert.Equal(t, byte(128), out.Data[1][0])
}

func TestCropRegion(t *testing.T) {
	tests := []struct {
		name                   string
		srcW, srcH, dstW, dstH int
		mode                   ScaleMode
		x, y, w, h             int
	}{
		{"same aspect", 1280, 720, 640, 360, ScaleModeFill, 0, 0, 1280, 720},
		{"wider source", 1280, 720, 480, 480, ScaleModeFill, 280, 0, 720, 720},
		{"taller source", 720, 1280, 480, 480, ScaleModeFill, 0, 280, 720, 720},
		{"stretch ignores aspect", 1280, 720, 480, 480, ScaleModeStretch, 0, 0, 1280, 720},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y, w, h := cropRegion(tt.srcW, tt.srcH, tt.dstW, tt.dstH, tt.mode)
			assert.Equal(t, []int{tt.x, tt.y, tt.w, tt.h}, []int{x, y, w, h})
		})
	}
}

func TestRotateI420(t *testing.T) {
	frame := NewI420Frame(4, 2, 5)
	for i := range frame.Data[0] {
		frame.Data[0][i] = byte(i)
	}

	tests := []struct {
		r          Rotation
		w, h       int
		firstPixel byte
	}{
		// Row-major source:  0 1 2 3 / 4 5 6 7
		{Rotation90, 2, 4, 4},
		{Rotation180, 4, 2, 7},
		{Rotation270, 2, 4, 3},
	}
	for _, tt := range tests {
		out := RotateI420(frame, tt.r)
		assert.Equal(t, tt.w, out.Width, "rotation %d", tt.r)
		assert.Equal(t, tt.h, out.Height, "rotation %d", tt.r)
		assert.Equal(t, tt.firstPixel, out.Data[0][0], "rotation %d", tt.r)
		assert.Equal(t, Rotation0, out.Rotation)
		assert.Equal(t, int64(5), out.Timestamp)
	}

	assert.Same(t, frame, RotateI420(frame, Rotation0))
}
