package rtctrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelFormat_String(t *testing.T) {
	tests := []struct {
		format PixelFormat
		want   string
	}{
		{PixelFormatI420, "I420"},
		{PixelFormatNV12, "NV12"},
		{PixelFormat(99), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.String())
		})
	}
}

func TestRotation(t *testing.T) {
	tests := []struct {
		r     Rotation
		valid bool
		swaps bool
	}{
		{Rotation0, true, false},
		{Rotation90, true, true},
		{Rotation180, true, false},
		{Rotation270, true, true},
		{Rotation(45), false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.r.Valid(), "valid %d", tt.r)
		assert.Equal(t, tt.swaps, tt.r.SwapsDimensions(), "swaps %d", tt.r)
	}
}

func TestI420Size(t *testing.T) {
	tests := []struct {
		width, height, want int
	}{
		{640, 480, 640*480 + 2*320*240},
		{1920, 1080, 1920*1080 + 2*960*540},
		{3, 3, 9 + 2*4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, I420Size(tt.width, tt.height), "%dx%d", tt.width, tt.height)
	}
}

func TestNewI420Frame(t *testing.T) {
	f := NewI420Frame(5, 3, 42)
	require.Len(t, f.Data, 3)
	assert.Equal(t, []int{5, 3, 3}, f.Stride)
	assert.Len(t, f.Data[0], 15)
	assert.Len(t, f.Data[1], 6)
	assert.Equal(t, byte(128), f.Data[2][0])
	assert.Equal(t, PixelFormatI420, f.Format)
	assert.Equal(t, int64(42), f.Timestamp)
}

func TestVideoFrame_Clone(t *testing.T) {
	f := NewI420Frame(4, 4, 7)
	f.Rotation = Rotation270
	f.Data[0][0] = 200

	c := f.Clone()
	assert.Equal(t, f, c)
	c.Data[0][0] = 1
	c.Stride[0] = 99
	assert.Equal(t, byte(200), f.Data[0][0])
	assert.Equal(t, 4, f.Stride[0])
}

func TestVideoFrame_CaptureTime(t *testing.T) {
	now := time.Now()
	f := NewI420Frame(2, 2, now.UnixNano())
	assert.True(t, f.CaptureTime().Equal(time.Unix(0, now.UnixNano())))
}

func TestEncodedFrame_Clone(t *testing.T) {
	f := &EncodedFrame{Data: []byte{1, 2, 3}, FrameType: FrameTypeKey, Timestamp: 9000, Rotation: Rotation90}
	c := f.Clone()
	assert.Equal(t, f, c)
	c.Data[0] = 9
	assert.Equal(t, byte(1), f.Data[0])

	empty := (&EncodedFrame{}).Clone()
	assert.Nil(t, empty.Data)
}

func TestEncodedFrame_IsKeyframe(t *testing.T) {
	assert.True(t, (&EncodedFrame{FrameType: FrameTypeKey}).IsKeyframe())
	assert.False(t, (&EncodedFrame{FrameType: FrameTypeDelta}).IsKeyframe())
	assert.False(t, (&EncodedFrame{}).IsKeyframe())
	assert.Equal(t, "Key", FrameTypeKey.String())
	assert.Equal(t, "Unknown", FrameType(9).String())
}

func TestRTPTimestamp(t *testing.T) {
	assert.Equal(t, uint32(90000), rtpTimestamp(int64(time.Second)))
	assert.Equal(t, uint32(3000), rtpTimestamp(int64(time.Second/30)))
}
