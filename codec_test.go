package rtctrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoCodec_String(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
		mime  string
		pt    uint8
	}{
		{VideoCodecVP8, "VP8", "video/VP8", 96},
		{VideoCodecVP9, "VP9", "video/VP9", 98},
		{VideoCodecH264, "H264", "video/H264", 102},
		{VideoCodecAV1, "AV1", "video/AV1", 35},
		{VideoCodecUnknown, "Unknown", "", 96},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.codec.String())
			assert.Equal(t, tt.mime, tt.codec.MimeType())
			assert.Equal(t, tt.pt, tt.codec.DefaultPayloadType())
		})
	}
}

func TestParseVideoCodec(t *testing.T) {
	for _, name := range []string{"vp8", "VP9", "H264", "av1"} {
		c, err := ParseVideoCodec(name)
		require.NoError(t, err, name)
		assert.NotEqual(t, VideoCodecUnknown, c)
	}
	_, err := ParseVideoCodec("theora")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestContentHint_String(t *testing.T) {
	assert.Equal(t, "none", ContentHintNone.String())
	assert.Equal(t, "motion", ContentHintMotion.String())
	assert.Equal(t, "details", ContentHintDetails.String())
}

func TestLoopbackCodec_RoundTrip(t *testing.T) {
	enc, err := NewLoopbackEncoder(EncoderParams{Codec: VideoCodecVP8, Width: 32, Height: 16, FrameRate: 15, BitrateBps: 100_000})
	require.NoError(t, err)
	defer enc.Close()
	dec, err := NewLoopbackDecoder(VideoCodecVP8)
	require.NoError(t, err)
	defer dec.Close()

	in := NewI420Frame(32, 16, 1_000_000_000)
	for i := range in.Data[0] {
		in.Data[0][i] = 180
	}
	in.Rotation = Rotation90

	ef, err := enc.Encode(in)
	require.NoError(t, err)
	require.NotNil(t, ef)
	assert.True(t, ef.IsKeyframe(), "first frame is a keyframe")
	assert.Equal(t, 32, ef.Width)
	assert.Equal(t, 16, ef.Height)

	out, err := dec.Decode(ef)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 32, out.Width)
	assert.Equal(t, 16, out.Height)
	assert.Equal(t, Rotation90, out.Rotation)

	next, err := enc.Encode(in)
	require.NoError(t, err)
	assert.False(t, next.IsKeyframe())
	enc.RequestKeyframe()
	key, err := enc.Encode(in)
	require.NoError(t, err)
	assert.True(t, key.IsKeyframe())
}

func TestLoopbackDecoder_NeedsKeyframe(t *testing.T) {
	enc, err := NewLoopbackEncoder(EncoderParams{Codec: VideoCodecVP8, Width: 16, Height: 16, FrameRate: 15})
	require.NoError(t, err)
	dec, err := NewLoopbackDecoder(VideoCodecVP8)
	require.NoError(t, err)

	in := NewI420Frame(16, 16, 1)
	_, err = enc.Encode(in)
	require.NoError(t, err)
	delta, err := enc.Encode(in)
	require.NoError(t, err)
	require.False(t, delta.IsKeyframe())

	out, err := dec.Decode(delta)
	require.NoError(t, err)
	assert.Nil(t, out, "delta before any keyframe yields no picture")
}

func TestLoopbackEncoder_SetBitrate(t *testing.T) {
	enc, err := NewLoopbackEncoder(EncoderParams{Codec: VideoCodecVP8, Width: 16, Height: 16, FrameRate: 15, BitrateBps: 50_000})
	require.NoError(t, err)
	le := enc.(*LoopbackEncoder)
	require.NoError(t, le.SetBitrate(200_000))
	assert.Equal(t, 200_000, le.Bitrate())
	assert.Error(t, le.SetBitrate(0))
}
