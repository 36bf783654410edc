package rtctrack

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(n int) []byte {
	return bytes.Repeat([]byte("RTLB payload."), n)
}

func TestPacketizer_SplitsFrame(t *testing.T) {
	p, err := NewPacketizer(VideoCodecVP8, 12345, 96, 500, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), p.SSRC())

	frame := &EncodedFrame{Data: testPayload(200), FrameType: FrameTypeKey, Timestamp: 90000}
	packets, err := p.Packetize(frame)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)

	for i, pkt := range packets {
		assert.Equal(t, uint8(96), pkt.PayloadType)
		assert.Equal(t, uint32(12345), pkt.SSRC)
		assert.Equal(t, uint32(90000), pkt.Timestamp)
		assert.Equal(t, i == len(packets)-1, pkt.Marker)
		if i > 0 {
			assert.Equal(t, packets[i-1].SequenceNumber+1, pkt.SequenceNumber)
		}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(raw), 500)
	}
}

func TestPacketizer_EmptyFrame(t *testing.T) {
	p, err := NewPacketizer(VideoCodecVP8, 1, 96, 0, 0)
	require.NoError(t, err)
	packets, err := p.Packetize(&EncodedFrame{})
	require.NoError(t, err)
	assert.Empty(t, packets)
}

func TestPacketizer_RoundTrip(t *testing.T) {
	for _, codec := range []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264} {
		t.Run(codec.String(), func(t *testing.T) {
			p, err := NewPacketizer(codec, 1, codec.DefaultPayloadType(), 600, ExtensionIDVideoOrientation)
			require.NoError(t, err)
			d, err := NewDepacketizer(codec, ExtensionIDVideoOrientation)
			require.NoError(t, err)

			data := testPayload(300)
			packets, err := p.Packetize(&EncodedFrame{Data: data, Timestamp: 3000, Rotation: Rotation270})
			require.NoError(t, err)

			var out *EncodedFrame
			for i, pkt := range packets {
				f, err := d.Push(pkt)
				require.NoError(t, err)
				if i < len(packets)-1 {
					assert.Nil(t, f)
				} else {
					out = f
				}
			}
			require.NotNil(t, out)
			assert.True(t, bytes.Contains(out.Data, data))
			assert.Equal(t, uint32(3000), out.Timestamp)
			assert.Equal(t, Rotation270, out.Rotation)
			assert.Zero(t, d.Discarded())
		})
	}
}

func TestDepacketizer_DiscardsFrameWithGap(t *testing.T) {
	p, err := NewPacketizer(VideoCodecVP8, 1, 96, 300, 0)
	require.NoError(t, err)
	d, err := NewDepacketizer(VideoCodecVP8, 0)
	require.NoError(t, err)

	first, err := p.Packetize(&EncodedFrame{Data: testPayload(60), Timestamp: 1000})
	require.NoError(t, err)
	require.Greater(t, len(first), 2)
	for i, pkt := range first {
		if i == 1 {
			continue
		}
		f, err := d.Push(pkt)
		require.NoError(t, err)
		assert.Nil(t, f)
	}
	assert.Equal(t, uint64(1), d.Discarded())

	second, err := p.Packetize(&EncodedFrame{Data: testPayload(10), Timestamp: 4000})
	require.NoError(t, err)
	var out *EncodedFrame
	for _, pkt := range second {
		out, err = d.Push(pkt)
		require.NoError(t, err)
	}
	require.NotNil(t, out)
	assert.Equal(t, uint32(4000), out.Timestamp)
	assert.Equal(t, uint64(1), d.Discarded())
}

func TestDepacketizer_MissingMarker(t *testing.T) {
	p, err := NewPacketizer(VideoCodecVP8, 1, 96, 300, 0)
	require.NoError(t, err)
	d, err := NewDepacketizer(VideoCodecVP8, 0)
	require.NoError(t, err)

	first, err := p.Packetize(&EncodedFrame{Data: testPayload(60), Timestamp: 1000})
	require.NoError(t, err)
	second, err := p.Packetize(&EncodedFrame{Data: testPayload(5), Timestamp: 4000})
	require.NoError(t, err)
	require.Len(t, second, 1)

	// Everything of the first frame except its marker packet.
	for _, pkt := range first[:len(first)-1] {
		_, err := d.Push(pkt)
		require.NoError(t, err)
	}
	// The sequence gap lands before the head of the next frame, so only the
	// first frame is lost.
	out, err := d.Push(second[0])
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, uint64(1), d.Discarded())
}

func TestDepacketizer_UnsupportedCodec(t *testing.T) {
	_, err := NewDepacketizer(VideoCodecAV1, 0)
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = NewPacketizer(VideoCodecUnknown, 1, 96, 0, 0)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestVideoOrientation(t *testing.T) {
	tests := []struct {
		v    VideoOrientation
		want byte
	}{
		{VideoOrientation{}, 0x00},
		{VideoOrientation{Rotation: Rotation90}, 0x01},
		{VideoOrientation{Rotation: Rotation180, FlipHorizontal: true}, 0x06},
		{VideoOrientation{Rotation: Rotation270, CameraBackFacing: true}, 0x0b},
	}
	for _, tt := range tests {
		raw := tt.v.Marshal()
		assert.Equal(t, []byte{tt.want}, raw)

		var got VideoOrientation
		require.NoError(t, got.Unmarshal(raw))
		assert.Equal(t, tt.v, got)
	}
	var v VideoOrientation
	assert.ErrorIs(t, v.Unmarshal(nil), ErrInvalidArgument)
}

func TestPacketizer_OrientationOnLastPacketOnly(t *testing.T) {
	p, err := NewPacketizer(VideoCodecVP8, 1, 96, 300, ExtensionIDVideoOrientation)
	require.NoError(t, err)
	packets, err := p.Packetize(&EncodedFrame{Data: testPayload(60), Rotation: Rotation90})
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)

	for _, pkt := range packets[:len(packets)-1] {
		assert.Nil(t, pkt.GetExtension(ExtensionIDVideoOrientation))
	}
	last := packets[len(packets)-1]
	assert.Equal(t, []byte{0x01}, last.GetExtension(ExtensionIDVideoOrientation))

	raw, err := last.Marshal()
	require.NoError(t, err)
	var parsed rtp.Packet
	require.NoError(t, parsed.Unmarshal(raw))
	assert.Equal(t, []byte{0x01}, parsed.GetExtension(ExtensionIDVideoOrientation))
}
