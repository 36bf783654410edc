package rtctrack

import (
	"testing"

	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCongestionMode(t *testing.T) {
	tests := []struct {
		in   string
		want CongestionMode
	}{
		{"", CongestionGCC},
		{"gcc", CongestionGCC},
		{"GCC", CongestionGCC},
		{"none", CongestionNone},
	}
	for _, tt := range tests {
		got, err := ParseCongestionMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseCongestionMode("bbr")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewCongestionController_Errors(t *testing.T) {
	_, err := NewCongestionController(CongestionConfig{Mode: CongestionNone}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewCongestionController(CongestionConfig{Mode: "bbr", InitialBitrate: 500_000}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func transportSeq(t *testing.T, pkt *rtp.Packet) uint16 {
	t.Helper()
	raw := pkt.GetExtension(ExtensionIDTransportWideCC)
	require.NotNil(t, raw)
	var ext rtp.TransportCCExtension
	require.NoError(t, ext.Unmarshal(raw))
	return ext.TransportSequence
}

func TestCongestionController_Fixed(t *testing.T) {
	c, err := NewCongestionController(CongestionConfig{Mode: CongestionNone, InitialBitrate: 800_000}, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, CongestionNone, c.Mode())
	assert.Equal(t, 800_000, c.TargetBitrate())
	assert.Equal(t, "fixed", c.Stats()["type"])

	err = c.WriteRTP(&rtp.Packet{Header: rtp.Header{SSRC: 7}})
	assert.ErrorIs(t, err, ErrInvalidState)

	var sent []*rtp.Packet
	c.AddStream(7, VideoCodecVP8, 96, func(pkt *rtp.Packet) error {
		sent = append(sent, pkt)
		return nil
	})
	for i := range 2 {
		require.NoError(t, c.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{Version: 2, SSRC: 7, SequenceNumber: uint16(100 + i)},
			Payload: []byte{1, 2, 3},
		}))
	}
	require.Len(t, sent, 2)
	assert.Equal(t, uint16(1), transportSeq(t, sent[0]))
	assert.Equal(t, uint16(2), transportSeq(t, sent[1]))
	assert.Equal(t, []byte{1, 2, 3}, sent[1].Payload)

	assert.NoError(t, c.OnFeedback([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 7}}))

	c.RemoveStream(7)
	assert.ErrorIs(t, c.WriteRTP(&rtp.Packet{Header: rtp.Header{SSRC: 7}}), ErrInvalidState)
}

func TestCongestionController_GCC(t *testing.T) {
	c, err := NewCongestionController(CongestionConfig{
		Mode:           CongestionGCC,
		InitialBitrate: 600_000,
		MaxBitrate:     2_000_000,
	}, func(int) {})
	require.NoError(t, err)

	assert.Equal(t, CongestionGCC, c.Mode())
	assert.Equal(t, 600_000, c.TargetBitrate())
	assert.NotEmpty(t, c.Stats())

	var sent []*rtp.Packet
	c.AddStream(9, VideoCodecVP8, 96, func(pkt *rtp.Packet) error {
		sent = append(sent, pkt)
		return nil
	})
	require.NoError(t, c.WriteRTP(&rtp.Packet{
		Header:  rtp.Header{Version: 2, SSRC: 9, SequenceNumber: 1},
		Payload: make([]byte, 100),
	}))
	require.Len(t, sent, 1)
	assert.Equal(t, uint16(1), transportSeq(t, sent[0]))

	// Non transport-cc feedback is ignored by the estimator.
	assert.NoError(t, c.OnFeedback([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 9}}))

	require.NoError(t, c.Close())
}

func TestCongestionController_RemoveStreamUnregistersPacer(t *testing.T) {
	c, err := NewCongestionController(CongestionConfig{Mode: CongestionGCC, InitialBitrate: 600_000}, nil)
	require.NoError(t, err)
	defer c.Close()

	write := func(*rtp.Packet) error { return nil }
	c.AddStream(9, VideoCodecVP8, 96, write)
	c.AddStream(10, VideoCodecVP8, 96, write)
	require.NotNil(t, c.pacer)
	assert.Equal(t, 2, c.pacer.streamCount())

	c.RemoveStream(9)
	assert.Equal(t, 1, c.pacer.streamCount())
	_, err = c.pacer.Write(&rtp.Header{SSRC: 9}, nil, nil)
	assert.ErrorIs(t, err, gcc.ErrUnknownStream)
	assert.ErrorIs(t, c.WriteRTP(&rtp.Packet{Header: rtp.Header{SSRC: 9}}), ErrInvalidState)
	require.NoError(t, c.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2, SSRC: 10}, Payload: []byte{1}}))

	c.RemoveStream(10)
	c.RemoveStream(10)
	assert.Zero(t, c.pacer.streamCount())
}

func TestCongestionController_DefaultModeIsGCC(t *testing.T) {
	c, err := NewCongestionController(CongestionConfig{InitialBitrate: 300_000}, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, CongestionGCC, c.Mode())
}
