package rtctrack

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteFixture struct {
	engine *Engine
	obs    *recordingObserver
	net    *LoopbackNetwork
	track  *RemoteVideoTrack
	enc    VideoEncoder
	pkt    *Packetizer
	ts     int64
}

func newRemoteFixture(t *testing.T, cfg Config, opts ...Option) *remoteFixture {
	t.Helper()
	f := &remoteFixture{obs: &recordingObserver{}, net: NewLoopbackNetwork(nil), ts: int64(time.Second)}
	f.engine = newTestEngine(t, append([]Option{WithConfig(cfg)}, opts...)...)
	require.NoError(t, f.engine.AddObserver(f.obs))
	t.Cleanup(func() { _ = f.net.Destroy() })

	var err error
	f.track, err = f.engine.CreateRemoteVideoTrack(context.Background(),
		RemoteTrackInfo{UID: "peer", TrackID: "cam"},
		RemoteStreamConfig{Codec: VideoCodecVP8, PayloadType: 96, SSRC: testRemoteSSRC})
	require.NoError(t, err)

	f.enc, err = NewLoopbackEncoder(EncoderParams{Codec: VideoCodecVP8, Width: 64, Height: 36, FrameRate: 15, BitrateBps: 240_000})
	require.NoError(t, err)
	f.pkt, err = NewPacketizer(VideoCodecVP8, testRemoteSSRC, 96, 500, ExtensionIDVideoOrientation)
	require.NoError(t, err)

	// Keyframe requests from the receiver reach the encoder.
	f.net.RegisterFeedback(testRemoteSSRC, func(pkts []rtcp.Packet) {
		for _, p := range pkts {
			if isPLI(p) {
				f.enc.RequestKeyframe()
			}
		}
	})
	return f
}

func (f *remoteFixture) attachInfo() RemoteAttachInfo {
	return RemoteAttachInfo{Source: f.net, RTCPSender: f.net, UID: "peer"}
}

// send encodes a rotated frame and writes its packets to the network.
func (f *remoteFixture) send(t *testing.T) {
	t.Helper()
	frame := NewI420Frame(64, 36, f.ts)
	frame.Rotation = Rotation90
	f.ts += testFrameInterval
	ef, err := f.enc.Encode(frame)
	require.NoError(t, err)
	packets, err := f.pkt.Packetize(ef)
	require.NoError(t, err)
	for _, p := range packets {
		require.NoError(t, f.net.WriteRTP(p))
	}
}

func (f *remoteFixture) sendUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not met")
		f.send(t)
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *remoteFixture) waitLast(t *testing.T, want remoteTransition) {
	t.Helper()
	require.Eventually(t, func() bool { return f.obs.lastRemote() == want }, 2*time.Second, 5*time.Millisecond)
}

func TestRemoteVideoTrack_AttachDetach(t *testing.T) {
	f := newRemoteFixture(t, smallConfig())
	ctx := context.Background()

	assert.ErrorIs(t, f.track.Detach(ctx, f.attachInfo(), ReasonManual), ErrNotAttached)
	assert.ErrorIs(t, f.track.Attach(ctx, RemoteAttachInfo{Source: f.net}, ReasonManual), ErrInvalidArgument)

	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	assert.Equal(t, RemoteVideoStarting, f.track.State())
	assert.Equal(t, 1, f.net.ListenerCount())
	_, ok := f.net.VideoProperty(testRemoteSSRC)
	assert.True(t, ok)

	other := NewLoopbackNetwork(nil)
	require.NoError(t, f.track.Attach(ctx, RemoteAttachInfo{Source: other, RTCPSender: other}, ReasonManual),
		"attaching an attached track is a no-op")
	assert.Zero(t, other.ListenerCount())
	assert.ErrorIs(t, f.track.Detach(ctx, RemoteAttachInfo{Source: other, RTCPSender: other}, ReasonManual), ErrNotAttached)
	assert.ErrorIs(t, f.track.Detach(ctx, RemoteAttachInfo{}, ReasonManual), ErrInvalidArgument)
	require.NoError(t, other.Destroy())

	require.NoError(t, f.track.Detach(ctx, f.attachInfo(), ReasonManual))
	assert.Equal(t, RemoteVideoStopped, f.track.State())
	assert.Zero(t, f.net.ListenerCount())
	_, ok = f.net.VideoProperty(testRemoteSSRC)
	assert.False(t, ok)
	f.waitLast(t, remoteTransition{RemoteVideoStopped, ReasonManual})

	// A second attach builds a fresh decoder.
	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonNetworkRecovery))
	assert.Equal(t, RemoteVideoStarting, f.track.State())
	f.sendUntil(t, func() bool { return f.track.State() == RemoteVideoDecoding })
}

// brokenDecoder fails every decode.
type brokenDecoder struct{}

func (brokenDecoder) Decode(*EncodedFrame) (*VideoFrame, error) {
	return nil, errors.New("corrupt bitstream")
}

func (brokenDecoder) Close() error { return nil }

// switchableDecoders hands out loopback decoders unless mode says otherwise.
type switchableDecoders struct {
	mode atomic.Int32 // 0 working, 1 create fails, 2 decode fails
}

func (s *switchableDecoders) create(codec VideoCodec) (VideoDecoder, error) {
	switch s.mode.Load() {
	case 1:
		return nil, errors.New("no decoder")
	case 2:
		return brokenDecoder{}, nil
	}
	return NewLoopbackDecoder(codec)
}

func TestRemoteVideoTrack_DecoderCreateFails(t *testing.T) {
	decoders := &switchableDecoders{}
	decoders.mode.Store(1)
	f := newRemoteFixture(t, smallConfig(), WithDecoderFactory(decoders.create))
	ctx := context.Background()

	assert.ErrorIs(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual), ErrFailed)
	assert.Equal(t, RemoteVideoFailed, f.track.State())
	f.waitLast(t, remoteTransition{RemoteVideoFailed, ReasonDecoderFailure})
	assert.Zero(t, f.net.ListenerCount())

	require.NoError(t, f.track.Detach(ctx, f.attachInfo(), ReasonManual), "a failed track detaches")
	assert.Equal(t, RemoteVideoStopped, f.track.State())

	assert.ErrorIs(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual), ErrFailed)
	decoders.mode.Store(0)
	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual), "attach retries from FAILED")
	assert.Equal(t, RemoteVideoStarting, f.track.State())
	f.sendUntil(t, func() bool { return f.track.State() == RemoteVideoDecoding })
}

func TestRemoteVideoTrack_DecodeErrorsFail(t *testing.T) {
	decoders := &switchableDecoders{}
	decoders.mode.Store(2)
	f := newRemoteFixture(t, smallConfig(), WithDecoderFactory(decoders.create))
	ctx := context.Background()

	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	f.sendUntil(t, func() bool { return f.track.State() == RemoteVideoFailed })
	f.waitLast(t, remoteTransition{RemoteVideoFailed, ReasonDecoderFailure})
	assert.Equal(t, 1, f.net.ListenerCount(), "the failed attachment stays until detach")

	// More traffic does not leave FAILED.
	for range 5 {
		f.send(t)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, RemoteVideoFailed, f.track.State())

	decoders.mode.Store(0)
	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	assert.Equal(t, RemoteVideoStarting, f.track.State())
	assert.Equal(t, 1, f.net.ListenerCount())
	f.sendUntil(t, func() bool { return f.track.State() == RemoteVideoDecoding })

	require.NoError(t, f.track.Detach(ctx, f.attachInfo(), ReasonManual))
	assert.Zero(t, f.net.ListenerCount())
}

func TestRemoteVideoTrack_DecodesAndRenders(t *testing.T) {
	f := newRemoteFixture(t, smallConfig())
	ctx := context.Background()

	_, err := f.track.Statistics(ctx)
	assert.ErrorIs(t, err, ErrNotReady)

	var rendered atomic.Int32
	r := &FuncRenderer{Fn: func(*VideoFrame) error { rendered.Add(1); return nil }}
	assert.ErrorIs(t, f.track.AddRenderer(ctx, nil), ErrInvalidArgument)
	require.NoError(t, f.track.AddRenderer(ctx, r))
	require.NoError(t, f.track.AddRenderer(ctx, r), "duplicate renderer is a no-op")

	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	f.sendUntil(t, func() bool { return rendered.Load() > 1 && f.track.State() == RemoteVideoDecoding })

	stats, err := f.track.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "peer", stats.UID)
	assert.Equal(t, uint32(testRemoteSSRC), stats.SSRC)
	assert.Equal(t, RemoteVideoDecoding, stats.State)
	assert.Equal(t, 36, stats.Width, "rotated frames report swapped dimensions")
	assert.Equal(t, 64, stats.Height)
	assert.Equal(t, Rotation90, stats.Rotation)
	assert.Positive(t, stats.FramesDecoded)
	assert.Positive(t, stats.FramesRendered)
	assert.Positive(t, stats.PacketsReceived)
	assert.Zero(t, stats.PacketsLost)

	require.Eventually(t, func() bool {
		f.obs.mu.Lock()
		defer f.obs.mu.Unlock()
		return len(f.obs.decoded) == 1 && len(f.obs.rendered) == 1 && len(f.obs.remote) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []RemoteVideoState{RemoteVideoStarting, RemoteVideoDecoding}, f.obs.remoteStates()[:2])

	// Renderers stay linked across a detach.
	require.NoError(t, f.track.Detach(ctx, f.attachInfo(), ReasonManual))
	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	n := rendered.Load()
	f.sendUntil(t, func() bool { return rendered.Load() > n })

	require.NoError(t, f.track.RemoveRenderer(ctx, r))
	require.NoError(t, f.track.RemoveRenderer(ctx, r))
	flush(t, f.track.data)
	n = rendered.Load()
	f.send(t)
	flush(t, f.track.data)
	assert.Equal(t, n, rendered.Load())
}

func TestRemoteVideoTrack_Filters(t *testing.T) {
	f := newRemoteFixture(t, smallConfig())
	ctx := context.Background()

	var seen atomic.Int32
	filter := &FuncFilter{Fn: func(fr *VideoFrame) (*VideoFrame, bool) {
		seen.Add(1)
		return fr, true
	}}
	assert.ErrorIs(t, f.track.AddVideoFilter(ctx, nil), ErrInvalidArgument)
	require.NoError(t, f.track.AddVideoFilter(ctx, filter))
	assert.ErrorIs(t, f.track.AddVideoFilter(ctx, filter), ErrInvalidArgument)

	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	f.sendUntil(t, func() bool { return seen.Load() > 0 })

	other := &FuncFilter{Fn: filter.Fn}
	assert.ErrorIs(t, f.track.AddVideoFilter(ctx, other), ErrInvalidState)
	assert.ErrorIs(t, f.track.RemoveVideoFilter(ctx, filter), ErrInvalidState)

	require.NoError(t, f.track.Detach(ctx, f.attachInfo(), ReasonManual))
	require.NoError(t, f.track.RemoveVideoFilter(ctx, filter))
	require.NoError(t, f.track.RemoveVideoFilter(ctx, filter), "unknown filters are ignored")

	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	f.sendUntil(t, func() bool { return f.track.State() == RemoteVideoDecoding })
	flush(t, f.track.data)
	n := seen.Load()
	f.send(t)
	flush(t, f.track.data)
	assert.Equal(t, n, seen.Load())
}

func TestRemoteVideoTrack_FreezeAndRecover(t *testing.T) {
	cfg := smallConfig()
	cfg.Remote.FreezeTimeout = 200 * time.Millisecond
	f := newRemoteFixture(t, cfg)
	ctx := context.Background()

	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	f.sendUntil(t, func() bool { return f.track.State() == RemoteVideoDecoding })

	require.Eventually(t, func() bool { return f.track.State() == RemoteVideoFrozen }, 2*time.Second, 5*time.Millisecond)
	f.waitLast(t, remoteTransition{RemoteVideoFrozen, ReasonNetworkCongestion})
	time.Sleep(10 * time.Millisecond)

	stats, err := f.track.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, RemoteVideoFrozen, stats.State)
	assert.Positive(t, stats.FrozenTimeMs)

	f.sendUntil(t, func() bool { return f.track.State() == RemoteVideoDecoding })
	f.waitLast(t, remoteTransition{RemoteVideoDecoding, ReasonNetworkRecovery})

	stats, err = f.track.Statistics(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.FrozenTimeMs, "frozen time accumulates")
}

func TestRemoteVideoTrack_NetworkDestroyed(t *testing.T) {
	f := newRemoteFixture(t, smallConfig())
	ctx := context.Background()

	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	f.net.UnregisterFeedback(testRemoteSSRC)
	require.NoError(t, f.net.Destroy())
	assert.Equal(t, RemoteVideoStopped, f.track.State())
	f.waitLast(t, remoteTransition{RemoteVideoStopped, ReasonNetworkDestroyed})
	assert.ErrorIs(t, f.track.Detach(ctx, f.attachInfo(), ReasonManual), ErrNotAttached)
}

func TestRemoteVideoTrack_NetworkDestroyedFromMajorWorker(t *testing.T) {
	f := newRemoteFixture(t, smallConfig())
	ctx := context.Background()

	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	f.net.UnregisterFeedback(testRemoteSSRC)
	require.NoError(t, f.engine.major.SyncCall(ctx, func(ctx context.Context) error {
		return f.net.DestroyContext(ctx)
	}))
	assert.Equal(t, RemoteVideoStopped, f.track.State())
	f.waitLast(t, remoteTransition{RemoteVideoStopped, ReasonNetworkDestroyed})
}

func TestRemoteVideoTrack_Close(t *testing.T) {
	f := newRemoteFixture(t, smallConfig())
	ctx := context.Background()

	require.NoError(t, f.track.AddRenderer(ctx, &FuncRenderer{Fn: func(*VideoFrame) error { return nil }}))
	require.NoError(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual))
	require.NoError(t, f.track.Close(ctx))
	require.NoError(t, f.track.Close(ctx), "close is idempotent")

	assert.Equal(t, RemoteVideoStopped, f.track.State())
	f.waitLast(t, remoteTransition{RemoteVideoStopped, ReasonTrackDestroyed})
	assert.Empty(t, f.engine.RemoteTracks())
	assert.Zero(t, f.net.ListenerCount())
	assert.Zero(t, HandlerCount[FirstFrameRendered](f.engine.bus))

	assert.ErrorIs(t, f.track.Attach(ctx, f.attachInfo(), ReasonManual), ErrInvalidState)
	assert.ErrorIs(t, f.track.AddVideoFilter(ctx, &FuncFilter{}), ErrInvalidState)
	_, err := f.track.Statistics(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRemoteVideoTrack_ReceivesLocalTrack(t *testing.T) {
	lf := newLocalFixture(t, smallConfig())
	ctx := context.Background()
	net := NewLoopbackNetwork(nil)

	require.NoError(t, lf.track.SetEnabled(ctx, true))
	require.NoError(t, lf.track.Attach(ctx, LocalAttachInfo{Sink: net, UID: "me"}))

	remote, err := lf.engine.CreateRemoteVideoTrack(ctx, RemoteTrackInfo{UID: "me", TrackID: "loop"},
		RemoteStreamConfig{Codec: VideoCodecVP8, SSRC: lf.track.SSRC(StreamMajor)})
	require.NoError(t, err)
	var rendered atomic.Int32
	require.NoError(t, remote.AddRenderer(ctx, &FuncRenderer{Fn: func(*VideoFrame) error { rendered.Add(1); return nil }}))
	require.NoError(t, remote.Attach(ctx, RemoteAttachInfo{Source: net, RTCPSender: net}, ReasonManual))

	lf.pushUntil(t, Rotation0, func() bool {
		return rendered.Load() > 0 && remote.State() == RemoteVideoDecoding
	})
	require.Eventually(t, func() bool { return lf.track.State() == LocalVideoEncoding }, time.Second, 5*time.Millisecond)

	stats, err := remote.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 64, stats.Width)
	assert.Equal(t, 36, stats.Height)
	assert.Positive(t, net.RTCPPackets(), "the receiver asks for a keyframe on start")

	require.NoError(t, net.Destroy())
	assert.Equal(t, LocalVideoStopped, lf.track.State())
	assert.Equal(t, RemoteVideoStopped, remote.State())
	require.Eventually(t, func() bool {
		return lf.obs.lastRemote() == remoteTransition{RemoteVideoStopped, ReasonNetworkDestroyed}
	}, time.Second, 5*time.Millisecond)
}
