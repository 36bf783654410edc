package rtctrack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// CodecCapability returns the pion capability advertised for c.
func CodecCapability(c VideoCodec) webrtc.RTPCodecCapability {
	switch c {
	case VideoCodecVP9:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0"}
	case VideoCodecH264:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"}
	case VideoCodecAV1:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000, SDPFmtpLine: "profile=0"}
	default:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
}

// codecFromMimeType maps a negotiated MIME type back to a VideoCodec.
func codecFromMimeType(mime string) (VideoCodec, error) {
	for _, c := range []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecAV1} {
		if strings.EqualFold(c.MimeType(), mime) {
			return c, nil
		}
	}
	return VideoCodecUnknown, fmt.Errorf("%w: unsupported mime type %q", ErrNotSupported, mime)
}

// NewPeerAPI builds a pion API with the default codecs and interceptors,
// the video orientation extension and pion's logging routed to l.
func NewPeerAPI(l *logrus.Logger) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: VideoOrientationURI}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register cvo extension: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewPionLoggerFactory(l)
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// peerBinding is one negotiated transceiver a PeerSink writes to.
type peerBinding struct {
	id     string
	ssrc   uint32
	pt     uint8
	writer webrtc.TrackLocalWriter
	cvoID  uint8
	twccID uint8
}

// rewrite maps a packet header produced by the encoder onto the ssrc,
// payload type and extension ids negotiated for this binding.
func (b *peerBinding) rewrite(h *rtp.Header) rtp.Header {
	out := *h
	out.SSRC = b.ssrc
	out.PayloadType = b.pt
	out.Extensions = nil
	out.Extension = false
	for _, m := range []struct{ from, to uint8 }{
		{ExtensionIDVideoOrientation, b.cvoID},
		{ExtensionIDTransportWideCC, b.twccID},
	} {
		if m.to == 0 {
			continue
		}
		if payload := h.GetExtension(m.from); payload != nil {
			_ = out.SetExtension(m.to, payload)
		}
	}
	return out
}

// PeerSink sends the major stream of a local track over pion peer
// connections. Add it with PeerConnection.AddTrack, then attach the track
// to it.
type PeerSink struct {
	networkListeners

	id       string
	streamID string
	codec    webrtc.RTPCodecCapability
	log      *logrus.Entry

	mu        sync.RWMutex
	bindings  []*peerBinding
	feedback  map[uint32]func([]rtcp.Packet)
	destroyed bool

	packets atomic.Uint64
}

// NewPeerSink creates a sink advertising codec under streamID.
func NewPeerSink(codec VideoCodec, streamID string, log *logrus.Entry) *PeerSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.NewString()
	return &PeerSink{
		id:       id,
		streamID: streamID,
		codec:    CodecCapability(codec),
		log:      log.WithFields(logrus.Fields{"network": id, "transport": "peer"}),
		feedback: make(map[uint32]func([]rtcp.Packet)),
	}
}

func (s *PeerSink) ID() string       { return s.id }
func (s *PeerSink) RID() string      { return "" }
func (s *PeerSink) StreamID() string { return s.streamID }

func (s *PeerSink) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

// Bind implements webrtc.TrackLocal.
func (s *PeerSink) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	var codec *webrtc.RTPCodecParameters
	for _, p := range ctx.CodecParameters() {
		if strings.EqualFold(p.MimeType, s.codec.MimeType) {
			codec = &p
			break
		}
	}
	if codec == nil {
		return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
	}
	b := &peerBinding{
		id:     ctx.ID(),
		ssrc:   uint32(ctx.SSRC()),
		pt:     uint8(codec.PayloadType),
		writer: ctx.WriteStream(),
	}
	for _, ext := range ctx.HeaderExtensions() {
		switch ext.URI {
		case VideoOrientationURI:
			b.cvoID = uint8(ext.ID)
		case TransportCCURI:
			b.twccID = uint8(ext.ID)
		}
	}

	s.mu.Lock()
	s.bindings = append(s.bindings, b)
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"binding": b.id, "ssrc": b.ssrc, "pt": b.pt}).Info("peer binding added")
	return *codec, nil
}

// Unbind implements webrtc.TrackLocal.
func (s *PeerSink) Unbind(ctx webrtc.TrackLocalContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.bindings {
		if b.id == ctx.ID() {
			s.bindings = append(s.bindings[:i], s.bindings[i+1:]...)
			break
		}
	}
	return nil
}

// majorSSRC returns the ssrc of the major stream attached to the sink.
func (s *PeerSink) majorSSRC() (uint32, bool) {
	s.networkListeners.mu.Lock()
	defer s.networkListeners.mu.Unlock()
	for ssrc, p := range s.properties {
		if p.StreamType == StreamMajor {
			return ssrc, true
		}
	}
	return 0, false
}

// WriteRTP writes pkt to every binding. Packets of other streams are
// dropped, a transceiver carries one stream.
func (s *PeerSink) WriteRTP(pkt *rtp.Packet) error {
	major, ok := s.majorSSRC()
	if !ok || pkt.SSRC != major {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return fmt.Errorf("%w: network %s destroyed", ErrInvalidState, s.id)
	}
	var result *multierror.Error
	for _, b := range s.bindings {
		h := b.rewrite(&pkt.Header)
		if _, err := b.writer.WriteRTP(&h, pkt.Payload); err != nil {
			result = multierror.Append(result, fmt.Errorf("binding %s: %w", b.id, err))
		}
	}
	s.packets.Add(1)
	return result.ErrorOrNil()
}

func (s *PeerSink) RegisterFeedback(ssrc uint32, fn func([]rtcp.Packet)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[ssrc] = fn
}

func (s *PeerSink) UnregisterFeedback(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feedback, ssrc)
}

// Reset drops the packet counter.
func (s *PeerSink) Reset() { s.packets.Store(0) }

// PacketsSent returns the number of packets written to the bindings.
func (s *PeerSink) PacketsSent() uint64 { return s.packets.Load() }

// ReadFeedback reads RTCP from sender until it is closed and hands it to
// the major stream with the negotiated ssrc mapped back. Run it in its own
// goroutine after AddTrack.
func (s *PeerSink) ReadFeedback(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Debug("rtcp read stopped")
			}
			return
		}
		s.dispatchFeedback(pkts)
	}
}

func (s *PeerSink) dispatchFeedback(pkts []rtcp.Packet) {
	major, ok := s.majorSSRC()
	if !ok {
		return
	}
	s.mu.RLock()
	fn := s.feedback[major]
	remote := make(map[uint32]bool, len(s.bindings))
	for _, b := range s.bindings {
		remote[b.ssrc] = true
	}
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	mapSSRC := func(ssrc uint32) uint32 {
		if remote[ssrc] {
			return major
		}
		return ssrc
	}
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			p.MediaSSRC = mapSSRC(p.MediaSSRC)
		case *rtcp.FullIntraRequest:
			p.MediaSSRC = mapSSRC(p.MediaSSRC)
			for i := range p.FIR {
				p.FIR[i].SSRC = mapSSRC(p.FIR[i].SSRC)
			}
		case *rtcp.ReceiverReport:
			for i := range p.Reports {
				p.Reports[i].SSRC = mapSSRC(p.Reports[i].SSRC)
			}
		}
	}
	fn(pkts)
}

// Destroy detaches every track from the sink. The pion track itself stays
// added to its peer connections.
func (s *PeerSink) Destroy() error { return s.DestroyContext(context.Background()) }

// DestroyContext is Destroy with the context of the calling task.
func (s *PeerSink) DestroyContext(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()

	s.log.Info("network destroying")
	s.notifyDestroy(ctx, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.feedback); n > 0 {
		clear(s.feedback)
		return fmt.Errorf("%d feedback handlers still registered", n)
	}
	return nil
}

var _ webrtc.TrackLocal = (*PeerSink)(nil)
var _ RTPSink = (*PeerSink)(nil)

// PeerSource delivers the RTP of remote pion tracks to remote video tracks
// and sends their RTCP on the peer connection.
type PeerSource struct {
	networkListeners

	id  string
	pc  *webrtc.PeerConnection
	log *logrus.Entry

	mu        sync.RWMutex
	receivers map[uint32]func(*rtp.Packet)
	destroyed bool
	wg        sync.WaitGroup

	packets, unrouted atomic.Uint64
}

// NewPeerSource creates a source reading tracks of pc.
func NewPeerSource(pc *webrtc.PeerConnection, log *logrus.Entry) *PeerSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.NewString()
	return &PeerSource{
		id:        id,
		pc:        pc,
		log:       log.WithFields(logrus.Fields{"network": id, "transport": "peer"}),
		receivers: make(map[uint32]func(*rtp.Packet)),
	}
}

func (s *PeerSource) ID() string { return s.id }

// RemoteStreamConfigFor describes the stream of a pion remote track.
func RemoteStreamConfigFor(track *webrtc.TrackRemote) (RemoteStreamConfig, error) {
	codec, err := codecFromMimeType(track.Codec().MimeType)
	if err != nil {
		return RemoteStreamConfig{}, err
	}
	return RemoteStreamConfig{
		SSRC:        uint32(track.SSRC()),
		PayloadType: uint8(track.PayloadType()),
		Codec:       codec,
	}, nil
}

// HandleTrack reads track until it ends, routing packets by ssrc. Call it
// from PeerConnection.OnTrack.
func (s *PeerSource) HandleTrack(track *webrtc.TrackRemote) {
	s.mu.RLock()
	if s.destroyed {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	go func() {
		defer s.wg.Done()
		log := s.log.WithField("ssrc", uint32(track.SSRC()))
		log.Info("remote track reading")
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.WithError(err).Debug("rtp read stopped")
				}
				return
			}
			s.deliver(pkt)
		}
	}()
}

func (s *PeerSource) deliver(pkt *rtp.Packet) {
	s.mu.RLock()
	fn, destroyed := s.receivers[pkt.SSRC], s.destroyed
	s.mu.RUnlock()
	if destroyed {
		return
	}
	s.packets.Add(1)
	if fn == nil {
		s.unrouted.Add(1)
		return
	}
	fn(pkt)
}

func (s *PeerSource) RegisterReceiver(ssrc uint32, fn func(*rtp.Packet)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers[ssrc] = fn
}

func (s *PeerSource) UnregisterReceiver(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.receivers, ssrc)
}

// WriteRTCP sends pkts on the peer connection.
func (s *PeerSource) WriteRTCP(pkts []rtcp.Packet) error {
	if s.pc == nil {
		return fmt.Errorf("%w: no peer connection", ErrInvalidState)
	}
	return s.pc.WriteRTCP(pkts)
}

func (s *PeerSource) Reset() {
	s.packets.Store(0)
	s.unrouted.Store(0)
}

// PacketsReceived returns the packets read from all tracks.
func (s *PeerSource) PacketsReceived() uint64 { return s.packets.Load() }

// Destroy detaches every remote track from the source. Read loops end when
// the peer connection closes.
func (s *PeerSource) Destroy() error { return s.DestroyContext(context.Background()) }

// DestroyContext is Destroy with the context of the calling task.
func (s *PeerSource) DestroyContext(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()

	s.log.Info("network destroying")
	s.notifyDestroy(ctx, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.receivers); n > 0 {
		clear(s.receivers)
		return fmt.Errorf("%d receivers still registered", n)
	}
	return nil
}

// Wait blocks until every read loop has ended.
func (s *PeerSource) Wait() { s.wg.Wait() }

var _ RTPSource = (*PeerSource)(nil)
var _ RTCPSender = (*PeerSource)(nil)
