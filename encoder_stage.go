package rtctrack

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// StreamConfig describes one send stream of the encoder stage.
type StreamConfig struct {
	Params        EncoderParams
	SSRC          uint32
	PayloadType   uint8
	MinBitrateBps int
}

// EncoderStageOptions configures an EncoderStage.
type EncoderStageOptions struct {
	Factory         VideoEncoderFactory
	MTU             int
	SendOrientation bool // signal rotation with CVO instead of rotating pixels
	Congestion      CongestionConfig
	Log             *logrus.Entry

	// OnFirstFrame runs on the data worker after the first frame encoded
	// since ArmFirstFrame.
	OnFirstFrame func(typ StreamType, frame *EncodedFrame)
	// OnError runs on the data worker when an encoder fails.
	OnError func(typ StreamType, err error)
}

type encodeStream struct {
	typ StreamType
	cfg StreamConfig

	mu     sync.Mutex // serializes Encode with Close
	enc    VideoEncoder
	closed bool

	target                                  atomic.Int64
	width, height                           atomic.Int32
	frames, keyframes, bytes, packets, errs atomic.Uint64
	fractionLost                            atomic.Uint32
	meter                                   rateMeter
}

type sinkBinding struct {
	sink RTPSink
	cc   *CongestionController

	mu          sync.Mutex
	packetizers map[StreamType]*Packetizer
}

// EncoderStage drives the encoders of a local track and sends their output
// to every attached network.
//
// Stream and sink lifecycle calls run on the track's major worker; encode
// runs on the data worker. Feedback arrives on whatever goroutine the
// network delivers it on.
type EncoderStage struct {
	opts EncoderStageOptions
	log  *logrus.Entry

	mu      sync.RWMutex
	streams [2]*encodeStream
	sources [2]bool
	sinks   map[string]*sinkBinding

	armed atomic.Bool
}

// NewEncoderStage creates an encoder stage without streams or sinks.
func NewEncoderStage(opts EncoderStageOptions) *EncoderStage {
	if opts.Factory == nil {
		opts.Factory = NewLoopbackEncoder
	}
	if opts.MTU <= 0 {
		opts.MTU = DefaultMTU
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EncoderStage{
		opts:  opts,
		log:   opts.Log.WithField("component", "encoder"),
		sinks: make(map[string]*sinkBinding),
	}
}

// CreateStream creates the encoder of typ and adds the stream to every
// attached sink.
func (s *EncoderStage) CreateStream(typ StreamType, cfg StreamConfig) error {
	enc, err := s.opts.Factory(cfg.Params)
	if err != nil {
		return fmt.Errorf("%w: create %v encoder: %v", ErrFailed, typ, err)
	}
	st := &encodeStream{typ: typ, cfg: cfg, enc: enc}
	st.target.Store(int64(cfg.Params.BitrateBps))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[typ] != nil {
		_ = enc.Close()
		return fmt.Errorf("%w: %v stream already exists", ErrInvalidState, typ)
	}
	s.streams[typ] = st
	var result *multierror.Error
	for _, b := range s.sinks {
		if err := s.bindStream(b, st); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.log.WithFields(logrus.Fields{"stream": typ.String(), "ssrc": cfg.SSRC, "codec": cfg.Params.Codec.String()}).Info("send stream created")
	return result.ErrorOrNil()
}

// DestroyStream closes the encoder of typ and removes the stream from
// every sink.
func (s *EncoderStage) DestroyStream(typ StreamType) error {
	s.mu.Lock()
	st := s.streams[typ]
	s.streams[typ] = nil
	s.sources[typ] = false
	for _, b := range s.sinks {
		s.unbindStream(b, typ, st)
	}
	s.mu.Unlock()
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	s.log.WithField("stream", typ.String()).Info("send stream destroyed")
	return st.enc.Close()
}

// HasStream reports whether the stream of typ exists.
func (s *EncoderStage) HasStream(typ StreamType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[typ] != nil
}

// SetSources selects which encoder inputs are fed from the graph. Frames
// reaching an input that is not a source are dropped.
func (s *EncoderStage) SetSources(major, minor bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = [2]bool{major, minor}
}

// UpdateParams applies a new configuration to an existing stream. A codec
// change recreates the encoder and its packetizers.
func (s *EncoderStage) UpdateParams(typ StreamType, params EncoderParams, minBps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[typ]
	if st == nil {
		return nil
	}

	st.mu.Lock()
	codecChanged := params.Codec != st.cfg.Params.Codec
	if codecChanged {
		enc, err := s.opts.Factory(params)
		if err != nil {
			st.mu.Unlock()
			return fmt.Errorf("%w: recreate %v encoder: %v", ErrFailed, typ, err)
		}
		_ = st.enc.Close()
		st.enc = enc
		st.cfg.PayloadType = params.Codec.DefaultPayloadType()
	} else if err := st.enc.SetBitrate(params.BitrateBps); err != nil {
		st.mu.Unlock()
		return fmt.Errorf("%w: set bitrate: %v", ErrFailed, err)
	}
	st.cfg.Params = params
	st.cfg.MinBitrateBps = minBps
	st.target.Store(int64(params.BitrateBps))
	st.mu.Unlock()

	if !codecChanged {
		return nil
	}
	var result *multierror.Error
	for _, b := range s.sinks {
		s.unbindStream(b, typ, st)
		if err := s.bindStream(b, st); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// AddSink binds the stage to a network. Each stream gets its own
// packetizer on the sink and a congestion-control sender is started.
func (s *EncoderStage) AddSink(sink RTPSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sinks[sink.ID()]; ok {
		return nil
	}

	initial := 0
	for _, st := range s.streams {
		if st != nil {
			initial += st.cfg.Params.BitrateBps
		}
	}
	ccCfg := s.opts.Congestion
	if initial > 0 {
		ccCfg.InitialBitrate = initial
	}
	if ccCfg.InitialBitrate <= 0 {
		ccCfg.InitialBitrate = 300_000
	}
	cc, err := NewCongestionController(ccCfg, s.onTargetBitrate)
	if err != nil {
		return err
	}

	b := &sinkBinding{sink: sink, cc: cc, packetizers: make(map[StreamType]*Packetizer)}
	var result *multierror.Error
	for _, st := range s.streams {
		if st == nil {
			continue
		}
		if err := s.bindStream(b, st); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		for typ, st := range s.streams {
			s.unbindStream(b, StreamType(typ), st)
		}
		_ = cc.Close()
		return err
	}
	s.sinks[sink.ID()] = b
	s.log.WithFields(logrus.Fields{"network": sink.ID(), "congestion": cc.Mode()}).Info("rtp sink bound")
	return nil
}

// RemoveSink unbinds the stage from a network. Unknown sinks are ignored.
func (s *EncoderStage) RemoveSink(networkID string) error {
	s.mu.Lock()
	b := s.sinks[networkID]
	delete(s.sinks, networkID)
	if b != nil {
		for typ, st := range s.streams {
			s.unbindStream(b, StreamType(typ), st)
		}
	}
	s.mu.Unlock()
	if b == nil {
		return nil
	}
	s.log.WithField("network", networkID).Info("rtp sink unbound")
	return b.cc.Close()
}

// SinkCount returns the number of bound networks.
func (s *EncoderStage) SinkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks)
}

// bindStream needs s.mu held.
func (s *EncoderStage) bindStream(b *sinkBinding, st *encodeStream) error {
	cvo := uint8(0)
	if s.opts.SendOrientation {
		cvo = ExtensionIDVideoOrientation
	}
	p, err := NewPacketizer(st.cfg.Params.Codec, st.cfg.SSRC, st.cfg.PayloadType, s.opts.MTU, cvo)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.packetizers[st.typ] = p
	b.mu.Unlock()

	sink := b.sink
	b.cc.AddStream(st.cfg.SSRC, st.cfg.Params.Codec, st.cfg.PayloadType, sink.WriteRTP)
	sink.RegisterFeedback(st.cfg.SSRC, func(pkts []rtcp.Packet) { s.onFeedback(b, st, pkts) })
	sink.AddOrUpdateVideoProperty(VideoProperty{
		SSRC:        st.cfg.SSRC,
		PayloadType: st.cfg.PayloadType,
		Codec:       st.cfg.Params.Codec,
		StreamType:  st.typ,
	})
	return nil
}

// unbindStream needs s.mu held.
func (s *EncoderStage) unbindStream(b *sinkBinding, typ StreamType, st *encodeStream) {
	b.mu.Lock()
	delete(b.packetizers, typ)
	b.mu.Unlock()
	if st == nil {
		return
	}
	b.cc.RemoveStream(st.cfg.SSRC)
	b.sink.UnregisterFeedback(st.cfg.SSRC)
	b.sink.RemoveVideoProperty(st.cfg.SSRC)
}

// ArmFirstFrame makes the next encoded frame trigger OnFirstFrame.
func (s *EncoderStage) ArmFirstFrame() { s.armed.Store(true) }

// encode runs on the data worker.
func (s *EncoderStage) encode(typ StreamType, frame *VideoFrame) {
	s.mu.RLock()
	st := s.streams[typ]
	active := s.sources[typ]
	bindings := make([]*sinkBinding, 0, len(s.sinks))
	for _, b := range s.sinks {
		bindings = append(bindings, b)
	}
	s.mu.RUnlock()
	if st == nil || !active {
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	ef, err := st.enc.Encode(frame)
	st.mu.Unlock()
	if err != nil {
		st.errs.Add(1)
		s.log.WithError(err).WithField("stream", typ.String()).Error("encode failed")
		if s.opts.OnError != nil {
			s.opts.OnError(typ, err)
		}
		return
	}
	if ef == nil {
		return
	}

	st.frames.Add(1)
	if ef.IsKeyframe() {
		st.keyframes.Add(1)
	}
	st.bytes.Add(uint64(len(ef.Data)))
	st.width.Store(int32(ef.Width))
	st.height.Store(int32(ef.Height))
	st.meter.add(time.Now(), len(ef.Data))

	for _, b := range bindings {
		b.mu.Lock()
		var (
			pkts []*rtp.Packet
			perr error
		)
		if p := b.packetizers[typ]; p != nil {
			pkts, perr = p.Packetize(ef)
		}
		b.mu.Unlock()
		if perr != nil {
			s.log.WithError(perr).WithField("network", b.sink.ID()).Warn("packetize failed")
			continue
		}
		for _, pkt := range pkts {
			if err := b.cc.WriteRTP(pkt); err != nil {
				s.log.WithError(err).WithField("network", b.sink.ID()).Debug("rtp write failed")
				break
			}
			st.packets.Add(1)
		}
	}

	if s.armed.CompareAndSwap(true, false) && s.opts.OnFirstFrame != nil {
		s.opts.OnFirstFrame(typ, ef)
	}
}

// RequestKeyframe forces a keyframe on every stream.
func (s *EncoderStage) RequestKeyframe() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.streams {
		if st != nil {
			st.requestKeyframe()
		}
	}
}

func (st *encodeStream) requestKeyframe() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.enc.RequestKeyframe()
	}
}

func (s *EncoderStage) onFeedback(b *sinkBinding, st *encodeStream, pkts []rtcp.Packet) {
	keyframe := false
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			keyframe = keyframe || p.MediaSSRC == st.cfg.SSRC
		case *rtcp.FullIntraRequest:
			keyframe = keyframe || p.MediaSSRC == st.cfg.SSRC
		case *rtcp.ReceiverReport:
			for _, r := range p.Reports {
				if r.SSRC == st.cfg.SSRC {
					st.fractionLost.Store(uint32(r.FractionLost))
				}
			}
		}
	}
	if keyframe {
		s.log.WithField("stream", st.typ.String()).Debug("keyframe requested by receiver")
		st.requestKeyframe()
	}
	if err := b.cc.OnFeedback(pkts); err != nil && !errors.Is(err, ErrInvalidState) {
		s.log.WithError(err).Debug("congestion feedback rejected")
	}
}

// onTargetBitrate splits the estimate between streams: the minor stream
// keeps its configured rate and the major stream gets the rest, clamped to
// its configured range.
func (s *EncoderStage) onTargetBitrate(bps int) {
	s.mu.RLock()
	major, minor := s.streams[StreamMajor], s.streams[StreamMinor]
	s.mu.RUnlock()
	if minor != nil {
		minor.mu.Lock()
		bps -= minor.cfg.Params.BitrateBps
		minor.mu.Unlock()
	}
	if major == nil {
		return
	}
	major.mu.Lock()
	defer major.mu.Unlock()
	if major.closed {
		return
	}
	bps = min(bps, major.cfg.Params.BitrateBps)
	bps = max(bps, major.cfg.MinBitrateBps, 1)
	if int64(bps) == major.target.Load() {
		return
	}
	if err := major.enc.SetBitrate(bps); err != nil {
		s.log.WithError(err).Warn("apply target bitrate failed")
		return
	}
	major.target.Store(int64(bps))
}

// Stats returns per-substream metrics, major stream first.
func (s *EncoderStage) Stats() EncoderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out EncoderStats
	for _, st := range s.streams {
		if st == nil {
			continue
		}
		fps, bitrate := st.meter.read(now)
		out.Streams = append(out.Streams, SubstreamStats{
			Type:              st.typ,
			SSRC:              st.cfg.SSRC,
			Width:             int(st.width.Load()),
			Height:            int(st.height.Load()),
			FramesEncoded:     st.frames.Load(),
			KeyFramesEncoded:  st.keyframes.Load(),
			BytesEncoded:      st.bytes.Load(),
			PacketsSent:       st.packets.Load(),
			EncodeErrors:      st.errs.Load(),
			EncodeFrameRate:   fps,
			SentBitrateKbps:   bitrate / 1000,
			TargetBitrateKbps: int(st.target.Load() / 1000),
			FractionLost:      uint8(st.fractionLost.Load()),
		})
	}
	return out
}

// Close destroys every stream and unbinds every sink.
func (s *EncoderStage) Close() error {
	var result *multierror.Error
	s.mu.RLock()
	ids := make([]string, 0, len(s.sinks))
	for id := range s.sinks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		if err := s.RemoveSink(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, typ := range []StreamType{StreamMinor, StreamMajor} {
		if err := s.DestroyStream(typ); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// encoderInput is the terminal processor feeding one stream of the stage.
type encoderInput struct {
	stage *EncoderStage
	typ   StreamType
}

func (e *encoderInput) Process(f *VideoFrame) (*VideoFrame, bool) {
	e.stage.encode(e.typ, f)
	return nil, false
}
