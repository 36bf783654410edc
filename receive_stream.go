package rtctrack

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// decoderStage is the processor of a remote track's decoder node. Decoded
// frames are pushed into it by the receive stream; it records decode
// statistics and forwards the frame.
type decoderStage struct {
	frames     atomic.Uint64
	width      atomic.Int32
	height     atomic.Int32
	rotation   atomic.Int32
	delayMs    atomic.Int64
	lastDecode atomic.Int64 // unix nanoseconds
	meter      rateMeter

	first   atomic.Bool
	onFirst func(f *VideoFrame)
}

func (d *decoderStage) Process(f *VideoFrame) (*VideoFrame, bool) {
	now := time.Now()
	d.frames.Add(1)
	d.width.Store(int32(f.Width))
	d.height.Store(int32(f.Height))
	d.rotation.Store(int32(f.Rotation))
	d.lastDecode.Store(now.UnixNano())
	d.meter.add(now, 0)
	if f.Timestamp > 0 {
		if delay := now.Sub(f.CaptureTime()); delay >= 0 && delay < 10*time.Second {
			d.delayMs.Store(delay.Milliseconds())
		}
	}
	if !d.first.Swap(true) && d.onFirst != nil {
		d.onFirst(f)
	}
	return f, true
}

// rearm makes the next decoded frame count as the first one again.
func (d *decoderStage) rearm() {
	d.first.Store(false)
	d.lastDecode.Store(0)
}

func (d *decoderStage) lastDecodeTime() time.Time {
	ns := d.lastDecode.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// receiveCounters outlive a single receive stream so statistics survive
// reattachment.
type receiveCounters struct {
	packets   atomic.Uint64
	lost      atomic.Uint64
	discarded atomic.Uint64
	meter     rateMeter
}

type receiveStreamOptions struct {
	Config          RemoteStreamConfig
	Property        VideoProperty
	Source          RTPSource
	Sender          RTCPSender
	Decoder         VideoDecoder
	Data            *Worker
	Counters        *receiveCounters
	Deliver         func(frame *VideoFrame)
	ReportInterval  time.Duration
	KeyframeBackoff time.Duration
	// OnFailure runs on the data worker once the decoder has failed
	// maxDecodeErrors times in a row.
	OnFailure       func(err error)
	Log             *logrus.Entry
}

const maxDecodeErrors = 16

// receiveStream turns the RTP packets of one ssrc into decoded frames.
// Packets are handed to the data worker; everything below handle runs there.
type receiveStream struct {
	opts      receiveStreamOptions
	log       *logrus.Entry
	localSSRC uint32
	depkt     *Depacketizer
	closed    atomic.Bool
	stopRR    func()

	// data worker only
	started        bool
	baseSeq        uint32
	maxSeq         uint16
	cycles         uint32
	received       uint32
	expectedPrior  uint32
	receivedPrior  uint32
	lastDiscarded  uint64
	lastPLI        time.Time
	keyframeWanted bool
	decodeErrors   int
	failed         bool
}

func newReceiveStream(opts receiveStreamOptions) (*receiveStream, error) {
	depkt, err := NewDepacketizer(opts.Config.Codec, ExtensionIDVideoOrientation)
	if err != nil {
		return nil, err
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = time.Second
	}
	if opts.KeyframeBackoff <= 0 {
		opts.KeyframeBackoff = 500 * time.Millisecond
	}
	return &receiveStream{
		opts:      opts,
		log:       opts.Log.WithField("ssrc", opts.Config.SSRC),
		localSSRC: uuid.New().ID(),
		depkt:     depkt,
	}, nil
}

// start registers on the source and asks the sender for a keyframe.
func (r *receiveStream) start() {
	r.opts.Source.RegisterReceiver(r.opts.Config.SSRC, r.onPacket)
	prop := r.opts.Property
	prop.SSRC, prop.PayloadType, prop.Codec = r.opts.Config.SSRC, r.opts.Config.PayloadType, r.opts.Config.Codec
	r.opts.Source.AddOrUpdateVideoProperty(prop)
	r.stopRR = r.opts.Data.Every(r.opts.ReportInterval, func(context.Context) { r.sendReport() })
	if err := r.opts.Data.Post(func(context.Context) { r.requestKeyframe(true) }); err != nil {
		r.log.WithError(err).Warn("initial keyframe request dropped")
	}
	r.log.WithField("codec", r.opts.Config.Codec.String()).Info("receive stream started")
}

// close unregisters the stream and releases the decoder on the data worker.
func (r *receiveStream) close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.opts.Source.UnregisterReceiver(r.opts.Config.SSRC)
	r.opts.Source.RemoveVideoProperty(r.opts.Config.SSRC)
	if r.stopRR != nil {
		r.stopRR()
	}
	err := r.opts.Data.SyncCall(ctx, func(context.Context) error { return r.opts.Decoder.Close() })
	if errors.Is(err, ErrWorkerClosed) {
		err = r.opts.Decoder.Close()
	}
	r.log.Info("receive stream destroyed")
	return err
}

func (r *receiveStream) onPacket(pkt *rtp.Packet) {
	if r.closed.Load() {
		return
	}
	if err := r.opts.Data.Post(func(context.Context) { r.handle(pkt) }); err != nil {
		r.log.WithError(err).Debug("rtp packet dropped")
	}
}

func (r *receiveStream) handle(pkt *rtp.Packet) {
	if r.closed.Load() || r.failed {
		return
	}
	c := r.opts.Counters
	c.packets.Add(1)
	c.meter.add(time.Now(), len(pkt.Payload)+pkt.Header.MarshalSize())
	r.trackSequence(pkt.SequenceNumber)

	if pkt.PayloadType != r.opts.Config.PayloadType {
		r.log.WithField("pt", pkt.PayloadType).Debug("unexpected payload type")
		return
	}
	ef, err := r.depkt.Push(pkt)
	if d := r.depkt.Discarded(); d != r.lastDiscarded {
		c.discarded.Add(d - r.lastDiscarded)
		r.lastDiscarded = d
		r.keyframeWanted = true
	}
	if err != nil {
		r.log.WithError(err).Debug("depacketize failed")
		r.keyframeWanted = true
	}
	if r.keyframeWanted {
		r.requestKeyframe(false)
	}
	if ef == nil {
		return
	}

	frame, err := r.opts.Decoder.Decode(ef)
	switch {
	case err != nil:
		r.log.WithError(err).Warn("decode failed")
		r.decodeErrors++
		if r.decodeErrors >= maxDecodeErrors {
			r.failed = true
			r.log.WithField("errors", r.decodeErrors).Error("decoder keeps failing")
			if r.opts.OnFailure != nil {
				r.opts.OnFailure(err)
			}
			return
		}
		r.keyframeWanted = true
		r.requestKeyframe(false)
		return
	case frame == nil:
		r.keyframeWanted = true
		r.requestKeyframe(false)
		return
	}
	// A decoded picture means the decoder has a reference again.
	r.keyframeWanted = false
	r.decodeErrors = 0
	r.opts.Deliver(frame)
}

// trackSequence keeps the extended highest sequence number and the loss
// count as described in RFC 3550 appendix A.1.
func (r *receiveStream) trackSequence(seq uint16) {
	if !r.started {
		r.started = true
		r.baseSeq = uint32(seq)
		r.maxSeq = seq
	} else if delta := seq - r.maxSeq; delta != 0 && delta < 1<<15 {
		if seq < r.maxSeq {
			r.cycles += 1 << 16
		}
		r.maxSeq = seq
	}
	r.received++
	if lost := int64(r.expected()) - int64(r.received); lost > 0 {
		r.opts.Counters.lost.Store(uint64(lost))
	}
}

func (r *receiveStream) expected() uint32 {
	return r.cycles + uint32(r.maxSeq) - r.baseSeq + 1
}

func (r *receiveStream) requestKeyframe(force bool) {
	now := time.Now()
	if !force && now.Sub(r.lastPLI) < r.opts.KeyframeBackoff {
		return
	}
	r.lastPLI = now
	pli := &rtcp.PictureLossIndication{SenderSSRC: r.localSSRC, MediaSSRC: r.opts.Config.SSRC}
	if err := r.opts.Sender.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		r.log.WithError(err).Debug("send pli failed")
		return
	}
	r.log.Debug("keyframe requested")
}

// sendReport runs on the data worker.
func (r *receiveStream) sendReport() {
	if r.closed.Load() || !r.started {
		return
	}
	expected := r.expected()
	total := int64(expected) - int64(r.received)
	if total < 0 {
		total = 0
	}
	expectedInterval := expected - r.expectedPrior
	receivedInterval := r.received - r.receivedPrior
	r.expectedPrior, r.receivedPrior = expected, r.received

	var fraction uint8
	if lostInterval := int64(expectedInterval) - int64(receivedInterval); expectedInterval != 0 && lostInterval > 0 {
		fraction = uint8((lostInterval << 8) / int64(expectedInterval))
	}
	rr := &rtcp.ReceiverReport{
		SSRC: r.localSSRC,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               r.opts.Config.SSRC,
			FractionLost:       fraction,
			TotalLost:          uint32(min(total, 0x7fffff)),
			LastSequenceNumber: r.cycles + uint32(r.maxSeq),
		}},
	}
	if err := r.opts.Sender.WriteRTCP([]rtcp.Packet{rr}); err != nil {
		r.log.WithError(fmt.Errorf("receiver report: %w", err)).Debug("send rtcp failed")
	}
}
