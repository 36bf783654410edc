package rtctrack

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// CongestionMode selects the bandwidth estimator of a congestion controller.
type CongestionMode string

const (
	// CongestionGCC runs pion's Google Congestion Control send-side estimator.
	CongestionGCC CongestionMode = "gcc"
	// CongestionNone keeps the target bitrate fixed at the configured value.
	CongestionNone CongestionMode = "none"
)

// ParseCongestionMode maps a config string to a mode.
func ParseCongestionMode(s string) (CongestionMode, error) {
	switch m := CongestionMode(strings.ToLower(s)); m {
	case CongestionGCC, CongestionNone:
		return m, nil
	case "":
		return CongestionGCC, nil
	}
	return "", fmt.Errorf("%w: congestion control %q", ErrInvalidArgument, s)
}

// CongestionConfig bounds the estimator.
type CongestionConfig struct {
	Mode           CongestionMode
	InitialBitrate int // bps
	MinBitrate     int // bps
	MaxBitrate     int // bps
}

// CongestionController is the congestion-control sender of one network
// binding. Every RTP packet of the binding is written through it and every
// RTCP packet received on the binding is fed to it.
type CongestionController struct {
	bwe      cc.BandwidthEstimator
	pacer    *streamPacer // gcc only
	mode     CongestionMode
	transSeq atomic.Uint32

	mu      sync.Mutex
	writers map[uint32]interceptor.RTPWriter
}

// NewCongestionController creates a controller. onTarget is called with the
// new target bitrate whenever the estimate changes.
func NewCongestionController(cfg CongestionConfig, onTarget func(bps int)) (*CongestionController, error) {
	if cfg.InitialBitrate <= 0 {
		return nil, fmt.Errorf("%w: initial bitrate %d", ErrInvalidArgument, cfg.InitialBitrate)
	}
	if cfg.MinBitrate <= 0 || cfg.MinBitrate > cfg.InitialBitrate {
		cfg.MinBitrate = min(cfg.InitialBitrate, 30_000)
	}
	if cfg.MaxBitrate < cfg.InitialBitrate {
		cfg.MaxBitrate = cfg.InitialBitrate
	}

	var bwe cc.BandwidthEstimator
	var pacer *streamPacer
	switch cfg.Mode {
	case CongestionGCC, "":
		pacer = newStreamPacer()
		est, err := gcc.NewSendSideBWE(
			gcc.SendSideBWEInitialBitrate(cfg.InitialBitrate),
			gcc.SendSideBWEMinBitrate(cfg.MinBitrate),
			gcc.SendSideBWEMaxBitrate(cfg.MaxBitrate),
			gcc.SendSideBWEPacer(pacer),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: gcc: %v", ErrFailed, err)
		}
		bwe = est
		cfg.Mode = CongestionGCC
	case CongestionNone:
		bwe = newFixedRateEstimator(cfg.InitialBitrate)
	default:
		return nil, fmt.Errorf("%w: congestion control %q", ErrInvalidArgument, cfg.Mode)
	}
	if onTarget != nil {
		bwe.OnTargetBitrateChange(onTarget)
	}
	return &CongestionController{
		bwe:     bwe,
		pacer:   pacer,
		mode:    cfg.Mode,
		writers: make(map[uint32]interceptor.RTPWriter),
	}, nil
}

// Mode returns the estimator in use.
func (c *CongestionController) Mode() CongestionMode { return c.mode }

// AddStream registers an outgoing stream. Packets of ssrc written through
// the controller end up in write.
func (c *CongestionController) AddStream(ssrc uint32, codec VideoCodec, pt uint8, write func(pkt *rtp.Packet) error) {
	info := &interceptor.StreamInfo{
		SSRC:        ssrc,
		ClockRate:   videoClockRate,
		MimeType:    codec.MimeType(),
		PayloadType: pt,
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{
			{URI: TransportCCURI, ID: ExtensionIDTransportWideCC},
		},
	}
	sink := interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
		if err := write(&rtp.Packet{Header: *header, Payload: payload}); err != nil {
			return 0, err
		}
		return header.MarshalSize() + len(payload), nil
	})
	w := c.bwe.AddStream(info, sink)
	c.mu.Lock()
	c.writers[ssrc] = w
	c.mu.Unlock()
}

// RemoveStream unregisters ssrc from the controller and its pacer.
func (c *CongestionController) RemoveStream(ssrc uint32) {
	c.mu.Lock()
	delete(c.writers, ssrc)
	c.mu.Unlock()
	if c.pacer != nil {
		c.pacer.removeStream(ssrc)
	}
}

// WriteRTP stamps the transport-wide sequence number on pkt and sends it.
func (c *CongestionController) WriteRTP(pkt *rtp.Packet) error {
	c.mu.Lock()
	w := c.writers[pkt.SSRC]
	c.mu.Unlock()
	if w == nil {
		return fmt.Errorf("%w: ssrc %d has no stream", ErrInvalidState, pkt.SSRC)
	}
	ext := rtp.TransportCCExtension{TransportSequence: uint16(c.transSeq.Add(1))}
	raw, err := ext.Marshal()
	if err != nil {
		return fmt.Errorf("%w: transport-cc extension: %v", ErrFailed, err)
	}
	if err := pkt.Header.SetExtension(ExtensionIDTransportWideCC, raw); err != nil {
		return fmt.Errorf("%w: transport-cc extension: %v", ErrFailed, err)
	}
	_, err = w.Write(&pkt.Header, pkt.Payload, interceptor.Attributes{})
	return err
}

// OnFeedback feeds received RTCP to the estimator.
func (c *CongestionController) OnFeedback(pkts []rtcp.Packet) error {
	return c.bwe.WriteRTCP(pkts, interceptor.Attributes{})
}

// TargetBitrate returns the current estimate in bps.
func (c *CongestionController) TargetBitrate() int { return c.bwe.GetTargetBitrate() }

// Stats returns estimator internals for diagnostics.
func (c *CongestionController) Stats() map[string]any { return c.bwe.GetStats() }

// Close stops the estimator.
func (c *CongestionController) Close() error { return c.bwe.Close() }

// streamPacer is the gcc.Pacer of the gcc estimator. It sends packets
// immediately like gcc.NoOpPacer and also lets streams be removed.
type streamPacer struct {
	mu      sync.Mutex
	writers map[uint32]interceptor.RTPWriter
}

func newStreamPacer() *streamPacer {
	return &streamPacer{writers: make(map[uint32]interceptor.RTPWriter)}
}

func (p *streamPacer) SetTargetBitrate(int) {}

func (p *streamPacer) AddStream(ssrc uint32, writer interceptor.RTPWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers[ssrc] = writer
}

func (p *streamPacer) removeStream(ssrc uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.writers, ssrc)
}

func (p *streamPacer) streamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writers)
}

func (p *streamPacer) Write(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
	p.mu.Lock()
	w := p.writers[header.SSRC]
	p.mu.Unlock()
	if w == nil {
		return 0, fmt.Errorf("%w: %d", gcc.ErrUnknownStream, header.SSRC)
	}
	return w.Write(header, payload, attributes)
}

func (p *streamPacer) Close() error { return nil }

// fixedRateEstimator is a cc.BandwidthEstimator that never moves off its
// configured bitrate.
type fixedRateEstimator struct {
	mu       sync.RWMutex
	bitrate  int
	onChange func(int)
}

func newFixedRateEstimator(bitrate int) *fixedRateEstimator {
	return &fixedRateEstimator{bitrate: bitrate}
}

func (f *fixedRateEstimator) AddStream(_ *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	return writer
}

func (f *fixedRateEstimator) WriteRTCP([]rtcp.Packet, interceptor.Attributes) error { return nil }

func (f *fixedRateEstimator) GetTargetBitrate() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bitrate
}

func (f *fixedRateEstimator) OnTargetBitrateChange(fn func(int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

func (f *fixedRateEstimator) GetStats() map[string]any {
	return map[string]any{"type": "fixed", "targetBitrate": f.GetTargetBitrate()}
}

func (f *fixedRateEstimator) Close() error { return nil }
