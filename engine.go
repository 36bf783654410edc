package rtctrack

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Engine owns the shared infrastructure of every track: the major worker
// that serializes track control, the callback worker observers and event
// handlers run on, the event bus, the source registry and the codec
// factories.
type Engine struct {
	cfg        Config
	logger     *logrus.Logger
	log        *logrus.Entry
	major      *Worker
	callback   *Worker
	bus        *EventBus
	observers  *ObserverSet
	sources    *SourceRegistry
	encoders   VideoEncoderFactory
	decoders   VideoDecoderFactory
	checker    ParameterChecker
	registerer prometheus.Registerer
	metrics    *Metrics

	mu      sync.Mutex
	locals  map[string]*LocalVideoTrack
	remotes map[string]*RemoteVideoTrack
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// WithLogger sets the logger. Without it the engine builds one from the
// log section of its configuration.
func WithLogger(l *logrus.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithEncoderFactory sets the encoder factory of local tracks.
func WithEncoderFactory(f VideoEncoderFactory) Option { return func(e *Engine) { e.encoders = f } }

// WithDecoderFactory sets the decoder factory of remote tracks.
func WithDecoderFactory(f VideoDecoderFactory) Option { return func(e *Engine) { e.decoders = f } }

// WithParameterChecker installs the policy check applied to encoder
// configurations.
func WithParameterChecker(c ParameterChecker) Option { return func(e *Engine) { e.checker = c } }

// WithMetrics registers the engine metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option { return func(e *Engine) { e.registerer = reg } }

// NewEngine creates an engine and starts its workers.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      DefaultConfig(),
		encoders: NewLoopbackEncoder,
		decoders: NewLoopbackDecoder,
		sources:  NewSourceRegistry(),
		locals:   make(map[string]*LocalVideoTrack),
		remotes:  make(map[string]*RemoteVideoTrack),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.logger == nil {
		l, err := NewLogger(e.cfg.Log, nil)
		if err != nil {
			return nil, err
		}
		e.logger = l
	}
	e.log = logrus.NewEntry(e.logger).WithField("component", "engine")

	if e.registerer != nil {
		m, err := NewMetrics(e.registerer, e)
		if err != nil {
			return nil, fmt.Errorf("%w: register metrics: %v", ErrInvalidArgument, err)
		}
		e.metrics = m
	}

	e.major = NewWorker("major", e.log)
	e.callback = NewWorker("callback", e.log)
	e.bus = NewEventBus(e.callback, e.log)
	e.observers = NewObserverSet(e.callback, e.log)
	e.log.WithField("congestion", e.cfg.Local.CongestionControl).Info("engine started")
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Bus returns the engine event bus.
func (e *Engine) Bus() *EventBus { return e.bus }

// Sources returns the source registry.
func (e *Engine) Sources() *SourceRegistry { return e.sources }

// AddObserver registers o for every track of the engine. o must be
// comparable; pass a pointer.
func (e *Engine) AddObserver(o VideoObserver) error { return e.observers.Add(o) }

// RemoveObserver unregisters o.
func (e *Engine) RemoveObserver(o VideoObserver) { e.observers.Remove(o) }

// CreateLocalVideoTrack creates a disabled local track capturing from src.
func (e *Engine) CreateLocalVideoTrack(ctx context.Context, src VideoSource) (*LocalVideoTrack, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil video source", ErrInvalidArgument)
	}
	encCfg, err := e.cfg.Local.EncoderConfiguration()
	if err != nil {
		return nil, err
	}
	if b, ok := src.(EventBusBinder); ok {
		b.BindEventBus(e.bus)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: engine closed", ErrInvalidState)
	}
	e.mu.Unlock()

	t, err := newLocalVideoTrack(ctx, e, src, encCfg)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.locals[t.id] = t
	e.mu.Unlock()
	return t, nil
}

// CreateRemoteVideoTrack creates a stopped remote track for the stream
// described by info and cfg. A zero payload type selects the codec default.
func (e *Engine) CreateRemoteVideoTrack(ctx context.Context, info RemoteTrackInfo, cfg RemoteStreamConfig) (*RemoteVideoTrack, error) {
	if cfg.SSRC == 0 {
		return nil, fmt.Errorf("%w: remote stream needs an ssrc", ErrInvalidArgument)
	}
	if _, err := newDepacketizer(cfg.Codec); err != nil {
		return nil, err
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = cfg.Codec.DefaultPayloadType()
	}
	if info.TrackID == "" {
		info.TrackID = uuid.NewString()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: engine closed", ErrInvalidState)
	}
	if _, ok := e.remotes[info.TrackID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: remote track %s exists", ErrInvalidArgument, info.TrackID)
	}
	e.mu.Unlock()

	t, err := newRemoteVideoTrack(ctx, e, info, cfg)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.remotes[t.ID()] = t
	e.mu.Unlock()
	return t, nil
}

// LocalTracks returns the open local tracks.
func (e *Engine) LocalTracks() []*LocalVideoTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Collect(maps.Values(e.locals))
}

// RemoteTracks returns the open remote tracks.
func (e *Engine) RemoteTracks() []*RemoteVideoTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Collect(maps.Values(e.remotes))
}

func (e *Engine) forgetLocal(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locals, id)
}

func (e *Engine) forgetRemote(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.remotes, id)
}

// congestionConfig maps the local section to the sender configuration.
func (e *Engine) congestionConfig() CongestionConfig {
	mode, _ := ParseCongestionMode(e.cfg.Local.CongestionControl)
	cc := CongestionConfig{Mode: mode, MaxBitrate: e.cfg.Local.MaxBitrateKbps * 1000}
	if e.cfg.Local.MinBitrateKbps > 0 {
		cc.MinBitrate = e.cfg.Local.MinBitrateKbps * 1000
	}
	return cc
}

// Close closes every track and stops the engine workers.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var result *multierror.Error
	ctx := context.Background()
	for _, t := range e.RemoteTracks() {
		if err := t.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("remote track %s: %w", t.ID(), err))
		}
	}
	for _, t := range e.LocalTracks() {
		if err := t.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("local track %s: %w", t.ID(), err))
		}
	}
	if err := e.major.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.callback.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if e.metrics != nil && e.registerer != nil {
		e.registerer.Unregister(e.metrics.transitions)
		e.registerer.Unregister(e.metrics.collector)
	}
	e.log.Info("engine closed")
	return result.ErrorOrNil()
}
