package rtctrack

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// RendererPosition selects where a local renderer taps the pipeline.
type RendererPosition int

const (
	// RendererPostProcess renderers see the frames the major encoder sees.
	RendererPostProcess RendererPosition = iota
	// RendererPreview renderers see captured frames after post-capture
	// filters, before adapting.
	RendererPreview
)

type localNodes struct {
	source, previewTee, adapter, rotator, majorTee, majorEnc NodeID
	minorAdapter, minorTee, minorEnc                         NodeID
}

type filterEntry struct {
	filter VideoFilter
	node   NodeID
}

type rendererEntry struct {
	renderer VideoRenderer
	preview  bool
	node     NodeID
}

type localAttachment struct {
	info     LocalAttachInfo
	node     NodeID
	listener *networkNode
}

// LocalVideoTrack captures from a video source, processes the frames
// through its graph and sends them encoded to every attached network.
//
// Public methods run on the engine's major worker. Graph shape changes run
// on the track's control worker and frames flow on its data worker.
type LocalVideoTrack struct {
	id      string
	engine  *Engine
	log     *logrus.Entry
	major   *Worker
	control *Worker
	data    *Worker

	source       VideoSource
	graph        *Graph
	encoder      *EncoderStage
	adapter      *frameAdapter
	minorAdapter *frameAdapter
	rotator      *rotator
	renderStats  RenderStats

	deviceHandler *eventHandler[DeviceStateChanged]
	sizeHandler   *eventHandler[FrameSizeChanged]
	renderHandler *eventHandler[FirstFrameRendered]

	captureWidth, captureHeight atomic.Int32
	stateMirror                 atomic.Int32
	enabledMirror               atomic.Bool

	netMu    sync.Mutex
	netNodes map[NodeID]*localAttachment

	// major worker only
	enabled     bool
	state       LocalVideoState
	config      VideoEncoderConfiguration
	simulcast   bool
	minorCfg    SimulcastStreamConfig
	contentHint ContentHint
	attachments map[string]*localAttachment
	postFilters []*filterEntry
	preFilters  []*filterEntry
	renderers   []*rendererEntry
	nodes       localNodes
	graphBuilt  bool
	ssrcs       [2]uint32
	enabledAt   time.Time
	closed      bool
}

func newLocalVideoTrack(ctx context.Context, e *Engine, src VideoSource, cfg VideoEncoderConfiguration) (*LocalVideoTrack, error) {
	id := uuid.NewString()
	log := logrus.NewEntry(e.logger).WithFields(logrus.Fields{"track": id, "kind": "local"})
	t := &LocalVideoTrack{
		id:          id,
		engine:      e,
		log:         log,
		major:       e.major,
		control:     NewWorker("local-control-"+id[:8], log),
		data:        NewWorker("local-data-"+id[:8], log),
		source:      src,
		adapter:     newFrameAdapter(cfg),
		rotator:     &rotator{},
		netNodes:    make(map[NodeID]*localAttachment),
		config:      cfg,
		minorCfg:    DefaultSimulcastStreamConfig(),
		attachments: make(map[string]*localAttachment),
		ssrcs:       [2]uint32{uuid.New().ID(), uuid.New().ID()},
		state:       LocalVideoStopped,
		contentHint: ContentHintNone,
	}
	t.minorAdapter = newFrameAdapter(t.minorCfg.derive(cfg))
	t.rotator.deferred.Store(e.cfg.Local.SendOrientation)
	if src.Config().SourceType.ScreenContent() {
		t.contentHint = ContentHintDetails
	}
	t.graph = NewGraph(t.control, t, log)

	wt := weak.Make(t)
	t.encoder = NewEncoderStage(EncoderStageOptions{
		Factory:         e.encoders,
		MTU:             e.cfg.Network.MTU,
		SendOrientation: e.cfg.Local.SendOrientation,
		Congestion:      e.congestionConfig(),
		Log:             log,
		OnFirstFrame: func(StreamType, *EncodedFrame) {
			t.postMajor(func(context.Context) { t.markEncoding() })
		},
		OnError: func(typ StreamType, err error) {
			t.postMajor(func(context.Context) {
				t.log.WithError(err).WithField("stream", typ.String()).Error("encoder failed")
				t.setState(LocalVideoFailed, LocalVideoErrorEncodeFailure)
			})
		},
	})

	t.deviceHandler = newEventHandler(func(_ context.Context, ev DeviceStateChanged) {
		if t := wt.Value(); t != nil && !t.closed {
			t.onDeviceState(ev)
		}
	})
	t.sizeHandler = newEventHandler(func(_ context.Context, ev FrameSizeChanged) {
		if t := wt.Value(); t != nil && !t.closed && ev.TrackID == t.id {
			t.engine.observers.notify(func(o VideoObserver) {
				o.OnSourceVideoSizeChanged(ev.TrackID, ev.Width, ev.Height, ev.Rotation)
			})
		}
	})
	t.renderHandler = newEventHandler(func(_ context.Context, ev FirstFrameRendered) {
		if t := wt.Value(); t != nil && !t.closed && ev.TrackID == t.id {
			elapsed := time.Since(t.enabledAt).Milliseconds()
			t.engine.observers.notify(func(o VideoObserver) {
				o.OnFirstVideoFrameRendered("", ev.TrackID, ev.Width, ev.Height, elapsed)
			})
		}
	})
	AddHandler[DeviceStateChanged](ctx, e.bus, t.deviceHandler, t.major)
	AddHandler[FrameSizeChanged](ctx, e.bus, t.sizeHandler, t.major)
	AddHandler[FirstFrameRendered](ctx, e.bus, t.renderHandler, t.major)

	log.WithFields(logrus.Fields{
		"source":      src.Config().ID,
		"source_type": src.Config().SourceType.String(),
	}).Info("local track created")
	return t, nil
}

// ID returns the track id.
func (t *LocalVideoTrack) ID() string { return t.id }

// State returns the current state.
func (t *LocalVideoTrack) State() LocalVideoState { return LocalVideoState(t.stateMirror.Load()) }

// Enabled reports whether capture is running.
func (t *LocalVideoTrack) Enabled() bool { return t.enabledMirror.Load() }

// SSRC returns the ssrc of the given send stream.
func (t *LocalVideoTrack) SSRC(typ StreamType) uint32 { return t.ssrcs[typ] }

// OutputFormat returns the format the adapter of the given stream produces.
func (t *LocalVideoTrack) OutputFormat(typ StreamType) OutputFormat {
	if typ == StreamMinor {
		return t.minorAdapter.OutputFormat()
	}
	return t.adapter.OutputFormat()
}

func (t *LocalVideoTrack) postMajor(task Task) {
	if err := t.major.Post(task); err != nil {
		t.log.WithError(err).Debug("major task dropped")
	}
}

func (t *LocalVideoTrack) errClosed() error {
	return fmt.Errorf("%w: track %s closed", ErrInvalidState, t.id)
}

// setState runs on the major worker.
func (t *LocalVideoTrack) setState(state LocalVideoState, code LocalVideoError) {
	if t.state == state {
		return
	}
	prev := t.state
	t.state = state
	t.stateMirror.Store(int32(state))
	t.log.WithFields(logrus.Fields{"from": prev.String(), "to": state.String(), "code": code.String()}).Info("local video state changed")
	t.engine.metrics.localTransition(state)
	ts := time.Now().UnixMilli()
	t.engine.observers.notify(func(o VideoObserver) {
		o.OnLocalVideoStateChanged(t.id, state, code, ts)
	})
}

func (t *LocalVideoTrack) markEncoding() {
	if t.closed || t.state != LocalVideoCapturing || len(t.attachments) == 0 {
		return
	}
	t.setState(LocalVideoEncoding, LocalVideoErrorOK)
}

func (t *LocalVideoTrack) onDeviceState(ev DeviceStateChanged) {
	if ev.SourceID != t.source.Config().ID {
		return
	}
	switch ev.State {
	case DeviceStateFailed:
		t.log.WithError(ev.Err).Error("capture device failed")
		t.setState(LocalVideoFailed, LocalVideoErrorDeviceFailure)
	default:
		t.log.WithField("device", ev.State.String()).Debug("capture device state")
	}
}

// SetEnabled starts or stops capture. Enabling links the graph in capture
// order, starts consumers before producers and finally the source.
// Disabling reverses it. Repeating the current state is a no-op.
func (t *LocalVideoTrack) SetEnabled(ctx context.Context, enable bool) error {
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		if enable == t.enabled {
			return nil
		}
		if enable {
			return t.enable(ctx)
		}
		return t.disable(ctx)
	})
}

func (t *LocalVideoTrack) enable(ctx context.Context) error {
	err := t.control.SyncCall(ctx, func(cctx context.Context) error {
		if err := t.ensureGraph(cctx); err != nil {
			return err
		}
		return t.linkAndStart(cctx)
	})
	if err != nil {
		t.log.WithError(err).Error("enable failed")
		return err
	}

	sourceNode := t.nodes.source
	t.source.SetCallback(func(f *VideoFrame) {
		if err := t.data.Post(func(context.Context) { t.graph.Push(sourceNode, f) }); err != nil {
			t.log.WithError(err).Debug("captured frame dropped")
		}
	})
	if err := t.source.Start(ctx); err != nil {
		t.source.SetCallback(nil)
		_ = t.control.SyncCall(ctx, t.stopAndUnlink)
		t.log.WithError(err).Error("start source failed")
		return fmt.Errorf("%w: start source: %v", ErrFailed, err)
	}

	t.enabled = true
	t.enabledMirror.Store(true)
	t.enabledAt = time.Now()
	if len(t.attachments) > 0 {
		t.encoder.ArmFirstFrame()
	}
	t.setState(LocalVideoCapturing, LocalVideoErrorOK)
	return nil
}

func (t *LocalVideoTrack) disable(ctx context.Context) error {
	var result *multierror.Error
	if err := t.source.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop source: %w", err))
	}
	t.source.SetCallback(nil)
	if err := t.control.SyncCall(ctx, t.stopAndUnlink); err != nil {
		result = multierror.Append(result, err)
	}
	t.enabled = false
	t.enabledMirror.Store(false)
	t.setState(LocalVideoStopped, LocalVideoErrorOK)
	return result.ErrorOrNil()
}

// ensureGraph creates the nodes of the capture graph once. It runs on the
// control worker.
func (t *LocalVideoTrack) ensureGraph(ctx context.Context) error {
	var result *multierror.Error
	add := func(kind StageKind, name string, proc Processor) NodeID {
		id, err := t.graph.Add(ctx, kind, name, proc)
		if err != nil {
			result = multierror.Append(result, err)
		}
		return id
	}
	if !t.graphBuilt {
		t.nodes.source = add(StageSource, "capture", &captureStage{onSize: t.onCaptureSize})
		t.nodes.previewTee = add(StageTee, "preview-tee", nil)
		t.nodes.adapter = add(StageAdapter, "major-adapter", t.adapter)
		t.nodes.rotator = add(StageRotator, "rotator", t.rotator)
		t.nodes.majorTee = add(StageTee, "major-tee", nil)
		t.nodes.majorEnc = add(StageEncoder, "major-encoder", &encoderInput{stage: t.encoder, typ: StreamMajor})
	}
	for _, f := range slices.Concat(t.postFilters, t.preFilters) {
		if !f.node.Valid() {
			f.node = add(StageFilter, "filter", f.filter)
		}
	}
	for _, r := range t.renderers {
		if !r.node.Valid() {
			r.node = add(StageRenderer, "renderer", t.newRenderStage(r.renderer))
		}
	}
	if t.simulcast {
		t.ensureMinorNodes(ctx, add)
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	t.graphBuilt = true
	return nil
}

func (t *LocalVideoTrack) ensureMinorNodes(_ context.Context, add func(StageKind, string, Processor) NodeID) {
	if t.nodes.minorAdapter.Valid() {
		return
	}
	t.nodes.minorAdapter = add(StageAdapter, "minor-adapter", t.minorAdapter)
	t.nodes.minorTee = add(StageTee, "minor-tee", nil)
	t.nodes.minorEnc = add(StageEncoder, "minor-encoder", &encoderInput{stage: t.encoder, typ: StreamMinor})
}

func (t *LocalVideoTrack) newRenderStage(r VideoRenderer) *renderStage {
	if tr, ok := r.(TrackRenderer); ok {
		tr.BindTrack("", &t.renderStats)
	}
	return &renderStage{
		renderer: r,
		stats:    &t.renderStats,
		onFirst: func(f *VideoFrame) {
			Post(t.engine.bus, FirstFrameRendered{
				TrackID:   t.id,
				Width:     f.Width,
				Height:    f.Height,
				Timestamp: time.Now().UnixMilli(),
			})
		},
	}
}

// onCaptureSize runs on the data worker.
func (t *LocalVideoTrack) onCaptureSize(width, height int, rotation Rotation) {
	t.captureWidth.Store(int32(width))
	t.captureHeight.Store(int32(height))
	Post(t.engine.bus, FrameSizeChanged{TrackID: t.id, Width: width, Height: height, Rotation: rotation})
}

func (t *LocalVideoTrack) mainChain() []NodeID {
	n := t.nodes
	chain := []NodeID{n.source}
	for _, f := range t.postFilters {
		chain = append(chain, f.node)
	}
	chain = append(chain, n.previewTee, n.adapter, n.rotator)
	for _, f := range t.preFilters {
		chain = append(chain, f.node)
	}
	return append(chain, n.majorTee, n.majorEnc)
}

func (t *LocalVideoTrack) minorChain() []NodeID {
	return []NodeID{t.nodes.majorTee, t.nodes.minorAdapter, t.nodes.minorTee, t.nodes.minorEnc}
}

func (t *LocalVideoTrack) rendererChain(r *rendererEntry) []NodeID {
	if r.preview {
		return []NodeID{t.nodes.previewTee, r.node}
	}
	return []NodeID{t.nodes.majorTee, r.node}
}

// chains lists the linked paths, main chain first. Every other chain starts
// at a tee of an earlier one.
func (t *LocalVideoTrack) chains() [][]NodeID {
	out := [][]NodeID{t.mainChain()}
	for _, r := range t.renderers {
		out = append(out, t.rendererChain(r))
	}
	if t.simulcast {
		out = append(out, t.minorChain())
	}
	return out
}

// startOrder flattens chains into link order.
func startOrder(chains [][]NodeID) []NodeID {
	var order []NodeID
	for i, c := range chains {
		if i > 0 {
			c = c[1:]
		}
		order = append(order, c...)
	}
	return order
}

// linkAndStart runs on the control worker. A failure leaves the graph
// unlinked and stopped.
func (t *LocalVideoTrack) linkAndStart(ctx context.Context) error {
	chains := t.chains()
	for i, c := range chains {
		if _, err := t.graph.linkChain(ctx, c...); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = t.graph.unlinkChain(ctx, chains[j]...)
			}
			return err
		}
	}
	order := startOrder(chains)
	for i := len(order) - 1; i >= 0; i-- {
		if err := t.graph.Start(ctx, order[i]); err != nil {
			_ = t.stopAndUnlink(ctx)
			return err
		}
	}
	t.log.WithField("edges", t.graph.EdgeCount()).Debug("capture graph started")
	return nil
}

// stopAndUnlink runs on the control worker. Producers stop first so no
// frame reaches a half torn down chain.
func (t *LocalVideoTrack) stopAndUnlink(ctx context.Context) error {
	var result *multierror.Error
	chains := t.chains()
	for _, id := range startOrder(chains) {
		if err := t.graph.Stop(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for i := len(chains) - 1; i >= 0; i-- {
		if err := t.graph.unlinkChain(ctx, chains[i]...); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (t *LocalVideoTrack) filterList(pos FilterPosition) (*[]*filterEntry, error) {
	switch pos {
	case FilterPostCapture:
		return &t.postFilters, nil
	case FilterPreEncoder:
		return &t.preFilters, nil
	}
	return nil, fmt.Errorf("%w: filter position %d", ErrInvalidArgument, pos)
}

// AddVideoFilter appends filter to the chain at pos. Filters can only be
// added while the track is disabled and each instance only once.
func (t *LocalVideoTrack) AddVideoFilter(ctx context.Context, filter VideoFilter, pos FilterPosition) error {
	if filter == nil || !isComparable(filter) {
		return fmt.Errorf("%w: filter must be a non-nil comparable value", ErrInvalidArgument)
	}
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		if t.enabled {
			return fmt.Errorf("%w: cannot add a filter while enabled", ErrInvalidState)
		}
		list, err := t.filterList(pos)
		if err != nil {
			return err
		}
		for _, f := range slices.Concat(t.postFilters, t.preFilters) {
			if sameInstance(f.filter, filter) {
				return fmt.Errorf("%w: filter already added", ErrInvalidArgument)
			}
		}
		entry := &filterEntry{filter: filter}
		if t.graphBuilt {
			node, err := SyncCallValue(ctx, t.control, func(cctx context.Context) (NodeID, error) {
				return t.graph.Add(cctx, StageFilter, "filter-"+pos.String(), filter)
			})
			if err != nil {
				return err
			}
			entry.node = node
		}
		*list = append(*list, entry)
		t.log.WithField("position", pos.String()).Debug("filter added")
		return nil
	})
}

// RemoveVideoFilter removes filter from the chain at pos. Removing a filter
// that is not there is a no-op.
func (t *LocalVideoTrack) RemoveVideoFilter(ctx context.Context, filter VideoFilter, pos FilterPosition) error {
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		list, err := t.filterList(pos)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(*list, func(f *filterEntry) bool { return sameInstance(f.filter, filter) })
		if idx < 0 {
			return nil
		}
		if t.enabled {
			return fmt.Errorf("%w: cannot remove a filter while enabled", ErrInvalidState)
		}
		entry := (*list)[idx]
		if entry.node.Valid() {
			if err := t.control.SyncCall(ctx, func(cctx context.Context) error {
				return t.graph.Remove(cctx, entry.node)
			}); err != nil {
				return err
			}
		}
		*list = slices.Delete(*list, idx, idx+1)
		t.log.WithField("position", pos.String()).Debug("filter removed")
		return nil
	})
}

// AddRenderer adds a renderer at pos. Renderers can be added in any state;
// adding a registered renderer is a no-op.
func (t *LocalVideoTrack) AddRenderer(ctx context.Context, r VideoRenderer, pos RendererPosition) error {
	if r == nil || !isComparable(r) {
		return fmt.Errorf("%w: renderer must be a non-nil comparable value", ErrInvalidArgument)
	}
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		if slices.ContainsFunc(t.renderers, func(e *rendererEntry) bool { return sameInstance(e.renderer, r) }) {
			t.log.Warn("renderer already added")
			return nil
		}
		entry := &rendererEntry{renderer: r, preview: pos == RendererPreview}
		if t.graphBuilt {
			err := t.control.SyncCall(ctx, func(cctx context.Context) error {
				node, err := t.graph.Add(cctx, StageRenderer, "renderer", t.newRenderStage(r))
				if err != nil {
					return err
				}
				entry.node = node
				if !t.enabled {
					return nil
				}
				if _, err := t.graph.linkChain(cctx, t.rendererChain(entry)...); err != nil {
					_ = t.graph.Remove(cctx, node)
					return err
				}
				return t.graph.Start(cctx, node)
			})
			if err != nil {
				return err
			}
		}
		t.renderers = append(t.renderers, entry)
		return nil
	})
}

// RemoveRenderer removes r. Removing an unknown renderer is a no-op.
func (t *LocalVideoTrack) RemoveRenderer(ctx context.Context, r VideoRenderer) error {
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		idx := slices.IndexFunc(t.renderers, func(e *rendererEntry) bool { return sameInstance(e.renderer, r) })
		if idx < 0 {
			return nil
		}
		entry := t.renderers[idx]
		if entry.node.Valid() {
			if err := t.control.SyncCall(ctx, func(cctx context.Context) error {
				return t.graph.Remove(cctx, entry.node)
			}); err != nil {
				return err
			}
		}
		t.renderers = slices.Delete(t.renderers, idx, idx+1)
		return nil
	})
}

func (t *LocalVideoTrack) streamConfig(typ StreamType) (StreamConfig, VideoEncoderConfiguration) {
	cfg := t.config
	if typ == StreamMinor {
		cfg = t.minorCfg.derive(t.config)
	}
	w, h := cfg.OutputSize()
	return StreamConfig{
		Params: EncoderParams{
			Codec:       cfg.Codec,
			Width:       w,
			Height:      h,
			FrameRate:   cfg.FrameRate,
			BitrateBps:  cfg.TargetBitrateBps(),
			ContentHint: t.contentHint,
		},
		SSRC:          t.ssrcs[typ],
		PayloadType:   cfg.Codec.DefaultPayloadType(),
		MinBitrateBps: cfg.MinBitrateBps(),
	}, cfg
}

func (t *LocalVideoTrack) updateStreams() error {
	var result *multierror.Error
	for _, typ := range []StreamType{StreamMajor, StreamMinor} {
		if !t.encoder.HasStream(typ) {
			continue
		}
		sc, _ := t.streamConfig(typ)
		if err := t.encoder.UpdateParams(typ, sc.Params, sc.MinBitrateBps); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SetVideoEncoderConfiguration validates and applies cfg. On failure the
// previous configuration stays in effect.
func (t *LocalVideoTrack) SetVideoEncoderConfiguration(ctx context.Context, cfg VideoEncoderConfiguration) error {
	if err := cfg.Validate(); err != nil {
		t.log.WithError(err).Warn("encoder configuration rejected")
		return err
	}
	if c := t.engine.checker; c != nil {
		if err := c.CheckEncoderConfiguration(cfg); err != nil {
			t.log.WithError(err).Warn("encoder configuration refused by policy")
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		t.config = cfg
		t.adapter.SetTarget(cfg)
		t.minorAdapter.SetTarget(t.minorCfg.derive(cfg))
		t.log.WithFields(logrus.Fields{
			"codec":   cfg.Codec.String(),
			"size":    fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"fps":     cfg.FrameRate,
			"bitrate": cfg.BitrateKbps,
		}).Info("encoder configuration applied")
		return t.updateStreams()
	})
}

// EncoderConfiguration returns the active encoder configuration.
func (t *LocalVideoTrack) EncoderConfiguration(ctx context.Context) (VideoEncoderConfiguration, error) {
	return SyncCallValue(ctx, t.major, func(context.Context) (VideoEncoderConfiguration, error) {
		return t.config, nil
	})
}

// SetContentHint tells the encoders what kind of content they carry.
func (t *LocalVideoTrack) SetContentHint(ctx context.Context, hint ContentHint) error {
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		if hint == t.contentHint {
			return nil
		}
		t.contentHint = hint
		return t.updateStreams()
	})
}

// EnableSimulcastStream turns the minor stream on or off. Only one minor
// layer exists; layer is ignored when disabling.
func (t *LocalVideoTrack) EnableSimulcastStream(ctx context.Context, enabled bool, layer SimulcastStreamConfig) error {
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		if enabled == t.simulcast {
			return fmt.Errorf("%w: simulcast already %s", ErrInvalidState, onOff(enabled))
		}
		if !enabled {
			return t.disableMinor(ctx)
		}
		if t.source.Config().SourceType.ScreenContent() {
			return fmt.Errorf("%w: simulcast for screen content", ErrNotSupported)
		}
		if err := layer.Validate(); err != nil {
			return err
		}
		return t.enableMinor(ctx, layer)
	})
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func (t *LocalVideoTrack) enableMinor(ctx context.Context, layer SimulcastStreamConfig) error {
	t.minorCfg = layer
	t.minorAdapter.SetTarget(layer.derive(t.config))
	if t.graphBuilt {
		err := t.control.SyncCall(ctx, func(cctx context.Context) error {
			var result *multierror.Error
			t.ensureMinorNodes(cctx, func(kind StageKind, name string, proc Processor) NodeID {
				id, err := t.graph.Add(cctx, kind, name, proc)
				if err != nil {
					result = multierror.Append(result, err)
				}
				return id
			})
			if err := result.ErrorOrNil(); err != nil || !t.enabled {
				return err
			}
			chain := t.minorChain()
			if _, err := t.graph.linkChain(cctx, chain...); err != nil {
				return err
			}
			for i := len(chain) - 1; i >= 1; i-- {
				if err := t.graph.Start(cctx, chain[i]); err != nil {
					return multierror.Append(err, t.stopMinorChain(cctx))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if len(t.attachments) > 0 {
		sc, _ := t.streamConfig(StreamMinor)
		if err := t.encoder.CreateStream(StreamMinor, sc); err != nil {
			var result *multierror.Error
			result = multierror.Append(result, err)
			if derr := t.encoder.DestroyStream(StreamMinor); derr != nil {
				result = multierror.Append(result, derr)
			}
			if t.graphBuilt && t.enabled {
				if uerr := t.control.SyncCall(ctx, t.stopMinorChain); uerr != nil {
					result = multierror.Append(result, uerr)
				}
			}
			return result.ErrorOrNil()
		}
		t.encoder.SetSources(true, true)
	}
	t.simulcast = true
	t.log.WithField("layer", fmt.Sprintf("%dx%d@%d", layer.Width, layer.Height, layer.FrameRate)).Info("simulcast enabled")
	return nil
}

// stopMinorChain stops and unlinks the minor path. It runs on the control
// worker.
func (t *LocalVideoTrack) stopMinorChain(ctx context.Context) error {
	chain := t.minorChain()
	for _, id := range chain[1:] {
		if err := t.graph.Stop(ctx, id); err != nil {
			return err
		}
	}
	return t.graph.unlinkChain(ctx, chain...)
}

func (t *LocalVideoTrack) disableMinor(ctx context.Context) error {
	var result *multierror.Error
	if t.graphBuilt && t.enabled {
		if err := t.control.SyncCall(ctx, t.stopMinorChain); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(t.attachments) > 0 {
		t.encoder.SetSources(true, false)
		if err := t.encoder.DestroyStream(StreamMinor); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.simulcast = false
	t.log.Info("simulcast disabled")
	return result.ErrorOrNil()
}

// Attach binds the track to the network of info. The capture graph must
// exist, which it does once the track has been enabled. Attaching an
// attached network is a no-op.
func (t *LocalVideoTrack) Attach(ctx context.Context, info LocalAttachInfo) error {
	if info.Sink == nil {
		return fmt.Errorf("%w: nil rtp sink", ErrInvalidArgument)
	}
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		if !t.graphBuilt {
			t.log.WithField("fatal", true).Error("attach without a capture graph")
			return fmt.Errorf("%w: track has no capture graph", ErrNotReady)
		}
		netID := info.Sink.ID()
		if _, ok := t.attachments[netID]; ok {
			t.log.WithField("network", netID).Warn("network already attached")
			return nil
		}
		return t.attach(ctx, info)
	})
}

func (t *LocalVideoTrack) attach(ctx context.Context, info LocalAttachInfo) error {
	netID := info.Sink.ID()
	first := len(t.attachments) == 0
	if first {
		if err := t.createStreams(); err != nil {
			return err
		}
	}
	if err := t.encoder.AddSink(info.Sink); err != nil {
		if first {
			_ = t.destroyStreams()
		}
		return err
	}

	wt := weak.Make(t)
	att := &localAttachment{info: info}
	att.listener = &networkNode{networkID: netID, onDestroy: func(ctx context.Context, id string) {
		if t := wt.Value(); t != nil {
			t.onNetworkDestroyed(ctx, id)
		}
	}}
	node, err := SyncCallValue(ctx, t.control, func(cctx context.Context) (NodeID, error) {
		return t.graph.Add(cctx, StageNetworkSink, "network-"+netID, nil)
	})
	if err != nil {
		_ = t.encoder.RemoveSink(netID)
		if first {
			_ = t.destroyStreams()
		}
		return err
	}
	att.node = node
	t.netMu.Lock()
	t.netNodes[node] = att
	t.netMu.Unlock()
	info.Sink.AddStateListener(att.listener)
	t.attachments[netID] = att

	if t.enabled && t.state == LocalVideoStopped {
		// A full detach stopped the track while capture kept running.
		t.setState(LocalVideoCapturing, LocalVideoErrorOK)
	}
	if t.enabled && t.state == LocalVideoCapturing {
		t.encoder.ArmFirstFrame()
	}
	t.log.WithFields(logrus.Fields{
		"network":    netID,
		"uid":        info.UID,
		"connection": info.ConnectionID,
		"ssrc":       t.ssrcs[StreamMajor],
	}).Info("attached to network")
	return nil
}

func (t *LocalVideoTrack) createStreams() error {
	sc, _ := t.streamConfig(StreamMajor)
	if err := t.encoder.CreateStream(StreamMajor, sc); err != nil {
		return err
	}
	if t.simulcast {
		minor, _ := t.streamConfig(StreamMinor)
		if err := t.encoder.CreateStream(StreamMinor, minor); err != nil {
			_ = t.encoder.DestroyStream(StreamMajor)
			return err
		}
	}
	t.encoder.SetSources(true, t.simulcast)
	return nil
}

func (t *LocalVideoTrack) destroyStreams() error {
	var result *multierror.Error
	t.encoder.SetSources(false, false)
	for _, typ := range []StreamType{StreamMinor, StreamMajor} {
		if err := t.encoder.DestroyStream(typ); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Detach unbinds the track from the network of info. Detaching the last
// network destroys the send streams and stops the track.
func (t *LocalVideoTrack) Detach(ctx context.Context, info LocalDetachInfo) error {
	if info.Sink == nil {
		return fmt.Errorf("%w: nil rtp sink", ErrInvalidArgument)
	}
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		att, ok := t.attachments[info.Sink.ID()]
		if !ok {
			t.log.WithField("network", info.Sink.ID()).Warn("detach from a network that is not attached")
			return fmt.Errorf("%w: network %s", ErrNotAttached, info.Sink.ID())
		}
		return t.detach(ctx, att, info.Reason)
	})
}

// detach runs on the major worker. Removing the network node unbinds the
// encoder through OnNodeWillDestroy.
func (t *LocalVideoTrack) detach(ctx context.Context, att *localAttachment, reason Reason) error {
	var result *multierror.Error
	netID := att.info.Sink.ID()
	err := t.control.SyncCall(ctx, func(cctx context.Context) error {
		return t.graph.Remove(cctx, att.node)
	})
	if err != nil {
		result = multierror.Append(result, err)
	}
	delete(t.attachments, netID)
	if len(t.attachments) == 0 {
		if err := t.destroyStreams(); err != nil {
			result = multierror.Append(result, err)
		}
		t.setState(LocalVideoStopped, LocalVideoErrorOK)
	}
	t.log.WithFields(logrus.Fields{"network": netID, "reason": reason.String()}).Info("detached from network")
	return result.ErrorOrNil()
}

// OnNodeWillDestroy runs on the control worker before a node is removed.
// A network node going away unbinds its network.
func (t *LocalVideoTrack) OnNodeWillDestroy(_ context.Context, id NodeID, kind StageKind) {
	if kind != StageNetworkSink {
		return
	}
	t.netMu.Lock()
	att := t.netNodes[id]
	delete(t.netNodes, id)
	t.netMu.Unlock()
	if att == nil {
		return
	}
	att.info.Sink.RemoveStateListener(att.listener)
	if err := t.encoder.RemoveSink(att.info.Sink.ID()); err != nil {
		t.log.WithError(err).Warn("unbind network failed")
	}
}

// onNetworkDestroyed runs on the goroutine destroying the network.
func (t *LocalVideoTrack) onNetworkDestroyed(ctx context.Context, networkID string) {
	err := t.major.SyncCall(ctx, func(ctx context.Context) error {
		att, ok := t.attachments[networkID]
		if !ok {
			return nil
		}
		return t.detach(ctx, att, ReasonNetworkDestroyed)
	})
	if err != nil {
		t.log.WithError(err).WithField("network", networkID).Warn("detach on network destroy failed")
	}
}

// RequestKeyframe forces a keyframe on every send stream.
func (t *LocalVideoTrack) RequestKeyframe() { t.encoder.RequestKeyframe() }

// Statistics returns encoder and renderer statistics. The first call after
// frames were encoded reports the ENCODING state if it was not reported yet.
func (t *LocalVideoTrack) Statistics(ctx context.Context) (LocalVideoStats, error) {
	return SyncCallValue(ctx, t.major, func(context.Context) (LocalVideoStats, error) {
		if t.closed {
			return LocalVideoStats{}, t.errClosed()
		}
		enc := t.encoder.Stats()
		stats := LocalVideoStats{
			CaptureWidth:    int(t.captureWidth.Load()),
			CaptureHeight:   int(t.captureHeight.Load()),
			RenderFrameRate: t.renderStats.FrameRate(),
			FramesRendered:  t.renderStats.FramesRendered(),
			Substreams:      enc.Streams,
		}
		for _, s := range enc.Streams {
			stats.SentBitrateKbps += s.SentBitrateKbps
			stats.TargetBitrateKbps += s.TargetBitrateKbps
			if s.Type != StreamMajor {
				continue
			}
			stats.EncodedWidth, stats.EncodedHeight = s.Width, s.Height
			stats.FramesEncoded = s.FramesEncoded
			stats.KeyFramesEncoded = s.KeyFramesEncoded
			stats.EncodeFrameRate = s.EncodeFrameRate
		}
		if stats.FramesEncoded > 0 {
			t.markEncoding()
		}
		stats.State = t.state
		return stats, nil
	})
}

// AttachedNetworks returns the ids of the attached networks, sorted.
func (t *LocalVideoTrack) AttachedNetworks(ctx context.Context) ([]string, error) {
	return SyncCallValue(ctx, t.major, func(context.Context) ([]string, error) {
		return slices.Sorted(maps.Keys(t.attachments)), nil
	})
}

// Close detaches every network, disables capture, destroys the graph and
// stops the track workers.
func (t *LocalVideoTrack) Close(ctx context.Context) error {
	var result *multierror.Error
	err := t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return nil
		}
		var errs *multierror.Error
		for _, id := range slices.Sorted(maps.Keys(t.attachments)) {
			if err := t.detach(ctx, t.attachments[id], ReasonTrackDestroyed); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if t.enabled {
			if err := t.disable(ctx); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		RemoveHandler[DeviceStateChanged](t.engine.bus, t.deviceHandler)
		RemoveHandler[FrameSizeChanged](t.engine.bus, t.sizeHandler)
		RemoveHandler[FirstFrameRendered](t.engine.bus, t.renderHandler)

		if t.graphBuilt {
			if err := t.control.SyncCall(ctx, t.destroyGraph); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if err := t.encoder.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		t.closed = true
		return errs.ErrorOrNil()
	})
	if err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.control.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.data.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	t.engine.forgetLocal(t.id)
	t.log.Info("local track closed")
	return result.ErrorOrNil()
}

// destroyGraph runs on the control worker.
func (t *LocalVideoTrack) destroyGraph(ctx context.Context) error {
	var result *multierror.Error
	ids := []NodeID{t.nodes.minorEnc, t.nodes.minorTee, t.nodes.minorAdapter}
	for _, r := range t.renderers {
		ids = append(ids, r.node)
	}
	main := t.mainChain()
	slices.Reverse(main)
	ids = append(ids, main...)
	for _, id := range ids {
		if !t.graph.Exists(id) {
			continue
		}
		if err := t.graph.Remove(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
