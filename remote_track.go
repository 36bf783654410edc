package rtctrack

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

type remoteAttachment struct {
	info     RemoteAttachInfo
	node     NodeID
	listener *networkNode
	stream   *receiveStream
}

// RemoteVideoTrack decodes the video stream of one remote ssrc and renders
// it. Like local tracks, its public methods run on the major worker.
type RemoteVideoTrack struct {
	info    RemoteTrackInfo
	cfg     RemoteStreamConfig
	engine  *Engine
	log     *logrus.Entry
	major   *Worker
	control *Worker
	data    *Worker

	graph       *Graph
	decoder     *decoderStage
	counters    receiveCounters
	renderStats RenderStats

	renderHandler *eventHandler[FirstFrameRendered]
	stateMirror   atomic.Int32

	attMu sync.Mutex
	att   *remoteAttachment

	// major worker only
	state         RemoteVideoState
	filters       []*filterEntry
	renderers     []*rendererEntry
	decoderNode   NodeID
	teeNode       NodeID
	attachedAt    time.Time
	stopPoll      func()
	frozenAt      time.Time
	frozenTotal   time.Duration
	firstReported bool
	closed        bool
}

func newRemoteVideoTrack(ctx context.Context, e *Engine, info RemoteTrackInfo, cfg RemoteStreamConfig) (*RemoteVideoTrack, error) {
	log := logrus.NewEntry(e.logger).WithFields(logrus.Fields{
		"track": info.TrackID,
		"kind":  "remote",
		"uid":   info.UID,
		"ssrc":  cfg.SSRC,
	})
	short := info.TrackID
	if len(short) > 8 {
		short = short[:8]
	}
	t := &RemoteVideoTrack{
		info:    info,
		cfg:     cfg,
		engine:  e,
		log:     log,
		major:   e.major,
		control: NewWorker("remote-control-"+short, log),
		data:    NewWorker("remote-data-"+short, log),
		decoder: &decoderStage{},
		state:   RemoteVideoStopped,
	}
	t.graph = NewGraph(t.control, t, log)

	wt := weak.Make(t)
	t.decoder.onFirst = func(*VideoFrame) {
		err := t.major.Post(func(context.Context) {
			if t := wt.Value(); t != nil {
				t.markDecoding()
			}
		})
		if err != nil {
			t.log.WithError(err).Debug("first decode notification dropped")
		}
	}
	t.renderHandler = newEventHandler(func(_ context.Context, ev FirstFrameRendered) {
		if t := wt.Value(); t != nil && !t.closed && ev.TrackID == t.info.TrackID {
			elapsed := time.Since(t.attachedAt).Milliseconds()
			t.engine.observers.notify(func(o VideoObserver) {
				o.OnFirstVideoFrameRendered(t.info.UID, ev.TrackID, ev.Width, ev.Height, elapsed)
			})
		}
	})
	AddHandler[FirstFrameRendered](ctx, e.bus, t.renderHandler, t.major)

	tee, err := SyncCallValue(ctx, t.control, func(cctx context.Context) (NodeID, error) {
		return t.graph.Add(cctx, StageTee, "render-tee", nil)
	})
	if err != nil {
		RemoveHandler[FirstFrameRendered](e.bus, t.renderHandler)
		_ = t.control.Close()
		_ = t.data.Close()
		return nil, err
	}
	t.teeNode = tee
	log.WithField("codec", cfg.Codec.String()).Info("remote track created")
	return t, nil
}

// ID returns the track id.
func (t *RemoteVideoTrack) ID() string { return t.info.TrackID }

// Info returns the identity of the remote stream.
func (t *RemoteVideoTrack) Info() RemoteTrackInfo { return t.info }

// State returns the current state.
func (t *RemoteVideoTrack) State() RemoteVideoState { return RemoteVideoState(t.stateMirror.Load()) }

func (t *RemoteVideoTrack) packetsLost() uint64 { return t.counters.lost.Load() }

func (t *RemoteVideoTrack) errClosed() error {
	return fmt.Errorf("%w: track %s closed", ErrInvalidState, t.info.TrackID)
}

// setState runs on the major worker.
func (t *RemoteVideoTrack) setState(state RemoteVideoState, reason Reason) {
	if t.state == state {
		return
	}
	prev := t.state
	t.state = state
	t.stateMirror.Store(int32(state))
	t.log.WithFields(logrus.Fields{"from": prev.String(), "to": state.String(), "reason": reason.String()}).Info("remote video state changed")
	t.engine.metrics.remoteTransition(state)
	ts := time.Now().UnixMilli()
	uid, trackID := t.info.UID, t.info.TrackID
	t.engine.observers.notify(func(o VideoObserver) {
		o.OnRemoteVideoStateChanged(uid, trackID, state, reason, ts)
	})
}

// markDecoding reports the first decoded frame since attach, once.
func (t *RemoteVideoTrack) markDecoding() {
	if t.closed || t.state != RemoteVideoStarting || t.firstReported {
		return
	}
	t.firstReported = true
	w, h := int(t.decoder.width.Load()), int(t.decoder.height.Load())
	if Rotation(t.decoder.rotation.Load()).SwapsDimensions() {
		w, h = h, w
	}
	elapsed := time.Since(t.attachedAt).Milliseconds()
	uid, trackID := t.info.UID, t.info.TrackID
	t.engine.observers.notify(func(o VideoObserver) {
		o.OnFirstVideoFrameDecoded(uid, trackID, w, h, elapsed)
	})
	t.setState(RemoteVideoDecoding, ReasonInternal)
}

// Attach starts receiving from the network of info. A track that is
// starting, decoding or frozen is already attached and the call is a no-op.
// Attaching a failed track tears the failed attachment down first.
func (t *RemoteVideoTrack) Attach(ctx context.Context, info RemoteAttachInfo, reason Reason) error {
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		if t.state != RemoteVideoStopped && t.state != RemoteVideoFailed {
			t.log.WithField("state", t.state.String()).Warn("remote track already attached")
			return nil
		}
		if info.Source == nil || info.RTCPSender == nil {
			return fmt.Errorf("%w: attach needs an rtp source and an rtcp sender", ErrInvalidArgument)
		}
		if t.state == RemoteVideoFailed {
			if err := t.detach(ctx, reason); err != nil {
				return err
			}
		}
		return t.attach(ctx, info, reason)
	})
}

func (t *RemoteVideoTrack) attach(ctx context.Context, info RemoteAttachInfo, reason Reason) error {
	dec, err := t.engine.decoders(t.cfg.Codec)
	if err != nil {
		t.log.WithError(err).Error("create decoder failed")
		t.setState(RemoteVideoFailed, ReasonDecoderFailure)
		return fmt.Errorf("%w: create %s decoder: %v", ErrFailed, t.cfg.Codec, err)
	}
	t.decoder.rearm()

	netID := info.Source.ID()
	wt := weak.Make(t)
	att := &remoteAttachment{info: info}
	att.listener = &networkNode{networkID: netID, onDestroy: func(ctx context.Context, id string) {
		if t := wt.Value(); t != nil {
			t.onNetworkDestroyed(ctx, id)
		}
	}}

	err = t.control.SyncCall(ctx, func(cctx context.Context) error {
		decNode, err := t.graph.Add(cctx, StageDecoder, fmt.Sprintf("decoder-pt%d", t.cfg.PayloadType), t.decoder)
		if err != nil {
			return err
		}
		chain := t.filterChain(decNode)
		if _, err := t.graph.linkChain(cctx, chain...); err != nil {
			_ = t.graph.Remove(cctx, decNode)
			return err
		}
		netNode, err := t.graph.Add(cctx, StageNetworkSource, "network-"+netID, nil)
		if err != nil {
			_ = t.graph.unlinkChain(cctx, chain...)
			_ = t.graph.Remove(cctx, decNode)
			return err
		}
		for _, id := range t.startOrder(chain) {
			if err := t.graph.Start(cctx, id); err != nil {
				_ = t.stopAndUnlink(cctx, chain)
				_ = t.graph.Remove(cctx, netNode)
				_ = t.graph.Remove(cctx, decNode)
				return err
			}
		}

		var stream *receiveStream
		stream, err = newReceiveStream(receiveStreamOptions{
			Config: t.cfg,
			Property: VideoProperty{
				StreamType: t.info.StreamType,
				TrackID:    t.info.TrackID,
				UID:        t.info.UID,
			},
			Source:          info.Source,
			Sender:          info.RTCPSender,
			Decoder:         dec,
			Data:            t.data,
			Counters:        &t.counters,
			Deliver:         func(f *VideoFrame) { t.graph.Push(decNode, f) },
			ReportInterval:  t.engine.cfg.Remote.ReceiverReportInterval,
			KeyframeBackoff: t.engine.cfg.Remote.KeyframeRequestBackoff,
			OnFailure: func(err error) {
				perr := t.major.Post(func(context.Context) {
					if t := wt.Value(); t != nil {
						t.onDecoderFailure(stream, err)
					}
				})
				if perr != nil {
					t.log.WithError(perr).Debug("decoder failure notification dropped")
				}
			},
			Log: t.log,
		})
		if err != nil {
			_ = t.stopAndUnlink(cctx, chain)
			_ = t.graph.Remove(cctx, netNode)
			_ = t.graph.Remove(cctx, decNode)
			return err
		}
		att.node = netNode
		att.stream = stream
		t.attMu.Lock()
		t.att = att
		t.attMu.Unlock()
		t.decoderNode = decNode
		stream.start()
		return nil
	})
	if err != nil {
		_ = dec.Close()
		t.log.WithError(err).Error("attach failed")
		return err
	}

	info.Source.AddStateListener(att.listener)
	t.attachedAt = time.Now()
	t.firstReported = false
	t.frozenAt = time.Time{}
	t.setState(RemoteVideoStarting, reason)
	t.stopPoll = t.major.Every(t.engine.cfg.Stats.PollInterval, func(context.Context) { t.poll() })
	t.log.WithFields(logrus.Fields{"network": netID, "connection": info.ConnectionID}).Info("attached to network")
	return nil
}

// filterChain is decoder, filters in insertion order, then the render tee.
func (t *RemoteVideoTrack) filterChain(decNode NodeID) []NodeID {
	chain := []NodeID{decNode}
	for _, f := range t.filters {
		chain = append(chain, f.node)
	}
	return append(chain, t.teeNode)
}

// startOrder lists consumers before producers: renderers, tee, filters
// from last to first, decoder.
func (t *RemoteVideoTrack) startOrder(chain []NodeID) []NodeID {
	var order []NodeID
	for _, r := range t.renderers {
		order = append(order, r.node)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		order = append(order, chain[i])
	}
	return order
}

// stopAndUnlink runs on the control worker. Renderers stay linked to the
// tee.
func (t *RemoteVideoTrack) stopAndUnlink(ctx context.Context, chain []NodeID) error {
	var result *multierror.Error
	order := t.startOrder(chain)
	for i := len(order) - 1; i >= 0; i-- {
		if err := t.graph.Stop(ctx, order[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := t.graph.unlinkChain(ctx, chain...); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Detach stops receiving. Detaching a stopped track fails with
// ErrNotAttached. A failed track always detaches to STOPPED.
func (t *RemoteVideoTrack) Detach(ctx context.Context, info RemoteAttachInfo, reason Reason) error {
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.state == RemoteVideoStopped {
			t.log.Warn("detach of a remote track that is not attached")
			return fmt.Errorf("%w: remote track %s", ErrNotAttached, t.info.TrackID)
		}
		if info.Source == nil || info.RTCPSender == nil {
			return fmt.Errorf("%w: detach needs an rtp source and an rtcp sender", ErrInvalidArgument)
		}
		if !t.decoderNode.Valid() && t.state != RemoteVideoFailed {
			return fmt.Errorf("%w: remote track has no decoder", ErrFailed)
		}
		if att := t.attachment(); att != nil && att.info.Source.ID() != info.Source.ID() {
			return fmt.Errorf("%w: network %s", ErrNotAttached, info.Source.ID())
		}
		return t.detach(ctx, reason)
	})
}

func (t *RemoteVideoTrack) attachment() *remoteAttachment {
	t.attMu.Lock()
	defer t.attMu.Unlock()
	return t.att
}

// detach runs on the major worker.
func (t *RemoteVideoTrack) detach(ctx context.Context, reason Reason) error {
	if t.stopPoll != nil {
		t.stopPoll()
		t.stopPoll = nil
	}
	att := t.attachment()
	decNode := t.decoderNode
	var err error
	if decNode.Valid() {
		err = t.control.SyncCall(ctx, t.teardownFunc(att, decNode))
	}
	t.decoderNode = NodeID{}
	if t.state == RemoteVideoFrozen {
		t.frozenTotal += time.Since(t.frozenAt)
	}
	t.setState(RemoteVideoStopped, reason)
	if att != nil {
		t.log.WithFields(logrus.Fields{"network": att.info.Source.ID(), "reason": reason.String()}).Info("detached from network")
	}
	return err
}

// teardownFunc removes the network node and the decoder and unlinks the
// filter chain. It runs on the control worker.
func (t *RemoteVideoTrack) teardownFunc(att *remoteAttachment, decNode NodeID) func(context.Context) error {
	return func(cctx context.Context) error {
		var result *multierror.Error
		if att != nil {
			if err := t.graph.Remove(cctx, att.node); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := t.stopAndUnlink(cctx, t.filterChain(decNode)); err != nil {
			result = multierror.Append(result, err)
		}
		if err := t.graph.Remove(cctx, decNode); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	}
}

// onDecoderFailure runs on the major worker when the receive stream gave up
// on its decoder. The attachment stays in place until Detach or Attach.
func (t *RemoteVideoTrack) onDecoderFailure(stream *receiveStream, err error) {
	att := t.attachment()
	if t.closed || att == nil || att.stream != stream {
		return
	}
	switch t.state {
	case RemoteVideoStopped, RemoteVideoFailed:
		return
	case RemoteVideoFrozen:
		t.frozenTotal += time.Since(t.frozenAt)
	}
	if t.stopPoll != nil {
		t.stopPoll()
		t.stopPoll = nil
	}
	t.log.WithError(err).Error("decoder failed")
	t.setState(RemoteVideoFailed, ReasonDecoderFailure)
}

// OnNodeWillDestroy runs on the control worker. Removing the network node
// destroys the receive stream.
func (t *RemoteVideoTrack) OnNodeWillDestroy(ctx context.Context, _ NodeID, kind StageKind) {
	if kind != StageNetworkSource {
		return
	}
	t.attMu.Lock()
	att := t.att
	t.att = nil
	t.attMu.Unlock()
	if att == nil {
		return
	}
	att.info.Source.RemoveStateListener(att.listener)
	if err := att.stream.close(ctx); err != nil {
		t.log.WithError(err).Warn("close receive stream failed")
	}
}

func (t *RemoteVideoTrack) onNetworkDestroyed(ctx context.Context, networkID string) {
	err := t.major.SyncCall(ctx, func(ctx context.Context) error {
		att := t.attachment()
		if t.state == RemoteVideoStopped || att == nil || att.info.Source.ID() != networkID {
			return nil
		}
		return t.detach(ctx, ReasonNetworkDestroyed)
	})
	if err != nil {
		t.log.WithError(err).WithField("network", networkID).Warn("detach on network destroy failed")
	}
}

// poll runs on the major worker while attached.
func (t *RemoteVideoTrack) poll() {
	if t.closed {
		return
	}
	now := time.Now()
	last := t.decoder.lastDecodeTime()
	switch t.state {
	case RemoteVideoStarting:
		if !last.IsZero() {
			t.markDecoding()
		}
	case RemoteVideoDecoding:
		if now.Sub(last) > t.engine.cfg.Remote.FreezeTimeout {
			t.frozenAt = now
			t.setState(RemoteVideoFrozen, ReasonNetworkCongestion)
		}
	case RemoteVideoFrozen:
		if last.After(t.frozenAt) {
			t.frozenTotal += now.Sub(t.frozenAt)
			t.setState(RemoteVideoDecoding, ReasonNetworkRecovery)
		}
	}
	if t.state == RemoteVideoDecoding {
		delay := int(t.decoder.delayMs.Load())
		uid, trackID := t.info.UID, t.info.TrackID
		t.engine.observers.notify(func(o VideoObserver) { o.OnRecvSideDelay(uid, trackID, delay) })
	}
}

// AddVideoFilter appends filter between the decoder and the renderers.
// Filters can only change while the track is stopped.
func (t *RemoteVideoTrack) AddVideoFilter(ctx context.Context, filter VideoFilter) error {
	if filter == nil || !isComparable(filter) {
		return fmt.Errorf("%w: filter must be a non-nil comparable value", ErrInvalidArgument)
	}
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		if t.state != RemoteVideoStopped {
			return fmt.Errorf("%w: filters can only change while stopped", ErrInvalidState)
		}
		if slices.ContainsFunc(t.filters, func(f *filterEntry) bool { return sameInstance(f.filter, filter) }) {
			return fmt.Errorf("%w: filter already added", ErrInvalidArgument)
		}
		node, err := SyncCallValue(ctx, t.control, func(cctx context.Context) (NodeID, error) {
			return t.graph.Add(cctx, StageFilter, "filter", filter)
		})
		if err != nil {
			return err
		}
		t.filters = append(t.filters, &filterEntry{filter: filter, node: node})
		return nil
	})
}

// RemoveVideoFilter removes filter. Removing an unknown filter is a no-op.
func (t *RemoteVideoTrack) RemoveVideoFilter(ctx context.Context, filter VideoFilter) error {
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		if t.state != RemoteVideoStopped {
			return fmt.Errorf("%w: filters can only change while stopped", ErrInvalidState)
		}
		idx := slices.IndexFunc(t.filters, func(f *filterEntry) bool { return sameInstance(f.filter, filter) })
		if idx < 0 {
			return nil
		}
		node := t.filters[idx].node
		if err := t.control.SyncCall(ctx, func(cctx context.Context) error { return t.graph.Remove(cctx, node) }); err != nil {
			return err
		}
		t.filters = slices.Delete(t.filters, idx, idx+1)
		return nil
	})
}

// AddRenderer adds a renderer in any state. Engine-owned renderers are bound
// to the remote uid and the shared render statistics.
func (t *RemoteVideoTrack) AddRenderer(ctx context.Context, r VideoRenderer) error {
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
		if tr, ok := r.(TrackRenderer); ok {
			tr.BindTrack(t.info.UID, &t.renderStats)
		}
		stage := &renderStage{
			renderer: r,
			stats:    &t.renderStats,
			onFirst: func(f *VideoFrame) {
				Post(t.engine.bus, FirstFrameRendered{
					TrackID:   t.info.TrackID,
					Width:     f.Width,
					Height:    f.Height,
					Timestamp: time.Now().UnixMilli(),
				})
			},
		}
		node, err := SyncCallValue(ctx, t.control, func(cctx context.Context) (NodeID, error) {
			node, err := t.graph.Add(cctx, StageRenderer, "renderer", stage)
			if err != nil {
				return NodeID{}, err
			}
			if err := t.graph.AddSource(cctx, node, t.teeNode); err != nil {
				_ = t.graph.Remove(cctx, node)
				return NodeID{}, err
			}
			if t.graph.Running(t.teeNode) {
				return node, t.graph.Start(cctx, node)
			}
			return node, nil
		})
		if err != nil {
			return err
		}
		t.renderers = append(t.renderers, &rendererEntry{renderer: r, node: node})
		return nil
	})
}

// RemoveRenderer removes r. Removing an unknown renderer is a no-op.
func (t *RemoteVideoTrack) RemoveRenderer(ctx context.Context, r VideoRenderer) error {
	return t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return t.errClosed()
		}
		idx := slices.IndexFunc(t.renderers, func(e *rendererEntry) bool { return sameInstance(e.renderer, r) })
		if idx < 0 {
			return nil
		}
		node := t.renderers[idx].node
		if err := t.control.SyncCall(ctx, func(cctx context.Context) error { return t.graph.Remove(cctx, node) }); err != nil {
			return err
		}
		t.renderers = slices.Delete(t.renderers, idx, idx+1)
		return nil
	})
}

// Statistics returns decode statistics. It fails with ErrNotReady until a
// frame has been decoded.
func (t *RemoteVideoTrack) Statistics(ctx context.Context) (RemoteVideoStats, error) {
	return SyncCallValue(ctx, t.major, func(context.Context) (RemoteVideoStats, error) {
		if t.closed {
			return RemoteVideoStats{}, t.errClosed()
		}
		d := t.decoder
		w, h := int(d.width.Load()), int(d.height.Load())
		if w == 0 || h == 0 {
			return RemoteVideoStats{}, fmt.Errorf("%w: nothing decoded yet", ErrNotReady)
		}
		rot := Rotation(d.rotation.Load())
		if rot.SwapsDimensions() {
			w, h = h, w
		}
		if d.frames.Load() > 0 {
			t.markDecoding()
		}
		now := time.Now()
		fps, _ := d.meter.read(now)
		_, bitrate := t.counters.meter.read(now)
		frozen := t.frozenTotal
		if t.state == RemoteVideoFrozen {
			frozen += now.Sub(t.frozenAt)
		}
		return RemoteVideoStats{
			UID:                 t.info.UID,
			SSRC:                t.cfg.SSRC,
			State:               t.state,
			Width:               w,
			Height:              h,
			Rotation:            rot,
			ReceivedBitrateKbps: bitrate / 1000,
			DecodeFrameRate:     fps,
			RenderFrameRate:     t.renderStats.FrameRate(),
			FramesDecoded:       d.frames.Load(),
			FramesRendered:      t.renderStats.FramesRendered(),
			PacketsReceived:     t.counters.packets.Load(),
			PacketsLost:         t.counters.lost.Load(),
			FramesDiscarded:     t.counters.discarded.Load(),
			DelayMs:             int(d.delayMs.Load()),
			FrozenTimeMs:        frozen.Milliseconds(),
		}, nil
	})
}

// Close detaches with reason TrackDestroyed, destroys every node and stops
// the track workers.
func (t *RemoteVideoTrack) Close(ctx context.Context) error {
	var result *multierror.Error
	err := t.major.SyncCall(ctx, func(ctx context.Context) error {
		if t.closed {
			return nil
		}
		var errs *multierror.Error
		if t.state != RemoteVideoStopped {
			if err := t.detach(ctx, ReasonTrackDestroyed); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		RemoveHandler[FirstFrameRendered](t.engine.bus, t.renderHandler)
		err := t.control.SyncCall(ctx, func(cctx context.Context) error {
			var result *multierror.Error
			var ids []NodeID
			for _, r := range t.renderers {
				ids = append(ids, r.node)
			}
			for _, f := range t.filters {
				ids = append(ids, f.node)
			}
			for _, id := range append(ids, t.teeNode) {
				if err := t.graph.Remove(cctx, id); err != nil {
					result = multierror.Append(result, err)
				}
			}
			return result.ErrorOrNil()
		})
		if err != nil {
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
	t.engine.forgetRemote(t.info.TrackID)
	t.log.Info("remote track closed")
	return result.ErrorOrNil()
}
