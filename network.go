package rtctrack

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// NetworkStateListener is told when a network transport is about to go away.
// ctx is the context of the goroutine destroying the network; when that is a
// worker task, listeners use it for their own SyncCalls.
type NetworkStateListener interface {
	OnNetworkWillDestroy(ctx context.Context, networkID string)
}

// VideoProperty describes one video stream carried by a transport.
type VideoProperty struct {
	SSRC        uint32
	PayloadType uint8
	Codec       VideoCodec
	StreamType  StreamType
	TrackID     string
	UID         string
}

// Network is the part shared by every transport a track attaches to.
type Network interface {
	ID() string
	AddStateListener(l NetworkStateListener)
	RemoveStateListener(l NetworkStateListener)
	AddOrUpdateVideoProperty(p VideoProperty)
	RemoveVideoProperty(ssrc uint32)
	// Reset drops per-stream transport state, for example after an ssrc
	// change.
	Reset()
}

// RTPSink carries the packets of local tracks and returns their RTCP
// feedback.
type RTPSink interface {
	Network
	WriteRTP(pkt *rtp.Packet) error
	RegisterFeedback(ssrc uint32, fn func(pkts []rtcp.Packet))
	UnregisterFeedback(ssrc uint32)
}

// RTPSource delivers the packets of remote tracks.
type RTPSource interface {
	Network
	RegisterReceiver(ssrc uint32, fn func(pkt *rtp.Packet))
	UnregisterReceiver(ssrc uint32)
}

// RTCPSender sends RTCP from remote tracks back to the remote sender.
type RTCPSender interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// networkListeners is the listener and property bookkeeping transports
// share.
type networkListeners struct {
	mu         sync.Mutex
	listeners  []NetworkStateListener
	properties map[uint32]VideoProperty
}

func (n *networkListeners) AddStateListener(l NetworkStateListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !slices.Contains(n.listeners, l) {
		n.listeners = append(n.listeners, l)
	}
}

func (n *networkListeners) RemoveStateListener(l NetworkStateListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = slices.DeleteFunc(n.listeners, func(x NetworkStateListener) bool { return x == l })
}

func (n *networkListeners) AddOrUpdateVideoProperty(p VideoProperty) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.properties == nil {
		n.properties = make(map[uint32]VideoProperty)
	}
	n.properties[p.SSRC] = p
}

func (n *networkListeners) RemoveVideoProperty(ssrc uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.properties, ssrc)
}

// VideoProperty returns the property registered for ssrc.
func (n *networkListeners) VideoProperty(ssrc uint32) (VideoProperty, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.properties[ssrc]
	return p, ok
}

// ListenerCount returns the number of registered state listeners.
func (n *networkListeners) ListenerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// notifyDestroy calls every listener without holding the lock, since
// listeners detach and remove themselves while being notified.
func (n *networkListeners) notifyDestroy(ctx context.Context, id string) {
	n.mu.Lock()
	ls := slices.Clone(n.listeners)
	n.mu.Unlock()
	for _, l := range ls {
		l.OnNetworkWillDestroy(ctx, id)
	}
	n.mu.Lock()
	n.listeners = nil
	n.properties = nil
	n.mu.Unlock()
}

// LoopbackNetwork is an in-process transport connecting local tracks to
// remote tracks. Packets are marshalled and parsed on the way through so
// the wire format is exercised.
type LoopbackNetwork struct {
	networkListeners

	id  string
	log *logrus.Entry

	rmu       sync.RWMutex
	receivers map[uint32]func(*rtp.Packet)
	feedback  map[uint32]func([]rtcp.Packet)
	drop      func(*rtp.Packet) bool
	destroyed bool

	packets, bytes, rtcpPackets, dropped atomic.Uint64
}

// NewLoopbackNetwork creates a loopback transport with a random id.
func NewLoopbackNetwork(log *logrus.Entry) *LoopbackNetwork {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.NewString()
	return &LoopbackNetwork{
		id:        id,
		log:       log.WithField("network", id),
		receivers: make(map[uint32]func(*rtp.Packet)),
		feedback:  make(map[uint32]func([]rtcp.Packet)),
	}
}

func (n *LoopbackNetwork) ID() string { return n.id }

// SetDropFilter installs a function deciding which RTP packets are lost.
func (n *LoopbackNetwork) SetDropFilter(drop func(pkt *rtp.Packet) bool) {
	n.rmu.Lock()
	defer n.rmu.Unlock()
	n.drop = drop
}

func (n *LoopbackNetwork) WriteRTP(pkt *rtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("%w: marshal rtp: %v", ErrFailed, err)
	}
	n.rmu.RLock()
	destroyed, drop, recv := n.destroyed, n.drop, n.receivers[pkt.SSRC]
	n.rmu.RUnlock()
	if destroyed {
		return fmt.Errorf("%w: network %s destroyed", ErrInvalidState, n.id)
	}
	n.packets.Add(1)
	n.bytes.Add(uint64(len(raw)))
	if drop != nil && drop(pkt) {
		n.dropped.Add(1)
		return nil
	}
	if recv == nil {
		return nil
	}
	out := &rtp.Packet{}
	if err := out.Unmarshal(raw); err != nil {
		return fmt.Errorf("%w: unmarshal rtp: %v", ErrFailed, err)
	}
	recv(out)
	return nil
}

func (n *LoopbackNetwork) WriteRTCP(pkts []rtcp.Packet) error {
	raw, err := rtcp.Marshal(pkts)
	if err != nil {
		return fmt.Errorf("%w: marshal rtcp: %v", ErrFailed, err)
	}
	parsed, err := rtcp.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("%w: unmarshal rtcp: %v", ErrFailed, err)
	}
	n.rtcpPackets.Add(uint64(len(parsed)))

	// Group feedback by the media ssrc it is about.
	byDest := make(map[uint32][]rtcp.Packet)
	for _, p := range parsed {
		for _, ssrc := range p.DestinationSSRC() {
			byDest[ssrc] = append(byDest[ssrc], p)
		}
	}
	type delivery struct {
		fn   func([]rtcp.Packet)
		pkts []rtcp.Packet
	}
	var out []delivery
	n.rmu.RLock()
	for ssrc, group := range byDest {
		if fn := n.feedback[ssrc]; fn != nil {
			out = append(out, delivery{fn, group})
		}
	}
	n.rmu.RUnlock()
	for _, d := range out {
		d.fn(d.pkts)
	}
	return nil
}

func (n *LoopbackNetwork) RegisterReceiver(ssrc uint32, fn func(*rtp.Packet)) {
	n.rmu.Lock()
	defer n.rmu.Unlock()
	n.receivers[ssrc] = fn
}

func (n *LoopbackNetwork) UnregisterReceiver(ssrc uint32) {
	n.rmu.Lock()
	defer n.rmu.Unlock()
	delete(n.receivers, ssrc)
}

func (n *LoopbackNetwork) RegisterFeedback(ssrc uint32, fn func([]rtcp.Packet)) {
	n.rmu.Lock()
	defer n.rmu.Unlock()
	n.feedback[ssrc] = fn
}

func (n *LoopbackNetwork) UnregisterFeedback(ssrc uint32) {
	n.rmu.Lock()
	defer n.rmu.Unlock()
	delete(n.feedback, ssrc)
}

func (n *LoopbackNetwork) Reset() {
	n.packets.Store(0)
	n.bytes.Store(0)
	n.rtcpPackets.Store(0)
	n.dropped.Store(0)
}

// PacketsSent returns the number of RTP packets written, including dropped
// ones.
func (n *LoopbackNetwork) PacketsSent() uint64 { return n.packets.Load() }

// RTCPPackets returns the number of RTCP packets carried.
func (n *LoopbackNetwork) RTCPPackets() uint64 { return n.rtcpPackets.Load() }

// Destroy tears the network down. Attached tracks are detached through
// their state listeners before Destroy returns.
func (n *LoopbackNetwork) Destroy() error { return n.DestroyContext(context.Background()) }

// DestroyContext is Destroy for callers running on a worker: pass the task
// context so attached tracks detach without blocking on that worker.
func (n *LoopbackNetwork) DestroyContext(ctx context.Context) error {
	n.rmu.Lock()
	if n.destroyed {
		n.rmu.Unlock()
		return nil
	}
	n.destroyed = true
	n.rmu.Unlock()

	n.log.Info("network destroying")
	n.notifyDestroy(ctx, n.id)

	var result *multierror.Error
	n.rmu.Lock()
	if len(n.receivers) > 0 {
		result = multierror.Append(result, fmt.Errorf("%d receivers still registered", len(n.receivers)))
	}
	if len(n.feedback) > 0 {
		result = multierror.Append(result, fmt.Errorf("%d feedback handlers still registered", len(n.feedback)))
	}
	clear(n.receivers)
	clear(n.feedback)
	n.rmu.Unlock()
	return result.ErrorOrNil()
}

// networkNode is the state listener a track registers on every network it
// attaches to, one per network.
type networkNode struct {
	networkID string
	onDestroy func(ctx context.Context, networkID string)
}

func (n *networkNode) OnNetworkWillDestroy(ctx context.Context, networkID string) {
	if networkID == n.networkID && n.onDestroy != nil {
		n.onDestroy(ctx, networkID)
	}
}
