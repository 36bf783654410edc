package rtctrack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// StageKind tags the role a node plays in a graph.
type StageKind int

const (
	StageSource StageKind = iota
	StageFilter
	StageTee
	StageAdapter
	StageRotator
	StageEncoder
	StageDecoder
	StageRenderer
	StageNetworkSink
	StageNetworkSource
)

func (k StageKind) String() string {
	switch k {
	case StageSource:
		return "source"
	case StageFilter:
		return "filter"
	case StageTee:
		return "tee"
	case StageAdapter:
		return "adapter"
	case StageRotator:
		return "rotator"
	case StageEncoder:
		return "encoder"
	case StageDecoder:
		return "decoder"
	case StageRenderer:
		return "renderer"
	case StageNetworkSink:
		return "network-sink"
	case StageNetworkSource:
		return "network-source"
	default:
		return "unknown"
	}
}

// terminal kinds consume frames and never have downstream consumers.
func (k StageKind) terminal() bool {
	return k == StageEncoder || k == StageRenderer || k == StageNetworkSink
}

// Processor is the data-plane contract of every stage: it receives one frame
// and produces zero or one frame for its consumers.
type Processor interface {
	Process(frame *VideoFrame) (*VideoFrame, bool)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(frame *VideoFrame) (*VideoFrame, bool)

func (f ProcessorFunc) Process(frame *VideoFrame) (*VideoFrame, bool) { return f(frame) }

// passthrough forwards frames unchanged. Sources, tees and decoders use it.
var passthrough = ProcessorFunc(func(f *VideoFrame) (*VideoFrame, bool) { return f, true })

// Starter is implemented by processors that need to run code when their
// node starts or stops.
type Starter interface {
	Start() error
	Stop() error
}

// NodeID addresses a node in a Graph. IDs are generation tagged: once a node
// is removed its ID never resolves again, even if the slot is reused.
type NodeID struct {
	index uint32
	gen   uint32
}

// Valid reports whether id was ever issued by a graph.
func (id NodeID) Valid() bool { return id.gen != 0 }

func (id NodeID) String() string {
	if !id.Valid() {
		return "node(nil)"
	}
	return fmt.Sprintf("node(%d.%d)", id.index, id.gen)
}

// NodeDestroyListener is told about a node right before it is removed from
// its graph. It runs on the graph's control worker.
type NodeDestroyListener interface {
	OnNodeWillDestroy(ctx context.Context, id NodeID, kind StageKind)
}

// NodeStats are per-node frame counters.
type NodeStats struct {
	FramesIn      uint64
	FramesOut     uint64
	FramesDropped uint64
}

type node struct {
	id      NodeID
	kind    StageKind
	name    string
	proc    Processor
	running atomic.Bool

	// Edge fields are written on the control worker under Graph.mu.
	source     NodeID
	downstream []NodeID
	// consumers is the immutable snapshot of downstream read by the data path.
	consumers atomic.Pointer[[]NodeID]

	in, out, dropped atomic.Uint64
}

// Graph is the node arena owned by one track. Shape changes (add, remove,
// link, start, stop) run on the control worker; Push may run on any worker
// and only reads immutable snapshots.
type Graph struct {
	control  *Worker
	listener NodeDestroyListener
	log      *logrus.Entry

	mu    sync.RWMutex
	slots []*node
	gens  []uint32
	free  []uint32
}

// NewGraph creates an empty graph. When control is non-nil every shape
// change must run on it.
func NewGraph(control *Worker, listener NodeDestroyListener, log *logrus.Entry) *Graph {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Graph{control: control, listener: listener, log: log}
}

func (g *Graph) checkAffinity(ctx context.Context, op string) error {
	if g.control != nil && !g.control.IsCurrent(ctx) {
		return fmt.Errorf("%w: %s must run on worker %s", ErrInvalidState, op, g.control.Name())
	}
	return nil
}

func (g *Graph) lookup(id NodeID) *node {
	if !id.Valid() || int(id.index) >= len(g.slots) {
		return nil
	}
	n := g.slots[id.index]
	if n == nil || n.id != id {
		return nil
	}
	return n
}

// Add creates a stopped, unlinked node.
func (g *Graph) Add(ctx context.Context, kind StageKind, name string, proc Processor) (NodeID, error) {
	if err := g.checkAffinity(ctx, "add"); err != nil {
		return NodeID{}, err
	}
	if proc == nil {
		proc = passthrough
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var idx uint32
	if n := len(g.free); n > 0 {
		idx = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		idx = uint32(len(g.slots))
		g.slots = append(g.slots, nil)
		g.gens = append(g.gens, 0)
	}
	g.gens[idx]++
	id := NodeID{index: idx, gen: g.gens[idx]}
	nd := &node{id: id, kind: kind, name: name, proc: proc}
	empty := []NodeID{}
	nd.consumers.Store(&empty)
	g.slots[idx] = nd
	g.log.WithFields(logrus.Fields{"node": id.String(), "kind": kind.String(), "name": name}).Debug("node added")
	return id, nil
}

// Remove destroys a node. The destroy listener runs first; the node is then
// stopped and unlinked from its source and consumers.
func (g *Graph) Remove(ctx context.Context, id NodeID) error {
	if err := g.checkAffinity(ctx, "remove"); err != nil {
		return err
	}
	g.mu.RLock()
	n := g.lookup(id)
	g.mu.RUnlock()
	if n == nil {
		return fmt.Errorf("%w: unknown %s", ErrInvalidArgument, id)
	}
	if g.listener != nil {
		g.listener.OnNodeWillDestroy(ctx, id, n.kind)
	}
	if n.running.Load() {
		g.stopNode(n)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if up := g.lookup(n.source); up != nil {
		g.detachConsumer(up, id)
	}
	for _, d := range n.downstream {
		if dn := g.lookup(d); dn != nil {
			dn.source = NodeID{}
		}
	}
	g.slots[id.index] = nil
	g.free = append(g.free, id.index)
	g.log.WithFields(logrus.Fields{"node": id.String(), "kind": n.kind.String()}).Debug("node removed")
	return nil
}

// AddSource links upstream as the single source of id. The node must be
// stopped; upstream may be running.
func (g *Graph) AddSource(ctx context.Context, id, upstream NodeID) error {
	if err := g.checkAffinity(ctx, "add source"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	n, up := g.lookup(id), g.lookup(upstream)
	if n == nil || up == nil {
		return fmt.Errorf("%w: unknown node linking %s <- %s", ErrInvalidArgument, id, upstream)
	}
	if n.running.Load() {
		return fmt.Errorf("%w: %s %q is running", ErrInvalidState, n.kind, n.name)
	}
	if n.source.Valid() {
		return fmt.Errorf("%w: %s %q already has a source", ErrInvalidState, n.kind, n.name)
	}
	if up.kind.terminal() {
		return fmt.Errorf("%w: %s %q cannot feed other nodes", ErrInvalidArgument, up.kind, up.name)
	}
	if up.kind != StageTee && len(up.downstream) > 0 {
		return fmt.Errorf("%w: only a tee fans out, %s %q already has a consumer", ErrInvalidState, up.kind, up.name)
	}
	for cur := up; cur != nil; cur = g.lookup(cur.source) {
		if cur.id == id {
			return fmt.Errorf("%w: linking %s <- %s creates a cycle", ErrInvalidArgument, id, upstream)
		}
	}

	n.source = upstream
	up.downstream = append(up.downstream, id)
	g.publish(up)
	return nil
}

// RemoveSource unlinks upstream from id. The node must be stopped.
func (g *Graph) RemoveSource(ctx context.Context, id, upstream NodeID) error {
	if err := g.checkAffinity(ctx, "remove source"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.lookup(id)
	if n == nil {
		return fmt.Errorf("%w: unknown %s", ErrInvalidArgument, id)
	}
	if n.running.Load() {
		return fmt.Errorf("%w: %s %q is running", ErrInvalidState, n.kind, n.name)
	}
	if n.source != upstream {
		return fmt.Errorf("%w: %s is not the source of %s", ErrInvalidArgument, upstream, id)
	}
	if up := g.lookup(upstream); up != nil {
		g.detachConsumer(up, id)
	}
	n.source = NodeID{}
	return nil
}

func (g *Graph) detachConsumer(up *node, id NodeID) {
	kept := make([]NodeID, 0, len(up.downstream))
	for _, d := range up.downstream {
		if d != id {
			kept = append(kept, d)
		}
	}
	up.downstream = kept
	g.publish(up)
}

func (g *Graph) publish(n *node) {
	snap := make([]NodeID, len(n.downstream))
	copy(snap, n.downstream)
	n.consumers.Store(&snap)
}

// Start marks a node running, starting its processor first if it has one.
func (g *Graph) Start(ctx context.Context, id NodeID) error {
	if err := g.checkAffinity(ctx, "start"); err != nil {
		return err
	}
	g.mu.RLock()
	n := g.lookup(id)
	g.mu.RUnlock()
	if n == nil {
		return fmt.Errorf("%w: unknown %s", ErrInvalidArgument, id)
	}
	if n.running.Load() {
		return nil
	}
	if s, ok := n.proc.(Starter); ok {
		if err := s.Start(); err != nil {
			return fmt.Errorf("%w: start %s %q: %v", ErrFailed, n.kind, n.name, err)
		}
	}
	n.running.Store(true)
	return nil
}

// Stop marks a node stopped. Frames delivered to a stopped node are dropped.
func (g *Graph) Stop(ctx context.Context, id NodeID) error {
	if err := g.checkAffinity(ctx, "stop"); err != nil {
		return err
	}
	g.mu.RLock()
	n := g.lookup(id)
	g.mu.RUnlock()
	if n == nil {
		return fmt.Errorf("%w: unknown %s", ErrInvalidArgument, id)
	}
	g.stopNode(n)
	return nil
}

func (g *Graph) stopNode(n *node) {
	if !n.running.Swap(false) {
		return
	}
	if s, ok := n.proc.(Starter); ok {
		if err := s.Stop(); err != nil {
			g.log.WithError(err).WithField("node", n.name).Warn("stage stop failed")
		}
	}
}

// Push delivers frame into node id: the node processes it and forwards its
// output to every consumer. A tee hands each consumer after the first its
// own copy.
func (g *Graph) Push(id NodeID, frame *VideoFrame) {
	g.mu.RLock()
	n := g.lookup(id)
	g.mu.RUnlock()
	if n == nil || frame == nil {
		return
	}
	n.in.Add(1)
	if !n.running.Load() {
		n.dropped.Add(1)
		return
	}

	if n.kind.terminal() {
		n.proc.Process(frame)
		n.out.Add(1)
		return
	}

	out, ok := frame, true
	if n.kind != StageTee {
		out, ok = n.proc.Process(frame)
	}
	if !ok || out == nil {
		n.dropped.Add(1)
		return
	}
	n.out.Add(1)

	consumers := *n.consumers.Load()
	for i, c := range consumers {
		f := out
		if n.kind == StageTee && i > 0 {
			f = out.Clone()
		}
		g.Push(c, f)
	}
}

// Running reports whether id is started.
func (g *Graph) Running(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := g.lookup(id)
	return n != nil && n.running.Load()
}

// Exists reports whether id resolves to a live node.
func (g *Graph) Exists(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lookup(id) != nil
}

// Kind returns the stage kind of id.
func (g *Graph) Kind(id NodeID) (StageKind, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := g.lookup(id)
	if n == nil {
		return 0, false
	}
	return n.kind, true
}

// Processor returns the processor of id.
func (g *Graph) Processor(id NodeID) Processor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n := g.lookup(id); n != nil {
		return n.proc
	}
	return nil
}

// Source returns the upstream of id.
func (g *Graph) Source(id NodeID) NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n := g.lookup(id); n != nil {
		return n.source
	}
	return NodeID{}
}

// Consumers returns the downstream nodes of id.
func (g *Graph) Consumers(id NodeID) []NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := g.lookup(id)
	if n == nil {
		return nil
	}
	out := make([]NodeID, len(n.downstream))
	copy(out, n.downstream)
	return out
}

// EdgeCount returns the number of source links in the graph.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, n := range g.slots {
		if n != nil && n.source.Valid() {
			count++
		}
	}
	return count
}

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, n := range g.slots {
		if n != nil {
			count++
		}
	}
	return count
}

// Stats returns the frame counters of id.
func (g *Graph) Stats(id NodeID) NodeStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := g.lookup(id)
	if n == nil {
		return NodeStats{}
	}
	return NodeStats{
		FramesIn:      n.in.Load(),
		FramesOut:     n.out.Load(),
		FramesDropped: n.dropped.Load(),
	}
}

// linkChain links ids in order (ids[i] becomes the source of ids[i+1]) and
// returns the number of links made. On failure the links made so far are
// undone.
func (g *Graph) linkChain(ctx context.Context, ids ...NodeID) (int, error) {
	for i := 1; i < len(ids); i++ {
		if err := g.AddSource(ctx, ids[i], ids[i-1]); err != nil {
			for j := i - 1; j >= 1; j-- {
				_ = g.RemoveSource(ctx, ids[j], ids[j-1])
			}
			return i - 1, err
		}
	}
	return len(ids) - 1, nil
}

// unlinkChain undoes linkChain. Missing links are ignored; every other link
// is removed even when some removals fail.
func (g *Graph) unlinkChain(ctx context.Context, ids ...NodeID) error {
	var result *multierror.Error
	for i := len(ids) - 1; i >= 1; i-- {
		if g.Source(ids[i]) != ids[i-1] {
			continue
		}
		if err := g.RemoveSource(ctx, ids[i], ids[i-1]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
