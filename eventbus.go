package rtctrack

import (
	"context"
	"reflect"
	"sync"
	"weak"

	"github.com/sirupsen/logrus"
)

// Handler receives events of type E on its target worker.
type Handler[E any] interface {
	OnEvent(ctx context.Context, event E)
}

// EventBus is a typed publish/subscribe registry.
//
// Handlers are held weakly: the bus never keeps a subscriber alive, and a
// collected subscriber is pruned on the next Post of its event type. Events
// are always delivered by posting to the handler's target worker, so a
// publisher never runs subscriber code.
type EventBus struct {
	defaultWorker *Worker
	log           *logrus.Entry

	mu       sync.Mutex
	handlers map[reflect.Type][]registration
}

type registration struct {
	key     any // weak.Pointer of the handler
	resolve func() (any, bool)
	target  *Worker
}

// NewEventBus creates a bus delivering to defaultWorker when neither the
// registration nor the registering context names a worker.
func NewEventBus(defaultWorker *Worker, log *logrus.Entry) *EventBus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EventBus{
		defaultWorker: defaultWorker,
		log:           log.WithField("component", "eventbus"),
		handlers:      make(map[reflect.Type][]registration),
	}
}

// AddHandler registers h for events of type E. A live registration of the
// same handler makes the call a no-op. With a nil target the handler runs on
// the worker executing ctx, or on the bus default worker.
func AddHandler[E any, T any, P interface {
	*T
	Handler[E]
}](ctx context.Context, bus *EventBus, h P, target *Worker) {
	if target == nil {
		target = WorkerFromContext(ctx)
	}
	if target == nil {
		target = bus.defaultWorker
	}
	wp := weak.Make((*T)(h))
	typ := reflect.TypeFor[E]()

	bus.mu.Lock()
	defer bus.mu.Unlock()
	for _, r := range bus.handlers[typ] {
		if r.key == any(wp) {
			if _, alive := r.resolve(); alive {
				bus.log.WithField("event", typ.String()).Debug("handler already registered")
				return
			}
		}
	}
	bus.handlers[typ] = append(bus.handlers[typ], registration{
		key: wp,
		resolve: func() (any, bool) {
			p := wp.Value()
			if p == nil {
				return nil, false
			}
			return P(p), true
		},
		target: target,
	})
}

// RemoveHandler unregisters h for events of type E. Removing a handler that
// is not registered is a no-op.
func RemoveHandler[E any, T any, P interface {
	*T
	Handler[E]
}](bus *EventBus, h P) {
	wp := weak.Make((*T)(h))
	typ := reflect.TypeFor[E]()

	bus.mu.Lock()
	defer bus.mu.Unlock()
	regs := bus.handlers[typ]
	kept := regs[:0]
	for _, r := range regs {
		if r.key != any(wp) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(bus.handlers, typ)
		return
	}
	bus.handlers[typ] = kept
}

// Post delivers a copy of event to every live handler of type E and returns
// the number of handlers it was posted to.
func Post[E any](bus *EventBus, event E) int {
	typ := reflect.TypeFor[E]()

	type delivery struct {
		h      Handler[E]
		target *Worker
	}
	var out []delivery

	bus.mu.Lock()
	regs := bus.handlers[typ]
	live := make([]registration, 0, len(regs))
	for _, r := range regs {
		h, ok := r.resolve()
		if !ok {
			continue
		}
		live = append(live, r)
		out = append(out, delivery{h: h.(Handler[E]), target: r.target})
	}
	if len(live) == 0 {
		delete(bus.handlers, typ)
	} else {
		bus.handlers[typ] = live
	}
	bus.mu.Unlock()

	for _, d := range out {
		h, ev := d.h, event
		if err := d.target.Post(func(ctx context.Context) { h.OnEvent(ctx, ev) }); err != nil {
			bus.log.WithError(err).WithField("event", typ.String()).Debug("event dropped")
		}
	}
	return len(out)
}

// HandlerCount returns the number of registrations for E, including expired
// ones not yet pruned.
func HandlerCount[E any](bus *EventBus) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return len(bus.handlers[reflect.TypeFor[E]()])
}
