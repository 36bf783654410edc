package rtctrack

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

// VideoObserver receives track notifications. Callbacks run on the engine
// callback worker, never on the caller of a track method.
type VideoObserver interface {
	OnLocalVideoStateChanged(trackID string, state LocalVideoState, code LocalVideoError, tsMs int64)
	OnRemoteVideoStateChanged(uid, trackID string, state RemoteVideoState, reason Reason, tsMs int64)
	OnFirstVideoFrameRendered(uid, trackID string, width, height int, elapsedMs int64)
	OnFirstVideoFrameDecoded(uid, trackID string, width, height int, elapsedMs int64)
	OnSourceVideoSizeChanged(trackID string, width, height int, rotation Rotation)
	OnRecvSideDelay(uid, trackID string, delayMs int)
}

// BaseVideoObserver implements VideoObserver with no-ops, for embedding.
type BaseVideoObserver struct{}

func (BaseVideoObserver) OnLocalVideoStateChanged(string, LocalVideoState, LocalVideoError, int64) {}
func (BaseVideoObserver) OnRemoteVideoStateChanged(string, string, RemoteVideoState, Reason, int64) {
}
func (BaseVideoObserver) OnFirstVideoFrameRendered(string, string, int, int, int64) {}
func (BaseVideoObserver) OnFirstVideoFrameDecoded(string, string, int, int, int64)  {}
func (BaseVideoObserver) OnSourceVideoSizeChanged(string, int, int, Rotation)       {}
func (BaseVideoObserver) OnRecvSideDelay(string, string, int)                       {}

// ObserverSet fans notifications out to registered observers on one
// worker.
type ObserverSet struct {
	worker *Worker
	log    *logrus.Entry

	mu        sync.RWMutex
	observers []VideoObserver
}

// NewObserverSet creates a set delivering on worker.
func NewObserverSet(worker *Worker, log *logrus.Entry) *ObserverSet {
	return &ObserverSet{worker: worker, log: log}
}

// Add registers o. Adding a registered observer is a no-op. Observers are
// matched by identity, so o must be of a comparable type such as a pointer.
func (s *ObserverSet) Add(o VideoObserver) error {
	if o == nil || !isComparable(o) {
		return fmt.Errorf("%w: observer must be a non-nil comparable value", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.ContainsFunc(s.observers, func(x VideoObserver) bool { return sameInstance(x, o) }) {
		s.observers = append(s.observers, o)
	}
	return nil
}

// Remove unregisters o.
func (s *ObserverSet) Remove(o VideoObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = slices.DeleteFunc(s.observers, func(x VideoObserver) bool { return sameInstance(x, o) })
}

// Len returns the number of observers.
func (s *ObserverSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

func (s *ObserverSet) notify(fn func(o VideoObserver)) {
	s.mu.RLock()
	obs := slices.Clone(s.observers)
	s.mu.RUnlock()
	if len(obs) == 0 {
		return
	}
	err := s.worker.Post(func(context.Context) {
		for _, o := range obs {
			fn(o)
		}
	})
	if err != nil {
		s.log.WithError(err).Debug("observer notification dropped")
	}
}
