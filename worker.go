package rtctrack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a unit of work queued on a Worker. The context carries the worker
// executing the task.
type Task func(ctx context.Context)

type workerKey struct{}

// WorkerFromContext returns the worker executing the current task, or nil
// when ctx does not originate from a worker task.
func WorkerFromContext(ctx context.Context) *Worker {
	if ctx == nil {
		return nil
	}
	w, _ := ctx.Value(workerKey{}).(*Worker)
	return w
}

// Worker is a cooperative FIFO task queue bound to one goroutine.
//
// Tasks run in submission order. Post never blocks; SyncCall blocks the
// caller until the task has run. Control-plane calls must flow in one
// direction only: SyncCall detects a call into a worker that is itself
// blocked waiting on the caller and fails with ErrDeadlock.
type Worker struct {
	name string
	ctx  context.Context
	log  *logrus.Entry

	mu     sync.Mutex
	queue  []Task
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// waitingOn is the worker this worker is blocked on in SyncCall.
	waitingOn atomic.Pointer[Worker]
	executed  atomic.Uint64
}

// NewWorker creates a worker and starts its goroutine.
func NewWorker(name string, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &Worker{
		name: name,
		log:  log.WithField("worker", name),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	w.ctx = context.WithValue(context.Background(), workerKey{}, w)
	go w.loop()
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// IsCurrent reports whether ctx belongs to a task running on w.
func (w *Worker) IsCurrent(ctx context.Context) bool {
	return WorkerFromContext(ctx) == w
}

// Executed returns the number of tasks run so far.
func (w *Worker) Executed() uint64 { return w.executed.Load() }

// Post queues task without waiting for it.
func (w *Worker) Post(task Task) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerClosed, w.name)
	}
	w.queue = append(w.queue, task)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// PostDelayed queues task after d. The returned function cancels the timer
// if it has not fired yet.
func (w *Worker) PostDelayed(d time.Duration, task Task) (cancel func()) {
	t := time.AfterFunc(d, func() {
		if err := w.Post(task); err != nil {
			w.log.WithError(err).Debug("delayed task dropped")
		}
	})
	return func() { t.Stop() }
}

// Every queues task once per interval until the returned stop function is
// called or the worker is closed. Each tick is an ordinary queued task.
func (w *Worker) Every(interval time.Duration, task Task) (stop func()) {
	quit := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-w.done:
				return
			case <-ticker.C:
				if err := w.Post(task); err != nil {
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(quit) }) }
}

// SyncCall runs fn on w and blocks until it returns. A call made from a task
// already running on w runs fn inline.
func (w *Worker) SyncCall(ctx context.Context, fn func(ctx context.Context) error) error {
	caller := WorkerFromContext(ctx)
	if caller == w {
		return fn(ctx)
	}
	if caller != nil {
		for next := w; next != nil; next = next.waitingOn.Load() {
			if next == caller {
				return fmt.Errorf("%w: %s -> %s", ErrDeadlock, caller.name, w.name)
			}
		}
		caller.waitingOn.Store(w)
		defer caller.waitingOn.Store(nil)
	}

	done := make(chan error, 1)
	err := w.Post(func(tctx context.Context) {
		done <- w.guard(tctx, fn)
	})
	if err != nil {
		return err
	}
	if ctx == nil {
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncCallValue is SyncCall for functions returning a value.
func SyncCallValue[T any](ctx context.Context, w *Worker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := w.SyncCall(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Close stops accepting tasks, runs the tasks already queued and waits for
// the worker goroutine to exit. It must not be called from a task running
// on w.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
	return nil
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, task := range batch {
			w.run(task)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *Worker) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("task panicked")
		}
		w.executed.Add(1)
	}()
	task(w.ctx)
}

func (w *Worker) guard(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("sync call panicked")
			err = fmt.Errorf("%w: panic in %s: %v", ErrFailed, w.name, r)
		}
	}()
	return fn(ctx)
}
