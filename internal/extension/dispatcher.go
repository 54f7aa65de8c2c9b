package extension

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// task is a closure queued for the registry thread.
type task struct {
	id   uuid.UUID
	name string
	fn   func(ctx context.Context)
	done chan struct{}
	ran  bool
}

type loopKey struct{}

// dispatcher is the registry thread: one goroutine draining an unbounded FIFO
// of closures. Every registry mutation and every manager-driven extension
// transition runs here, one at a time, in submission order.
type dispatcher struct {
	logger  *slog.Logger
	metrics *hostMetrics

	mu      sync.Mutex
	queue   []*task
	started bool
	closed  bool

	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
}

func newDispatcher(logger *slog.Logger, metrics *hostMetrics) *dispatcher {
	return &dispatcher{
		logger:  logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// start binds the dispatcher to its goroutine. It fails if already started.
func (d *dispatcher) start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return ErrAlreadyInitialized
	}
	d.started = true
	go d.run(context.WithValue(context.WithoutCancel(ctx), loopKey{}, d))
	return nil
}

// onLoop reports whether ctx belongs to a task running on this dispatcher.
func (d *dispatcher) onLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*dispatcher)
	return owner == d
}

func (d *dispatcher) enqueue(name string, fn func(context.Context)) (*task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return nil, ErrClosed
	case !d.started:
		return nil, ErrNotInitialized
	}
	t := &task{id: uuid.New(), name: name, fn: fn, done: make(chan struct{})}
	d.queue = append(d.queue, t)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return t, nil
}

// post queues fn without waiting for it.
func (d *dispatcher) post(name string, fn func(context.Context)) error {
	_, err := d.enqueue(name, fn)
	return err
}

// submit queues fn and waits until it has run. Called from a task already on
// the loop, fn runs inline.
func (d *dispatcher) submit(ctx context.Context, name string, fn func(context.Context)) error {
	if d.onLoop(ctx) {
		fn(ctx)
		return nil
	}
	t, err := d.enqueue(name, fn)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		if !t.ran {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) next() *task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	t := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return t
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.stopped)
	for {
		select {
		case <-d.quit:
			d.abandon()
			return
		default:
		}

		t := d.next()
		if t == nil {
			select {
			case <-d.wake:
				continue
			case <-d.quit:
				d.abandon()
				return
			}
		}
		d.exec(ctx, t)
	}
}

func (d *dispatcher) exec(ctx context.Context, t *task) {
	defer close(t.done)
	defer d.metrics.timeTask()()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("registry task panicked", "task", t.name, "task_id", t.id, "panic", fmt.Sprint(r))
		}
	}()
	d.logger.Debug("registry task", "task", t.name, "task_id", t.id)
	t.ran = true
	t.fn(ctx)
}

// abandon releases waiters of tasks that will never run.
func (d *dispatcher) abandon() {
	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()
	for _, t := range pending {
		close(t.done)
	}
}

// stop refuses new tasks, lets the running task finish and drops the rest.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	close(d.quit)
	if started {
		<-d.stopped
	}
}
