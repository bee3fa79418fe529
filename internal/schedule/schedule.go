// Package schedule provides cancellable scheduled tasks behind a Clock so that
// owners can stop every pending timer on exit and tests can drive time by hand.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Task is a handle to a scheduled callback.
type Task interface {
	// Stop cancels the task. It reports whether the call prevented the
	// callback from running.
	Stop() bool
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Task
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// Sleep blocks for d on clock c or until ctx is done. The underlying task is
// always stopped before Sleep returns.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fired := make(chan struct{})
	t := c.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Stop()
		return context.Cause(ctx)
	}
}

// Tasks tracks the pending tasks of one owner. Fired tasks remove themselves,
// so Len reports what is still scheduled.
type Tasks struct {
	clock Clock

	mu      sync.Mutex
	nextID  int
	pending map[int]Task
}

// NewTasks creates an empty registry scheduling on c.
func NewTasks(c Clock) *Tasks {
	return &Tasks{clock: c, pending: make(map[int]Task)}
}

// After schedules f after d and records the handle.
func (ts *Tasks) After(d time.Duration, f func()) Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	id := ts.nextID
	ts.nextID++
	t := ts.clock.AfterFunc(d, func() {
		ts.mu.Lock()
		_, live := ts.pending[id]
		delete(ts.pending, id)
		ts.mu.Unlock()
		if live {
			f()
		}
	})
	ts.pending[id] = &trackedTask{owner: ts, id: id, inner: t}
	return ts.pending[id]
}

// Every runs f every d until the returned task is stopped.
func (ts *Tasks) Every(d time.Duration, f func()) Task {
	r := &repeating{owner: ts, every: d, fn: f}
	r.arm()
	return r
}

// StopAll cancels every pending task and returns how many were cancelled.
func (ts *Tasks) StopAll() int {
	ts.mu.Lock()
	pending := ts.pending
	ts.pending = make(map[int]Task)
	ts.mu.Unlock()

	n := 0
	for _, t := range pending {
		if t.(*trackedTask).inner.Stop() {
			n++
		}
	}
	return n
}

// Len reports the number of tasks still scheduled.
func (ts *Tasks) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.pending)
}

type trackedTask struct {
	owner *Tasks
	id    int
	inner Task
}

func (t *trackedTask) Stop() bool {
	t.owner.mu.Lock()
	delete(t.owner.pending, t.id)
	t.owner.mu.Unlock()
	return t.inner.Stop()
}

type repeating struct {
	owner *Tasks
	every time.Duration
	fn    func()

	mu      sync.Mutex
	stopped bool
	current Task
}

func (r *repeating) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.current = r.owner.After(r.every, func() {
		r.mu.Lock()
		stopped := r.stopped
		r.mu.Unlock()
		if stopped {
			return
		}
		r.fn()
		r.arm()
	})
}

func (r *repeating) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.current != nil {
		return r.current.Stop()
	}
	return false
}
