package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Task is the handle of one request/response cycle. Cancelling it stops fragment consumption and
// closes the underlying transport; text already applied stays in the conversation.
type Task struct {
	id     string
	cancel context.CancelFunc
	stop   func(*Task) bool
	done   chan struct{}

	mu  sync.Mutex
	err error

	// Guarded by the owning coordinator's mutex.
	stopRequested bool
}

func newTask(cancel context.CancelFunc, stop func(*Task) bool) *Task {
	return &Task{
		id:     uuid.New().String(),
		cancel: cancel,
		stop:   stop,
		done:   make(chan struct{}),
	}
}

// ID returns the unique identifier of the task.
func (t *Task) ID() string {
	return t.id
}

// Cancel requests the task to stop. It reports false if the task had already finished.
func (t *Task) Cancel() bool {
	return t.stop(t)
}

// Done returns a channel that is closed once the task has finished and the coordinator is idle again.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done, and returns the transport error of the task,
// if any.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.Err()
	}
}

// Err returns the transport error that ended the task. It is nil for tasks that completed or were
// cancelled.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.err = err
}
