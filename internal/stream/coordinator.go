// Package stream coordinates one streamed completion at a time against a language model and projects
// the arriving fragments onto a conversation.
package stream

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/mood-chat/internal/conversation"
	"github.com/MegaGrindStone/mood-chat/internal/models"
)

// LLM opens a lazy sequence of completion fragments for a request. Stopping the iteration early, or
// cancelling ctx, must release the underlying transport. Transport failures are yielded as errors.
type LLM interface {
	Stream(ctx context.Context, req models.Request) iter.Seq2[models.Fragment, error]
}

// Action tells the caller of SubmitOrStop what the overloaded command did.
type Action int

const (
	// ActionNone means nothing happened, because the text was empty.
	ActionNone Action = iota
	// ActionSubmitted means a user message was appended and a stream was opened.
	ActionSubmitted
	// ActionStopped means a stream was in flight and a stop was requested instead.
	ActionStopped
)

const errLoggerKey = "err"

// Coordinator manages exactly one logical request/response cycle at a time for a conversation. The
// in-flight status is the mutual exclusion gate: while a task is running, no second task can start.
type Coordinator struct {
	llm      LLM
	store    *conversation.Store
	observer Observer
	logger   *slog.Logger

	mu        sync.Mutex
	status    models.Status
	statusSeq uint64
	options   models.Options
	task      *Task
	lastErr   error

	emitMu    sync.Mutex
	delivered uint64
}

// NewCoordinator creates a Coordinator streaming from llm into store. The observer may be nil.
func NewCoordinator(llm LLM, store *conversation.Store, observer Observer, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		llm:      llm,
		store:    store,
		observer: observer,
		logger:   logger.With(slog.String("module", "stream")),
	}
}

// Status returns the current stream status.
func (c *Coordinator) Status() models.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// Messages returns a snapshot of the conversation.
func (c *Coordinator) Messages() []models.Message {
	return c.store.Messages()
}

// Options returns the options used for the next request.
func (c *Coordinator) Options() models.Options {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.options
}

// SetOptions replaces the options used for subsequent requests. A request already in flight keeps
// the options it was opened with.
func (c *Coordinator) SetOptions(opts models.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.options = opts
}

// Task returns the handle of the in-flight task, or nil when idle.
func (c *Coordinator) Task() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.task
}

// LastError returns the transport error of the most recent task, or nil if it ended without one.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

// CanRegenerate reports whether Regenerate would start a task right now.
func (c *Coordinator) CanRegenerate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.status.InFlight() && regenerable(c.store.Messages())
}

// Submit appends a user message with text and opens a stream for the whole conversation.
// It returns ErrInFlight if a task is running and ErrEmptyMessage if text is empty; in both cases
// neither the conversation nor the status is touched.
func (c *Coordinator) Submit(text string) (*Task, error) {
	c.mu.Lock()
	if c.status.InFlight() {
		c.mu.Unlock()
		return nil, ErrInFlight
	}
	if text == "" {
		c.mu.Unlock()
		return nil, ErrEmptyMessage
	}

	msg := models.NewMessage(models.RoleUser, text)
	snapshot := c.store.Append(msg)
	t, statusEvent := c.start(snapshot)
	c.mu.Unlock()

	c.logger.Debug("Submitted message", slog.String("task", t.id), slog.Int("messages", len(snapshot)))

	c.emit(Event{Type: EventMessageAppended, Message: msg}, statusEvent)
	return t, nil
}

// SubmitOrStop is the overloaded submit affordance: while a stream is in flight it only requests a
// stop, otherwise it submits text. An empty text while idle is silently ignored.
func (c *Coordinator) SubmitOrStop(text string) (Action, error) {
	if c.RequestStop() {
		return ActionStopped, nil
	}

	_, err := c.Submit(text)
	switch err {
	case nil:
		return ActionSubmitted, nil
	case ErrEmptyMessage:
		return ActionNone, nil
	case ErrInFlight:
		// A task started between the stop check and the submit.
		if c.RequestStop() {
			return ActionStopped, nil
		}
		return ActionNone, err
	default:
		return ActionNone, err
	}
}

// RequestStop sets the cancellation flag of the in-flight task. Fragments arriving after this call
// are not applied. It reports false when there was nothing to stop.
func (c *Coordinator) RequestStop() bool {
	c.mu.Lock()
	t := c.task
	c.mu.Unlock()

	if t == nil {
		return false
	}
	return c.stopTask(t)
}

// Regenerate removes the last assistant message and streams a new reply for the shortened
// conversation, without appending a user message. It returns ErrCannotRegenerate unless the
// conversation has more than one message, ends with an assistant message, and no task is running.
func (c *Coordinator) Regenerate() (*Task, error) {
	c.mu.Lock()
	if c.status.InFlight() {
		c.mu.Unlock()
		return nil, ErrCannotRegenerate
	}

	var removed models.Message
	snapshot, ok := c.store.TruncateLast(func(msgs []models.Message) bool {
		if !regenerable(msgs) {
			return false
		}
		removed = msgs[len(msgs)-1]
		return true
	})
	if !ok {
		c.mu.Unlock()
		return nil, ErrCannotRegenerate
	}
	t, statusEvent := c.start(snapshot)
	c.mu.Unlock()

	c.logger.Debug("Regenerating reply", slog.String("task", t.id), slog.String("removed", removed.ID))

	c.emit(Event{Type: EventMessageRemoved, Message: removed}, statusEvent)
	return t, nil
}

func regenerable(msgs []models.Message) bool {
	return len(msgs) > 1 && msgs[len(msgs)-1].Role == models.RoleAssistant
}

// start must be called with c.mu held and the coordinator idle.
func (c *Coordinator) start(messages []models.Message) (*Task, Event) {
	ctx, cancel := context.WithCancel(context.Background())
	t := newTask(cancel, c.stopTask)

	c.task = t
	statusEvent := c.setStatus(models.StatusInitialWait)
	c.lastErr = nil

	req := models.Request{
		Options:  c.options,
		Messages: messages,
	}
	go c.run(ctx, t, req)

	return t, statusEvent
}

// setStatus must be called with c.mu held.
func (c *Coordinator) setStatus(status models.Status) Event {
	c.status = status
	c.statusSeq++
	return Event{Type: EventStatus, Status: status, seq: c.statusSeq}
}

func (c *Coordinator) stopTask(t *Task) bool {
	c.mu.Lock()
	if c.task != t || t.stopRequested {
		c.mu.Unlock()
		return false
	}
	t.stopRequested = true
	c.mu.Unlock()

	c.logger.Debug("Stop requested", slog.String("task", t.id))
	t.cancel()
	return true
}

func (c *Coordinator) run(ctx context.Context, t *Task, req models.Request) {
	defer c.finish(t)
	defer func() {
		if r := recover(); r != nil {
			t.setErr(fmt.Errorf("stream panicked: %v", r))
		}
	}()

	for fragment, err := range c.llm.Stream(ctx, req) {
		if err != nil {
			if c.stopped(t) {
				break
			}
			t.setErr(err)
			break
		}
		if !c.apply(t, fragment) {
			// Leaving the loop makes the transport close its response.
			break
		}
	}
}

func (c *Coordinator) stopped(t *Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return t.stopRequested
}

// apply projects one fragment onto the conversation. It reports false if the task was stopped, in
// which case the fragment is dropped. The first fragment opens the assistant message.
func (c *Coordinator) apply(t *Task, fragment models.Fragment) bool {
	var events []Event

	c.mu.Lock()
	if t.stopRequested {
		c.mu.Unlock()
		return false
	}

	if c.status == models.StatusInitialWait {
		msg := models.NewMessage(models.RoleAssistant, "")
		c.store.Append(msg)
		events = append(events,
			c.setStatus(models.StatusStreaming),
			Event{Type: EventMessageAppended, Message: msg},
		)
	}

	if text, ok := fragment.Text(); ok {
		msg, err := c.store.AppendToLast(text)
		if err != nil {
			c.logger.Warn("Failed to apply fragment", slog.String(errLoggerKey, err.Error()))
		} else {
			events = append(events, Event{Type: EventMessageUpdated, Message: msg})
		}
	}
	c.mu.Unlock()

	c.emit(events...)
	return true
}

func (c *Coordinator) finish(t *Task) {
	t.cancel()
	err := t.Err()

	var events []Event

	c.mu.Lock()
	stopped := t.stopRequested
	if c.task == t {
		c.task = nil
		c.lastErr = err
		events = append(events, c.setStatus(models.StatusIdle))
	}
	c.mu.Unlock()

	close(t.done)

	switch {
	case err != nil:
		c.logger.Error("Stream failed", slog.String("task", t.id), slog.String(errLoggerKey, err.Error()))
	case stopped:
		c.logger.Info("Stream stopped", slog.String("task", t.id))
	default:
		c.logger.Debug("Stream completed", slog.String("task", t.id))
	}

	if err != nil {
		events = append(events, Event{Type: EventError, Status: models.StatusIdle, Err: err})
	}
	c.emit(events...)
}

// emit delivers events one batch at a time. Batches from Submit and from the streaming goroutine
// race for emitMu, so a status event that lost the race to a newer transition is dropped.
func (c *Coordinator) emit(events ...Event) {
	if c.observer == nil {
		return
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	for _, e := range events {
		if e.Type == EventStatus {
			if e.seq < c.delivered {
				continue
			}
			c.delivered = e.seq
		}
		c.observer(e)
	}
}
