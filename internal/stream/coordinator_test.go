package stream_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/mood-chat/internal/conversation"
	"github.com/MegaGrindStone/mood-chat/internal/models"
	"github.com/MegaGrindStone/mood-chat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLLM yields scripted fragments. When gate is set, every fragment waits for a value on it.
type mockLLM struct {
	fragments     []models.Fragment
	err           error
	gate          chan struct{}
	ignoreContext bool
	panicMsg      string

	mu       sync.Mutex
	requests []models.Request
	released chan struct{}
}

func newMockLLM(fragments ...models.Fragment) *mockLLM {
	return &mockLLM{
		fragments: fragments,
		released:  make(chan struct{}, 8),
	}
}

func (m *mockLLM) Stream(ctx context.Context, req models.Request) iter.Seq2[models.Fragment, error] {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	return func(yield func(models.Fragment, error) bool) {
		defer func() { m.released <- struct{}{} }()

		if m.panicMsg != "" {
			panic(m.panicMsg)
		}

		for _, f := range m.fragments {
			if m.gate != nil {
				if m.ignoreContext {
					<-m.gate
				} else {
					select {
					case <-ctx.Done():
						return
					case <-m.gate:
					}
				}
			}
			if !yield(f, nil) {
				return
			}
		}
		if m.err != nil {
			yield(models.Fragment{}, m.err)
		}
	}
}

func (m *mockLLM) lastRequest(t *testing.T) models.Request {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	require.NotEmpty(t, m.requests)
	return m.requests[len(m.requests)-1]
}

func (m *mockLLM) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.requests)
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) observe(e stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *recorder) count(typ stream.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) statuses() []models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var statuses []models.Status
	for _, e := range r.events {
		if e.Type == stream.EventStatus {
			statuses = append(statuses, e.Status)
		}
	}
	return statuses
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(llm stream.LLM) (*stream.Coordinator, *conversation.Store, *recorder) {
	store := conversation.NewStore()
	rec := &recorder{}
	return stream.NewCoordinator(llm, store, rec.observe, testLogger()), store, rec
}

func wait(t *testing.T, task *stream.Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task did not finish")
	return err
}

func lastContent(store *conversation.Store) string {
	last, _ := store.Last()
	return last.Content
}

func nilDelta() models.Fragment {
	return models.Fragment{Choices: []models.FragmentChoice{{}}}
}

func TestSubmitStreamsHello(t *testing.T) {
	llm := newMockLLM(models.TextFragment("Hel"), models.TextFragment("lo"))
	llm.gate = make(chan struct{})
	c, store, _ := newCoordinator(llm)

	task, err := c.Submit("Hi")
	require.NoError(t, err)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[1].Role)
	assert.Equal(t, "Hi", msgs[1].Content)
	assert.Equal(t, models.StatusInitialWait, c.Status())

	llm.gate <- struct{}{}
	require.Eventually(t, func() bool { return lastContent(store) == "Hel" }, time.Second, time.Millisecond)
	assert.Equal(t, models.StatusStreaming, c.Status())
	last, _ := store.Last()
	assert.Equal(t, models.RoleAssistant, last.Role)

	llm.gate <- struct{}{}
	require.NoError(t, wait(t, task))

	msgs = store.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.Greeting, msgs[0].Content)
	assert.Equal(t, "Hello", msgs[2].Content)
	assert.Equal(t, models.StatusIdle, c.Status())
	assert.Nil(t, c.Task())
}

func TestFragmentsConcatenateInOrder(t *testing.T) {
	tests := []struct {
		name      string
		fragments []models.Fragment
		want      string
	}{
		{
			name:      "single fragment",
			fragments: []models.Fragment{models.TextFragment("only")},
			want:      "only",
		},
		{
			name: "many fragments",
			fragments: []models.Fragment{
				models.TextFragment("The "), models.TextFragment("quick "),
				models.TextFragment("brown "), models.TextFragment("fox"),
			},
			want: "The quick brown fox",
		},
		{
			name: "missing and empty deltas contribute nothing",
			fragments: []models.Fragment{
				nilDelta(), models.TextFragment("a"), {}, models.TextFragment(""),
				models.TextFragment("b"), nilDelta(),
			},
			want: "ab",
		},
		{
			name:      "first fragment without delta still opens the reply",
			fragments: []models.Fragment{nilDelta()},
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store, _ := newCoordinator(newMockLLM(tt.fragments...))

			task, err := c.Submit("go")
			require.NoError(t, err)
			require.NoError(t, wait(t, task))

			msgs := store.Messages()
			require.Len(t, msgs, 3)
			assert.Equal(t, models.RoleAssistant, msgs[2].Role)
			assert.Equal(t, tt.want, msgs[2].Content)
		})
	}
}

func TestEmptyStreamAppendsNoReply(t *testing.T) {
	c, store, _ := newCoordinator(newMockLLM())

	task, err := c.Submit("hello?")
	require.NoError(t, err)
	require.NoError(t, wait(t, task))

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, models.StatusIdle, c.Status())
}

func TestEmptySubmitIsNoop(t *testing.T) {
	llm := newMockLLM(models.TextFragment("x"))
	c, store, rec := newCoordinator(llm)
	before := store.Messages()

	task, err := c.Submit("")

	assert.Nil(t, task)
	assert.ErrorIs(t, err, stream.ErrEmptyMessage)
	assert.Equal(t, before, store.Messages())
	assert.Equal(t, models.StatusIdle, c.Status())
	assert.Zero(t, llm.requestCount())
	assert.Zero(t, rec.count(stream.EventStatus))

	action, err := c.SubmitOrStop("")
	require.NoError(t, err)
	assert.Equal(t, stream.ActionNone, action)
	assert.Equal(t, before, store.Messages())
}

func TestSubmitWhileInFlightOnlyStops(t *testing.T) {
	llm := newMockLLM(models.TextFragment("one"), models.TextFragment("two"))
	llm.gate = make(chan struct{})
	c, store, _ := newCoordinator(llm)

	task, err := c.Submit("first")
	require.NoError(t, err)

	_, err = c.Submit("second")
	assert.ErrorIs(t, err, stream.ErrInFlight)
	assert.Equal(t, 2, store.Len())

	action, err := c.SubmitOrStop("second")
	require.NoError(t, err)
	assert.Equal(t, stream.ActionStopped, action)

	require.NoError(t, wait(t, task))
	assert.Equal(t, 1, llm.requestCount())
	assert.Equal(t, 2, store.Len(), "no second user message and no reply")
	assert.Equal(t, models.StatusIdle, c.Status())
}

func TestStopRetainsPartialContent(t *testing.T) {
	tests := []struct {
		name          string
		ignoreContext bool
	}{
		{name: "context aware transport"},
		{name: "transport polled at fragment boundaries", ignoreContext: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := newMockLLM(
				models.TextFragment("a"), models.TextFragment("b"), models.TextFragment("c"),
				models.TextFragment("d"), models.TextFragment("e"),
			)
			llm.gate = make(chan struct{}, 5)
			llm.ignoreContext = tt.ignoreContext
			c, store, _ := newCoordinator(llm)

			task, err := c.Submit("letters")
			require.NoError(t, err)

			llm.gate <- struct{}{}
			llm.gate <- struct{}{}
			require.Eventually(t, func() bool { return lastContent(store) == "ab" }, time.Second, time.Millisecond)

			require.True(t, c.RequestStop())
			// The source would produce the rest if asked.
			for range 3 {
				llm.gate <- struct{}{}
			}

			require.NoError(t, wait(t, task))
			assert.Equal(t, "ab", lastContent(store))
			assert.Equal(t, models.StatusIdle, c.Status())
			assert.NoError(t, c.LastError())

			select {
			case <-llm.released:
			case <-time.After(time.Second):
				t.Fatal("transport was not released")
			}
		})
	}
}

func TestStopDuringInitialWait(t *testing.T) {
	llm := newMockLLM(models.TextFragment("late"))
	llm.gate = make(chan struct{}, 1)
	c, store, _ := newCoordinator(llm)

	task, err := c.Submit("hi")
	require.NoError(t, err)
	require.True(t, task.Cancel())
	assert.False(t, task.Cancel(), "second cancel is a no-op")
	llm.gate <- struct{}{}

	require.NoError(t, wait(t, task))
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, models.RoleUser, store.Messages()[1].Role)
}

func TestStopWhenIdle(t *testing.T) {
	llm := newMockLLM(models.TextFragment("fresh"))
	c, store, _ := newCoordinator(llm)

	assert.False(t, c.RequestStop())

	// A stop requested while idle must not leak into the next stream.
	task, err := c.Submit("hi")
	require.NoError(t, err)
	require.NoError(t, wait(t, task))
	assert.Equal(t, "fresh", lastContent(store))
}

func TestRegenerate(t *testing.T) {
	llm := newMockLLM(models.TextFragment("first"))
	c, store, rec := newCoordinator(llm)

	task, err := c.Submit("question")
	require.NoError(t, err)
	require.NoError(t, wait(t, task))
	require.True(t, c.CanRegenerate())

	llm.fragments = []models.Fragment{models.TextFragment("second")}
	task, err = c.Regenerate()
	require.NoError(t, err)
	require.NoError(t, wait(t, task))

	msgs := store.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "question", msgs[1].Content)
	assert.Equal(t, "second", msgs[2].Content)

	req := llm.lastRequest(t)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, models.RoleUser, req.Messages[1].Role)
	assert.Equal(t, 1, rec.count(stream.EventMessageRemoved))
}

func TestRegeneratePreconditions(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
	}{
		{
			name:     "only the greeting",
			messages: []models.Message{models.NewMessage(models.RoleAssistant, conversation.Greeting)},
		},
		{
			name: "last message from user",
			messages: []models.Message{
				models.NewMessage(models.RoleAssistant, conversation.Greeting),
				models.NewMessage(models.RoleUser, "unanswered"),
			},
		},
		{
			name: "empty conversation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := newMockLLM(models.TextFragment("x"))
			c, store, _ := newCoordinator(llm)
			store.Replace(tt.messages)

			assert.False(t, c.CanRegenerate())
			task, err := c.Regenerate()
			assert.Nil(t, task)
			assert.ErrorIs(t, err, stream.ErrCannotRegenerate)
			assert.Len(t, store.Messages(), len(tt.messages))
			assert.Equal(t, models.StatusIdle, c.Status())
			assert.Zero(t, llm.requestCount())
		})
	}
}

func TestRegenerateWhileInFlight(t *testing.T) {
	llm := newMockLLM(models.TextFragment("x"))
	llm.gate = make(chan struct{}, 1)
	c, store, _ := newCoordinator(llm)
	store.Replace([]models.Message{
		models.NewMessage(models.RoleAssistant, conversation.Greeting),
		models.NewMessage(models.RoleUser, "q"),
		models.NewMessage(models.RoleAssistant, "a"),
	})

	task, err := c.Submit("again")
	require.NoError(t, err)

	_, err = c.Regenerate()
	assert.ErrorIs(t, err, stream.ErrCannotRegenerate)
	assert.Equal(t, 4, store.Len())

	llm.gate <- struct{}{}
	require.NoError(t, wait(t, task))
}

func TestRequestIsSnapshot(t *testing.T) {
	llm := newMockLLM(models.TextFragment("x"))
	llm.gate = make(chan struct{}, 1)
	c, store, _ := newCoordinator(llm)
	c.SetOptions(models.Options{Mood: "happy", Character: "Pirate", Model: "m1", Credential: "key"})

	task, err := c.Submit("hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return llm.requestCount() == 1 }, time.Second, time.Millisecond)

	c.SetOptions(models.Options{Mood: "sad"})
	store.Replace(nil)
	llm.gate <- struct{}{}
	require.NoError(t, wait(t, task))

	req := llm.lastRequest(t)
	assert.Equal(t, "happy", req.Options.Mood)
	assert.Equal(t, "Pirate", req.Options.Character)
	assert.Equal(t, "key", req.Options.Credential)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "hi", req.Messages[1].Content)
}

func TestTransportErrorLeavesIdle(t *testing.T) {
	boom := errors.New("connection reset")
	llm := newMockLLM(models.TextFragment("part"), models.TextFragment("ial"))
	llm.err = boom
	c, store, rec := newCoordinator(llm)

	task, err := c.Submit("hi")
	require.NoError(t, err)

	err = wait(t, task)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, c.LastError(), boom)
	assert.Equal(t, "partial", lastContent(store))
	assert.Equal(t, models.StatusIdle, c.Status())
	require.Eventually(t, func() bool { return rec.count(stream.EventError) == 1 }, time.Second, time.Millisecond)

	// Recoverable with an explicit new submit.
	llm.err = nil
	llm.fragments = []models.Fragment{models.TextFragment("ok")}
	task, err = c.Submit("retry")
	require.NoError(t, err)
	require.NoError(t, wait(t, task))
	assert.Equal(t, "ok", lastContent(store))
	assert.NoError(t, c.LastError())
}

func TestTransportPanicDoesNotCrash(t *testing.T) {
	llm := newMockLLM()
	llm.panicMsg = "decoder exploded"
	c, _, _ := newCoordinator(llm)

	task, err := c.Submit("hi")
	require.NoError(t, err)

	err = wait(t, task)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "decoder exploded"))
	assert.Equal(t, models.StatusIdle, c.Status())
}

func TestEventsFollowLifecycle(t *testing.T) {
	llm := newMockLLM(models.TextFragment("a"), models.TextFragment("b"))
	llm.gate = make(chan struct{}, 2)
	c, _, rec := newCoordinator(llm)

	task, err := c.Submit("hi")
	require.NoError(t, err)
	llm.gate <- struct{}{}
	llm.gate <- struct{}{}
	require.NoError(t, wait(t, task))

	require.Eventually(t, func() bool { return rec.count(stream.EventStatus) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []models.Status{models.StatusInitialWait, models.StatusStreaming, models.StatusIdle}, rec.statuses())
	assert.Equal(t, 2, rec.count(stream.EventMessageAppended))
	assert.Equal(t, 2, rec.count(stream.EventMessageUpdated))
	assert.Zero(t, rec.count(stream.EventError))
}

func TestSlowObserverSeesStatusInOrder(t *testing.T) {
	statusRank := map[models.Status]int{
		models.StatusInitialWait: 0,
		models.StatusStreaming:   1,
		models.StatusIdle:        2,
	}

	for i := range 20 {
		llm := newMockLLM(models.TextFragment("x"))
		rec := &recorder{}
		var once sync.Once
		observer := func(e stream.Event) {
			once.Do(func() { time.Sleep(50 * time.Millisecond) })
			rec.observe(e)
		}
		c := stream.NewCoordinator(llm, conversation.NewStore(), observer, testLogger())

		task, err := c.Submit("hi")
		require.NoError(t, err)
		require.NoError(t, wait(t, task))

		require.Eventually(t, func() bool {
			statuses := rec.statuses()
			return len(statuses) > 0 && statuses[len(statuses)-1] == models.StatusIdle
		}, time.Second, time.Millisecond, "run %d", i)

		// Submit has returned, so nothing older can still be on its way.
		statuses := rec.statuses()
		assert.Equal(t, c.Status(), statuses[len(statuses)-1], "run %d", i)
		for j := 1; j < len(statuses); j++ {
			assert.Less(t, statusRank[statuses[j-1]], statusRank[statuses[j]], "run %d: %v", i, statuses)
		}
	}
}

func TestSlowObserverAcrossRegenerate(t *testing.T) {
	llm := newMockLLM(models.TextFragment("x"))
	rec := &recorder{}
	observer := func(e stream.Event) {
		if e.Type == stream.EventMessageRemoved {
			time.Sleep(50 * time.Millisecond)
		}
		rec.observe(e)
	}
	c := stream.NewCoordinator(llm, conversation.NewStore(), observer, testLogger())

	task, err := c.Submit("hi")
	require.NoError(t, err)
	require.NoError(t, wait(t, task))

	task, err = c.Regenerate()
	require.NoError(t, err)
	require.NoError(t, wait(t, task))

	require.Eventually(t, func() bool {
		statuses := rec.statuses()
		return len(statuses) > 0 && statuses[len(statuses)-1] == models.StatusIdle
	}, time.Second, time.Millisecond)
	assert.Equal(t, models.StatusIdle, c.Status())
}

func TestCoordinatorsAreIndependent(t *testing.T) {
	slow := newMockLLM(models.TextFragment("slow"))
	slow.gate = make(chan struct{}, 1)
	fast := newMockLLM(models.TextFragment("fast"))

	a, storeA, _ := newCoordinator(slow)
	b, storeB, _ := newCoordinator(fast)

	taskA, err := a.Submit("a")
	require.NoError(t, err)
	taskB, err := b.Submit("b")
	require.NoError(t, err)

	require.NoError(t, wait(t, taskB))
	assert.True(t, a.Status().InFlight())

	slow.gate <- struct{}{}
	require.NoError(t, wait(t, taskA))
	assert.Equal(t, "slow", lastContent(storeA))
	assert.Equal(t, "fast", lastContent(storeB))
}
