package reactor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	r, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// runReactor runs r on its own goroutine and waits for it to return.
func runReactor(t *testing.T, r *Reactor, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout + 5*time.Second):
		t.Fatal("reactor did not stop")
		return nil
	}
}

func TestTaskOrdering(t *testing.T) {
	var tests = []struct {
		name     string
		delays   []time.Duration
		advance  time.Duration
		expected []int
	}{
		{
			name:     "earliest first",
			delays:   []time.Duration{30 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond},
			advance:  time.Second,
			expected: []int{1, 2, 0},
		},
		{
			name:     "equal fire times keep insertion order",
			delays:   []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 0, 10 * time.Millisecond},
			advance:  time.Second,
			expected: []int{2, 0, 1, 3},
		},
		{
			name:     "tasks not yet due stay queued",
			delays:   []time.Duration{5 * time.Millisecond, time.Minute},
			advance:  10 * time.Millisecond,
			expected: []int{0},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1000, 0)}
			r := newTestReactor(t, WithClock(clock.Now))

			var fired []int
			for i, d := range tt.delays {
				i := i
				r.AddTask(func() error {
					fired = append(fired, i)
					return nil
				}, d, NoContext)
			}
			clock.Advance(tt.advance)
			r.runDueTasks()

			assert.Equal(t, tt.expected, fired)
			assert.Equal(t, len(tt.delays)-len(tt.expected), r.PendingTasks())
		})
	}
}

func TestRemoveContext(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newTestReactor(t, WithClock(clock.Now))

	transfer := r.NewContext(nil)
	other := r.NewContext(nil)

	var fired []string
	record := func(name string) Task {
		return func() error {
			fired = append(fired, name)
			return nil
		}
	}
	r.AddTask(record("transfer-1"), time.Millisecond, transfer)
	r.AddTask(record("other"), 2*time.Millisecond, other)
	r.AddTask(record("transfer-2"), 3*time.Millisecond, transfer)
	r.AddTask(record("global"), 4*time.Millisecond, NoContext)
	require.Equal(t, 4, r.PendingTasks())

	r.RemoveContext(transfer)
	assert.False(t, r.Live(transfer))
	assert.Equal(t, 2, r.PendingTasks())

	r.AddTask(record("late"), 0, transfer)
	assert.Equal(t, 2, r.PendingTasks())

	clock.Advance(time.Second)
	r.runDueTasks()
	assert.Equal(t, []string{"other", "global"}, fired)
}

func TestCallbackFailuresAreRouted(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newTestReactor(t, WithClock(clock.Now))

	var reported []error
	ctx := r.NewContext(func(err error) {
		reported = append(reported, err)
	})
	errBoom := errors.New("boom")

	ran := false
	r.AddTask(func() error { panic("kaboom") }, 0, ctx)
	r.AddTask(func() error { return errBoom }, 0, ctx)
	r.AddTask(func() error { panic("unattributed") }, 0, NoContext)
	r.AddTask(func() error { ran = true; return nil }, 0, ctx)

	r.runDueTasks()

	assert.True(t, ran, "loop continues after failures")
	require.Len(t, reported, 2)
	assert.ErrorIs(t, reported[0], ErrCallbackPanic)
	assert.Contains(t, reported[0].Error(), "kaboom")
	assert.ErrorIs(t, reported[1], errBoom)
}

func TestErrorHandlerPanicIsContained(t *testing.T) {
	r := newTestReactor(t)
	ctx := r.NewContext(func(err error) { panic("handler") })
	assert.NotPanics(t, func() { r.Fail(ctx, errors.New("x")) })
}

func TestAddTaskFromOtherThread(t *testing.T) {
	r := newTestReactor(t)

	var mu sync.Mutex
	fired := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.AddTaskFromOtherThread(func() error {
			mu.Lock()
			fired++
			mu.Unlock()
			r.Stop()
			return nil
		}, 0, NoContext)
	}()

	start := time.Now()
	err := runReactor(t, r, 5*time.Second)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := newTestReactor(t)
	err := runReactor(t, r, 50*time.Millisecond)
	assert.NoError(t, err)
	assert.ErrorIs(t, r.Run(context.Background()), ErrRunning)
}

type recordingHandler struct {
	made, flushed, lost int
	received          bytes.Buffer

	onMade func(s *Socket)
	onData func(s *Socket, data []byte)
	onLost func(s *Socket)
}

func (h *recordingHandler) ConnectionMade(s *Socket) {
	h.made++
	if h.onMade != nil {
		h.onMade(s)
	}
}

func (h *recordingHandler) DataReceived(s *Socket, data []byte) {
	h.received.Write(data)
	if h.onData != nil {
		h.onData(s, data)
	}
}

func (h *recordingHandler) ConnectionFlushed(s *Socket) { h.flushed++ }

func (h *recordingHandler) ConnectionLost(s *Socket) {
	h.lost++
	if h.onLost != nil {
		h.onLost(s)
	}
}

func TestLoopbackEcho(t *testing.T) {
	r := newTestReactor(t)
	ctx := r.NewContext(nil)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<18)

	server := &recordingHandler{}
	server.onData = func(s *Socket, data []byte) {
		s.Write(append([]byte(nil), data...))
	}
	l, err := r.Listen("127.0.0.1:0", ctx, func(s *Socket) ConnHandler { return server })
	require.NoError(t, err)

	client := &recordingHandler{}
	writtenAtOnce := false
	client.onMade = func(s *Socket) {
		s.Write(payload)
		writtenAtOnce = s.IsFlushed()
	}
	client.onData = func(s *Socket, data []byte) {
		if client.received.Len() >= len(payload) {
			r.Stop()
		}
	}
	_, err = r.Dial(l.Addr().String(), ctx, client)
	require.NoError(t, err)

	assert.NoError(t, runReactor(t, r, 10*time.Second))

	assert.Equal(t, 1, server.made)
	assert.Equal(t, 1, client.made)
	assert.True(t, bytes.Equal(payload, client.received.Bytes()), "echoed payload differs")
	if !writtenAtOnce {
		assert.Positive(t, client.flushed)
	}
}

func TestInboundRejectedByAcceptFunc(t *testing.T) {
	r := newTestReactor(t)

	l, err := r.Listen("127.0.0.1:0", NoContext, func(s *Socket) ConnHandler { return nil })
	require.NoError(t, err)

	client := &recordingHandler{}
	client.onLost = func(s *Socket) { r.Stop() }
	_, err = r.Dial(l.Addr().String(), NoContext, client)
	require.NoError(t, err)

	assert.NoError(t, runReactor(t, r, 5*time.Second))
	assert.Equal(t, 1, client.lost)
}

func TestDialRefused(t *testing.T) {
	r := newTestReactor(t)

	l, err := r.Listen("127.0.0.1:0", NoContext, func(s *Socket) ConnHandler { return nil })
	require.NoError(t, err)
	addr := l.Addr().String()
	r.CloseListener(l)

	client := &recordingHandler{}
	client.onLost = func(s *Socket) { r.Stop() }
	if _, err := r.Dial(addr, NoContext, client); err != nil {
		return
	}

	assert.NoError(t, runReactor(t, r, 5*time.Second))
	assert.Equal(t, 0, client.made)
	assert.Equal(t, 1, client.lost)
}

func TestIdleSocketsAreReaped(t *testing.T) {
	r := newTestReactor(t, WithIdleTimeout(50*time.Millisecond, 10*time.Millisecond))

	server := &recordingHandler{}
	server.onLost = func(s *Socket) { r.Stop() }
	l, err := r.Listen("127.0.0.1:0", NoContext, func(s *Socket) ConnHandler { return server })
	require.NoError(t, err)

	_, err = r.Dial(l.Addr().String(), NoContext, &recordingHandler{})
	require.NoError(t, err)

	start := time.Now()
	assert.NoError(t, runReactor(t, r, 5*time.Second))
	assert.Equal(t, 1, server.lost)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWriteOnClosedSocketIsIgnored(t *testing.T) {
	r := newTestReactor(t)
	s := &Socket{r: r, fd: -1}
	s.Close()
	s.Write([]byte("x"))
	assert.True(t, s.Closed())
	assert.True(t, s.IsFlushed())
	assert.Len(t, r.dying, 1)
}
