// Package reactor is a single-goroutine, readiness-driven event loop. It
// multiplexes non-blocking TCP sockets through one poll call per iteration
// and fires time-scheduled tasks between polls.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sys/unix"
)

const (
	maxPollTimeout    = time.Hour
	readBufferSize    = 64 << 10
	maxAcceptsPerPass = 64
	listenBacklog     = 128

	DefaultIdleTimeout  = 5 * time.Minute
	DefaultReapInterval = time.Minute
)

var (
	ErrCallbackPanic = errors.New("callback panicked")
	ErrRunning       = errors.New("reactor is running or has already run")
	ErrClosed        = errors.New("reactor closed")
)

// ErrorHandler receives failures attributed to a context.
type ErrorHandler func(err error)

type Option func(*Reactor)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reactor) { r.log = logger }
}

// WithClock replaces time.Now for task scheduling and idle accounting.
func WithClock(now func() time.Time) Option {
	return func(r *Reactor) { r.now = now }
}

// WithIdleTimeout sets how long a socket may stay silent before the reaper
// closes it, and how often the reaper runs. A zero timeout disables reaping.
func WithIdleTimeout(timeout, interval time.Duration) Option {
	return func(r *Reactor) {
		r.idleTimeout = timeout
		r.reapInterval = interval
	}
}

type externalTask struct {
	fn    Task
	delay time.Duration
	ctx   ContextID
}

// Reactor owns a set of sockets and a time-ordered task queue. Apart from
// AddTaskFromOtherThread and Stop, its methods must be called from the
// goroutine running Run, or before Run starts.
type Reactor struct {
	log    *slog.Logger
	now    func() time.Time
	poller poller
	sched  *scheduler

	live    mapset.Set[ContextID]
	onError map[ContextID]ErrorHandler
	lastCtx ContextID

	sockets   map[int]*Socket
	listeners map[int]*Listener
	dying     []*Socket

	idleTimeout  time.Duration
	reapInterval time.Duration

	wakeR, wakeW int
	mu           sync.Mutex
	external     []externalTask
	closed       bool

	running   atomic.Bool
	stopped   atomic.Bool
	closeOnce sync.Once

	readBuf []byte
	events  []readyEvent
}

func New(opts ...Option) (*Reactor, error) {
	r := &Reactor{
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:          time.Now,
		sched:        newScheduler(),
		live:         mapset.NewThreadUnsafeSet[ContextID](),
		onError:      make(map[ContextID]ErrorHandler),
		sockets:      make(map[int]*Socket),
		listeners:    make(map[int]*Listener),
		idleTimeout:  DefaultIdleTimeout,
		reapInterval: DefaultReapInterval,
		readBuf:      make([]byte, readBufferSize),
	}
	for _, opt := range opts {
		opt(r)
	}

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}
	r.poller = p

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		p.close()
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	r.wakeR, r.wakeW = pipe[0], pipe[1]
	for _, fd := range pipe {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			r.closeFDs()
			return nil, fmt.Errorf("wake pipe: %w", err)
		}
	}
	if err := p.add(r.wakeR, evRead); err != nil {
		r.closeFDs()
		return nil, fmt.Errorf("register wake pipe: %w", err)
	}
	return r, nil
}

// NewContext allocates a live context. onError may be nil.
func (r *Reactor) NewContext(onError ErrorHandler) ContextID {
	r.lastCtx++
	r.live.Add(r.lastCtx)
	if onError != nil {
		r.onError[r.lastCtx] = onError
	}
	return r.lastCtx
}

// Live reports whether ctx has been created and not removed.
func (r *Reactor) Live(ctx ContextID) bool {
	return ctx == NoContext || r.live.Contains(ctx)
}

// AddTask schedules fn to run delay from now. Tasks for a context that is no
// longer live are dropped.
func (r *Reactor) AddTask(fn Task, delay time.Duration, ctx ContextID) {
	if !r.Live(ctx) {
		return
	}
	r.sched.add(fn, r.now().Add(delay), ctx)
}

// AddTaskFromOtherThread is the goroutine-safe variant of AddTask. It wakes
// the reactor if it is blocked in poll.
func (r *Reactor) AddTaskFromOtherThread(fn Task, delay time.Duration, ctx ContextID) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.external = append(r.external, externalTask{fn: fn, delay: delay, ctx: ctx})
	r.mu.Unlock()
	r.wake()
}

// RemoveContext cancels every pending task of ctx and marks it dead, so
// later AddTask calls for it are no-ops.
func (r *Reactor) RemoveContext(ctx ContextID) {
	if ctx == NoContext {
		return
	}
	r.live.Remove(ctx)
	delete(r.onError, ctx)
	n := r.sched.cancel(ctx)
	r.log.Debug("context removed", slog.Uint64("context", uint64(ctx)), slog.Int("cancelled_tasks", n))
}

// Fail logs err and hands it to the error handler of ctx, if any.
func (r *Reactor) Fail(ctx ContextID, err error) {
	r.log.Error("callback failed", slog.Uint64("context", uint64(ctx)), slog.Any("error", err))
	handler, ok := r.onError[ctx]
	if !ok {
		return
	}
	if herr := r.protect(func() error { handler(err); return nil }); herr != nil {
		r.log.Error("context error handler failed", slog.Uint64("context", uint64(ctx)), slog.Any("error", herr))
	}
}

// Stop makes Run return after the current iteration. Safe from any goroutine.
func (r *Reactor) Stop() {
	r.stopped.Store(true)
	r.wake()
}

// Run drives the loop until Stop is called, ctx is done, or polling fails.
// The reactor is closed when Run returns.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer r.Close()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, r.Stop)
	defer stop()

	if r.idleTimeout > 0 {
		r.AddTask(r.reapIdle, r.reapInterval, NoContext)
	}

	for !r.stopped.Load() {
		timeout := maxPollTimeout
		if at, ok := r.sched.next(); ok {
			timeout = max(at.Sub(r.now()), 0)
		}

		var err error
		r.events, err = r.poller.wait(timeout, r.events[:0])
		if err != nil {
			r.log.Error("poll failed, stopping reactor", slog.Any("error", err))
			return fmt.Errorf("poll: %w", err)
		}

		r.takeExternal()
		r.runDueTasks()
		for _, ev := range r.events {
			r.dispatch(ev)
		}
		r.closeDead()
	}
	return nil
}

// Close releases every socket, listener and the poller. It is called by Run
// on exit; call it directly only for a reactor that never ran.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		for _, s := range r.sockets {
			s.markDead()
		}
		r.closeDead()
		for _, l := range r.listeners {
			r.CloseListener(l)
		}
		r.mu.Lock()
		r.closed = true
		r.external = nil
		r.mu.Unlock()
		r.closeFDs()
	})
	return nil
}

func (r *Reactor) closeFDs() {
	if r.poller != nil {
		r.poller.close()
	}
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
}

func (r *Reactor) wake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// A full pipe already guarantees a pending wakeup.
	unix.Write(r.wakeW, []byte{0})
}

func (r *Reactor) takeExternal() {
	r.mu.Lock()
	pending := r.external
	r.external = nil
	r.mu.Unlock()
	for _, t := range pending {
		r.AddTask(t.fn, t.delay, t.ctx)
	}
}

// runDueTasks fires every task due at the current time, earliest first.
func (r *Reactor) runDueTasks() {
	now := r.now()
	for {
		t := r.sched.popDue(now)
		if t == nil {
			return
		}
		if !r.Live(t.ctx) {
			continue
		}
		r.invoke(t.ctx, t.fn)
	}
}

func (r *Reactor) invoke(ctx ContextID, fn func() error) {
	if err := r.protect(fn); err != nil {
		r.Fail(ctx, err)
	}
}

func (r *Reactor) protect(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, rec)
		}
	}()
	return fn()
}

func (r *Reactor) dispatch(ev readyEvent) {
	if ev.fd == r.wakeR {
		r.drainWake()
		return
	}
	if l, ok := r.listeners[ev.fd]; ok {
		r.acceptAll(l)
		return
	}
	s, ok := r.sockets[ev.fd]
	if !ok || s.dead {
		return
	}
	if !s.connected {
		if ev.events&(evWrite|evError) != 0 {
			r.finishConnect(s)
		}
		return
	}
	if ev.events&(evRead|evError) != 0 {
		r.readFrom(s)
	}
	if ev.events&evWrite != 0 && !s.dead {
		s.Flush()
		if !s.dead && s.IsFlushed() {
			r.invoke(s.ctx, func() error { s.handler.ConnectionFlushed(s); return nil })
		}
	}
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Reactor) readFrom(s *Socket) {
	n, err := unix.Read(s.fd, r.readBuf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil || n == 0 {
		s.markDead()
		return
	}
	s.lastActivity = r.now()
	data := r.readBuf[:n]
	r.invoke(s.ctx, func() error { s.handler.DataReceived(s, data); return nil })
}

func (r *Reactor) finishConnect(s *Socket) {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		r.log.Debug("connect failed", slog.Any("addr", s.remote), slog.Int("errno", errno), slog.Any("error", err))
		s.markDead()
		return
	}
	s.connected = true
	s.lastActivity = r.now()
	r.invoke(s.ctx, func() error { s.handler.ConnectionMade(s); return nil })
	if !s.dead {
		s.Flush()
	}
}

func (r *Reactor) acceptAll(l *Listener) {
	for i := 0; i < maxAcceptsPerPass; i++ {
		fd, sa, err := unix.Accept(l.fd)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			r.log.Warn("accept failed", slog.Any("addr", l.addr), slog.Any("error", err))
			return
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			continue
		}
		s := &Socket{
			r:            r,
			fd:           fd,
			ctx:          l.ctx,
			remote:       sockaddrToTCP(sa),
			connected:    true,
			lastActivity: r.now(),
		}
		if err := r.register(s, evRead); err != nil {
			unix.Close(fd)
			continue
		}
		var h ConnHandler
		r.invoke(l.ctx, func() error { h = l.accept(s); return nil })
		if h == nil {
			s.markDead()
			continue
		}
		s.handler = h
		r.invoke(s.ctx, func() error { h.ConnectionMade(s); return nil })
	}
}

func (r *Reactor) register(s *Socket, events ioEvents) error {
	if err := r.poller.add(s.fd, events); err != nil {
		return err
	}
	s.interest = events
	r.sockets[s.fd] = s
	return nil
}

func (s *Socket) markDead() {
	if s.dead {
		return
	}
	s.dead = true
	s.r.dying = append(s.r.dying, s)
}

// closeDead releases the sockets marked dead during this pass. It runs after
// all events were dispatched so no callback sees a closed descriptor.
func (r *Reactor) closeDead() {
	for len(r.dying) > 0 {
		dying := r.dying
		r.dying = nil
		for _, s := range dying {
			if _, ok := r.sockets[s.fd]; !ok {
				continue
			}
			r.poller.remove(s.fd)
			unix.Close(s.fd)
			delete(r.sockets, s.fd)
			s.out = nil
			if s.handler != nil {
				h := s.handler
				r.invoke(s.ctx, func() error { h.ConnectionLost(s); return nil })
			}
		}
	}
}

// Dial starts a non-blocking connect. h.ConnectionMade runs once the
// connection is established; a failed connect only yields ConnectionLost.
func (r *Reactor) Dial(addr string, ctx ContextID, h ConnHandler) (*Socket, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := newSocketFD(family)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	s := &Socket{
		r:            r,
		fd:           fd,
		handler:      h,
		ctx:          ctx,
		remote:       sockaddrToTCP(sa),
		lastActivity: r.now(),
	}
	if err := r.register(s, evWrite); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// Listen opens a listening socket; accept is consulted for every inbound
// connection.
func (r *Reactor) Listen(addr string, ctx ContextID, accept AcceptFunc) (*Listener, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := newSocketFD(family)
	if err != nil {
		return nil, err
	}
	fail := func(op string, err error) (*Listener, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("%s %s: %w", op, addr, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail("listen", err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	if err := r.poller.add(fd, evRead); err != nil {
		return fail("register", err)
	}
	l := &Listener{fd: fd, ctx: ctx, accept: accept, addr: sockaddrToTCP(local)}
	r.listeners[fd] = l
	return l, nil
}

func (r *Reactor) CloseListener(l *Listener) {
	if l.closed {
		return
	}
	l.closed = true
	r.poller.remove(l.fd)
	unix.Close(l.fd)
	delete(r.listeners, l.fd)
}

// Sockets returns the live data sockets.
func (r *Reactor) Sockets() []*Socket {
	sockets := make([]*Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		if !s.dead {
			sockets = append(sockets, s)
		}
	}
	return sockets
}

// PendingTasks is the number of scheduled tasks.
func (r *Reactor) PendingTasks() int {
	return r.sched.len()
}

func (r *Reactor) reapIdle() error {
	now := r.now()
	for _, s := range r.sockets {
		if !s.dead && now.Sub(s.lastActivity) > r.idleTimeout {
			r.log.Info("closing idle connection", slog.Any("addr", s.remote), slog.Duration("idle", now.Sub(s.lastActivity)))
			s.markDead()
		}
	}
	r.AddTask(r.reapIdle, r.reapInterval, NoContext)
	return nil
}
