// Package supervisor owns the lifecycle of the single backend process.
//
// All state transitions are driven by one goroutine that consumes a control
// channel, so concurrent Start/Stop calls are serialized and at most one
// process handle is live at any time.
//
// State machine:
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	                       Running -> Crashed  -> Stopped
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mdrincic-boop/mpx-link-pro/internal/event"
	"github.com/mdrincic-boop/mpx-link-pro/internal/history"
	"github.com/mdrincic-boop/mpx-link-pro/internal/logger"
	"github.com/mdrincic-boop/mpx-link-pro/internal/metrics"
	"github.com/mdrincic-boop/mpx-link-pro/internal/process"
)

var (
	// ErrAlreadyRunning is returned by Start while a handle is live,
	// including while a previous stop is still waiting for the exit.
	ErrAlreadyRunning = errors.New("backend already running")
	ErrNotRunning     = errors.New("backend not running")
	ErrClosed         = errors.New("supervisor closed")
)

// SpawnError reports that the backend executable could not be launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Path, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// EventSink receives backend output and lifecycle events. DeliverEvent is
// called from the stdout and stderr reader goroutines and from the
// lifecycle emitter; implementations must be safe for concurrent use.
type EventSink interface {
	DeliverEvent(ev event.Event)
}

// ExitFunc is invoked exactly once per handle after the process exits. It
// runs on the supervisor goroutine before the state returns to Stopped, so
// it must not call Start or Stop synchronously.
type ExitFunc func(h *Handle, code int)

// Options configures a Supervisor.
type Options struct {
	Name      string // label used for logs, capture files and history
	Path      string // default executable for Launch
	Args      []string
	WorkDir   string
	Env       []string
	Capture   logger.CaptureConfig
	StopGrace time.Duration // SIGTERM -> SIGKILL escalation delay (default 5s)
	Logger    *slog.Logger
	History   []history.Sink
	// PIDFile, when set, records the running backend for orphan cleanup.
	PIDFile string
}

type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	state   State
	current *run
	sink    EventSink
	onExit  []ExitFunc

	ctrl     chan ctrlMsg
	done     chan struct{}
	closeOne sync.Once

	// Lifecycle events are queued by the control loop and delivered in
	// order by emitLoop, so a slow sink never stalls state transitions.
	pendMu  sync.Mutex
	pending []event.Event
	wake    chan struct{}
}

type run struct {
	handle        *Handle
	proc          *process.Process
	stopRequested bool
}

type ctrlKind int

const (
	ctrlStart ctrlKind = iota
	ctrlStop
	ctrlExit
	ctrlShutdown
)

type ctrlMsg struct {
	kind   ctrlKind
	path   string
	args   []string
	handle *Handle
	run    *run
	code   int
	err    error
	reply  chan ctrlReply
}

type ctrlReply struct {
	handle *Handle
	err    error
}

// New creates a supervisor in the Stopped state and starts its control loop.
func New(opts Options) *Supervisor {
	if opts.Name == "" {
		opts.Name = "backend"
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	s := &Supervisor{
		opts:  opts,
		log:   l.With("component", "supervisor"),
		state: StateStopped,
		ctrl:  make(chan ctrlMsg, 16),
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
	go s.loop()
	go s.emitLoop()
	return s
}

// SetSink installs the event destination. It may be called once before
// the first Start; later calls replace the sink for subsequent events.
func (s *Supervisor) SetSink(sink EventSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// OnExit registers a callback fired once per handle on process exit.
func (s *Supervisor) OnExit(fn ExitFunc) {
	s.mu.Lock()
	s.onExit = append(s.onExit, fn)
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Current returns the live handle, if any.
func (s *Supervisor) Current() (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, false
	}
	return s.current.handle, true
}

// Running reports whether a live backend process can accept input.
func (s *Supervisor) Running() bool {
	return s.State() == StateRunning
}

// Start launches path with args. An empty path uses the configured
// executable and arguments. It fails with ErrAlreadyRunning while any
// handle is live and with *SpawnError when the executable cannot be
// launched; in the latter case an error event is also emitted.
func (s *Supervisor) Start(ctx context.Context, path string, args []string) (*Handle, error) {
	if path == "" {
		path = s.opts.Path
		if args == nil {
			args = s.opts.Args
		}
	}
	reply := make(chan ctrlReply, 1)
	if err := s.send(ctx, ctrlMsg{kind: ctrlStart, path: path, args: args, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.handle, r.err
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop sends a termination signal to the process behind h and returns
// without waiting for it to exit. If the process ignores the signal it is
// killed after the configured grace period. Stopping an already stopping
// handle is a no-op.
func (s *Supervisor) Stop(h *Handle) error {
	if h == nil {
		return ErrNotRunning
	}
	reply := make(chan ctrlReply, 1)
	if err := s.send(context.Background(), ctrlMsg{kind: ctrlStop, handle: h, reply: reply}); err != nil {
		return err
	}
	select {
	case r := <-reply:
		return r.err
	case <-s.done:
		return ErrClosed
	}
}

// Launch starts the configured backend executable.
func (s *Supervisor) Launch(ctx context.Context) error {
	_, err := s.Start(ctx, "", nil)
	return err
}

// Halt stops the live backend, if any.
func (s *Supervisor) Halt() error {
	h, ok := s.Current()
	if !ok {
		return nil
	}
	err := s.Stop(h)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// Send writes one instruction line to the backend's stdin.
func (s *Supervisor) Send(line []byte) error {
	s.mu.RLock()
	cur := s.current
	state := s.state
	s.mu.RUnlock()
	if cur == nil || state != StateRunning {
		return ErrNotRunning
	}
	return cur.proc.Send(line)
}

// Close stops any live backend, waits up to the grace period plus a small
// margin for it to exit, and shuts the control loop down. Shutdown gets
// one more second, so Close returns within StopGrace plus two seconds.
func (s *Supervisor) Close() error {
	var err error
	s.closeOne.Do(func() {
		limit := s.opts.StopGrace + time.Second
		ctx, cancel := context.WithTimeout(context.Background(), limit)
		defer cancel()
		if h, ok := s.Current(); ok {
			_ = s.stopWithin(ctx, h)
			tick := time.NewTicker(10 * time.Millisecond)
			defer tick.Stop()
		wait:
			for {
				if _, live := s.Current(); !live {
					break
				}
				select {
				case <-ctx.Done():
					err = fmt.Errorf("backend did not exit within %s", limit)
					break wait
				case <-tick.C:
				}
			}
		}
		// The shutdown itself gets a fresh bound so a slow stop still
		// lets the control loop exit.
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		reply := make(chan ctrlReply, 1)
		if sendErr := s.send(sctx, ctrlMsg{kind: ctrlShutdown, reply: reply}); sendErr != nil {
			if err == nil && !errors.Is(sendErr, ErrClosed) {
				err = fmt.Errorf("supervisor shutdown: %w", sendErr)
			}
			return
		}
		select {
		case <-reply:
		case <-sctx.Done():
			if err == nil {
				err = fmt.Errorf("supervisor shutdown: %w", sctx.Err())
			}
		}
	})
	return err
}

// stopWithin is Stop bounded by ctx, used on the shutdown path.
func (s *Supervisor) stopWithin(ctx context.Context, h *Handle) error {
	reply := make(chan ctrlReply, 1)
	if err := s.send(ctx, ctrlMsg{kind: ctrlStop, handle: h, reply: reply}); err != nil {
		return err
	}
	select {
	case r := <-reply:
		return r.err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) send(ctx context.Context, msg ctrlMsg) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.ctrl <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop is the single goroutine allowed to mutate state and current.
func (s *Supervisor) loop() {
	defer close(s.done)
	for msg := range s.ctrl {
		switch msg.kind {
		case ctrlStart:
			h, err := s.handleStart(msg.path, msg.args)
			msg.reply <- ctrlReply{handle: h, err: err}
		case ctrlStop:
			msg.reply <- ctrlReply{err: s.handleStop(msg.handle)}
		case ctrlExit:
			s.handleExit(msg.run, msg.code, msg.err)
		case ctrlShutdown:
			msg.reply <- ctrlReply{}
			return
		}
	}
}

func (s *Supervisor) handleStart(path string, args []string) (*Handle, error) {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state != StateStopped {
		return nil, fmt.Errorf("%w (state: %s)", ErrAlreadyRunning, state)
	}
	if strings.TrimSpace(path) == "" {
		err := &SpawnError{Path: path, Err: errors.New("no backend executable configured")}
		s.reportSpawnFailure(err)
		return nil, err
	}

	s.setState(StateStarting)
	spec := process.Spec{
		Name:    s.opts.Name,
		Path:    path,
		Args:    append([]string(nil), args...),
		WorkDir: s.opts.WorkDir,
		Env:     s.opts.Env,
		Capture: s.opts.Capture,
	}
	proc := process.New(spec)
	if err := proc.Start(s.handleLine); err != nil {
		spawnErr := &SpawnError{Path: path, Err: err}
		s.setState(StateStopped)
		s.reportSpawnFailure(spawnErr)
		return nil, spawnErr
	}

	st := proc.Snapshot()
	h := &Handle{ID: uuid.NewString(), PID: st.PID, StartedAt: st.StartedAt, Path: path, Args: spec.Args}
	r := &run{handle: h, proc: proc}
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
	s.setState(StateRunning)

	go s.monitor(r)

	if s.opts.PIDFile != "" {
		if err := (process.PIDFile{Path: s.opts.PIDFile}).Write(context.Background(), h.PID); err != nil {
			s.log.Warn("write pid file", "path", s.opts.PIDFile, "error", err)
		}
	}
	metrics.IncBackendStart()
	s.log.Info("backend started", "pid", h.PID, "path", filepath.Base(path), "handle", h.ID)
	s.record(history.Event{Type: history.EventStart, OccurredAt: h.StartedAt, Record: s.recordOf(h, false)})
	return h, nil
}

func (s *Supervisor) handleStop(h *Handle) error {
	s.mu.Lock()
	cur := s.current
	if cur == nil || cur.handle != h {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if cur.stopRequested {
		s.mu.Unlock()
		return nil
	}
	cur.stopRequested = true
	s.mu.Unlock()

	s.setState(StateStopping)
	if err := cur.proc.Terminate(); err != nil {
		s.log.Warn("terminate backend", "pid", h.PID, "error", err)
	}
	go s.escalate(cur)
	return nil
}

// escalate kills the process group if it outlives the grace period.
func (s *Supervisor) escalate(r *run) {
	done := r.proc.Done()
	t := time.NewTimer(s.opts.StopGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		s.log.Warn("backend ignored SIGTERM; killing", "pid", r.handle.PID, "grace", s.opts.StopGrace)
		_ = r.proc.Kill()
	}
}

// monitor waits for the process and reports the exit to the loop.
func (s *Supervisor) monitor(r *run) {
	code, err := r.proc.Wait()
	select {
	case s.ctrl <- ctrlMsg{kind: ctrlExit, run: r, code: code, err: err}:
	case <-s.done:
	}
}

func (s *Supervisor) handleExit(r *run, code int, waitErr error) {
	s.mu.Lock()
	requested := r.stopRequested
	fns := append([]ExitFunc(nil), s.onExit...)
	s.mu.Unlock()

	crashed := !requested && code != 0
	r.handle.markExited(code)
	if s.opts.PIDFile != "" {
		_ = (process.PIDFile{Path: s.opts.PIDFile}).Remove()
	}

	result := "exited"
	switch {
	case requested:
		result = "stopped"
	case crashed:
		result = "crashed"
		s.setState(StateCrashed)
	}
	metrics.IncBackendExit(result)

	st := r.proc.Snapshot()
	msg := fmt.Sprintf("backend exited with code %d", code)
	if st.Signal != "" {
		msg = fmt.Sprintf("backend exited with code %d (%s)", code, st.Signal)
	}
	if crashed {
		s.log.Error("backend crashed", "pid", r.handle.PID, "code", code, "signal", st.Signal, "error", waitErr)
	} else {
		s.log.Info("backend exited", "pid", r.handle.PID, "code", code, "result", result)
	}
	s.post(event.Exit(code, crashed, msg+"\n"))
	s.record(history.Event{Type: history.EventExit, OccurredAt: time.Now(), Record: s.recordOf(r.handle, crashed)})

	for _, fn := range fns {
		fn(r.handle, code)
	}

	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()
	s.setState(StateStopped)
}

func (s *Supervisor) handleLine(stream event.Stream, line string) {
	var ev event.Event
	if stream == event.StreamStderr {
		ev = event.Error(line)
		s.log.Warn("backend", "stream", string(stream), "line", strings.TrimRight(line, "\r\n"))
	} else {
		ev = event.Log(line)
		s.log.Info("backend", "stream", string(stream), "line", strings.TrimRight(line, "\r\n"))
	}
	s.emit(ev)
}

func (s *Supervisor) reportSpawnFailure(err *SpawnError) {
	metrics.IncSpawnFailure()
	s.log.Error("backend spawn failed", "path", err.Path, "error", err.Err)
	s.post(event.System(event.KindError, event.NameSpawnFailed, err.Error()+"\n"))
}

// post queues a lifecycle event for emitLoop. It never blocks.
func (s *Supervisor) post(ev event.Event) {
	s.pendMu.Lock()
	s.pending = append(s.pending, ev)
	s.pendMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// emitLoop delivers posted events in order until the control loop has
// shut down and the queue is empty.
func (s *Supervisor) emitLoop() {
	for {
		select {
		case <-s.wake:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *Supervisor) flush() {
	for {
		s.pendMu.Lock()
		batch := s.pending
		s.pending = nil
		s.pendMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			s.emit(ev)
		}
	}
}

func (s *Supervisor) emit(ev event.Event) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink.DeliverEvent(ev)
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		metrics.RecordStateTransition(prev.String(), next.String())
		s.log.Debug("state transition", "from", prev.String(), "to", next.String())
	}
}

func (s *Supervisor) recordOf(h *Handle, crashed bool) history.Record {
	rec := history.Record{
		RunID:     h.ID,
		Name:      s.opts.Name,
		Path:      h.Path,
		PID:       h.PID,
		StartedAt: h.StartedAt,
		Crashed:   crashed,
	}
	if code, ok := h.ExitCode(); ok {
		c := code
		rec.ExitCode = &c
		rec.ExitedAt = h.ExitedAt()
	}
	return rec
}

func (s *Supervisor) record(e history.Event) {
	for _, sink := range s.opts.History {
		if err := sink.Send(context.Background(), e); err != nil {
			s.log.Warn("history sink", "type", string(e.Type), "error", err)
		}
	}
}

// Usage samples CPU and memory of the live backend.
func (s *Supervisor) Usage(ctx context.Context) (process.Usage, error) {
	h, ok := s.Current()
	if !ok {
		return process.Usage{}, ErrNotRunning
	}
	return process.SampleUsage(ctx, h.PID)
}
