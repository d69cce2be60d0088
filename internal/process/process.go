package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mdrincic-boop/mpx-link-pro/internal/event"
)

var (
	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyStarted = errors.New("process already started")
	ErrExited         = errors.New("process exited")
)

// LineFunc receives every line read from the child's stdout or stderr,
// including its trailing newline. It is called from one goroutine per
// stream, so lines of a single stream arrive in program order.
type LineFunc func(stream event.Stream, line string)

// maxLine bounds the reader buffer; longer lines are delivered in chunks.
const maxLine = 64 * 1024

// drainDelay is how long Wait lets the readers finish after the child has
// been reaped. A descendant that inherited stdout or stderr can keep the
// pipe open past that; its remaining output is discarded.
const drainDelay = time.Second

type Process struct {
	spec      Spec
	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	status    Status
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	outR      *os.File
	errR      *os.File
	readers   sync.WaitGroup
	waitDone  chan struct{} // closed once Wait has reaped the child
	sendMu    sync.Mutex
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Spec returns a copy of the launch spec.
func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// Start spawns the child with all three standard streams piped and begins
// reading stdout and stderr asynchronously. onLine may be nil.
func (p *Process) Start(onLine LineFunc) error {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	spec := p.spec
	p.mu.Unlock()

	cmd := spec.BuildCommand()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	// os.Pipe instead of StdoutPipe: exec would otherwise tie Wait to the
	// pipes reaching EOF, which never happens while a descendant holds them.
	outR, outPW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errPW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeQuiet(outR)
		closeQuiet(outPW)
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outPW
	cmd.Stderr = errPW

	var outW, errW io.WriteCloser
	if spec.Capture.Enabled() {
		if spec.Capture.Dir != "" {
			_ = os.MkdirAll(spec.Capture.Dir, 0o750)
		}
		outW, errW = spec.Capture.Writers(spec.Name)
	}

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	closeQuiet(outPW)
	closeQuiet(errPW)
	if err != nil {
		closeQuiet(outR)
		closeQuiet(errR)
		closeQuiet(outW)
		closeQuiet(errW)
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.outCloser = outW
	p.errCloser = errW
	p.outR = outR
	p.errR = errR
	p.waitDone = make(chan struct{})
	p.status = Status{
		Name:      spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	p.mu.Unlock()

	p.readers.Add(2)
	go p.pump(event.StreamStdout, outR, outW, onLine)
	go p.pump(event.StreamStderr, errR, errW, onLine)
	return nil
}

func (p *Process) pump(stream event.Stream, r io.Reader, tee io.Writer, onLine LineFunc) {
	defer p.readers.Done()
	br := bufio.NewReaderSize(r, maxLine)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if tee != nil {
				_, _ = io.WriteString(tee, line)
			}
			if onLine != nil {
				onLine(stream, line)
			}
		}
		if err != nil {
			return
		}
	}
}

// Send writes one line to the child's stdin. Concurrent callers are
// serialized so lines are never interleaved.
func (p *Process) Send(line []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	running := p.status.Running
	p.mu.Unlock()
	if stdin == nil {
		return ErrNotStarted
	}
	if !running {
		return ErrExited
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if _, err := stdin.Write(line); err != nil {
		return fmt.Errorf("write backend stdin: %w", err)
	}
	return nil
}

// Signal delivers sig to the child's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	cmd := p.cmd
	running := p.status.Running
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}
	if !running {
		return nil
	}
	return signalGroup(cmd.Process.Pid, sig)
}

// Terminate asks the child to exit.
func (p *Process) Terminate() error { return p.Signal(syscall.SIGTERM) }

// Kill forcibly ends the child's process group.
func (p *Process) Kill() error { return p.Signal(syscall.SIGKILL) }

// Wait reaps the child and then drains both output readers, giving up on
// them after drainDelay. Lines are delivered before Wait returns unless
// onLine itself blocks past a second drainDelay. It must be called exactly
// once per started process; it returns the exit code (-1 when the child was
// ended by a signal) and the raw wait error.
func (p *Process) Wait() (int, error) {
	p.mu.Lock()
	cmd := p.cmd
	outR, errR := p.outR, p.errR
	p.mu.Unlock()
	if cmd == nil {
		return -1, ErrNotStarted
	}

	err := cmd.Wait()

	drained := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(drained)
	}()
	timer := time.NewTimer(drainDelay)
	select {
	case <-drained:
		timer.Stop()
	case <-timer.C:
		// Closing a pollable pipe unblocks the pending read.
		closeQuiet(outR)
		closeQuiet(errR)
		// A reader stuck in onLine itself is left behind.
		timer.Reset(drainDelay)
		select {
		case <-drained:
			timer.Stop()
		case <-timer.C:
		}
	}
	closeQuiet(outR)
	closeQuiet(errR)

	code := -1
	sig := ""
	if ps := cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig = ws.Signal().String()
		}
	}

	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitCode = code
	p.status.Signal = sig
	p.status.ExitErr = err
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	closeQuiet(p.outCloser)
	closeQuiet(p.errCloser)
	p.outCloser, p.errCloser = nil, nil
	if p.waitDone != nil {
		close(p.waitDone)
	}
	p.mu.Unlock()
	return code, err
}

// Done returns a channel closed after Wait has reaped the child, or nil
// if the process was never started.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()
	return s
}

func closeQuiet(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
