package exec

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
)

// ProcessStarter launches long-lived child processes with piped stdio.
// It is the narrow surface the sidecar supervisor depends on; one-shot
// execution stays on CommandExecutor.
type ProcessStarter interface {
	// StartProcess starts a command and returns a handle with live pipes.
	// ctx gates the launch only; canceling it after StartProcess returns
	// does not affect the running process.
	StartProcess(ctx context.Context, dir string, name string, args ...string) (ProcessHandle, error)
}

// ProcessHandle represents a running child process with piped stdio.
type ProcessHandle interface {
	// Stdin returns the child's stdin pipe.
	Stdin() io.WriteCloser

	// Stdout returns the child's stdout pipe.
	Stdout() io.ReadCloser

	// Stderr returns the child's stderr pipe.
	Stderr() io.ReadCloser

	// Pid returns the child's process id.
	Pid() int

	// Wait blocks until the process exits. Safe to call more than once;
	// later calls return the first result.
	Wait() error

	// Kill forcibly terminates the process.
	Kill() error
}

// StartProcess starts a command with stdin/stdout/stderr pipes attached.
// The child is deliberately not bound to ctx: it outlives the call that
// launched it and is torn down through ProcessHandle.Kill.
func (e *RealExecutor) StartProcess(ctx context.Context, dir string, name string, args ...string) (ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &realProcessHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// realProcessHandle wraps a started exec.Cmd.
type realProcessHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

func (h *realProcessHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *realProcessHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *realProcessHandle) Stderr() io.ReadCloser { return h.stderr }

func (h *realProcessHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Wait guards cmd.Wait with a Once because exec.Cmd only tolerates a
// single Wait call.
func (h *realProcessHandle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

func (h *realProcessHandle) Kill() error {
	if h.cmd.Process == nil {
		return errors.New("process not started")
	}
	return h.cmd.Process.Kill()
}

// MockProcess is a scriptable ProcessHandle for tests. The test side
// reads what the caller wrote to stdin via InputReader, feeds stdout and
// stderr with WriteStdout/WriteStderr, and terminates the process with
// Exit.
type MockProcess struct {
	pid int

	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu      sync.Mutex
	done    chan struct{}
	exitErr error
	killed  bool
}

// NewMockProcess creates a mock process with live in-memory pipes.
func NewMockProcess(pid int) *MockProcess {
	p := &MockProcess{pid: pid, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *MockProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *MockProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *MockProcess) Stderr() io.ReadCloser { return p.stderrR }
func (p *MockProcess) Pid() int              { return p.pid }

func (p *MockProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(errors.New("killed"))
	return nil
}

// Killed reports whether Kill was called.
func (p *MockProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// InputReader returns the test side of the stdin pipe.
func (p *MockProcess) InputReader() io.Reader { return p.stdinR }

// WriteStdout emits bytes on the process's stdout.
func (p *MockProcess) WriteStdout(data []byte) error {
	_, err := p.stdoutW.Write(data)
	return err
}

// WriteStderr emits bytes on the process's stderr.
func (p *MockProcess) WriteStderr(data []byte) error {
	_, err := p.stderrW.Write(data)
	return err
}

// Exit terminates the mock process: pipes close and Wait unblocks with
// err. Subsequent Exit calls are no-ops.
func (p *MockProcess) Exit(err error) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	p.exitErr = err
	close(p.done)
	p.mu.Unlock()

	p.stdoutW.Close()
	p.stderrW.Close()
	p.stdinR.Close()
}

// StartProcess pops the next queued mock process, or creates a fresh one
// when the queue is empty. Every started process is retrievable through
// StartedProcesses.
func (e *MockExecutor) StartProcess(ctx context.Context, dir string, name string, args ...string) (ProcessHandle, error) {
	e.recordCall(dir, name, args)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.startErr != nil {
		return nil, e.startErr
	}

	var p *MockProcess
	if len(e.queued) > 0 {
		p = e.queued[0]
		e.queued = e.queued[1:]
	} else {
		e.nextPid++
		p = NewMockProcess(e.nextPid)
	}
	e.started = append(e.started, p)
	return p, nil
}

// QueueProcess schedules a mock process to be returned by the next
// StartProcess call.
func (e *MockExecutor) QueueProcess(p *MockProcess) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queued = append(e.queued, p)
}

// FailStartProcess makes StartProcess return err until reset with nil.
func (e *MockExecutor) FailStartProcess(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// StartedProcesses returns every mock process handed out so far.
func (e *MockExecutor) StartedProcesses() []*MockProcess {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*MockProcess, len(e.started))
	copy(out, e.started)
	return out
}

var _ ProcessStarter = (*RealExecutor)(nil)
var _ ProcessStarter = (*MockExecutor)(nil)
var _ ProcessHandle = (*realProcessHandle)(nil)
var _ ProcessHandle = (*MockProcess)(nil)
