package client

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/sqlite-sidecar/exec"
	"github.com/zhubert/sqlite-sidecar/logger"
)

// SupervisorState tracks the lifecycle of the child engine process.
type SupervisorState int

const (
	StateStopped SupervisorState = iota
	StateStarting
	StateRunning
	StateRestarting
)

func (s SupervisorState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	}
	return "unknown"
}

// Restart policy defaults. Three crashes inside the grace window produce
// delays of 1s, then 2s, then a permanent stop.
const (
	DefaultGraceWindow      = 10 * time.Second
	DefaultRestartDelayBase = time.Second
	DefaultMaxRestartDelay  = 30 * time.Second
	DefaultMaxCrashes       = 3
)

// SupervisorConfig configures how the child engine is spawned and
// restarted. Zero values fall back to the defaults above.
type SupervisorConfig struct {
	Command string   // engine binary, defaults to "sqlite-sidecar"
	Args    []string // arguments passed to the engine
	Dir     string   // working directory, empty for inherited

	// Starter launches the child; tests inject a mock executor here.
	Starter exec.ProcessStarter

	GraceWindow      time.Duration
	RestartDelayBase time.Duration
	MaxRestartDelay  time.Duration
	MaxCrashes       int

	// OnStarted runs synchronously after each successful spawn, before
	// the handle is returned to any caller. The client uses it to attach
	// the multiplexer to the new pipes.
	OnStarted func(exec.ProcessHandle)

	// OnExited runs after the child exits, before any restart is
	// scheduled. The client uses it to fail all pending requests.
	OnExited func(err error)
}

// Supervisor owns the child engine process: spawn, crash detection, and
// a bounded, backing-off auto-restart policy. There is exactly one
// child at a time; concurrent EnsureRunning calls share a single
// in-flight start.
type Supervisor struct {
	cfg SupervisorConfig
	log *slog.Logger

	mu          sync.Mutex
	state       SupervisorState
	proc        exec.ProcessHandle
	inflight    *startAttempt
	stopFlag    bool
	terminalErr error
	crashCount  int
	lastStart   time.Time
}

// startAttempt is the shared future for one in-flight spawn.
type startAttempt struct {
	done   chan struct{}
	handle exec.ProcessHandle
	err    error
}

// NewSupervisor creates a supervisor in the Stopped state. Nothing is
// spawned until EnsureRunning.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Command == "" {
		cfg.Command = "sqlite-sidecar"
	}
	if cfg.Starter == nil {
		cfg.Starter = exec.NewRealExecutor()
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.RestartDelayBase <= 0 {
		cfg.RestartDelayBase = DefaultRestartDelayBase
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = DefaultMaxRestartDelay
	}
	if cfg.MaxCrashes <= 0 {
		cfg.MaxCrashes = DefaultMaxCrashes
	}
	return &Supervisor{
		cfg:   cfg,
		state: StateStopped,
		log:   logger.WithComponent("supervisor"),
	}
}

// EnsureRunning returns the running child, spawning it if needed. If a
// start is already in flight, the caller awaits that same start: two
// children are never spawned concurrently. An explicit call clears a
// prior Stop; it does not clear a terminal crash failure (use Restart).
func (s *Supervisor) EnsureRunning(ctx context.Context) (exec.ProcessHandle, error) {
	return s.ensure(ctx, true)
}

// Restart clears a terminal crash failure and the crash counter, then
// starts the child.
func (s *Supervisor) Restart(ctx context.Context) (exec.ProcessHandle, error) {
	s.mu.Lock()
	s.terminalErr = nil
	s.crashCount = 0
	s.mu.Unlock()
	return s.ensure(ctx, true)
}

// Stop terminates the child and suppresses any auto-restart.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopFlag = true
	s.state = StateStopped
	h := s.proc
	s.mu.Unlock()

	if h != nil {
		s.log.Info("stopping engine", "pid", h.Pid())
		h.Stdin().Close()
		h.Kill()
	}
}

// State reports the current lifecycle state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CrashCount reports consecutive crashes inside the grace window.
func (s *Supervisor) CrashCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashCount
}

// ensure is the single start path. clearStop distinguishes explicit
// callers (which override a prior Stop) from the auto-restart path
// (which must honor it).
func (s *Supervisor) ensure(ctx context.Context, clearStop bool) (exec.ProcessHandle, error) {
	s.mu.Lock()
	if clearStop {
		s.stopFlag = false
	} else if s.stopFlag {
		s.mu.Unlock()
		return nil, fmt.Errorf("engine stopped")
	}
	if s.terminalErr != nil {
		err := s.terminalErr
		s.mu.Unlock()
		return nil, err
	}
	if s.state == StateRunning && s.proc != nil {
		h := s.proc
		s.mu.Unlock()
		return h, nil
	}
	if att := s.inflight; att != nil {
		s.mu.Unlock()
		select {
		case <-att.done:
			return att.handle, att.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	att := &startAttempt{done: make(chan struct{})}
	s.inflight = att
	s.state = StateStarting
	s.mu.Unlock()

	h, err := s.start(ctx, att)
	return h, err
}

// start spawns the child and publishes the result on att. ctx covers
// the launch only; the child outlives it.
func (s *Supervisor) start(ctx context.Context, att *startAttempt) (exec.ProcessHandle, error) {
	h, err := s.cfg.Starter.StartProcess(ctx, s.cfg.Dir, s.cfg.Command, s.cfg.Args...)

	s.mu.Lock()
	s.inflight = nil
	if err != nil {
		s.state = StateStopped
		s.mu.Unlock()
		s.log.Error("failed to start engine", "command", s.cfg.Command, "error", err)
		att.err = fmt.Errorf("failed to start %s: %w", s.cfg.Command, err)
		close(att.done)
		return nil, att.err
	}
	if s.stopFlag {
		// Stop raced the spawn; honor it.
		s.state = StateStopped
		s.mu.Unlock()
		h.Kill()
		att.err = fmt.Errorf("engine stopped")
		close(att.done)
		return nil, att.err
	}
	s.proc = h
	s.state = StateRunning
	s.lastStart = time.Now()
	s.mu.Unlock()

	s.log.Info("engine started", "command", s.cfg.Command, "pid", h.Pid())

	if cb := s.cfg.OnStarted; cb != nil {
		cb(h)
	}

	go s.forwardStderr(h)
	go s.monitor(h)

	att.handle = h
	close(att.done)
	return h, nil
}

// monitor waits for the child to exit and applies the restart policy.
func (s *Supervisor) monitor(h exec.ProcessHandle) {
	err := h.Wait()

	s.mu.Lock()
	if s.proc != h {
		// A stale monitor from a superseded child.
		s.mu.Unlock()
		return
	}
	s.proc = nil
	stopped := s.stopFlag
	s.mu.Unlock()

	if cb := s.cfg.OnExited; cb != nil {
		cb(err)
	}

	if stopped {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		s.log.Info("engine exited after stop", "pid", h.Pid())
		return
	}

	s.handleCrash(h, err)
}

// handleCrash counts the crash and either schedules a delayed restart
// or gives up permanently once the cap is reached.
func (s *Supervisor) handleCrash(h exec.ProcessHandle, exitErr error) {
	s.mu.Lock()
	if time.Since(s.lastStart) > s.cfg.GraceWindow {
		s.crashCount = 0
	}
	s.crashCount++
	count := s.crashCount

	if count >= s.cfg.MaxCrashes {
		s.state = StateStopped
		s.terminalErr = fmt.Errorf("engine crashed %d times in quick succession (last: %v); auto-restart disabled", count, exitErr)
		err := s.terminalErr
		s.mu.Unlock()
		s.log.Error("engine restart budget exhausted", "crashes", count, "error", err)
		return
	}

	delay := s.restartDelay(count)
	s.state = StateRestarting
	s.mu.Unlock()

	s.log.Warn("engine crashed, restarting",
		"pid", h.Pid(), "exit_error", exitErr, "crashes", count, "delay", delay)

	go func() {
		time.Sleep(delay)
		// The stop flag is re-checked after the delay so a Stop issued
		// during the backoff window wins over the pending restart.
		if _, err := s.ensure(context.Background(), false); err != nil {
			s.log.Warn("engine restart aborted", "error", err)
		}
	}()
}

// restartDelay is base doubled per consecutive crash, capped.
func (s *Supervisor) restartDelay(count int) time.Duration {
	delay := s.cfg.RestartDelayBase
	for i := 1; i < count; i++ {
		delay *= 2
		if delay >= s.cfg.MaxRestartDelay {
			return s.cfg.MaxRestartDelay
		}
	}
	return delay
}

// forwardStderr drains the child's diagnostic stream into the log sink
// line-by-line. Diagnostics never touch the protocol stream.
func (s *Supervisor) forwardStderr(h exec.ProcessHandle) {
	scanner := bufio.NewScanner(h.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.log.Info("engine stderr", "pid", h.Pid(), "line", line)
	}
}
