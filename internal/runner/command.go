package runner

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	ptyDevice "github.com/creack/pty"

	"github.com/wolfstream/host/internal/config"
	"github.com/wolfstream/host/internal/procutil"
)

const maxCapturedOutput = 256 * 1024

// commandRunner is the Command variant of Runner: a bare subprocess whose
// combined stdout/stderr is captured through a pseudo-terminal the same
// way an interactive session would be, so launched games that probe
// isatty() behave as they would under a real console.
type commandRunner struct {
	cfg    config.CommandRunner
	logger *log.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptyFile *os.File

	outputMu sync.Mutex
	output   bytes.Buffer

	pid      atomic.Int32
	isRunning atomic.Bool
	exitOnce sync.Once
	exitCh   chan ExitEvent

	appliedMu sync.Mutex
	applied   []DeviceEvent
}

func newCommandRunner(cfg config.CommandRunner, logger *log.Logger) *commandRunner {
	return &commandRunner{cfg: cfg, logger: logger, exitCh: make(chan ExitEvent, 1)}
}

// Start launches the configured command under a pty (spec §4.5 Command
// variant). ctx is consulted only to fail fast if already cancelled;
// the process itself is managed through Stop/Wait, not ctx cancellation,
// since a session's lifetime is controlled by the registry, not by one
// request's context.
func (r *commandRunner) Start(ctx context.Context, env []string) error {
	if err := ctx.Err(); err != nil {
		return FailedError{Reason: "start cancelled", Err: err}
	}
	if len(r.cfg.RunCmd) == 0 {
		return FailedError{Reason: "command runner has an empty run_cmd"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := exec.Command(r.cfg.RunCmd[0], r.cfg.RunCmd[1:]...)
	cmd.Env = append(os.Environ(), env...)

	ptyFile, err := ptyDevice.Start(cmd)
	if err != nil {
		return FailedError{Reason: "spawn process", Err: err}
	}

	r.cmd = cmd
	r.ptyFile = ptyFile
	r.isRunning.Store(true)
	if cmd.Process != nil {
		r.pid.Store(int32(cmd.Process.Pid))
	}

	go r.captureOutput()
	go r.waitForExit()

	r.logger.Printf("[Runner] command started: pid=%d argv=%v", r.pid.Load(), r.cfg.RunCmd)
	return nil
}

func (r *commandRunner) captureOutput() {
	r.mu.Lock()
	ptyFile := r.ptyFile
	r.mu.Unlock()
	if ptyFile == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := ptyFile.Read(buf)
		if n > 0 {
			r.outputMu.Lock()
			r.output.Write(buf[:n])
			if r.output.Len() > maxCapturedOutput {
				r.output.Next(r.output.Len() - maxCapturedOutput)
			}
			r.outputMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (r *commandRunner) waitForExit() {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return
	}

	waitErr := cmd.Wait()
	r.isRunning.Store(false)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	r.exitOnce.Do(func() {
		r.exitCh <- ExitEvent{ExitCode: exitCode, Err: waitErr}
		close(r.exitCh)
	})
}

// ApplyDevice records the hotplug descriptor for introspection. Applying
// a udev event to an already-running bare process's mount namespace
// requires host-level privileged tooling outside this package's scope;
// the descriptor is kept so callers (and tests) can confirm delivery.
func (r *commandRunner) ApplyDevice(event DeviceEvent) error {
	r.appliedMu.Lock()
	r.applied = append(r.applied, event)
	r.appliedMu.Unlock()
	return nil
}

// AppliedDevices returns the hotplug descriptors applied so far, in order.
func (r *commandRunner) AppliedDevices() []DeviceEvent {
	r.appliedMu.Lock()
	defer r.appliedMu.Unlock()
	out := make([]DeviceEvent, len(r.applied))
	copy(out, r.applied)
	return out
}

func (r *commandRunner) Stop(grace time.Duration) error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil || !r.isRunning.Load() {
		return nil
	}

	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if err := procutil.GracefulTerminate(cmd.Process); err != nil {
		return FailedError{Reason: "send graceful terminate", Err: err}
	}

	select {
	case <-r.exitCh:
		return nil
	case <-time.After(grace):
	}

	if err := cmd.Process.Kill(); err != nil {
		return FailedError{Reason: "force kill after grace period", Err: err}
	}
	<-r.exitCh
	return nil
}

func (r *commandRunner) Wait() <-chan ExitEvent { return r.exitCh }

func (r *commandRunner) PID() int { return int(r.pid.Load()) }
