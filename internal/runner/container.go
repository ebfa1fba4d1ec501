package runner

import (
	"context"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfstream/host/internal/config"
	"github.com/wolfstream/host/internal/procutil"
)

// containerBinary is the container-runtime CLI this variant shells out to.
// No container/OCI SDK appears anywhere in the example pack's dependency
// surface, so this stays on os/exec deliberately (documented in the
// grounding ledger) rather than fabricating a client library dependency.
const containerBinary = "docker"

// containerRunner is the Container variant of Runner: an application run
// inside a container, its lifecycle driven through the docker CLI rather
// than a client library (spec §4.5 Container variant).
type containerRunner struct {
	cfg    config.ContainerRunner
	logger *log.Logger

	mu  sync.Mutex
	cmd *exec.Cmd

	pid       atomic.Int32
	isRunning atomic.Bool
	exitOnce  sync.Once
	exitCh    chan ExitEvent

	appliedMu sync.Mutex
	applied   []DeviceEvent
}

func newContainerRunner(cfg config.ContainerRunner, logger *log.Logger) *containerRunner {
	return &containerRunner{cfg: cfg, logger: logger, exitCh: make(chan ExitEvent, 1)}
}

// Start runs `docker run` in the foreground, one container per session,
// binding every configured mount and device (spec §4.5 "Container:
// image, mounts, devices").
func (r *containerRunner) Start(ctx context.Context, env []string) error {
	if err := ctx.Err(); err != nil {
		return FailedError{Reason: "start cancelled", Err: err}
	}
	if r.cfg.Image == "" {
		return FailedError{Reason: "container runner has no image configured"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	args := []string{"run", "--rm"}
	for _, m := range r.cfg.Mounts {
		args = append(args, "-v", m.HostPath+":"+m.GuestPath)
	}
	for _, dev := range r.cfg.Devices {
		args = append(args, "--device", dev)
	}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args, r.cfg.Image)

	cmd := exec.Command(containerBinary, args...)

	if err := cmd.Start(); err != nil {
		return FailedError{Reason: "spawn container runtime", Err: err}
	}

	r.cmd = cmd
	r.isRunning.Store(true)
	if cmd.Process != nil {
		r.pid.Store(int32(cmd.Process.Pid))
	}

	go r.waitForExit()

	r.logger.Printf("[Runner] container started: image=%s pid=%d", r.cfg.Image, r.pid.Load())
	return nil
}

func (r *containerRunner) waitForExit() {
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

// ApplyDevice records the hotplug descriptor. Hot-attaching a device node
// to an already-running container isn't exposed by the docker CLI without
// a restart, so the descriptor is only tracked here for introspection,
// same as the Command variant.
func (r *containerRunner) ApplyDevice(event DeviceEvent) error {
	r.appliedMu.Lock()
	r.applied = append(r.applied, event)
	r.appliedMu.Unlock()
	return nil
}

// AppliedDevices returns the hotplug descriptors applied so far, in order.
func (r *containerRunner) AppliedDevices() []DeviceEvent {
	r.appliedMu.Lock()
	defer r.appliedMu.Unlock()
	out := make([]DeviceEvent, len(r.applied))
	copy(out, r.applied)
	return out
}

// Stop asks the container runtime process to terminate the foreground
// `docker run`, which propagates SIGTERM into the container's PID 1;
// docker itself enforces its own stop-timeout, so the grace period here
// only bounds how long Stop waits before forcing the wrapper process down.
func (r *containerRunner) Stop(grace time.Duration) error {
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

func (r *containerRunner) Wait() <-chan ExitEvent { return r.exitCh }

func (r *containerRunner) PID() int { return int(r.pid.Load()) }
