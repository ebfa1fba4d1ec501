// Package runner implements the Runner Abstraction (spec §4.5): a tagged
// union over a bare Command process and a Container, started for one
// StreamSession's application and torn down cooperatively when the
// session stops.
package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wolfstream/host/internal/config"
)

// FailedError wraps any error that prevented a runner from starting or
// that it surfaced after an unexpected exit (spec §7 RunnerFailed).
type FailedError struct {
	Reason string
	Err    error
}

func (e FailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runner: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("runner: %s", e.Reason)
}

func (e FailedError) Unwrap() error { return e.Err }

// DefaultGracePeriod bounds how long Stop waits for cooperative shutdown
// before forcing termination (spec §5 "bounded grace period (default 5s);
// after the grace, the supervisor forces release").
const DefaultGracePeriod = 5 * time.Second

// ExitEvent is delivered on the channel returned by Wait once the runner's
// underlying process/container has terminated, for any reason.
type ExitEvent struct {
	ExitCode int
	Err      error
}

// DeviceEvent is the hotplug descriptor the Device Plug Orchestrator hands
// to the runner (spec §4.6): a udev environment map plus hardware-database
// entries, applied idempotently with respect to the guest.
type DeviceEvent struct {
	UdevEvents  []map[string]string
	HwDBEntries map[string][]string
}

// Runner is the sum-type interface both variants satisfy. It is a Go
// interface rather than an embedded base type because the two variants
// share no state, only a lifecycle contract (spec §3 "Runner: tagged
// union, not inheritance").
type Runner interface {
	// Start launches the underlying process/container with env appended to
	// its environment.
	Start(ctx context.Context, env []string) error
	// ApplyDevice idempotently applies a hotplug descriptor to the running
	// guest (spec §4.6 "each event is idempotent with respect to the
	// guest").
	ApplyDevice(event DeviceEvent) error
	// Stop requests cooperative shutdown, force-killing after grace elapses.
	Stop(grace time.Duration) error
	// Wait returns a channel that receives exactly one ExitEvent once the
	// runner has terminated.
	Wait() <-chan ExitEvent
	// PID returns the OS process id backing this runner, or 0 before Start.
	PID() int
}

// New dispatches on cfg.Kind to construct the concrete Runner for an App's
// configured launch target (spec §4.5 "dispatch on a discriminator field,
// not virtual methods").
func New(cfg config.Runner, logger *log.Logger) (Runner, error) {
	if logger == nil {
		logger = log.Default()
	}
	switch cfg.Kind {
	case config.RunnerCommand:
		if cfg.Command == nil {
			return nil, FailedError{Reason: "command runner selected with no Command configured"}
		}
		return newCommandRunner(*cfg.Command, logger), nil
	case config.RunnerContainer:
		if cfg.Container == nil {
			return nil, FailedError{Reason: "container runner selected with no Container configured"}
		}
		return newContainerRunner(*cfg.Container, logger), nil
	default:
		return nil, FailedError{Reason: fmt.Sprintf("unknown runner kind %q", cfg.Kind)}
	}
}
